package postgres

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	squirrel "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

const segmentColumns = `segment_id, category, user_id, site, segment_date, label, claimed_at`

// ClaimSegment inserts an empty-label placeholder unless a row already exists for the key.
func (r *Repository) ClaimSegment(ctx context.Context, claim domain.SegmentAssignment) (domain.SegmentAssignment, bool, error) {
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}

	const insert = `INSERT INTO segment_assignments (` + segmentColumns + `)
        VALUES ($1,$2,$3,$4,$5,'',$6)
        ON CONFLICT (category, user_id, site, segment_date) DO NOTHING
        RETURNING ` + segmentColumns
	const lookup = `SELECT ` + segmentColumns + ` FROM segment_assignments
        WHERE category=$1 AND user_id=$2 AND site=$3 AND segment_date=$4`

	var stored domain.SegmentAssignment
	created, err := getOrCreate(ctx, r.conn(ctx),
		insert, []any{claim.ID, claim.Category, claim.UserID, claim.Site, dateArg(claim.Date), claim.ClaimedAt},
		lookup, []any{claim.Category, claim.UserID, claim.Site, dateArg(claim.Date)},
		func(row pgx.Row) (err error) {
			stored, err = scanSegment(row)
			return err
		},
	)
	if err != nil {
		return domain.SegmentAssignment{}, false, err
	}
	return stored, created, nil
}

// GetSegment loads the row for a key, pending or filled.
func (r *Repository) GetSegment(ctx context.Context, category, userID, site string, date civil.Date) (domain.SegmentAssignment, error) {
	const query = `SELECT ` + segmentColumns + ` FROM segment_assignments
        WHERE category=$1 AND user_id=$2 AND site=$3 AND segment_date=$4`

	segment, err := scanSegment(r.conn(ctx).QueryRow(ctx, query, category, userID, site, dateArg(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SegmentAssignment{}, xerrors.Errorf("segment %s/%s/%s: %w", category, userID, date, domain.ErrNotFound)
		}
		return domain.SegmentAssignment{}, err
	}
	return segment, nil
}

// FillSegment writes the label onto a pending row.
func (r *Repository) FillSegment(ctx context.Context, id, label string) error {
	db := r.conn(ctx)
	tag, err := db.Exec(ctx, `UPDATE segment_assignments SET label=$2 WHERE segment_id=$1 AND label=''`, id, label)
	if err != nil {
		return xerrors.Errorf("fill segment %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM segment_assignments WHERE segment_id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return xerrors.Errorf("segment %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

// TouchClaim refreshes claimed_at on a placeholder that is still pending.
func (r *Repository) TouchClaim(ctx context.Context, id string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE segment_assignments SET claimed_at=$2 WHERE segment_id=$1 AND label=''`, id, at)
	if err != nil {
		return xerrors.Errorf("touch claim %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.Errorf("pending segment %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ReleaseClaim drops a placeholder that was never filled.
func (r *Repository) ReleaseClaim(ctx context.Context, id string) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM segment_assignments WHERE segment_id=$1 AND label=''`, id); err != nil {
		return xerrors.Errorf("release claim %q: %w", id, err)
	}
	return nil
}

// ReleaseStaleClaims drops the user's placeholders claimed before cutoff.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, category, userID, site string, cutoff time.Time) (int, error) {
	const query = `DELETE FROM segment_assignments
        WHERE category=$1 AND user_id=$2 AND site=$3 AND label='' AND claimed_at < $4`

	tag, err := r.conn(ctx).Exec(ctx, query, category, userID, site, cutoff)
	if err != nil {
		return 0, xerrors.Errorf("release stale claims for user %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

// SegmentDates lists the dates holding a row (pending or filled) within [start, end].
func (r *Repository) SegmentDates(ctx context.Context, category, userID, site string, start, end civil.Date) ([]civil.Date, error) {
	const query = `SELECT segment_date FROM segment_assignments
        WHERE category=$1 AND user_id=$2 AND site=$3 AND segment_date BETWEEN $4 AND $5
        ORDER BY segment_date`

	rows, err := r.conn(ctx).Query(ctx, query, category, userID, site, dateArg(start), dateArg(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dates := make([]civil.Date, 0)
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		dates = append(dates, dateOf(day))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dates, nil
}

// ListSegments returns rows matching the filter.
func (r *Repository) ListSegments(ctx context.Context, filter domain.SegmentFilter) ([]domain.SegmentAssignment, error) {
	builder := r.builder.Select(segmentColumns).
		From("segment_assignments").
		Where(squirrel.Eq{"site": filter.Site})
	if filter.Category != "" {
		builder = builder.Where(squirrel.Eq{"category": filter.Category})
	}
	if len(filter.UserIDs) > 0 {
		builder = builder.Where(squirrel.Eq{"user_id": filter.UserIDs})
	}
	if filter.Start.IsValid() {
		builder = builder.Where(squirrel.GtOrEq{"segment_date": dateArg(filter.Start)})
	}
	if filter.End.IsValid() {
		builder = builder.Where(squirrel.LtOrEq{"segment_date": dateArg(filter.End)})
	}

	query, args, err := builder.OrderBy("user_id", "segment_date", "category").ToSql()
	if err != nil {
		return nil, xerrors.Errorf("build list segments sql: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SegmentAssignment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSegments removes rows by id and reports how many were deleted.
func (r *Repository) DeleteSegments(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM segment_assignments WHERE segment_id = ANY($1)`, ids)
	if err != nil {
		return 0, xerrors.Errorf("delete segments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSegment(row pgx.Row) (domain.SegmentAssignment, error) {
	var (
		segment domain.SegmentAssignment
		day     time.Time
	)
	if err := row.Scan(&segment.ID, &segment.Category, &segment.UserID, &segment.Site, &day, &segment.Label, &segment.ClaimedAt); err != nil {
		return domain.SegmentAssignment{}, err
	}
	segment.Date = dateOf(day)
	return segment, nil
}
