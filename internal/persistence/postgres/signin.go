package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

const (
	lastActivityColumns = `last_activity_id, user_id, site, medium, seen_at`
	signInColumns       = `sign_in_id, user_id, site, medium, signed_in_at, previous_activity_at`
)

// GetOrCreateLastActivity returns the snapshot for (user, site, medium), inserting it when absent.
func (r *Repository) GetOrCreateLastActivity(ctx context.Context, snapshot domain.LastActivity) (domain.LastActivity, bool, error) {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}

	const insert = `INSERT INTO last_activities (` + lastActivityColumns + `)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id, site, medium) DO NOTHING
        RETURNING ` + lastActivityColumns
	const lookup = `SELECT ` + lastActivityColumns + ` FROM last_activities
        WHERE user_id=$1 AND site=$2 AND medium=$3`

	var stored domain.LastActivity
	created, err := getOrCreate(ctx, r.conn(ctx),
		insert, []any{snapshot.ID, snapshot.UserID, snapshot.Site, snapshot.Medium, snapshot.SeenAt},
		lookup, []any{snapshot.UserID, snapshot.Site, snapshot.Medium},
		func(row pgx.Row) error {
			return row.Scan(&stored.ID, &stored.UserID, &stored.Site, &stored.Medium, &stored.SeenAt)
		},
	)
	if err != nil {
		return domain.LastActivity{}, false, err
	}
	return stored, created, nil
}

// TouchLastActivity advances seen_at only when it still equals previous.
func (r *Repository) TouchLastActivity(ctx context.Context, id string, previous, at time.Time) (bool, error) {
	const query = `UPDATE last_activities SET seen_at=$3 WHERE last_activity_id=$1 AND seen_at=$2`

	tag, err := r.conn(ctx).Exec(ctx, query, id, previous, at)
	if err != nil {
		return false, xerrors.Errorf("touch last activity %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateSignIn appends a sign-in row unless the same instant is already logged.
func (r *Repository) CreateSignIn(ctx context.Context, signIn domain.SignIn) (domain.SignIn, bool, error) {
	if signIn.ID == "" {
		signIn.ID = uuid.NewString()
	}

	const insert = `INSERT INTO sign_ins (` + signInColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (user_id, site, medium, signed_in_at) DO NOTHING
        RETURNING ` + signInColumns
	const lookup = `SELECT ` + signInColumns + ` FROM sign_ins
        WHERE user_id=$1 AND site=$2 AND medium=$3 AND signed_in_at=$4`

	var stored domain.SignIn
	created, err := getOrCreate(ctx, r.conn(ctx),
		insert, []any{signIn.ID, signIn.UserID, signIn.Site, signIn.Medium, signIn.At, signIn.PreviousActivityAt},
		lookup, []any{signIn.UserID, signIn.Site, signIn.Medium, signIn.At},
		func(row pgx.Row) error {
			return row.Scan(&stored.ID, &stored.UserID, &stored.Site, &stored.Medium, &stored.At, &stored.PreviousActivityAt)
		},
	)
	if err != nil {
		return domain.SignIn{}, false, err
	}
	return stored, created, nil
}
