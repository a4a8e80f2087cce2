package postgres

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/retention/internal/domain"
)

const activityColumns = `activity_id, user_id, site, medium, activity_date, days_since_signup, created_at`

// StampActivity inserts the daily activity row unless its key already exists.
func (r *Repository) StampActivity(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, bool, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	const insert = `INSERT INTO daily_activities (` + activityColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (user_id, site, medium, activity_date) DO NOTHING
        RETURNING ` + activityColumns
	const lookup = `SELECT ` + activityColumns + ` FROM daily_activities
        WHERE user_id=$1 AND site=$2 AND medium=$3 AND activity_date=$4`

	var stored domain.ActivityRecord
	created, err := getOrCreate(ctx, r.conn(ctx),
		insert, []any{record.ID, record.UserID, record.Site, record.Medium, dateArg(record.Date), record.DaysSinceSignup, record.CreatedAt},
		lookup, []any{record.UserID, record.Site, record.Medium, dateArg(record.Date)},
		func(row pgx.Row) (err error) {
			stored, err = scanActivity(row)
			return err
		},
	)
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}
	return stored, created, nil
}

// ActivitiesInDayRange returns activity rows for the users whose days_since_signup is in [startDay, endDay).
func (r *Repository) ActivitiesInDayRange(ctx context.Context, userIDs []string, startDay, endDay int) ([]domain.ActivityRecord, error) {
	if len(userIDs) == 0 {
		return []domain.ActivityRecord{}, nil
	}

	const query = `SELECT ` + activityColumns + ` FROM daily_activities
        WHERE user_id = ANY($1) AND days_since_signup >= $2 AND days_since_signup < $3
        ORDER BY activity_date, activity_id`

	rows, err := r.conn(ctx).Query(ctx, query, userIDs, startDay, endDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ActivityRecord, 0)
	for rows.Next() {
		record, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HasActivityOn reports whether the user was active on date through any medium.
func (r *Repository) HasActivityOn(ctx context.Context, userID, site string, date civil.Date) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM daily_activities WHERE user_id=$1 AND site=$2 AND activity_date=$3)`

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, query, userID, site, dateArg(date)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanActivity(row pgx.Row) (domain.ActivityRecord, error) {
	var (
		record domain.ActivityRecord
		day    time.Time
	)
	if err := row.Scan(&record.ID, &record.UserID, &record.Site, &record.Medium, &day, &record.DaysSinceSignup, &record.CreatedAt); err != nil {
		return domain.ActivityRecord{}, err
	}
	record.Date = dateOf(day)
	return record, nil
}
