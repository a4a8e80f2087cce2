package postgres

import (
	"context"
	"errors"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

const userColumns = `user_id, username, date_joined`

// GetUser loads a single account.
func (r *Repository) GetUser(ctx context.Context, userID string) (domain.User, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, xerrors.Errorf("user %q: %w", userID, domain.ErrNotFound)
		}
		return domain.User{}, err
	}
	return user, nil
}

// UsersByUsername returns the named users, or every user when usernames is empty.
func (r *Repository) UsersByUsername(ctx context.Context, usernames []string) ([]domain.User, error) {
	builder := r.builder.Select(userColumns).From("users")
	if len(usernames) > 0 {
		builder = builder.Where(squirrel.Eq{"username": usernames})
	}
	query, args, err := builder.OrderBy("date_joined", "user_id").ToSql()
	if err != nil {
		return nil, xerrors.Errorf("build users sql: %w", err)
	}
	return r.queryUsers(ctx, query, args...)
}

// UsersJoinedBetween returns users whose date_joined lies within [start, end].
func (r *Repository) UsersJoinedBetween(ctx context.Context, start, end time.Time) ([]domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users
        WHERE date_joined BETWEEN $1 AND $2
        ORDER BY date_joined, user_id`
	return r.queryUsers(ctx, query, start, end)
}

func (r *Repository) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	if err := row.Scan(&user.ID, &user.Username, &user.DateJoined); err != nil {
		return domain.User{}, err
	}
	return user, nil
}
