package postgres

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// getOrCreateAttempts bounds the insert/lookup loop when a row is deleted
// between our conflicting insert and the follow-up read.
const getOrCreateAttempts = 3

// DB is the subset of pgxpool.Pool and pgx.Tx used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository provides Postgres-backed persistence for activity, sign-in and segment rows.
type Repository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewRepository constructs a Repository.
func NewRepository(db DB) *Repository {
	return &Repository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// RunInTx executes fn inside a transaction carried on the context. Repository
// calls made with that context join the transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if domain.InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return xerrors.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(domain.ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return xerrors.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) conn(ctx context.Context) DB {
	if tx, ok := domain.TxFromContext(ctx); ok {
		if pgTx, ok := tx.(pgx.Tx); ok {
			return pgTx
		}
	}
	return r.db
}

// getOrCreate runs an INSERT ... ON CONFLICT DO NOTHING RETURNING statement and
// falls back to lookup when another writer owns the key.
func getOrCreate(ctx context.Context, db DB, insert string, insertArgs []any, lookup string, lookupArgs []any, scan func(pgx.Row) error) (bool, error) {
	for attempt := 0; attempt < getOrCreateAttempts; attempt++ {
		err := scan(db.QueryRow(ctx, insert, insertArgs...))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		default:
			return false, err
		}

		err = scan(db.QueryRow(ctx, lookup, lookupArgs...))
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
	}
	return false, xerrors.Errorf("get-or-create did not converge after %d attempts", getOrCreateAttempts)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dateArg(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func dateOf(t time.Time) civil.Date {
	return civil.DateOf(t.UTC())
}
