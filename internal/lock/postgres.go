package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/observability"
)

// ConnAcquirer is satisfied by *pgxpool.Pool.
type ConnAcquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PostgresLocker takes session-level advisory locks on a dedicated pooled
// connection. The connection is held until the lease is released.
type PostgresLocker struct {
	pool      ConnAcquirer
	namespace string
	identity  string
	clock     quartz.Clock
	logger    *zap.Logger
}

// NewPostgresLocker constructs a PostgresLocker. namespace scopes lock keys so
// other applications sharing the database do not collide.
func NewPostgresLocker(pool ConnAcquirer, namespace string, logger *zap.Logger, opts ...Option) *PostgresLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &PostgresLocker{pool: pool, namespace: namespace, identity: Identity(), clock: o.clock, logger: logger}
}

// Acquire implements Locker.
func (l *PostgresLocker) Acquire(ctx context.Context, name string, mode Mode, wait bool) (Lease, error) {
	started := l.clock.Now()
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, xerrors.Errorf("acquire connection for lock %q: %w", name, err)
	}

	class, object := advisoryKeys(l.namespace, name)
	if _, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", l.identity); err != nil {
		conn.Release()
		return nil, xerrors.Errorf("tag lock session: %w", err)
	}

	fn := "pg_try_advisory_lock"
	if wait {
		fn = "pg_advisory_lock"
	}
	if mode == Shared {
		fn += "_shared"
	}

	locked := true
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if wait {
		_, err = conn.Exec(ctx, query, class, object)
	} else {
		err = conn.QueryRow(ctx, query, class, object).Scan(&locked)
	}
	if err != nil {
		observability.RecordLockWait("postgres", "error", l.clock.Since(started))
		discard(conn)
		return nil, xerrors.Errorf("lock %q: %w", name, err)
	}
	if !locked {
		observability.RecordLockWait("postgres", "held", l.clock.Since(started))
		holder := lookupHolder(ctx, conn, class, object)
		conn.Release()
		return nil, &HeldError{Name: name, Holder: holder}
	}

	observability.RecordLockWait("postgres", "acquired", l.clock.Since(started))
	l.logger.Debug("advisory lock acquired", zap.String("name", name), zap.Stringer("mode", mode))
	return &postgresLease{conn: conn, class: class, object: object, mode: mode}, nil
}

type postgresLease struct {
	conn   *pgxpool.Conn
	class  int32
	object int32
	mode   Mode
}

func (p *postgresLease) Done() <-chan struct{} {
	return nil
}

func (p *postgresLease) Release(ctx context.Context) error {
	fn := "pg_advisory_unlock"
	if p.mode == Shared {
		fn += "_shared"
	}
	var unlocked bool
	err := p.conn.QueryRow(ctx, fmt.Sprintf("SELECT %s($1, $2)", fn), p.class, p.object).Scan(&unlocked)
	if err == nil && !unlocked {
		err = errors.New("advisory lock was not held by this session")
	}
	if err != nil {
		// Closing the session drops every advisory lock it holds.
		discard(p.conn)
		return err
	}
	_, _ = p.conn.Exec(ctx, "SELECT set_config('application_name', '', false)")
	p.conn.Release()
	return nil
}

func lookupHolder(ctx context.Context, conn *pgxpool.Conn, class, object int32) string {
	const query = `SELECT a.application_name, a.pid
        FROM pg_locks l JOIN pg_stat_activity a ON a.pid = l.pid
        WHERE l.locktype = 'advisory' AND l.granted
          AND l.classid::bigint = $1 AND l.objid::bigint = $2 AND l.objsubid = 2
        LIMIT 1`

	var (
		app string
		pid int32
	)
	// Best effort: the holder may have released between our attempt and this read.
	if err := conn.QueryRow(ctx, query, int64(uint32(class)), int64(uint32(object))).Scan(&app, &pid); err != nil {
		return ""
	}
	if app != "" {
		return app
	}
	return fmt.Sprintf("backend pid %d", pid)
}

func discard(conn *pgxpool.Conn) {
	_ = conn.Conn().Close(context.Background())
	conn.Release()
}

func advisoryKeys(namespace, name string) (int32, int32) {
	return hash32(namespace), hash32(name)
}

func hash32(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}
