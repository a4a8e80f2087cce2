package main

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/config"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/lock"
	"example.com/retention/internal/logger"
	"example.com/retention/internal/persistence/memory"
	"example.com/retention/internal/persistence/postgres"
	"example.com/retention/internal/segments"
)

type segmentStore interface {
	domain.UserStore
	domain.ActivityStore
	domain.SegmentStore
}

// env holds the collaborators one command invocation needs.
type env struct {
	logger   *zap.Logger
	registry *segments.Registry
	runner   *segments.Runner
	closers  []func() error
}

func openEnv(ctx context.Context, v *viper.Viper, site string) (*env, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	e := &env{logger: lg}
	e.closers = append(e.closers, func() error { _ = lg.Sync(); return nil })

	var (
		store segmentStore
		pool  *pgxpool.Pool
	)
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, xerrors.Errorf("connect to postgres: %w", err)
		}
		e.closers = append(e.closers, func() error { pool.Close(); return nil })
		store = postgres.NewRepository(pool)
	default:
		store = memory.NewStore()
	}

	locker, err := openLocker(cfg, pool, lg, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	registry, err := segments.NewRegistry(
		segments.NewUserCategory(cfg.Location),
		segments.ActivityCategory(store, site),
	)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.registry = registry
	e.runner = segments.NewRunner(registry, store, store, locker, cfg.LockName, lg,
		segments.WithLocation(cfg.Location),
		segments.WithPollInterval(cfg.SegmentPollInterval),
		segments.WithClaimTTL(cfg.SegmentClaimTTL),
	)
	return e, nil
}

func openLocker(cfg config.Config, pool *pgxpool.Pool, lg *zap.Logger, e *env) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.LockPostgres:
		if pool == nil {
			return nil, xerrors.Errorf("postgres locks need postgres storage: %w", domain.ErrConfiguration)
		}
		return lock.NewPostgresLocker(pool, "retention", lg), nil
	case config.LockRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, xerrors.Errorf("REDIS_URL: %v: %w", err, domain.ErrConfiguration)
		}
		client := redis.NewClient(opts)
		e.closers = append(e.closers, client.Close)
		return lock.NewRedisLocker(client, cfg.LockLeaseTTL, lg), nil
	default:
		locker, err := lock.NewFileLocker(cfg.LockDir, lg)
		if err != nil {
			return nil, err
		}
		return locker, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}
