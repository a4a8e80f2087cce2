package segments

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/lock"
)

// DefaultLockName is the singleton lock every backfill run takes.
const DefaultLockName = "segments"

// UpdateOptions selects what a backfill run covers.
type UpdateOptions struct {
	// Usernames restricts the run; empty means every user.
	Usernames []string
	Site      string
	Range     Range
	// Wait blocks for the lock instead of failing with lock.ErrLockHeld.
	Wait bool
}

// UpdateReport summarises a backfill run.
type UpdateReport struct {
	Users    int
	Assigned int
}

// ClearOptions selects the rows removed by Clear.
type ClearOptions struct {
	Usernames []string
	Site      string
	Range     Range
	Category  string
	// Confirm is shown the matching rows and may veto the delete. Nil deletes without asking.
	Confirm func(rows []domain.SegmentAssignment) (bool, error)
}

// Runner is the batch entry point: it serializes runs with a lock and drives an Engine per category.
type Runner struct {
	registry *Registry
	users    domain.UserStore
	store    domain.SegmentStore
	locker   lock.Locker
	lockName string
	logger   *zap.Logger
	opts     []EngineOption
}

// NewRunner constructs a Runner. Engine options apply to every category.
func NewRunner(registry *Registry, users domain.UserStore, store domain.SegmentStore, locker lock.Locker, lockName string, logger *zap.Logger, opts ...EngineOption) *Runner {
	if lockName == "" {
		lockName = DefaultLockName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		users:    users,
		store:    store,
		locker:   locker,
		lockName: lockName,
		logger:   logger,
		opts:     append([]EngineOption{WithLogger(logger)}, opts...),
	}
}

// Update backfills every registered category for the selected users. It
// stops at the first failure; users processed before it keep their rows.
func (r *Runner) Update(ctx context.Context, opts UpdateOptions) (UpdateReport, error) {
	if err := opts.Range.Validate(); err != nil {
		return UpdateReport{}, err
	}

	var report UpdateReport
	err := lock.With(ctx, r.locker, r.lockName, lock.Exclusive, opts.Wait, func(ctx context.Context) error {
		users, err := r.users.UsersByUsername(ctx, opts.Usernames)
		if err != nil {
			return xerrors.Errorf("load users: %w", err)
		}

		engines := make([]*Engine, 0, len(r.registry.Categories()))
		for _, category := range r.registry.Categories() {
			engines = append(engines, NewEngine(category, r.store, r.opts...))
		}

		for _, user := range users {
			for _, engine := range engines {
				rows, err := engine.Assign(ctx, user, opts.Site, opts.Range)
				report.Assigned += len(rows)
				if err != nil {
					return xerrors.Errorf("update %s segments for %s: %w", engine.Category().Name(), user.Username, err)
				}
			}
			report.Users++
			r.logger.Debug("segments updated", zap.String("username", user.Username))
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	r.logger.Info("segment backfill finished", zap.Int("users", report.Users), zap.Int("assignments", report.Assigned))
	return report, nil
}

// Clear deletes the matching segment rows. It always waits for the lock.
func (r *Runner) Clear(ctx context.Context, opts ClearOptions) (int, error) {
	if err := opts.Range.Validate(); err != nil {
		return 0, err
	}
	if opts.Category != "" {
		if _, ok := r.registry.Lookup(opts.Category); !ok {
			return 0, xerrors.Errorf("unknown segment category %q: %w", opts.Category, domain.ErrValidation)
		}
	}

	var deleted int
	err := lock.With(ctx, r.locker, r.lockName, lock.Exclusive, true, func(ctx context.Context) error {
		filter := domain.SegmentFilter{
			Category: opts.Category,
			Site:     opts.Site,
			Start:    opts.Range.Start,
			End:      opts.Range.End,
		}
		if len(opts.Usernames) > 0 {
			users, err := r.users.UsersByUsername(ctx, opts.Usernames)
			if err != nil {
				return xerrors.Errorf("load users: %w", err)
			}
			if len(users) == 0 {
				return nil
			}
			for _, user := range users {
				filter.UserIDs = append(filter.UserIDs, user.ID)
			}
		}

		rows, err := r.store.ListSegments(ctx, filter)
		if err != nil {
			return xerrors.Errorf("list segments: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if opts.Confirm != nil {
			ok, err := opts.Confirm(rows)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		deleted, err = r.store.DeleteSegments(ctx, ids)
		if err != nil {
			return xerrors.Errorf("delete segments: %w", err)
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	r.logger.Info("segments cleared", zap.Int("deleted", deleted))
	return deleted, nil
}
