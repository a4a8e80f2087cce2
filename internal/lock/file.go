package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/observability"
)

const fileRetryDelay = 100 * time.Millisecond

// FileLocker takes flock(2) locks on files under a directory. It only
// excludes processes that see the same filesystem.
type FileLocker struct {
	dir      string
	identity string
	clock    quartz.Clock
	logger   *zap.Logger
}

// NewFileLocker returns a FileLocker rooted at dir, creating it if needed.
func NewFileLocker(dir string, logger *zap.Logger, opts ...Option) (*FileLocker, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("create lock dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &FileLocker{dir: dir, identity: Identity(), clock: o.clock, logger: logger}, nil
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, name string, mode Mode, wait bool) (Lease, error) {
	path := filepath.Join(l.dir, name+".lock")
	fl := flock.New(path)
	started := l.clock.Now()

	try := fl.TryLock
	if mode == Shared {
		try = fl.TryRLock
	}
	locked, err := try()
	for err == nil && !locked && wait {
		timer := l.clock.NewTimer(fileRetryDelay, "lock", "retry")
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
			locked, err = try()
		}
	}
	if err != nil {
		observability.RecordLockWait("file", "error", l.clock.Since(started))
		return nil, xerrors.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		observability.RecordLockWait("file", "held", l.clock.Since(started))
		return nil, &HeldError{Name: name, Holder: readOwner(path)}
	}
	observability.RecordLockWait("file", "acquired", l.clock.Since(started))

	// Shared holders overwrite each other's record; the last one wins.
	if err := os.WriteFile(ownerPath(path), []byte(l.identity), 0o644); err != nil {
		l.logger.Warn("could not record lock owner", zap.String("path", path), zap.Error(err))
	}
	l.logger.Debug("lock acquired", zap.String("name", name), zap.Stringer("mode", mode))
	return &fileLease{lock: fl, path: path, identity: l.identity, logger: l.logger}, nil
}

type fileLease struct {
	lock     *flock.Flock
	path     string
	identity string
	logger   *zap.Logger
}

func (f *fileLease) Done() <-chan struct{} {
	return nil
}

func (f *fileLease) Release(context.Context) error {
	var errs []error
	// The lock file itself stays: unlinking it would let a waiter blocked on
	// the old inode and a newcomer on a fresh one both hold the lock.
	if readOwner(f.path) == f.identity {
		if err := os.Remove(ownerPath(f.path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := f.lock.Close(); err != nil {
		errs = append(errs, err)
	}
	f.logger.Debug("lock released", zap.String("path", f.path))
	return errors.Join(errs...)
}

func ownerPath(path string) string {
	return path + ".owner"
}

func readOwner(path string) string {
	data, err := os.ReadFile(ownerPath(path))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
