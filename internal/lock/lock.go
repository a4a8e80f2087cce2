// Package lock provides named advisory locks shared across processes and hosts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// Mode selects shared or exclusive ownership.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

var (
	// ErrLockHeld is matched by every HeldError.
	ErrLockHeld = errors.New("lock held")
	// ErrLeaseLost reports that a lease expired while its owner still ran.
	ErrLeaseLost = errors.New("lock lease lost")
)

// HeldError is returned by a non-blocking Acquire when another owner holds the lock.
type HeldError struct {
	Name   string
	Holder string
}

func (e *HeldError) Error() string {
	holder := e.Holder
	if holder == "" {
		holder = "unknown"
	}
	return fmt.Sprintf("could not acquire lock on %q held by %s", e.Name, holder)
}

// Is reports whether target is ErrLockHeld.
func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// Lease is an acquired lock.
type Lease interface {
	Release(ctx context.Context) error
	// Done is closed when the lease is lost before Release. It is nil for
	// backends whose leases cannot expire.
	Done() <-chan struct{}
}

// Option configures a Locker.
type Option func(*options)

type options struct {
	clock quartz.Clock
}

// WithClock overrides the clock driving retries and lease refreshes.
func WithClock(clock quartz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Locker acquires named locks. When wait is false and the lock is taken,
// Acquire returns a *HeldError immediately; otherwise it blocks until the
// lock is granted or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, name string, mode Mode, wait bool) (Lease, error)
}

// With runs fn while holding name and releases the lock on every exit path,
// including a panic in fn. If the lease is lost, fn's context is cancelled
// and With reports ErrLeaseLost.
func With(ctx context.Context, locker Locker, name string, mode Mode, wait bool, fn func(ctx context.Context) error) (err error) {
	lease, err := locker.Acquire(ctx, name, mode, wait)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			err = errors.Join(err, xerrors.Errorf("release lock %q: %w", name, releaseErr))
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if lost := lease.Done(); lost != nil {
		go func() {
			select {
			case <-lost:
				cancel(ErrLeaseLost)
			case <-runCtx.Done():
			}
		}()
	}

	err = fn(runCtx)
	if errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		err = errors.Join(err, xerrors.Errorf("lock %q: %w", name, ErrLeaseLost))
	}
	return err
}

// Identity returns the host:pid string recorded for lock holders.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
