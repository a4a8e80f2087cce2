// Package notify fans recorder notifications out to subscribers without
// blocking the request that produced them.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// Subscriber consumes notifications. Errors are logged, never returned to the recorder.
type Subscriber interface {
	NewDay(ctx context.Context, record domain.ActivityRecord, req domain.RequestInfo) error
	SignedIn(ctx context.Context, signIn domain.SignIn, req domain.RequestInfo) error
}

// ErrClosed is reported when a notification arrives after Close.
var ErrClosed = errors.New("notify: bus closed")

// Bus implements domain.Notifier. Each notification runs every subscriber on
// its own goroutine with a context detached from the caller's cancellation
// and transaction.
type Bus struct {
	subscribers []Subscriber
	logger      *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus constructs a Bus.
func NewBus(logger *zap.Logger, subscribers ...Subscriber) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subscribers: subscribers, logger: logger}
}

// NewDay implements domain.Notifier.
func (b *Bus) NewDay(ctx context.Context, record domain.ActivityRecord, req domain.RequestInfo) {
	b.publish(ctx, "new_day", record.UserID, func(ctx context.Context, s Subscriber) error {
		return s.NewDay(ctx, record, req)
	})
}

// SignedIn implements domain.Notifier.
func (b *Bus) SignedIn(ctx context.Context, signIn domain.SignIn, req domain.RequestInfo) {
	b.publish(ctx, "signed_in", signIn.UserID, func(ctx context.Context, s Subscriber) error {
		return s.SignedIn(ctx, signIn, req)
	})
}

func (b *Bus) publish(ctx context.Context, kind, userID string, deliver func(context.Context, Subscriber) error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("dropping notification", zap.String("kind", kind), zap.String("user_id", userID), zap.Error(ErrClosed))
		return
	}

	ctx = domain.WithoutTx(context.WithoutCancel(ctx))
	for _, sub := range b.subscribers {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("notification subscriber panicked", zap.String("kind", kind), zap.Any("panic", r))
				}
			}()

			err := deliver(ctx, sub)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrIdentification):
				b.logger.Debug("notification skipped", zap.String("kind", kind), zap.Error(err))
			default:
				b.logger.Error("notification subscriber failed", zap.String("kind", kind), zap.String("user_id", userID), zap.Error(err))
			}
		}()
	}
}

// Close stops accepting notifications and waits for in-flight deliveries
// until ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("waiting for notification subscribers: %w", ctx.Err())
	}
}
