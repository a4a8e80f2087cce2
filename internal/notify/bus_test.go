package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"example.com/retention/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSubscriber struct {
	mu      sync.Mutex
	days    []domain.ActivityRecord
	signIns []domain.SignIn
	inTx    bool
	ctxErr  error
	release chan struct{}
	err     error
}

func (s *recordingSubscriber) NewDay(ctx context.Context, record domain.ActivityRecord, _ domain.RequestInfo) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days = append(s.days, record)
	s.inTx = s.inTx || domain.InTransaction(ctx)
	s.ctxErr = ctx.Err()
	return s.err
}

func (s *recordingSubscriber) SignedIn(_ context.Context, signIn domain.SignIn, _ domain.RequestInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signIns = append(s.signIns, signIn)
	return s.err
}

type panickingSubscriber struct{}

func (panickingSubscriber) NewDay(context.Context, domain.ActivityRecord, domain.RequestInfo) error {
	panic("boom")
}

func (panickingSubscriber) SignedIn(context.Context, domain.SignIn, domain.RequestInfo) error {
	return nil
}

func TestBusDeliversToEverySubscriber(t *testing.T) {
	first, second := &recordingSubscriber{}, &recordingSubscriber{}
	bus := NewBus(nil, first, second)

	bus.NewDay(context.Background(), domain.ActivityRecord{UserID: "u-1"}, domain.RequestInfo{})
	bus.SignedIn(context.Background(), domain.SignIn{UserID: "u-1"}, domain.RequestInfo{})
	require.NoError(t, bus.Close(context.Background()))

	for _, sub := range []*recordingSubscriber{first, second} {
		require.Len(t, sub.days, 1)
		require.Len(t, sub.signIns, 1)
	}
}

func TestBusDoesNotBlockCaller(t *testing.T) {
	slow := &recordingSubscriber{release: make(chan struct{})}
	bus := NewBus(nil, slow)

	ctx, cancel := context.WithCancel(domain.ContextWithTx(context.Background(), "tx"))
	returned := make(chan struct{})
	go func() {
		bus.NewDay(ctx, domain.ActivityRecord{UserID: "u-1"}, domain.RequestInfo{})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("NewDay blocked on a slow subscriber")
	}

	cancel()
	close(slow.release)
	require.NoError(t, bus.Close(context.Background()))
	require.Len(t, slow.days, 1)
	require.False(t, slow.inTx)
	require.NoError(t, slow.ctxErr)
}

func TestBusLogsFailuresAndSurvivesPanics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	failing := &recordingSubscriber{err: domain.ErrIdentification}
	bus := NewBus(zap.New(core), panickingSubscriber{}, failing)

	bus.NewDay(context.Background(), domain.ActivityRecord{UserID: "u-1"}, domain.RequestInfo{})
	require.NoError(t, bus.Close(context.Background()))

	require.Equal(t, 1, logs.FilterMessage("notification subscriber panicked").Len())
	require.Equal(t, 1, logs.FilterMessage("notification skipped").Len())
}

func TestBusCloseDropsLateNotificationsAndHonorsDeadline(t *testing.T) {
	slow := &recordingSubscriber{release: make(chan struct{})}
	bus := NewBus(nil, slow)
	bus.NewDay(context.Background(), domain.ActivityRecord{UserID: "u-1"}, domain.RequestInfo{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, bus.Close(ctx), context.DeadlineExceeded)

	bus.NewDay(context.Background(), domain.ActivityRecord{UserID: "u-2"}, domain.RequestInfo{})
	close(slow.release)
	require.NoError(t, bus.Close(context.Background()))
	require.Len(t, slow.days, 1)
	require.Equal(t, "u-1", slow.days[0].UserID)
}
