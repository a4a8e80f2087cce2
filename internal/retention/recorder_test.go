package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/persistence/memory"
)

type recordingNotifier struct {
	mu      sync.Mutex
	days    []domain.ActivityRecord
	signIns []domain.SignIn
}

func (n *recordingNotifier) NewDay(_ context.Context, record domain.ActivityRecord, _ domain.RequestInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.days = append(n.days, record)
}

func (n *recordingNotifier) SignedIn(_ context.Context, signIn domain.SignIn, _ domain.RequestInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signIns = append(n.signIns, signIn)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.days), len(n.signIns)
}

var testNow = time.Date(2024, time.March, 10, 15, 30, 0, 0, time.UTC)

func newMockClock(t *testing.T) *quartz.Mock {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	return clock
}

func TestRecorderStampIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	recorder := NewRecorder(store, WithClock(newMockClock(t)), WithNotifier(notifier))

	user := domain.User{ID: "u-1", Username: "alice", DateJoined: testNow.AddDate(0, 0, -3)}

	first, created, err := recorder.Stamp(ctx, user, "", "web", domain.RequestInfo{})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, civil.Date{Year: 2024, Month: time.March, Day: 10}, first.Date)
	require.Equal(t, 3, first.DaysSinceSignup)

	second, created, err := recorder.Stamp(ctx, user, "", "web", domain.RequestInfo{})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, second)

	days, _ := notifier.counts()
	require.Equal(t, 1, days)
}

func TestRecorderConcurrentStampsCreateOneRow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	recorder := NewRecorder(store, WithClock(newMockClock(t)), WithNotifier(notifier))
	user := domain.User{ID: "u-1", DateJoined: testNow}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, ok, err := recorder.Stamp(ctx, user, "site-a", "web", domain.RequestInfo{})
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[record.ID] = struct{}{}
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Len(t, ids, 1)
	days, _ := notifier.counts()
	require.Equal(t, 1, days)
}

func TestRecorderSameDaySignupHasZeroDays(t *testing.T) {
	recorder := NewRecorder(memory.NewStore(), WithClock(newMockClock(t)))
	user := domain.User{ID: "u-1", DateJoined: testNow.Add(-time.Hour)}

	record, _, err := recorder.Stamp(context.Background(), user, "", "", domain.RequestInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, record.DaysSinceSignup)
	require.Equal(t, DefaultMedium, record.Medium)
}

func TestRecorderStampOnBeforeSignupIsNegative(t *testing.T) {
	recorder := NewRecorder(memory.NewStore(), WithClock(newMockClock(t)))
	user := domain.User{ID: "u-1", DateJoined: testNow}

	record, created, err := recorder.StampOn(context.Background(), user, "", "web", civil.Date{Year: 2024, Month: time.March, Day: 8}, domain.RequestInfo{})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, -2, record.DaysSinceSignup)
}

func TestRecorderUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2024, time.March, 10, 20, 0, 0, 0, time.UTC))
	recorder := NewRecorder(memory.NewStore(), WithClock(clock), WithLocation(loc))
	user := domain.User{ID: "u-1", DateJoined: time.Date(2024, time.March, 10, 1, 0, 0, 0, time.UTC)}

	record, _, err := recorder.Stamp(context.Background(), user, "", "web", domain.RequestInfo{})
	require.NoError(t, err)
	require.Equal(t, civil.Date{Year: 2024, Month: time.March, Day: 11}, record.Date)
	require.Equal(t, 1, record.DaysSinceSignup)
}

func TestRecorderSkipsUnidentifiedUser(t *testing.T) {
	notifier := &recordingNotifier{}
	recorder := NewRecorder(memory.NewStore(), WithClock(newMockClock(t)), WithNotifier(notifier))

	record, created, err := recorder.Stamp(context.Background(), domain.User{}, "", "web", domain.RequestInfo{})
	require.NoError(t, err)
	require.False(t, created)
	require.Empty(t, record.ID)
	days, _ := notifier.counts()
	require.Zero(t, days)
}
