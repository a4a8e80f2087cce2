package segments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/persistence/memory"
)

var testNow = time.Date(2024, time.March, 10, 15, 30, 0, 0, time.UTC)

var (
	today     = civil.DateOf(testNow)
	yesterday = today.AddDays(-1)
)

type countingClassifier struct {
	mu    sync.Mutex
	calls map[civil.Date]int
	label func(date civil.Date) (string, error)
}

func newCountingClassifier(label func(civil.Date) (string, error)) *countingClassifier {
	return &countingClassifier{calls: make(map[civil.Date]int), label: label}
}

func (c *countingClassifier) classify(_ context.Context, _ domain.User, date civil.Date) (string, error) {
	c.mu.Lock()
	c.calls[date]++
	c.mu.Unlock()
	return c.label(date)
}

func (c *countingClassifier) count(date civil.Date) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[date]
}

func weekdayCategory(t *testing.T, classify Classifier) *Category {
	t.Helper()
	category, err := NewCategory("weekday", []Label{
		{Key: "weekday", Name: "Weekday"},
		{Key: "weekend", Name: "Weekend"},
	}, classify)
	require.NoError(t, err)
	return category
}

func alwaysWeekday(civil.Date) (string, error) { return "weekday", nil }

func newTestEngine(t *testing.T, category *Category, store domain.SegmentStore, opts ...EngineOption) *Engine {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	return NewEngine(category, store, append([]EngineOption{WithClock(clock)}, opts...)...)
}

func joinedDaysAgo(days int) domain.User {
	return domain.User{ID: "u-1", Username: "alice", DateJoined: testNow.AddDate(0, 0, -days)}
}

func TestMissingDatesAssignAndReappear(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	classifier := newCountingClassifier(alwaysWeekday)
	engine := newTestEngine(t, weekdayCategory(t, classifier.classify), store)
	user := joinedDaysAgo(2)

	missing, err := engine.MissingDates(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{yesterday.AddDays(-1), yesterday}, missing)

	rows, err := engine.Assign(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, yesterday, rows[0].Date)
	require.Equal(t, yesterday.AddDays(-1), rows[1].Date)
	for _, row := range rows {
		require.Equal(t, "weekday", row.Label)
	}

	missing, err = engine.MissingDates(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Empty(t, missing)

	deleted, err := store.DeleteSegments(ctx, []string{rows[0].ID})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	missing, err = engine.MissingDates(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{yesterday}, missing)
}

func TestMissingDatesHonorsRange(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, weekdayCategory(t, newCountingClassifier(alwaysWeekday).classify), memory.NewStore())
	user := joinedDaysAgo(10)

	missing, err := engine.MissingDates(ctx, user, "", Range{Start: today.AddDays(-4), End: today.AddDays(-3)})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{today.AddDays(-4), today.AddDays(-3)}, missing)

	missing, err = engine.MissingDates(ctx, user, "", Range{Start: today.AddDays(-30), End: today.AddDays(30)})
	require.NoError(t, err)
	require.Len(t, missing, 10)
	require.Equal(t, today.AddDays(-10), missing[0])
	require.Equal(t, yesterday, missing[len(missing)-1])

	_, err = engine.MissingDates(ctx, user, "", Range{Start: today, End: yesterday})
	require.True(t, errors.Is(err, domain.ErrValidation))
}

func TestMissingDatesEmptyForTodaySignup(t *testing.T) {
	engine := newTestEngine(t, weekdayCategory(t, newCountingClassifier(alwaysWeekday).classify), memory.NewStore())

	missing, err := engine.MissingDates(context.Background(), joinedDaysAgo(0), "", Range{})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestAssignKeepsSitesApart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	engine := newTestEngine(t, weekdayCategory(t, newCountingClassifier(alwaysWeekday).classify), store)
	user := joinedDaysAgo(1)

	_, err := engine.Assign(ctx, user, "site-a", Range{})
	require.NoError(t, err)

	missing, err := engine.MissingDates(ctx, user, "site-b", Range{})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{yesterday}, missing)
}

func TestAssignFailureReleasesPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	boom := errors.New("warehouse unavailable")
	classifier := newCountingClassifier(func(date civil.Date) (string, error) {
		if date == yesterday {
			return "", boom
		}
		return "weekday", nil
	})
	engine := newTestEngine(t, weekdayCategory(t, classifier.classify), store)
	user := joinedDaysAgo(2)

	rows, err := engine.Assign(ctx, user, "", Range{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrClassification))
	require.True(t, errors.Is(err, boom))
	require.Empty(t, rows)

	_, err = store.GetSegment(ctx, "weekday", user.ID, "", yesterday)
	require.True(t, errors.Is(err, domain.ErrNotFound))

	missing, err := engine.MissingDates(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{yesterday.AddDays(-1), yesterday}, missing)
	require.Zero(t, classifier.count(yesterday.AddDays(-1)))
}

func TestAssignRejectsInvalidLabels(t *testing.T) {
	ctx := context.Background()
	for name, label := range map[string]string{"empty": "", "undeclared": "holiday"} {
		t.Run(name, func(t *testing.T) {
			store := memory.NewStore()
			engine := newTestEngine(t, weekdayCategory(t, func(context.Context, domain.User, civil.Date) (string, error) {
				return label, nil
			}), store)
			user := joinedDaysAgo(1)

			_, err := engine.Assign(ctx, user, "", Range{})
			require.True(t, errors.Is(err, domain.ErrClassification))

			var classErr *ClassificationError
			require.True(t, errors.As(err, &classErr))
			require.Equal(t, yesterday, classErr.Date)

			_, err = store.GetSegment(ctx, "weekday", user.ID, "", yesterday)
			require.True(t, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestAssignPanicReleasesPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	engine := newTestEngine(t, weekdayCategory(t, func(context.Context, domain.User, civil.Date) (string, error) {
		panic("classifier bug")
	}), store)
	user := joinedDaysAgo(1)

	require.Panics(t, func() { _, _ = engine.Assign(ctx, user, "", Range{}) })

	_, err := store.GetSegment(ctx, "weekday", user.ID, "", yesterday)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentAssignClassifiesEachDateOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	release := make(chan struct{})
	classifier := newCountingClassifier(func(civil.Date) (string, error) {
		<-release
		return "weekend", nil
	})
	category := weekdayCategory(t, classifier.classify)
	user := domain.User{ID: "u-1", DateJoined: time.Now().AddDate(0, 0, -3)}

	engines := []*Engine{
		NewEngine(category, store, WithPollInterval(5*time.Millisecond)),
		NewEngine(category, store, WithPollInterval(5*time.Millisecond)),
	}

	var wg sync.WaitGroup
	results := make([][]domain.SegmentAssignment, len(engines))
	errs := make([]error, len(engines))
	for i, engine := range engines {
		wg.Add(1)
		go func(i int, engine *Engine) {
			defer wg.Done()
			results[i], errs[i] = engine.Assign(ctx, user, "", Range{})
		}(i, engine)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range engines {
		require.NoError(t, errs[i])
		for _, row := range results[i] {
			require.Equal(t, "weekend", row.Label)
		}
	}

	rows, err := store.ListSegments(ctx, domain.SegmentFilter{Category: "weekday"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.Equal(t, 1, classifier.count(row.Date))
	}
}

func TestAssignReclaimsAbandonedPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	classifier := newCountingClassifier(alwaysWeekday)
	engine := newTestEngine(t, weekdayCategory(t, classifier.classify), store, WithClaimTTL(time.Minute))
	user := joinedDaysAgo(1)

	_, created, err := store.ClaimSegment(ctx, domain.SegmentAssignment{
		Category:  "weekday",
		UserID:    user.ID,
		Date:      yesterday,
		ClaimedAt: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	rows, err := engine.Assign(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "weekday", rows[0].Label)
	require.Equal(t, 1, classifier.count(yesterday))
}

func TestSlowClassifierKeepsItsClaim(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := memory.NewStore()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	heartbeatTrap := clock.Trap().TickerFunc("segments", "heartbeat")
	defer heartbeatTrap.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	classifier := newCountingClassifier(func(civil.Date) (string, error) {
		entered <- struct{}{}
		<-release
		return "weekend", nil
	})
	category := weekdayCategory(t, classifier.classify)
	user := joinedDaysAgo(1)

	slow := NewEngine(category, store, WithClock(clock), WithClaimTTL(time.Minute))
	type result struct {
		rows []domain.SegmentAssignment
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := slow.Assign(ctx, user, "", Range{})
		done <- result{rows, err}
	}()

	heartbeatTrap.MustWait(ctx).MustRelease(ctx)
	<-entered
	for range 6 {
		clock.Advance(20 * time.Second).MustWait(ctx)
	}

	pending, err := store.GetSegment(ctx, "weekday", user.ID, "", yesterday)
	require.NoError(t, err)
	require.True(t, pending.Pending())
	require.Equal(t, clock.Now().UTC(), pending.ClaimedAt)

	other := NewEngine(category, store, WithClock(clock), WithClaimTTL(time.Minute))
	rows, err := other.Assign(ctx, user, "", Range{})
	require.NoError(t, err)
	require.Empty(t, rows)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.rows, 1)
	require.Equal(t, "weekend", res.rows[0].Label)
	require.Equal(t, 1, classifier.count(yesterday))
}

func TestFillAdoptsRowThatReplacedItsClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	engine := newTestEngine(t, weekdayCategory(t, func(context.Context, domain.User, civil.Date) (string, error) {
		entered <- struct{}{}
		<-release
		return "weekend", nil
	}), store, WithClaimTTL(0))
	user := joinedDaysAgo(1)

	type result struct {
		rows []domain.SegmentAssignment
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := engine.Assign(ctx, user, "", Range{})
		done <- result{rows, err}
	}()
	<-entered

	claim, err := store.GetSegment(ctx, "weekday", user.ID, "", yesterday)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseClaim(ctx, claim.ID))
	replacement, created, err := store.ClaimSegment(ctx, domain.SegmentAssignment{
		Category:  "weekday",
		UserID:    user.ID,
		Date:      yesterday,
		ClaimedAt: testNow,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.FillSegment(ctx, replacement.ID, "weekday"))

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.rows, 1)
	require.Equal(t, replacement.ID, res.rows[0].ID)
	require.Equal(t, "weekday", res.rows[0].Label)
}

func TestAssignWarnsInsideTransaction(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := memory.NewStore()
	engine := newTestEngine(t, weekdayCategory(t, newCountingClassifier(alwaysWeekday).classify), store, WithLogger(zap.New(core)))

	err := store.RunInTx(context.Background(), func(ctx context.Context) error {
		_, err := engine.Assign(ctx, joinedDaysAgo(1), "", Range{})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessageSnippet("open transaction").Len())
}

func TestNewCategoryValidation(t *testing.T) {
	classify := func(context.Context, domain.User, civil.Date) (string, error) { return "a", nil }

	_, err := NewCategory("", []Label{{Key: "a"}}, classify)
	require.True(t, errors.Is(err, domain.ErrValidation))

	_, err = NewCategory("c", nil, classify)
	require.True(t, errors.Is(err, domain.ErrValidation))

	_, err = NewCategory("c", []Label{{Key: "a"}, {Key: "a"}}, classify)
	require.True(t, errors.Is(err, domain.ErrValidation))

	category, err := NewCategory("c", []Label{{Key: "b", Name: "Bee"}, {Key: "a", Name: "Ay"}}, classify)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, category.Keys())
	name, ok := category.Label("b")
	require.True(t, ok)
	require.Equal(t, "Bee", name)
	_, ok = category.Label("z")
	require.False(t, ok)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	a := NewUserCategory(time.UTC)
	b := NewUserCategory(time.UTC)

	_, err := NewRegistry(a, b)
	require.True(t, errors.Is(err, domain.ErrValidation))

	registry, err := NewRegistry(a, ActivityCategory(memory.NewStore(), ""))
	require.NoError(t, err)
	require.Len(t, registry.Categories(), 2)
	_, ok := registry.Lookup("activity")
	require.True(t, ok)
}

func TestBuiltinCategories(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	user := joinedDaysAgo(2)

	newUser := NewUserCategory(time.UTC)
	label, err := newUser.Classify(ctx, user, yesterday.AddDays(-1))
	require.NoError(t, err)
	require.Equal(t, "new", label)
	label, err = newUser.Classify(ctx, user, yesterday)
	require.NoError(t, err)
	require.Equal(t, "existing", label)

	_, _, err = store.StampActivity(ctx, domain.ActivityRecord{UserID: user.ID, Medium: "web", Date: yesterday})
	require.NoError(t, err)

	activity := ActivityCategory(store, "")
	label, err = activity.Classify(ctx, user, yesterday)
	require.NoError(t, err)
	require.Equal(t, "active", label)
	label, err = activity.Classify(ctx, user, yesterday.AddDays(-1))
	require.NoError(t, err)
	require.Equal(t, "dormant", label)
}
