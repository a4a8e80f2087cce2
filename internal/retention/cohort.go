package retention

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// minDate is the earliest calendar day a cohort walk may reach.
var minDate = civil.Date{Year: 1, Month: time.January, Day: 1}

// Normalize dedupes and sorts retention period boundaries. Every boundary must be at least one day.
func Normalize(periods []int) ([]int, error) {
	out := slices.Clone(periods)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > 0 && out[0] < 1 {
		return nil, xerrors.Errorf("retention periods must be at least one day, not %d: %w", out[0], domain.ErrValidation)
	}
	if out == nil {
		out = []int{}
	}
	return out, nil
}

// CohortEngine builds cohorts over the user and activity stores.
type CohortEngine struct {
	users      domain.UserStore
	activities domain.ActivityStore
	settings
}

// NewCohortEngine constructs a CohortEngine.
func NewCohortEngine(users domain.UserStore, activities domain.ActivityStore, opts ...Option) *CohortEngine {
	return &CohortEngine{users: users, activities: activities, settings: newSettings(opts)}
}

// Location returns the time zone signup windows are evaluated in.
func (e *CohortEngine) Location() *time.Location {
	return e.location
}

// NewCohort builds the cohort of users who signed up between start and end inclusive.
func (e *CohortEngine) NewCohort(start, end civil.Date, periods []int) (*Cohort, error) {
	if !start.IsValid() || !end.IsValid() {
		return nil, xerrors.Errorf("cohort dates %v..%v: %w", start, end, domain.ErrValidation)
	}
	if start.After(end) {
		return nil, xerrors.Errorf("start date %s cannot be after end date %s: %w", start, end, domain.ErrValidation)
	}
	boundaries, err := Normalize(periods)
	if err != nil {
		return nil, err
	}
	return &Cohort{engine: e, start: start, end: end, boundaries: boundaries}, nil
}

// Cohorts walks backwards from end, one day per step, yielding overlapping
// cohorts of length days. The first cohort ends min(periods) days before end
// so its shortest period is fully measurable. The walk stops when the window
// would begin before 0001-01-01.
func (e *CohortEngine) Cohorts(end civil.Date, length int, periods []int) (iter.Seq[*Cohort], error) {
	if length < 1 {
		return nil, xerrors.Errorf("cohort length must be at least one day, not %d: %w", length, domain.ErrValidation)
	}
	if !end.IsValid() {
		return nil, xerrors.Errorf("cohort end date %v: %w", end, domain.ErrValidation)
	}
	boundaries, err := Normalize(periods)
	if err != nil {
		return nil, err
	}
	shift := 0
	if len(boundaries) > 0 {
		shift = boundaries[0]
	}
	last := end.AddDays(-shift)
	first := last.AddDays(-length + 1)

	return func(yield func(*Cohort) bool) {
		start, stop := first, last
		for !start.Before(minDate) {
			cohort := &Cohort{engine: e, start: start, end: stop, boundaries: slices.Clone(boundaries)}
			if !yield(cohort) {
				return
			}
			start, stop = start.AddDays(-1), stop.AddDays(-1)
		}
	}, nil
}

// Cohort is a derived view over the users who signed up in [Start, End].
type Cohort struct {
	engine     *CohortEngine
	start      civil.Date
	end        civil.Date
	boundaries []int

	periodsOnce sync.Once
	periods     []*Period
	periodsErr  error

	mu    sync.Mutex
	users []domain.User
}

// Start returns the first signup day of the cohort.
func (c *Cohort) Start() civil.Date { return c.start }

// End returns the last signup day of the cohort.
func (c *Cohort) End() civil.Date { return c.end }

// Boundaries returns the normalized retention period boundaries.
func (c *Cohort) Boundaries() []int { return slices.Clone(c.boundaries) }

// Periods slides a window over the boundaries starting from day 1: [1,p0), [p0,p1), ...
// The result is computed once.
func (c *Cohort) Periods() ([]*Period, error) {
	c.periodsOnce.Do(func() {
		periods := make([]*Period, 0, len(c.boundaries))
		last := 1
		for _, boundary := range c.boundaries {
			period, err := NewPeriod(c, last, boundary)
			if err != nil {
				c.periodsErr = err
				return
			}
			periods = append(periods, period)
			last = boundary
		}
		c.periods = periods
	})
	return c.periods, c.periodsErr
}

// Users returns the members of the cohort, loading them on first success.
func (c *Cohort) Users(ctx context.Context) ([]domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users != nil {
		return c.users, nil
	}

	loc := c.engine.location
	from := c.start.In(loc)
	to := c.end.AddDays(1).In(loc).Add(-time.Nanosecond)
	users, err := c.engine.users.UsersJoinedBetween(ctx, from, to)
	if err != nil {
		return nil, xerrors.Errorf("load cohort %s..%s users: %w", c.start, c.end, err)
	}
	if users == nil {
		users = []domain.User{}
	}
	c.users = users
	return users, nil
}

// Period is a half-open range [StartDay, EndDay) of days since signup within a cohort.
type Period struct {
	cohort   *Cohort
	startDay int
	endDay   int

	mu         sync.Mutex
	activities []domain.ActivityRecord
}

// NewPeriod validates 1 <= start < end.
func NewPeriod(cohort *Cohort, start, end int) (*Period, error) {
	if start < 1 {
		return nil, xerrors.Errorf("start day %d must be >= 1: %w", start, domain.ErrValidation)
	}
	if start >= end {
		return nil, xerrors.Errorf("start day %d must be before end day %d: %w", start, end, domain.ErrValidation)
	}
	return &Period{cohort: cohort, startDay: start, endDay: end}, nil
}

// StartDay returns the inclusive first day since signup.
func (p *Period) StartDay() int { return p.startDay }

// EndDay returns the exclusive last day since signup.
func (p *Period) EndDay() int { return p.endDay }

// Length returns the number of days covered.
func (p *Period) Length() int { return p.endDay - p.startDay }

// Activities returns the cohort members' records whose days since signup fall in the period.
func (p *Period) Activities(ctx context.Context) ([]domain.ActivityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activities != nil {
		return p.activities, nil
	}

	members, err := p.cohort.Users(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, user := range members {
		ids = append(ids, user.ID)
	}
	records, err := p.cohort.engine.activities.ActivitiesInDayRange(ctx, ids, p.startDay, p.endDay)
	if err != nil {
		return nil, xerrors.Errorf("load activities for days [%d,%d): %w", p.startDay, p.endDay, err)
	}
	if records == nil {
		records = []domain.ActivityRecord{}
	}
	p.activities = records
	return records, nil
}

// Users returns the distinct cohort members with at least one activity in the period.
func (p *Period) Users(ctx context.Context) ([]domain.User, error) {
	records, err := p.Activities(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(records))
	for _, record := range records {
		active[record.UserID] = struct{}{}
	}

	members, err := p.cohort.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(active))
	for _, user := range members {
		if _, ok := active[user.ID]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}
