package segments

import (
	"context"
	"errors"
	"slices"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/observability"
)

// Engine defaults, shared with the SEGMENT_* configuration keys.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultClaimTTL     = 10 * time.Minute
)

// Range bounds a backfill. A zero Start or End leaves that side open.
type Range struct {
	Start civil.Date
	End   civil.Date
}

// Validate rejects inverted or malformed bounds.
func (r Range) Validate() error {
	if r.Start != (civil.Date{}) && !r.Start.IsValid() {
		return xerrors.Errorf("invalid start date %v: %w", r.Start, domain.ErrValidation)
	}
	if r.End != (civil.Date{}) && !r.End.IsValid() {
		return xerrors.Errorf("invalid end date %v: %w", r.End, domain.ErrValidation)
	}
	if r.Start.IsValid() && r.End.IsValid() && r.Start.After(r.End) {
		return xerrors.Errorf("start date %s cannot be after end date %s: %w", r.Start, r.End, domain.ErrValidation)
	}
	return nil
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock used for "yesterday", claim ages and polling.
func WithClock(clock quartz.Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLocation sets the time zone signup and "yesterday" are evaluated in.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPollInterval sets how often a losing claimant re-reads a pending placeholder.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithClaimTTL sets the age after which a pending placeholder is considered abandoned.
// Zero disables reclamation.
func WithClaimTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.claimTTL = d
	}
}

// Engine backfills one category. Every (user, site, date) is classified at
// most once: the placeholder insert decides which caller runs the classifier.
type Engine struct {
	category     *Category
	store        domain.SegmentStore
	clock        quartz.Clock
	location     *time.Location
	logger       *zap.Logger
	pollInterval time.Duration
	claimTTL     time.Duration
}

// NewEngine constructs an Engine for category.
func NewEngine(category *Category, store domain.SegmentStore, opts ...EngineOption) *Engine {
	e := &Engine{
		category:     category,
		store:        store,
		clock:        quartz.NewReal(),
		location:     time.UTC,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		claimTTL:     DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Category returns the category being backfilled.
func (e *Engine) Category() *Category {
	return e.category
}

// MissingDates lists, ascending, the days from max(signup, Start) through
// min(yesterday, End) that have no row for the user and site.
func (e *Engine) MissingDates(ctx context.Context, user domain.User, site string, r Range) ([]civil.Date, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	first := user.SignupDate(e.location)
	if r.Start.IsValid() && r.Start.After(first) {
		first = r.Start
	}
	last := civil.DateOf(e.clock.Now().In(e.location)).AddDays(-1)
	if r.End.IsValid() && r.End.Before(last) {
		last = r.End
	}
	if first.After(last) {
		return []civil.Date{}, nil
	}

	stored, err := e.store.SegmentDates(ctx, e.category.name, user.ID, site, first, last)
	if err != nil {
		return nil, xerrors.Errorf("load %s segment dates for user %s: %w", e.category.name, user.ID, err)
	}
	seen := make(map[civil.Date]struct{}, len(stored))
	for _, d := range stored {
		seen[d] = struct{}{}
	}

	missing := make([]civil.Date, 0, last.DaysSince(first)+1-len(seen))
	for d := first; !d.After(last); d = d.AddDays(1) {
		if _, ok := seen[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Assign classifies every missing date, most recent first, and returns the
// rows touched in that order. The first failure aborts the call; rows
// assigned before it are kept.
func (e *Engine) Assign(ctx context.Context, user domain.User, site string, r Range) ([]domain.SegmentAssignment, error) {
	if domain.InTransaction(ctx) {
		e.logger.Warn("assigning segments inside an open transaction; classifiers may hold it for a long time",
			zap.String("category", e.category.name),
			zap.String("user_id", user.ID),
		)
	}

	if e.claimTTL > 0 {
		released, err := e.store.ReleaseStaleClaims(ctx, e.category.name, user.ID, site, e.clock.Now().Add(-e.claimTTL))
		if err != nil {
			return nil, xerrors.Errorf("release stale %s claims for user %s: %w", e.category.name, user.ID, err)
		}
		if released > 0 {
			e.logger.Warn("released abandoned segment claims",
				zap.String("category", e.category.name),
				zap.String("user_id", user.ID),
				zap.Int("count", released),
			)
		}
	}

	missing, err := e.MissingDates(ctx, user, site, r)
	if err != nil {
		return nil, err
	}
	slices.Reverse(missing)

	touched := make([]domain.SegmentAssignment, 0, len(missing))
	for _, date := range missing {
		row, err := e.assignDate(ctx, user, site, date)
		if err != nil {
			return touched, err
		}
		touched = append(touched, row)
	}
	return touched, nil
}

func (e *Engine) assignDate(ctx context.Context, user domain.User, site string, date civil.Date) (domain.SegmentAssignment, error) {
	for {
		row, created, err := e.store.ClaimSegment(ctx, domain.SegmentAssignment{
			Category:  e.category.name,
			UserID:    user.ID,
			Site:      site,
			Date:      date,
			ClaimedAt: e.clock.Now().UTC(),
		})
		if err != nil {
			return domain.SegmentAssignment{}, xerrors.Errorf("claim %s segment for user %s on %s: %w", e.category.name, user.ID, date, err)
		}
		if created {
			return e.fill(ctx, user, row)
		}

		row, released, err := e.awaitClaim(ctx, row)
		if err != nil {
			return domain.SegmentAssignment{}, err
		}
		if !released {
			observability.RecordSegment(e.category.name, "skipped")
			return row, nil
		}
	}
}

// awaitClaim waits for another claimant to fill row. released is true when
// the placeholder disappeared and the date must be claimed again.
func (e *Engine) awaitClaim(ctx context.Context, row domain.SegmentAssignment) (_ domain.SegmentAssignment, released bool, _ error) {
	for row.Pending() {
		if e.claimTTL > 0 && e.clock.Since(row.ClaimedAt) > e.claimTTL {
			e.logger.Warn("releasing abandoned segment claim",
				zap.String("category", row.Category),
				zap.String("user_id", row.UserID),
				zap.Stringer("date", row.Date),
				zap.Time("claimed_at", row.ClaimedAt),
			)
			if err := e.store.ReleaseClaim(ctx, row.ID); err != nil {
				return domain.SegmentAssignment{}, false, xerrors.Errorf("release abandoned claim %s: %w", row.ID, err)
			}
			return domain.SegmentAssignment{}, true, nil
		}

		timer := e.clock.NewTimer(e.pollInterval, "segments", "poll")
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.SegmentAssignment{}, false, ctx.Err()
		case <-timer.C:
		}

		next, err := e.store.GetSegment(ctx, row.Category, row.UserID, row.Site, row.Date)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SegmentAssignment{}, true, nil
		}
		if err != nil {
			return domain.SegmentAssignment{}, false, xerrors.Errorf("poll %s segment for user %s on %s: %w", row.Category, row.UserID, row.Date, err)
		}
		row = next
	}
	return row, false, nil
}

func (e *Engine) fill(ctx context.Context, user domain.User, claim domain.SegmentAssignment) (_ domain.SegmentAssignment, err error) {
	filled := false
	defer func() {
		if filled {
			return
		}
		observability.RecordSegment(e.category.name, "failed")
		if releaseErr := e.store.ReleaseClaim(context.WithoutCancel(ctx), claim.ID); releaseErr != nil {
			e.logger.Error("failed to release segment claim", zap.String("segment_id", claim.ID), zap.Error(releaseErr))
			err = errors.Join(err, releaseErr)
		}
	}()

	stop := e.heartbeat(ctx, claim)
	started := e.clock.Now()
	label, err := func() (string, error) {
		defer stop()
		return e.category.Classify(ctx, user, claim.Date)
	}()
	observability.RecordClassify(e.category.name, e.clock.Since(started))
	if err != nil {
		return domain.SegmentAssignment{}, err
	}
	if err := e.store.FillSegment(ctx, claim.ID, label); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			row, adopted := e.adopt(ctx, claim)
			if adopted {
				filled = true
				return row, nil
			}
		}
		return domain.SegmentAssignment{}, xerrors.Errorf("store %s segment for user %s on %s: %w", e.category.name, user.ID, claim.Date, err)
	}

	filled = true
	claim.Label = label
	observability.RecordSegment(e.category.name, "assigned")
	return claim, nil
}

// heartbeat keeps claim fresh while its classifier runs so other engines
// never mistake it for an abandoned placeholder. The returned func stops it.
func (e *Engine) heartbeat(ctx context.Context, claim domain.SegmentAssignment) func() {
	if e.claimTTL <= 0 {
		return func() {}
	}
	interval := e.claimTTL / 3
	if interval <= 0 {
		interval = e.claimTTL
	}

	// Refreshes run beside the classifier, so they stay off its transaction.
	ctx, cancel := context.WithCancel(domain.WithoutTx(ctx))
	waiter := e.clock.TickerFunc(ctx, interval, func() error {
		if err := e.store.TouchClaim(ctx, claim.ID, e.clock.Now().UTC()); err != nil && ctx.Err() == nil {
			e.logger.Warn("failed to refresh segment claim",
				zap.String("segment_id", claim.ID),
				zap.String("category", claim.Category),
				zap.String("user_id", claim.UserID),
				zap.Error(err),
			)
		}
		return nil
	}, "segments", "heartbeat")
	return func() {
		cancel()
		_ = waiter.Wait()
	}
}

// adopt resolves a claim that disappeared before it could be filled by
// waiting on whichever row now holds the key.
func (e *Engine) adopt(ctx context.Context, claim domain.SegmentAssignment) (domain.SegmentAssignment, bool) {
	row, err := e.store.GetSegment(ctx, claim.Category, claim.UserID, claim.Site, claim.Date)
	if err != nil {
		return domain.SegmentAssignment{}, false
	}
	e.logger.Warn("segment claim was replaced while classifying",
		zap.String("category", claim.Category),
		zap.String("user_id", claim.UserID),
		zap.Stringer("date", claim.Date),
	)
	row, released, err := e.awaitClaim(ctx, row)
	if err != nil || released {
		return domain.SegmentAssignment{}, false
	}
	observability.RecordSegment(e.category.name, "skipped")
	return row, true
}
