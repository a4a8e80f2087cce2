package retention

import (
	"context"
	"strings"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/observability"
)

// Recorder stamps one ActivityRecord per user, site, medium and calendar day.
type Recorder struct {
	store domain.ActivityStore
	settings
}

// NewRecorder constructs a Recorder over store.
func NewRecorder(store domain.ActivityStore, opts ...Option) *Recorder {
	return &Recorder{store: store, settings: newSettings(opts)}
}

// Stamp records activity for today in the configured location.
func (r *Recorder) Stamp(ctx context.Context, user domain.User, site, medium string, req domain.RequestInfo) (domain.ActivityRecord, bool, error) {
	return r.StampOn(ctx, user, site, medium, r.today(), req)
}

// StampOn records activity on date. The returned flag is true only for the
// call that created the row; every caller observes the surviving record.
func (r *Recorder) StampOn(ctx context.Context, user domain.User, site, medium string, date civil.Date, req domain.RequestInfo) (domain.ActivityRecord, bool, error) {
	if strings.TrimSpace(user.ID) == "" {
		r.logger.Debug("skipping activity stamp for unidentified user", zap.String("path", req.Path))
		return domain.ActivityRecord{}, false, nil
	}
	if !date.IsValid() {
		return domain.ActivityRecord{}, false, xerrors.Errorf("stamp date %v: %w", date, domain.ErrValidation)
	}
	if strings.TrimSpace(medium) == "" {
		medium = DefaultMedium
	}

	record := domain.ActivityRecord{
		UserID:          user.ID,
		Site:            site,
		Medium:          medium,
		Date:            date,
		DaysSinceSignup: date.DaysSince(user.SignupDate(r.location)),
		CreatedAt:       r.clock.Now().UTC(),
	}

	stored, created, err := r.store.StampActivity(ctx, record)
	if err != nil {
		return domain.ActivityRecord{}, false, xerrors.Errorf("stamp activity for user %s: %w", user.ID, err)
	}
	observability.RecordStamp(created, stored.CreatedAt)

	if created {
		r.logger.Debug("new active day",
			zap.String("user_id", stored.UserID),
			zap.String("medium", stored.Medium),
			zap.Stringer("date", stored.Date),
			zap.Int("days_since_signup", stored.DaysSinceSignup),
		)
		r.notifier.NewDay(ctx, stored, req)
	}
	return stored, created, nil
}
