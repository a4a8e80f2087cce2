package retention

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/observability"
)

// debounce is the minimum gap before the last-seen timestamp is rewritten.
const debounce = time.Second

// SignInTracker maintains last-seen timestamps and records a SignIn when a
// user comes back after the inactivity window.
type SignInTracker struct {
	store domain.LastActivityStore
	settings
}

// NewSignInTracker constructs a SignInTracker over store.
func NewSignInTracker(store domain.LastActivityStore, opts ...Option) *SignInTracker {
	return &SignInTracker{store: store, settings: newSettings(opts)}
}

// Window returns the configured inactivity window.
func (t *SignInTracker) Window() time.Duration {
	return t.window
}

// Track observes activity at now and returns the SignIn it produced, if any.
//
// Each call must commit on its own: a ctx carrying an open store transaction
// is refused with ErrConfiguration.
func (t *SignInTracker) Track(ctx context.Context, user domain.User, site, medium string, now time.Time, req domain.RequestInfo) (*domain.SignIn, error) {
	if domain.InTransaction(ctx) {
		return nil, xerrors.Errorf("sign-in tracking inside an open transaction: %w", domain.ErrConfiguration)
	}
	if strings.TrimSpace(user.ID) == "" {
		t.logger.Debug("skipping sign-in tracking for unidentified user", zap.String("path", req.Path))
		return nil, nil
	}
	if strings.TrimSpace(medium) == "" {
		medium = DefaultMedium
	}
	if now.IsZero() {
		now = t.clock.Now()
	}
	now = now.UTC().Truncate(time.Microsecond)

	snapshot, created, err := t.store.GetOrCreateLastActivity(ctx, domain.LastActivity{
		UserID: user.ID,
		Site:   site,
		Medium: medium,
		SeenAt: now,
	})
	if err != nil {
		return nil, xerrors.Errorf("load last activity for user %s: %w", user.ID, err)
	}

	past := snapshot.SeenAt
	elapsed := now.Sub(past)
	emit := created
	if !created && elapsed > debounce {
		won, err := t.store.TouchLastActivity(ctx, snapshot.ID, past, now)
		if err != nil {
			return nil, xerrors.Errorf("touch last activity for user %s: %w", user.ID, err)
		}
		// A lost compare-and-set means a concurrent request already moved the
		// timestamp and owns any sign-in for this gap.
		emit = won && elapsed > t.window
	}
	if !emit {
		return nil, nil
	}

	signIn, createdSignIn, err := t.store.CreateSignIn(ctx, domain.SignIn{
		UserID:             user.ID,
		Site:               site,
		Medium:             medium,
		At:                 now,
		PreviousActivityAt: past,
	})
	if err != nil {
		return nil, xerrors.Errorf("record sign-in for user %s: %w", user.ID, err)
	}
	if createdSignIn {
		observability.RecordSignIn()
		t.logger.Info("user signed in",
			zap.String("user_id", signIn.UserID),
			zap.String("medium", signIn.Medium),
			zap.Time("previous_activity_at", signIn.PreviousActivityAt),
		)
		t.notifier.SignedIn(ctx, signIn, req)
	}
	return &signIn, nil
}
