// Package retention records daily activity and sign-ins and computes retention cohorts from them.
package retention

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"example.com/retention/internal/domain"
)

// DefaultMedium is recorded when the caller does not name a traffic source.
const DefaultMedium = "Default"

type settings struct {
	clock    quartz.Clock
	location *time.Location
	logger   *zap.Logger
	notifier domain.Notifier
	window   time.Duration
}

// Option configures the Recorder, SignInTracker and CohortEngine.
type Option func(*settings)

// WithClock overrides the clock used to derive "now" and "today".
func WithClock(clock quartz.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLocation sets the time zone calendar dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier sets the collaborator told about new active days and sign-ins.
func WithNotifier(notifier domain.Notifier) Option {
	return func(s *settings) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithInactivityWindow sets how long a user must be idle before a sign-in is recorded.
func WithInactivityWindow(window time.Duration) Option {
	return func(s *settings) {
		s.window = window
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:    quartz.NewReal(),
		location: time.UTC,
		logger:   zap.NewNop(),
		notifier: domain.NopNotifier{},
		window:   time.Hour,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) today() civil.Date {
	return civil.DateOf(s.clock.Now().In(s.location))
}
