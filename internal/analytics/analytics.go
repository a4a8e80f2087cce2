// Package analytics submits named events for identified actors to external
// analytics backends.
package analytics

import (
	"context"
	"errors"
	"maps"
	"strconv"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// Event names submitted for recorder notifications.
const (
	EventNewActiveDay = "New Active Day"
	EventSignedIn     = "Signed In"
)

// Properties are the event attributes sent to a backend.
type Properties map[string]any

// Actor is whoever caused an event. A user takes precedence over a session.
type Actor struct {
	UserID     string
	SessionKey string
	RemoteAddr string
}

// ActorFor builds the actor for userID acting through req.
func ActorFor(userID string, req domain.RequestInfo) Actor {
	return Actor{UserID: userID, SessionKey: req.SessionKey, RemoteAddr: req.RemoteAddr}
}

// Identify returns the stable distinct id for the actor: "User <id>" for
// authenticated actors, "Session <key>" for anonymous ones.
func Identify(actor Actor) (string, error) {
	switch {
	case actor.UserID != "":
		return "User " + actor.UserID, nil
	case actor.SessionKey != "":
		return "Session " + actor.SessionKey, nil
	default:
		return "", xerrors.Errorf("actor has neither user nor session: %w", domain.ErrIdentification)
	}
}

// Backend delivers one event. props already carry time, ip and distinct_id.
type Backend interface {
	Name() string
	Submit(ctx context.Context, name string, props Properties, actor Actor) error
}

// Option configures a Set.
type Option func(*Set)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for the time property.
func WithClock(clock quartz.Clock) Option {
	return func(s *Set) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Set is the configured list of backends. Build it once at startup and pass it
// to whatever needs to submit events.
type Set struct {
	backends []Backend
	logger   *zap.Logger
	clock    quartz.Clock
}

// NewSet constructs a Set.
func NewSet(backends []Backend, opts ...Option) *Set {
	s := &Set{
		backends: backends,
		logger:   zap.NewNop(),
		clock:    quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backends returns the configured backend names.
func (s *Set) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		names = append(names, b.Name())
	}
	return names
}

// Submit sends the event to every backend. Actors that cannot be identified
// are skipped with an ErrIdentification. Backend failures are joined; one
// failing backend does not stop the others.
func (s *Set) Submit(ctx context.Context, name string, props Properties, actor Actor) error {
	distinctID, err := Identify(actor)
	if err != nil {
		s.logger.Debug("skipping analytics event for unidentified actor", zap.String("event", name))
		return err
	}

	enriched := Properties{"time": strconv.FormatInt(s.clock.Now().Unix(), 10)}
	if actor.RemoteAddr != "" {
		enriched["ip"] = actor.RemoteAddr
	}
	enriched["distinct_id"] = distinctID
	maps.Copy(enriched, props)

	var errs error
	for _, backend := range s.backends {
		if err := backend.Submit(ctx, name, maps.Clone(enriched), actor); err != nil {
			s.logger.Warn("analytics submit failed", zap.String("backend", backend.Name()), zap.String("event", name), zap.Error(err))
			errs = errors.Join(errs, xerrors.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errs
}
