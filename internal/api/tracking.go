package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"example.com/retention/internal/auth"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/retention"
)

const (
	// MediumHeader lets a client name the traffic source of a request.
	MediumHeader = "X-Tracking-Medium"
	// SessionCookie carries the anonymous session key used for analytics identity.
	SessionCookie = "sessionid"
)

// TrackingOption configures Tracking.
type TrackingOption func(*Tracking)

// WithTrackingLogger overrides the logger.
func WithTrackingLogger(logger *zap.Logger) TrackingOption {
	return func(t *Tracking) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTrackingClock overrides the clock stamped on sign-ins.
func WithTrackingClock(clock quartz.Clock) TrackingOption {
	return func(t *Tracking) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithDefaultMedium sets the medium used when a request does not name one.
func WithDefaultMedium(medium string) TrackingOption {
	return func(t *Tracking) {
		if strings.TrimSpace(medium) != "" {
			t.medium = medium
		}
	}
}

// Tracking is HTTP middleware that stamps daily activity and sign-ins for
// authenticated requests that completed successfully.
type Tracking struct {
	users    domain.UserStore
	recorder *retention.Recorder
	tracker  *retention.SignInTracker
	medium   string
	clock    quartz.Clock
	logger   *zap.Logger
}

// NewTracking constructs the middleware.
func NewTracking(users domain.UserStore, recorder *retention.Recorder, tracker *retention.SignInTracker, opts ...TrackingOption) *Tracking {
	t := &Tracking{
		users:    users,
		recorder: recorder,
		tracker:  tracker,
		medium:   retention.DefaultMedium,
		clock:    quartz.NewReal(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wrap runs next and then records the request when it qualifies.
func (t *Tracking) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status != http.StatusOK || isXHR(r) {
			return
		}
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			return
		}
		t.track(r.Context(), claims, r)
	})
}

func (t *Tracking) track(ctx context.Context, claims *auth.Claims, r *http.Request) {
	logger := t.logger.With(zap.String("user_id", claims.Subject), zap.String("path", r.URL.Path))

	user, err := t.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("skipping tracking for unknown user")
			return
		}
		logger.Warn("load user for tracking", zap.Error(err))
		return
	}

	medium := strings.TrimSpace(r.Header.Get(MediumHeader))
	if medium == "" {
		medium = t.medium
	}
	req := RequestInfoFrom(r, claims)

	if _, _, err := t.recorder.Stamp(ctx, user, claims.Site, medium, req); err != nil {
		logger.Warn("stamp daily activity", zap.Error(err))
	}
	if _, err := t.tracker.Track(ctx, user, claims.Site, medium, t.clock.Now(), req); err != nil {
		logger.Warn("track sign-in", zap.Error(err))
	}
}

// RequestInfoFrom extracts the request details handed to notification subscribers.
func RequestInfoFrom(r *http.Request, claims *auth.Claims) domain.RequestInfo {
	info := domain.RequestInfo{
		RequestID:  r.Header.Get("X-Request-Id"),
		RemoteAddr: remoteAddr(r),
		UserAgent:  r.UserAgent(),
		Path:       r.URL.Path,
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		info.SessionKey = cookie.Value
	} else if claims != nil {
		info.SessionKey = claims.SessionID
	}
	return info
}

func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

func isXHR(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
