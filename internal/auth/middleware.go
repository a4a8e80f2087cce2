package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Skipper allows callers to bypass authentication for specific requests.
type Skipper func(r *http.Request) bool

// Middleware provides HTTP middleware for bearer-token validation.
type Middleware struct {
	config  Config
	skipper Skipper
	logger  *zap.Logger
}

// NewMiddleware constructs a middleware with optional skipper.
func NewMiddleware(cfg Config, skipper Skipper, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Middleware{config: cfg, skipper: skipper, logger: logger}
}

// Require rejects requests without a valid token.
func (m Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipper != nil && m.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.parseRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Optional attaches claims when a valid token is present and lets anonymous
// requests through unchanged.
func (m Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.parseRequest(r)
		if err != nil {
			if err != ErrMissingToken {
				m.logger.Debug("ignoring invalid bearer token", zap.String("path", r.URL.Path), zap.Error(err))
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, ErrInvalidToken
	}
	return Parse(header[len("Bearer "):], m.config)
}
