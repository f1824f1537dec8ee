package guard

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/session"
)

type resultContextKey struct{}

// ResultFromContext returns the validation result the middleware stored
// on the request context.
func ResultFromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(resultContextKey{}).(Result)
	return res, ok
}

// Middleware enforces a Policy in front of page handlers.
type Middleware struct {
	policy    Policy
	validator *Validator
	maxAge    time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) MiddlewareOption {
	return func(m *Middleware) { m.policy = p }
}

// WithRoleCookieMaxAge sets the lifetime of the stamped role cookie.
func WithRoleCookieMaxAge(d time.Duration) MiddlewareOption {
	return func(m *Middleware) { m.maxAge = d }
}

// WithMetrics records every decision.
func WithMetrics(mt *metrics.Metrics) MiddlewareOption {
	return func(m *Middleware) { m.metrics = mt }
}

// WithLogger sets the audit logger for redirects.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.logger = l }
}

// NewMiddleware returns a guard using validator to resolve sessions.
func NewMiddleware(validator *Validator, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		policy:    DefaultPolicy(),
		validator: validator,
		maxAge:    session.DefaultCookieMaxAge,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "guard")
	return m
}

// Handler wraps next with the guard.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if m.policy.Bypassed(path) {
			m.metrics.GuardDecision(string(ActionBypass))
			next.ServeHTTP(w, r)
			return
		}

		res := m.validator.ValidateRequest(r)
		d := m.policy.Decide(path, res)
		m.metrics.GuardDecision(string(d.Action))

		if d.Action == ActionRedirect {
			m.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit",
				slog.String("event", "guard_redirect"),
				slog.String("path", path),
				slog.String("location", d.Location),
				slog.String("reason", d.Reason),
				slog.String("username", res.Username),
				slog.String("remote_addr", r.RemoteAddr),
			)
			http.Redirect(w, r, d.Location, http.StatusTemporaryRedirect)
			return
		}

		if res.Valid && res.Role != session.RoleNone {
			http.SetCookie(w, &http.Cookie{
				Name:     session.CookieRole,
				Value:    string(res.Role),
				Path:     "/",
				MaxAge:   int(m.maxAge / time.Second),
				Secure:   RequestIsSecure(r),
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), resultContextKey{}, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIsSecure reports whether r arrived over TLS, directly or through
// a proxy that says so.
func RequestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
