// Package api is the crmgate HTTP gateway: health, metrics and session
// endpoints, API docs, and guarded page routes forwarded to the frontend.
package api

import (
	_ "embed"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/crmgate/guard"
	"github.com/jmcleod/crmgate/internal/metrics"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Gateway holds the dependencies of the HTTP handlers.
type Gateway struct {
	validator *guard.Validator
	guard     *guard.Middleware
	metrics   *metrics.Metrics
	upstream  http.Handler
	logger    *slog.Logger
	version   string
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics exposes m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithUpstream forwards guarded page requests to the frontend at u.
func WithUpstream(u *url.URL) Option {
	return func(g *Gateway) { g.upstream = newProxy(u, g) }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// New creates a Gateway. validator resolves sessions for /api/session and
// mw guards page routes.
func New(validator *guard.Validator, mw *guard.Middleware, opts ...Option) *Gateway {
	g := &Gateway{validator: validator, guard: mw, version: "dev"}
	g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	for _, opt := range opts {
		opt(g)
	}
	if g.upstream == nil {
		g.upstream = http.HandlerFunc(placeholder)
	}
	return g
}

// Router returns a chi.Router with all gateway routes mounted.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(g.logger, "/health"))
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/health", g.Health)
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/api/session", g.Session)
	r.Delete("/api/session", g.ClearSession)

	r.Handle("/*", g.guard.Handler(g.upstream))
	return r
}

// newProxy forwards to u, answering 502 or 504 when the frontend fails.
func newProxy(u *url.URL, g *Gateway) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status, msg := mapProxyError(err)
		if status == statusClientClosed {
			g.logger.Debug("upstream request abandoned", "component", "proxy", "path", r.URL.Path)
		} else {
			g.logger.Warn("upstream request failed", "component", "proxy", "path", r.URL.Path, "status", status, "error", err)
		}
		writeError(w, r, status, msg)
	}
	return proxy
}

// placeholder stands in for the frontend when no upstream is configured.
func placeholder(w http.ResponseWriter, r *http.Request) {
	res, _ := guard.ResultFromContext(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>crmgate</title><h1>%s</h1><p>role: %s</p>\n",
		html.EscapeString(r.URL.Path), html.EscapeString(string(res.Role)))
}
