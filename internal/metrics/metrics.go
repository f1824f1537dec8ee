// Package metrics holds the Prometheus collectors for crmgate. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks sign-in outcomes, profile cache efficiency, request
// coalescing and guard decisions.
type Metrics struct {
	registry *prometheus.Registry

	SignIns            *prometheus.CounterVec
	ProfileCache       *prometheus.CounterVec
	DedupedCalls       *prometheus.CounterVec
	GuardDecisions     *prometheus.CounterVec
	ValidationCache    *prometheus.CounterVec
	BackendRequestTime prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SignIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_signins_total",
			Help: "Sign-in attempts by outcome (success, failure, no_role)",
		}, []string{"outcome"}),
		ProfileCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_profile_cache_total",
			Help: "Profile cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
		DedupedCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_deduplicated_calls_total",
			Help: "Calls that joined an in-flight request instead of issuing a new one",
		}, []string{"operation"}),
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_guard_decisions_total",
			Help: "Route guard decisions by action (pass, redirect_login, redirect_landing, redirect_costs, bypass)",
		}, []string{"action"}),
		ValidationCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmgate_validation_cache_total",
			Help: "Server-side token validation cache lookups by result (hit, miss)",
		}, []string{"result"}),
		BackendRequestTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crmgate_profile_fetch_duration_seconds",
			Help:    "Duration of profile fetches that reached the backend",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SignIn(outcome string) {
	if m == nil {
		return
	}
	m.SignIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProfileLookup(result string) {
	if m == nil {
		return
	}
	m.ProfileCache.WithLabelValues(result).Inc()
}

func (m *Metrics) Deduped(operation string) {
	if m == nil {
		return
	}
	m.DedupedCalls.WithLabelValues(operation).Inc()
}

func (m *Metrics) GuardDecision(action string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ValidationLookup(result string) {
	if m == nil {
		return
	}
	m.ValidationCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProfileFetch(seconds float64) {
	if m == nil {
		return
	}
	m.BackendRequestTime.Observe(seconds)
}
