package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's authentication counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	loginAttempts      *prometheus.CounterVec
	tokenVerifications *prometheus.CounterVec
	lockouts           prometheus.Counter
	accessDenied       *prometheus.CounterVec
	auditFallback      prometheus.Counter
	auditDropped       prometheus.Counter
}

// NewMetrics registers the counters on a fresh registry along with the
// process and Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		tokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_verifications_total",
			Help: "Session token verifications by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Lockouts triggered by repeated failures.",
		}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_access_denied_total",
			Help: "Requests denied by the session middleware, by reason.",
		}, []string{"reason"}),
		auditFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_audit_fallback_total",
			Help: "Audit entries written to the fallback log after sink failures.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_audit_buffer_full_total",
			Help: "Audit entries that found the buffer full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loginAttempts,
		m.tokenVerifications,
		m.lockouts,
		m.accessDenied,
		m.auditFallback,
		m.auditDropped,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenVerification(outcome string) {
	if m == nil {
		return
	}
	m.tokenVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockoutTriggered() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) AccessDenied(reason string) {
	if m == nil {
		return
	}
	m.accessDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuditFallback() {
	if m == nil {
		return
	}
	m.auditFallback.Inc()
}

func (m *Metrics) AuditBufferFull() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}
