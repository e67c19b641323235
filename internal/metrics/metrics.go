// Package metrics holds the Prometheus collectors shared by the session
// store, rate limiter, idempotency service and realtime proxy.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamgate"

type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	IPChanges         *prometheus.CounterVec
	Revocations       *prometheus.CounterVec

	RateLimitDecisions *prometheus.CounterVec
	Blacklisted        *prometheus.CounterVec
	StoreFailOpen      *prometheus.CounterVec

	IdempotencyClaims *prometheus.CounterVec

	ProxyActive     prometheus.Gauge
	ProxyRejected   *prometheus.CounterVec
	ProxyClosed     *prometheus.CounterVec
	ProxyBytes      *prometheus.CounterVec
	ProxyDialFailed prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created.",
		}),
		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_destroyed_total",
			Help: "Sessions destroyed, by reason.",
		}, []string{"reason"}),
		IPChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_ip_changes_total",
			Help: "Session IP change validations, by outcome.",
		}, []string{"outcome"}),
		Revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_revocations_total",
			Help: "Cascading revocations dispatched, by source.",
		}, []string{"source"}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions, by scope and outcome.",
		}, []string{"scope", "outcome"}),
		Blacklisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_blacklist_total",
			Help: "Identifiers blacklisted after repeated violations, by scope.",
		}, []string{"scope"}),
		StoreFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_fail_open_total",
			Help: "Checks admitted because the coordination store was unavailable.",
		}, []string{"component"}),
		IdempotencyClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotency_claims_total",
			Help: "Idempotency claim attempts, by outcome.",
		}, []string{"outcome"}),
		ProxyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_connections_active",
			Help: "Realtime connections currently bridging.",
		}),
		ProxyRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_rejections_total",
			Help: "Upgrade attempts rejected before bridging, by reason.",
		}, []string{"reason"}),
		ProxyClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_connections_closed_total",
			Help: "Bridged connections closed, by reason.",
		}, []string{"reason"}),
		ProxyBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_bytes_total",
			Help: "Bytes forwarded by the realtime proxy, by direction.",
		}, []string{"direction"}),
		ProxyDialFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_backend_dial_failures_total",
			Help: "Backend dial attempts that failed or timed out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsCreated, m.SessionsDestroyed, m.IPChanges, m.Revocations,
			m.RateLimitDecisions, m.Blacklisted, m.StoreFailOpen,
			m.IdempotencyClaims,
			m.ProxyActive, m.ProxyRejected, m.ProxyClosed, m.ProxyBytes, m.ProxyDialFailed,
		)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
}

func (m *Metrics) IPChange(outcome string) {
	if m == nil {
		return
	}
	m.IPChanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Revocation(source string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(source).Inc()
}

func (m *Metrics) RateLimitDecision(scope, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) Blacklist(scope string) {
	if m == nil {
		return
	}
	m.Blacklisted.WithLabelValues(scope).Inc()
}

func (m *Metrics) FailOpen(component string) {
	if m == nil {
		return
	}
	m.StoreFailOpen.WithLabelValues(component).Inc()
}

func (m *Metrics) IdempotencyClaim(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyClaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProxyOpened() {
	if m == nil {
		return
	}
	m.ProxyActive.Inc()
}

func (m *Metrics) ProxyClose(reason string) {
	if m == nil {
		return
	}
	m.ProxyActive.Dec()
	m.ProxyClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProxyReject(reason string) {
	if m == nil {
		return
	}
	m.ProxyRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProxyForwarded(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProxyBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) BackendDialFailed() {
	if m == nil {
		return
	}
	m.ProxyDialFailed.Inc()
}
