package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionCreated()
	m.SessionDestroyed("logout")
	m.RateLimitDecision("global", "allowed")
	m.ProxyForwarded("upstream", 10)
	m.ProxyClose("client_closed")
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionDestroyed("idle_timeout")
	m.SessionDestroyed("idle_timeout")
	m.ProxyOpened()
	m.ProxyOpened()
	m.ProxyClose("revoked")
	m.ProxyForwarded("downstream", 512)

	if got := testutil.ToFloat64(m.SessionsDestroyed.WithLabelValues("idle_timeout")); got != 2 {
		t.Fatalf("sessions destroyed: want 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProxyActive); got != 1 {
		t.Fatalf("active gauge: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProxyBytes.WithLabelValues("downstream")); got != 512 {
		t.Fatalf("bytes: want 512, got %v", got)
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
