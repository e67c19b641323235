package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/streamgate/idempotency"
	"github.com/ggoodman/streamgate/internal/clientip"
	"github.com/ggoodman/streamgate/proxy"
	"github.com/ggoodman/streamgate/ratelimit"
	"github.com/ggoodman/streamgate/sessions"
	"github.com/ggoodman/streamgate/webhook"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter, err := ratelimit.New(rdb, ratelimit.Config{
		Policies: map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.ScopeGlobal: {Window: time.Minute, Max: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	store, err := sessions.New(rdb, sessions.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	px, err := proxy.New(store, proxy.Config{BackendAddr: "127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	idem, err := idempotency.New(rdb, idempotency.Config{})
	if err != nil {
		t.Fatal(err)
	}
	wh, err := webhook.New(testSecret, idem)
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := clientip.NewResolver(nil)
	if err != nil {
		t.Fatal(err)
	}
	return newRouter(routerDeps{
		redis:       rdb,
		limiter:     limiter,
		resolver:    resolver,
		proxy:       px,
		webhook:     wh,
		webhookPath: "/webhooks/stripe",
	})
}

func TestWebhookRouteIsNotRateLimitedByIP(t *testing.T) {
	r := newTestRouter(t)

	// Far beyond both the global and the payment allowance for one address.
	for i := 0; i < 40; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.7:443"
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("delivery %d was rate limited", i+1)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unsigned delivery should be rejected by signature check, got %d", rec.Code)
		}
	}

	// The same address is still admitted elsewhere: nothing was counted or
	// blacklisted by the deliveries above.
	req := httptest.NewRequest(http.MethodGet, "/ws/desktop", nil)
	req.RemoteAddr = "198.51.100.7:443"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("webhook deliveries consumed the address's global allowance")
	}
}

func TestProxyRouteIsRateLimitedByIP(t *testing.T) {
	r := newTestRouter(t)

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/ws/desktop", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	if codes[0] == http.StatusTooManyRequests || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("want the second upgrade limited by the global scope, got %v", codes)
	}
}
