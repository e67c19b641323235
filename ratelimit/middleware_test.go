package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/streamgate/internal/clientip"
)

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Policies: map[Scope]Policy{ScopePayment: {Window: time.Minute, Max: 2}}})
	resolver, err := clientip.NewResolver(nil)
	if err != nil {
		t.Fatal(err)
	}

	var hits int
	h := Middleware(MiddlewareConfig{
		Limiter:       l,
		Scope:         ScopePayment,
		Identifier:    ByClientIP(resolver),
		ExcludedPaths: []string{"/healthz"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if DecisionFromContext(r.Context()) == nil {
			t.Error("decision missing from context")
		}
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := do("/checkout")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("missing limit header: %v", rec.Header())
		}
	}

	rec := do("/checkout")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers: %v", rec.Header())
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "rate_limit_exceeded" {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}

	if rec := do("/healthz"); rec.Code != http.StatusNoContent {
		t.Fatalf("excluded path should bypass, got %d", rec.Code)
	}
	if hits != 3 {
		t.Fatalf("want 3 handler hits, got %d", hits)
	}
}
