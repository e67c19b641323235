package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/streamgate/idempotency"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"
)

const testSecret = "whsec_test_secret"

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id string, typ stripe.EventType) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": map[string]any{"id": "cs_1", "object": "checkout.session"}},
	})
	return raw
}

func newTestHandler(t *testing.T) (*Handler, *idempotency.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idem, err := idempotency.New(client, idempotency.Config{})
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(testSecret, idem)
	if err != nil {
		t.Fatal(err)
	}
	return h, idem, mr
}

func post(h http.Handler, payload []byte, sig, ctype string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", ctype)
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookProcessesOnce(t *testing.T) {
	h, _, _ := newTestHandler(t)
	calls := 0
	h.On("checkout.session.completed", func(_ context.Context, evt stripe.Event) error {
		calls++
		if evt.ID != "evt_1" {
			t.Errorf("unexpected event id %s", evt.ID)
		}
		return nil
	})

	payload := eventPayload("evt_1", "checkout.session.completed")
	sig := sign(payload, testSecret, time.Now())

	rec := post(h, payload, sig, "application/json")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("first delivery: %d %s", rec.Code, rec.Body.String())
	}
	rec = post(h, payload, sig, "application/json; charset=utf-8")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Fatalf("redelivery: %d %s", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestWebhookRejects(t *testing.T) {
	h, _, _ := newTestHandler(t)
	payload := eventPayload("evt_1", "invoice.paid")

	cases := []struct {
		name  string
		sig   string
		ctype string
		want  int
	}{
		{"missing signature", "", "application/json", http.StatusBadRequest},
		{"wrong secret", sign(payload, "whsec_other", time.Now()), "application/json", http.StatusBadRequest},
		{"stale timestamp", sign(payload, testSecret, time.Now().Add(-10*time.Minute)), "application/json", http.StatusBadRequest},
		{"wrong content type", sign(payload, testSecret, time.Now()), "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := post(h, payload, tc.sig, tc.ctype); rec.Code != tc.want {
				t.Fatalf("want %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	h, _, _ := newTestHandler(t)
	payload := []byte(`{"id":"evt_big","object":"event","pad":"` + strings.Repeat("x", DefaultMaxBodyBytes) + `"}`)
	rec := post(h, payload, sign(payload, testSecret, time.Now()), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestWebhookHandlerFailureReleasesClaim(t *testing.T) {
	h, idem, _ := newTestHandler(t)
	fail := true
	h.On("invoice.paid", func(context.Context, stripe.Event) error {
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	payload := eventPayload("evt_2", "invoice.paid")
	sig := sign(payload, testSecret, time.Now())

	if rec := post(h, payload, sig, "application/json"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	if _, err := idem.Lookup(context.Background(), "evt_2"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Fatalf("claim should be released, got %v", err)
	}

	fail = false
	if rec := post(h, payload, sig, "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("retry should succeed, got %d", rec.Code)
	}
	rec, err := idem.Lookup(context.Background(), "evt_2")
	if err != nil || rec.State != idempotency.StateDone {
		t.Fatalf("event should be done: %+v %v", rec, err)
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	h, _, _ := newTestHandler(t)
	payload := eventPayload("evt_3", "customer.created")
	if rec := post(h, payload, sign(payload, testSecret, time.Now()), "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestWebhookStoreUnavailable(t *testing.T) {
	h, _, mr := newTestHandler(t)
	mr.Close()
	payload := eventPayload("evt_4", "invoice.paid")
	if rec := post(h, payload, sign(payload, testSecret, time.Now()), "application/json"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
}
