// Package webhook receives Stripe webhook deliveries, verifies their
// signature and dispatches each event at most once.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/streamgate/idempotency"
	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	// DefaultMaxBodyBytes bounds the raw payload read for verification.
	DefaultMaxBodyBytes = 64 << 10
	// DefaultTolerance is the accepted clock skew for signature timestamps.
	DefaultTolerance = 5 * time.Minute
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// EventHandler processes one verified event. Returning an error releases
// the idempotency claim so the delivery is retried.
type EventHandler func(ctx context.Context, evt stripe.Event) error

// Handler is the http.Handler for the webhook endpoint.
type Handler struct {
	secret    string
	idem      *idempotency.Service
	log       *slog.Logger
	tolerance time.Duration
	maxBody   int64

	mu       sync.RWMutex
	handlers map[stripe.EventType]EventHandler
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.log = l } }

// WithTolerance overrides DefaultTolerance.
func WithTolerance(d time.Duration) Option { return func(h *Handler) { h.tolerance = d } }

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option { return func(h *Handler) { h.maxBody = n } }

// New creates a Handler verifying deliveries with the endpoint secret.
func New(secret string, idem *idempotency.Service, opts ...Option) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("webhook signing secret is required")
	}
	if idem == nil {
		return nil, errors.New("idempotency service is required")
	}
	h := &Handler{
		secret:    secret,
		idem:      idem,
		log:       slog.Default(),
		tolerance: DefaultTolerance,
		maxBody:   DefaultMaxBodyBytes,
		handlers:  make(map[stripe.EventType]EventHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h, nil
}

// On registers fn for events of type t, replacing any previous handler.
func (h *Handler) On(t stripe.EventType, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[t] = fn
}

func (h *Handler) handler(t stripe.EventType) EventHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[t]
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID: uuid.NewString(),
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "webhook.content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		h.log.WarnContext(ctx, "webhook.body.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(payload)) > h.maxBody {
		h.log.WarnContext(ctx, "webhook.body.too_large")
		writeJSONError(w, http.StatusBadRequest, "body too large")
		return
	}

	evt, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.log.WarnContext(ctx, "webhook.signature.reject", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if evt.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "event id missing")
		return
	}
	ctx = logctx.WithEventData(ctx, &logctx.EventData{EventID: evt.ID, EventType: string(evt.Type)})

	var handlerErr error
	err = h.idem.Process(ctx, evt.ID, func(ctx context.Context) error {
		fn := h.handler(evt.Type)
		if fn == nil {
			h.log.InfoContext(ctx, "webhook.event.unhandled")
			return nil
		}
		handlerErr = fn(ctx, evt)
		return handlerErr
	})

	switch {
	case err == nil:
		h.log.InfoContext(ctx, "webhook.event.ok")
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	case errors.Is(err, idempotency.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
	case handlerErr != nil:
		h.log.ErrorContext(ctx, "webhook.event.fail", slog.String("err", handlerErr.Error()))
		writeJSONError(w, http.StatusInternalServerError, "event processing failed")
	default:
		h.log.ErrorContext(ctx, "webhook.store.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
