package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ggoodman/streamgate/internal/clientip"
)

// IdentifierFunc extracts the counter identifier from a request. An empty
// identifier skips the check.
type IdentifierFunc func(r *http.Request) string

// ByClientIP identifies requests by their resolved client address.
func ByClientIP(resolver *clientip.Resolver) IdentifierFunc {
	return func(r *http.Request) string { return resolver.FromRequest(r) }
}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Limiter *Limiter
	Scope   Scope
	// Identifier extracts the identifier. Required.
	Identifier IdentifierFunc
	// ExcludedPaths bypass the check.
	ExcludedPaths []string
	// OnLimited writes the rejection. Defaults to a JSON 429.
	OnLimited func(w http.ResponseWriter, r *http.Request, d *Decision)
}

// Middleware enforces one scope on every request it wraps.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil || cfg.Identifier == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			id := cfg.Identifier(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := cfg.Limiter.Check(r.Context(), cfg.Scope, id)
			if err != nil {
				cfg.Limiter.log.ErrorContext(r.Context(), "ratelimit.middleware.fail", slog.String("err", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			writeHeaders(w, d)
			if !d.Allowed {
				cfg.OnLimited(w, r, d)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}

type decisionKey struct{}

// DecisionFromContext returns the decision recorded by Middleware, if any.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}

func writeHeaders(w http.ResponseWriter, d *Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()+0.999), 10))
	}
}

func defaultOnLimited(w http.ResponseWriter, r *http.Request, d *Decision) {
	code := "rate_limit_exceeded"
	if d.Blacklisted {
		code = "blacklisted"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":  code,
			"scope": d.Scope,
		},
		"retry_after_seconds": int64(d.RetryAfter.Seconds() + 0.999),
	})
}
