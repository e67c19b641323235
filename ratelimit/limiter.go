// Package ratelimit implements fixed-window rate limiting over Redis with a
// shared blacklist and progressive penalties.
//
// Every check first consults rate_limit:blacklist:{identifier}; a
// blacklisted identifier is rejected without touching any counter. The
// counter itself lives at rate_limit:{scope}:{identifier} and expires at the
// end of the window that its first increment opened. Both steps run in a
// single Lua round trip so concurrent instances never lose an update.
//
// When Redis is unavailable checks fail open: the request is admitted and
// the Decision is marked Degraded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/ggoodman/streamgate/internal/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is wrapped by Decision.Err for denied decisions.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownScope is returned for a scope without a policy.
	ErrUnknownScope = errors.New("unknown rate limit scope")
)

// admitScript returns {-1, blacklistPTTL} when blacklisted and
// {count, counterPTTL} otherwise.
var admitScript = redis.NewScript(`
local bl = redis.call('PTTL', KEYS[2])
if bl ~= -2 then
  return {-1, bl}
end
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Counter is the state of one fixed window after an admission attempt.
type Counter struct {
	Count int64
	// Reset is the time left until the window (or the blacklist penalty)
	// ends.
	Reset       time.Duration
	Blacklisted bool
}

// Decision is the outcome of a scope check.
type Decision struct {
	Scope       Scope
	Identifier  string
	Allowed     bool
	Limit       int64
	Count       int64
	Remaining   int64
	ResetAt     time.Time
	RetryAfter  time.Duration
	Blacklisted bool
	// Degraded is set when the store could not be reached and the request
	// was admitted without counting.
	Degraded bool
}

// Err returns nil for allowed decisions and an error wrapping
// ErrRateLimited otherwise.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	if d.Blacklisted {
		return fmt.Errorf("%w: %s blacklisted for %s", ErrRateLimited, d.Scope, d.RetryAfter.Round(time.Second))
	}
	return fmt.Errorf("%w: %s limit of %d exceeded", ErrRateLimited, d.Scope, d.Limit)
}

// Limiter checks and records admissions. It is safe for concurrent use.
type Limiter struct {
	client  redis.UniversalClient
	cfg     Config
	keys    keyspace
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) { lim.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lim *Limiter) { lim.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.now = now }
}

// New creates a limiter over client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	cfg.applyDefaults()
	l := &Limiter{
		client: client,
		cfg:    cfg,
		keys:   keyspace{prefix: cfg.KeyPrefix},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logctx.Wrap(l.log)
	return l, nil
}

// Policy returns the policy in force for scope.
func (l *Limiter) Policy(scope Scope) (Policy, bool) {
	p, ok := l.cfg.Policies[scope]
	return p, ok
}

// Admit atomically increments the counter for (scope, identifier) unless the
// identifier is blacklisted. It does not compare against max; callers that
// want violation handling use Check.
func (l *Limiter) Admit(ctx context.Context, scope Scope, identifier string, window time.Duration, max int64) (Counter, error) {
	keys := []string{l.keys.counter(scope, identifier), l.keys.blacklist(identifier)}
	res, err := admitScript.Run(ctx, l.client, keys, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("failed to admit %s:%s: %w", scope, identifier, err)
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("unexpected admit reply of length %d", len(res))
	}
	if res[0] < 0 {
		return Counter{Blacklisted: true, Reset: pttl(res[1])}, nil
	}
	return Counter{Count: res[0], Reset: pttl(res[1])}, nil
}

// Check admits one request for identifier under scope's policy.
// Store failures admit the request with Degraded set; only an unknown scope
// is reported as an error.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string) (*Decision, error) {
	policy, ok := l.cfg.Policies[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	now := l.now()
	d := &Decision{Scope: scope, Identifier: identifier, Limit: policy.Max}

	c, err := l.Admit(ctx, scope, identifier, policy.Window, policy.Max)
	if err != nil {
		l.metrics.FailOpen("ratelimit")
		l.metrics.RateLimitDecision(string(scope), "degraded")
		l.log.WarnContext(ctx, "ratelimit.check.fail_open",
			slog.String("scope", string(scope)), slog.String("identifier", identifier), slog.String("err", err.Error()))
		d.Allowed = true
		d.Degraded = true
		d.Remaining = policy.Max
		d.ResetAt = now.Add(policy.Window)
		return d, nil
	}

	d.Count = c.Count
	d.ResetAt = now.Add(c.Reset)
	if c.Blacklisted {
		d.Blacklisted = true
		d.RetryAfter = c.Reset
		l.metrics.RateLimitDecision(string(scope), "blacklisted")
		l.log.InfoContext(ctx, "ratelimit.check.blacklisted",
			slog.String("scope", string(scope)), slog.String("identifier", identifier), slog.Duration("retry_after", c.Reset))
		return d, nil
	}

	if c.Count > policy.Max {
		d.RetryAfter = c.Reset
		l.handleViolation(ctx, scope, identifier, c.Count, policy)
		l.metrics.RateLimitDecision(string(scope), "denied")
		return d, nil
	}

	d.Allowed = true
	d.Remaining = policy.Max - c.Count
	l.metrics.RateLimitDecision(string(scope), "allowed")
	return d, nil
}

// CheckConnection limits realtime upgrade attempts per client IP.
func (l *Limiter) CheckConnection(ctx context.Context, ip string) (*Decision, error) {
	return l.Check(ctx, ScopeWSConnection, ip)
}

// CheckMessage limits messages forwarded on one realtime connection.
func (l *Limiter) CheckMessage(ctx context.Context, connID string) (*Decision, error) {
	return l.Check(ctx, ScopeWSMessage, connID)
}

// CheckTask limits automation tasks started by a principal.
func (l *Limiter) CheckTask(ctx context.Context, principalID string) (*Decision, error) {
	return l.Check(ctx, ScopeWSTask, principalID)
}

// handleViolation logs every violation and, once the window count passes
// BlacklistFactor × max, blacklists the identifier for
// min(base × 3^(count/max − 1), cap). The penalty is recomputed and re-set on
// each further violation.
func (l *Limiter) handleViolation(ctx context.Context, scope Scope, identifier string, count int64, policy Policy) {
	l.log.WarnContext(ctx, "ratelimit.violation",
		slog.String("scope", string(scope)),
		slog.String("identifier", identifier),
		slog.Int64("count", count),
		slog.Int64("max", policy.Max))

	if count <= l.cfg.BlacklistFactor*policy.Max {
		return
	}
	penalty := l.penalty(count, policy.Max)
	if err := l.Blacklist(ctx, identifier, penalty); err != nil {
		l.log.ErrorContext(ctx, "ratelimit.blacklist.fail", slog.String("identifier", identifier), slog.String("err", err.Error()))
		return
	}
	l.metrics.Blacklist(string(scope))
	l.log.WarnContext(ctx, "ratelimit.blacklist.ok",
		slog.String("scope", string(scope)), slog.String("identifier", identifier), slog.Duration("penalty", penalty))
}

func (l *Limiter) penalty(count, max int64) time.Duration {
	exp := float64(count)/float64(max) - 1
	d := float64(l.cfg.PenaltyBase) * math.Pow(3, exp)
	if d >= float64(l.cfg.PenaltyMax) || math.IsInf(d, 0) || math.IsNaN(d) {
		return l.cfg.PenaltyMax
	}
	return time.Duration(d)
}

// IsBlacklisted reports whether identifier is blacklisted and for how long.
func (l *Limiter) IsBlacklisted(ctx context.Context, identifier string) (bool, time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.keys.blacklist(identifier)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read blacklist: %w", err)
	}
	// go-redis reports the -2 (missing) and -1 (no expiry) sentinels unscaled.
	switch {
	case ttl == -2:
		return false, 0, nil
	case ttl < 0:
		return true, 0, nil
	}
	return true, ttl, nil
}

// Blacklist rejects identifier in every scope for d.
func (l *Limiter) Blacklist(ctx context.Context, identifier string, d time.Duration) error {
	if err := l.client.Set(ctx, l.keys.blacklist(identifier), "1", d).Err(); err != nil {
		return fmt.Errorf("failed to blacklist %s: %w", identifier, err)
	}
	return nil
}

// Unblacklist lifts a penalty early.
func (l *Limiter) Unblacklist(ctx context.Context, identifier string) error {
	if err := l.client.Del(ctx, l.keys.blacklist(identifier)).Err(); err != nil {
		return fmt.Errorf("failed to unblacklist %s: %w", identifier, err)
	}
	return nil
}

// Reset clears the current window for (scope, identifier).
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if err := l.client.Del(ctx, l.keys.counter(scope, identifier)).Err(); err != nil {
		return fmt.Errorf("failed to reset %s:%s: %w", scope, identifier, err)
	}
	return nil
}

// pttl converts a PTTL reply; keys without expiry report zero.
func pttl(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
