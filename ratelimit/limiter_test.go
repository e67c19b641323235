package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(client, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, mr
}

func TestDefaultPolicies(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	cases := []struct {
		scope  Scope
		window time.Duration
		max    int64
	}{
		{ScopeGlobal, 15 * time.Minute, 1000},
		{ScopeUser, 15 * time.Minute, 300},
		{ScopeAIOperation, time.Minute, 10},
		{ScopePayment, 15 * time.Minute, 10},
		{ScopeWSConnection, time.Minute, 10},
		{ScopeWSMessage, time.Minute, 600},
		{ScopeWSTask, time.Minute, 5},
	}
	for _, tc := range cases {
		p, ok := l.Policy(tc.scope)
		if !ok || p.Window != tc.window || p.Max != tc.max {
			t.Errorf("%s: got %+v (ok=%v)", tc.scope, p, ok)
		}
	}
}

func TestAdmitFixedWindow(t *testing.T) {
	l, mr := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		c, err := l.Admit(ctx, ScopeUser, "u1", time.Minute, 10)
		if err != nil {
			t.Fatal(err)
		}
		if c.Count != i {
			t.Fatalf("count: want %d, got %d", i, c.Count)
		}
		if c.Reset <= 0 || c.Reset > time.Minute {
			t.Fatalf("reset out of range: %v", c.Reset)
		}
	}
	if ttl := mr.TTL("rate_limit:user:u1"); ttl != time.Minute {
		t.Fatalf("window must not be extended by later increments, ttl=%v", ttl)
	}

	mr.FastForward(time.Minute)
	c, err := l.Admit(ctx, ScopeUser, "u1", time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if c.Count != 1 {
		t.Fatalf("counter should reset at the window boundary, got %d", c.Count)
	}
}

func TestAdmitIsAtomic(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	ctx := context.Background()

	const n = 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.Admit(ctx, ScopeGlobal, "10.0.0.1", time.Minute, 1000)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			counts = append(counts, c.Count)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	for i, c := range counts {
		if c != int64(i+1) {
			t.Fatalf("lost update: counts=%v", counts)
		}
	}
}

func TestCheckViolationOnMaxPlusOne(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	l, _ := newTestLimiter(t, Config{Policies: map[Scope]Policy{ScopeWSTask: {Window: time.Minute, Max: 5}}}, WithLogger(log))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.CheckTask(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Remaining != int64(5-i) {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if strings.Contains(buf.String(), "ratelimit.violation") {
		t.Fatal("no violation expected within the limit")
	}

	d, err := l.CheckTask(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Blacklisted {
		t.Fatalf("6th call should be denied without blacklist: %+v", d)
	}
	if !errors.Is(d.Err(), ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", d.Err())
	}
	if got := strings.Count(buf.String(), "ratelimit.violation"); got != 1 {
		t.Fatalf("want exactly one violation, got %d", got)
	}
}

func TestCheckEscalatesToBlacklist(t *testing.T) {
	l, mr := newTestLimiter(t, Config{Policies: map[Scope]Policy{ScopeAIOperation: {Window: time.Minute, Max: 2}}})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := l.Check(ctx, ScopeAIOperation, "user-1"); err != nil {
			t.Fatal(err)
		}
	}
	if mr.Exists("rate_limit:blacklist:user-1") {
		t.Fatal("blacklist must wait until 3x max is exceeded")
	}

	d, err := l.Check(ctx, ScopeAIOperation, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("7th call should be denied")
	}
	if !mr.Exists("rate_limit:blacklist:user-1") {
		t.Fatal("identifier should be blacklisted after 3x max")
	}
	// 1m * 3^(7/2-1) ≈ 15m35s
	ttl := mr.TTL("rate_limit:blacklist:user-1")
	if ttl < 15*time.Minute || ttl > 16*time.Minute {
		t.Fatalf("unexpected penalty %v", ttl)
	}

	d, err = l.Check(ctx, ScopeAIOperation, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || !d.Blacklisted || d.RetryAfter <= 0 {
		t.Fatalf("blacklisted identifier should be rejected: %+v", d)
	}
	if got, _ := mr.Get("rate_limit:ai-operation:user-1"); got != "7" {
		t.Fatalf("blacklisted check must not increment the counter, got %s", got)
	}

	// The blacklist applies pre-counter in every scope.
	d, _ = l.Check(ctx, ScopeUser, "user-1")
	if d.Allowed || !d.Blacklisted {
		t.Fatalf("blacklist should apply across scopes: %+v", d)
	}
	if mr.Exists("rate_limit:user:user-1") {
		t.Fatal("no counter should be created for a blacklisted identifier")
	}
}

func TestPenaltyIsCapped(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	cases := []struct {
		count, max int64
		want       time.Duration
	}{
		{count: 2, max: 2, want: time.Minute},
		{count: 4, max: 2, want: 3 * time.Minute},
		{count: 6, max: 2, want: 9 * time.Minute},
		{count: 100, max: 2, want: 2 * time.Hour},
	}
	for _, tc := range cases {
		got := l.penalty(tc.count, tc.max)
		if diff := got - tc.want; diff > time.Millisecond || diff < -time.Millisecond {
			t.Errorf("penalty(%d,%d): want %v, got %v", tc.count, tc.max, tc.want, got)
		}
	}
}

func TestCheckFailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t, Config{})
	mr.Close()

	d, err := l.CheckConnection(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || !d.Degraded {
		t.Fatalf("store outage should fail open: %+v", d)
	}
}

func TestCheckUnknownScope(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	if _, err := l.Check(context.Background(), Scope("nope"), "x"); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("want ErrUnknownScope, got %v", err)
	}
}

func TestBlacklistHelpers(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	ctx := context.Background()

	if ok, _, err := l.IsBlacklisted(ctx, "ip"); err != nil || ok {
		t.Fatalf("fresh identifier: ok=%v err=%v", ok, err)
	}
	if err := l.Blacklist(ctx, "ip", 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	ok, ttl, err := l.IsBlacklisted(ctx, "ip")
	if err != nil || !ok || ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("after Blacklist: ok=%v ttl=%v err=%v", ok, ttl, err)
	}
	if err := l.Unblacklist(ctx, "ip"); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := l.IsBlacklisted(ctx, "ip"); ok {
		t.Fatal("Unblacklist should lift the penalty")
	}

	for i := 0; i < 3; i++ {
		_, _ = l.Check(ctx, ScopePayment, "ip")
	}
	if err := l.Reset(ctx, ScopePayment, "ip"); err != nil {
		t.Fatal(err)
	}
	d, _ := l.Check(ctx, ScopePayment, "ip")
	if d.Count != 1 {
		t.Fatalf("Reset should clear the window, count=%d", d.Count)
	}
}
