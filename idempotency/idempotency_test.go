package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, Config{})
	if err != nil {
		t.Fatal(err)
	}
	return s, mr
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, "evt_1", 0)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := won.Load(); got != 1 {
		t.Fatalf("want exactly one winner, got %d", got)
	}
}

func TestClaimLayoutAndTTL(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	if ok, err := s.Claim(ctx, "evt_1", 0); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("stripe_idempotency:evt_1"); ttl != 10*time.Minute {
		t.Fatalf("claim ttl: %v", ttl)
	}
	rec, err := s.Lookup(ctx, "evt_1")
	if err != nil || rec.State != StateProcessing || rec.Timestamp == 0 {
		t.Fatalf("Lookup: %+v %v", rec, err)
	}
}

func TestCompleteBlocksReclaim(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	_, _ = s.Claim(ctx, "evt_1", 0)
	if err := s.Complete(ctx, "evt_1", 0); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("stripe_idempotency:evt_1"); ttl != 48*time.Hour {
		t.Fatalf("retention ttl: %v", ttl)
	}
	if ok, _ := s.Claim(ctx, "evt_1", 0); ok {
		t.Fatal("completed event must not be re-claimed")
	}
	if err := s.Release(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Lookup(ctx, "evt_1")
	if err != nil || rec.State != StateDone {
		t.Fatalf("release must not reopen a done event: %+v %v", rec, err)
	}
}

func TestReleaseAllowsReclaim(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, _ = s.Claim(ctx, "evt_1", 0)
	if err := s.Release(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Claim(ctx, "evt_1", 0); err != nil || !ok {
		t.Fatalf("released event should be claimable: ok=%v err=%v", ok, err)
	}
	if err := s.Release(ctx, "missing"); err != nil {
		t.Fatalf("releasing an unknown event is a no-op: %v", err)
	}
}

func TestClaimExpiresAfterCrash(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	_, _ = s.Claim(ctx, "evt_1", time.Minute)
	mr.FastForward(time.Minute)
	if ok, _ := s.Claim(ctx, "evt_1", 0); !ok {
		t.Fatal("expired claim should be claimable")
	}
}

func TestClaimFailsClosed(t *testing.T) {
	s, mr := newTestService(t)
	mr.Close()

	ok, err := s.Claim(context.Background(), "evt_1", 0)
	if err == nil || ok {
		t.Fatalf("store outage must fail closed: ok=%v err=%v", ok, err)
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes", func(t *testing.T) {
		s, _ := newTestService(t)
		calls := 0
		fn := func(context.Context) error { calls++; return nil }

		if err := s.Process(ctx, "evt_1", fn); err != nil {
			t.Fatal(err)
		}
		if err := s.Process(ctx, "evt_1", fn); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("want ErrDuplicate, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("handler ran %d times", calls)
		}
	})

	t.Run("failure releases", func(t *testing.T) {
		s, _ := newTestService(t)
		boom := errors.New("boom")
		if err := s.Process(ctx, "evt_1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("want boom, got %v", err)
		}
		if _, err := s.Lookup(ctx, "evt_1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("claim should be released, got %v", err)
		}
		if err := s.Process(ctx, "evt_1", func(context.Context) error { return nil }); err != nil {
			t.Fatalf("retry should succeed: %v", err)
		}
	})
}
