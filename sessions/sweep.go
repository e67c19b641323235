package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// Sweep destroys sessions past their idle or absolute deadline and prunes
// principal sets of members whose record already expired through its TTL.
// It is best-effort: entries that vanish mid-scan are treated as cleaned.
func (s *Store) Sweep(ctx context.Context) (SweepStats, error) {
	var (
		stats SweepStats
		errs  []error
	)

	err := s.scan(ctx, s.keys.sessionPattern(), func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			rec, ok := decodeRecord(v)
			if !ok {
				continue
			}
			stats.Scanned++
			reason := s.expiry(rec)
			if reason == "" {
				continue
			}
			removed, err := s.destroy(ctx, rec.SessionID, reason)
			if err != nil {
				s.log.WarnContext(ctx, "session.sweep.destroy.fail",
					slog.String("session_id", rec.SessionID), slog.String("err", err.Error()))
				errs = append(errs, err)
				continue
			}
			if removed {
				stats.Expired++
			}
		}
		return nil
	})
	if err != nil {
		return stats, errors.Join(append(errs, err)...)
	}

	setPrefix := s.keys.userSessions("")
	err = s.scan(ctx, s.keys.userSessionsPattern(), func(keys []string) error {
		for _, setKey := range keys {
			n, err := s.pruneSet(ctx, strings.TrimPrefix(setKey, setPrefix), setKey)
			if err != nil {
				s.log.WarnContext(ctx, "session.sweep.prune.fail",
					slog.String("key", setKey), slog.String("err", err.Error()))
				errs = append(errs, err)
				continue
			}
			stats.Pruned += n
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return stats, errors.Join(errs...)
}

// pruneSet removes members of a principal set whose session key is gone and
// revokes the principal's connections if any were found.
func (s *Store) pruneSet(ctx context.Context, principalID, setKey string) (int, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.keys.session(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var gone []string
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	members := make([]any, len(gone))
	ledgers := make([]string, len(gone))
	for i, id := range gone {
		members[i] = id
		ledgers[i] = s.keys.ipTracking(id)
	}
	removed, err := s.client.SRem(ctx, setKey, members...).Result()
	if err != nil {
		return 0, err
	}
	_ = s.client.Del(ctx, ledgers...).Err()
	if removed == 0 {
		return 0, nil
	}
	for _, id := range gone {
		s.metrics.SessionDestroyed(ReasonSessionExpired)
		s.revoke(ctx, Revocation{
			PrincipalID: principalID,
			SessionID:   id,
			Reason:      ReasonSessionExpired,
			Origin:      s.instanceID,
			Timestamp:   s.now().UTC(),
		})
	}
	return int(removed), nil
}

func (s *Store) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Run sweeps every SweepInterval and, when a revocation bus is configured,
// applies revocations published by other instances. It blocks until ctx is
// done.
func (s *Store) Run(ctx context.Context) error {
	done := make(chan struct{})
	if s.bus != nil {
		go func() {
			defer close(done)
			s.listen(ctx)
		}()
	} else {
		close(done)
	}

	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-t.C:
			stats, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.ErrorContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			if stats.Expired > 0 || stats.Pruned > 0 {
				s.log.InfoContext(ctx, "session.sweep.ok",
					slog.Int("scanned", stats.Scanned), slog.Int("expired", stats.Expired), slog.Int("pruned", stats.Pruned))
			}
		}
	}
}

// listen keeps a bus subscription alive until ctx is done.
func (s *Store) listen(ctx context.Context) {
	backoff := 100 * time.Millisecond
	for {
		err := s.bus.Listen(ctx, s.applyRemote)
		if ctx.Err() != nil {
			return
		}
		s.log.WarnContext(ctx, "session.revocation.listen.fail", slog.Any("err", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
