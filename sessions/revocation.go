package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationChannel is the Pub/Sub channel used by RedisRevocationBus.
const RevocationChannel = "session_revocations"

// Revocation describes a destroyed session whose principal must lose every
// live realtime connection.
type Revocation struct {
	PrincipalID string    `json:"principal_id"`
	SessionID   string    `json:"session_id"`
	Reason      string    `json:"reason"`
	Origin      string    `json:"origin"`
	Timestamp   time.Time `json:"timestamp"`
}

// Revoker closes local resources owned by a principal. It returns how many
// were closed and must not block on remote peers.
type Revoker interface {
	RevokePrincipal(ctx context.Context, rev Revocation) int
}

// RevokerFunc adapts a function to the Revoker interface.
type RevokerFunc func(ctx context.Context, rev Revocation) int

func (f RevokerFunc) RevokePrincipal(ctx context.Context, rev Revocation) int { return f(ctx, rev) }

// RevocationBus carries revocations between instances.
type RevocationBus interface {
	Publish(ctx context.Context, rev Revocation) error
	// Listen blocks, invoking handler for each revocation, until ctx is done
	// or the subscription fails.
	Listen(ctx context.Context, handler func(context.Context, Revocation)) error
}

// AddRevoker registers a local revocation target.
func (s *Store) AddRevoker(r Revoker) {
	s.revokersMu.Lock()
	defer s.revokersMu.Unlock()
	s.revokers = append(s.revokers, r)
}

func (s *Store) revokeLocal(ctx context.Context, rev Revocation) int {
	s.revokersMu.RLock()
	revokers := append([]Revoker(nil), s.revokers...)
	s.revokersMu.RUnlock()

	closed := 0
	for _, r := range revokers {
		closed += r.RevokePrincipal(ctx, rev)
	}
	return closed
}

// revoke applies rev locally and announces it to other instances.
func (s *Store) revoke(ctx context.Context, rev Revocation) {
	closed := s.revokeLocal(ctx, rev)
	s.metrics.Revocation("local")
	if closed > 0 {
		s.log.InfoContext(ctx, "session.revoke.ok", slog.String("reason", rev.Reason), slog.Int("closed", closed))
	}
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), rev); err != nil {
		s.log.WarnContext(ctx, "session.revoke.publish.fail", slog.String("err", err.Error()))
	}
}

func (s *Store) applyRemote(ctx context.Context, rev Revocation) {
	if rev.Origin == s.instanceID {
		return
	}
	s.metrics.Revocation("remote")
	closed := s.revokeLocal(ctx, rev)
	if closed > 0 {
		s.log.InfoContext(ctx, "session.revoke.remote",
			slog.String("principal_id", rev.PrincipalID), slog.String("origin", rev.Origin), slog.Int("closed", closed))
	}
}

// RedisRevocationBus is a RevocationBus over Redis Pub/Sub. Delivery is
// at-most-once; the periodic sweeps close anything a lost message misses.
type RedisRevocationBus struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
}

// NewRedisRevocationBus creates a bus on RevocationChannel, with prefix
// prepended for shared deployments.
func NewRedisRevocationBus(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisRevocationBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRevocationBus{client: client, channel: prefix + RevocationChannel, log: log}
}

func (b *RedisRevocationBus) Publish(ctx context.Context, rev Revocation) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish revocation to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisRevocationBus) Listen(ctx context.Context, handler func(context.Context, Revocation)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var rev Revocation
			if err := json.Unmarshal([]byte(msg.Payload), &rev); err != nil {
				b.log.WarnContext(ctx, "session.revocation.decode.fail", slog.String("err", err.Error()))
				continue
			}
			handler(ctx, rev)
		}
	}
}
