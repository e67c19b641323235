package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/ggoodman/streamgate/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when no record exists for a session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrContention is returned when an optimistic transaction keeps losing
	// races after the retry budget is spent.
	ErrContention = errors.New("session store contention")
	// ErrInvalidPrincipal is returned when creating a session without a principal.
	ErrInvalidPrincipal = errors.New("principal id is required")
)

const maxTxRetries = 16

// Store is the Redis-backed session security store. It is safe for
// concurrent use and holds no cross-instance state in memory.
type Store struct {
	client     redis.UniversalClient
	cfg        Config
	keys       keyspace
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	bus        RevocationBus
	instanceID string

	revokersMu sync.RWMutex
	revokers   []Revoker
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for timeouts.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRevocationBus publishes revocations to other instances and, when Run is
// called, applies revocations published by them.
func WithRevocationBus(bus RevocationBus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithInstanceID names this process on the revocation bus. Defaults to a
// random id.
func WithInstanceID(id string) Option {
	return func(s *Store) { s.instanceID = id }
}

// New creates a session store over client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	cfg.applyDefaults()
	s := &Store{
		client: client,
		cfg:    cfg,
		keys:   keyspace{prefix: cfg.KeyPrefix},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// CreateSession persists a new session for principalID bound to ip and then
// enforces the per-principal cap, destroying the oldest sessions first.
// Store failures are returned; no session is considered created on error.
func (s *Store) CreateSession(ctx context.Context, principalID, ip, userAgent string, metadata map[string]string) (*Record, error) {
	if principalID == "" {
		return nil, ErrInvalidPrincipal
	}
	now := s.now().UTC()
	rec := &Record{
		SessionID:    uuid.NewString(),
		PrincipalID:  principalID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Metadata:     metadata,
	}
	track := &IPTracking{OriginalIP: ip, CurrentIP: ip}

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	trackJSON, err := json.Marshal(track)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ip tracking: %w", err)
	}

	ttl := s.cfg.AbsoluteTimeout
	setKey := s.keys.userSessions(principalID)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.session(rec.SessionID), recJSON, ttl)
		pipe.Set(ctx, s.keys.ipTracking(rec.SessionID), trackJSON, ttl)
		pipe.SAdd(ctx, setKey, rec.SessionID)
		pipe.Expire(ctx, setKey, ttl)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.SessionID, PrincipalID: principalID})
	s.metrics.SessionCreated()
	s.log.InfoContext(ctx, "session.create.ok")

	evicted, err := s.enforceCap(ctx, principalID)
	if err != nil {
		s.log.ErrorContext(ctx, "session.cap.fail", slog.String("err", err.Error()))
		cleanupCtx := context.WithoutCancel(ctx)
		_, _ = s.client.TxPipelined(cleanupCtx, func(pipe redis.Pipeliner) error {
			pipe.Del(cleanupCtx, s.keys.session(rec.SessionID), s.keys.ipTracking(rec.SessionID))
			pipe.SRem(cleanupCtx, setKey, rec.SessionID)
			return nil
		})
		return nil, fmt.Errorf("failed to enforce session cap: %w", err)
	}
	for _, victim := range evicted {
		s.afterDestroy(ctx, victim, ReasonConcurrentLimit)
	}
	return rec, nil
}

// enforceCap removes the oldest sessions of principalID beyond the configured
// cap, plus set members whose record has already expired. Victims are deleted
// inside the transaction; the caller performs revocation.
func (s *Store) enforceCap(ctx context.Context, principalID string) ([]*Record, error) {
	setKey := s.keys.userSessions(principalID)
	limit := s.cfg.MaxConcurrentSessions
	var victims []*Record

	txf := func(tx *redis.Tx) error {
		victims = nil
		ids, err := tx.SMembers(ctx, setKey).Result()
		if err != nil {
			return err
		}
		if len(ids) <= limit {
			return nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.keys.session(id)
		}
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		live := make([]*Record, 0, len(ids))
		var stale []any
		for i, v := range vals {
			rec, ok := decodeRecord(v)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			live = append(live, rec)
		}
		sort.Slice(live, func(i, j int) bool {
			if live[i].CreatedAt.Equal(live[j].CreatedAt) {
				return live[i].SessionID < live[j].SessionID
			}
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		})
		if len(live) > limit {
			victims = live[:len(live)-limit]
		}
		if len(victims) == 0 && len(stale) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.SRem(ctx, setKey, stale...)
			}
			for _, v := range victims {
				pipe.Del(ctx, s.keys.session(v.SessionID), s.keys.ipTracking(v.SessionID))
				pipe.SRem(ctx, setKey, v.SessionID)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, setKey); err != nil {
		return nil, err
	}
	return victims, nil
}

// GetSession loads a session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Record, error) {
	return getRecord(ctx, s.client, s.keys.session(sessionID))
}

// ListPrincipalSessions returns the live sessions of principalID, oldest first.
func (s *Store) ListPrincipalSessions(ctx context.Context, principalID string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.keys.userSessions(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.session(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	out := make([]*Record, 0, len(vals))
	for _, v := range vals {
		if rec, ok := decodeRecord(v); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DestroySession removes a session and cascades revocation to the
// principal's live connections. Destroying a missing session is a no-op.
func (s *Store) DestroySession(ctx context.Context, sessionID, reason string) error {
	_, err := s.destroy(ctx, sessionID, reason)
	return err
}

// destroy reports whether this call removed the record.
func (s *Store) destroy(ctx context.Context, sessionID, reason string) (bool, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// The ledger may outlive a record that expired through its TTL.
		_ = s.client.Del(context.WithoutCancel(ctx), s.keys.ipTracking(sessionID)).Err()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	c := context.WithoutCancel(ctx)
	if _, err := s.client.TxPipelined(c, func(pipe redis.Pipeliner) error {
		del = pipe.Del(c, s.keys.session(sessionID))
		pipe.Del(c, s.keys.ipTracking(sessionID))
		pipe.SRem(c, s.keys.userSessions(rec.PrincipalID), sessionID)
		return nil
	}); err != nil {
		return false, fmt.Errorf("failed to destroy session: %w", err)
	}
	if del.Val() == 0 {
		// Lost the race to a concurrent destroy; it owns the revocation.
		return false, nil
	}
	s.afterDestroy(ctx, rec, reason)
	return true, nil
}

// DestroyPrincipalSessions destroys every session of principalID and returns
// how many records this call removed.
func (s *Store) DestroyPrincipalSessions(ctx context.Context, principalID, reason string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.keys.userSessions(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		removed, err := s.destroy(ctx, id, reason)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

// RegenerateSession moves a session to a new id, preserving its remaining
// lifetime, IP ledger and principal set membership. It returns false if the
// old session no longer exists. An empty newID is generated.
func (s *Store) RegenerateSession(ctx context.Context, oldID, newID, reason string) (bool, error) {
	if newID == "" {
		newID = uuid.NewString()
	}
	if newID == oldID {
		return false, fmt.Errorf("new session id must differ from the old one")
	}
	current, err := s.GetSession(ctx, oldID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	oldKey, oldIPKey := s.keys.session(oldID), s.keys.ipTracking(oldID)
	newKey, newIPKey := s.keys.session(newID), s.keys.ipTracking(newID)
	setKey := s.keys.userSessions(current.PrincipalID)
	moved := false

	txf := func(tx *redis.Tx) error {
		moved = false
		rec, err := getRecord(ctx, tx, oldKey)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		track, err := getTracking(ctx, tx, oldIPKey)
		if err != nil {
			return err
		}
		if track == nil {
			track = &IPTracking{OriginalIP: rec.IPAddress, CurrentIP: rec.IPAddress}
		}
		rec.SessionID = newID
		ttl := s.remaining(rec)

		recJSON, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		trackJSON, err := json.Marshal(track)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, newKey, recJSON, ttl)
			pipe.Set(ctx, newIPKey, trackJSON, ttl)
			pipe.Del(ctx, oldKey, oldIPKey)
			pipe.SRem(ctx, setKey, oldID)
			pipe.SAdd(ctx, setKey, newID)
			return nil
		})
		if err == nil {
			moved = true
		}
		return err
	}
	if err := s.watch(ctx, txf, oldKey, oldIPKey, setKey); err != nil {
		return false, fmt.Errorf("failed to regenerate session: %w", err)
	}
	if moved {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: newID, PrincipalID: current.PrincipalID})
		s.log.InfoContext(ctx, "session.regenerate.ok", slog.String("old_id", oldID), slog.String("reason", reason))
	}
	return moved, nil
}

// afterDestroy records the destruction and cascades revocation.
func (s *Store) afterDestroy(ctx context.Context, rec *Record, reason string) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.SessionID, PrincipalID: rec.PrincipalID})
	s.metrics.SessionDestroyed(reason)
	s.log.InfoContext(ctx, "session.destroy.ok", slog.String("reason", reason))
	s.revoke(ctx, Revocation{
		PrincipalID: rec.PrincipalID,
		SessionID:   rec.SessionID,
		Reason:      reason,
		Origin:      s.instanceID,
		Timestamp:   s.now().UTC(),
	})
}

// remaining is the lifetime left before the absolute timeout, never below
// one second so the write still carries an expiry.
func (s *Store) remaining(rec *Record) time.Duration {
	ttl := rec.CreatedAt.Add(s.cfg.AbsoluteTimeout).Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// watch runs fn under WATCH, retrying with jittered backoff while a
// concurrent writer invalidates the transaction.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		backoff := time.Duration(i+1)*time.Millisecond + rand.N(time.Millisecond)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return ErrContention
}

func getRecord(ctx context.Context, c redis.Cmdable, key string) (*Record, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// getTracking returns nil without error when the ledger is absent.
func getTracking(ctx context.Context, c redis.Cmdable, key string) (*IPTracking, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var t IPTracking
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ip tracking: %w", err)
	}
	return &t, nil
}

// decodeRecord converts an MGET slot into a record. Missing or corrupt
// entries report false.
func decodeRecord(v any) (*Record, bool) {
	str, ok := v.(string)
	if !ok {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(str), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}
