// Package idempotency guarantees that an externally delivered event is
// processed at most once across every instance sharing a Redis.
//
// A claim is an exclusive create of stripe_idempotency:{eventId} holding a
// processing record. Completing overwrites it with a done record kept for the
// retention period; releasing removes a processing record so the sender's
// retry can claim it again. A done record is never reopened.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/ggoodman/streamgate/internal/metrics"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// State of an idempotency record.
type State string

const (
	StateProcessing State = "processing"
	StateDone       State = "done"
)

var (
	// ErrDuplicate is returned by Process when another delivery holds or
	// completed the claim.
	ErrDuplicate = errors.New("event already claimed")
	// ErrNotFound is returned by Lookup for unknown events.
	ErrNotFound = errors.New("idempotency record not found")
)

// Record is the stored claim.
type Record struct {
	State State `json:"state"`
	// Timestamp is unix milliseconds of the last transition.
	Timestamp int64 `json:"timestamp"`
}

// Config for the service.
type Config struct {
	// ClaimTTL bounds how long a processing claim survives a crashed worker.
	// ENV: IDEMPOTENCY_CLAIM_TTL
	ClaimTTL time.Duration `env:"IDEMPOTENCY_CLAIM_TTL,default=10m"`
	// Retention keeps done records so late redeliveries are recognized.
	// ENV: IDEMPOTENCY_RETENTION
	Retention time.Duration `env:"IDEMPOTENCY_RETENTION,default=48h"`
	// KeyPrefix prepended to every key. ENV: IDEMPOTENCY_KEY_PREFIX
	KeyPrefix string `env:"IDEMPOTENCY_KEY_PREFIX"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

// Service claims and completes events.
type Service struct {
	client  redis.UniversalClient
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a Service over client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	s := &Service{client: client, cfg: cfg, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s, nil
}

func (s *Service) key(eventID string) string {
	return s.cfg.KeyPrefix + "stripe_idempotency:" + eventID
}

func (s *Service) encode(state State) ([]byte, error) {
	return json.Marshal(Record{State: state, Timestamp: s.now().UnixMilli()})
}

// Claim exclusively creates a processing record for eventID. It returns
// false when the event is already claimed or done. Store failures return
// false with the error; callers must not process the event.
// A non-positive ttl uses ClaimTTL.
func (s *Service) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = s.cfg.ClaimTTL
	}
	raw, err := s.encode(StateProcessing)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(eventID), raw, ttl).Result()
	if err != nil {
		s.metrics.IdempotencyClaim("error")
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}
	if !ok {
		s.metrics.IdempotencyClaim("duplicate")
		return false, nil
	}
	s.metrics.IdempotencyClaim("claimed")
	return true, nil
}

// Complete marks eventID done for the retention period. A non-positive ttl
// uses Retention.
func (s *Service) Complete(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.Retention
	}
	raw, err := s.encode(StateDone)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(eventID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete event %s: %w", eventID, err)
	}
	return nil
}

// Release drops a processing claim so a redelivery can claim the event.
// Done records are left untouched.
func (s *Service) Release(ctx context.Context, eventID string) error {
	key := s.key(eventID)
	txf := func(tx *redis.Tx) error {
		rec, err := lookup(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != StateProcessing {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}
	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Lost to a concurrent Complete or Release; re-read.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to release event %s: %w", eventID, err)
		}
		return nil
	}
	return fmt.Errorf("failed to release event %s: %w", eventID, redis.TxFailedErr)
}

// Lookup returns the stored record for eventID.
func (s *Service) Lookup(ctx context.Context, eventID string) (*Record, error) {
	return lookup(ctx, s.client, s.key(eventID))
}

// Process claims eventID, runs fn and completes the event. If fn fails the
// claim is released and fn's error returned. ErrDuplicate is returned when
// the claim is lost.
func (s *Service) Process(ctx context.Context, eventID string, fn func(context.Context) error) error {
	ok, err := s.Claim(ctx, eventID, 0)
	if err != nil {
		return err
	}
	if !ok {
		s.log.InfoContext(ctx, "idempotency.claim.duplicate", slog.String("event_id", eventID))
		return ErrDuplicate
	}

	if err := fn(ctx); err != nil {
		if rerr := s.Release(context.WithoutCancel(ctx), eventID); rerr != nil {
			s.log.ErrorContext(ctx, "idempotency.release.fail", slog.String("event_id", eventID), slog.String("err", rerr.Error()))
		}
		return err
	}

	if err := s.Complete(context.WithoutCancel(ctx), eventID, 0); err != nil {
		// The processing claim still expires after ClaimTTL; until then
		// redeliveries are treated as duplicates.
		s.log.ErrorContext(ctx, "idempotency.complete.fail", slog.String("event_id", eventID), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func lookup(ctx context.Context, c redis.Cmdable, key string) (*Record, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}
