// Package redisconn builds the Redis client shared by every component.
//
// A single address yields a standalone client. Setting MasterName selects
// sentinel failover, with Addrs listing the sentinels. Redis Cluster is not
// supported: the shared key layout places keys that are read and written
// together (a session and its IP ledger, a rate counter and the blacklist)
// in different hash slots, so scripts, transactions and MGET would fail
// with CROSSSLOT.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis connection. Defaults can be loaded via envdecode.
type Config struct {
	// Addrs like "localhost:6379", separated by ';'. More than one address is
	// only valid together with MasterName. ENV: REDIS_ADDRS
	Addrs []string `env:"REDIS_ADDRS,default=localhost:6379"`
	// Username for ACL auth. ENV: REDIS_USERNAME
	Username string `env:"REDIS_USERNAME"`
	// Password for AUTH. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index, ignored by cluster clients. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// MasterName enables sentinel mode. ENV: REDIS_MASTER_NAME
	MasterName string `env:"REDIS_MASTER_NAME"`
	// DialTimeout for new connections. ENV: REDIS_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT,default=5s"`
	// PingTimeout bounds the startup health check. ENV: REDIS_PING_TIMEOUT
	PingTimeout time.Duration `env:"REDIS_PING_TIMEOUT,default=5s"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

// ErrClusterUnsupported is returned for configurations that would select a
// Redis Cluster client.
var ErrClusterUnsupported = errors.New("redis cluster is not supported; use a single address or set REDIS_MASTER_NAME for sentinel")

// Validate reports configurations the key layout cannot run on.
func (c Config) Validate() error {
	if len(c.Addrs) > 1 && c.MasterName == "" {
		return fmt.Errorf("%d addresses without a master name: %w", len(c.Addrs), ErrClusterUnsupported)
	}
	return nil
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MasterName:  cfg.MasterName,
		DialTimeout: cfg.DialTimeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Healthy reports whether client answers PING within timeout.
func Healthy(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(pctx).Err()
}
