package sessions

import (
	"errors"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the session store. Defaults can be loaded via envdecode.
type Config struct {
	// IdleTimeout after which an inactive session is destroyed. ENV: SESSION_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
	// AbsoluteTimeout bounds a session's lifetime regardless of activity and
	// is used as the record TTL. ENV: SESSION_ABSOLUTE_TIMEOUT
	AbsoluteTimeout time.Duration `env:"SESSION_ABSOLUTE_TIMEOUT,default=24h"`
	// MaxConcurrentSessions per principal. ENV: SESSION_MAX_CONCURRENT
	MaxConcurrentSessions int `env:"SESSION_MAX_CONCURRENT,default=3"`
	// AllowIPChange tolerates a bounded number of IP changes when true.
	// ENV: SESSION_ALLOW_IP_CHANGE
	AllowIPChange bool `env:"SESSION_ALLOW_IP_CHANGE,default=true"`
	// MaxIPChanges tolerated before the session is treated as hijacked.
	// ENV: SESSION_MAX_IP_CHANGES
	MaxIPChanges int `env:"SESSION_MAX_IP_CHANGES,default=3"`
	// MaxIPHistory bounds the ledger kept on the record. ENV: SESSION_MAX_IP_HISTORY
	MaxIPHistory int `env:"SESSION_MAX_IP_HISTORY,default=10"`
	// SweepInterval between expiry sweeps. ENV: SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m"`
	// KeyPrefix prepended to every key. Empty keeps the shared layout.
	// ENV: SESSION_KEY_PREFIX
	KeyPrefix string `env:"SESSION_KEY_PREFIX"`
}

// DefaultConfig returns the reference policy.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:           30 * time.Minute,
		AbsoluteTimeout:       24 * time.Hour,
		MaxConcurrentSessions: 3,
		AllowIPChange:         true,
		MaxIPChanges:          3,
		MaxIPHistory:          10,
		SweepInterval:         time.Minute,
	}
}

// ConfigFromEnv decodes Config from the environment, applying tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero values. AllowIPChange is left alone since false is
// a meaningful setting.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = d.AbsoluteTimeout
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if c.MaxIPChanges < 0 {
		c.MaxIPChanges = 0
	}
	if c.MaxIPHistory <= 0 {
		c.MaxIPHistory = d.MaxIPHistory
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
}

type keyspace struct {
	prefix string
}

func (k keyspace) session(id string) string       { return k.prefix + "session:" + id }
func (k keyspace) ipTracking(id string) string    { return k.prefix + "ip_tracking:" + id }
func (k keyspace) userSessions(pid string) string { return k.prefix + "user_sessions:" + pid }
func (k keyspace) sessionPattern() string         { return k.prefix + "session:*" }
func (k keyspace) userSessionsPattern() string    { return k.prefix + "user_sessions:*" }
