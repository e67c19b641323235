package ratelimit

import (
	"errors"
	"time"

	"github.com/joeshaw/envdecode"
)

// Scope names an independent family of counters.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeUser         Scope = "user"
	ScopeAIOperation  Scope = "ai-operation"
	ScopePayment      Scope = "payment"
	ScopeWSConnection Scope = "ws-connection"
	ScopeWSMessage    Scope = "ws-message"
	ScopeWSTask       Scope = "ws-task"
)

// Policy is a fixed window and the number of admissions allowed in it.
type Policy struct {
	Window time.Duration
	Max    int64
}

// DefaultPolicies returns the reference policy for every scope.
func DefaultPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopeGlobal:       {Window: 15 * time.Minute, Max: 1000},
		ScopeUser:         {Window: 15 * time.Minute, Max: 300},
		ScopeAIOperation:  {Window: time.Minute, Max: 10},
		ScopePayment:      {Window: 15 * time.Minute, Max: 10},
		ScopeWSConnection: {Window: time.Minute, Max: 10},
		ScopeWSMessage:    {Window: time.Minute, Max: 600},
		ScopeWSTask:       {Window: time.Minute, Max: 5},
	}
}

// Config for the limiter.
type Config struct {
	// PenaltyBase is the blacklist duration at the first escalation step.
	// ENV: RATELIMIT_PENALTY_BASE
	PenaltyBase time.Duration `env:"RATELIMIT_PENALTY_BASE,default=1m"`
	// PenaltyMax caps the blacklist duration. ENV: RATELIMIT_PENALTY_MAX
	PenaltyMax time.Duration `env:"RATELIMIT_PENALTY_MAX,default=2h"`
	// BlacklistFactor is how many multiples of a scope's max a window must
	// reach before the identifier is blacklisted. ENV: RATELIMIT_BLACKLIST_FACTOR
	BlacklistFactor int64 `env:"RATELIMIT_BLACKLIST_FACTOR,default=3"`
	// KeyPrefix prepended to every key. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX"`

	// Policies overrides the per-scope defaults. Scopes left out keep the
	// reference policy.
	Policies map[Scope]Policy
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PenaltyBase <= 0 {
		c.PenaltyBase = time.Minute
	}
	if c.PenaltyMax <= 0 {
		c.PenaltyMax = 2 * time.Hour
	}
	if c.BlacklistFactor <= 0 {
		c.BlacklistFactor = 3
	}
	policies := DefaultPolicies()
	for scope, p := range c.Policies {
		if p.Window > 0 && p.Max > 0 {
			policies[scope] = p
		}
	}
	c.Policies = policies
}

type keyspace struct {
	prefix string
}

func (k keyspace) counter(scope Scope, id string) string {
	return k.prefix + "rate_limit:" + string(scope) + ":" + id
}

func (k keyspace) blacklist(id string) string {
	return k.prefix + "rate_limit:blacklist:" + id
}
