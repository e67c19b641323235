package proxy

import (
	"errors"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the realtime proxy. Defaults can be loaded via envdecode.
type Config struct {
	// Path the upgrade handler is mounted on. ENV: PROXY_PATH
	Path string `env:"PROXY_PATH,default=/ws/desktop"`
	// AllowedOrigins lists exact Origin values accepted for upgrades,
	// separated by ';'. "*" accepts any origin. ENV: PROXY_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"PROXY_ALLOWED_ORIGINS"`
	// CookieName carrying the session. ENV: PROXY_COOKIE_NAME
	CookieName string `env:"PROXY_COOKIE_NAME,default=sid"`
	// BackendAddr is the host:port of the protocol endpoint used by the
	// default resolver. ENV: PROXY_BACKEND_ADDR
	BackendAddr string `env:"PROXY_BACKEND_ADDR"`
	// DialTimeout bounds the backend connect. ENV: PROXY_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"PROXY_DIAL_TIMEOUT,default=10s"`
	// MaxConnections caps bridging connections in this process.
	// ENV: PROXY_MAX_CONNECTIONS
	MaxConnections int `env:"PROXY_MAX_CONNECTIONS,default=100"`
	// MaxConnectionsPerIP caps bridging connections per client address.
	// ENV: PROXY_MAX_CONNECTIONS_PER_IP
	MaxConnectionsPerIP int `env:"PROXY_MAX_CONNECTIONS_PER_IP,default=3"`
	// IdleTimeout closes connections with no traffic in either direction.
	// ENV: PROXY_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"PROXY_IDLE_TIMEOUT,default=30m"`
	// SweepInterval between idle sweeps. ENV: PROXY_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"PROXY_SWEEP_INTERVAL,default=1m"`
	// CheckMessages applies the ws-message rate limit to every client
	// message. ENV: PROXY_CHECK_MESSAGES
	CheckMessages bool `env:"PROXY_CHECK_MESSAGES,default=false"`
	// TrustedProxies are CIDRs whose forwarding headers are honored.
	// ENV: PROXY_TRUSTED_PROXIES
	TrustedProxies []string `env:"PROXY_TRUSTED_PROXIES"`
	// ReadLimit is the largest client message accepted. ENV: PROXY_READ_LIMIT
	ReadLimit int64 `env:"PROXY_READ_LIMIT,default=1048576"`
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
	if c.Path == "" {
		c.Path = "/ws/desktop"
	}
	if c.CookieName == "" {
		c.CookieName = "sid"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// originAllowed reports whether origin matches the allow-list. Scheme and
// host compare case-insensitively; an empty origin never matches.
func (c *Config) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}
