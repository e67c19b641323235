// Command streamgate runs the realtime proxy, the payment webhook endpoint
// and the Redis-backed session, rate-limit and idempotency services behind
// one HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/streamgate/idempotency"
	"github.com/ggoodman/streamgate/internal/clientip"
	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/ggoodman/streamgate/internal/metrics"
	"github.com/ggoodman/streamgate/internal/redisconn"
	"github.com/ggoodman/streamgate/proxy"
	"github.com/ggoodman/streamgate/ratelimit"
	"github.com/ggoodman/streamgate/sessions"
	"github.com/ggoodman/streamgate/webhook"
)

type config struct {
	// HTTPAddr is the listen address. ENV: HTTP_ADDR
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	// WebhookPath is where Stripe deliveries are accepted. ENV: WEBHOOK_PATH
	WebhookPath string `env:"WEBHOOK_PATH,default=/webhooks/stripe"`
	// WebhookSecret is the Stripe endpoint signing secret. The webhook route
	// is disabled when empty. ENV: STRIPE_WEBHOOK_SECRET
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// CookieSecret signs session cookies. Raw session ids are accepted when
	// empty. ENV: SESSION_COOKIE_SECRET
	CookieSecret string `env:"SESSION_COOKIE_SECRET"`

	Redis       redisconn.Config
	Sessions    sessions.Config
	RateLimit   ratelimit.Config
	Idempotency idempotency.Config
	Proxy       proxy.Config
}

func main() {
	if err := run(); err != nil {
		slog.Error("streamgate.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}

	log := logctx.Wrap(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redisconn.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	instanceID := uuid.NewString()

	store, err := sessions.New(rdb, cfg.Sessions,
		sessions.WithLogger(log),
		sessions.WithMetrics(m),
		sessions.WithInstanceID(instanceID),
		sessions.WithRevocationBus(sessions.NewRedisRevocationBus(rdb, cfg.Sessions.KeyPrefix, log)),
	)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	limiter, err := ratelimit.New(rdb, cfg.RateLimit, ratelimit.WithLogger(log), ratelimit.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}

	idem, err := idempotency.New(rdb, cfg.Idempotency, idempotency.WithLogger(log), idempotency.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}

	proxyOpts := []proxy.Option{
		proxy.WithLogger(log),
		proxy.WithMetrics(m),
		proxy.WithLimiter(limiter),
	}
	if cfg.CookieSecret != "" {
		codec, err := sessions.NewCookieCodec(cfg.Proxy.CookieName, []byte(cfg.CookieSecret), cfg.Sessions.AbsoluteTimeout)
		if err != nil {
			return fmt.Errorf("cookie codec: %w", err)
		}
		proxyOpts = append(proxyOpts, proxy.WithCookieCodec(codec))
	}
	px, err := proxy.New(store, cfg.Proxy, proxyOpts...)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	store.AddRevoker(px)

	resolver, err := clientip.NewResolver(cfg.Proxy.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	var wh *webhook.Handler
	if cfg.WebhookSecret != "" {
		if wh, err = webhook.New(cfg.WebhookSecret, idem, webhook.WithLogger(log)); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		registerEventHandlers(wh, store, log)
	}

	r := newRouter(routerDeps{
		redis:       rdb,
		limiter:     limiter,
		resolver:    resolver,
		proxy:       px,
		webhook:     wh,
		webhookPath: cfg.WebhookPath,
	})
	if wh == nil {
		log.Warn("webhook.disabled", slog.String("reason", "STRIPE_WEBHOOK_SECRET not set"))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("session.run.fail", slog.String("err", err.Error()))
		}
	}()
	go func() {
		if err := px.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("proxy.run.fail", slog.String("err", err.Error()))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.HTTPAddr), slog.String("instance_id", instanceID))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := px.Shutdown(sctx); err != nil {
		log.Warn("proxy.shutdown.fail", slog.String("err", err.Error()))
	}
	return srv.Shutdown(sctx)
}

type routerDeps struct {
	redis       redis.UniversalClient
	limiter     *ratelimit.Limiter
	resolver    *clientip.Resolver
	proxy       *proxy.Proxy
	webhook     *webhook.Handler
	webhookPath string
}

// newRouter mounts the service routes. The webhook route sits outside the
// per-IP limits: deliveries come from a few shared provider addresses and
// are authenticated by signature and deduplicated by event id instead.
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthz(d.redis, d.proxy))
	r.Handle("/metrics", promhttp.Handler())

	if d.webhook != nil {
		r.Post(d.webhookPath, d.webhook.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:    d.limiter,
			Scope:      ratelimit.ScopeGlobal,
			Identifier: ratelimit.ByClientIP(d.resolver),
		}))
		r.Get(d.proxy.Config().Path, d.proxy.ServeHTTP)
	})
	return r
}

func healthz(rdb redis.UniversalClient, px *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := redisconn.Healthy(r.Context(), rdb, 2*time.Second); err != nil {
			status, code = "redis_unavailable", http.StatusServiceUnavailable
		}
		st := px.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"status":%q,"connections":%d}`, status, st.Active)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
