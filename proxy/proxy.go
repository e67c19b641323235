// Package proxy bridges authenticated WebSocket clients to a raw TCP
// protocol endpoint.
//
// Every upgrade attempt walks a fixed state machine:
//
//	UPGRADE_REQUESTED → ORIGIN_CHECKED → RATE_CHECKED → SESSION_VALIDATED
//	  → BACKEND_CONNECTING → BRIDGING → CLOSED
//
// A failed check answers with a plain HTTP status (403 origin, 429 rate or
// capacity, 401 session, 500 backend) and the upgrade never completes, so
// no tunneled byte is forwarded for a rejected attempt. Once bridging, bytes
// are copied verbatim in both directions until either side closes, the
// connection idles out, or the owning principal's session is revoked.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/streamgate/internal/clientip"
	"github.com/ggoodman/streamgate/internal/logctx"
	"github.com/ggoodman/streamgate/internal/metrics"
	"github.com/ggoodman/streamgate/ratelimit"
	"github.com/ggoodman/streamgate/sessions"
	"github.com/google/uuid"
)

// Connection states, as reported in logs.
const (
	StateUpgradeRequested  = "UPGRADE_REQUESTED"
	StateOriginChecked     = "ORIGIN_CHECKED"
	StateRateChecked       = "RATE_CHECKED"
	StateSessionValidated  = "SESSION_VALIDATED"
	StateBackendConnecting = "BACKEND_CONNECTING"
	StateBridging          = "BRIDGING"
	StateClosed            = "CLOSED"
)

const noticeTimeout = time.Second

// SessionStore is the subset of the session store the proxy consults.
type SessionStore interface {
	ValidateSessionIP(ctx context.Context, sessionID, currentIP string) (sessions.IPValidation, error)
	UpdateSessionActivity(ctx context.Context, sessionID, ip, userAgent, endpoint string) (sessions.ActivityResult, error)
	RegenerateSession(ctx context.Context, oldID, newID, reason string) (bool, error)
}

// Limiter is the subset of the rate limiter the proxy consults.
type Limiter interface {
	CheckConnection(ctx context.Context, ip string) (*ratelimit.Decision, error)
	CheckMessage(ctx context.Context, connID string) (*ratelimit.Decision, error)
}

// BackendResolver picks the backend address for a principal's session.
type BackendResolver func(ctx context.Context, rec *sessions.Record) (string, error)

// Dialer opens backend connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// StaticBackend resolves every session to addr.
func StaticBackend(addr string) BackendResolver {
	return func(context.Context, *sessions.Record) (string, error) {
		if addr == "" {
			return "", errors.New("no backend address configured")
		}
		return addr, nil
	}
}

// Proxy is the upgrade handler and connection owner. It implements
// http.Handler and sessions.Revoker.
type Proxy struct {
	cfg      Config
	sessions SessionStore
	limiter  Limiter
	cookies  *sessions.CookieCodec
	resolve  BackendResolver
	dialer   Dialer
	clientIP *clientip.Resolver
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	table   *table
	closing atomic.Bool
}

type Option func(*Proxy)

func WithLogger(l *slog.Logger) Option { return func(p *Proxy) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Proxy) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Proxy) { p.now = now } }

// WithLimiter enables upgrade and message rate checks.
func WithLimiter(l Limiter) Option { return func(p *Proxy) { p.limiter = l } }

// WithCookieCodec requires the session cookie to be a signed token rather
// than a bare session id.
func WithCookieCodec(c *sessions.CookieCodec) Option { return func(p *Proxy) { p.cookies = c } }

// WithBackendResolver overrides the static BackendAddr resolver.
func WithBackendResolver(r BackendResolver) Option { return func(p *Proxy) { p.resolve = r } }

// WithDialer overrides the backend dialer.
func WithDialer(d Dialer) Option { return func(p *Proxy) { p.dialer = d } }

// New creates a proxy validating sessions against store.
func New(store SessionStore, cfg Config, opts ...Option) (*Proxy, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	cfg.applyDefaults()
	resolver, err := clientip.NewResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	p := &Proxy{
		cfg:      cfg,
		sessions: store,
		resolve:  StaticBackend(cfg.BackendAddr),
		dialer:   &net.Dialer{},
		clientIP: resolver,
		log:      slog.Default(),
		now:      time.Now,
		table:    newTable(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logctx.Wrap(p.log)
	return p, nil
}

// Config returns the effective configuration.
func (p *Proxy) Config() Config { return p.cfg }

// Stats reports the current connection table.
func (p *Proxy) Stats() Stats { return p.table.stats() }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := p.clientIP.FromRequest(r)
	cd := &logctx.ConnData{ConnID: uuid.NewString(), State: StateUpgradeRequested}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID: cd.ConnID,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		ClientIP:  ip,
		Path:      r.URL.Path,
	})
	ctx = logctx.WithConnData(ctx, cd)

	if p.closing.Load() {
		p.reject(ctx, w, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	if !p.cfg.originAllowed(r.Header.Get("Origin")) {
		p.log.WarnContext(ctx, "proxy.origin.reject", slog.String("origin", r.Header.Get("Origin")))
		p.reject(ctx, w, http.StatusForbidden, "origin")
		return
	}
	cd.State = StateOriginChecked

	if p.limiter != nil {
		d, err := p.limiter.CheckConnection(ctx, ip)
		if err != nil {
			p.log.ErrorContext(ctx, "proxy.rate.fail", slog.String("err", err.Error()))
		} else if !d.Allowed {
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()+0.999), 10))
			}
			p.log.WarnContext(ctx, "proxy.rate.reject", slog.Bool("blacklisted", d.Blacklisted))
			p.reject(ctx, w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}
	cd.State = StateRateChecked

	rec, setCookie, status, reason := p.authenticate(ctx, r, ip)
	if rec == nil {
		p.reject(ctx, w, status, reason)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.SessionID, PrincipalID: rec.PrincipalID})
	cd.State = StateSessionValidated

	if !p.table.reserve(ip) {
		p.log.WarnContext(ctx, "proxy.capacity.reject", slog.Int("max", p.cfg.MaxConnections), slog.Int("max_per_ip", p.cfg.MaxConnectionsPerIP))
		p.reject(ctx, w, http.StatusTooManyRequests, "capacity")
		return
	}
	cd.State = StateBackendConnecting

	backend, err := p.dial(ctx, rec)
	if err != nil {
		p.table.release(ip)
		p.metrics.BackendDialFailed()
		p.log.ErrorContext(ctx, "proxy.backend.dial.fail", slog.String("err", err.Error()))
		p.reject(ctx, w, http.StatusInternalServerError, "backend_unreachable")
		return
	}

	if setCookie != nil {
		http.SetCookie(w, setCookie)
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was already checked against the allow-list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		_ = backend.Close()
		p.table.release(ip)
		p.metrics.ProxyReject("upgrade_failed")
		p.log.WarnContext(ctx, "proxy.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	ws.SetReadLimit(p.cfg.ReadLimit)

	now := p.now()
	// The bridging loops get their own ConnData so cd can move to CLOSED
	// without racing their logging.
	connCtx := logctx.WithConnData(ctx, &logctx.ConnData{ConnID: cd.ConnID, State: StateBridging})
	connCtx, cancel := context.WithCancel(context.WithoutCancel(connCtx))
	c := &Conn{
		ID:          cd.ConnID,
		PrincipalID: rec.PrincipalID,
		ClientIP:    ip,
		UserAgent:   r.UserAgent(),
		CreatedAt:   now,
		ws:          ws,
		backend:     backend,
		ctx:         connCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.setSessionID(rec.SessionID)
	c.lastActivity.Store(now.UnixNano())
	p.table.add(c)
	cd.State = StateBridging
	p.metrics.ProxyOpened()
	p.log.InfoContext(ctx, "proxy.bridge.start")

	p.bridge(c)
	<-c.done
	cd.State = StateClosed

	p.log.InfoContext(ctx, "proxy.bridge.end",
		slog.String("reason", c.closeReason),
		slog.Int64("bytes_in", c.BytesIn()),
		slog.Int64("bytes_out", c.BytesOut()),
		slog.Duration("duration", p.now().Sub(c.CreatedAt)))
}

// authenticate resolves and validates the session carried by the cookie.
// On failure it returns a nil record with the rejection status and reason.
func (p *Proxy) authenticate(ctx context.Context, r *http.Request, ip string) (*sessions.Record, *http.Cookie, int, string) {
	ck, err := r.Cookie(p.cfg.CookieName)
	if err != nil || ck.Value == "" {
		p.log.InfoContext(ctx, "proxy.session.missing")
		return nil, nil, http.StatusUnauthorized, "session_missing"
	}
	sid := ck.Value
	if p.cookies != nil {
		if sid, _, err = p.cookies.Decode(ck.Value); err != nil {
			p.log.WarnContext(ctx, "proxy.session.cookie.reject", slog.String("err", err.Error()))
			return nil, nil, http.StatusUnauthorized, "session_invalid"
		}
	}

	v, err := p.sessions.ValidateSessionIP(ctx, sid, ip)
	if err != nil {
		p.log.ErrorContext(ctx, "proxy.session.validate.fail", slog.String("err", err.Error()))
		return nil, nil, http.StatusInternalServerError, "session_store"
	}
	if !v.Valid {
		p.log.WarnContext(ctx, "proxy.session.reject", slog.String("reason", v.Reason))
		return nil, nil, http.StatusUnauthorized, v.Reason
	}

	rotated := false
	if v.RequiresAction && v.Reason == sessions.ReasonIPChanged {
		newID := uuid.NewString()
		ok, err := p.sessions.RegenerateSession(ctx, sid, newID, v.Reason)
		if err != nil {
			p.log.ErrorContext(ctx, "proxy.session.regenerate.fail", slog.String("err", err.Error()))
			return nil, nil, http.StatusInternalServerError, "session_store"
		}
		if !ok {
			return nil, nil, http.StatusUnauthorized, sessions.ReasonSessionNotFound
		}
		if n := p.table.rekey(sid, newID); n > 0 {
			p.log.InfoContext(ctx, "proxy.session.rekey", slog.Int("connections", n))
		}
		sid, rotated = newID, true
	}

	res, err := p.sessions.UpdateSessionActivity(ctx, sid, ip, r.UserAgent(), p.cfg.Path)
	if err != nil {
		p.log.ErrorContext(ctx, "proxy.session.activity.fail", slog.String("err", err.Error()))
		return nil, nil, http.StatusInternalServerError, "session_store"
	}
	if !res.Valid {
		p.log.WarnContext(ctx, "proxy.session.reject", slog.String("reason", res.Reason))
		return nil, nil, http.StatusUnauthorized, res.Reason
	}

	var out *http.Cookie
	if rotated {
		out = p.sessionCookie(ctx, res.Session)
	}
	return res.Session, out, 0, ""
}

// sessionCookie builds the replacement cookie after a session id rotation.
func (p *Proxy) sessionCookie(ctx context.Context, rec *sessions.Record) *http.Cookie {
	if p.cookies == nil {
		return &http.Cookie{
			Name: p.cfg.CookieName, Value: rec.SessionID, Path: "/",
			HttpOnly: true, Secure: true, SameSite: http.SameSiteLaxMode,
		}
	}
	tok, err := p.cookies.Encode(rec)
	if err != nil {
		p.log.ErrorContext(ctx, "proxy.session.cookie.fail", slog.String("err", err.Error()))
		return nil
	}
	return p.cookies.Cookie(tok)
}

func (p *Proxy) dial(ctx context.Context, rec *sessions.Record) (net.Conn, error) {
	addr, err := p.resolve(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backend: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := p.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w", addr, err)
	}
	return conn, nil
}

func (p *Proxy) reject(ctx context.Context, w http.ResponseWriter, status int, reason string) {
	p.metrics.ProxyReject(reason)
	p.log.InfoContext(ctx, "proxy.upgrade.reject", slog.Int("status", status), slog.String("reason", reason))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": reason}})
}

// bridge runs the client→backend loop on a new goroutine and the
// backend→client loop on another. Either loop ending tears the connection
// down.
func (p *Proxy) bridge(c *Conn) {
	go p.clientToBackend(c)
	go p.backendToClient(c)
}

func (p *Proxy) clientToBackend(c *Conn) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			p.close(c, websocket.StatusNormalClosure, CloseClientClosed)
			return
		}
		if p.cfg.CheckMessages && p.limiter != nil {
			if d, err := p.limiter.CheckMessage(c.ctx, c.ID); err == nil && !d.Allowed {
				p.notify(c, CloseRateLimited)
				p.close(c, websocket.StatusPolicyViolation, CloseRateLimited)
				return
			}
		}
		if _, err := c.backend.Write(data); err != nil {
			p.close(c, websocket.StatusInternalError, CloseBackendError)
			return
		}
		c.bytesIn.Add(int64(len(data)))
		c.lastActivity.Store(p.now().UnixNano())
		p.metrics.ProxyForwarded("upstream", len(data))
	}
}

func (p *Proxy) backendToClient(c *Conn) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := c.backend.Read(buf)
		if n > 0 {
			if werr := c.ws.Write(c.ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				p.close(c, websocket.StatusNormalClosure, CloseClientClosed)
				return
			}
			c.bytesOut.Add(int64(n))
			c.lastActivity.Store(p.now().UnixNano())
			p.metrics.ProxyForwarded("downstream", n)
		}
		if err != nil {
			status, reason := backendStatus(err)
			p.close(c, status, reason)
			return
		}
	}
}

func (p *Proxy) close(c *Conn, status websocket.StatusCode, reason string) {
	c.teardown(status, reason, func(c *Conn, reason string) {
		if p.table.remove(c) {
			p.metrics.ProxyClose(reason)
		}
	})
}

func (p *Proxy) notify(c *Conn, code string) {
	c.notify(Notice{Type: "revoked", Code: code, ConnectionID: c.ID, Timestamp: p.now().UTC()}, noticeTimeout)
}

// revokeConns sends each connection a notice and closes it. Connections are
// closed concurrently so one slow client does not delay the rest.
func (p *Proxy) revokeConns(conns []*Conn, code string, status websocket.StatusCode, reason string) {
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			p.notify(c, code)
			p.close(c, status, reason)
		}(c)
	}
	wg.Wait()
}

// RevokePrincipal closes every local connection of rev.PrincipalID after
// sending a revocation notice. It returns the number of connections closed.
func (p *Proxy) RevokePrincipal(ctx context.Context, rev sessions.Revocation) int {
	conns := p.table.byPrincipal(rev.PrincipalID)
	if len(conns) == 0 {
		return 0
	}
	code := rev.Reason
	if code == "" {
		code = CloseRevoked
	}
	p.revokeConns(conns, code, websocket.StatusPolicyViolation, CloseRevoked)
	p.log.InfoContext(ctx, "proxy.revoke.ok",
		slog.String("principal_id", rev.PrincipalID), slog.String("reason", rev.Reason), slog.Int("closed", len(conns)))
	return len(conns)
}

// Run sweeps idle connections every SweepInterval until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.sweep(ctx)
		}
	}
}

// sweep closes connections idle beyond IdleTimeout and refreshes the
// session of the rest. A session that is no longer valid closes its
// connection with a notice; store errors leave the connection open until
// the next pass.
func (p *Proxy) sweep(ctx context.Context) {
	now := p.now()
	var idle []*Conn
	for _, c := range p.table.snapshot() {
		if now.Sub(c.LastActivity()) > p.cfg.IdleTimeout {
			idle = append(idle, c)
			continue
		}
		cctx := logctx.WithConnData(ctx, &logctx.ConnData{ConnID: c.ID, State: StateBridging})
		res, err := p.sessions.UpdateSessionActivity(cctx, c.SessionID(), c.ClientIP, c.UserAgent, p.cfg.Path)
		if err != nil {
			p.log.WarnContext(cctx, "proxy.sweep.session.fail", slog.String("err", err.Error()))
			continue
		}
		if !res.Valid {
			p.revokeConns([]*Conn{c}, res.Reason, websocket.StatusPolicyViolation, CloseRevoked)
		}
	}
	if len(idle) > 0 {
		p.revokeConns(idle, CloseIdle, websocket.StatusGoingAway, CloseIdle)
		p.log.InfoContext(ctx, "proxy.sweep.idle", slog.Int("closed", len(idle)))
	}
}

// Shutdown stops accepting upgrades and closes every connection with
// StatusGoingAway, waiting for the close handshakes or ctx to end.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.closing.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range p.table.snapshot() {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				p.close(c, websocket.StatusGoingAway, CloseGoingAway)
			}(c)
		}
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
