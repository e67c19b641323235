package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Close reasons reported in metrics and logs.
const (
	CloseClientClosed  = "client_closed"
	CloseBackendClosed = "backend_closed"
	CloseBackendError  = "backend_error"
	CloseIdle          = "idle_timeout"
	CloseRevoked       = "revoked"
	CloseRateLimited   = "rate_limited"
	CloseGoingAway     = "going_away"
)

const copyBufferSize = 32 << 10

// Conn is one bridged client connection. Identity fields are immutable once
// the connection is registered, except the session id which follows
// rotations of the session it was opened on.
type Conn struct {
	ID          string
	PrincipalID string
	ClientIP    string
	UserAgent   string
	CreatedAt   time.Time

	ws      *websocket.Conn
	backend net.Conn

	sessionID    atomic.Pointer[string]
	lastActivity atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64

	// ctx scopes websocket reads; canceling it unblocks the client loop.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
}

// SessionID is the current id of the session the connection belongs to.
func (c *Conn) SessionID() string {
	if id := c.sessionID.Load(); id != nil {
		return *id
	}
	return ""
}

func (c *Conn) setSessionID(id string) { c.sessionID.Store(&id) }

// LastActivity is the time of the last byte forwarded in either direction.
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// BytesIn counts bytes forwarded from the client to the backend.
func (c *Conn) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut counts bytes forwarded from the backend to the client.
func (c *Conn) BytesOut() int64 { return c.bytesOut.Load() }

// Notice is the structured message sent to a client before the proxy closes
// its connection for a policy reason.
type Notice struct {
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// notify writes a notice with a short deadline. Failures are ignored; the
// connection is about to close anyway.
func (c *Conn) notify(n Notice, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), timeout)
	defer cancel()
	_ = wsjson.Write(ctx, c.ws, n)
}

// teardown closes both legs exactly once. The backend socket is closed
// first since closing it is what stops the backend loop.
func (c *Conn) teardown(status websocket.StatusCode, reason string, onClose func(*Conn, string)) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		_ = c.backend.Close()
		_ = c.ws.Close(status, reason)
		c.cancel()
		onClose(c, reason)
		close(c.done)
	})
}

// backendStatus maps a backend read error to a close status and reason.
func backendStatus(err error) (websocket.StatusCode, string) {
	if errors.Is(err, io.EOF) {
		return websocket.StatusNormalClosure, CloseBackendClosed
	}
	return websocket.StatusInternalError, CloseBackendError
}
