package signaling

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/consult-signal/internal/auth"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling WebSocket. The read loop (run) feeds the Router in
// arrival order; all data frames are written by writePump.
type wsConn struct {
	srv    *Server
	ws     *websocket.Conn
	req    *http.Request
	id     string
	budget signalBudget

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

func (c *wsConn) run() {
	defer c.ws.Close()

	identity, ok := c.authenticate()
	if !ok {
		return
	}

	c.id = c.srv.newID()
	register := c.srv.reg.Register
	if identity.Verified() {
		register = c.srv.reg.RegisterVerified
	}
	if _, err := register(c.id, identity.UserID, identity.DisplayName); err != nil {
		c.srv.log.Error("failed to register signaling connection", "conn_id", c.id, "err", err)
		writeClose(c.ws, websocket.CloseInternalServerErr, "registration failed")
		return
	}
	if !c.srv.track(c) {
		c.srv.reg.Unregister(c.id)
		writeClose(c.ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.srv.metrics.Inc(metrics.ConnectionsOpened)
	c.srv.log.Info("signaling connection opened",
		"conn_id", c.id,
		"user_id", identity.UserID,
		"origin", normalizedOriginFromRequest(c.req),
		"remote_addr", c.req.RemoteAddr,
	)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	c.srv.Deliver(c.id, Event{
		Type:         EventConnected,
		ConnectionID: c.id,
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
	})

	c.readLoop()

	c.srv.router.OnDisconnect(c.id)
	c.srv.untrack(c.id)
	c.closeWith(websocket.CloseNormalClosure, "")
	<-pumpDone

	c.srv.metrics.Inc(metrics.ConnectionsClosed)
	c.srv.log.Info("signaling connection closed", "conn_id", c.id, "close_code", c.closeCode, "close_reason", c.closeText)
}

// authenticate accepts credentials from the upgrade request, or else waits
// for a first {type:"auth"} message.
func (c *wsConn) authenticate() (auth.Identity, bool) {
	identity, err := c.srv.authorizer.Authorize(c.req, nil)
	if err == nil {
		return identity, true
	}
	if !errors.Is(err, auth.ErrMissingCredentials) {
		c.srv.metrics.Inc(metrics.AuthFailure)
		if auth.IsCredentialError(err) {
			writeClose(c.ws, websocket.ClosePolicyViolation, "invalid credentials")
		} else {
			writeClose(c.ws, websocket.CloseInternalServerErr, "invalid auth configuration")
		}
		return auth.Identity{}, false
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.signalingAuthTimeout()))
	msgType, data, err := c.readFrame()
	if err != nil {
		switch {
		case errors.Is(err, errMessageTooLarge):
			writeClose(c.ws, websocket.CloseMessageTooBig, "message too large")
		case isTimeout(err):
			c.srv.metrics.Inc(metrics.AuthFailure)
			writeClose(c.ws, websocket.ClosePolicyViolation, "authentication timeout")
		}
		return auth.Identity{}, false
	}
	if msgType != websocket.TextMessage {
		writeClose(c.ws, websocket.CloseUnsupportedData, "expected text message")
		return auth.Identity{}, false
	}

	m, err := decodeWireMessage(data)
	if err != nil || m.Type != MessageTypeAuth {
		c.srv.metrics.Inc(metrics.AuthFailure)
		writeClose(c.ws, websocket.ClosePolicyViolation, "authentication required")
		return auth.Identity{}, false
	}
	identity, err = c.srv.authorizer.Authorize(c.req, &auth.Credentials{APIKey: strings.TrimSpace(m.APIKey), Token: strings.TrimSpace(m.Token)})
	if err != nil {
		c.srv.metrics.Inc(metrics.AuthFailure)
		writeClose(c.ws, websocket.ClosePolicyViolation, "invalid credentials")
		return auth.Identity{}, false
	}
	return identity, true
}

func (c *wsConn) readLoop() {
	idle := c.srv.idleTimeout()
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.readFrame()
		if err != nil {
			switch {
			case errors.Is(err, errMessageTooLarge):
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		var m *wireMessage
		decodeErr := fmt.Errorf("%w: expected text frame", ErrMalformedMessage)
		if msgType == websocket.TextMessage {
			var decoded wireMessage
			if decoded, decodeErr = decodeWireMessage(data); decodeErr == nil {
				m = &decoded
			}
		}
		if !c.budget.charge(m) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.srv.log.Warn("signaling rate limit exceeded", "conn_id", c.id, "remaining", c.budget.bucket.Available())
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if m == nil {
			c.srv.router.RejectMalformed(c.id, decodeErr)
			continue
		}
		if m.Type == MessageTypeAuth {
			// Already authenticated; a repeated auth message changes nothing.
			continue
		}
		c.srv.router.Route(m.signal(c.id))
	}
}

func (c *wsConn) readFrame() (int, []byte, error) {
	msgType, r, err := c.ws.NextReader()
	if err != nil {
		return 0, nil, err
	}
	b, err := readLimited(r, c.srv.maxSignalingMessageBytes())
	if err != nil {
		return 0, nil, err
	}
	return msgType, b, nil
}

// enqueue never blocks. A full queue means the peer stopped reading; the
// connection is closed rather than letting it stall room-wide delivery.
func (c *wsConn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.srv.metrics.Inc(metrics.DropReasonSendOverflow)
		c.srv.log.Warn("closing slow signaling connection", "conn_id", c.id, "queue", cap(c.send))
		c.closeWith(websocket.CloseTryAgainLater, "send queue overflow")
		return false
	}
}

func (c *wsConn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer ticker.Stop()
	// Closing the socket unblocks the read loop.
	defer c.ws.Close()

	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			if c.closeCode == websocket.CloseGoingAway {
				c.flush()
			}
			writeClose(c.ws, c.closeCode, c.closeText)
			return
		}
	}
}

// flush writes whatever is already queued, e.g. call-ended events sent
// during shutdown.
func (c *wsConn) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
