package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/consult-signal/internal/auth"
	"github.com/wilsonzlin/consult-signal/internal/call"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
	"github.com/wilsonzlin/consult-signal/internal/ratelimit"
	"github.com/wilsonzlin/consult-signal/internal/registry"
	"github.com/wilsonzlin/consult-signal/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero values fall back to the defaults in internal/config.
type Config struct {
	// Authorizer defaults to AllowAllAuthorizer.
	Authorizer Authorizer

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int
	// MaxConnections caps concurrent connections, including ones still
	// authenticating. <= 0 is unlimited.
	MaxConnections int

	// MaxRoomMembers: 0 means rooms.DefaultMaxMembers, < 0 means unlimited.
	MaxRoomMembers        int
	MaxRoomsPerConnection int
	RingTimeout           time.Duration

	Observer CallObserver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Clock drives per-connection rate limiting. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// Server implements the signaling surface.
//
// Endpoints:
//   - GET /signal          : WebSocket signaling
//   - GET /rooms/{roomID}  : room presence (member count and call state)
type Server struct {
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	authorizer Authorizer
	upgrader   websocket.Upgrader
	newID      func() string

	reg    *registry.Registry
	dir    *rooms.Directory
	calls  *call.Table
	router *Router

	active atomic.Int64

	mu     sync.RWMutex
	conns  map[string]*wsConn
	closed bool
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authz := cfg.Authorizer
	if authz == nil {
		authz = AllowAllAuthorizer{}
	}
	maxMembers := cfg.MaxRoomMembers
	switch {
	case maxMembers == 0:
		maxMembers = rooms.DefaultMaxMembers
	case maxMembers < 0:
		maxMembers = 0
	}

	s := &Server{
		cfg:        cfg,
		log:        logger,
		metrics:    cfg.Metrics,
		authorizer: authz,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin policy. For
			// unit tests that don't use httpserver.Server, accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: uuid.NewString,
		reg:   registry.New(),
		calls: call.NewTable(),
		conns: make(map[string]*wsConn),
	}
	s.dir = rooms.NewDirectory(s.reg, rooms.Config{
		MaxMembers:            maxMembers,
		MaxRoomsPerConnection: cfg.MaxRoomsPerConnection,
	})

	router, err := NewRouter(RouterConfig{
		Registry:    s.reg,
		Rooms:       s.dir,
		Calls:       s.calls,
		Outbox:      s,
		Observer:    cfg.Observer,
		Metrics:     cfg.Metrics,
		Logger:      logger,
		RingTimeout: cfg.RingTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// HandleFuncer is satisfied by *http.ServeMux and by wrappers that add
// middleware to each registered handler.
type HandleFuncer interface {
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

func (s *Server) RegisterRoutes(mux HandleFuncer) {
	mux.HandleFunc("GET /signal", s.handleWebSocketSignal)
	mux.HandleFunc("GET /rooms/{roomID}", s.handleRoomPresence)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Deliver implements Outbox.
func (s *Server) Deliver(connectionID string, ev Event) bool {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	b, err := encodeEvent(ev)
	if err != nil {
		s.log.Error("failed to encode event", "type", ev.Type, "conn_id", connectionID, "err", err)
		return false
	}
	return c.enqueue(b)
}

// Close ends all calls, then closes every connection with a going-away
// close frame. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.router.Shutdown()

	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// ConnectionCount reports registered (authenticated) connections.
func (s *Server) ConnectionCount() int {
	return s.reg.Len()
}

// Gauges reads live signaling state for the metrics endpoint.
func (s *Server) Gauges() []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "connections", Help: "Authenticated signaling connections.", Value: func() int64 { return int64(s.reg.Len()) }},
		{Name: "rooms", Help: "Rooms with at least one member.", Value: func() int64 { return int64(s.dir.Len()) }},
		{Name: "active_calls", Help: "Calls ringing or connected.", Value: func() int64 { return int64(s.calls.Len()) }},
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) signalingAuthTimeout() time.Duration {
	if s.cfg.SignalingAuthTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.SignalingAuthTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 || s.cfg.SignalingWSPingInterval >= s.idleTimeout() {
		return s.idleTimeout() / 3
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueLength() int {
	if s.cfg.SendQueueLength <= 0 {
		return 256
	}
	return s.cfg.SendQueueLength
}

func (s *Server) clock() ratelimit.Clock {
	if s.cfg.Clock == nil {
		return ratelimit.RealClock{}
	}
	return s.cfg.Clock
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	n := s.active.Add(1)
	defer s.active.Add(-1)
	if limit := s.cfg.MaxConnections; limit > 0 && n > int64(limit) {
		s.metrics.Inc(metrics.ConnectionsDenied)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:    s,
		ws:     conn,
		req:    r,
		send:   make(chan []byte, s.sendQueueLength()),
		done:   make(chan struct{}),
		budget: newSignalBudget(s.clock(), s.maxSignalingMessagesPerSecond()),
	}
	c.run()
}

func (s *Server) handleRoomPresence(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizer.Authorize(r, nil); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		if auth.IsCredentialError(err) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "authorization failed"})
		return
	}
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing room id"})
		return
	}
	writeJSON(w, http.StatusOK, s.router.Presence(roomID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
