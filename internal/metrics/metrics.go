package metrics

import "sync"

// Event names. Route outcomes are counted as RoutePrefix + outcome name
// (e.g. "route_delivered").
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	ConnectionsDenied = "connections_denied"
	AuthFailure       = "auth_failure"

	DropReasonRateLimited   = "rate_limited"
	DropReasonSendOverflow  = "send_queue_overflow"
	DropReasonMalformed     = "malformed_message"
	DropReasonUnauthorized  = "unauthorized_signal"
	DropReasonUnknownSender = "unknown_sender"

	CallsStarted   = "calls_started"
	CallsConnected = "calls_connected"
	CallsEnded     = "calls_ended"
	RingTimeouts   = "ring_timeouts"

	PeerDisconnectedSent = "peer_disconnected_sent"

	RoutePrefix = "route_"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards everything, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
