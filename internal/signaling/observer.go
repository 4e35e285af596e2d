package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/consult-signal/internal/call"
)

// CallObserver receives call lifecycle transitions, e.g. to persist call
// history. Methods run while the room is locked and must not block.
type CallObserver interface {
	OnCallStarted(a call.Attempt)
	OnCallConnected(a call.Attempt)
	OnCallEnded(a call.Attempt)
}

// LogObserver writes one structured record per transition.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogObserver) OnCallStarted(a call.Attempt) {
	o.logger().Info("call started",
		"room_id", a.RoomID,
		"call_id", a.ID,
		"caller_id", a.CallerID,
		"offered_to", len(a.OfferedTo),
	)
}

func (o LogObserver) OnCallConnected(a call.Attempt) {
	o.logger().Info("call connected",
		"room_id", a.RoomID,
		"call_id", a.ID,
		"caller_id", a.CallerID,
		"callee_id", a.CalleeID,
		"ring_ms", a.ConnectedAt.Sub(a.CreatedAt).Milliseconds(),
	)
}

func (o LogObserver) OnCallEnded(a call.Attempt) {
	attrs := []any{
		"room_id", a.RoomID,
		"call_id", a.ID,
		"reason", string(a.EndReason),
		"ended_by", a.EndedBy,
	}
	if !a.ConnectedAt.IsZero() {
		attrs = append(attrs, "duration_ms", a.EndedAt.Sub(a.ConnectedAt).Milliseconds())
	}
	o.logger().Info("call ended", attrs...)
}

type nopObserver struct{}

func (nopObserver) OnCallStarted(call.Attempt)   {}
func (nopObserver) OnCallConnected(call.Attempt) {}
func (nopObserver) OnCallEnded(call.Attempt)     {}
