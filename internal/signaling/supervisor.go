package signaling

import (
	"github.com/wilsonzlin/consult-signal/internal/call"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
)

// OnDisconnect tears down everything connectionID owned. The transport calls
// it synchronously when the connection closes, after its read loop has
// stopped. Repeated calls for the same connection are no-ops.
//
// Each affected room receives exactly one peer-disconnected per remaining
// member that was party to the room's call, or per remaining member when the
// room had no call involving the connection.
func (r *Router) OnDisconnect(connectionID string) {
	for _, roomID := range r.reg.Unregister(connectionID) {
		r.disconnectFromRoom(roomID, connectionID)
	}
}

func (r *Router) disconnectFromRoom(roomID, connectionID string) {
	unlock := r.lockRoom(roomID)
	defer unlock()

	a, ended, err := r.calls.Withdraw(roomID, connectionID, call.EndReasonDisconnect)
	r.dir.Leave(roomID, connectionID)
	remaining := r.dir.MembersOf(roomID)

	var recipients []string
	var callID string
	switch {
	case err == nil && ended:
		r.callEnded(a)
		callID = a.ID
		recipients = intersect(without(parties(a), connectionID), remaining)
	case err == nil:
		// An unanswered offer recipient dropped; the call keeps ringing for
		// the others, so only the caller hears about it.
		callID = a.ID
		recipients = intersect([]string{a.CallerID}, remaining)
	default:
		recipients = remaining
	}

	for _, id := range recipients {
		r.out.Deliver(id, Event{
			Type:   EventPeerDisconnected,
			RoomID: roomID,
			From:   connectionID,
			CallID: callID,
		})
		r.metrics.Inc(metrics.PeerDisconnectedSent)
	}
	r.log.Info("participant disconnected from room",
		"room_id", roomID,
		"conn_id", connectionID,
		"call_ended", ended,
		"notified", len(recipients),
	)
}

func intersect(ids, set []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if contains(set, id) {
			out = append(out, id)
		}
	}
	return out
}
