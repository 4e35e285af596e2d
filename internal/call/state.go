// Package call tracks per-room call attempts: one offer/answer negotiation
// cycle between a caller and a callee.
//
// The server only distinguishes Calling, Connected and Ended. "Incoming" is
// what the callee's UI shows after receiving an offer; it has no server-side
// state of its own.
package call

import (
	"encoding/json"
	"errors"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateCalling
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type EndReason string

const (
	EndReasonHangup     EndReason = "hangup"
	EndReasonDeclined   EndReason = "declined"
	EndReasonLeft       EndReason = "left"
	EndReasonDisconnect EndReason = "disconnect"
	EndReasonNoAnswer   EndReason = "no-answer"
	EndReasonShutdown   EndReason = "shutdown"
)

var (
	ErrCallAlreadyInProgress = errors.New("call already in progress")
	ErrUnauthorizedSignal    = errors.New("unauthorized signal")
	ErrNoActiveCall          = errors.New("no active call")
	ErrOutOfSequence         = errors.New("signal out of sequence")
	ErrCallEnded             = errors.New("call ended")
)

// maxPendingCandidates bounds caller candidates buffered while the callee is
// still unresolved.
const maxPendingCandidates = 64

// Attempt is one negotiation cycle in a room.
type Attempt struct {
	ID       string
	RoomID   string
	CallerID string
	// CalleeID is empty until the callee is known: either the only other room
	// member at call time, or whichever offer recipient answers first.
	CalleeID  string
	OfferedTo []string
	Offer     json.RawMessage
	State     State

	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   EndReason
	EndedBy     string

	pending []json.RawMessage
}

func (a *Attempt) offeredTo(id string) bool {
	for _, o := range a.OfferedTo {
		if o == id {
			return true
		}
	}
	return false
}

// IsParty reports whether id may act on this attempt: the caller, the
// resolved callee, or (before resolution) any offer recipient.
func (a *Attempt) IsParty(id string) bool {
	if id == "" {
		return false
	}
	if id == a.CallerID {
		return true
	}
	if a.CalleeID != "" {
		return id == a.CalleeID
	}
	return a.offeredTo(id)
}

// Counterparts returns who should receive a signal sent by from.
func (a *Attempt) Counterparts(from string) []string {
	switch {
	case from == a.CallerID:
		if a.CalleeID != "" {
			return []string{a.CalleeID}
		}
		return append([]string(nil), a.OfferedTo...)
	case a.IsParty(from):
		return []string{a.CallerID}
	default:
		return nil
	}
}

func (a *Attempt) answer(from string, now time.Time) error {
	switch a.State {
	case StateEnded:
		return ErrCallEnded
	case StateCalling:
	default:
		if a.IsParty(from) && from != a.CallerID {
			return ErrOutOfSequence
		}
		return ErrUnauthorizedSignal
	}
	if from == a.CallerID || !a.IsParty(from) {
		return ErrUnauthorizedSignal
	}
	a.CalleeID = from
	a.State = StateConnected
	a.ConnectedAt = now
	return nil
}

func (a *Attempt) end(by string, reason EndReason, now time.Time) error {
	if a.State == StateEnded {
		return ErrCallEnded
	}
	a.State = StateEnded
	a.EndedAt = now
	a.EndReason = reason
	a.EndedBy = by
	a.pending = nil
	return nil
}

// snapshot copies the attempt for use outside the table lock.
func (a *Attempt) snapshot() Attempt {
	out := *a
	out.OfferedTo = append([]string(nil), a.OfferedTo...)
	out.pending = nil
	return out
}
