package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Table holds at most one non-ended Attempt per room. Ended attempts are
// dropped immediately; a later signal for the room sees ErrNoActiveCall.
type Table struct {
	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	active map[string]*Attempt
}

func NewTable() *Table {
	return &Table{
		now:    time.Now,
		newID:  uuid.NewString,
		active: make(map[string]*Attempt),
	}
}

// Start moves roomID from Idle to Calling. offeredTo must already exclude the
// caller.
func (t *Table) Start(roomID, callerID string, offeredTo []string, offer json.RawMessage) (Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.active[roomID]; busy {
		return Attempt{}, ErrCallAlreadyInProgress
	}

	a := &Attempt{
		ID:        t.newID(),
		RoomID:    roomID,
		CallerID:  callerID,
		OfferedTo: append([]string(nil), offeredTo...),
		Offer:     offer,
		State:     StateCalling,
		CreatedAt: t.now(),
	}
	if len(offeredTo) == 1 {
		a.CalleeID = offeredTo[0]
	}
	t.active[roomID] = a
	return a.snapshot(), nil
}

// Active returns the room's current attempt, if any.
func (t *Table) Active(roomID string) (Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[roomID]
	if !ok {
		return Attempt{}, false
	}
	return a.snapshot(), true
}

// Answer moves the room's attempt from Calling to Connected. It returns any
// caller candidates that were held back while the callee was unresolved;
// they must be delivered to the callee after the answer itself.
func (t *Table) Answer(roomID, from string) (Attempt, []json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[roomID]
	if !ok {
		return Attempt{}, nil, ErrNoActiveCall
	}
	if err := a.answer(from, t.now()); err != nil {
		return a.snapshot(), nil, err
	}
	flushed := a.pending
	a.pending = nil
	return a.snapshot(), flushed, nil
}

// Candidate resolves where a candidate from from should go. A nil recipient
// list with a nil error means the candidate was buffered.
func (t *Table) Candidate(roomID, from string, payload json.RawMessage) (Attempt, []string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[roomID]
	if !ok {
		return Attempt{}, nil, ErrNoActiveCall
	}
	if !a.IsParty(from) {
		return a.snapshot(), nil, ErrUnauthorizedSignal
	}
	if from == a.CallerID && a.CalleeID == "" {
		if len(a.pending) < maxPendingCandidates {
			a.pending = append(a.pending, payload)
		}
		return a.snapshot(), nil, nil
	}
	return a.snapshot(), a.Counterparts(from), nil
}

// End moves the room's attempt to Ended. by is the connection that caused the
// end; an empty by means the server ended it (timeouts, shutdown). A second
// End for the same room reports ErrNoActiveCall, so callers only ever act on
// the first transition.
func (t *Table) End(roomID, by string, reason EndReason) (Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[roomID]
	if !ok {
		return Attempt{}, ErrNoActiveCall
	}
	if by != "" && !a.IsParty(by) {
		return a.snapshot(), ErrUnauthorizedSignal
	}
	if err := a.end(by, reason, t.now()); err != nil {
		return a.snapshot(), err
	}
	delete(t.active, roomID)
	return a.snapshot(), nil
}

// Withdraw removes connectionID from the room's attempt because it left or
// disconnected. The caller or the resolved callee leaving ends the attempt.
// An unresolved offer recipient leaving only shrinks OfferedTo, and ends the
// attempt once nobody is left to answer. ended reports which of the two
// happened; ErrUnauthorizedSignal means connectionID was never a party.
func (t *Table) Withdraw(roomID, connectionID string, reason EndReason) (a Attempt, ended bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.active[roomID]
	if !ok {
		return Attempt{}, false, ErrNoActiveCall
	}
	if !cur.IsParty(connectionID) {
		return cur.snapshot(), false, ErrUnauthorizedSignal
	}

	if connectionID != cur.CallerID && cur.CalleeID == "" {
		kept := cur.OfferedTo[:0]
		for _, id := range cur.OfferedTo {
			if id != connectionID {
				kept = append(kept, id)
			}
		}
		cur.OfferedTo = kept
		if len(kept) > 0 {
			return cur.snapshot(), false, nil
		}
	}

	_ = cur.end(connectionID, reason, t.now())
	delete(t.active, roomID)
	return cur.snapshot(), true, nil
}

// Expire ends attemptID with EndReasonNoAnswer if it is still ringing.
func (t *Table) Expire(roomID, attemptID string) (Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[roomID]
	if !ok || a.ID != attemptID || a.State != StateCalling {
		return Attempt{}, false
	}
	_ = a.end("", EndReasonNoAnswer, t.now())
	delete(t.active, roomID)
	return a.snapshot(), true
}

// EndAll ends every active attempt, e.g. on shutdown.
func (t *Table) EndAll(reason EndReason) []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Attempt, 0, len(t.active))
	for roomID, a := range t.active {
		_ = a.end("", reason, t.now())
		delete(t.active, roomID)
		out = append(out, a.snapshot())
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
