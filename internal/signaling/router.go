package signaling

import (
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/consult-signal/internal/call"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
	"github.com/wilsonzlin/consult-signal/internal/registry"
	"github.com/wilsonzlin/consult-signal/internal/rooms"
)

// Outbox hands events to connections. Deliver must not block; it reports
// false when the connection is gone or cannot take more events.
type Outbox interface {
	Deliver(connectionID string, ev Event) bool
}

type RouteOutcome int

const (
	OutcomeDelivered RouteOutcome = iota
	OutcomeIgnored
	OutcomeNoRecipient
	OutcomeNoActiveCall
	OutcomeCallAlreadyInProgress
	OutcomeUnauthorizedSignal
	OutcomeMalformedMessage
	OutcomeRoomFull
	OutcomeUnknownConnection
	OutcomeNotJoined
	OutcomeOutOfSequence
	OutcomeTooManyRooms
)

func (o RouteOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeNoRecipient:
		return "no_recipient"
	case OutcomeNoActiveCall:
		return "no_active_call"
	case OutcomeCallAlreadyInProgress:
		return "call_already_in_progress"
	case OutcomeUnauthorizedSignal:
		return "unauthorized_signal"
	case OutcomeMalformedMessage:
		return "malformed_message"
	case OutcomeRoomFull:
		return "room_full"
	case OutcomeUnknownConnection:
		return "unknown_connection"
	case OutcomeNotJoined:
		return "not_joined"
	case OutcomeOutOfSequence:
		return "out_of_sequence"
	case OutcomeTooManyRooms:
		return "too_many_rooms"
	default:
		return "unknown"
	}
}

// Rejection codes sent to the sender in signal-rejected events.
const (
	CodeBusy          = "busy"
	CodeOffline       = "offline"
	CodeUnavailable   = "unavailable"
	CodeRoomFull      = "room_full"
	CodeBadMessage    = "bad_message"
	CodeUnauthorized  = "unauthorized"
	CodeNotJoined     = "not_joined"
	CodeOutOfSequence = "out_of_sequence"
	CodeTooManyRooms  = "too_many_rooms"
)

// rejection maps an outcome to the code and user-facing text reported back to
// the sender. Unauthorized signals are dropped without a reply.
func (o RouteOutcome) rejection() (code, text string) {
	switch o {
	case OutcomeNoRecipient:
		return CodeOffline, "recipient offline"
	case OutcomeNoActiveCall:
		return CodeUnavailable, "recipient unavailable"
	case OutcomeCallAlreadyInProgress:
		return CodeBusy, "a call is already in progress in this room"
	case OutcomeMalformedMessage:
		return CodeBadMessage, "message could not be understood"
	case OutcomeRoomFull:
		return CodeRoomFull, "room is full"
	case OutcomeUnknownConnection:
		return CodeUnauthorized, "connection is not registered"
	case OutcomeNotJoined:
		return CodeNotJoined, "join the room first"
	case OutcomeOutOfSequence:
		return CodeOutOfSequence, "call already answered"
	case OutcomeTooManyRooms:
		return CodeTooManyRooms, "too many rooms joined"
	default:
		return "", ""
	}
}

const roomLockStripes = 64

type RouterConfig struct {
	Registry *registry.Registry
	Rooms    *rooms.Directory
	Calls    *call.Table
	Outbox   Outbox

	// Observer defaults to a no-op.
	Observer CallObserver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// RingTimeout ends calls still ringing after this long. 0 disables it.
	RingTimeout time.Duration
}

// Router applies signals to room and call state and forwards them to exactly
// the resolved recipients.
//
// All mutations for one room happen under that room's stripe lock, so two
// racing calls for the same room cannot both start. Lock order is stripe,
// then the directory, then the registry. Delivery is a non-blocking enqueue
// and happens under the stripe lock, which keeps per-room event order.
type Router struct {
	reg     *registry.Registry
	dir     *rooms.Directory
	calls   *call.Table
	out     Outbox
	obs     CallObserver
	metrics *metrics.Metrics
	log     *slog.Logger

	seed  maphash.Seed
	locks [roomLockStripes]sync.Mutex

	ringTimeout time.Duration
	afterFunc   func(time.Duration, func()) (stop func() bool)
	ringMu      sync.Mutex
	rings       map[string]func() bool
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil || cfg.Rooms == nil || cfg.Calls == nil || cfg.Outbox == nil {
		return nil, errors.New("signaling: router requires registry, rooms, calls and outbox")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:         cfg.Registry,
		dir:         cfg.Rooms,
		calls:       cfg.Calls,
		out:         cfg.Outbox,
		obs:         obs,
		metrics:     cfg.Metrics,
		log:         logger,
		seed:        maphash.MakeSeed(),
		ringTimeout: cfg.RingTimeout,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		rings: make(map[string]func() bool),
	}, nil
}

func (r *Router) lockRoom(roomID string) (unlock func()) {
	mu := &r.locks[maphash.String(r.seed, roomID)%roomLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Route applies msg and reports what happened. Every outcome other than
// Delivered, Ignored and UnauthorizedSignal is reported back to the sender
// as a signal-rejected event.
func (r *Router) Route(msg SignalMessage) RouteOutcome {
	outcome, err := r.route(msg)
	r.metrics.Inc(metrics.RoutePrefix + outcome.String())

	switch outcome {
	case OutcomeDelivered, OutcomeIgnored:
		r.log.Debug("signal routed",
			"kind", msg.Kind.String(),
			"room_id", msg.RoomID,
			"conn_id", msg.From,
			"outcome", outcome.String(),
		)
	case OutcomeUnauthorizedSignal:
		r.metrics.Inc(metrics.DropReasonUnauthorized)
		r.log.Warn("dropping unauthorized signal",
			"kind", msg.Kind.String(),
			"room_id", msg.RoomID,
			"conn_id", msg.From,
			"err", err,
		)
	default:
		r.log.Info("signal rejected",
			"kind", msg.Kind.String(),
			"room_id", msg.RoomID,
			"conn_id", msg.From,
			"outcome", outcome.String(),
			"err", err,
		)
		r.reject(msg.From, msg.RoomID, outcome)
	}
	return outcome
}

// RejectMalformed reports a frame that could not be parsed into a signal.
func (r *Router) RejectMalformed(connectionID string, err error) {
	r.metrics.Inc(metrics.RoutePrefix + OutcomeMalformedMessage.String())
	r.metrics.Inc(metrics.DropReasonMalformed)
	r.log.Info("malformed signal", "conn_id", connectionID, "err", err)
	r.reject(connectionID, "", OutcomeMalformedMessage)
}

func (r *Router) reject(connectionID, roomID string, outcome RouteOutcome) {
	code, text := outcome.rejection()
	if code == "" {
		return
	}
	r.out.Deliver(connectionID, Event{
		Type:    EventSignalRejected,
		RoomID:  roomID,
		Code:    code,
		Message: text,
	})
}

func (r *Router) route(msg SignalMessage) (RouteOutcome, error) {
	if msg.From == "" {
		return OutcomeMalformedMessage, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	sender, ok := r.reg.Lookup(msg.From)
	if !ok {
		r.metrics.Inc(metrics.DropReasonUnknownSender)
		return OutcomeUnknownConnection, rooms.ErrUnknownConnection
	}

	switch msg.Kind {
	case KindJoin:
		if msg.RoomID == "" {
			return OutcomeMalformedMessage, fmt.Errorf("%w: join without room", ErrMalformedMessage)
		}
		return r.join(sender, msg)
	case KindLeave:
		if msg.RoomID == "" {
			return OutcomeMalformedMessage, fmt.Errorf("%w: leave without room", ErrMalformedMessage)
		}
		return r.leave(msg)
	case KindCall:
		if msg.RoomID == "" || !present(msg.Payload) {
			return OutcomeMalformedMessage, fmt.Errorf("%w: call needs room and offer", ErrMalformedMessage)
		}
		return r.call(sender, msg)
	case KindAnswer:
		if !present(msg.Payload) {
			return OutcomeMalformedMessage, fmt.Errorf("%w: answer without payload", ErrMalformedMessage)
		}
		return r.answer(msg)
	case KindCandidate:
		if !present(msg.Payload) {
			return OutcomeMalformedMessage, fmt.Errorf("%w: candidate without payload", ErrMalformedMessage)
		}
		return r.candidate(msg)
	case KindEnd:
		return r.end(msg)
	default:
		return OutcomeMalformedMessage, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, msg.Kind)
	}
}

func (r *Router) join(sender registry.Participant, msg SignalMessage) (RouteOutcome, error) {
	unlock := r.lockRoom(msg.RoomID)
	defer unlock()

	if msg.UserID != "" || msg.DisplayName != "" {
		p, err := r.reg.SetIdentity(msg.From, msg.UserID, msg.DisplayName)
		switch {
		case errors.Is(err, registry.ErrIdentityVerified):
			if (msg.UserID != "" && msg.UserID != p.UserID) || (msg.DisplayName != "" && msg.DisplayName != p.DisplayName) {
				r.log.Warn("ignoring identity supplied on join for verified connection",
					"conn_id", msg.From, "room_id", msg.RoomID, "user_id", p.UserID, "claimed_user_id", msg.UserID)
			}
		case err != nil:
			return OutcomeUnknownConnection, err
		}
		sender = p
	}

	joined, err := r.dir.Join(msg.RoomID, msg.From)
	switch {
	case errors.Is(err, rooms.ErrRoomFull):
		return OutcomeRoomFull, err
	case errors.Is(err, rooms.ErrTooManyRooms):
		return OutcomeTooManyRooms, err
	case err != nil:
		return OutcomeUnknownConnection, err
	}

	peers := r.peersOf(msg.RoomID, msg.From)
	r.out.Deliver(msg.From, Event{
		Type:         EventRoomJoined,
		RoomID:       msg.RoomID,
		ConnectionID: msg.From,
		Peers:        peers,
	})
	if !joined {
		return OutcomeIgnored, nil
	}
	for _, p := range peers {
		r.out.Deliver(p.ConnectionID, Event{
			Type:        EventPeerJoined,
			RoomID:      msg.RoomID,
			From:        msg.From,
			UserID:      sender.UserID,
			DisplayName: sender.DisplayName,
		})
	}
	return OutcomeDelivered, nil
}

func (r *Router) peersOf(roomID, self string) []Peer {
	var peers []Peer
	for _, id := range r.dir.MembersOf(roomID) {
		if id == self {
			continue
		}
		p, ok := r.reg.Lookup(id)
		if !ok {
			continue
		}
		peers = append(peers, Peer{ConnectionID: id, UserID: p.UserID, DisplayName: p.DisplayName})
	}
	return peers
}

func (r *Router) leave(msg SignalMessage) (RouteOutcome, error) {
	unlock := r.lockRoom(msg.RoomID)
	defer unlock()

	if !r.dir.IsMember(msg.RoomID, msg.From) {
		return OutcomeIgnored, nil
	}

	var callID string
	if a, ended, err := r.calls.Withdraw(msg.RoomID, msg.From, call.EndReasonLeft); err == nil && ended {
		r.callEnded(a)
		callID = a.ID
	}
	r.dir.Leave(msg.RoomID, msg.From)

	for _, id := range r.dir.MembersOf(msg.RoomID) {
		r.out.Deliver(id, Event{
			Type:   EventPeerLeft,
			RoomID: msg.RoomID,
			From:   msg.From,
			CallID: callID,
		})
	}
	r.out.Deliver(msg.From, Event{Type: EventRoomLeft, RoomID: msg.RoomID})
	return OutcomeDelivered, nil
}

func (r *Router) call(sender registry.Participant, msg SignalMessage) (RouteOutcome, error) {
	unlock := r.lockRoom(msg.RoomID)
	defer unlock()

	if !r.dir.IsMember(msg.RoomID, msg.From) {
		return OutcomeNotJoined, ErrNotJoined
	}
	recipients := without(r.dir.MembersOf(msg.RoomID), msg.From)
	if len(recipients) == 0 {
		return OutcomeNoRecipient, ErrNoRecipient
	}

	a, err := r.calls.Start(msg.RoomID, msg.From, recipients, msg.Payload)
	if err != nil {
		return OutcomeCallAlreadyInProgress, err
	}
	r.metrics.Inc(metrics.CallsStarted)
	r.obs.OnCallStarted(a)
	r.armRing(a)

	name := msg.CallerName
	if name == "" {
		name = sender.DisplayName
	}
	callerID := msg.CallerID
	if callerID == "" {
		callerID = sender.UserID
	}
	for _, id := range recipients {
		r.out.Deliver(id, Event{
			Type:     EventCallMade,
			RoomID:   msg.RoomID,
			From:     msg.From,
			Name:     name,
			CallerID: callerID,
			CallID:   a.ID,
			Offer:    msg.Payload,
		})
	}
	return OutcomeDelivered, nil
}

// resolveRoom picks the room an answer, candidate or end applies to. roomId
// may be omitted when the sender is in exactly one room.
func (r *Router) resolveRoom(msg SignalMessage) (string, RouteOutcome, error) {
	if msg.RoomID != "" {
		if !r.dir.IsMember(msg.RoomID, msg.From) {
			return "", OutcomeNotJoined, ErrNotJoined
		}
		return msg.RoomID, OutcomeDelivered, nil
	}
	joined := r.reg.Rooms(msg.From)
	switch len(joined) {
	case 0:
		return "", OutcomeNoActiveCall, call.ErrNoActiveCall
	case 1:
		return joined[0], OutcomeDelivered, nil
	default:
		return "", OutcomeMalformedMessage, fmt.Errorf("%w: roomId required when joined to %d rooms", ErrMalformedMessage, len(joined))
	}
}

func callOutcome(err error) RouteOutcome {
	switch {
	case errors.Is(err, call.ErrNoActiveCall), errors.Is(err, call.ErrCallEnded):
		return OutcomeNoActiveCall
	case errors.Is(err, call.ErrOutOfSequence):
		return OutcomeOutOfSequence
	case errors.Is(err, call.ErrCallAlreadyInProgress):
		return OutcomeCallAlreadyInProgress
	default:
		return OutcomeUnauthorizedSignal
	}
}

func (r *Router) answer(msg SignalMessage) (RouteOutcome, error) {
	roomID, outcome, err := r.resolveRoom(msg)
	if err != nil {
		return outcome, err
	}
	unlock := r.lockRoom(roomID)
	defer unlock()

	cur, ok := r.calls.Active(roomID)
	if !ok {
		return OutcomeNoActiveCall, call.ErrNoActiveCall
	}
	if msg.To != "" && cur.IsParty(msg.From) && msg.To != cur.CallerID {
		return OutcomeUnauthorizedSignal, fmt.Errorf("%w: answer addressed to %q, caller is %q", call.ErrUnauthorizedSignal, msg.To, cur.CallerID)
	}

	a, flushed, err := r.calls.Answer(roomID, msg.From)
	if err != nil {
		return callOutcome(err), err
	}
	r.cancelRing(a.ID)
	r.metrics.Inc(metrics.CallsConnected)
	r.obs.OnCallConnected(a)

	r.out.Deliver(a.CallerID, Event{
		Type:   EventAnswerMade,
		RoomID: roomID,
		From:   msg.From,
		CallID: a.ID,
		Answer: msg.Payload,
	})
	for _, c := range flushed {
		r.out.Deliver(a.CalleeID, Event{
			Type:      EventICECandidateReceived,
			RoomID:    roomID,
			From:      a.CallerID,
			CallID:    a.ID,
			Candidate: c,
		})
	}
	for _, id := range a.OfferedTo {
		if id == a.CalleeID {
			continue
		}
		r.out.Deliver(id, Event{
			Type:   EventCallEnded,
			RoomID: roomID,
			CallID: a.ID,
			Reason: "answered-elsewhere",
		})
	}
	return OutcomeDelivered, nil
}

func (r *Router) candidate(msg SignalMessage) (RouteOutcome, error) {
	roomID, outcome, err := r.resolveRoom(msg)
	if err != nil {
		return outcome, err
	}
	unlock := r.lockRoom(roomID)
	defer unlock()

	cur, ok := r.calls.Active(roomID)
	if !ok {
		return OutcomeNoActiveCall, call.ErrNoActiveCall
	}
	if msg.To != "" && cur.IsParty(msg.From) && !contains(cur.Counterparts(msg.From), msg.To) {
		return OutcomeUnauthorizedSignal, fmt.Errorf("%w: candidate addressed to %q", call.ErrUnauthorizedSignal, msg.To)
	}

	a, recipients, err := r.calls.Candidate(roomID, msg.From, msg.Payload)
	if err != nil {
		return callOutcome(err), err
	}
	for _, id := range recipients {
		r.out.Deliver(id, Event{
			Type:      EventICECandidateReceived,
			RoomID:    roomID,
			From:      msg.From,
			CallID:    a.ID,
			Candidate: msg.Payload,
		})
	}
	return OutcomeDelivered, nil
}

func (r *Router) end(msg SignalMessage) (RouteOutcome, error) {
	roomID, outcome, err := r.resolveRoom(msg)
	if err != nil {
		if outcome == OutcomeNoActiveCall {
			return OutcomeIgnored, nil
		}
		return outcome, err
	}
	unlock := r.lockRoom(roomID)
	defer unlock()

	cur, ok := r.calls.Active(roomID)
	if !ok {
		return OutcomeIgnored, nil
	}
	if !cur.IsParty(msg.From) {
		return OutcomeUnauthorizedSignal, call.ErrUnauthorizedSignal
	}
	if msg.To != "" && !contains(cur.Counterparts(msg.From), msg.To) {
		return OutcomeUnauthorizedSignal, fmt.Errorf("%w: end addressed to %q", call.ErrUnauthorizedSignal, msg.To)
	}

	reason := call.EndReasonHangup
	if cur.State == call.StateCalling && msg.From != cur.CallerID {
		reason = call.EndReasonDeclined
		if cur.CalleeID == "" {
			return r.decline(roomID, msg.From)
		}
	}
	a, err := r.calls.End(roomID, msg.From, reason)
	if err != nil {
		if errors.Is(err, call.ErrNoActiveCall) || errors.Is(err, call.ErrCallEnded) {
			return OutcomeIgnored, nil
		}
		return callOutcome(err), err
	}
	r.callEnded(a)
	for _, id := range without(parties(a), msg.From) {
		r.out.Deliver(id, Event{
			Type:   EventCallEnded,
			RoomID: roomID,
			From:   msg.From,
			CallID: a.ID,
			Reason: string(reason),
		})
	}
	return OutcomeDelivered, nil
}

// decline withdraws one recipient of an offer made to several members. The
// others keep ringing; the caller hears call-ended only when the last
// recipient declines.
func (r *Router) decline(roomID, from string) (RouteOutcome, error) {
	a, ended, err := r.calls.Withdraw(roomID, from, call.EndReasonDeclined)
	if err != nil {
		return callOutcome(err), err
	}
	if !ended {
		return OutcomeIgnored, nil
	}
	r.callEnded(a)
	r.out.Deliver(a.CallerID, Event{
		Type:   EventCallEnded,
		RoomID: roomID,
		From:   from,
		CallID: a.ID,
		Reason: string(call.EndReasonDeclined),
	})
	return OutcomeDelivered, nil
}

// callEnded runs the bookkeeping shared by every path that ends an attempt.
func (r *Router) callEnded(a call.Attempt) {
	r.cancelRing(a.ID)
	r.metrics.Inc(metrics.CallsEnded)
	r.obs.OnCallEnded(a)
}

func (r *Router) armRing(a call.Attempt) {
	if r.ringTimeout <= 0 {
		return
	}
	roomID, attemptID := a.RoomID, a.ID
	stop := r.afterFunc(r.ringTimeout, func() { r.expireRing(roomID, attemptID) })
	r.ringMu.Lock()
	r.rings[attemptID] = stop
	r.ringMu.Unlock()
}

func (r *Router) cancelRing(attemptID string) {
	r.ringMu.Lock()
	stop, ok := r.rings[attemptID]
	delete(r.rings, attemptID)
	r.ringMu.Unlock()
	if ok {
		stop()
	}
}

func (r *Router) expireRing(roomID, attemptID string) {
	unlock := r.lockRoom(roomID)
	defer unlock()

	r.ringMu.Lock()
	delete(r.rings, attemptID)
	r.ringMu.Unlock()

	a, ok := r.calls.Expire(roomID, attemptID)
	if !ok {
		return
	}
	r.metrics.Inc(metrics.RingTimeouts)
	r.callEnded(a)
	r.log.Info("call ring timeout", "room_id", roomID, "call_id", attemptID)
	for _, id := range parties(a) {
		r.out.Deliver(id, Event{
			Type:   EventCallEnded,
			RoomID: roomID,
			CallID: a.ID,
			Reason: string(call.EndReasonNoAnswer),
		})
	}
}

// Shutdown ends every active call and tells the parties why.
func (r *Router) Shutdown() {
	for _, a := range r.calls.EndAll(call.EndReasonShutdown) {
		r.callEnded(a)
		for _, id := range parties(a) {
			r.out.Deliver(id, Event{
				Type:   EventCallEnded,
				RoomID: a.RoomID,
				CallID: a.ID,
				Reason: string(call.EndReasonShutdown),
			})
		}
	}
}

// RoomPresence is the externally visible summary of a room. It deliberately
// carries no participant identities.
type RoomPresence struct {
	RoomID    string     `json:"roomId"`
	Members   int        `json:"members"`
	CallState call.State `json:"callState"`
}

func (r *Router) Presence(roomID string) RoomPresence {
	unlock := r.lockRoom(roomID)
	defer unlock()

	p := RoomPresence{
		RoomID:    roomID,
		Members:   len(r.dir.MembersOf(roomID)),
		CallState: call.StateIdle,
	}
	if a, ok := r.calls.Active(roomID); ok {
		p.CallState = a.State
	}
	return p
}

// parties lists everyone an attempt involves: the caller plus the callee,
// or every offer recipient while the callee is unresolved.
func parties(a call.Attempt) []string {
	out := []string{a.CallerID}
	if a.CalleeID != "" {
		return append(out, a.CalleeID)
	}
	return append(out, a.OfferedTo...)
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
