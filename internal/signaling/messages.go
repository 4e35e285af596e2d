package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/consult-signal/internal/auth"
)

// MessageType is the inbound wire "type".
type MessageType string

const (
	MessageTypeAuth      MessageType = "auth"
	MessageTypeJoin      MessageType = "join_room"
	MessageTypeLeave     MessageType = "leave_room"
	MessageTypeCall      MessageType = "call-user"
	MessageTypeAnswer    MessageType = "make-answer"
	MessageTypeCandidate MessageType = "ice-candidate"
	MessageTypeEnd       MessageType = "end-call"
)

// Kind is the closed set of routable signals. Auth is handled by the
// transport and never reaches the Router.
type Kind int

const (
	KindInvalid Kind = iota
	KindJoin
	KindLeave
	KindCall
	KindAnswer
	KindCandidate
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindCall:
		return "call"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	case KindEnd:
		return "end"
	default:
		return "invalid"
	}
}

var kindByType = map[MessageType]Kind{
	MessageTypeJoin:      KindJoin,
	MessageTypeLeave:     KindLeave,
	MessageTypeCall:      KindCall,
	MessageTypeAnswer:    KindAnswer,
	MessageTypeCandidate: KindCandidate,
	MessageTypeEnd:       KindEnd,
}

// SignalMessage is one routable signal. From is always the sending
// connection's ID as assigned by the transport; clients cannot set it.
//
// Payload is the offer, answer or candidate, passed through untouched.
type SignalMessage struct {
	Kind    Kind
	RoomID  string
	From    string
	To      string
	Payload json.RawMessage

	// CallerID and CallerName are the caller's self-description on
	// call-user, forwarded to the callee as-is.
	CallerID   string
	CallerName string

	// UserID and DisplayName are optional on join_room.
	UserID      string
	DisplayName string
}

// wireMessage is the union of every inbound field. Decoding rejects unknown
// fields; validate rejects fields that do not belong to the message's type.
type wireMessage struct {
	Type MessageType `json:"type"`

	RoomID       string `json:"roomId,omitempty"`
	TargetRoomID string `json:"targetRoomId,omitempty"`
	To           string `json:"to,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	CallerID    string `json:"callerId,omitempty"`
	CallerName  string `json:"callerName,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func decodeWireMessage(data []byte) (wireMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return wireMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return wireMessage{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformedMessage)
	}
	if err := msg.validate(); err != nil {
		return wireMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (m wireMessage) roomID() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.TargetRoomID
}

func (m wireMessage) validate() error {
	if m.RoomID != "" && m.TargetRoomID != "" && m.RoomID != m.TargetRoomID {
		return fmt.Errorf("roomId and targetRoomId disagree")
	}
	hasAuth := m.APIKey != "" || m.Token != ""
	hasIdentity := m.UserID != "" || m.DisplayName != ""
	hasCaller := m.CallerID != "" || m.CallerName != ""

	switch m.Type {
	case MessageTypeAuth:
		if !hasAuth {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.roomID() != "" || m.To != "" || present(m.Offer) || present(m.Answer) || present(m.Candidate) || hasIdentity || hasCaller {
			return fmt.Errorf("auth message has unexpected fields")
		}
		return nil
	case MessageTypeJoin, MessageTypeLeave:
		if m.roomID() == "" {
			return fmt.Errorf("%s missing roomId", m.Type)
		}
		if m.To != "" || present(m.Offer) || present(m.Answer) || present(m.Candidate) || hasCaller {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
		if m.Type == MessageTypeLeave && hasIdentity {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
		if m.UserID != "" && !auth.ValidUserID(m.UserID) {
			return fmt.Errorf("%s has invalid userId", m.Type)
		}
		if m.DisplayName != "" && !auth.ValidDisplayName(m.DisplayName) {
			return fmt.Errorf("%s has invalid displayName", m.Type)
		}
	case MessageTypeCall:
		if m.roomID() == "" {
			return fmt.Errorf("%s missing targetRoomId", m.Type)
		}
		if !present(m.Offer) {
			return fmt.Errorf("%s missing offer", m.Type)
		}
		if m.To != "" || present(m.Answer) || present(m.Candidate) || hasIdentity {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
	case MessageTypeAnswer:
		if !present(m.Answer) {
			return fmt.Errorf("%s missing answer", m.Type)
		}
		if present(m.Offer) || present(m.Candidate) || hasIdentity || hasCaller {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
	case MessageTypeCandidate:
		if !present(m.Candidate) {
			return fmt.Errorf("%s missing candidate", m.Type)
		}
		if present(m.Offer) || present(m.Answer) || hasIdentity || hasCaller {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
	case MessageTypeEnd:
		if present(m.Offer) || present(m.Answer) || present(m.Candidate) || hasIdentity || hasCaller {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if hasAuth {
		return fmt.Errorf("%s has unexpected fields", m.Type)
	}
	return nil
}

// signal converts a validated non-auth wire message into a SignalMessage
// from the given connection.
func (m wireMessage) signal(from string) SignalMessage {
	msg := SignalMessage{
		Kind:   kindByType[m.Type],
		RoomID: m.roomID(),
		From:   from,
		To:     m.To,
	}
	switch msg.Kind {
	case KindJoin:
		msg.UserID = m.UserID
		msg.DisplayName = m.DisplayName
	case KindCall:
		msg.Payload = m.Offer
		msg.CallerID = m.CallerID
		msg.CallerName = m.CallerName
	case KindAnswer:
		msg.Payload = m.Answer
	case KindCandidate:
		msg.Payload = m.Candidate
	}
	return msg
}

// ParseMessage decodes one inbound frame from connection from. Auth frames
// are rejected here; the transport consumes them before routing.
func ParseMessage(from string, data []byte) (SignalMessage, error) {
	m, err := decodeWireMessage(data)
	if err != nil {
		return SignalMessage{}, err
	}
	if m.Type == MessageTypeAuth {
		return SignalMessage{}, fmt.Errorf("%w: unexpected auth message", ErrMalformedMessage)
	}
	return m.signal(from), nil
}

// EventType is the outbound wire "type".
type EventType string

const (
	EventConnected            EventType = "connected"
	EventRoomJoined           EventType = "room-joined"
	EventRoomLeft             EventType = "room-left"
	EventPeerJoined           EventType = "peer-joined"
	EventCallMade             EventType = "call-made"
	EventAnswerMade           EventType = "answer-made"
	EventICECandidateReceived EventType = "ice-candidate-received"
	EventCallEnded            EventType = "call-ended"
	EventPeerLeft             EventType = "peer-left"
	EventPeerDisconnected     EventType = "peer-disconnected"
	EventSignalRejected       EventType = "signal-rejected"
)

// Peer describes another room member.
type Peer struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
}

type Event struct {
	Type EventType `json:"type"`

	ConnectionID string `json:"connectionId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	From         string `json:"from,omitempty"`
	Name         string `json:"name,omitempty"`
	CallerID     string `json:"callerId,omitempty"`
	CallID       string `json:"callId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Peers       []Peer `json:"peers,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// encodeEvent marshals ev without HTML escaping so SDP text keeps its
// characters.
func encodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
