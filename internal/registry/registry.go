// Package registry tracks live signaling connections: who is behind each
// transport connection and which rooms that connection has joined.
//
// The registry is pure in-memory state. Lookups take a read lock only, so
// resolving a participant never waits on room-scoped work elsewhere.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrIdentityVerified    = errors.New("identity verified by credential")
)

// Participant is a connected client instance. It lives exactly as long as its
// transport connection and is never persisted.
type Participant struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	ConnectedAt  time.Time
	// Verified is set when UserID and DisplayName came from a checked
	// credential. A verified identity never changes for the connection's
	// lifetime.
	Verified bool
}

type entry struct {
	p     Participant
	rooms map[string]struct{}
}

type Registry struct {
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*entry
}

func New() *Registry {
	return &Registry{
		now:   time.Now,
		conns: make(map[string]*entry),
	}
}

// Register records a new participant for connectionID. The identity is
// provisional: a later join may supply it through SetIdentity.
func (r *Registry) Register(connectionID, userID, displayName string) (Participant, error) {
	return r.register(connectionID, userID, displayName, false)
}

// RegisterVerified records a participant whose identity was taken from a
// verified credential, e.g. JWT sub/name claims.
func (r *Registry) RegisterVerified(connectionID, userID, displayName string) (Participant, error) {
	return r.register(connectionID, userID, displayName, true)
}

func (r *Registry) register(connectionID, userID, displayName string, verified bool) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; ok {
		return Participant{}, ErrDuplicateConnection
	}
	p := Participant{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		ConnectedAt:  r.now(),
		Verified:     verified,
	}
	r.conns[connectionID] = &entry{p: p, rooms: make(map[string]struct{})}
	return p, nil
}

// Unregister removes the participant and returns the rooms it had joined, in
// sorted order. Unregistering an absent connection returns nil; transports
// may report the same close more than once.
func (r *Registry) Unregister(connectionID string) []string {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sortedKeys(e.rooms)
}

// Lookup never fails: a message racing its sender's disconnect simply sees
// ok=false.
func (r *Registry) Lookup(connectionID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return Participant{}, false
	}
	return e.p, true
}

// SetIdentity fills in the user identity for a connection whose transport did
// not authenticate one. Empty values leave the existing field unchanged. A
// verified identity is left untouched and ErrIdentityVerified is returned.
func (r *Registry) SetIdentity(connectionID, userID, displayName string) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return Participant{}, ErrUnknownConnection
	}
	if e.p.Verified {
		return e.p, ErrIdentityVerified
	}
	if userID != "" {
		e.p.UserID = userID
	}
	if displayName != "" {
		e.p.DisplayName = displayName
	}
	return e.p, nil
}

// Rooms returns the rooms connectionID is currently a member of.
func (r *Registry) Rooms(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	return sortedKeys(e.rooms)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AttachRoom records room membership on the connection side. It fails when the
// connection is no longer registered so a join can never resurrect a departed
// participant. maxRooms <= 0 disables the per-connection cap; capped reports
// whether the cap rejected the attach.
func (r *Registry) AttachRoom(connectionID, roomID string, maxRooms int) (ok bool, capped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[connectionID]
	if !found {
		return false, false
	}
	if _, already := e.rooms[roomID]; already {
		return true, false
	}
	if maxRooms > 0 && len(e.rooms) >= maxRooms {
		return false, true
	}
	e.rooms[roomID] = struct{}{}
	return true, false
}

func (r *Registry) DetachRoom(connectionID, roomID string) {
	r.mu.Lock()
	if e, ok := r.conns[connectionID]; ok {
		delete(e.rooms, roomID)
	}
	r.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
