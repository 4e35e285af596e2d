// Package rooms maps consultation room IDs to the connections currently joined
// to them.
//
// Rooms are keyed by the caller-supplied room ID (the patient's identity in
// practice) rather than by a participant pair; which clinician ends up talking
// to the patient is decided at call time.
package rooms

import (
	"errors"
	"sort"
	"sync"

	"github.com/wilsonzlin/consult-signal/internal/registry"
)

var (
	ErrUnknownConnection = registry.ErrUnknownConnection
	ErrRoomFull          = errors.New("room full")
	ErrTooManyRooms      = errors.New("too many rooms for connection")
)

// DefaultMaxMembers is the 1:1 consultation cap.
const DefaultMaxMembers = 2

type Config struct {
	// MaxMembers caps room membership. <= 0 means unlimited.
	MaxMembers int
	// MaxRoomsPerConnection caps how many rooms one connection may join.
	// <= 0 means unlimited.
	MaxRoomsPerConnection int
}

type Directory struct {
	reg *registry.Registry
	cfg Config

	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewDirectory(reg *registry.Registry, cfg Config) *Directory {
	return &Directory{
		reg:   reg,
		cfg:   cfg,
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join adds connectionID to roomID. Joining a room twice is not an error;
// joined reports whether membership actually changed.
func (d *Directory) Join(roomID, connectionID string) (joined bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.rooms[roomID]
	if _, ok := members[connectionID]; ok {
		return false, nil
	}
	if d.cfg.MaxMembers > 0 && len(members) >= d.cfg.MaxMembers {
		return false, ErrRoomFull
	}

	ok, capped := d.reg.AttachRoom(connectionID, roomID, d.cfg.MaxRoomsPerConnection)
	if capped {
		return false, ErrTooManyRooms
	}
	if !ok {
		return false, ErrUnknownConnection
	}

	if members == nil {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	members[connectionID] = struct{}{}
	return true, nil
}

// Leave removes connectionID from roomID and deletes the room once it is
// empty. It reports whether the connection was a member.
func (d *Directory) Leave(roomID, connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reg.DetachRoom(connectionID, roomID)

	members, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
	return true
}

// MembersOf returns the members of roomID in sorted order. Unknown rooms have
// no members; a room that was never created and one already torn down look the
// same to the caller.
func (d *Directory) MembersOf(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether connectionID is currently joined to roomID.
func (d *Directory) IsMember(roomID, connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[roomID][connectionID]
	return ok
}

// Len returns the number of non-empty rooms.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}
