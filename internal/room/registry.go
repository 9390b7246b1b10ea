// Package room holds the in-memory room and participant bookkeeping for the
// signaling relay.
//
// A Registry instance is owned by the signaling router; there is no package
// level state. Every exported operation is atomic: membership mutation and
// roster snapshot capture happen under a single lock hold, so broadcasts
// always observe a consistent roster.
package room

import (
	"sync"
	"time"
)

// Participant is one connected end-user session inside a room.
type Participant struct {
	ConnID   string
	UserName string
	RoomID   string
}

// RosterEntry is the wire-facing identity of a participant.
type RosterEntry struct {
	ConnID   string
	UserName string
}

// Info is the read-only room summary returned by Lookup.
type Info struct {
	RoomID           string
	ParticipantCount int
	CreatedAt        time.Time
}

// LeaveResult describes the outcome of removing a participant.
//
// Remaining is the roster snapshot taken atomically with the removal; it is
// what a user-left broadcast must be addressed to. Emptied reports that the
// room was deleted because the leaver was its last member.
type LeaveResult struct {
	RoomID    string
	UserName  string
	Emptied   bool
	Remaining []RosterEntry
}

type roomState struct {
	id           string
	createdAt    time.Time
	participants []Participant
}

// Registry maps room IDs to their participant sets.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*roomState
	byConn map[string]string // connID -> roomID, non-owning back-reference
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*roomState),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// CreateRoom allocates a fresh room token and pre-creates an empty room so
// that a lookup resolves before the first participant joins.
//
// Token collisions are not checked; at 36^8 the probability is accepted for a
// single-process deployment.
func (r *Registry) CreateRoom() (string, error) {
	id, err := NewRoomToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; !ok {
		r.rooms[id] = &roomState{id: id, createdAt: r.now()}
	}
	return id, nil
}

// Join adds the participant to the room, creating the room if it does not
// exist yet. The returned snapshot is the roster as it was immediately before
// the join and never contains the joiner.
//
// A connection holds at most one membership; joining while already in a room
// (the same one included) implicitly leaves the previous membership first.
// The implicit leave outcome is returned so the caller can fan out the
// departure to the previous room; it is nil when the connection was not a
// member anywhere.
func (r *Registry) Join(roomID, connID, userName string) ([]RosterEntry, *LeaveResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left *LeaveResult
	if _, ok := r.byConn[connID]; ok {
		if res, ok := r.leaveLocked(connID); ok {
			left = &res
		}
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &roomState{id: roomID, createdAt: r.now()}
		r.rooms[roomID] = rm
	}

	snapshot := rosterOf(rm)

	rm.participants = append(rm.participants, Participant{
		ConnID:   connID,
		UserName: userName,
		RoomID:   roomID,
	})
	r.byConn[connID] = roomID

	return snapshot, left
}

// Leave removes the connection's participant from whatever room it is in.
// The second return value is false when the connection never joined a room.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

func (r *Registry) leaveLocked(connID string) (LeaveResult, bool) {
	roomID, ok := r.byConn[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(r.byConn, connID)

	rm, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}

	res := LeaveResult{RoomID: roomID}
	kept := rm.participants[:0]
	for _, p := range rm.participants {
		if p.ConnID == connID {
			res.UserName = p.UserName
			continue
		}
		kept = append(kept, p)
	}
	rm.participants = kept

	if len(rm.participants) == 0 {
		delete(r.rooms, roomID)
		res.Emptied = true
		return res, true
	}

	res.Remaining = rosterOf(rm)
	return res, true
}

// Lookup returns the room summary for the REST surface.
func (r *Registry) Lookup(roomID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return Info{
		RoomID:           rm.id,
		ParticipantCount: len(rm.participants),
		CreatedAt:        rm.createdAt,
	}, true
}

// Count reports the number of live rooms (health surface).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func rosterOf(rm *roomState) []RosterEntry {
	out := make([]RosterEntry, 0, len(rm.participants))
	for _, p := range rm.participants {
		out = append(out, RosterEntry{ConnID: p.ConnID, UserName: p.UserName})
	}
	return out
}
