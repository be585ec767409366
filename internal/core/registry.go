package core

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/mkraev/roomhop/internal/domain"
)

var (
	ErrIndexOutOfRange = errors.New("room index out of range")
	ErrNoRooms         = errors.New("room registry is empty")
)

// RoomRegistry is the deterministic, ordered set of rooms. Order comes from
// configuration and defines next/previous adjacency; it never changes after
// startup, so lookups are lock-free. Only the random source is guarded.
type RoomRegistry struct {
	rooms []*Room

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRoomRegistry(rooms []*Room, seed int64) (*RoomRegistry, error) {
	if len(rooms) == 0 {
		return nil, ErrNoRooms
	}
	return &RoomRegistry{
		rooms: rooms,
		rnd:   rand.New(rand.NewSource(seed)),
	}, nil
}

func (r *RoomRegistry) Len() int { return len(r.rooms) }

func (r *RoomRegistry) Resolve(index int) (*Room, error) {
	if index < 0 || index >= len(r.rooms) {
		return nil, ErrIndexOutOfRange
	}
	return r.rooms[index], nil
}

// PickRandom selects the first room for a fresh session. Room 0 is never a
// first assignment when more than one room exists; it is reachable only by
// navigating. This mirrors the long-standing routing policy and is covered
// by tests, do not "fix" without a product decision.
func (r *RoomRegistry) PickRandom() *Room {
	if len(r.rooms) == 1 {
		return r.rooms[0]
	}
	r.mu.Lock()
	index := 1 + r.rnd.Intn(len(r.rooms)-1)
	r.mu.Unlock()
	return r.rooms[index]
}

// Next wraps around past the last room.
func (r *RoomRegistry) Next(index int) int {
	return (index + 1) % len(r.rooms)
}

// Previous wraps around past room 0.
func (r *RoomRegistry) Previous(index int) int {
	return (index - 1 + len(r.rooms)) % len(r.rooms)
}

// Adjacent resolves the neighbour of index in the given direction.
func (r *RoomRegistry) Adjacent(index int, dir domain.Direction) *Room {
	if dir == domain.Previous {
		return r.rooms[r.Previous(index)]
	}
	return r.rooms[r.Next(index)]
}

// Snapshot returns a read-only view for the ops API.
func (r *RoomRegistry) Snapshot() []RoomInfo {
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.Info())
	}
	return out
}
