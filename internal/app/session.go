package app

import (
	"sync"

	"github.com/looplab/fsm"

	"github.com/mkraev/roomhop/internal/core"
	"github.com/mkraev/roomhop/internal/domain"
)

// Session lifecycle states.
const (
	SessionUnassigned   = "unassigned"
	SessionBridging     = "bridging"
	SessionInRoom       = "in_room"
	SessionTransferring = "transferring"
	SessionTerminated   = "terminated"
)

// Session is one caller's routed interaction. It exclusively owns its
// bridge; a new bridge replaces the old one only through the coordinator,
// never concurrently. All mutable fields are guarded by mu, and the
// coordinator serializes multi-step work per session by holding it.
type Session struct {
	Token string

	mu        sync.Mutex
	states    *fsm.FSM
	room      *core.Room
	bridge    *core.SessionBridge
	direction domain.Direction
	removed   bool
}

func newSession(token string) *Session {
	return &Session{
		Token: token,
		states: fsm.NewFSM(
			SessionUnassigned,
			fsm.Events{
				{Name: "assign", Src: []string{SessionUnassigned}, Dst: SessionBridging},
				{Name: "bridged", Src: []string{SessionBridging}, Dst: SessionInRoom},
				{Name: "transfer", Src: []string{SessionInRoom}, Dst: SessionTransferring},
				{Name: "stay", Src: []string{SessionTransferring}, Dst: SessionInRoom},
				{Name: "rebridge", Src: []string{SessionTransferring, SessionInRoom}, Dst: SessionBridging},
				{Name: "terminate", Src: []string{
					SessionUnassigned, SessionBridging, SessionInRoom, SessionTransferring,
				}, Dst: SessionTerminated},
			},
			nil,
		),
		// A session that never voiced a command transfers forward.
		direction: domain.Next,
	}
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states.Current()
}

// SessionInfo is a read-only view for the ops API.
type SessionInfo struct {
	Token     string          `json:"token"`
	Room      domain.RoomName `json:"room"`
	RoomID    domain.RoomID   `json:"room_id"`
	Direction string          `json:"direction"`
	State     string          `json:"state"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Token:     s.Token,
		Direction: s.direction.String(),
		State:     s.states.Current(),
	}
	if s.room != nil {
		info.Room = s.room.Meta().Name
		info.RoomID = s.room.ID()
	}
	return info
}
