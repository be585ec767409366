// Package domain contains entity without logic, just meta-data
package domain

type (
	RoomID   int
	RoomName string
)

// Room is a persistent ambient audio destination. ID is the room's
// position in the configured sequence; ids are contiguous from 0.
type Room struct {
	ID         RoomID   `json:"id"`
	Name       RoomName `json:"name"`
	AudioAsset string   `json:"audio_asset"`
}

// NewRoom avoids raw literals in adapters and keeps construction obvious.
func NewRoom(id RoomID, name RoomName, audioAsset string) *Room {
	return &Room{ID: id, Name: name, AudioAsset: audioAsset}
}
