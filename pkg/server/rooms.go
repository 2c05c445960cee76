package server

import (
	"time"

	"github.com/aide-sh/aide/pkg/fstore"
)

// activeRoom is the chat the scheduler's prompt dispatcher falls back to
// when a task names no target chat.
type activeRoom struct {
	ChatID    string    `json:"chat_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomTracker persists the most recently viewed chat.
type RoomTracker struct {
	store *fstore.Store
	path  string
}

// NewRoomTracker opens the tracker at path.
func NewRoomTracker(path string, store *fstore.Store) *RoomTracker {
	return &RoomTracker{store: store, path: path}
}

// SetActive records the chat the user is currently viewing.
func (r *RoomTracker) SetActive(chatID string) error {
	room := activeRoom{ChatID: chatID, UpdatedAt: time.Now().UTC()}
	return r.store.Save(r.path, &room)
}

// Active returns the last recorded chat id, empty when none was set.
func (r *RoomTracker) Active() (string, error) {
	var room activeRoom
	if err := r.store.Load(r.path, &room); err != nil {
		return "", err
	}
	return room.ChatID, nil
}
