// Package memory implements the long-term memory graph: atoms (standalone
// facts) and threads (named collections of atoms). Atoms carry no
// back-references; threads own the membership lists, and the retrieval layer
// builds the inverse map lazily when it needs one.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Confidence grades how sure the gardener was about a thread assignment.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ThreadType distinguishes gardener-maintained topics from per-chat
// conversation threads.
type ThreadType string

const (
	ThreadTopical      ThreadType = "topical"
	ThreadConversation ThreadType = "conversation"
)

// Thread size caps. Topical threads warn at the soft cap and refuse new
// assignments at the hard cap; conversation threads are exempt.
const (
	SoftCap = 50
	HardCap = 75
)

// AtomVersion is one superseded revision of an atom's content.
type AtomVersion struct {
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	SupersededReason string    `json:"superseded_reason,omitempty"`
}

// Atom is one standalone fact.
type Atom struct {
	ID               string        `json:"id"`
	Content          string        `json:"content"`
	CreatedAt        time.Time     `json:"created_at"`
	LastModified     time.Time     `json:"last_modified"`
	SourceExchangeID string        `json:"source_exchange_id,omitempty"`
	SourceSessionID  string        `json:"source_session_id,omitempty"`
	EmbeddingID      string        `json:"embedding_id,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	PreviousVersions []AtomVersion `json:"previous_versions,omitempty"`

	// AssignmentConfidence maps thread id to the gardener's confidence. Its
	// key set must stay a subset of the threads referencing this atom.
	AssignmentConfidence map[string]Confidence `json:"assignment_confidence,omitempty"`
}

// Thread is a named collection of atoms.
type Thread struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scope       string     `json:"scope,omitempty"`
	MemoryIDs   []string   `json:"memory_ids"`
	ThreadType  ThreadType `json:"thread_type"`
	SplitFrom   string     `json:"split_from,omitempty"`
	SplitInto   []string   `json:"split_into,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	EmbeddingID string     `json:"embedding_id,omitempty"`
}

// Contains reports whether the thread references the atom id.
func (t *Thread) Contains(atomID string) bool {
	for _, id := range t.MemoryIDs {
		if id == atomID {
			return true
		}
	}
	return false
}

// IsConversation reports whether the thread is a per-chat conversation
// thread (cap-exempt, librarian-owned).
func (t *Thread) IsConversation() bool {
	return t.ThreadType == ThreadConversation
}

// RoomScope builds the scope string binding a conversation thread to a chat.
func RoomScope(chatID string) string {
	return "room:" + chatID
}

// NewID mints a timestamp-prefixed globally unique id.
func NewID() string {
	return time.Now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}
