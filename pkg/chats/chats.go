// Package chats persists conversation history: one JSON file per chat plus
// a chats_meta.json sidecar so listings never have to read every chat file.
// Tool calls are stored as hidden messages with role tool_call; the
// serialization layer decides how they render into later turns.
package chats

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleToolCall  = "tool_call"
)

// ErrNotFound reports an unknown chat id.
var ErrNotFound = errors.New("chat not found")

// Message is one history entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Hidden    bool      `json:"hidden,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage accumulates per-chat token and cost totals across turns.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Turns               int     `json:"turns"`
}

// Add merges another turn's usage into the running totals.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CostUSD += other.CostUSD
	u.Turns += other.Turns
}

// Chat is one conversation.
type Chat struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	Messages      []Message `json:"messages"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	Usage         Usage     `json:"usage"`
	SchemaVersion int       `json:"schema_version"`
}

// Visible returns the messages shown to the user, skipping hidden entries.
func (c *Chat) Visible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if !msg.Hidden {
			out = append(out, msg)
		}
	}
	return out
}

// Meta is the sidecar entry for one chat.
type Meta struct {
	Title         string    `json:"title,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// Summary is one listing row.
type Summary struct {
	ChatID string
	Meta
}

// Store persists chats under dir.
type Store struct {
	dir      string
	store    *fstore.Store
	metaPath string

	mu sync.Mutex
}

// NewStore opens the chat store rooted at dir.
func NewStore(dir string, store *fstore.Store) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create chats directory")
	}
	return &Store{
		dir:      dir,
		store:    store,
		metaPath: filepath.Join(dir, "chats_meta.json"),
	}, nil
}

func (s *Store) chatPath(chatID string) string {
	return filepath.Join(s.dir, chatID+".json")
}

// Load reads a chat. The last_message_at field is inferred when absent:
// first from the newest message-id timestamp, then from file mtime.
func (s *Store) Load(chatID string) (*Chat, error) {
	path := s.chatPath(chatID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, chatID)
		}
		return nil, errors.Wrap(err, "failed to stat chat file")
	}

	var chat Chat
	if err := s.store.Load(path, &chat); err != nil {
		return nil, err
	}
	if chat.ID == "" {
		chat.ID = chatID
	}
	if chat.LastMessageAt.IsZero() {
		chat.LastMessageAt = s.inferLastMessageAt(&chat)
	}
	return &chat, nil
}

// Save atomically persists the chat and refreshes the sidecar index.
func (s *Store) Save(chat *Chat) error {
	if chat.ID == "" {
		return errors.New("chat id must not be empty")
	}
	if chat.SchemaVersion == 0 {
		chat.SchemaVersion = 1
	}
	if chat.LastMessageAt.IsZero() {
		chat.LastMessageAt = s.inferLastMessageAt(chat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(s.chatPath(chat.ID), chat); err != nil {
		return err
	}
	return s.updateMeta(chat.ID, func(m *Meta) {
		m.Title = chat.Title
		m.UpdatedAt = time.Now().UTC()
		m.LastMessageAt = chat.LastMessageAt
		m.MessageCount = len(chat.Messages)
	})
}

// Append adds a message to the chat, creating the chat when needed. An
// empty message id gets a fresh one; a zero timestamp gets now.
func (s *Store) Append(chatID string, msg Message) (*Chat, error) {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.mutate(chatID, true, func(chat *Chat) error {
		chat.Messages = append(chat.Messages, msg)
		chat.LastMessageAt = msg.CreatedAt
		return nil
	})
}

// AddUsage merges a turn's usage into the chat's running totals.
func (s *Store) AddUsage(chatID string, usage Usage) error {
	_, err := s.mutate(chatID, false, func(chat *Chat) error {
		chat.Usage.Add(usage)
		return nil
	})
	return err
}

// SetTitle updates the chat title (the titler calls this once per chat).
func (s *Store) SetTitle(chatID, title string) error {
	_, err := s.mutate(chatID, false, func(chat *Chat) error {
		chat.Title = title
		return nil
	})
	return err
}

// mutate applies fn to the chat document and refreshes the sidecar, with the
// read, the mutation, and the write all under one lock acquisition so
// concurrent writers (an append racing the titler) cannot lose each other's
// changes.
func (s *Store) mutate(chatID string, createIfMissing bool, fn func(*Chat) error) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.chatPath(chatID)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to stat chat file")
		}
		if !createIfMissing {
			return nil, errors.Wrap(ErrNotFound, chatID)
		}
	}

	var chat Chat
	err := s.store.Update(path, &chat, func() error {
		if chat.ID == "" {
			chat.ID = chatID
		}
		if chat.SchemaVersion == 0 {
			chat.SchemaVersion = 1
		}
		if err := fn(&chat); err != nil {
			return err
		}
		if chat.LastMessageAt.IsZero() {
			chat.LastMessageAt = s.inferLastMessageAt(&chat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.updateMeta(chatID, func(m *Meta) {
		m.Title = chat.Title
		m.UpdatedAt = time.Now().UTC()
		m.LastMessageAt = chat.LastMessageAt
		m.MessageCount = len(chat.Messages)
	}); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Delete removes the chat file and its sidecar entry.
func (s *Store) Delete(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.chatPath(chatID)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrNotFound, chatID)
		}
		return errors.Wrap(err, "failed to delete chat file")
	}
	meta := map[string]*Meta{}
	return s.store.Update(s.metaPath, &meta, func() error {
		delete(meta, chatID)
		return nil
	})
}

// List returns summaries ordered by last_message_at, newest first. Only
// the sidecar is read.
func (s *Store) List() ([]Summary, error) {
	meta := map[string]*Meta{}
	if err := s.store.Load(s.metaPath, &meta); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(meta))
	for id, m := range meta {
		out = append(out, Summary{ChatID: id, Meta: *m})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].LastMessageAt.After(out[b].LastMessageAt)
	})
	return out, nil
}

func (s *Store) updateMeta(chatID string, fn func(*Meta)) error {
	meta := map[string]*Meta{}
	return s.store.Update(s.metaPath, &meta, func() error {
		entry, ok := meta[chatID]
		if !ok {
			entry = &Meta{}
			meta[chatID] = entry
		}
		fn(entry)
		return nil
	})
}

// inferLastMessageAt derives the ordering timestamp for chats that predate
// the explicit field: the newest message-id timestamp wins, then file mtime.
func (s *Store) inferLastMessageAt(chat *Chat) time.Time {
	var newest time.Time
	for _, msg := range chat.Messages {
		if ts, ok := idTimestamp(msg.ID); ok && ts.After(newest) {
			newest = ts
		}
	}
	if !newest.IsZero() {
		return newest
	}

	if info, err := os.Stat(s.chatPath(chat.ID)); err == nil {
		return info.ModTime().UTC()
	}
	logger.L.WithField("chat_id", chat.ID).Debug("no last_message_at source, using now")
	return time.Now().UTC()
}

const idTimestampLayout = "20060102150405"

// idTimestamp parses the timestamp prefix of an id like 20260314100500-ab12cd34.
func idTimestamp(id string) (time.Time, bool) {
	if len(id) < len(idTimestampLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(idTimestampLayout, id[:len(idTimestampLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// NewMessageID mints a timestamp-prefixed message id.
func NewMessageID() string {
	return time.Now().UTC().Format(idTimestampLayout) + "-" + uuid.NewString()[:8]
}
