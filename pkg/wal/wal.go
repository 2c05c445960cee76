// Package wal is the write-ahead log for in-flight turns. Two files back
// it: pending_messages.json tracks every user message from receipt until
// completion, and streaming_responses.json checkpoints partial assistant
// output so a crash mid-stream loses at most a few seconds of text.
package wal

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// Pending message statuses.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// CheckpointInterval is the maximum time appended stream content may sit
// in memory before being flushed to disk.
const CheckpointInterval = 5 * time.Second

// DefaultMaxAge bounds how long failed entries are retained.
const DefaultMaxAge = 24 * time.Hour

// PendingMessage is one user message in flight.
type PendingMessage struct {
	MsgID     string    `json:"msg_id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	AckSent   bool      `json:"ack_sent"`
	ChatID    string    `json:"chat_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamRecord is the checkpointed partial response of one session.
type StreamRecord struct {
	SessionID      string    `json:"session_id"`
	ChatID         string    `json:"chat_id"`
	MsgID          string    `json:"msg_id"`
	Segments       []string  `json:"segments"`
	ToolInProgress string    `json:"tool_in_progress,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Content joins the record's segments into the full streamed text.
func (r *StreamRecord) Content() string {
	var out string
	for _, seg := range r.Segments {
		out += seg
	}
	return out
}

// Log is the WAL. All operations hold one in-process mutex; both files are
// consistent on disk between calls.
type Log struct {
	store       *fstore.Store
	pendingPath string
	streamPath  string

	mu             sync.Mutex
	pending        map[string]*PendingMessage
	streams        map[string]*StreamRecord
	lastCheckpoint map[string]time.Time

	// Now is stubbed in tests.
	Now func() time.Time
}

// New opens the WAL in dir, loading any surviving state.
func New(dir string, store *fstore.Store) (*Log, error) {
	l := &Log{
		store:          store,
		pendingPath:    filepath.Join(dir, "pending_messages.json"),
		streamPath:     filepath.Join(dir, "streaming_responses.json"),
		pending:        map[string]*PendingMessage{},
		streams:        map[string]*StreamRecord{},
		lastCheckpoint: map[string]time.Time{},
		Now:            time.Now,
	}
	if err := store.Load(l.pendingPath, &l.pending); err != nil {
		return nil, errors.Wrap(err, "failed to load pending messages")
	}
	if err := store.Load(l.streamPath, &l.streams); err != nil {
		return nil, errors.Wrap(err, "failed to load streaming responses")
	}
	return l, nil
}

// WriteMessage records a freshly received user message. It is the first
// thing the server does with an inbound turn.
func (l *Log) WriteMessage(msgID, sessionID, content string) (*PendingMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now().UTC()
	msg := &PendingMessage{
		MsgID:     msgID,
		SessionID: sessionID,
		Content:   content,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.pending[msgID] = msg
	if err := l.persistPendingLocked(); err != nil {
		return nil, err
	}
	return msg, nil
}

// AckMessage marks the receipt acknowledgement as sent.
func (l *Log) AckMessage(msgID string) error {
	return l.mutatePending(msgID, func(msg *PendingMessage) {
		msg.AckSent = true
	})
}

// StartProcessing transitions the message to processing and binds its chat.
func (l *Log) StartProcessing(msgID, chatID string) error {
	return l.mutatePending(msgID, func(msg *PendingMessage) {
		msg.Status = StatusProcessing
		msg.ChatID = chatID
	})
}

// CompleteMessage removes the message from the pending set.
func (l *Log) CompleteMessage(msgID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, msgID)
	return l.persistPendingLocked()
}

// FailMessage marks the message failed and keeps it for diagnosis.
func (l *Log) FailMessage(msgID, errMsg string) error {
	return l.mutatePending(msgID, func(msg *PendingMessage) {
		msg.Status = StatusFailed
		msg.Error = errMsg
	})
}

// Pending returns the tracked message, if any.
func (l *Log) Pending(msgID string) (*PendingMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.pending[msgID]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

// PendingCount reports how many messages are tracked.
func (l *Log) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// StartStreaming begins a stream record for the session.
func (l *Log) StartStreaming(sessionID, chatID, msgID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now().UTC()
	l.streams[sessionID] = &StreamRecord{
		SessionID: sessionID,
		ChatID:    chatID,
		MsgID:     msgID,
		Segments:  []string{""},
		StartedAt: now,
		UpdatedAt: now,
	}
	l.lastCheckpoint[sessionID] = now
	return l.persistStreamsLocked()
}

// AppendContent appends text to the session's current segment. The disk
// flush happens when forced or when the checkpoint interval elapsed,
// keeping steady-state streaming cheap.
func (l *Log) AppendContent(sessionID, text string, forceCheckpoint bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.streams[sessionID]
	if !ok {
		return errors.Errorf("no streaming record for session %s", sessionID)
	}
	if len(rec.Segments) == 0 {
		rec.Segments = []string{""}
	}
	rec.Segments[len(rec.Segments)-1] += text
	rec.UpdatedAt = l.Now().UTC()

	if forceCheckpoint || l.Now().Sub(l.lastCheckpoint[sessionID]) >= CheckpointInterval {
		l.lastCheckpoint[sessionID] = l.Now().UTC()
		return l.persistStreamsLocked()
	}
	return nil
}

// NewSegment starts a new content segment, e.g. between tool invocations.
func (l *Log) NewSegment(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.streams[sessionID]
	if !ok {
		return errors.Errorf("no streaming record for session %s", sessionID)
	}
	rec.Segments = append(rec.Segments, "")
	return l.persistStreamsLocked()
}

// SetToolInProgress records (or clears, with empty name) the running tool.
// Persisted immediately so a crash shows what was executing.
func (l *Log) SetToolInProgress(sessionID, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.streams[sessionID]
	if !ok {
		return errors.Errorf("no streaming record for session %s", sessionID)
	}
	rec.ToolInProgress = name
	rec.UpdatedAt = l.Now().UTC()
	return l.persistStreamsLocked()
}

// CompleteStreaming pops and returns the session's full record.
func (l *Log) CompleteStreaming(sessionID string) (*StreamRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.streams[sessionID]
	if !ok {
		return nil, errors.Errorf("no streaming record for session %s", sessionID)
	}
	delete(l.streams, sessionID)
	delete(l.lastCheckpoint, sessionID)
	if err := l.persistStreamsLocked(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ClearStaleOnRestart drops every received/processing pending entry and
// every streaming record. Those entries are in-flight work of a dead
// process; failed entries survive for diagnosis. It returns the sessions
// whose work was dropped so the server can post restart markers.
func (l *Log) ClearStaleOnRestart() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := map[string]bool{}
	for id, msg := range l.pending {
		if msg.Status == StatusReceived || msg.Status == StatusProcessing {
			dropped[msg.SessionID] = true
			delete(l.pending, id)
		}
	}
	for id, rec := range l.streams {
		dropped[rec.SessionID] = true
		delete(l.streams, id)
	}
	l.lastCheckpoint = map[string]time.Time{}

	if err := l.persistPendingLocked(); err != nil {
		return nil, err
	}
	if err := l.persistStreamsLocked(); err != nil {
		return nil, err
	}

	sessions := make([]string, 0, len(dropped))
	for id := range dropped {
		sessions = append(sessions, id)
	}
	return sessions, nil
}

// ClearOldEntries drops pending entries older than maxAge. Zero means the
// 24 h default.
func (l *Log) ClearOldEntries(maxAge time.Duration) error {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.Now().UTC().Add(-maxAge)
	removed := 0
	for id, msg := range l.pending {
		if msg.UpdatedAt.Before(cutoff) {
			delete(l.pending, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	logger.L.WithField("removed", removed).Debug("cleared old wal entries")
	return l.persistPendingLocked()
}

func (l *Log) mutatePending(msgID string, fn func(*PendingMessage)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.pending[msgID]
	if !ok {
		return errors.Errorf("no pending message %s", msgID)
	}
	fn(msg)
	msg.UpdatedAt = l.Now().UTC()
	return l.persistPendingLocked()
}

func (l *Log) persistPendingLocked() error {
	return l.store.Save(l.pendingPath, l.pending)
}

func (l *Log) persistStreamsLocked() error {
	return l.store.Save(l.streamPath, l.streams)
}
