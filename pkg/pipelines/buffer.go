// Package pipelines hosts the background memory pipelines: the librarian
// (extracts atoms from buffered exchanges), the chronicler (summarizes
// conversation threads), and the gardener (maintains the topical graph).
// Each cycle returns a stats object; failures never propagate as panics or
// raw errors across the pipeline boundary.
package pipelines

import (
	"time"

	"github.com/aide-sh/aide/pkg/fstore"
)

// BufferCap bounds the exchange buffer; overflow trims the oldest entries.
const BufferCap = 100

// Exchange is one buffered user/assistant exchange awaiting the librarian.
type Exchange struct {
	ExchangeID       string    `json:"exchange_id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	BufferedAt       time.Time `json:"buffered_at"`
}

type bufferDoc struct {
	Exchanges []Exchange `json:"exchanges"`
}

// Buffer is the persistent FIFO exchange buffer.
type Buffer struct {
	store *fstore.Store
	path  string
}

// NewBuffer opens the buffer at path.
func NewBuffer(path string, store *fstore.Store) *Buffer {
	return &Buffer{store: store, path: path}
}

// Append adds an exchange, trimming the oldest entries past the cap.
func (b *Buffer) Append(ex Exchange) error {
	if ex.BufferedAt.IsZero() {
		ex.BufferedAt = time.Now().UTC()
	}
	var doc bufferDoc
	return b.store.Update(b.path, &doc, func() error {
		doc.Exchanges = append(doc.Exchanges, ex)
		if len(doc.Exchanges) > BufferCap {
			doc.Exchanges = doc.Exchanges[len(doc.Exchanges)-BufferCap:]
		}
		return nil
	})
}

// Drain atomically consumes the buffer: the persisted file is cleared and
// the drained entries returned in FIFO order.
func (b *Buffer) Drain() ([]Exchange, error) {
	var doc bufferDoc
	var drained []Exchange
	err := b.store.Update(b.path, &doc, func() error {
		drained = doc.Exchanges
		doc.Exchanges = nil
		return nil
	})
	return drained, err
}

// Len reports how many exchanges are buffered.
func (b *Buffer) Len() (int, error) {
	var doc bufferDoc
	if err := b.store.Load(b.path, &doc); err != nil {
		return 0, err
	}
	return len(doc.Exchanges), nil
}

// ThrottleState is the persisted pipeline bookkeeping.
type ThrottleState struct {
	LastLibrarianRun        int64 `json:"last_librarian_run"`
	LastGardenerRun         int64 `json:"last_gardener_run"`
	LastChroniclerRun       int64 `json:"last_chronicler_run"`
	TotalRuns               int   `json:"total_runs"`
	TotalExchangesProcessed int   `json:"total_exchanges_processed"`
}

// Throttle persists ThrottleState.
type Throttle struct {
	store *fstore.Store
	path  string
}

// NewThrottle opens the throttle state at path.
func NewThrottle(path string, store *fstore.Store) *Throttle {
	return &Throttle{store: store, path: path}
}

// Get loads the current state.
func (t *Throttle) Get() (ThrottleState, error) {
	var st ThrottleState
	err := t.store.Load(t.path, &st)
	return st, err
}

// Mutate applies fn to the state under the file lock.
func (t *Throttle) Mutate(fn func(*ThrottleState)) error {
	var st ThrottleState
	return t.store.Update(t.path, &st, func() error {
		fn(&st)
		return nil
	})
}
