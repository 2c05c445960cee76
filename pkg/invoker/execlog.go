package invoker

import (
	"time"

	"github.com/aide-sh/aide/pkg/fstore"
)

// ExecutionLogCap bounds the execution log to the most recent entries.
const ExecutionLogCap = 100

// Invocation describes one agent run request.
type Invocation struct {
	Agent         string    `json:"agent"`
	Prompt        string    `json:"prompt"`
	Mode          string    `json:"mode"`
	SourceChatID  string    `json:"source_chat_id,omitempty"`
	ModelOverride string    `json:"model_override,omitempty"`
	Project       string    `json:"project,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ExecutionRecord pairs an invocation with its result.
type ExecutionRecord struct {
	Invocation Invocation  `json:"invocation"`
	Result     AgentResult `json:"result"`
}

// ExecutionLog is the bounded log of completed invocations.
type ExecutionLog struct {
	store *fstore.Store
	path  string
}

// NewExecutionLog opens the log at path.
func NewExecutionLog(path string, store *fstore.Store) *ExecutionLog {
	return &ExecutionLog{store: store, path: path}
}

// Append records a completed invocation, trimming past the cap.
func (l *ExecutionLog) Append(rec ExecutionRecord) error {
	var records []ExecutionRecord
	return l.store.Update(l.path, &records, func() error {
		records = append(records, rec)
		if len(records) > ExecutionLogCap {
			records = records[len(records)-ExecutionLogCap:]
		}
		return nil
	})
}

// Recent returns up to n records, newest last.
func (l *ExecutionLog) Recent(n int) ([]ExecutionRecord, error) {
	var records []ExecutionRecord
	if err := l.store.Load(l.path, &records); err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}
