// Package sdk consumes the external agent runtime: a streaming subprocess
// session emitting typed JSON-lines events, and a print-mode CLI fallback
// for agents that do not need streaming. Session events are checkpointed
// into the write-ahead log and fanned out to a sink the server owns.
package sdk

import "strings"

// Bus event types emitted to clients.
const (
	EventContentDelta  = "content_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolStart     = "tool_start"
	EventToolUse       = "tool_use"
	EventToolEnd       = "tool_end"
	EventSessionInit   = "session_init"
	EventResultMeta    = "result_meta"
	EventError         = "error"
)

// Event is one client-bus event produced during a streaming turn.
type Event struct {
	Type      string         `json:"type"`
	ChatID    string         `json:"chat_id,omitempty"`
	MessageID string         `json:"msg_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Meta      *ResultMeta    `json:"meta,omitempty"`
}

// ResultMeta summarizes a completed turn.
type ResultMeta struct {
	SessionID  string  `json:"session_id"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	Usage      Usage   `json:"usage"`
}

// Usage is the token accounting reported by the runtime.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Sink receives session events. A nil sink drops them.
type Sink func(Event)

// Collector is a sink that accumulates content deltas, for callers that
// only want the final text.
type Collector struct {
	text strings.Builder
}

// Emit implements Sink when bound as c.Emit.
func (c *Collector) Emit(ev Event) {
	if ev.Type == EventContentDelta {
		c.text.WriteString(ev.Text)
	}
}

// Text returns the accumulated content.
func (c *Collector) Text() string {
	return c.text.String()
}
