package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/osutil"
	"github.com/aide-sh/aide/pkg/toolcalls"
	"github.com/aide-sh/aide/pkg/wal"
)

const (
	// DefaultInjectionCap bounds the mid-turn message queue.
	DefaultInjectionCap = 16
	// ToolOutputMax caps tool_end output forwarded to clients.
	ToolOutputMax = 2000
	// InterruptGrace is how long a signalled subprocess gets before the
	// whole process group is killed.
	InterruptGrace = 2 * time.Second

	maxEventLine = 1 << 20
)

// ErrInjectionClosed reports an injection after turn completion or
// interrupt.
var ErrInjectionClosed = errors.New("injection queue closed")

// SessionConfig describes one subprocess turn.
type SessionConfig struct {
	// Command is the runtime binary plus its fixed arguments. The session
	// appends model and system-prompt flags.
	Command      []string
	Model        string
	SystemPrompt string
	// Dir is the working directory, typically an isolated config dir.
	Dir string

	ChatID       string
	MessageID    string
	WALSessionID string
	InjectionCap int
}

// Result is what a completed session produced.
type Result struct {
	Text    string
	Meta    ResultMeta
	IsError bool
}

// Session runs one streaming turn against the agent runtime subprocess.
type Session struct {
	cfg   SessionConfig
	wal   *wal.Log
	chats *chats.Store
	tools *toolcalls.Registry
	sink  Sink

	mu           sync.Mutex
	injections   chan string
	injectClosed bool
	proc         *exec.Cmd

	toolNames  map[string]string
	toolInputs map[string]map[string]any
}

// NewSession wires a session. wal, chatStore, toolReg, and sink may each
// be nil; the corresponding side effects are skipped.
func NewSession(cfg SessionConfig, w *wal.Log, chatStore *chats.Store, toolReg *toolcalls.Registry, sink Sink) *Session {
	if cfg.InjectionCap <= 0 {
		cfg.InjectionCap = DefaultInjectionCap
	}
	return &Session{
		cfg:        cfg,
		wal:        w,
		chats:      chatStore,
		tools:      toolReg,
		sink:       sink,
		injections: make(chan string, cfg.InjectionCap),
		toolNames:  map[string]string{},
		toolInputs: map[string]map[string]any{},
	}
}

// Inject queues a user message for the running turn. The subprocess sees
// it at its next decision point.
func (s *Session) Inject(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectClosed {
		return ErrInjectionClosed
	}
	select {
	case s.injections <- text:
		return nil
	default:
		return errors.New("injection queue full")
	}
}

// Interrupt closes the injection queue and terminates the subprocess,
// gracefully first.
func (s *Session) Interrupt() {
	s.closeInjections()
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil && proc.Process != nil {
		osutil.TerminateGroup(proc.Process.Pid, InterruptGrace)
	}
}

func (s *Session) closeInjections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.injectClosed {
		s.injectClosed = true
		close(s.injections)
	}
}

// Run executes the turn to completion and returns the final result. The
// caller's context deadline bounds the subprocess lifetime.
func (s *Session) Run(ctx context.Context, prompt string) (*Result, error) {
	if len(s.cfg.Command) == 0 {
		return nil, errors.New("session command is required")
	}
	args := append([]string(nil), s.cfg.Command[1:]...)
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if s.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.cfg.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], args...)
	cmd.Dir = s.cfg.Dir
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start agent runtime")
	}
	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	if s.wal != nil && s.cfg.WALSessionID != "" {
		if err := s.wal.StartStreaming(s.cfg.WALSessionID, s.cfg.ChatID, s.cfg.MessageID); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to start stream record")
		}
	}

	go s.feedInput(ctx, stdin, prompt)

	result, readErr := s.consume(ctx, stdout)
	s.closeInjections()

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.Errorf("agent runtime timed out: %s", stderr.String())
	}
	if readErr != nil {
		return nil, readErr
	}
	if result == nil {
		if waitErr != nil {
			return nil, errors.Wrapf(waitErr, "agent runtime exited without a result: %s", stderr.String())
		}
		return nil, errors.Errorf("agent runtime closed the stream without a result: %s", stderr.String())
	}

	if s.wal != nil && s.cfg.WALSessionID != "" {
		if _, err := s.wal.CompleteStreaming(s.cfg.WALSessionID); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to complete stream record")
		}
	}
	if result.IsError {
		return result, errors.Errorf("agent runtime reported an error: %s", result.Text)
	}
	return result, nil
}

// feedInput writes the initial prompt and then every injected message as
// JSON-lines user messages, closing stdin when the queue closes.
func (s *Session) feedInput(ctx context.Context, stdin io.WriteCloser, prompt string) {
	defer stdin.Close()
	if err := writeUserMessage(stdin, prompt); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to write prompt to agent runtime")
		return
	}
	for text := range s.injections {
		if err := writeUserMessage(stdin, text); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to write injected message")
			return
		}
	}
}

func writeUserMessage(w io.Writer, text string) error {
	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
	if err != nil {
		return err
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

// Wire shapes of the runtime's JSON-lines output. Unknown types and
// fields are ignored.
type rawMessage struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Event     *streamEvent  `json:"event,omitempty"`
	Message   *modelMessage `json:"message,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Result    string        `json:"result,omitempty"`
	CostUSD   float64       `json:"total_cost_usd,omitempty"`
	Duration  int64         `json:"duration_ms,omitempty"`
	NumTurns  int           `json:"num_turns,omitempty"`
	Usage     *Usage        `json:"usage,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Delta        *blockDelta   `json:"delta,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
}

type blockDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type modelMessage struct {
	Content []contentBlock `json:"content"`
}

// consume reads events until the result message or stream end.
func (s *Session) consume(ctx context.Context, stdout io.Reader) (*Result, error) {
	var result *Result
	var text bytes.Buffer

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg rawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.G(ctx).WithError(err).Debug("skipping malformed runtime event")
			continue
		}
		done := s.dispatch(ctx, &msg, &text, &result)
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return result, errors.Wrap(err, "failed to read runtime stream")
	}
	if result != nil && result.Text == "" {
		result.Text = text.String()
	}
	return result, nil
}

func (s *Session) dispatch(ctx context.Context, msg *rawMessage, text *bytes.Buffer, result **Result) bool {
	switch msg.Type {
	case "stream_event":
		if msg.Event != nil {
			s.handleStreamEvent(ctx, msg.Event, text)
		}
	case "assistant":
		if msg.Message != nil {
			s.handleAssistant(ctx, msg.Message)
		}
	case "system":
		if msg.Subtype == "init" {
			s.emit(Event{Type: EventSessionInit, SessionID: msg.SessionID})
		}
	case "result":
		meta := ResultMeta{
			SessionID:  msg.SessionID,
			CostUSD:    msg.CostUSD,
			DurationMS: msg.Duration,
			NumTurns:   msg.NumTurns,
		}
		if msg.Usage != nil {
			meta.Usage = *msg.Usage
		}
		s.emit(Event{Type: EventResultMeta, SessionID: msg.SessionID, Meta: &meta})
		if msg.IsError {
			s.emit(Event{Type: EventError, Text: msg.Result, IsError: true})
		}
		*result = &Result{Text: msg.Result, Meta: meta, IsError: msg.IsError}
		return true
	}
	return false
}

func (s *Session) handleStreamEvent(ctx context.Context, ev *streamEvent, text *bytes.Buffer) {
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			text.WriteString(ev.Delta.Text)
			s.emit(Event{Type: EventContentDelta, ChatID: s.cfg.ChatID, MessageID: s.cfg.MessageID, Text: ev.Delta.Text})
			s.checkpoint(ctx, ev.Delta.Text)
		case "thinking_delta":
			s.emit(Event{Type: EventThinkingDelta, ChatID: s.cfg.ChatID, MessageID: s.cfg.MessageID, Text: ev.Delta.Thinking})
		}
	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return
		}
		s.toolNames[ev.ContentBlock.ID] = ev.ContentBlock.Name
		s.emit(Event{Type: EventToolStart, ChatID: s.cfg.ChatID, ToolID: ev.ContentBlock.ID, ToolName: ev.ContentBlock.Name})
		if s.wal != nil && s.cfg.WALSessionID != "" {
			if err := s.wal.SetToolInProgress(s.cfg.WALSessionID, ev.ContentBlock.Name); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to record tool in progress")
			}
		}
	}
}

func (s *Session) handleAssistant(ctx context.Context, msg *modelMessage) {
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			s.toolNames[block.ID] = block.Name
			s.toolInputs[block.ID] = block.Input
			s.emit(Event{Type: EventToolUse, ChatID: s.cfg.ChatID, ToolID: block.ID, ToolName: block.Name, Input: block.Input})
		case "tool_result":
			s.handleToolResult(ctx, block)
		}
	}
}

func (s *Session) handleToolResult(ctx context.Context, block contentBlock) {
	name := s.toolNames[block.ToolUseID]
	output := truncateOutput(textOf(block.Content), ToolOutputMax)
	s.emit(Event{
		Type:     EventToolEnd,
		ChatID:   s.cfg.ChatID,
		ToolID:   block.ToolUseID,
		ToolName: name,
		Output:   output,
		IsError:  block.IsError,
	})

	if s.tools != nil && s.chats != nil && s.cfg.ChatID != "" {
		serialized := s.tools.Serialize(toolcalls.Record{
			ToolID:    block.ToolUseID,
			Name:      name,
			Args:      s.toolInputs[block.ToolUseID],
			Output:    output,
			IsError:   block.IsError,
			Timestamp: time.Now().UTC(),
		})
		content, err := toolcalls.Marshal(serialized)
		if err == nil {
			_, err = s.chats.Append(s.cfg.ChatID, chats.Message{
				ID:        chats.NewMessageID(),
				Role:      chats.RoleToolCall,
				Content:   content,
				Hidden:    true,
				CreatedAt: time.Now().UTC(),
			})
		}
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to record tool call message")
		}
	}

	if s.wal != nil && s.cfg.WALSessionID != "" {
		if err := s.wal.NewSegment(s.cfg.WALSessionID); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to start stream segment")
		}
		if err := s.wal.SetToolInProgress(s.cfg.WALSessionID, ""); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to clear tool in progress")
		}
	}
}

func (s *Session) checkpoint(ctx context.Context, text string) {
	if s.wal == nil || s.cfg.WALSessionID == "" {
		return
	}
	if err := s.wal.AppendContent(s.cfg.WALSessionID, text, false); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to checkpoint stream content")
	}
}

func (s *Session) emit(ev Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

// textOf flattens a tool_result content payload, which is either a plain
// string or a list of text blocks.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			if b.Type == "text" {
				buf.WriteString(b.Text)
			}
		}
		return buf.String()
	}
	return string(raw)
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
