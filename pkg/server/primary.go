package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/notify"
	"github.com/aide-sh/aide/pkg/retrieval"
	"github.com/aide-sh/aide/pkg/sdk"
	"github.com/aide-sh/aide/pkg/toolcalls"
	"github.com/aide-sh/aide/pkg/wal"
	"github.com/aide-sh/aide/pkg/workingmem"
)

const (
	// rewriteExchangeWindow is how many recent visible messages feed the
	// query rewriter.
	rewriteExchangeWindow = 6
	// toolCallWindow is how many stored tool calls are re-injected.
	toolCallWindow = 10
)

// PrimaryRunner builds production turns: each turn is an agent runtime
// subprocess whose appended system prompt carries the retrieved memory
// context, the working-memory scratchpad, pending background-agent
// notifications, and the previous turn's tool calls.
type PrimaryRunner struct {
	Command []string
	Model   string
	Dir     string

	WAL   *wal.Log
	Chats *chats.Store
	Tools *toolcalls.Registry

	Rewriter   *retrieval.Rewriter
	Engine     *retrieval.Engine
	WorkingMem *workingmem.Store
	Pending    *notify.PendingQueue

	// Now is stubbed in tests.
	Now func() time.Time
}

// NewTurn implements TurnRunner. Context composition is deferred to Run so
// the websocket read loop never blocks on an LLM call.
func (r *PrimaryRunner) NewTurn(cfg sdk.SessionConfig, sink sdk.Sink) Turn {
	cfg.Command = r.Command
	cfg.Model = r.Model
	cfg.Dir = r.Dir
	return &primaryTurn{runner: r, cfg: cfg, sink: sink}
}

type primaryTurn struct {
	runner *PrimaryRunner
	cfg    sdk.SessionConfig
	sink   sdk.Sink

	mu          sync.Mutex
	session     *sdk.Session
	queued      []string
	interrupted bool
}

// Run composes the context block, starts the subprocess session, and
// replays any injections that arrived before the session existed.
func (t *primaryTurn) Run(ctx context.Context, prompt string) (*sdk.Result, error) {
	cfg := t.cfg
	cfg.SystemPrompt = t.runner.composeContext(ctx, cfg.ChatID, prompt)

	session := sdk.NewSession(cfg, t.runner.WAL, t.runner.Chats, t.runner.Tools, t.sink)

	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		return nil, sdk.ErrInjectionClosed
	}
	t.session = session
	queued := t.queued
	t.queued = nil
	t.mu.Unlock()

	for _, text := range queued {
		if err := session.Inject(text); err != nil {
			logger.G(ctx).WithError(err).Warn("dropping early injection")
		}
	}
	return session.Run(ctx, prompt)
}

// Inject queues text for the running turn. Injections racing the session
// startup are buffered and replayed.
func (t *primaryTurn) Inject(text string) error {
	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		return sdk.ErrInjectionClosed
	}
	if t.session == nil {
		if len(t.queued) >= sdk.DefaultInjectionCap {
			t.mu.Unlock()
			return fmt.Errorf("injection queue full")
		}
		t.queued = append(t.queued, text)
		t.mu.Unlock()
		return nil
	}
	session := t.session
	t.mu.Unlock()
	return session.Inject(text)
}

func (t *primaryTurn) Interrupt() {
	t.mu.Lock()
	t.interrupted = true
	session := t.session
	t.mu.Unlock()
	if session != nil {
		session.Interrupt()
	}
}

// composeContext assembles the appended system prompt. Every block is
// optional; failures degrade to a smaller context rather than failing the
// turn.
func (r *PrimaryRunner) composeContext(ctx context.Context, chatID, prompt string) string {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	var blocks []string

	var recentThreads map[string]bool
	if r.Engine != nil {
		recent := r.Engine.RecentMemories(retrieval.RecentOptions{
			CurrentRoomID:    chatID,
			ExcludeSessionID: chatID,
		}, now)
		if recent.Text != "" {
			blocks = append(blocks, recent.Text)
		}
		recentThreads = recent.ThreadIDs

		var queries []retrieval.WeightedQuery
		if r.Rewriter != nil {
			queries = r.Rewriter.Rewrite(ctx, prompt, r.recentExchanges(ctx, chatID))
		}
		if len(queries) > 0 {
			mc, err := r.Engine.Retrieve(ctx, queries, retrieval.Options{
				ExcludeSessionID: chatID,
				ExcludeThreadIDs: recentThreads,
			})
			if err != nil {
				logger.G(ctx).WithError(err).Warn("memory retrieval failed")
			} else if text := mc.Format(now); text != "" {
				blocks = append(blocks, text)
			}
		}
	}

	if r.WorkingMem != nil {
		if text, err := r.WorkingMem.Render(); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to render working memory")
		} else if text != "" {
			blocks = append(blocks, text)
		}
	}

	if block := r.pendingBlock(ctx, chatID); block != "" {
		blocks = append(blocks, block)
	}
	if block := r.toolCallBlock(ctx, chatID); block != "" {
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

// recentExchanges renders the tail of the visible conversation for the
// query rewriter.
func (r *PrimaryRunner) recentExchanges(ctx context.Context, chatID string) []string {
	if r.Chats == nil {
		return nil
	}
	chat, err := r.Chats.Load(chatID)
	if err != nil {
		return nil
	}
	visible := chat.Visible()
	if len(visible) > rewriteExchangeWindow {
		visible = visible[len(visible)-rewriteExchangeWindow:]
	}
	out := make([]string, 0, len(visible))
	for _, msg := range visible {
		role := "User"
		if msg.Role == chats.RoleAssistant {
			role = "Assistant"
		}
		out = append(out, fmt.Sprintf("%s: %s", role, msg.Content))
	}
	return out
}

// pendingBlock surfaces completed ping-mode invocations for this chat and
// marks them injected. The agent is instructed to acknowledge them.
func (r *PrimaryRunner) pendingBlock(ctx context.Context, chatID string) string {
	if r.Pending == nil {
		return ""
	}
	pending, err := r.Pending.PendingFor(chatID)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to load pending notifications")
		return ""
	}
	if len(pending) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Background agents you invoked earlier have finished. Acknowledge each result to the user:\n")
	for _, n := range pending {
		fmt.Fprintf(&sb, "- [%s] %s\n", n.Agent, n.Summary)
		if err := r.Pending.MarkInjected(n.ID); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to mark notification injected")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toolCallBlock renders the most recent stored tool calls as compact
// one-liners so the agent retains what it ran without full outputs.
func (r *PrimaryRunner) toolCallBlock(ctx context.Context, chatID string) string {
	if r.Chats == nil {
		return ""
	}
	chat, err := r.Chats.Load(chatID)
	if err != nil {
		return ""
	}
	var lines []string
	for _, msg := range chat.Messages {
		if msg.Role != chats.RoleToolCall {
			continue
		}
		s, err := toolcalls.Unmarshal(msg.Content)
		if err != nil {
			logger.G(ctx).WithError(err).Debug("skipping unreadable tool call")
			continue
		}
		lines = append(lines, toolcalls.Render(s))
	}
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > toolCallWindow {
		lines = lines[len(lines)-toolCallWindow:]
	}
	return "Tools run earlier in this conversation:\n" + strings.Join(lines, "\n")
}
