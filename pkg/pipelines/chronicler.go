package pipelines

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/memory"
)

type chroniclerSummary struct {
	ThreadID string `json:"thread_id" jsonschema:"description=The conversation thread id being summarized"`
	Summary  string `json:"summary" jsonschema:"description=A 2-3 sentence summary of the conversation"`
}

type chroniclerOutput struct {
	Summaries []chroniclerSummary `json:"summaries" jsonschema:"description=One summary per thread"`
}

var chroniclerSchema = llm.GenerateSchema[chroniclerOutput]()

const chroniclerSystemPrompt = `You summarize conversation memory threads for a personal assistant.
For each thread, write a 2-3 sentence summary of what the conversation covered,
in first person, concrete and specific. Return one summary per thread id given.`

// ChroniclerResult is the stats object a chronicler cycle returns.
type ChroniclerResult struct {
	Status         string   `json:"status"`
	ThreadsScanned int      `json:"threads_scanned"`
	ThreadsUpdated int      `json:"threads_updated"`
	Errors         []string `json:"errors,omitempty"`
}

// Chronicler refreshes conversation-thread descriptions.
type Chronicler struct {
	threads  *memory.ThreadStore
	atoms    *memory.AtomStore
	throttle *Throttle
	caller   llm.StructuredCaller

	Timeout time.Duration
	Now     func() time.Time
}

// NewChronicler wires a Chronicler.
func NewChronicler(threads *memory.ThreadStore, atoms *memory.AtomStore, throttle *Throttle, caller llm.StructuredCaller) *Chronicler {
	return &Chronicler{
		threads:  threads,
		atoms:    atoms,
		throttle: throttle,
		caller:   caller,
		Timeout:  120 * time.Second,
		Now:      time.Now,
	}
}

// Run summarizes the targeted conversation threads, or, with no targets,
// every conversation thread updated since the last chronicler run. The
// watermark is captured at cycle start so work arriving mid-run is picked
// up next time.
func (c *Chronicler) Run(ctx context.Context, targetThreadIDs []string) ChroniclerResult {
	startedAt := c.Now().UTC()
	log := logger.G(ctx).WithField("pipeline", "chronicler")

	var targets []memory.Thread
	if len(targetThreadIDs) > 0 {
		for _, id := range targetThreadIDs {
			if t, ok := c.threads.Get(id); ok && t.IsConversation() {
				targets = append(targets, *t)
			}
		}
	} else {
		state, err := c.throttle.Get()
		if err != nil {
			return ChroniclerResult{Status: StatusError, Errors: []string{err.Error()}}
		}
		since := time.Unix(state.LastChroniclerRun, 0)
		for _, t := range c.threads.All() {
			if t.IsConversation() && t.LastUpdated.After(since) {
				targets = append(targets, t)
			}
		}
	}
	if len(targets) == 0 {
		return ChroniclerResult{Status: StatusNoWork}
	}

	var sb strings.Builder
	sb.WriteString("Summarize each conversation thread below.\n")
	for _, t := range targets {
		fmt.Fprintf(&sb, "\n## Thread %s (%s)\n", t.ID, t.Name)
		for _, aid := range t.MemoryIDs {
			if atom, ok := c.atoms.Get(aid); ok {
				fmt.Fprintf(&sb, "- %s\n", atom.Content)
			}
		}
	}

	var out chroniclerOutput
	err := c.caller.Structured(ctx, llm.StructuredRequest{
		Model:        llm.ModelHaiku,
		SystemPrompt: chroniclerSystemPrompt,
		UserPrompt:   sb.String(),
		Schema:       chroniclerSchema,
		Timeout:      c.Timeout,
	}, &out)
	if err != nil {
		status := StatusError
		if llm.IsTimeout(err) {
			status = StatusTimeout
		}
		return ChroniclerResult{Status: status, ThreadsScanned: len(targets), Errors: []string{err.Error()}}
	}

	result := ChroniclerResult{Status: StatusCompleted, ThreadsScanned: len(targets)}
	for _, summary := range out.Summaries {
		if summary.Summary == "" {
			continue
		}
		// Updating the description re-embeds the thread via the store.
		if _, err := c.threads.Update(ctx, summary.ThreadID, memory.ThreadUpdate{Description: &summary.Summary}); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := c.threads.RepairConversationWatermark(summary.ThreadID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.ThreadsUpdated++
	}
	if len(result.Errors) > 0 {
		result.Status = StatusPartial
	}

	if err := c.throttle.Mutate(func(st *ThrottleState) {
		st.LastChroniclerRun = startedAt.Unix()
	}); err != nil {
		log.WithError(err).Warn("failed to persist chronicler watermark")
	}
	return result
}
