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

// Pipeline cycle statuses.
const (
	StatusCompleted   = "completed"
	StatusPartial     = "partial"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusEmpty       = "empty"
	StatusNoWork      = "no_work"
	StatusThrottled   = "throttled"
	StatusEmptyBuffer = "empty_buffer"
)

// DefaultLibrarianThrottle is the minimum gap between librarian runs.
const DefaultLibrarianThrottle = 20 * time.Minute

// librarianDedupThreshold is the cosine floor for treating a proposed atom
// as a duplicate of an existing one.
const librarianDedupThreshold = 0.88

// recentAtomContext is how many recent atoms go into the prompt for dedup
// context.
const recentAtomContext = 100

type librarianAtom struct {
	Content string `json:"content" jsonschema:"description=One standalone fact in first person"`
	// Importance is accepted for schema compatibility but ignored.
	Importance    string   `json:"importance,omitempty" jsonschema:"description=Legacy field; ignored"`
	ThreadNames   []string `json:"thread_names" jsonschema:"description=2-4 topical threads this fact belongs to"`
	Tags          []string `json:"tags,omitempty" jsonschema:"description=Short lowercase tags"`
	SourceContext string   `json:"source_context,omitempty" jsonschema:"description=Brief note on where this came from"`
}

type librarianThread struct {
	Name        string `json:"name" jsonschema:"description=Thread name"`
	Description string `json:"description" jsonschema:"description=One-sentence thread description"`
}

type librarianOutput struct {
	AtomicMemories []librarianAtom   `json:"atomic_memories" jsonschema:"description=Facts extracted from the exchanges"`
	NewThreads     []librarianThread `json:"new_threads" jsonschema:"description=Topical threads to create"`
	SkippedReason  string            `json:"skipped_reason,omitempty" jsonschema:"description=Why nothing was extracted"`
}

var librarianSchema = llm.GenerateSchema[librarianOutput]()

const librarianSystemPrompt = `You are the librarian of a personal assistant's long-term memory.
Given recent conversation exchanges, extract standalone atomic facts worth remembering.
Each fact must stand on its own without conversational context. Skip chit-chat,
transient states, and anything already present in the existing memories shown.
Assign each fact to 2-4 topical threads, reusing existing thread names where they fit
and proposing new_threads for genuinely new topics.`

// LibrarianResult is the stats object a librarian cycle returns.
type LibrarianResult struct {
	Status                      string   `json:"status"`
	MinutesRemaining            float64  `json:"minutes_remaining,omitempty"`
	ExchangesProcessed          int      `json:"exchanges_processed"`
	AtomsCreated                int      `json:"atoms_created"`
	AtomsDeduped                int      `json:"atoms_deduped"`
	ThreadsCreated              int      `json:"threads_created"`
	NewAtomIDs                  []string `json:"new_atom_ids,omitempty"`
	AffectedConversationThreads []string `json:"affected_conversation_threads,omitempty"`
	Errors                      []string `json:"errors,omitempty"`
}

// Librarian ingests buffered exchanges into the memory graph.
type Librarian struct {
	buffer   *Buffer
	throttle *Throttle
	atoms    *memory.AtomStore
	threads  *memory.ThreadStore
	caller   llm.StructuredCaller

	// ThrottleWindow defaults to 20 minutes.
	ThrottleWindow time.Duration
	// Timeout bounds the extraction call.
	Timeout time.Duration
	// Now is stubbed in tests.
	Now func() time.Time
}

// NewLibrarian wires a Librarian.
func NewLibrarian(buffer *Buffer, throttle *Throttle, atoms *memory.AtomStore, threads *memory.ThreadStore, caller llm.StructuredCaller) *Librarian {
	return &Librarian{
		buffer:         buffer,
		throttle:       throttle,
		atoms:          atoms,
		threads:        threads,
		caller:         caller,
		ThrottleWindow: DefaultLibrarianThrottle,
		Timeout:        300 * time.Second,
		Now:            time.Now,
	}
}

// Run executes one librarian cycle.
func (l *Librarian) Run(ctx context.Context) LibrarianResult {
	log := logger.G(ctx).WithField("pipeline", "librarian")

	n, err := l.buffer.Len()
	if err != nil {
		return LibrarianResult{Status: StatusError, Errors: []string{err.Error()}}
	}
	if n == 0 {
		return LibrarianResult{Status: StatusEmptyBuffer}
	}

	now := l.Now().UTC()
	state, err := l.throttle.Get()
	if err != nil {
		return LibrarianResult{Status: StatusError, Errors: []string{err.Error()}}
	}
	if last := time.Unix(state.LastLibrarianRun, 0); now.Sub(last) < l.ThrottleWindow {
		remaining := l.ThrottleWindow - now.Sub(last)
		return LibrarianResult{Status: StatusThrottled, MinutesRemaining: remaining.Minutes()}
	}

	// Consume first, then run: the buffer is drained and the throttle
	// advanced before any model call, so a crash mid-run cannot double
	// process the same exchanges.
	exchanges, err := l.buffer.Drain()
	if err != nil {
		return LibrarianResult{Status: StatusError, Errors: []string{err.Error()}}
	}
	if len(exchanges) == 0 {
		// Raced with another consumer; leave the throttle untouched.
		return LibrarianResult{Status: StatusEmptyBuffer}
	}
	if err := l.throttle.Mutate(func(st *ThrottleState) {
		st.LastLibrarianRun = now.Unix()
		st.TotalRuns++
		st.TotalExchangesProcessed += len(exchanges)
	}); err != nil {
		log.WithError(err).Warn("failed to persist throttle state")
	}

	// The buffer mixes exchanges from every chat. Extraction and attribution
	// run per session so a fact from one chat never lands in another chat's
	// conversation thread.
	result := LibrarianResult{ExchangesProcessed: len(exchanges)}
	extracted := false
	for _, group := range groupBySession(exchanges) {
		out, err := l.extract(ctx, group)
		if err != nil {
			result.Status = StatusError
			if llm.IsTimeout(err) {
				result.Status = StatusTimeout
			}
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if out.SkippedReason != "" && len(out.AtomicMemories) == 0 {
			log.WithFields(map[string]any{
				"session": group[0].SessionID,
				"reason":  out.SkippedReason,
			}).Info("librarian skipped batch")
			continue
		}
		extracted = true

		part := l.apply(ctx, group, out)
		result.AtomsCreated += part.AtomsCreated
		result.AtomsDeduped += part.AtomsDeduped
		result.ThreadsCreated += part.ThreadsCreated
		result.NewAtomIDs = append(result.NewAtomIDs, part.NewAtomIDs...)
		result.AffectedConversationThreads = append(result.AffectedConversationThreads, part.AffectedConversationThreads...)
		result.Errors = append(result.Errors, part.Errors...)
	}

	switch {
	case len(result.Errors) > 0 && extracted:
		result.Status = StatusPartial
	case len(result.Errors) > 0:
		// Keep the error/timeout status from the failed extraction.
	case !extracted:
		result.Status = StatusNoWork
	default:
		result.Status = StatusCompleted
	}
	log.WithFields(map[string]any{
		"atoms_created":   result.AtomsCreated,
		"atoms_deduped":   result.AtomsDeduped,
		"threads_created": result.ThreadsCreated,
	}).Info("librarian cycle finished")
	return result
}

// groupBySession partitions a drained batch by the chat each exchange came
// from, preserving first-appearance order.
func groupBySession(exchanges []Exchange) [][]Exchange {
	var order []string
	grouped := map[string][]Exchange{}
	for _, ex := range exchanges {
		if _, seen := grouped[ex.SessionID]; !seen {
			order = append(order, ex.SessionID)
		}
		grouped[ex.SessionID] = append(grouped[ex.SessionID], ex)
	}
	out := make([][]Exchange, 0, len(order))
	for _, sid := range order {
		out = append(out, grouped[sid])
	}
	return out
}

func (l *Librarian) extract(ctx context.Context, exchanges []Exchange) (*librarianOutput, error) {
	var sb strings.Builder
	sb.WriteString("## Exchanges to process\n")
	for _, ex := range exchanges {
		fmt.Fprintf(&sb, "\n[%s | session %s]\nUSER: %s\nASSISTANT: %s\n",
			ex.Timestamp.Format(time.RFC3339), ex.SessionID, ex.UserMessage, ex.AssistantMessage)
	}

	recent := l.atoms.Recent(recentAtomContext)
	if len(recent) > 0 {
		sb.WriteString("\n## Existing memories (do not duplicate)\n")
		for _, a := range recent {
			fmt.Fprintf(&sb, "- %s\n", a.Content)
		}
	}

	existing := l.threads.All()
	if len(existing) > 0 {
		sb.WriteString("\n## Existing threads\n")
		for _, t := range existing {
			if t.IsConversation() {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}

	var out librarianOutput
	err := l.caller.Structured(ctx, llm.StructuredRequest{
		Model:        llm.ModelSonnet,
		SystemPrompt: librarianSystemPrompt,
		UserPrompt:   sb.String(),
		Schema:       librarianSchema,
		Timeout:      l.Timeout,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// apply writes one session's extraction into the graph. exchanges all share
// a session id.
func (l *Librarian) apply(ctx context.Context, exchanges []Exchange, out *librarianOutput) LibrarianResult {
	result := LibrarianResult{Status: StatusCompleted}

	// New atoms are stamped with the group's earliest exchange time so
	// recency reflects when the fact surfaced, not when the throttled
	// pipeline got around to it.
	earliest := exchanges[0].Timestamp
	sessionID := exchanges[0].SessionID
	exchangeID := exchanges[0].ExchangeID
	for _, ex := range exchanges[1:] {
		if ex.Timestamp.Before(earliest) {
			earliest = ex.Timestamp
		}
	}

	for _, nt := range out.NewThreads {
		if _, exists := l.threads.GetByName(nt.Name); exists {
			continue
		}
		if _, err := l.threads.Create(ctx, nt.Name, nt.Description, memory.ThreadOpts{}); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.ThreadsCreated++
	}

	affected := map[string]bool{}
	for _, proposed := range out.AtomicMemories {
		if proposed.Content == "" {
			continue
		}
		if _, dup, err := l.atoms.FindSimilar(ctx, proposed.Content, librarianDedupThreshold); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		} else if dup {
			result.AtomsDeduped++
			continue
		}

		atom, err := l.atoms.Create(ctx, proposed.Content, memory.CreateOpts{
			Tags:             proposed.Tags,
			SourceSessionID:  sessionID,
			SourceExchangeID: exchangeID,
			CreatedAt:        earliest,
		})
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.AtomsCreated++
		result.NewAtomIDs = append(result.NewAtomIDs, atom.ID)

		for _, name := range proposed.ThreadNames {
			thread, ok := l.threads.GetByName(name)
			if !ok {
				created, err := l.threads.Create(ctx, name, "", memory.ThreadOpts{})
				if err != nil {
					result.Errors = append(result.Errors, err.Error())
					continue
				}
				result.ThreadsCreated++
				thread = created
			}
			if err := l.threads.AddMemory(thread.ID, atom.ID); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}

		conv, err := l.conversationThread(ctx, atom.SourceSessionID)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := l.threads.AddMemory(conv.ID, atom.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		affected[conv.ID] = true
	}

	for id := range affected {
		result.AffectedConversationThreads = append(result.AffectedConversationThreads, id)
	}
	if len(result.Errors) > 0 {
		result.Status = StatusPartial
	}
	return result
}

// conversationThread finds or creates the conversation thread for a chat.
func (l *Librarian) conversationThread(ctx context.Context, chatID string) (*memory.Thread, error) {
	if existing, ok := l.threads.ConversationForRoom(chatID); ok {
		return existing, nil
	}
	return l.threads.Create(ctx, "Conversation "+chatID, "", memory.ThreadOpts{
		ThreadType: memory.ThreadConversation,
		Scope:      memory.RoomScope(chatID),
	})
}
