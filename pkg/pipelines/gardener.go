package pipelines

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/memory"
)

// Gardener decision actions.
const (
	ActionAssign          = "assign"
	ActionCreateAndAssign = "create_and_assign"
	ActionSupersede       = "supersede"
	ActionSkip            = "skip"
)

// candidatesPerAtom is how many topical threads are pre-computed per atom.
const candidatesPerAtom = 5

// threadOverviewLimit caps the thread overview in the prompt to the largest
// topical threads.
const threadOverviewLimit = 50

type gardenerDecision struct {
	AtomID           string `json:"atom_id" jsonschema:"description=The atom this decision applies to"`
	Action           string `json:"action" jsonschema:"description=One of assign create_and_assign supersede skip,enum=assign,enum=create_and_assign,enum=supersede,enum=skip"`
	ThreadName       string `json:"thread_name,omitempty" jsonschema:"description=Target thread for assign"`
	Confidence       string `json:"confidence,omitempty" jsonschema:"description=high medium or low,enum=high,enum=medium,enum=low"`
	NewThreadName    string `json:"new_thread_name,omitempty" jsonschema:"description=Thread to create for create_and_assign"`
	NewThreadScope   string `json:"new_thread_scope,omitempty" jsonschema:"description=Description for the created thread"`
	SupersedeContent string `json:"supersede_content,omitempty" jsonschema:"description=Replacement content for supersede"`
	SupersedeReason  string `json:"supersede_reason,omitempty" jsonschema:"description=Why the atom is superseded"`
	SkipReason       string `json:"skip_reason,omitempty" jsonschema:"description=Why the atom is skipped"`
}

type gardenerMaintenance struct {
	Action        string   `json:"action" jsonschema:"description=split or merge,enum=split,enum=merge"`
	ThreadName    string   `json:"thread_name,omitempty" jsonschema:"description=Thread to split"`
	SourceThreads []string `json:"source_threads,omitempty" jsonschema:"description=Thread names to merge"`
	NewName       string   `json:"new_name,omitempty" jsonschema:"description=Name of the merged thread"`
	NewThreads    []struct {
		Name        string   `json:"name" jsonschema:"description=Child thread name"`
		Description string   `json:"description,omitempty" jsonschema:"description=Child thread description"`
		AtomIDs     []string `json:"atom_ids" jsonschema:"description=Atoms to move into this child"`
	} `json:"new_threads,omitempty" jsonschema:"description=Split targets"`
}

type gardenerOutput struct {
	Decisions         []gardenerDecision    `json:"decisions" jsonschema:"description=One decision per atom"`
	ThreadMaintenance []gardenerMaintenance `json:"thread_maintenance,omitempty" jsonschema:"description=Optional split/merge operations"`
}

var gardenerSchema = llm.GenerateSchema[gardenerOutput]()

const gardenerSystemPrompt = `You are the gardener of a personal assistant's memory graph.
For each atom, decide whether to assign it to an existing topical thread, create a new
thread for it, supersede it with corrected content, or skip it. Respect the blocked list:
threads at their hard cap cannot take new atoms. Prefer existing threads over new ones.
Optionally propose split/merge maintenance for oversized or overlapping threads.`

// GardenerResult is the stats object a gardener cycle returns.
type GardenerResult struct {
	Status        string   `json:"status"`
	Processed     int      `json:"processed"`
	Assigned      int      `json:"assigned"`
	Created       int      `json:"created"`
	Superseded    int      `json:"superseded"`
	Skipped       int      `json:"skipped"`
	BlockedBySize int      `json:"blocked_by_size"`
	Splits        int      `json:"splits"`
	Merges        int      `json:"merges"`
	Errors        []string `json:"errors,omitempty"`
}

// Gardener maintains the topical side of the memory graph.
type Gardener struct {
	index    *embedding.Index
	atoms    *memory.AtomStore
	threads  *memory.ThreadStore
	throttle *Throttle
	caller   llm.StructuredCaller

	Timeout time.Duration
	Now     func() time.Time
}

// NewGardener wires a Gardener.
func NewGardener(index *embedding.Index, atoms *memory.AtomStore, threads *memory.ThreadStore, throttle *Throttle, caller llm.StructuredCaller) *Gardener {
	return &Gardener{
		index:    index,
		atoms:    atoms,
		threads:  threads,
		throttle: throttle,
		caller:   caller,
		Timeout:  300 * time.Second,
		Now:      time.Now,
	}
}

// Run processes the given atoms plus, when includeTriage is set, the
// low-confidence triage queue.
func (g *Gardener) Run(ctx context.Context, atomIDs []string, includeTriage bool) GardenerResult {
	log := logger.G(ctx).WithField("pipeline", "gardener")

	seen := map[string]bool{}
	var work []memory.Atom
	for _, id := range atomIDs {
		if atom, ok := g.atoms.Get(id); ok && !seen[id] {
			seen[id] = true
			work = append(work, *atom)
		}
	}
	var triage []memory.Atom
	if includeTriage {
		for _, atom := range g.atoms.LowConfidence() {
			if !seen[atom.ID] {
				seen[atom.ID] = true
				triage = append(triage, atom)
			}
		}
	}
	if len(work) == 0 && len(triage) == 0 {
		return GardenerResult{Status: StatusNoWork}
	}

	prompt, err := g.buildPrompt(ctx, work, triage)
	if err != nil {
		return GardenerResult{Status: StatusError, Errors: []string{err.Error()}}
	}

	var out gardenerOutput
	err = g.caller.Structured(ctx, llm.StructuredRequest{
		Model:        llm.ModelSonnet,
		SystemPrompt: gardenerSystemPrompt,
		UserPrompt:   prompt,
		Schema:       gardenerSchema,
		Timeout:      g.Timeout,
	}, &out)
	if err != nil {
		status := StatusError
		if llm.IsTimeout(err) {
			status = StatusTimeout
		}
		return GardenerResult{Status: status, Errors: []string{err.Error()}}
	}

	result := g.apply(ctx, &out)
	result.Processed = len(work) + len(triage)

	if err := g.throttle.Mutate(func(st *ThrottleState) {
		st.LastGardenerRun = g.Now().UTC().Unix()
	}); err != nil {
		log.WithError(err).Warn("failed to persist gardener watermark")
	}
	log.WithFields(map[string]any{
		"assigned":        result.Assigned,
		"blocked_by_size": result.BlockedBySize,
	}).Info("gardener cycle finished")
	return result
}

func (g *Gardener) buildPrompt(ctx context.Context, work, triage []memory.Atom) (string, error) {
	var sb strings.Builder

	// Thread overview: topical only, largest first, capped.
	topical := make([]memory.Thread, 0)
	for _, t := range g.threads.All() {
		if !t.IsConversation() {
			topical = append(topical, t)
		}
	}
	sort.SliceStable(topical, func(a, b int) bool {
		return len(topical[a].MemoryIDs) > len(topical[b].MemoryIDs)
	})
	if len(topical) > threadOverviewLimit {
		topical = topical[:threadOverviewLimit]
	}

	var blocked, warning []string
	sb.WriteString("## Threads\n")
	for _, t := range topical {
		size := len(t.MemoryIDs)
		fmt.Fprintf(&sb, "- %s (%d atoms): %s\n", t.Name, size, t.Description)
		if size >= memory.HardCap {
			blocked = append(blocked, t.Name)
		} else if size >= memory.SoftCap {
			warning = append(warning, t.Name)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintf(&sb, "\nBLOCKED (hard cap, no new assignments): %s\n", strings.Join(blocked, ", "))
	}
	if len(warning) > 0 {
		fmt.Fprintf(&sb, "OVER SOFT CAP (consider splitting): %s\n", strings.Join(warning, ", "))
	}

	writeAtoms := func(header string, atoms []memory.Atom) error {
		if len(atoms) == 0 {
			return nil
		}
		sb.WriteString("\n## " + header + "\n")
		for _, atom := range atoms {
			fmt.Fprintf(&sb, "\n[%s] %s\n", atom.ID, atom.Content)
			hits, err := g.index.Retrieve(ctx, atom.Content, candidatesPerAtom*2, -1, embedding.ContentThread)
			if err != nil {
				return err
			}
			count := 0
			for _, hit := range hits {
				t, ok := g.threads.Get(hit.Entry.Metadata["thread_id"])
				if !ok || t.IsConversation() {
					continue
				}
				fmt.Fprintf(&sb, "  candidate: %s (%.2f)\n", t.Name, hit.Score)
				count++
				if count == candidatesPerAtom {
					break
				}
			}
		}
		return nil
	}

	if err := writeAtoms("Atoms to organize", work); err != nil {
		return "", err
	}
	if err := writeAtoms("Low-confidence atoms to revisit", triage); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (g *Gardener) apply(ctx context.Context, out *gardenerOutput) GardenerResult {
	result := GardenerResult{Status: StatusCompleted}

	for _, d := range out.Decisions {
		switch d.Action {
		case ActionAssign:
			g.applyAssign(ctx, d, &result)
		case ActionCreateAndAssign:
			name := d.NewThreadName
			if name == "" {
				name = d.ThreadName
			}
			thread, ok := g.threads.GetByName(name)
			if !ok {
				created, err := g.threads.Create(ctx, name, d.NewThreadScope, memory.ThreadOpts{})
				if err != nil {
					result.Errors = append(result.Errors, err.Error())
					continue
				}
				result.Created++
				thread = created
			}
			d.ThreadName = thread.Name
			g.applyAssign(ctx, d, &result)
		case ActionSupersede:
			if d.SupersedeContent == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("supersede for %s with empty content", d.AtomID))
				continue
			}
			_, err := g.atoms.Update(ctx, d.AtomID, memory.UpdateOpts{
				Content:          &d.SupersedeContent,
				SupersededReason: d.SupersedeReason,
			})
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Superseded++
		case ActionSkip:
			result.Skipped++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("unknown action %q for atom %s", d.Action, d.AtomID))
		}
	}

	for _, m := range out.ThreadMaintenance {
		switch m.Action {
		case "split":
			source, ok := g.threads.GetByName(m.ThreadName)
			if !ok {
				result.Errors = append(result.Errors, fmt.Sprintf("split target %q not found", m.ThreadName))
				continue
			}
			if source.IsConversation() {
				result.Errors = append(result.Errors, "split refused for conversation thread")
				continue
			}
			specs := make([]memory.SplitSpec, 0, len(m.NewThreads))
			for _, nt := range m.NewThreads {
				specs = append(specs, memory.SplitSpec{Name: nt.Name, Description: nt.Description, AtomIDs: nt.AtomIDs})
			}
			if _, err := g.threads.Split(ctx, source.ID, specs, true); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Splits++
		case "merge":
			var ids []string
			refused := false
			for _, name := range m.SourceThreads {
				t, ok := g.threads.GetByName(name)
				if !ok {
					result.Errors = append(result.Errors, fmt.Sprintf("merge source %q not found", name))
					refused = true
					break
				}
				if t.IsConversation() {
					result.Errors = append(result.Errors, "merge refused for conversation thread")
					refused = true
					break
				}
				ids = append(ids, t.ID)
			}
			if refused {
				continue
			}
			if _, err := g.threads.Merge(ctx, ids, m.NewName, ""); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Merges++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("unknown maintenance action %q", m.Action))
		}
	}

	if len(result.Errors) > 0 {
		result.Status = StatusPartial
	}
	return result
}

func (g *Gardener) applyAssign(ctx context.Context, d gardenerDecision, result *GardenerResult) {
	thread, ok := g.threads.GetByName(d.ThreadName)
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("assign target %q not found", d.ThreadName))
		return
	}
	if ok, reason := g.threads.CanAssign(thread.ID); !ok {
		result.BlockedBySize++
		logger.G(ctx).WithFields(map[string]any{"thread": d.ThreadName, "reason": reason}).
			Info("gardener assignment blocked")
		return
	}
	if err := g.threads.AddMemory(thread.ID, d.AtomID); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	conf := memory.Confidence(d.Confidence)
	if conf == "" {
		conf = memory.ConfidenceMedium
	}
	if _, err := g.atoms.Update(ctx, d.AtomID, memory.UpdateOpts{
		Confidence: map[string]memory.Confidence{thread.ID: conf},
	}); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.Assigned++
}
