// Package retrieval assembles the memory context injected into every prompt:
// a query rewriter, hybrid thread-first retrieval under a token budget, and
// a separate recent-memory block for the last day's conversations.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/memory"
)

const (
	// DefaultBudget is the retrieval token budget; tokens are estimated at
	// ~4 chars each.
	DefaultBudget = 20000
	// MinSemanticScore is the cosine floor below which threads are skipped.
	// Tuned for e5-base-v2; a different embedding model needs a re-tune.
	MinSemanticScore = 0.65
	// bonusBudgetShare caps phase-2 bonus atoms at this share of the budget.
	bonusBudgetShare = 0.25
	// atomOverfetch is how many atom hits each query pulls to maximize
	// implied thread candidates.
	atomOverfetch = 100
)

// EstimateTokens approximates the token cost of text at ~4 chars/token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Options tunes one retrieval call.
type Options struct {
	Budget   int
	MinScore float32
	// ExcludeSessionID drops atoms sourced from the current chat...
	ExcludeSessionID string
	// ...unless they were created before UncompactedAfter: atoms older than
	// the compaction boundary stay, because their source messages have been
	// replaced by a summary.
	UncompactedAfter *time.Time
	// ExcludeThreadIDs skips threads already present in the recent-memory
	// block.
	ExcludeThreadIDs map[string]bool
}

// SelectedThread is one whole thread included in the context.
type SelectedThread struct {
	Thread memory.Thread
	Atoms  []memory.Atom
	Score  float32
}

// BonusAtom is an individually high-scoring atom from a non-selected thread.
type BonusAtom struct {
	Atom         memory.Atom
	SourceThread string
	Score        float32
}

// MemoryContext is the assembled retrieval result.
type MemoryContext struct {
	Threads    []SelectedThread
	BonusAtoms []BonusAtom
}

// Engine performs hybrid retrieval.
type Engine struct {
	index   *embedding.Index
	atoms   *memory.AtomStore
	threads *memory.ThreadStore
}

// NewEngine builds an Engine over the memory stores.
func NewEngine(index *embedding.Index, atoms *memory.AtomStore, threads *memory.ThreadStore) *Engine {
	return &Engine{index: index, atoms: atoms, threads: threads}
}

// excluded applies the session-dedup rule.
func excluded(a memory.Atom, opts Options) bool {
	if opts.ExcludeSessionID == "" || a.SourceSessionID != opts.ExcludeSessionID {
		return false
	}
	if opts.UncompactedAfter != nil && a.CreatedAt.Before(*opts.UncompactedAfter) {
		// Compacted away on the conversation side; keep the atom.
		return false
	}
	return true
}

// Retrieve runs hybrid thread-first retrieval for the rewritten queries.
func (e *Engine) Retrieve(ctx context.Context, queries []WeightedQuery, opts Options) (*MemoryContext, error) {
	if opts.Budget == 0 {
		opts.Budget = DefaultBudget
	}
	if opts.MinScore == 0 {
		opts.MinScore = MinSemanticScore
	}

	// Query weight multiplies into the score before the relevance floor is
	// applied, so a down-weighted query must clear a proportionally higher
	// similarity bar to contribute. Intentional: weight expresses how much
	// the query is trusted, not just how its hits rank.
	threadScores := map[string]float32{} // thread id -> best score
	atomScores := map[string]float32{}   // atom id -> best score
	for _, q := range queries {
		weight := float32(q.Weight)
		if weight <= 0 {
			weight = 1
		}

		threadHits, err := e.index.Retrieve(ctx, q.Text, 20, -1, embedding.ContentThread)
		if err != nil {
			return nil, err
		}
		for _, hit := range threadHits {
			tid := hit.Entry.Metadata["thread_id"]
			if score := hit.Score * weight; score > threadScores[tid] {
				threadScores[tid] = score
			}
		}

		atomHits, err := e.index.Retrieve(ctx, q.Text, atomOverfetch, -1, embedding.ContentMemory)
		if err != nil {
			return nil, err
		}
		for _, hit := range atomHits {
			aid := hit.Entry.Metadata["memory_id"]
			if score := hit.Score * weight; score > atomScores[aid] {
				atomScores[aid] = score
			}
		}
	}

	// Implied ownership: a thread containing a high-scoring atom is a
	// candidate even without a direct thread hit. The thread's score is
	// max(direct similarity, best child atom similarity); recency plays no
	// part here, the recent-memory block owns recency.
	atomIDs := make([]string, 0, len(atomScores))
	for aid := range atomScores {
		atomIDs = append(atomIDs, aid)
	}
	owners := e.threads.ThreadsContaining(atomIDs)
	atomOwners := map[string][]string{} // atom id -> owning thread names
	for aid, ts := range owners {
		for _, t := range ts {
			atomOwners[aid] = append(atomOwners[aid], t.ID)
			if score := atomScores[aid]; score > threadScores[t.ID] {
				threadScores[t.ID] = score
			}
		}
	}

	type candidate struct {
		thread memory.Thread
		score  float32
	}
	var candidates []candidate
	for tid, score := range threadScores {
		if score < opts.MinScore {
			continue
		}
		if opts.ExcludeThreadIDs[tid] {
			continue
		}
		if t, ok := e.threads.Get(tid); ok {
			candidates = append(candidates, candidate{thread: *t, score: score})
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })

	result := &MemoryContext{}
	remaining := opts.Budget
	selectedThreads := map[string]bool{}
	includedAtoms := map[string]bool{}

	// Phase 1: whole threads, all-or-nothing, chronological atoms.
	for _, cand := range candidates {
		atoms := e.threadAtoms(cand.thread, opts)
		if len(atoms) == 0 {
			continue
		}
		cost := EstimateTokens(cand.thread.Name + cand.thread.Description)
		for _, a := range atoms {
			cost += EstimateTokens(a.Content)
		}
		if cost > remaining {
			continue
		}
		remaining -= cost
		selectedThreads[cand.thread.ID] = true
		for _, a := range atoms {
			includedAtoms[a.ID] = true
		}
		result.Threads = append(result.Threads, SelectedThread{Thread: cand.thread, Atoms: atoms, Score: cand.score})
	}

	// Phase 2: bonus atoms from non-selected threads, capped at a share of
	// the total budget.
	bonusBudget := int(float64(opts.Budget) * bonusBudgetShare)
	if remaining < bonusBudget {
		bonusBudget = remaining
	}
	type scoredAtom struct {
		id    string
		score float32
	}
	var ranked []scoredAtom
	for aid, score := range atomScores {
		if score >= opts.MinScore && !includedAtoms[aid] {
			ranked = append(ranked, scoredAtom{id: aid, score: score})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	for _, sa := range ranked {
		ownerIDs := atomOwners[sa.id]
		fromSelected := false
		sourceName := ""
		for _, tid := range ownerIDs {
			if selectedThreads[tid] {
				fromSelected = true
				break
			}
			if t, ok := e.threads.Get(tid); ok && sourceName == "" {
				sourceName = t.Name
			}
		}
		if fromSelected {
			continue
		}
		atom, ok := e.atoms.Get(sa.id)
		if !ok || excluded(*atom, opts) {
			continue
		}
		cost := EstimateTokens(atom.Content)
		if cost > bonusBudget {
			continue
		}
		bonusBudget -= cost
		includedAtoms[atom.ID] = true
		result.BonusAtoms = append(result.BonusAtoms, BonusAtom{Atom: *atom, SourceThread: sourceName, Score: sa.score})
	}

	return result, nil
}

// threadAtoms loads a thread's members, drops excluded atoms, and orders
// them chronologically oldest-first.
func (e *Engine) threadAtoms(t memory.Thread, opts Options) []memory.Atom {
	var atoms []memory.Atom
	for _, aid := range t.MemoryIDs {
		atom, ok := e.atoms.Get(aid)
		if !ok || excluded(*atom, opts) {
			continue
		}
		atoms = append(atoms, *atom)
	}
	sort.SliceStable(atoms, func(a, b int) bool { return atoms[a].CreatedAt.Before(atoms[b].CreatedAt) })
	return atoms
}

const contextPreamble = "These are my long-term memories relevant to the current conversation. " +
	"I recorded them during past conversations and trust them as my own."

// Format renders the context as the prompt block.
func (mc *MemoryContext) Format(now time.Time) string {
	if len(mc.Threads) == 0 && len(mc.BonusAtoms) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<memory>\n")
	sb.WriteString(contextPreamble)
	sb.WriteString("\n")
	for _, st := range mc.Threads {
		fmt.Fprintf(&sb, "\n## %s\n", st.Thread.Name)
		if st.Thread.Description != "" {
			sb.WriteString(st.Thread.Description + "\n")
		}
		for _, a := range st.Atoms {
			fmt.Fprintf(&sb, "- [%s] %s\n", RecencyLabel(a.CreatedAt, now), a.Content)
		}
	}
	if len(mc.BonusAtoms) > 0 {
		sb.WriteString("\n## Related\n")
		for _, ba := range mc.BonusAtoms {
			label := RecencyLabel(ba.Atom.CreatedAt, now)
			if ba.SourceThread != "" {
				fmt.Fprintf(&sb, "- [%s] (%s) %s\n", label, ba.SourceThread, ba.Atom.Content)
			} else {
				fmt.Fprintf(&sb, "- [%s] %s\n", label, ba.Atom.Content)
			}
		}
	}
	sb.WriteString("</memory>")
	return sb.String()
}

// AtomIDs lists every atom id in the context, across threads and bonus
// atoms. No id appears twice.
func (mc *MemoryContext) AtomIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, st := range mc.Threads {
		for _, a := range st.Atoms {
			if !seen[a.ID] {
				seen[a.ID] = true
				out = append(out, a.ID)
			}
		}
	}
	for _, ba := range mc.BonusAtoms {
		if !seen[ba.Atom.ID] {
			seen[ba.Atom.ID] = true
			out = append(out, ba.Atom.ID)
		}
	}
	return out
}
