package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/memory"
)

const (
	// DefaultRecentWindow is how far back the recent-memory block looks.
	DefaultRecentWindow = 24 * time.Hour
	// DefaultRecentBudget is the block's own token budget.
	DefaultRecentBudget = 4000
)

// RecentOptions tunes the recent-memory block.
type RecentOptions struct {
	Window        time.Duration
	Budget        int
	CurrentRoomID string
	// Session-dedup rules, same as hybrid retrieval.
	ExcludeSessionID string
	UncompactedAfter *time.Time
}

// RecentBlock is the rendered recent-memory block plus the conversation
// threads it covered, so hybrid retrieval can skip them.
type RecentBlock struct {
	Text      string
	ThreadIDs map[string]bool
}

// RecentMemories renders every conversation thread updated within the
// look-back window, excluding the current room. Whole threads are included
// when they fit; otherwise only the most recent atoms that fit, with an
// omission marker.
func (e *Engine) RecentMemories(opts RecentOptions, now time.Time) *RecentBlock {
	if opts.Window == 0 {
		opts.Window = DefaultRecentWindow
	}
	if opts.Budget == 0 {
		opts.Budget = DefaultRecentBudget
	}
	cutoff := now.Add(-opts.Window)

	var recent []memory.Thread
	for _, t := range e.threads.All() {
		if !t.IsConversation() || t.LastUpdated.Before(cutoff) {
			continue
		}
		if opts.CurrentRoomID != "" && t.Scope == memory.RoomScope(opts.CurrentRoomID) {
			continue
		}
		recent = append(recent, t)
	}
	sort.SliceStable(recent, func(a, b int) bool {
		return recent[a].LastUpdated.After(recent[b].LastUpdated)
	})

	block := &RecentBlock{ThreadIDs: map[string]bool{}}
	if len(recent) == 0 {
		return block
	}

	hopts := Options{ExcludeSessionID: opts.ExcludeSessionID, UncompactedAfter: opts.UncompactedAfter}
	remaining := opts.Budget
	var sb strings.Builder
	sb.WriteString("<recent-memory>\nFrom my conversations in the last day:\n")
	wrote := false

	for _, t := range recent {
		atoms := e.threadAtoms(t, hopts)
		if len(atoms) == 0 {
			continue
		}

		header := fmt.Sprintf("\n## %s\n", t.Name)
		cost := EstimateTokens(header)
		total := cost
		for _, a := range atoms {
			total += EstimateTokens(a.Content)
		}

		if total <= remaining {
			remaining -= total
			sb.WriteString(header)
			for _, a := range atoms {
				fmt.Fprintf(&sb, "- [%s] %s\n", RecencyLabel(a.CreatedAt, now), a.Content)
			}
		} else {
			// Keep only the most recent atoms that fit.
			fit := remaining - cost - EstimateTokens("... earlier entries omitted ...")
			var kept []memory.Atom
			for i := len(atoms) - 1; i >= 0; i-- {
				c := EstimateTokens(atoms[i].Content)
				if c > fit {
					break
				}
				fit -= c
				kept = append([]memory.Atom{atoms[i]}, kept...)
			}
			if len(kept) == 0 {
				continue
			}
			remaining = fit
			sb.WriteString(header)
			fmt.Fprintf(&sb, "... %d earlier entries omitted ...\n", len(atoms)-len(kept))
			for _, a := range kept {
				fmt.Fprintf(&sb, "- [%s] %s\n", RecencyLabel(a.CreatedAt, now), a.Content)
			}
		}
		block.ThreadIDs[t.ID] = true
		wrote = true
	}

	if !wrote {
		return &RecentBlock{ThreadIDs: map[string]bool{}}
	}
	sb.WriteString("</recent-memory>")
	block.Text = sb.String()
	return block
}
