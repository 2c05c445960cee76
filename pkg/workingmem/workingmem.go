// Package workingmem is the per-agent scratchpad: short-lived notes that
// decay as exchanges pass, with a small number of pinned items and optional
// deadlines rendered as a T-/T+ countdown.
package workingmem

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
)

// MaxPinned bounds how many items may be pinned at once.
const MaxPinned = 3

// DefaultTTL is the number of exchanges an unpinned note survives.
const DefaultTTL = 10

// DeadlineType marks how strictly a deadline binds.
type DeadlineType string

const (
	DeadlineSoft DeadlineType = "soft"
	DeadlineHard DeadlineType = "hard"
)

// Item is one working-memory note.
type Item struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Tag          string        `json:"tag,omitempty"`
	TTLInitial   int           `json:"ttl_initial"`
	TTLRemaining int           `json:"ttl_remaining"`
	Pinned       bool          `json:"pinned,omitempty"`
	PinRank      int           `json:"pin_rank,omitempty"`
	Deadline     *time.Time    `json:"deadline_at,omitempty"`
	RemindBefore time.Duration `json:"remind_before,omitempty"`
	DeadlineType DeadlineType  `json:"deadline_type,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type doc struct {
	Items []Item `json:"items"`
}

// Store persists one agent's working memory.
type Store struct {
	store *fstore.Store
	path  string

	// Now is stubbed in tests.
	Now func() time.Time
}

// NewStore opens the working memory file at path.
func NewStore(path string, store *fstore.Store) *Store {
	return &Store{store: store, path: path, Now: time.Now}
}

// AddOpts carries the optional fields for Add. Zero TTL means the default;
// a deadline without an explicit type is soft.
type AddOpts struct {
	Tag          string
	TTL          int
	Deadline     *time.Time
	RemindBefore time.Duration
	DeadlineType DeadlineType
}

// Add appends a note.
func (s *Store) Add(content string, opts AddOpts) (Item, error) {
	if content == "" {
		return Item{}, errors.New("working memory content must not be empty")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	dt := opts.DeadlineType
	if dt == "" && opts.Deadline != nil {
		dt = DeadlineSoft
	}
	now := s.Now().UTC()
	item := Item{
		ID:           now.Format("20060102150405") + "-" + uuid.NewString()[:8],
		Content:      content,
		Tag:          opts.Tag,
		TTLInitial:   ttl,
		TTLRemaining: ttl,
		Deadline:     opts.Deadline,
		RemindBefore: opts.RemindBefore,
		DeadlineType: dt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var d doc
	err := s.store.Update(s.path, &d, func() error {
		d.Items = append(d.Items, item)
		return nil
	})
	return item, err
}

// List returns items in display order: pinned first (rank descending, then
// recency), then soonest deadline, then recency.
func (s *Store) List() ([]Item, error) {
	var d doc
	if err := s.store.Load(s.path, &d); err != nil {
		return nil, err
	}
	items := append([]Item(nil), d.Items...)
	sortItems(items)
	return items, nil
}

// Update replaces the content of the item at the 1-based display index.
func (s *Store) Update(index int, content string) error {
	if content == "" {
		return errors.New("working memory content must not be empty")
	}
	return s.mutateAt(index, func(item *Item) error {
		item.Content = content
		return nil
	})
}

// Remove deletes the item at the 1-based display index.
func (s *Store) Remove(index int) error {
	var d doc
	return s.store.Update(s.path, &d, func() error {
		id, err := idAtIndex(d.Items, index)
		if err != nil {
			return err
		}
		for i := range d.Items {
			if d.Items[i].ID == id {
				d.Items = append(d.Items[:i], d.Items[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Pin pins the item at the 1-based display index with the given rank
// (1-3, higher ranks sort first).
func (s *Store) Pin(index, rank int) error {
	if rank < 1 || rank > 3 {
		return errors.Errorf("pin rank must be 1-3, got %d", rank)
	}
	var d doc
	return s.store.Update(s.path, &d, func() error {
		pinned := 0
		for _, item := range d.Items {
			if item.Pinned {
				pinned++
			}
		}

		id, err := idAtIndex(d.Items, index)
		if err != nil {
			return err
		}
		for i := range d.Items {
			if d.Items[i].ID == id {
				if !d.Items[i].Pinned && pinned >= MaxPinned {
					return errors.Errorf("at most %d items may be pinned", MaxPinned)
				}
				d.Items[i].Pinned = true
				d.Items[i].PinRank = rank
				d.Items[i].UpdatedAt = s.Now().UTC()
				return nil
			}
		}
		return nil
	})
}

// Unpin clears the pin on the item at the 1-based display index.
func (s *Store) Unpin(index int) error {
	return s.mutateAt(index, func(item *Item) error {
		item.Pinned = false
		item.PinRank = 0
		return nil
	})
}

// AdvanceExchange runs the once-per-exchange decay: unpinned items with no
// deadline, or whose deadline has passed, lose one ttl; items reaching
// zero are purged. Items with a future deadline hold steady so they cannot
// expire before the moment they track.
func (s *Store) AdvanceExchange() error {
	now := s.Now().UTC()
	var d doc
	return s.store.Update(s.path, &d, func() error {
		kept := d.Items[:0]
		for _, item := range d.Items {
			if !item.Pinned && (item.Deadline == nil || item.Deadline.Before(now)) {
				item.TTLRemaining--
			}
			if item.TTLRemaining > 0 {
				kept = append(kept, item)
			}
		}
		d.Items = kept
		return nil
	})
}

// Render formats the display list, one numbered line per item.
func (s *Store) Render() (string, error) {
	items, err := s.List()
	if err != nil {
		return "", err
	}
	now := s.Now().UTC()

	var out string
	for i, item := range items {
		line := fmt.Sprintf("%d. %s", i+1, item.Content)
		if item.Tag != "" {
			line += fmt.Sprintf(" #%s", item.Tag)
		}
		if item.Pinned {
			line += fmt.Sprintf(" [pinned:%d]", item.PinRank)
		}
		if item.Deadline != nil {
			label := RenderDeadline(now, *item.Deadline)
			if item.DeadlineType == DeadlineHard {
				label += " hard"
			}
			line += " [" + label + "]"
			if item.RemindBefore > 0 && now.Before(*item.Deadline) && !now.Before(item.Deadline.Add(-item.RemindBefore)) {
				line += " (due soon)"
			}
		}
		out += line + "\n"
	}
	return out, nil
}

// RenderDeadline renders the countdown to (or overshoot past) a deadline
// with coarse granularity.
func RenderDeadline(now, deadline time.Time) string {
	diff := deadline.Sub(now)
	prefix := "T-"
	if diff < 0 {
		prefix = "T+"
		diff = -diff
	}
	switch {
	case diff < time.Minute:
		return prefix + "<1m"
	case diff < time.Hour:
		return fmt.Sprintf("%s%dm", prefix, int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%s%dh", prefix, int(diff.Hours()))
	default:
		return fmt.Sprintf("%s%dd", prefix, int(diff.Hours()/24))
	}
}

func (s *Store) mutateAt(index int, fn func(*Item) error) error {
	var d doc
	return s.store.Update(s.path, &d, func() error {
		id, err := idAtIndex(d.Items, index)
		if err != nil {
			return err
		}
		for i := range d.Items {
			if d.Items[i].ID == id {
				if err := fn(&d.Items[i]); err != nil {
					return err
				}
				d.Items[i].UpdatedAt = s.Now().UTC()
				return nil
			}
		}
		return nil
	})
}

// idAtIndex resolves a 1-based display index against the sorted view.
func idAtIndex(items []Item, index int) (string, error) {
	if index < 1 || index > len(items) {
		return "", errors.Errorf("index %d out of range, have %d items", index, len(items))
	}
	sorted := append([]Item(nil), items...)
	sortItems(sorted)
	return sorted[index-1].ID, nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		ia, ib := items[a], items[b]
		if ia.Pinned != ib.Pinned {
			return ia.Pinned
		}
		if ia.Pinned {
			if ia.PinRank != ib.PinRank {
				return ia.PinRank > ib.PinRank
			}
			return ia.CreatedAt.After(ib.CreatedAt)
		}
		aHas, bHas := ia.Deadline != nil, ib.Deadline != nil
		if aHas != bHas {
			return aHas
		}
		if aHas {
			return ia.Deadline.Before(*ib.Deadline)
		}
		return ia.CreatedAt.After(ib.CreatedAt)
	})
}
