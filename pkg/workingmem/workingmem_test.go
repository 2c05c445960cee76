package workingmem

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/fstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "working_memory.json"), fstore.New())
}

func TestTTLDecayPurgesExpiredItems(t *testing.T) {
	s := newStore(t)

	_, err := s.Add("call the dentist", AddOpts{TTL: 2})
	require.NoError(t, err)

	require.NoError(t, s.AdvanceExchange())
	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].TTLRemaining)

	require.NoError(t, s.AdvanceExchange())
	items, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, items, "items reaching zero ttl are purged")
}

func TestPinnedItemsDoNotDecay(t *testing.T) {
	s := newStore(t)

	_, err := s.Add("keep this", AddOpts{TTL: 1})
	require.NoError(t, err)
	require.NoError(t, s.Pin(1, 2))

	require.NoError(t, s.AdvanceExchange())
	require.NoError(t, s.AdvanceExchange())

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].TTLRemaining)
}

func TestFutureDeadlineSuspendsDecay(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	deadline := now.Add(2 * time.Hour)
	_, err := s.Add("meeting prep", AddOpts{TTL: 1, Deadline: &deadline})
	require.NoError(t, err)

	// Before the deadline the item survives any number of exchanges.
	require.NoError(t, s.AdvanceExchange())
	require.NoError(t, s.AdvanceExchange())
	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Past the deadline the normal decay resumes.
	now = now.Add(3 * time.Hour)
	require.NoError(t, s.AdvanceExchange())
	items, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMaxThreePinned(t *testing.T) {
	s := newStore(t)
	for _, content := range []string{"a", "b", "c", "d"} {
		_, err := s.Add(content, AddOpts{TTL: 5})
		require.NoError(t, err)
	}
	require.NoError(t, s.Pin(1, 1))
	require.NoError(t, s.Pin(2, 2))
	require.NoError(t, s.Pin(3, 3))

	err := s.Pin(4, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned")

	// Re-pinning an already pinned item only changes its rank.
	assert.NoError(t, s.Pin(1, 2))
}

func TestPinRankValidation(t *testing.T) {
	s := newStore(t)
	_, err := s.Add("x", AddOpts{TTL: 5})
	require.NoError(t, err)
	assert.Error(t, s.Pin(1, 0))
	assert.Error(t, s.Pin(1, 4))
}

func TestDisplayOrder(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { now = now.Add(time.Second); return now }

	_, err := s.Add("plain old", AddOpts{TTL: 5})
	require.NoError(t, err)
	soon := now.Add(time.Hour)
	_, err = s.Add("deadline soon", AddOpts{TTL: 5, Deadline: &soon})
	require.NoError(t, err)
	later := now.Add(5 * time.Hour)
	_, err = s.Add("deadline later", AddOpts{TTL: 5, Deadline: &later})
	require.NoError(t, err)
	_, err = s.Add("plain new", AddOpts{TTL: 5})
	require.NoError(t, err)
	_, err = s.Add("pinned low", AddOpts{TTL: 5})
	require.NoError(t, err)
	_, err = s.Add("pinned high", AddOpts{TTL: 5})
	require.NoError(t, err)

	items, err := s.List()
	require.NoError(t, err)
	pinAt := func(content string, rank int) {
		for i, item := range items {
			if item.Content == content {
				require.NoError(t, s.Pin(i+1, rank))
				return
			}
		}
		t.Fatalf("item %q not found", content)
	}
	pinAt("pinned low", 1)
	items, err = s.List()
	require.NoError(t, err)
	pinAt("pinned high", 3)

	items, err = s.List()
	require.NoError(t, err)
	got := make([]string, len(items))
	for i, item := range items {
		got[i] = item.Content
	}
	assert.Equal(t, []string{
		"pinned high",
		"pinned low",
		"deadline soon",
		"deadline later",
		"plain new",
		"plain old",
	}, got)
}

func TestRemoveByDisplayIndex(t *testing.T) {
	s := newStore(t)
	_, err := s.Add("first", AddOpts{TTL: 5})
	require.NoError(t, err)
	_, err = s.Add("second", AddOpts{TTL: 5})
	require.NoError(t, err)

	// Display order is newest first, so index 1 is "second".
	require.NoError(t, s.Remove(1))
	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "first", items[0].Content)

	assert.Error(t, s.Remove(5))
}

func TestItemMetadataPersists(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	deadline := now.Add(20 * time.Minute)
	added, err := s.Add("submit expense report", AddOpts{
		Tag:          "errand",
		TTL:          4,
		Deadline:     &deadline,
		RemindBefore: time.Hour,
		DeadlineType: DeadlineHard,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, added.TTLInitial)
	assert.Equal(t, added.CreatedAt, added.UpdatedAt)

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, "errand", got.Tag)
	assert.Equal(t, DeadlineHard, got.DeadlineType)
	assert.Equal(t, time.Hour, got.RemindBefore)

	// Edits bump updated_at; ttl_initial never moves.
	now = now.Add(5 * time.Minute)
	require.NoError(t, s.Update(1, "submit and file expense report"))
	items, err = s.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].UpdatedAt.After(items[0].CreatedAt))
	assert.Equal(t, 4, items[0].TTLInitial)

	// Inside the remind window a hard deadline renders with both markers.
	text, err := s.Render()
	require.NoError(t, err)
	assert.Contains(t, text, "#errand")
	assert.Contains(t, text, "[T-15m hard]")
	assert.Contains(t, text, "(due soon)")
}

func TestDeadlineDefaultsToSoft(t *testing.T) {
	s := newStore(t)
	deadline := time.Now().UTC().Add(time.Hour)
	added, err := s.Add("soft by default", AddOpts{Deadline: &deadline})
	require.NoError(t, err)
	assert.Equal(t, DeadlineSoft, added.DeadlineType)
	assert.Equal(t, DefaultTTL, added.TTLInitial)

	noDeadline, err := s.Add("no deadline", AddOpts{})
	require.NoError(t, err)
	assert.Empty(t, noDeadline.DeadlineType)
}

func TestRenderDeadline(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		deadline time.Time
		want     string
	}{
		{now.Add(30 * time.Second), "T-<1m"},
		{now.Add(5 * time.Minute), "T-5m"},
		{now.Add(3 * time.Hour), "T-3h"},
		{now.Add(49 * time.Hour), "T-2d"},
		{now.Add(-30 * time.Second), "T+<1m"},
		{now.Add(-10 * time.Minute), "T+10m"},
		{now.Add(-26 * time.Hour), "T+1d"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RenderDeadline(now, tc.deadline))
	}
}
