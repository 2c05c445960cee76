package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/memory"
)

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		base := strings.TrimPrefix(strings.TrimPrefix(input, "query: "), "passage: ")
		h := fnv.New64a()
		h.Write([]byte(base))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		vec := make([]float32, embedding.Dim)
		for d := range vec {
			vec[d] = rng.Float32()*2 - 1
		}
		out[i] = vec
	}
	return out, nil
}

// fakeCaller marshals a canned document into the caller's output struct.
type fakeCaller struct {
	respond func(req llm.StructuredRequest) (any, error)
	calls   int
}

func (f *fakeCaller) Structured(_ context.Context, req llm.StructuredRequest, out any) error {
	f.calls++
	doc, err := f.respond(req)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type fixture struct {
	index    *embedding.Index
	atoms    *memory.AtomStore
	threads  *memory.ThreadStore
	buffer   *Buffer
	throttle *Throttle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs := fstore.New()
	idx, err := embedding.NewIndex(filepath.Join(dir, "embeddings"), fakeEncoder{}, fs)
	require.NoError(t, err)
	atoms, err := memory.NewAtomStore(filepath.Join(dir, "atomic_memories.json"), idx, fs)
	require.NoError(t, err)
	threads, err := memory.NewThreadStore(filepath.Join(dir, "threads.json"), idx, atoms, fs)
	require.NoError(t, err)
	return &fixture{
		index:    idx,
		atoms:    atoms,
		threads:  threads,
		buffer:   NewBuffer(filepath.Join(dir, "exchange_buffer.json"), fs),
		throttle: NewThrottle(filepath.Join(dir, "throttle.json"), fs),
	}
}

func TestLibrarianHonorsThrottleWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return librarianOutput{
			AtomicMemories: []librarianAtom{{
				Content:     "allergic to shellfish",
				ThreadNames: []string{"Health"},
			}},
		}, nil
	}}
	lib := NewLibrarian(fx.buffer, fx.throttle, fx.atoms, fx.threads, caller)
	lib.ThrottleWindow = 1200 * time.Second
	lib.Now = func() time.Time { return now }

	require.NoError(t, fx.buffer.Append(Exchange{
		ExchangeID:       "ex1",
		UserMessage:      "I'm allergic to shellfish",
		AssistantMessage: "Noted.",
		Timestamp:        now.Add(-time.Minute),
		SessionID:        "room1",
	}))

	// Last run 1199 s ago: still inside the window.
	require.NoError(t, fx.throttle.Mutate(func(st *ThrottleState) {
		st.LastLibrarianRun = now.Add(-1199 * time.Second).Unix()
	}))
	res := lib.Run(ctx)
	assert.Equal(t, StatusThrottled, res.Status)
	assert.Greater(t, res.MinutesRemaining, 0.0)
	n, err := fx.buffer.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "throttled run must not drain the buffer")
	assert.Zero(t, caller.calls)

	// Rewind past the window: the cycle runs for real.
	require.NoError(t, fx.throttle.Mutate(func(st *ThrottleState) {
		st.LastLibrarianRun = now.Add(-1201 * time.Second).Unix()
	}))
	res = lib.Run(ctx)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.ExchangesProcessed)
	assert.Equal(t, 1, res.AtomsCreated)
	n, err = fx.buffer.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := fx.throttle.Get()
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), state.LastLibrarianRun)
}

func TestLibrarianEmptyBufferSkipsThrottle(t *testing.T) {
	fx := newFixture(t)
	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return librarianOutput{}, nil
	}}
	lib := NewLibrarian(fx.buffer, fx.throttle, fx.atoms, fx.threads, caller)

	res := lib.Run(context.Background())
	assert.Equal(t, StatusEmptyBuffer, res.Status)
	assert.Zero(t, caller.calls)

	state, err := fx.throttle.Get()
	require.NoError(t, err)
	assert.Zero(t, state.LastLibrarianRun, "empty buffer must not advance the throttle")
}

func TestLibrarianDedupsAgainstExistingAtoms(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.atoms.Create(ctx, "prefers tea over coffee", memory.CreateOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return librarianOutput{
			AtomicMemories: []librarianAtom{{
				Content:     "prefers tea over coffee",
				ThreadNames: []string{"Preferences"},
			}},
		}, nil
	}}
	lib := NewLibrarian(fx.buffer, fx.throttle, fx.atoms, fx.threads, caller)
	require.NoError(t, fx.buffer.Append(Exchange{
		ExchangeID:  "ex1",
		UserMessage: "tea please",
		Timestamp:   time.Now().UTC(),
		SessionID:   "room1",
	}))

	res := lib.Run(ctx)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, res.AtomsCreated)
	assert.Equal(t, 1, res.AtomsDeduped)
	assert.Len(t, fx.atoms.All(), 1)
}

func TestLibrarianAttachesToConversationThread(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return librarianOutput{
			AtomicMemories: []librarianAtom{{
				Content:     "training for a half marathon in May",
				ThreadNames: []string{"Running"},
			}},
		}, nil
	}}
	lib := NewLibrarian(fx.buffer, fx.throttle, fx.atoms, fx.threads, caller)
	require.NoError(t, fx.buffer.Append(Exchange{
		ExchangeID:  "ex1",
		UserMessage: "signed up for the half",
		Timestamp:   time.Now().UTC(),
		SessionID:   "room42",
	}))

	res := lib.Run(ctx)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.AffectedConversationThreads, 1)

	conv, ok := fx.threads.ConversationForRoom("room42")
	require.True(t, ok)
	assert.Equal(t, res.AffectedConversationThreads[0], conv.ID)
	require.Len(t, res.NewAtomIDs, 1)
	assert.Contains(t, conv.MemoryIDs, res.NewAtomIDs[0])

	topical, ok := fx.threads.GetByName("Running")
	require.True(t, ok)
	assert.Contains(t, topical.MemoryIDs, res.NewAtomIDs[0])
}

func TestLibrarianAttributesAtomsPerSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Facts only come out of the exchanges that mention Lisbon; the other
	// session is chit-chat.
	caller := &fakeCaller{respond: func(req llm.StructuredRequest) (any, error) {
		if !strings.Contains(req.UserPrompt, "Lisbon") {
			return librarianOutput{SkippedReason: "small talk"}, nil
		}
		return librarianOutput{
			AtomicMemories: []librarianAtom{{
				Content:     "moving to Lisbon in September",
				ThreadNames: []string{"Relocation"},
			}},
		}, nil
	}}
	lib := NewLibrarian(fx.buffer, fx.throttle, fx.atoms, fx.threads, caller)

	require.NoError(t, fx.buffer.Append(Exchange{
		ExchangeID:       "exA",
		UserMessage:      "nice weather today",
		AssistantMessage: "It is.",
		Timestamp:        now.Add(-2 * time.Minute),
		SessionID:        "roomA",
	}))
	require.NoError(t, fx.buffer.Append(Exchange{
		ExchangeID:       "exB",
		UserMessage:      "I'm moving to Lisbon in September",
		AssistantMessage: "Exciting!",
		Timestamp:        now.Add(-time.Minute),
		SessionID:        "roomB",
	}))

	res := lib.Run(ctx)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.ExchangesProcessed)
	assert.Equal(t, 2, caller.calls, "one extraction per session")
	require.Len(t, res.NewAtomIDs, 1)

	atom, ok := fx.atoms.Get(res.NewAtomIDs[0])
	require.True(t, ok)
	assert.Equal(t, "roomB", atom.SourceSessionID)
	assert.Equal(t, "exB", atom.SourceExchangeID)

	conv, ok := fx.threads.ConversationForRoom("roomB")
	require.True(t, ok)
	assert.Contains(t, conv.MemoryIDs, atom.ID)
	require.Len(t, res.AffectedConversationThreads, 1)
	assert.Equal(t, conv.ID, res.AffectedConversationThreads[0])

	_, ok = fx.threads.ConversationForRoom("roomA")
	assert.False(t, ok, "no conversation thread for the session that produced nothing")
}

func TestGardenerBlocksAssignmentAtHardCap(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	full, err := fx.threads.Create(ctx, "Health", "health facts", memory.ThreadOpts{})
	require.NoError(t, err)
	for i := 0; i < memory.HardCap; i++ {
		atom, err := fx.atoms.Create(ctx, fmt.Sprintf("health fact %d", i), memory.CreateOpts{})
		require.NoError(t, err)
		require.NoError(t, fx.threads.AddMemory(full.ID, atom.ID))
	}

	orphan, err := fx.atoms.Create(ctx, "started taking vitamin D", memory.CreateOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{Decisions: []gardenerDecision{{
			AtomID:     orphan.ID,
			Action:     ActionAssign,
			ThreadName: "Health",
			Confidence: "high",
		}}}, nil
	}}
	g := NewGardener(fx.index, fx.atoms, fx.threads, fx.throttle, caller)

	res := g.Run(ctx, []string{orphan.ID}, false)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.BlockedBySize)
	assert.Zero(t, res.Assigned)

	after, ok := fx.threads.Get(full.ID)
	require.True(t, ok)
	assert.Len(t, after.MemoryIDs, memory.HardCap, "blocked assignment must not mutate the thread")
	got, ok := fx.atoms.Get(orphan.ID)
	require.True(t, ok)
	assert.NotContains(t, got.AssignmentConfidence, full.ID)
}

func TestGardenerAssignRecordsConfidence(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	thread, err := fx.threads.Create(ctx, "Cooking", "recipes and kitchen notes", memory.ThreadOpts{})
	require.NoError(t, err)
	atom, err := fx.atoms.Create(ctx, "owns a cast iron skillet", memory.CreateOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{Decisions: []gardenerDecision{{
			AtomID:     atom.ID,
			Action:     ActionAssign,
			ThreadName: "Cooking",
			Confidence: "low",
		}}}, nil
	}}
	g := NewGardener(fx.index, fx.atoms, fx.threads, fx.throttle, caller)

	res := g.Run(ctx, []string{atom.ID}, false)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Assigned)

	after, ok := fx.threads.Get(thread.ID)
	require.True(t, ok)
	assert.Contains(t, after.MemoryIDs, atom.ID)
	got, ok := fx.atoms.Get(atom.ID)
	require.True(t, ok)
	assert.Equal(t, memory.ConfidenceLow, got.AssignmentConfidence[thread.ID])

	// Low-confidence assignments feed the triage queue of the next cycle.
	triage := fx.atoms.LowConfidence()
	require.Len(t, triage, 1)
	assert.Equal(t, atom.ID, triage[0].ID)
}

func TestGardenerCreateAndAssignReusesExistingThread(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	atom, err := fx.atoms.Create(ctx, "learning Dutch on weekends", memory.CreateOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{Decisions: []gardenerDecision{{
			AtomID:         atom.ID,
			Action:         ActionCreateAndAssign,
			NewThreadName:  "Languages",
			NewThreadScope: "language learning",
		}}}, nil
	}}
	g := NewGardener(fx.index, fx.atoms, fx.threads, fx.throttle, caller)

	res := g.Run(ctx, []string{atom.ID}, false)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Assigned)

	// A second cycle for another atom reuses the thread instead of creating
	// a duplicate.
	atom2, err := fx.atoms.Create(ctx, "practicing Dutch irregular verbs", memory.CreateOpts{})
	require.NoError(t, err)
	caller.respond = func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{Decisions: []gardenerDecision{{
			AtomID:        atom2.ID,
			Action:        ActionCreateAndAssign,
			NewThreadName: "Languages",
		}}}, nil
	}
	res = g.Run(ctx, []string{atom2.ID}, false)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.Assigned)

	thread, ok := fx.threads.GetByName("Languages")
	require.True(t, ok)
	assert.Len(t, thread.MemoryIDs, 2)
}

func TestGardenerSupersedeRewritesAtom(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	atom, err := fx.atoms.Create(ctx, "works at Initech", memory.CreateOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{Decisions: []gardenerDecision{{
			AtomID:           atom.ID,
			Action:           ActionSupersede,
			SupersedeContent: "works at Globex since March",
			SupersedeReason:  "changed jobs",
		}}}, nil
	}}
	g := NewGardener(fx.index, fx.atoms, fx.threads, fx.throttle, caller)

	res := g.Run(ctx, []string{atom.ID}, false)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Superseded)

	got, ok := fx.atoms.Get(atom.ID)
	require.True(t, ok)
	assert.Equal(t, "works at Globex since March", got.Content)
	require.Len(t, got.PreviousVersions, 1)
	assert.Equal(t, "works at Initech", got.PreviousVersions[0].Content)
	assert.Equal(t, "changed jobs", got.PreviousVersions[0].SupersededReason)
}

func TestGardenerRefusesConversationMerge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.threads.Create(ctx, "Conversation room1", "", memory.ThreadOpts{
		ThreadType: memory.ThreadConversation,
		Scope:      memory.RoomScope("room1"),
	})
	require.NoError(t, err)
	_, err = fx.threads.Create(ctx, "Topical", "a topic", memory.ThreadOpts{})
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return gardenerOutput{ThreadMaintenance: []gardenerMaintenance{{
			Action:        "merge",
			SourceThreads: []string{"Conversation room1", "Topical"},
			NewName:       "Merged",
		}}}, nil
	}}
	g := NewGardener(fx.index, fx.atoms, fx.threads, fx.throttle, caller)

	res := g.Run(ctx, nil, true)
	// Nothing to garden but the maintenance request still arrives via triage
	// inclusion; with no atoms at all the cycle short-circuits.
	assert.Equal(t, StatusNoWork, res.Status)

	atom, err := fx.atoms.Create(ctx, "filler fact", memory.CreateOpts{})
	require.NoError(t, err)
	res = g.Run(ctx, []string{atom.ID}, false)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Zero(t, res.Merges)
	_, ok := fx.threads.GetByName("Conversation room1")
	assert.True(t, ok, "conversation thread must survive a refused merge")
}

func TestChroniclerTargetedSummaries(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	conv, err := fx.threads.Create(ctx, "Conversation room1", "", memory.ThreadOpts{
		ThreadType: memory.ThreadConversation,
		Scope:      memory.RoomScope("room1"),
	})
	require.NoError(t, err)
	atom, err := fx.atoms.Create(ctx, "planning a trip to Lisbon", memory.CreateOpts{})
	require.NoError(t, err)
	require.NoError(t, fx.threads.AddMemory(conv.ID, atom.ID))

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return chroniclerOutput{Summaries: []chroniclerSummary{{
			ThreadID: conv.ID,
			Summary:  "We planned a spring trip to Lisbon.",
		}}}, nil
	}}
	c := NewChronicler(fx.threads, fx.atoms, fx.throttle, caller)

	res := c.Run(ctx, []string{conv.ID})
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.ThreadsScanned)
	assert.Equal(t, 1, res.ThreadsUpdated)

	after, ok := fx.threads.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "We planned a spring trip to Lisbon.", after.Description)
}

func TestChroniclerKeepsConversationWatermark(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-6 * time.Hour).Truncate(time.Second)
	conv, err := fx.threads.Create(ctx, "Conversation room2", "", memory.ThreadOpts{
		ThreadType: memory.ThreadConversation,
		Scope:      memory.RoomScope("room2"),
	})
	require.NoError(t, err)
	atom, err := fx.atoms.Create(ctx, "booked flights for the trip", memory.CreateOpts{CreatedAt: past})
	require.NoError(t, err)
	require.NoError(t, fx.threads.AddMemory(conv.ID, atom.ID))

	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return chroniclerOutput{Summaries: []chroniclerSummary{{
			ThreadID: conv.ID,
			Summary:  "We booked flights.",
		}}}, nil
	}}
	c := NewChronicler(fx.threads, fx.atoms, fx.throttle, caller)

	res := c.Run(ctx, []string{conv.ID})
	require.Equal(t, StatusCompleted, res.Status)

	after, ok := fx.threads.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "We booked flights.", after.Description)
	assert.True(t, after.LastUpdated.Equal(past), "summary writes must not refresh the activity watermark")
}

func TestChroniclerScanUsesWatermark(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := fx.threads.Create(ctx, "Conversation room1", "", memory.ThreadOpts{
		ThreadType: memory.ThreadConversation,
		Scope:      memory.RoomScope("room1"),
	})
	require.NoError(t, err)

	// Watermark after the thread's last update: nothing to scan.
	require.NoError(t, fx.throttle.Mutate(func(st *ThrottleState) {
		st.LastChroniclerRun = now.Add(time.Hour).Unix()
	}))
	caller := &fakeCaller{respond: func(llm.StructuredRequest) (any, error) {
		return chroniclerOutput{Summaries: []chroniclerSummary{{ThreadID: conv.ID, Summary: "s"}}}, nil
	}}
	c := NewChronicler(fx.threads, fx.atoms, fx.throttle, caller)

	res := c.Run(ctx, nil)
	assert.Equal(t, StatusNoWork, res.Status)
	assert.Zero(t, caller.calls)

	// Watermark in the past picks the thread up.
	require.NoError(t, fx.throttle.Mutate(func(st *ThrottleState) {
		st.LastChroniclerRun = now.Add(-time.Hour).Unix()
	}))
	res = c.Run(ctx, nil)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.ThreadsUpdated)
}

func TestBufferTrimsPastCap(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < BufferCap+10; i++ {
		require.NoError(t, fx.buffer.Append(Exchange{
			ExchangeID:  fmt.Sprintf("ex%d", i),
			UserMessage: fmt.Sprintf("message %d", i),
			Timestamp:   time.Now().UTC(),
			SessionID:   "room1",
		}))
	}
	drained, err := fx.buffer.Drain()
	require.NoError(t, err)
	require.Len(t, drained, BufferCap)
	assert.Equal(t, "ex10", drained[0].ExchangeID, "oldest entries are trimmed first")

	n, err := fx.buffer.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
