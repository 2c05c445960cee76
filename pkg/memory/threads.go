package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// AtomResolver is the slice of AtomStore the thread store needs for split
// validation.
type AtomResolver interface {
	Get(id string) (*Atom, bool)
}

// ThreadStore maintains threads and their embeddings.
type ThreadStore struct {
	mu      sync.Mutex
	store   *fstore.Store
	index   *embedding.Index
	atoms   AtomResolver
	path    string
	threads []Thread
}

type threadsDoc struct {
	SchemaVersion int      `json:"schema_version"`
	Threads       []Thread `json:"threads"`
}

// NewThreadStore loads the thread list from path.
func NewThreadStore(path string, index *embedding.Index, atoms AtomResolver, store *fstore.Store) (*ThreadStore, error) {
	s := &ThreadStore{store: store, index: index, atoms: atoms, path: path}
	var doc threadsDoc
	if err := store.Load(path, &doc); err != nil {
		return nil, err
	}
	s.threads = doc.Threads
	return s, nil
}

// ThreadOpts carries the optional fields for Create.
type ThreadOpts struct {
	MemoryIDs  []string
	Scope      string
	SplitFrom  string
	ThreadType ThreadType
}

// Create stores a new thread, embedding "{name}: {description}" as type
// thread.
func (s *ThreadStore) Create(ctx context.Context, name, description string, opts ThreadOpts) (*Thread, error) {
	if name == "" {
		return nil, errors.New("thread name must not be empty")
	}
	tt := opts.ThreadType
	if tt == "" {
		tt = ThreadTopical
	}

	now := time.Now().UTC()
	thread := Thread{
		ID:          NewID(),
		Name:        name,
		Description: description,
		Scope:       opts.Scope,
		MemoryIDs:   append([]string(nil), opts.MemoryIDs...),
		ThreadType:  tt,
		SplitFrom:   opts.SplitFrom,
		CreatedAt:   now,
		LastUpdated: now,
	}

	embID, err := s.index.Embed(ctx, name+": "+description, map[string]string{"thread_id": thread.ID}, embedding.ContentThread)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed thread")
	}
	thread.EmbeddingID = embID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, thread)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &thread, nil
}

// MembershipAction selects how Update applies MemoryIDs.
type MembershipAction string

const (
	MembershipOverwrite MembershipAction = "overwrite"
	MembershipAppend    MembershipAction = "append"
	MembershipRemove    MembershipAction = "remove"
)

// ThreadUpdate carries the mutable fields for Update. Nil means unchanged.
type ThreadUpdate struct {
	Name        *string
	Description *string
	MemoryIDs   []string
	Action      MembershipAction
}

// Update mutates a thread. Name or description changes re-embed it.
func (s *ThreadStore) Update(ctx context.Context, id string, upd ThreadUpdate) (*Thread, error) {
	s.mu.Lock()
	i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, errors.Errorf("thread %s not found", id)
	}
	thread := s.threads[i]
	s.mu.Unlock()

	reembed := false
	if upd.Name != nil && *upd.Name != thread.Name {
		thread.Name = *upd.Name
		reembed = true
	}
	if upd.Description != nil && *upd.Description != thread.Description {
		thread.Description = *upd.Description
		reembed = true
	}
	if upd.MemoryIDs != nil {
		switch upd.Action {
		case MembershipAppend:
			for _, aid := range upd.MemoryIDs {
				if !thread.Contains(aid) {
					thread.MemoryIDs = append(thread.MemoryIDs, aid)
				}
			}
		case MembershipRemove:
			var kept []string
			remove := map[string]bool{}
			for _, aid := range upd.MemoryIDs {
				remove[aid] = true
			}
			for _, aid := range thread.MemoryIDs {
				if !remove[aid] {
					kept = append(kept, aid)
				}
			}
			thread.MemoryIDs = kept
		default:
			thread.MemoryIDs = append([]string(nil), upd.MemoryIDs...)
		}
	}
	if reembed {
		if thread.EmbeddingID != "" {
			if err := s.index.DeleteByID(thread.EmbeddingID); err != nil {
				logger.G(ctx).WithError(err).WithField("thread", id).Warn("failed to delete stale thread embedding")
			}
		}
		embID, err := s.index.Embed(ctx, thread.Name+": "+thread.Description, map[string]string{"thread_id": thread.ID}, embedding.ContentThread)
		if err != nil {
			return nil, errors.Wrap(err, "failed to re-embed thread")
		}
		thread.EmbeddingID = embID
	}
	thread.LastUpdated = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	i = s.findLocked(id)
	if i < 0 {
		return nil, errors.Errorf("thread %s disappeared during update", id)
	}
	s.threads[i] = thread
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &thread, nil
}

// AddMemory appends an atom to a thread, idempotently, and bumps
// last_updated. Conversation threads keep last_updated equal to the newest
// member atom's created_at so recency windows key off exchange time, not
// pipeline run time.
func (s *ThreadStore) AddMemory(threadID, atomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(threadID)
	if i < 0 {
		return errors.Errorf("thread %s not found", threadID)
	}
	if s.threads[i].Contains(atomID) {
		return nil
	}
	s.threads[i].MemoryIDs = append(s.threads[i].MemoryIDs, atomID)
	s.threads[i].LastUpdated = time.Now().UTC()
	if s.threads[i].IsConversation() {
		if wm := s.memberWatermarkLocked(i); !wm.IsZero() {
			s.threads[i].LastUpdated = wm
		}
	}
	return s.persistLocked()
}

// RepairConversationWatermark resets a conversation thread's last_updated to
// the newest member atom's created_at. The chronicler calls this after a
// summary update so its own write does not masquerade as fresh activity.
// Non-conversation threads are left alone.
func (s *ThreadStore) RepairConversationWatermark(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(threadID)
	if i < 0 {
		return errors.Errorf("thread %s not found", threadID)
	}
	if !s.threads[i].IsConversation() {
		return nil
	}
	wm := s.memberWatermarkLocked(i)
	if wm.IsZero() || s.threads[i].LastUpdated.Equal(wm) {
		return nil
	}
	s.threads[i].LastUpdated = wm
	return s.persistLocked()
}

// memberWatermarkLocked is the newest created_at among a thread's member
// atoms, or zero when none resolve.
func (s *ThreadStore) memberWatermarkLocked(i int) time.Time {
	var newest time.Time
	if s.atoms == nil {
		return newest
	}
	for _, aid := range s.threads[i].MemoryIDs {
		if atom, ok := s.atoms.Get(aid); ok && atom.CreatedAt.After(newest) {
			newest = atom.CreatedAt
		}
	}
	return newest
}

// CanAssign reports whether the gardener may assign another atom to the
// thread. Conversation threads and hard-capped topical threads refuse; at or
// above the soft cap the assignment is allowed with a logged warning.
func (s *ThreadStore) CanAssign(threadID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(threadID)
	if i < 0 {
		return false, fmt.Sprintf("thread %s not found", threadID)
	}
	t := s.threads[i]
	if t.IsConversation() {
		return false, "conversation threads are not assignable"
	}
	size := len(t.MemoryIDs)
	if size >= HardCap {
		return false, fmt.Sprintf("thread %q is at hard cap (%d/%d)", t.Name, size, HardCap)
	}
	if size >= SoftCap {
		logger.L.WithFields(map[string]any{"thread": t.Name, "size": size}).
			Warn("thread over soft cap, split recommended")
	}
	return true, ""
}

// SplitSpec names one child thread produced by a split.
type SplitSpec struct {
	Name        string
	Description string
	AtomIDs     []string
}

// Split carves atoms out of a source thread into new child threads,
// recording lineage on both sides. Validation failures report the full list
// of problems; any partially created children are rolled back.
func (s *ThreadStore) Split(ctx context.Context, sourceID string, specs []SplitSpec, deleteSourceIfEmpty bool) ([]Thread, error) {
	s.mu.Lock()
	si := s.findLocked(sourceID)
	if si < 0 {
		s.mu.Unlock()
		return nil, errors.Errorf("thread %s not found", sourceID)
	}
	source := s.threads[si]
	s.mu.Unlock()

	if source.IsConversation() {
		return nil, errors.New("conversation threads are never split")
	}

	var verr *multierror.Error
	seen := map[string]string{}
	for _, spec := range specs {
		if spec.Name == "" {
			verr = multierror.Append(verr, errors.New("split target with empty name"))
		}
		for _, aid := range spec.AtomIDs {
			if _, ok := s.atoms.Get(aid); !ok {
				verr = multierror.Append(verr, errors.Errorf("atom %s does not exist", aid))
			}
			if !source.Contains(aid) {
				verr = multierror.Append(verr, errors.Errorf("atom %s is not in thread %s", aid, sourceID))
			}
			if prev, dup := seen[aid]; dup {
				verr = multierror.Append(verr, errors.Errorf("atom %s assigned to both %q and %q", aid, prev, spec.Name))
			}
			seen[aid] = spec.Name
		}
	}
	if err := verr.ErrorOrNil(); err != nil {
		return nil, err
	}

	var created []Thread
	rollback := func() {
		for _, child := range created {
			if derr := s.Delete(ctx, child.ID); derr != nil {
				logger.G(ctx).WithError(derr).WithField("thread", child.ID).Error("split rollback failed")
			}
		}
	}

	for _, spec := range specs {
		child, err := s.Create(ctx, spec.Name, spec.Description, ThreadOpts{
			MemoryIDs: spec.AtomIDs,
			SplitFrom: sourceID,
		})
		if err != nil {
			rollback()
			return nil, errors.Wrapf(err, "failed to create split thread %q", spec.Name)
		}
		created = append(created, *child)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	si = s.findLocked(sourceID)
	if si < 0 {
		s.mu.Unlock()
		rollback()
		s.mu.Lock()
		return nil, errors.Errorf("thread %s disappeared during split", sourceID)
	}

	moved := map[string]bool{}
	for aid := range seen {
		moved[aid] = true
	}
	var remaining []string
	for _, aid := range s.threads[si].MemoryIDs {
		if !moved[aid] {
			remaining = append(remaining, aid)
		}
	}
	s.threads[si].MemoryIDs = remaining
	for _, child := range created {
		s.threads[si].SplitInto = append(s.threads[si].SplitInto, child.ID)
	}
	s.threads[si].LastUpdated = time.Now().UTC()

	if deleteSourceIfEmpty && len(remaining) == 0 {
		if embID := s.threads[si].EmbeddingID; embID != "" {
			if err := s.index.DeleteByID(embID); err != nil {
				logger.G(ctx).WithError(err).WithField("thread", sourceID).Warn("failed to delete split source embedding")
			}
		}
		s.threads = append(s.threads[:si], s.threads[si+1:]...)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return created, nil
}

// Merge combines source threads into one new thread and deletes the sources.
// Conversation threads are refused.
func (s *ThreadStore) Merge(ctx context.Context, sourceIDs []string, name, description string) (*Thread, error) {
	if len(sourceIDs) < 2 {
		return nil, errors.New("merge requires at least two source threads")
	}

	var memberIDs []string
	seen := map[string]bool{}
	s.mu.Lock()
	for _, id := range sourceIDs {
		i := s.findLocked(id)
		if i < 0 {
			s.mu.Unlock()
			return nil, errors.Errorf("thread %s not found", id)
		}
		if s.threads[i].IsConversation() {
			s.mu.Unlock()
			return nil, errors.New("conversation threads are never merged")
		}
		for _, aid := range s.threads[i].MemoryIDs {
			if !seen[aid] {
				seen[aid] = true
				memberIDs = append(memberIDs, aid)
			}
		}
	}
	s.mu.Unlock()

	merged, err := s.Create(ctx, name, description, ThreadOpts{MemoryIDs: memberIDs})
	if err != nil {
		return nil, err
	}
	for _, id := range sourceIDs {
		if err := s.Delete(ctx, id); err != nil {
			logger.G(ctx).WithError(err).WithField("thread", id).Error("failed to delete merged source thread")
		}
	}
	return merged, nil
}

// Delete removes a thread and its embedding.
func (s *ThreadStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(id)
	if i < 0 {
		return errors.Errorf("thread %s not found", id)
	}
	if embID := s.threads[i].EmbeddingID; embID != "" {
		if err := s.index.DeleteByID(embID); err != nil {
			logger.G(ctx).WithError(err).WithField("thread", id).Warn("failed to delete thread embedding")
		}
	}
	s.threads = append(s.threads[:i], s.threads[i+1:]...)
	return s.persistLocked()
}

// Get returns a thread by id.
func (s *ThreadStore) Get(id string) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findLocked(id); i >= 0 {
		t := s.threads[i]
		return &t, true
	}
	return nil, false
}

// GetByName returns the first thread with the given name.
func (s *ThreadStore) GetByName(name string) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].Name == name {
			t := s.threads[i]
			return &t, true
		}
	}
	return nil, false
}

// All returns a copy of every thread.
func (s *ThreadStore) All() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// ConversationForRoom returns the conversation thread scoped to the chat,
// if one exists. At most one exists per chat id.
func (s *ThreadStore) ConversationForRoom(roomID string) (*Thread, bool) {
	scope := RoomScope(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].IsConversation() && s.threads[i].Scope == scope {
			t := s.threads[i]
			return &t, true
		}
	}
	return nil, false
}

// ThreadsContaining builds the inverse map for a set of atom ids.
func (s *ThreadStore) ThreadsContaining(atomIDs []string) map[string][]Thread {
	want := map[string]bool{}
	for _, id := range atomIDs {
		want[id] = true
	}
	out := map[string][]Thread{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		for _, aid := range s.threads[i].MemoryIDs {
			if want[aid] {
				out[aid] = append(out[aid], s.threads[i])
			}
		}
	}
	return out
}

// Search finds threads semantically similar to the query.
func (s *ThreadStore) Search(ctx context.Context, query string, k int) ([]ScoredThread, error) {
	hits, err := s.index.Retrieve(ctx, query, k, -1, embedding.ContentThread)
	if err != nil {
		return nil, err
	}
	var out []ScoredThread
	for _, hit := range hits {
		if t, ok := s.Get(hit.Entry.Metadata["thread_id"]); ok {
			out = append(out, ScoredThread{Thread: *t, Score: hit.Score})
		}
	}
	return out, nil
}

// ScoredThread pairs a thread with a similarity score.
type ScoredThread struct {
	Thread Thread
	Score  float32
}

func (s *ThreadStore) findLocked(id string) int {
	for i := range s.threads {
		if s.threads[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ThreadStore) persistLocked() error {
	return s.store.Save(s.path, threadsDoc{SchemaVersion: 1, Threads: s.threads})
}
