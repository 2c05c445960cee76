package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// DefaultSimilarityThreshold is the cosine floor FindSimilar uses when the
// caller passes 0. Tuned for e5-base-v2.
const DefaultSimilarityThreshold = 0.92

// AtomStore maintains the atom list and its embeddings, persisted through
// the atomic file store.
type AtomStore struct {
	mu    sync.Mutex
	store *fstore.Store
	index *embedding.Index
	path  string
	atoms []Atom
}

type atomsDoc struct {
	SchemaVersion int    `json:"schema_version"`
	Atoms         []Atom `json:"atoms"`
}

// NewAtomStore loads the atom list from path.
func NewAtomStore(path string, index *embedding.Index, store *fstore.Store) (*AtomStore, error) {
	s := &AtomStore{store: store, index: index, path: path}
	var doc atomsDoc
	if err := store.Load(path, &doc); err != nil {
		return nil, err
	}
	s.atoms = doc.Atoms
	return s, nil
}

// CreateOpts carries the optional attribution fields for a new atom.
type CreateOpts struct {
	Tags             []string
	SourceExchangeID string
	SourceSessionID  string
	// CreatedAt overrides the creation timestamp (the librarian stamps atoms
	// with the batch's earliest exchange time). Zero means now.
	CreatedAt time.Time
}

// Create stores a new atom and indexes its content as type memory.
func (s *AtomStore) Create(ctx context.Context, content string, opts CreateOpts) (*Atom, error) {
	if content == "" {
		return nil, errors.New("atom content must not be empty")
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	atom := Atom{
		ID:                   NewID(),
		Content:              content,
		CreatedAt:            createdAt,
		LastModified:         time.Now().UTC(),
		SourceExchangeID:     opts.SourceExchangeID,
		SourceSessionID:      opts.SourceSessionID,
		Tags:                 opts.Tags,
		AssignmentConfidence: map[string]Confidence{},
	}

	embID, err := s.index.Embed(ctx, content, map[string]string{"memory_id": atom.ID}, embedding.ContentMemory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed atom")
	}
	atom.EmbeddingID = embID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.atoms = append(s.atoms, atom)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &atom, nil
}

// UpdateOpts carries the mutable fields for Update. Nil means unchanged.
type UpdateOpts struct {
	Content          *string
	Tags             []string
	SupersededReason string
	Confidence       map[string]Confidence
}

// Update mutates an atom. A content change pushes the old content onto
// previous_versions and swaps the embedding.
func (s *AtomStore) Update(ctx context.Context, id string, opts UpdateOpts) (*Atom, error) {
	s.mu.Lock()
	i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, errors.Errorf("atom %s not found", id)
	}
	atom := s.atoms[i]
	s.mu.Unlock()

	if opts.Content != nil && *opts.Content != atom.Content {
		atom.PreviousVersions = append(atom.PreviousVersions, AtomVersion{
			Content:          atom.Content,
			Timestamp:        time.Now().UTC(),
			SupersededReason: opts.SupersededReason,
		})
		if atom.EmbeddingID != "" {
			if err := s.index.DeleteByID(atom.EmbeddingID); err != nil {
				logger.G(ctx).WithError(err).WithField("atom", id).Warn("failed to delete stale atom embedding")
			}
		}
		embID, err := s.index.Embed(ctx, *opts.Content, map[string]string{"memory_id": atom.ID}, embedding.ContentMemory)
		if err != nil {
			return nil, errors.Wrap(err, "failed to re-embed atom")
		}
		atom.Content = *opts.Content
		atom.EmbeddingID = embID
	}
	if opts.Tags != nil {
		atom.Tags = opts.Tags
	}
	for tid, conf := range opts.Confidence {
		if atom.AssignmentConfidence == nil {
			atom.AssignmentConfidence = map[string]Confidence{}
		}
		atom.AssignmentConfidence[tid] = conf
	}
	atom.LastModified = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	i = s.findLocked(id)
	if i < 0 {
		return nil, errors.Errorf("atom %s disappeared during update", id)
	}
	s.atoms[i] = atom
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &atom, nil
}

// Delete removes the atom and its embedding.
func (s *AtomStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(id)
	if i < 0 {
		return errors.Errorf("atom %s not found", id)
	}
	if embID := s.atoms[i].EmbeddingID; embID != "" {
		if err := s.index.DeleteByID(embID); err != nil {
			logger.G(ctx).WithError(err).WithField("atom", id).Warn("failed to delete atom embedding")
		}
	}
	s.atoms = append(s.atoms[:i], s.atoms[i+1:]...)
	return s.persistLocked()
}

// Get returns the atom by id.
func (s *AtomStore) Get(id string) (*Atom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findLocked(id); i >= 0 {
		atom := s.atoms[i]
		return &atom, true
	}
	return nil, false
}

// All returns a copy of every atom, in creation order.
func (s *AtomStore) All() []Atom {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Atom, len(s.atoms))
	copy(out, s.atoms)
	return out
}

// Recent returns up to n most recently created atoms (dedup context for the
// librarian prompt).
func (s *AtomStore) Recent(n int) []Atom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.atoms) {
		out := make([]Atom, len(s.atoms))
		copy(out, s.atoms)
		return out
	}
	out := make([]Atom, n)
	copy(out, s.atoms[len(s.atoms)-n:])
	return out
}

// FindSimilar returns the first atom whose embedding scores at or above
// threshold against content. threshold 0 means the default 0.92.
func (s *AtomStore) FindSimilar(ctx context.Context, content string, threshold float32) (*Atom, bool, error) {
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}
	hits, err := s.index.Retrieve(ctx, content, 1, threshold, embedding.ContentMemory)
	if err != nil {
		return nil, false, err
	}
	for _, hit := range hits {
		if atom, ok := s.Get(hit.Entry.Metadata["memory_id"]); ok {
			return atom, true, nil
		}
	}
	return nil, false, nil
}

// LowConfidence returns the triage queue: atoms with at least one "low"
// assignment confidence.
func (s *AtomStore) LowConfidence() []Atom {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Atom
	for _, atom := range s.atoms {
		for _, conf := range atom.AssignmentConfidence {
			if conf == ConfidenceLow {
				out = append(out, atom)
				break
			}
		}
	}
	return out
}

// DropConfidence removes a thread's confidence entry from an atom, keeping
// the subset invariant when a thread stops referencing it.
func (s *AtomStore) DropConfidence(threadID string, atomIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range atomIDs {
		if i := s.findLocked(id); i >= 0 {
			delete(s.atoms[i].AssignmentConfidence, threadID)
		}
	}
	return s.persistLocked()
}

func (s *AtomStore) findLocked(id string) int {
	for i := range s.atoms {
		if s.atoms[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *AtomStore) persistLocked() error {
	return s.store.Save(s.path, atomsDoc{SchemaVersion: 1, Atoms: s.atoms})
}
