package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

const (
	indexFile = "index.json"
	metaFile  = "metadata.json"
	cacheDir  = "cache"

	// encoderBatchSize is the recommended batch for the sentence encoder.
	encoderBatchSize = 32

	// maxIndexedText caps the text snippet stored in metadata.
	maxIndexedText = 1000
)

type indexDoc struct {
	Vectors [][]float32 `json:"vectors"`
}

type metaDoc struct {
	Entries []Entry `json:"entries"`
}

type cacheEntry struct {
	Vector []float32 `json:"vector"`
}

// Index is the process-local vector index. All stored vectors are unit
// length, so inner product equals cosine similarity. Deletion rebuilds the
// vector array from the on-disk cache; the underlying representation does
// not support in-place removal and the rebuild cost is accepted.
type Index struct {
	mu    sync.Mutex
	store *fstore.Store
	dir   string
	enc   Encoder

	vectors [][]float32
	entries []Entry
}

// NewIndex loads (or initializes) the index rooted at dir. A vector/metadata
// length mismatch discards the vector file and rebuilds from cache.
func NewIndex(dir string, enc Encoder, store *fstore.Store) (*Index, error) {
	idx := &Index{store: store, dir: dir, enc: enc}
	if err := os.MkdirAll(filepath.Join(dir, cacheDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create embeddings directory")
	}

	var vdoc indexDoc
	var mdoc metaDoc
	if err := store.Load(filepath.Join(dir, indexFile), &vdoc); err != nil {
		return nil, err
	}
	if err := store.Load(filepath.Join(dir, metaFile), &mdoc); err != nil {
		return nil, err
	}

	idx.vectors = vdoc.Vectors
	idx.entries = mdoc.Entries
	if len(idx.vectors) != len(idx.entries) {
		logger.G(context.Background()).WithFields(map[string]any{
			"vectors": len(idx.vectors),
			"entries": len(idx.entries),
		}).Warn("embedding index out of sync with metadata, rebuilding from cache")
		if err := idx.rebuildLocked(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Len reports the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Embed indexes text and returns the new entry's id. The content type is
// detected when ct is empty. Vectors are served from the content-hash cache
// when the exact prefixed input was embedded before.
func (idx *Index) Embed(ctx context.Context, text string, metadata map[string]string, ct ContentType) (string, error) {
	ids, err := idx.EmbedBatch(ctx, []Item{{Text: text, ContentType: ct, Metadata: metadata}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EmbedBatch indexes items, batching encoder calls for cache misses.
func (idx *Index) EmbedBatch(ctx context.Context, items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	type prepared struct {
		item   Item
		ct     ContentType
		input  string
		hash   string
		vector []float32
	}

	preps := make([]prepared, len(items))
	var missInputs []string
	var missIdx []int
	for i, item := range items {
		ct := item.ContentType
		if ct == "" {
			ct = DetectContentType(item.Text)
		}
		input := inputPrefix(ct) + item.Text
		p := prepared{item: item, ct: ct, input: input, hash: hashText(input)}
		if vec, ok := idx.readCache(p.hash); ok {
			p.vector = vec
		} else {
			missIdx = append(missIdx, i)
			missInputs = append(missInputs, input)
		}
		preps[i] = p
	}

	for start := 0; start < len(missInputs); start += encoderBatchSize {
		end := min(start+encoderBatchSize, len(missInputs))
		vectors, err := idx.enc.Encode(ctx, missInputs[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			p := &preps[missIdx[start+j]]
			p.vector = Normalize(vec)
			if err := idx.writeCache(p.hash, p.vector); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to cache embedding")
			}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	ids := make([]string, len(preps))
	for i, p := range preps {
		entry := Entry{
			ID:          newEntryID(),
			Text:        truncate(p.item.Text, maxIndexedText),
			Hash:        p.hash,
			ContentType: p.ct,
			CreatedAt:   time.Now().UTC(),
			Metadata:    p.item.Metadata,
		}
		idx.vectors = append(idx.vectors, p.vector)
		idx.entries = append(idx.entries, entry)
		ids[i] = entry.ID
	}
	return ids, idx.persistLocked()
}

// Retrieve encodes the query with the query-side prefix and returns up to k
// entries scoring at or above threshold, optionally filtered by content
// type. Ties preserve insertion order.
func (idx *Index) Retrieve(ctx context.Context, query string, k int, threshold float32, filter ContentType) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	input := "query: " + query
	var qvec []float32
	if cached, ok := idx.readCache(hashText(input)); ok {
		qvec = cached
	} else {
		vectors, err := idx.enc.Encode(ctx, []string{input})
		if err != nil {
			return nil, err
		}
		qvec = Normalize(vectors[0])
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	scored := make([]Scored, 0, len(idx.entries))
	for i, entry := range idx.entries {
		scored = append(scored, Scored{Entry: entry, Score: dot(qvec, idx.vectors[i])})
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })

	results := make([]Scored, 0, k)
	for _, s := range scored {
		if s.Score < threshold {
			break
		}
		if filter != "" && s.Entry.ContentType != filter {
			continue
		}
		results = append(results, s)
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// DeleteByID drops an entry and rebuilds the vector array from the cache.
// Cache files for surviving entries are left untouched.
func (idx *Index) DeleteByID(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	found := -1
	for i, entry := range idx.entries {
		if entry.ID == id {
			found = i
			break
		}
	}
	if found < 0 {
		return errors.Errorf("embedding %s not found", id)
	}
	idx.entries = append(idx.entries[:found], idx.entries[found+1:]...)
	idx.vectors = append(idx.vectors[:found], idx.vectors[found+1:]...)
	return idx.persistLocked()
}

// Clear drops the index, metadata, and the entire cache.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.vectors = nil
	idx.entries = nil
	if err := os.RemoveAll(filepath.Join(idx.dir, cacheDir)); err != nil {
		return errors.Wrap(err, "failed to remove embedding cache")
	}
	if err := os.MkdirAll(filepath.Join(idx.dir, cacheDir), 0o755); err != nil {
		return errors.Wrap(err, "failed to recreate embedding cache")
	}
	return idx.persistLocked()
}

// rebuildLocked reconstructs vectors from cached embeddings keyed by the
// entries' recorded content hash. Entries whose cache file is gone are
// dropped.
func (idx *Index) rebuildLocked() error {
	var vectors [][]float32
	var survivors []Entry
	for _, entry := range idx.entries {
		hash := entry.Hash
		if hash == "" {
			// Entries written before hashes were recorded. The stored text
			// is truncated, so this only recovers entries under the cap.
			hash = hashText(inputPrefix(entry.ContentType) + entry.Text)
		}
		vec, ok := idx.readCache(hash)
		if !ok {
			logger.G(context.Background()).WithField("id", entry.ID).
				Warn("dropping embedding entry with no cached vector")
			continue
		}
		vectors = append(vectors, vec)
		survivors = append(survivors, entry)
	}
	idx.vectors = vectors
	idx.entries = survivors
	return idx.persistLocked()
}

func (idx *Index) persistLocked() error {
	if err := idx.store.Save(filepath.Join(idx.dir, indexFile), indexDoc{Vectors: idx.vectors}); err != nil {
		return err
	}
	return idx.store.Save(filepath.Join(idx.dir, metaFile), metaDoc{Entries: idx.entries})
}

func (idx *Index) cachePath(hash string) string {
	return filepath.Join(idx.dir, cacheDir, hash+".json")
}

func (idx *Index) readCache(hash string) ([]float32, bool) {
	data, err := os.ReadFile(idx.cachePath(hash))
	if err != nil {
		return nil, false
	}
	var ce cacheEntry
	if err := json.Unmarshal(data, &ce); err != nil || len(ce.Vector) == 0 {
		return nil, false
	}
	return ce.Vector, true
}

func (idx *Index) writeCache(hash string, vec []float32) error {
	return idx.store.Save(idx.cachePath(hash), cacheEntry{Vector: vec})
}

func hashText(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Normalize scales v to unit length so inner product equals cosine.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newEntryID() string {
	return time.Now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}
