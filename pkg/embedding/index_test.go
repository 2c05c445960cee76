package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/fstore"
)

// fakeEncoder produces deterministic pseudo-random vectors seeded by the
// input text. The query/passage prefix is stripped before seeding so the
// fake behaves like the real encoder: the two sides of the index agree on
// identical base text.
type fakeEncoder struct {
	calls int
}

func (f *fakeEncoder) Encode(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		base := strings.TrimPrefix(strings.TrimPrefix(input, "query: "), "passage: ")
		h := fnv.New64a()
		h.Write([]byte(base))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		vec := make([]float32, Dim)
		for d := range vec {
			vec[d] = rng.Float32()*2 - 1
		}
		out[i] = vec
	}
	return out, nil
}

func newTestIndex(t *testing.T) (*Index, *fakeEncoder) {
	t.Helper()
	enc := &fakeEncoder{}
	idx, err := NewIndex(t.TempDir(), enc, fstore.New())
	require.NoError(t, err)
	return idx, enc
}

func TestEmbedAndRetrieve(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.Embed(ctx, "the cat sat on the mat", map[string]string{"memory_id": "a1"}, ContentMemory)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results, err := idx.Retrieve(ctx, "the cat sat on the mat", 5, -1, ContentMemory)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Entry.ID)
	assert.Equal(t, "a1", results[0].Entry.Metadata["memory_id"])
}

func TestVectorsAreUnitLength(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Embed(context.Background(), "normalize me", nil, ContentText)
	require.NoError(t, err)

	for _, vec := range idx.vectors {
		var sum float64
		for _, x := range vec {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	}
}

func TestCacheHitSkipsEncoder(t *testing.T) {
	idx, enc := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Embed(ctx, "same text", nil, ContentText)
	require.NoError(t, err)
	callsAfterFirst := enc.calls

	_, err = idx.Embed(ctx, "same text", nil, ContentText)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, enc.calls, "second embed should be served from cache")
}

func TestDeleteThenReembedReturnsSameVector(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.Embed(ctx, "ephemeral fact", nil, ContentMemory)
	require.NoError(t, err)
	first := append([]float32(nil), idx.vectors[0]...)

	require.NoError(t, idx.DeleteByID(id))
	assert.Equal(t, 0, idx.Len())

	_, err = idx.Embed(ctx, "ephemeral fact", nil, ContentMemory)
	require.NoError(t, err)
	assert.Equal(t, first, idx.vectors[0], "re-embed after delete must hit cache and return the same unit vector")
}

func TestRetrieveFiltersByContentType(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Embed(ctx, "alpha fact", nil, ContentMemory)
	require.NoError(t, err)
	_, err = idx.Embed(ctx, "alpha thread", nil, ContentThread)
	require.NoError(t, err)

	results, err := idx.Retrieve(ctx, "alpha", 10, -1, ContentThread)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ContentThread, r.Entry.ContentType)
	}
}

func TestReloadSurvivesRestart(t *testing.T) {
	enc := &fakeEncoder{}
	store := fstore.New()
	dir := t.TempDir()

	idx, err := NewIndex(dir, enc, store)
	require.NoError(t, err)
	id, err := idx.Embed(context.Background(), "durable fact", nil, ContentMemory)
	require.NoError(t, err)

	reloaded, err := NewIndex(dir, enc, store)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	results, err := reloaded.Retrieve(context.Background(), "durable fact", 1, -1, "")
	require.NoError(t, err)
	assert.Equal(t, id, results[0].Entry.ID)
}

func TestRebuildRecoversLongEntries(t *testing.T) {
	enc := &fakeEncoder{}
	store := fstore.New()
	dir := t.TempDir()

	idx, err := NewIndex(dir, enc, store)
	require.NoError(t, err)
	short, err := idx.Embed(context.Background(), "short fact", nil, ContentMemory)
	require.NoError(t, err)
	long, err := idx.Embed(context.Background(), strings.Repeat("a long memory ", 120), nil, ContentMemory)
	require.NoError(t, err)

	// Lose the vector file; metadata and cache survive, forcing a rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile), []byte(`{"vectors":[]}`), 0o644))

	reloaded, err := NewIndex(dir, enc, store)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	ids := []string{reloaded.entries[0].ID, reloaded.entries[1].ID}
	assert.Contains(t, ids, short)
	assert.Contains(t, ids, long, "entries longer than the stored snippet must survive a rebuild")
}

func TestClearDropsEverything(t *testing.T) {
	idx, enc := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Embed(ctx, "gone soon", nil, ContentText)
	require.NoError(t, err)
	require.NoError(t, idx.Clear())
	assert.Equal(t, 0, idx.Len())

	// Cache wiped too: embedding again must call the encoder.
	before := enc.calls
	_, err = idx.Embed(ctx, "gone soon", nil, ContentText)
	require.NoError(t, err)
	assert.Greater(t, enc.calls, before)
}

func TestDetectContentType(t *testing.T) {
	cases := []struct {
		text string
		want ContentType
	}{
		{"func main() {}", ContentCode},
		{"def handler(event):", ContentCode},
		{"{\"key\": 1}", ContentConfig},
		{"---\nname: thing", ContentConfig},
		{"The meeting moved to Thursday.", ContentText},
		{"", ContentGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectContentType(tc.text), tc.text)
	}
}
