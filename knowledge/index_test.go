package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoint(id string, docID uint64, vector []float32) IndexPoint {
	return IndexPoint{
		ID:         id,
		DocumentID: docID,
		Seq:        1,
		Text:       "text for " + id,
		Filename:   "manual.txt",
		UploadedAt: time.Now().UTC(),
		Vector:     vector,
	}
}

func TestMemoryIndexUpsertAndSearch(t *testing.T) {
	index := NewMemoryIndex("")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []IndexPoint{
		testPoint("a", 1, []float32{1, 0, 0}),
		testPoint("b", 1, []float32{0, 1, 0}),
		testPoint("c", 2, []float32{0.9, 0.1, 0}),
	}))

	hits, err := index.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryIndexScoreClampedToUnitRange(t *testing.T) {
	index := NewMemoryIndex("")
	ctx := context.Background()

	// Opposite vectors give cosine -1, which must clamp to 0.
	require.NoError(t, index.Upsert(ctx, []IndexPoint{testPoint("neg", 1, []float32{-1, 0})}))

	hits, err := index.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.0, hits[0].Score)
}

func TestMemoryIndexDeleteAndClear(t *testing.T) {
	index := NewMemoryIndex("")
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, []IndexPoint{
		testPoint("a", 1, []float32{1, 0}),
		testPoint("b", 1, []float32{1, 0}),
	}))

	require.NoError(t, index.DeletePoints(ctx, []string{"a"}))
	hits, err := index.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)

	require.NoError(t, index.Clear(ctx))
	hits, err = index.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndexExpiredContextYieldsPartialResults(t *testing.T) {
	index := NewMemoryIndex("")
	require.NoError(t, index.Upsert(context.Background(), []IndexPoint{
		testPoint("a", 1, []float32{1, 0}),
		testPoint("b", 1, []float32{0, 1}),
	}))

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	hits, err := index.Search(expired, []float32{1, 0}, 5)
	require.NoError(t, err, "a deadline must degrade to partial results, not fail")
	assert.LessOrEqual(t, len(hits), 2)
}

func TestMemoryIndexCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "knowledge_base.json")
	ctx := context.Background()

	original := NewMemoryIndex(path)
	require.NoError(t, original.Upsert(ctx, []IndexPoint{
		testPoint("a", 1, []float32{1, 0}),
		testPoint("b", 2, []float32{0, 1}),
	}))
	require.NoError(t, original.Save())

	restored := NewMemoryIndex(path)
	require.NoError(t, restored.Load())

	hits, err := restored.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, uint64(1), hits[0].DocumentID)
	assert.Equal(t, "manual.txt", hits[0].Filename)
}

func TestMemoryIndexLoadMissingFile(t *testing.T) {
	index := NewMemoryIndex(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, index.Load())

	hits, err := index.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
