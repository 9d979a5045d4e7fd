package knowledge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"manualai_back/extract"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)

	// One connection keeps concurrent writers queued instead of tripping
	// sqlite's busy errors.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// failingIndex delegates to a real index but rejects Upsert once the allowed
// number of successful calls is used up.
type failingIndex struct {
	VectorIndex
	upserts    int
	allowedUps int
}

func (f *failingIndex) Upsert(ctx context.Context, points []IndexPoint) error {
	f.upserts++
	if f.upserts > f.allowedUps {
		return errors.New("index unavailable")
	}
	return f.VectorIndex.Upsert(ctx, points)
}

func newTestService(t *testing.T, index VectorIndex) *Service {
	t.Helper()
	chunker, err := NewChunker(200, 20)
	require.NoError(t, err)

	service := NewService(newTestDB(t), NewLexicalEmbedder(0), index, chunker)
	require.NoError(t, service.AutoMigrate())
	return service
}

func TestProcessUploadCreatesSearchableChunks(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	data := []byte("Maximum spindle speed: 12000 RPM\nLubricate the guideways every 200 operating hours\n")
	record, err := service.ProcessUpload(ctx, data, "cnc_manual.txt", "txt", "")
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, record.Status)
	assert.Equal(t, "cnc_manual.txt", record.Filename)
	assert.Equal(t, "txt", record.Format)
	assert.Greater(t, record.ChunkCount, 0)
	assert.NotEmpty(t, record.DocType)

	hits, err := service.Search(ctx, "maximum spindle speed", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Text, "SPECIFICATION: Maximum spindle speed: 12000 RPM")
	assert.Contains(t, hits[0].Tags, TagSpecification)
	assert.Equal(t, "cnc_manual.txt", hits[0].Filename)
}

func TestProcessUploadEmptyFile(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))

	record, err := service.ProcessUpload(context.Background(), nil, "empty.txt", "txt", "")
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, record.Status)
	assert.Zero(t, record.ChunkCount)

	docs, chunks, err := service.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs)
	assert.Zero(t, chunks)
}

func TestProcessUploadUnsupportedFormat(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))

	_, err := service.ProcessUpload(context.Background(), []byte("x"), "slides.pptx", "pptx", "")
	require.ErrorIs(t, err, extract.ErrUnsupportedFormat)
}

func TestProcessUploadReplacesSameFilename(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	_, err := service.ProcessUpload(ctx, []byte("alpha bravo charlie details here"), "manual.txt", "txt", "")
	require.NoError(t, err)

	_, err = service.ProcessUpload(ctx, []byte("delta echo foxtrot details here"), "manual.txt", "txt", "")
	require.NoError(t, err)

	docs, _, err := service.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs, "re-uploading the same filename must replace, not duplicate")

	hits, err := service.Search(ctx, "alpha bravo charlie", 5)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.NotContains(t, hit.Text, "alpha bravo charlie", "old version must not be searchable after replacement")
	}

	hits, err = service.Search(ctx, "delta echo foxtrot", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Text, "delta echo foxtrot")
}

func TestFailedReplacementKeepsOldVersionSearchable(t *testing.T) {
	index := &failingIndex{VectorIndex: NewMemoryIndex(""), allowedUps: 1}
	service := newTestService(t, index)
	ctx := context.Background()

	first, err := service.ProcessUpload(ctx, []byte("alpha bravo charlie details here"), "manual.txt", "txt", "")
	require.NoError(t, err)

	_, err = service.ProcessUpload(ctx, []byte("delta echo foxtrot details here"), "manual.txt", "txt", "")
	require.ErrorIs(t, err, ErrIndexWrite)

	docs, chunks, err := service.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs)
	assert.Equal(t, int64(first.ChunkCount), chunks)

	hits, err := service.Search(ctx, "alpha bravo charlie", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits, "old version must stay searchable after a failed replacement")
	assert.Contains(t, hits[0].Text, "alpha bravo charlie")
}

func TestConcurrentSameFilenameUploadsSerialize(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("revision %d of the lathe manual content", i)
			_, errs[i] = service.ProcessUpload(ctx, []byte(content), "lathe.txt", "txt", "user-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "upload %d", i)
	}

	docs, chunks, err := service.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs, "racing uploads of one filename must leave one document")
	assert.Greater(t, chunks, int64(0))

	service.lockMu.Lock()
	assert.Empty(t, service.docLocks, "filename locks must be released after ingestion")
	service.lockMu.Unlock()
}

func TestClearAllExclusiveAgainstUploads(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			filename := fmt.Sprintf("manual_%d.txt", i)
			_, err := service.ProcessUpload(ctx, []byte("coolant system bleed procedure steps"), filename, "txt", "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := service.ClearAll(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	// Whatever the interleaving, no document may end up half ingested: every
	// counted document is searchable and nothing else is.
	docs, chunks, err := service.Size(ctx)
	require.NoError(t, err)
	if docs == 0 {
		assert.Zero(t, chunks)
	} else {
		assert.Greater(t, chunks, int64(0))
	}

	hits, err := service.Search(ctx, "coolant system bleed", 10)
	require.NoError(t, err)
	seen := make(map[uint64]struct{})
	for _, hit := range hits {
		seen[hit.DocumentID] = struct{}{}
	}
	assert.Equal(t, docs, int64(len(seen)))
}

func TestRemoveDocumentPurgesIndex(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	record, err := service.ProcessUpload(ctx, []byte("gearbox oil change procedure"), "gearbox.txt", "txt", "")
	require.NoError(t, err)

	removed, err := service.RemoveDocument(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkCount, removed)

	hits, err := service.Search(ctx, "gearbox oil change", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	docs, chunks, err := service.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)
	assert.Zero(t, chunks)
}

func TestRemoveDocumentNotFound(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))

	_, err := service.RemoveDocument(context.Background(), 4242)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestClearAll(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	_, err := service.ProcessUpload(ctx, []byte("first manual content"), "a.txt", "txt", "")
	require.NoError(t, err)
	_, err = service.ProcessUpload(ctx, []byte("second manual content"), "b.txt", "txt", "")
	require.NoError(t, err)

	docsBefore, chunksBefore, err := service.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), docsBefore)
	require.Greater(t, chunksBefore, int64(0))

	removedDocs, removedChunks, err := service.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, docsBefore, removedDocs)
	assert.Equal(t, chunksBefore, removedChunks)

	docs, chunks, err := service.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)
	assert.Zero(t, chunks)

	hits, err := service.Search(ctx, "manual content", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchPerDocumentCap(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))
	ctx := context.Background()

	// Many chunks about the same topic in one document.
	var lines []string
	for i := 0; i < 12; i++ {
		lines = append(lines, "spindle bearing preload adjustment step with extra words to pad the line out properly")
	}
	_, err := service.ProcessUpload(ctx, []byte(strings.Join(lines, "\n")), "big.txt", "txt", "")
	require.NoError(t, err)

	_, err = service.ProcessUpload(ctx, []byte("spindle bearing replacement summary"), "small.txt", "txt", "")
	require.NoError(t, err)

	hits, err := service.Search(ctx, "spindle bearing", 6)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	perDoc := make(map[uint64]int)
	for i, hit := range hits {
		perDoc[hit.DocumentID]++
		if i > 0 {
			assert.LessOrEqual(t, hit.Score, hits[i-1].Score, "scores must be non-increasing")
		}
	}
	for docID, count := range perDoc {
		assert.LessOrEqual(t, count, defaultPerDocCap, "document %d exceeded the per-document cap", docID)
	}
}

func TestSearchMinScoreFiltersWeakMatches(t *testing.T) {
	index := NewMemoryIndex("")
	service := newTestService(t, index)
	ctx := context.Background()

	query := "hydraulic pump pressure calibration"
	embedder := NewLexicalEmbedder(0)
	vectors, err := embedder.Embed(ctx, []string{query})
	require.NoError(t, err)
	queryVector := vectors[0]

	// A barely related vector: tiny component along the query, the rest on a
	// slot the query does not occupy. Cosine lands around 0.05, below the
	// default 0.1 floor.
	weak := make([]float32, len(queryVector))
	for i, value := range queryVector {
		weak[i] = 0.05 * value
	}
	for i, value := range queryVector {
		if value == 0 {
			weak[i] = 1.0
			break
		}
	}

	strong := testPoint("strong", 1, queryVector)
	weakPoint := testPoint("weak", 2, weak)
	require.NoError(t, index.Upsert(ctx, []IndexPoint{strong, weakPoint}))

	hits, err := service.Search(ctx, query, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "strong", hits[0].ID)
}

func TestSearchRecencyTieBreak(t *testing.T) {
	index := NewMemoryIndex("")
	service := newTestService(t, index)
	ctx := context.Background()

	// Identical vectors so the scores tie exactly; only UploadedAt differs.
	embedder := NewLexicalEmbedder(0)
	vectors, err := embedder.Embed(ctx, []string{"coolant tank capacity is ninety litres"})
	require.NoError(t, err)

	older := testPoint("older", 1, vectors[0])
	older.Filename = "older.txt"
	newer := testPoint("newer", 2, vectors[0])
	newer.Filename = "newer.txt"
	newer.UploadedAt = older.UploadedAt.Add(time.Minute)
	require.NoError(t, index.Upsert(ctx, []IndexPoint{older, newer}))

	hits, err := service.Search(ctx, "coolant tank capacity", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "newer.txt", hits[0].Filename, "equal scores must prefer the more recent upload")
}

func TestSearchBlankQuery(t *testing.T) {
	service := newTestService(t, NewMemoryIndex(""))

	hits, err := service.Search(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	db := newTestDB(t)
	chunker, err := NewChunker(200, 20)
	require.NoError(t, err)

	service := NewService(db, NewLexicalEmbedder(0), NewMemoryIndex(path), chunker)
	require.NoError(t, service.AutoMigrate())
	ctx := context.Background()

	_, err = service.ProcessUpload(ctx, []byte("tailstock quill travel is 120 mm"), "tailstock.txt", "txt", "")
	require.NoError(t, err)
	require.NoError(t, service.Checkpoint())

	restored := NewMemoryIndex(path)
	require.NoError(t, restored.Load())
	reopened := NewService(db, NewLexicalEmbedder(0), restored, chunker)

	hits, err := reopened.Search(ctx, "tailstock quill travel", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Text, "tailstock quill travel")
}
