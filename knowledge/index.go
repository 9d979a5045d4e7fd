package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// IndexPoint is one chunk as stored in the retrieval index: its feature
// vector plus enough provenance to attribute a hit without a database trip.
type IndexPoint struct {
	ID         string    `json:"id"`
	DocumentID uint64    `json:"document_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags,omitempty"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"uploaded_at"`
	Vector     []float32 `json:"vector"`
}

// SearchHit is a scored index point. Score is cosine similarity clamped to
// [0,1].
type SearchHit struct {
	ID         string    `json:"id"`
	DocumentID uint64    `json:"document_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags,omitempty"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"uploaded_at"`
	Score      float64   `json:"score"`
}

// VectorIndex is the retrieval feature store. Implementations must be safe
// for concurrent use; a Search must observe either the pre- or post-state of
// any single document's points, never a partial mix.
type VectorIndex interface {
	Upsert(ctx context.Context, points []IndexPoint) error
	DeletePoints(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
	Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
}

// memoryIndex is a brute-force cosine index with an optional JSON checkpoint
// file, used when no vector database is configured.
type memoryIndex struct {
	mu     sync.RWMutex
	points map[string]IndexPoint
	path   string
}

// NewMemoryIndex creates an empty in-memory index. A non-empty checkpoint
// path enables Load/Save round-trips across process restarts.
func NewMemoryIndex(checkpointPath string) *memoryIndex {
	return &memoryIndex{
		points: make(map[string]IndexPoint),
		path:   strings.TrimSpace(checkpointPath),
	}
}

func (m *memoryIndex) Upsert(_ context.Context, points []IndexPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, point := range points {
		if point.ID == "" {
			return errors.New("knowledge: index point without id")
		}
		m.points[point.ID] = point
	}
	return nil
}

func (m *memoryIndex) DeletePoints(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]IndexPoint)
	return nil
}

// Search scores every point and returns the top hits sorted by score
// descending. Scoring checks the context periodically: on deadline it
// returns whatever was scored so far, sorted and capped, instead of failing
// the query.
func (m *memoryIndex) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]SearchHit, 0, len(m.points))
	scanned := 0
	for _, point := range m.points {
		if scanned%256 == 0 && ctx.Err() != nil {
			break
		}
		scanned++
		score := clamp01(cosineSimilarity(vector, point.Vector))
		hits = append(hits, SearchHit{
			ID:         point.ID,
			DocumentID: point.DocumentID,
			Seq:        point.Seq,
			Text:       point.Text,
			Tags:       point.Tags,
			Filename:   point.Filename,
			UploadedAt: point.UploadedAt,
			Score:      score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UploadedAt.After(hits[j].UploadedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type indexCheckpoint struct {
	SavedAt time.Time    `json:"saved_at"`
	Points  []IndexPoint `json:"points"`
}

// Save writes the whole index to the checkpoint file atomically (temp file
// plus rename).
func (m *memoryIndex) Save() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	snapshot := indexCheckpoint{SavedAt: time.Now().UTC(), Points: make([]IndexPoint, 0, len(m.points))}
	for _, point := range m.points {
		snapshot.Points = append(snapshot.Points, point)
	}
	m.mu.RUnlock()

	sort.Slice(snapshot.Points, func(i, j int) bool { return snapshot.Points[i].ID < snapshot.Points[j].ID })

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("knowledge: prepare checkpoint dir: %w", err)
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("knowledge: encode checkpoint: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("knowledge: write checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("knowledge: replace checkpoint: %w", err)
	}
	return nil
}

// Load restores a previously saved checkpoint. A missing file is not an
// error; the index just starts empty.
func (m *memoryIndex) Load() error {
	if m.path == "" {
		return nil
	}
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("knowledge: read checkpoint: %w", err)
	}
	var snapshot indexCheckpoint
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("knowledge: decode checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]IndexPoint, len(snapshot.Points))
	for _, point := range snapshot.Points {
		m.points[point.ID] = point
	}
	return nil
}

func cosineSimilarity(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
