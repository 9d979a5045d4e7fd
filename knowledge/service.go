package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"manualai_back/extract"
)

// ErrIndexWrite marks failures while writing to the vector index. Callers can
// distinguish these from database errors to decide on retry behaviour.
var ErrIndexWrite = errors.New("knowledge: vector index write failed")

const (
	defaultPerDocCap = 2
	defaultMinScore  = 0.1

	defaultCheckpointPath = "./data/knowledge_base.json"

	// Candidates fetched per requested result, so the per-document cap and
	// minimum-score filter still leave enough survivors.
	candidateMultiplier = 8
)

// Service owns the document lifecycle: extraction, structuring, chunking,
// embedding, persistence and retrieval.
type Service struct {
	db        *gorm.DB
	embedder  Embedder
	index     VectorIndex
	chunker   *Chunker
	perDocCap int
	minScore  float64
	mode      string

	// opMu serialises ClearAll against every other write; per-document
	// writes hold it in read mode plus their own filename lock.
	opMu     sync.RWMutex
	lockMu   sync.Mutex
	docLocks map[string]*filenameLock
}

// filenameLock is a reference-counted per-document mutex. The last holder
// removes the entry, so the lock map stays bounded by in-flight uploads
// rather than every filename ever seen.
type filenameLock struct {
	mu   sync.Mutex
	refs int
}

// DocumentRecord is the API-facing view of a stored manual.
type DocumentRecord struct {
	ID         uint64    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Filename   string    `json:"filename"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	Status     string    `json:"status"`
	DocType    string    `json:"doc_type,omitempty"`
	Summary    *string   `json:"summary,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	PageCount  int       `json:"page_count,omitempty"`
	SheetNames []string  `json:"sheet_names,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	UploadedAt time.Time `json:"uploaded_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats summarises the knowledge base for the stats endpoint.
type Stats struct {
	Documents     int64            `json:"documents"`
	Chunks        int64            `json:"chunks"`
	ByStatus      map[string]int64 `json:"by_status"`
	RetrievalMode string           `json:"retrieval_mode"`
}

// NewServiceFromEnv wires the retrieval stack from the environment. With
// EMBEDDING_API_KEY set it uses the embedding API plus Qdrant; otherwise it
// falls back to lexical signatures over an in-memory index checkpointed at
// KNOWLEDGE_CHECKPOINT_PATH. Queries and chunks always share one embedder.
func NewServiceFromEnv(ctx context.Context, db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}

	chunker, err := NewChunkerFromEnv()
	if err != nil {
		return nil, err
	}

	var embedder Embedder
	var index VectorIndex
	mode := "lexical"

	if strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")) != "" {
		embedder, err = NewHTTPEmbedderFromEnv()
		if err != nil {
			return nil, err
		}
		index, err = NewQdrantIndexFromEnv(ctx, embedder.Dimension())
		if err != nil {
			return nil, err
		}
		mode = "semantic"
	} else {
		embedder = NewLexicalEmbedder(0)
		checkpointPath := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHECKPOINT_PATH"))
		if checkpointPath == "" {
			checkpointPath = defaultCheckpointPath
		}
		memory := NewMemoryIndex(checkpointPath)
		if err := memory.Load(); err != nil {
			log.Printf("knowledge: checkpoint load failed, starting empty: %v", err)
		}
		index = memory
	}

	perDocCap := defaultPerDocCap
	if raw := strings.TrimSpace(os.Getenv("RETRIEVAL_PER_DOC_CAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			perDocCap = parsed
		}
	}
	minScore := defaultMinScore
	if raw := strings.TrimSpace(os.Getenv("RETRIEVAL_MIN_SCORE")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			minScore = parsed
		}
	}

	log.Printf("knowledge: retrieval mode %s (per-doc cap %d, min score %.2f)", mode, perDocCap, minScore)

	return &Service{
		db:        db,
		embedder:  embedder,
		index:     index,
		chunker:   chunker,
		perDocCap: perDocCap,
		minScore:  minScore,
		mode:      mode,
		docLocks:  make(map[string]*filenameLock),
	}, nil
}

// NewService assembles a service from explicit parts. Used by tests and by
// callers that manage their own stack.
func NewService(db *gorm.DB, embedder Embedder, index VectorIndex, chunker *Chunker) *Service {
	return &Service{
		db:        db,
		embedder:  embedder,
		index:     index,
		chunker:   chunker,
		perDocCap: defaultPerDocCap,
		minScore:  defaultMinScore,
		mode:      "custom",
		docLocks:  make(map[string]*filenameLock),
	}
}

func (s *Service) AutoMigrate() error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

// RetrievalMode reports which embedding stack the service runs on.
func (s *Service) RetrievalMode() string { return s.mode }

// lockFilename serialises ingestion for one user/filename pair and returns
// the release function.
func (s *Service) lockFilename(userID string, filename string) func() {
	key := userID + "\x00" + filename
	s.lockMu.Lock()
	entry, ok := s.docLocks[key]
	if !ok {
		entry = &filenameLock{}
		s.docLocks[key] = entry
	}
	entry.refs++
	s.lockMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.lockMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.docLocks, key)
		}
		s.lockMu.Unlock()
	}
}

// ProcessUpload ingests one manual end to end: extract, structure, chunk,
// embed and index. Uploading a filename that already exists for the user
// replaces the stored document; the old version stays searchable until the
// replacement commits, so a failed re-upload never leaves a gap.
func (s *Service) ProcessUpload(ctx context.Context, data []byte, filename string, declaredFormat string, userID string) (*DocumentRecord, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, errors.New("knowledge: filename is required")
	}
	format := extract.NormalizeFormat(declaredFormat)
	if format == "" {
		format = extract.FormatFromFilename(filename)
	}
	if !extract.IsSupported(format) {
		return nil, fmt.Errorf("%w: %q", extract.ErrUnsupportedFormat, format)
	}

	s.opMu.RLock()
	defer s.opMu.RUnlock()
	release := s.lockFilename(userID, filename)
	defer release()

	doc, err := s.ensureDocumentRow(ctx, userID, filename, format, int64(len(data)))
	if err != nil {
		return nil, err
	}

	text, meta, err := extract.Extract(data, format)
	if err != nil {
		s.markFailed(ctx, doc.ID)
		return nil, fmt.Errorf("knowledge: extraction stage for %q: %w", filename, err)
	}

	uploadedAt := time.Now().UTC()
	structured := Structure(text, filename, format, uploadedAt)
	docType := DetectDocumentType(structured)

	var segments []string
	if !meta.Empty {
		segments = s.chunker.Split(structured)
	}

	chunks, points, err := s.buildChunks(ctx, doc.ID, filename, uploadedAt, segments)
	if err != nil {
		s.markFailed(ctx, doc.ID)
		return nil, fmt.Errorf("knowledge: indexing stage for %q: %w", filename, err)
	}

	if err := s.commitDocument(ctx, doc, meta, docType, uploadedAt, int64(len(data)), chunks, points); err != nil {
		s.markFailed(ctx, doc.ID)
		return nil, fmt.Errorf("knowledge: indexing stage for %q: %w", filename, err)
	}

	s.checkpointAsync()

	record := buildDocumentRecord(*doc, len(chunks))
	record.Status = StatusProcessed
	record.DocType = docType
	record.Strategy = meta.Strategy
	record.PageCount = meta.PageCount
	record.SheetNames = meta.SheetNames
	record.UploadedAt = uploadedAt
	return &record, nil
}

// ensureDocumentRow finds or creates the row for this user/filename pair and
// marks it processing.
func (s *Service) ensureDocumentRow(ctx context.Context, userID string, filename string, format string, sizeBytes int64) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND filename = ?", userID, filename).
		Take(&doc).Error
	switch {
	case err == nil:
		// Replacement upload of an existing manual.
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = Document{
			UserID:   userID,
			Filename: filename,
			Format:   format,
			Status:   StatusPending,
		}
		if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	updates := map[string]interface{}{
		"status":     StatusProcessing,
		"format":     format,
		"size_bytes": sizeBytes,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	doc.Status = StatusProcessing
	doc.Format = format
	doc.SizeBytes = sizeBytes
	return &doc, nil
}

// buildChunks embeds every segment and pairs chunk rows with index points. An
// embedder returning an empty vector for a segment fails the whole upload,
// naming the offending chunk.
func (s *Service) buildChunks(ctx context.Context, docID uint64, filename string, uploadedAt time.Time, segments []string) ([]Chunk, []IndexPoint, error) {
	if len(segments) == 0 {
		return nil, nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, segments)
	if err != nil {
		return nil, nil, err
	}
	if len(vectors) != len(segments) {
		return nil, nil, fmt.Errorf("embedding count mismatch (expected %d, got %d)", len(segments), len(vectors))
	}

	chunks := make([]Chunk, len(segments))
	points := make([]IndexPoint, len(segments))
	for i, segment := range segments {
		if len(vectors[i]) == 0 {
			return nil, nil, fmt.Errorf("empty embedding for chunk %d of %d", i+1, len(segments))
		}
		tags := ExtractTags(segment)
		vectorID := uuid.NewString()
		chunks[i] = Chunk{
			DocumentID: docID,
			Seq:        i + 1,
			Text:       segment,
			CharCount:  len([]rune(segment)),
			Tags:       tagsToJSON(tags),
			VectorID:   vectorID,
		}
		points[i] = IndexPoint{
			ID:         vectorID,
			DocumentID: docID,
			Seq:        i + 1,
			Text:       segment,
			Tags:       tags,
			Filename:   filename,
			UploadedAt: uploadedAt,
			Vector:     vectors[i],
		}
	}
	return chunks, points, nil
}

// commitDocument swaps the document's chunks and metadata. New index points
// go in before the row transaction, and the old points are removed only after
// it commits: a failure anywhere up to commit compensates by deleting the new
// points, so the previous version is never lost to a failed replacement.
func (s *Service) commitDocument(ctx context.Context, doc *Document, meta extract.Metadata, docType string, uploadedAt time.Time, sizeBytes int64, chunks []Chunk, points []IndexPoint) error {
	newVectorIDs := make([]string, len(points))
	for i, point := range points {
		newVectorIDs[i] = point.ID
	}

	if len(points) > 0 {
		if err := s.index.Upsert(ctx, points); err != nil {
			return fmt.Errorf("%w: %v", ErrIndexWrite, err)
		}
	}

	var oldVectorIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Chunk{}).
			Where("document_id = ?", doc.ID).
			Pluck("vector_id", &oldVectorIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}

		if len(chunks) > 0 {
			if err := tx.Create(&chunks).Error; err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"status":      StatusProcessed,
			"doc_type":    docType,
			"strategy":    meta.Strategy,
			"page_count":  meta.PageCount,
			"sheet_names": sheetNamesToJSON(meta.SheetNames),
			"size_bytes":  sizeBytes,
			"uploaded_at": uploadedAt,
		}
		return tx.Model(&Document{}).Where("id = ?", doc.ID).Updates(updates).Error
	})
	if err != nil {
		if len(newVectorIDs) > 0 {
			if cleanupErr := s.index.DeletePoints(ctx, newVectorIDs); cleanupErr != nil {
				log.Printf("knowledge: cleanup index points failed: %v", cleanupErr)
			}
		}
		return err
	}

	if len(oldVectorIDs) > 0 {
		if err := s.index.DeletePoints(ctx, oldVectorIDs); err != nil {
			log.Printf("knowledge: drop superseded index points failed: %v", err)
		}
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, docID uint64) {
	if err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", docID).
		Update("status", StatusFailed).Error; err != nil {
		log.Printf("knowledge: mark document %d failed: %v", docID, err)
	}
}

// RemoveDocument deletes a manual, its chunk rows and its index points in one
// transaction and returns the number of chunks removed.
func (s *Service) RemoveDocument(ctx context.Context, docID uint64) (int, error) {
	if s.db == nil {
		return 0, errors.New("knowledge: database connection is not configured")
	}

	s.opMu.RLock()
	defer s.opMu.RUnlock()

	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Take(&doc, docID).Error; err != nil {
			return err
		}

		var vectorIDs []string
		if err := tx.Model(&Chunk{}).
			Where("document_id = ?", docID).
			Pluck("vector_id", &vectorIDs).Error; err != nil {
			return err
		}
		if len(vectorIDs) > 0 {
			if err := s.index.DeletePoints(ctx, vectorIDs); err != nil {
				return fmt.Errorf("%w: %v", ErrIndexWrite, err)
			}
		}
		if err := tx.Where("document_id = ?", docID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		removed = len(vectorIDs)
		return tx.Delete(&Document{}, docID).Error
	})
	if err != nil {
		return 0, err
	}

	s.checkpointAsync()
	return removed, nil
}

// ClearAll wipes every document, chunk and index point, returning how many
// of each were dropped. Exclusive: in-flight uploads and removals finish
// first, new ones wait.
func (s *Service) ClearAll(ctx context.Context) (int64, int64, error) {
	if s.db == nil {
		return 0, 0, errors.New("knowledge: database connection is not configured")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var removedDocs, removedChunks int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Document{}).Count(&removedDocs).Error; err != nil {
			return err
		}
		if err := tx.Model(&Chunk{}).Count(&removedChunks).Error; err != nil {
			return err
		}
		if err := s.index.Clear(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrIndexWrite, err)
		}
		if err := tx.Where("1 = 1").Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Document{}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	s.checkpointAsync()
	return removedDocs, removedChunks, nil
}

// Size returns the stored document and chunk counts.
func (s *Service) Size(ctx context.Context) (int64, int64, error) {
	var docs, chunks int64
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&docs).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.WithContext(ctx).Model(&Chunk{}).Count(&chunks).Error; err != nil {
		return 0, 0, err
	}
	return docs, chunks, nil
}

// ListDocuments returns all stored manuals, most recently updated first.
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error) {
	query := s.db.WithContext(ctx).Model(&Document{}).Order("updated_at DESC")
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var docs []Document
	if err := query.Find(&docs).Error; err != nil {
		return nil, err
	}

	counts := make(map[uint64]int)
	if len(docs) > 0 {
		var rows []struct {
			DocumentID uint64
			Count      int
		}
		if err := s.db.WithContext(ctx).
			Model(&Chunk{}).
			Select("document_id, COUNT(*) as count").
			Group("document_id").
			Find(&rows).Error; err == nil {
			for _, row := range rows {
				counts[row.DocumentID] = row.Count
			}
		}
	}

	records := make([]DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, buildDocumentRecord(doc, counts[doc.ID]))
	}
	return records, nil
}

// GetStats aggregates document and chunk counts plus the status breakdown.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int64), RetrievalMode: s.mode}
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&stats.Documents).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Chunk{}).Count(&stats.Chunks).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Document{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
	}
	return stats, nil
}

// Search embeds the query and returns the best-matching chunks. Hits below
// the minimum score are dropped, no document contributes more than the
// per-document cap, and ties break towards the more recently uploaded manual.
// A context deadline during scoring yields whatever was ranked so far rather
// than an error.
func (s *Service) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	vectors, err := s.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, nil
	}

	hits, err := s.index.Search(ctx, vectors[0], maxResults*candidateMultiplier)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UploadedAt.After(hits[j].UploadedAt)
	})

	perDoc := make(map[uint64]int)
	selected := make([]SearchHit, 0, maxResults)
	for _, hit := range hits {
		if hit.Score < s.minScore {
			continue
		}
		if perDoc[hit.DocumentID] >= s.perDocCap {
			continue
		}
		perDoc[hit.DocumentID]++
		selected = append(selected, hit)
		if len(selected) == maxResults {
			break
		}
	}
	return selected, nil
}

// Checkpoint persists the in-memory index, if that is the active backend.
// Qdrant persists on its own.
func (s *Service) Checkpoint() error {
	if memory, ok := s.index.(*memoryIndex); ok {
		return memory.Save()
	}
	return nil
}

func (s *Service) checkpointAsync() {
	memory, ok := s.index.(*memoryIndex)
	if !ok {
		return
	}
	go func() {
		if err := memory.Save(); err != nil {
			log.Printf("knowledge: checkpoint save failed: %v", err)
		}
	}()
}

func tagsToJSON(tags []string) datatypes.JSON {
	if len(tags) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func sheetNamesToJSON(names []string) datatypes.JSON {
	if len(names) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func parseSheetNames(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil
	}
	return names
}

func buildDocumentRecord(doc Document, chunkCount int) DocumentRecord {
	return DocumentRecord{
		ID:         doc.ID,
		UserID:     doc.UserID,
		Filename:   doc.Filename,
		Format:     doc.Format,
		SizeBytes:  doc.SizeBytes,
		Status:     doc.Status,
		DocType:    doc.DocType,
		Summary:    doc.Summary,
		Strategy:   doc.Strategy,
		PageCount:  doc.PageCount,
		SheetNames: parseSheetNames(doc.SheetNames),
		ChunkCount: chunkCount,
		UploadedAt: doc.UploadedAt,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}
