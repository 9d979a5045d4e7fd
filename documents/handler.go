package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"manualai_back/extract"
	"manualai_back/knowledge"
	"manualai_back/llm"
	"manualai_back/storage"
)

const maxUploadBytes int64 = 10 * 1024 * 1024

// Module bundles document ingestion and management endpoints.
type Module struct {
	db      *gorm.DB
	service *knowledge.Service
	storage *storage.ManualStorage
	cache   *llm.AnswerCache
}

// NewModuleFromEnv opens the database, migrates the schema and wires the
// knowledge service and optional raw-manual archive.
func NewModuleFromEnv(ctx context.Context) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	service, err := knowledge.NewServiceFromEnv(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("documents: migrate schema: %w", err)
	}

	store, err := storage.NewManualStorageFromEnv()
	if err != nil {
		log.Printf("documents: manual storage disabled: %v", err)
		store = nil
	}

	return &Module{db: db, service: service, storage: store}, nil
}

// NewModule assembles a module from explicit parts. Used by tests.
func NewModule(db *gorm.DB, service *knowledge.Service) *Module {
	return &Module{db: db, service: service}
}

// Service exposes the knowledge service for sibling modules.
func (m *Module) Service() *knowledge.Service { return m.service }

// DB exposes the shared database handle.
func (m *Module) DB() *gorm.DB { return m.db }

// SetAnswerCache lets the chat module's answer cache be invalidated whenever
// the knowledge base changes.
func (m *Module) SetAnswerCache(cache *llm.AnswerCache) { m.cache = cache }

// RegisterRoutes attaches the document endpoints.
func (m *Module) RegisterRoutes(r *gin.Engine) {
	group := r.Group("/documents")
	group.POST("", m.handleUpload)
	group.POST("/archive", m.handleUploadArchive)
	group.GET("", m.handleList)
	group.GET("/stats", m.handleStats)
	group.GET("/:id/download", m.handleDownload)
	group.DELETE("/:id", m.handleRemove)
	group.DELETE("", m.handleClear)
}

func (m *Module) invalidateAnswers(ctx context.Context) {
	if m.cache != nil {
		m.cache.Invalidate(ctx)
	}
}

func readUploadedFile(fileHeader *multipart.FileHeader, limit int64) ([]byte, error) {
	if fileHeader.Size > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if written > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return buffer.Bytes(), nil
}

func (m *Module) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	data, err := readUploadedFile(fileHeader, maxUploadBytes)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	userID := strings.TrimSpace(c.PostForm("user_id"))
	declaredFormat := strings.TrimSpace(c.PostForm("format"))
	if declaredFormat == "" {
		declaredFormat = extract.FormatFromFilename(fileHeader.Filename)
	}

	record, err := m.service.ProcessUpload(c.Request.Context(), data, fileHeader.Filename, declaredFormat, userID)
	if err != nil {
		// Format and extraction failures are deterministic; retrying the same
		// bytes cannot succeed. Indexing failures are transient.
		status := http.StatusInternalServerError
		retrySafe := true
		switch {
		case errors.Is(err, extract.ErrUnsupportedFormat):
			status = http.StatusUnsupportedMediaType
			retrySafe = false
		case errors.Is(err, extract.ErrExtractionFailed):
			status = http.StatusUnprocessableEntity
			retrySafe = false
		}
		c.JSON(status, gin.H{"error": err.Error(), "retry_safe": retrySafe})
		return
	}

	m.archiveRaw(c.Request.Context(), record.ID, data, fileHeader.Filename)
	m.invalidateAnswers(c.Request.Context())

	c.JSON(http.StatusCreated, record)
}

// archiveRaw stores the original bytes when MinIO is configured, best effort.
func (m *Module) archiveRaw(ctx context.Context, docID uint64, data []byte, filename string) {
	if m.storage == nil {
		return
	}
	objectKey, err := m.storage.Store(ctx, data, filename)
	if err != nil {
		log.Printf("documents: archive raw manual failed: %v", err)
		return
	}
	if err := m.db.WithContext(ctx).
		Model(&knowledge.Document{}).
		Where("id = ?", docID).
		Update("object_key", objectKey).Error; err != nil {
		log.Printf("documents: record object key failed: %v", err)
	}
}

func (m *Module) handleList(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	records, err := m.service.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": records, "total": len(records)})
}

func (m *Module) handleStats(c *gin.Context) {
	stats, err := m.service.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleDownload hands out a temporary URL for the archived original upload.
func (m *Module) handleDownload(c *gin.Context) {
	docID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || docID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	var doc knowledge.Document
	if err := m.db.WithContext(c.Request.Context()).Take(&doc, docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}
	if m.storage == nil || doc.ObjectKey == nil || *doc.ObjectKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no archived copy for this document"})
		return
	}

	url, err := m.storage.PresignedURL(c.Request.Context(), *doc.ObjectKey, 15*time.Minute)
	if err != nil {
		log.Printf("documents: presign archived manual failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate download link"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in_seconds": int64((15 * time.Minute).Seconds())})
}

func (m *Module) handleRemove(c *gin.Context) {
	docID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || docID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	var objectKey string
	var doc knowledge.Document
	if err := m.db.WithContext(c.Request.Context()).Take(&doc, docID).Error; err == nil && doc.ObjectKey != nil {
		objectKey = *doc.ObjectKey
	}

	removed, err := m.service.RemoveDocument(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove document"})
		return
	}

	if objectKey != "" {
		if err := m.storage.Remove(c.Request.Context(), objectKey); err != nil {
			log.Printf("documents: remove archived manual failed: %v", err)
		}
	}
	m.invalidateAnswers(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{"removed_chunks": removed})
}

func (m *Module) handleClear(c *gin.Context) {
	removedDocs, removedChunks, err := m.service.ClearAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear documents"})
		return
	}
	m.invalidateAnswers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed_documents": removedDocs, "removed_chunks": removedChunks})
}
