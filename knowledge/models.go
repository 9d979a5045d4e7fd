package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

// Processing status lifecycle of an uploaded manual.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Document is one uploaded manual. It exclusively owns its chunks: deleting
// a document cascades to every chunk row and index entry derived from it.
type Document struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	UserID     string         `gorm:"size:64;index" json:"user_id"`
	Filename   string         `gorm:"size:255;not null" json:"filename"`
	Format     string         `gorm:"size:8;not null" json:"format"`
	SizeBytes  int64          `gorm:"not null;default:0" json:"size_bytes"`
	Status     string         `gorm:"size:16;not null;default:'pending'" json:"status"`
	DocType    string         `gorm:"size:64" json:"doc_type,omitempty"`
	Summary    *string        `gorm:"size:500" json:"summary,omitempty"`
	Strategy   string         `gorm:"size:32" json:"strategy,omitempty"`
	PageCount  int            `gorm:"not null;default:0" json:"page_count,omitempty"`
	SheetNames datatypes.JSON `gorm:"type:json" json:"sheet_names,omitempty"`
	ObjectKey  *string        `gorm:"size:255" json:"-"`
	UploadedAt time.Time      `json:"uploaded_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "manual_documents"
}

// Chunk is one indexed slice of a document's structured text. Immutable once
// created; re-processing deletes and regenerates instead of mutating.
type Chunk struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	DocumentID uint64         `gorm:"not null;index:idx_document_seq" json:"document_id"`
	Seq        int            `gorm:"not null;index:idx_document_seq" json:"seq"`
	Text       string         `gorm:"type:text;not null" json:"text"`
	CharCount  int            `gorm:"not null;default:0" json:"char_count"`
	Tags       datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	VectorID   string         `gorm:"size:128;not null;uniqueIndex" json:"vector_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "manual_chunks"
}
