package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project is owned by the CRUD layer. The pipeline only reads the
// extraction flag.
type Project struct {
	ID                       string `gorm:"primaryKey;type:varchar(36)"`
	Name                     string `gorm:"not null"`
	DrawingExtractionEnabled bool   `gorm:"not null;default:false"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type Category struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_categories_project_name,priority:1"`
	Name      string `gorm:"not null;uniqueIndex:idx_categories_project_name,priority:2"`
	CreatedAt time.Time
}

// ExtractionDetails is the structured record of the last extraction run.
type ExtractionDetails struct {
	Model       string    `json:"model,omitempty"`
	Source      string    `json:"source,omitempty"`
	Raw         string    `json:"raw,omitempty"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// FileAsset describes the bytes of one physical upload.
type FileAsset struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID    string `gorm:"type:varchar(36);not null;index"`
	StoragePath  string `gorm:"not null"`
	OriginalName string `gorm:"not null"`
	MimeType     string
	SizeBytes    int64
	ContentHash  string `gorm:"type:varchar(64);not null;index"`
	OCRStatus    string `gorm:"column:ocr_status"`

	DrawingNumber               *string
	DrawingName                 *string
	DrawingRevision             *string
	DrawingExtractionStatus     *ExtractionStatus `gorm:"type:varchar(16)"`
	DrawingExtractionConfidence *float64
	DrawingExtractionSource     *string
	DrawingExtractionError      *string
	DrawingExtraction           datatypes.JSONType[ExtractionDetails]

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDrawingCandidate reports whether the asset can carry a title block.
func (f *FileAsset) IsDrawingCandidate() bool {
	mt := strings.ToLower(f.MimeType)
	if mt == "application/pdf" || strings.HasPrefix(mt, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(f.OriginalName)) {
	case ".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

// Document is the logical identity of a file across its versions.
type Document struct {
	ID              string  `gorm:"primaryKey;type:varchar(36)"`
	ProjectID       string  `gorm:"type:varchar(36);not null;uniqueIndex:idx_documents_project_filename,priority:1"`
	CategoryID      *string `gorm:"type:varchar(36)"`
	Filename        string  `gorm:"not null;uniqueIndex:idx_documents_project_filename,priority:2"`
	LatestVersionID *string `gorm:"type:varchar(36)"`

	// VersionCounter is incremented in place to hand out version numbers.
	VersionCounter int `gorm:"not null;default:0"`
	// ChunkGeneration names the chunk set readers see. Zero means none.
	ChunkGeneration        int `gorm:"not null;default:0"`
	ChunkGenerationCounter int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is never updated after creation.
type Version struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID    string `gorm:"type:varchar(36);not null;uniqueIndex:idx_versions_document_number,priority:1"`
	FileAssetID   string `gorm:"type:varchar(36);not null"`
	VersionNumber int    `gorm:"not null;uniqueIndex:idx_versions_document_number,priority:2"`
	UploadedBy    string
	CreatedAt     time.Time
}

type DocumentChunk struct {
	ID             string  `gorm:"primaryKey;type:varchar(36)"`
	DocumentID     string  `gorm:"type:varchar(36);not null;uniqueIndex:idx_chunks_doc_gen_ordinal,priority:1"`
	Generation     int     `gorm:"not null;uniqueIndex:idx_chunks_doc_gen_ordinal,priority:2"`
	Ordinal        int     `gorm:"not null;uniqueIndex:idx_chunks_doc_gen_ordinal,priority:3"`
	ParentChunkID  *string `gorm:"type:varchar(36)"`
	HierarchyLevel int     `gorm:"not null"`
	HierarchyPath  string  `gorm:"not null"`
	SectionTitle   string
	ClauseNumber   *string
	Content        string          `gorm:"type:text;not null"`
	Embedding      pgvector.Vector `gorm:"type:vector"`
	TokenCount     int
	CreatedAt      time.Time
}

type DocumentSet struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID string `gorm:"type:varchar(36);not null;index"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
}

// DocumentSetMember is the per-document-in-set sync status row.
type DocumentSetMember struct {
	DocumentSetID string     `gorm:"primaryKey;type:varchar(36)"`
	DocumentID    string     `gorm:"primaryKey;type:varchar(36)"`
	SyncStatus    SyncStatus `gorm:"type:varchar(16);not null;default:PENDING"`
	SyncError     *string
	ChunkCount    int
	Progress      int
	SyncedAt      *time.Time
	UpdatedAt     time.Time
}

func (p *Project) BeforeCreate(*gorm.DB) error       { p.ID = ensureID(p.ID); return nil }
func (c *Category) BeforeCreate(*gorm.DB) error      { c.ID = ensureID(c.ID); return nil }
func (f *FileAsset) BeforeCreate(*gorm.DB) error     { f.ID = ensureID(f.ID); return nil }
func (d *Document) BeforeCreate(*gorm.DB) error      { d.ID = ensureID(d.ID); return nil }
func (v *Version) BeforeCreate(*gorm.DB) error       { v.ID = ensureID(v.ID); return nil }
func (c *DocumentChunk) BeforeCreate(*gorm.DB) error { c.ID = ensureID(c.ID); return nil }
func (s *DocumentSet) BeforeCreate(*gorm.DB) error   { s.ID = ensureID(s.ID); return nil }

func ensureID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// All lists every model managed by the migrations.
func All() []any {
	return []any{
		&Project{}, &Category{}, &FileAsset{}, &Document{}, &Version{},
		&DocumentChunk{}, &DocumentSet{}, &DocumentSetMember{},
	}
}
