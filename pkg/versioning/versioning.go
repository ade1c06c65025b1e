// Package versioning resolves uploads to a Document identity and hands out
// gapless version numbers.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/store"
)

type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger}
}

// FindMatchingDocument returns the id of the project's document with
// exactly this filename, or "".
func (v *Service) FindMatchingDocument(ctx context.Context, filename, projectID string) (string, error) {
	doc, err := v.store.FindDocument(ctx, projectID, filename)
	if err != nil || doc == nil {
		return "", err
	}
	return doc.ID, nil
}

// GetNextVersionNumber reports max(version)+1, or 1. It is a read-only
// preview; RegisterVersion allocates numbers atomically.
func (v *Service) GetNextVersionNumber(ctx context.Context, documentID string) (int, error) {
	var next int
	err := v.store.DB().WithContext(ctx).Model(&models.Version{}).
		Select("COALESCE(MAX(version_number), 0) + 1").
		Where("document_id = ?", documentID).
		Scan(&next).Error
	if err != nil {
		return 0, errs.Database("versioning.GetNextVersionNumber", err)
	}
	return next, nil
}

type RegisterInput struct {
	ProjectID   string
	Filename    string
	CategoryID  *string
	FileAssetID string
	UploadedBy  string
}

type Registration struct {
	Document *models.Document
	Version  *models.Version
	// Created is true when this upload created the Document.
	Created bool
}

// RegisterVersion resolves or creates the Document for in.Filename and
// appends a Version pointing at in.FileAssetID. It must run inside the
// caller's transaction so the document, version and latest pointer commit
// together.
func (v *Service) RegisterVersion(ctx context.Context, tx *store.Store, in RegisterInput) (*Registration, error) {
	const op = "versioning.RegisterVersion"
	if in.ProjectID == "" || in.Filename == "" || in.FileAssetID == "" {
		return nil, errs.Validation(op, "projectId, filename and fileAssetId are required")
	}
	db := tx.DB().WithContext(ctx)

	// Concurrent first uploads of the same filename converge on one row.
	candidate := models.Document{ProjectID: in.ProjectID, Filename: in.Filename, CategoryID: in.CategoryID}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "filename"}},
		DoNothing: true,
	}).Create(&candidate)
	if res.Error != nil {
		return nil, errs.Database(op, fmt.Errorf("create document: %w", res.Error))
	}
	created := res.RowsAffected > 0

	var doc models.Document
	if err := db.First(&doc, "project_id = ? AND filename = ?", in.ProjectID, in.Filename).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("load document: %w", err))
	}

	// The row lock taken here serializes concurrent uploads of the document
	// until the transaction commits.
	updates := map[string]any{
		"version_counter": gorm.Expr("version_counter + 1"),
		"updated_at":      time.Now(),
	}
	if in.CategoryID != nil {
		updates["category_id"] = *in.CategoryID
	}
	if err := db.Model(&models.Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("allocate version number: %w", err))
	}
	if err := db.Select("version_counter").First(&doc, "id = ?", doc.ID).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("read version number: %w", err))
	}

	version := &models.Version{
		DocumentID:    doc.ID,
		FileAssetID:   in.FileAssetID,
		VersionNumber: doc.VersionCounter,
		UploadedBy:    in.UploadedBy,
	}
	if err := db.Create(version).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("create version: %w", err))
	}

	if err := db.Model(&models.Document{}).Where("id = ?", doc.ID).Update("latest_version_id", version.ID).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("set latest version: %w", err))
	}
	if err := db.First(&doc, "id = ?", doc.ID).Error; err != nil {
		return nil, errs.Database(op, fmt.Errorf("reload document: %w", err))
	}

	v.logger.Debug("registered document version",
		"documentID", doc.ID, "filename", doc.Filename, "version", version.VersionNumber, "created", created)
	return &Registration{Document: &doc, Version: version, Created: created}, nil
}
