package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/internal/types"
)

// Chunk sets are written as numbered generations. Readers only see the
// generation the document row points at, so a run becomes visible in a
// single pointer swap.

func (s *Store) AllocateGeneration(ctx context.Context, documentID string) (int, error) {
	var gen int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Document{}).
			Where("id = ?", documentID).
			Update("chunk_generation_counter", gorm.Expr("chunk_generation_counter + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		var doc models.Document
		if err := tx.Select("chunk_generation_counter").First(&doc, "id = ?", documentID).Error; err != nil {
			return err
		}
		gen = doc.ChunkGenerationCounter
		return nil
	})
	if err != nil {
		return 0, dbErr("store.AllocateGeneration", err)
	}
	return gen, nil
}

// PurgeStaleGenerations removes leftovers of interrupted runs.
func (s *Store) PurgeStaleGenerations(ctx context.Context, documentID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND generation <> (?)", documentID,
			s.db.Model(&models.Document{}).Select("chunk_generation").Where("id = ?", documentID)).
		Delete(&models.DocumentChunk{})
	if res.Error != nil {
		return 0, dbErr("store.PurgeStaleGenerations", res.Error)
	}
	return res.RowsAffected, nil
}

// InsertChunks writes chunks in statements of at most batchSize rows.
// Batches are committed independently.
func (s *Store) InsertChunks(ctx context.Context, chunks []models.DocumentChunk, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	db := s.db.WithContext(ctx)
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]
		if err := db.Create(&batch).Error; err != nil {
			return dbErr("store.InsertChunks", fmt.Errorf("batch at %d: %w", start, err))
		}
	}
	return nil
}

// ActivateGeneration makes gen the current chunk set and drops every other
// generation of the document in the same transaction.
func (s *Store) ActivateGeneration(ctx context.Context, documentID string, gen int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Document{}).
			Where("id = ?", documentID).
			Update("chunk_generation", gen).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ? AND generation <> ?", documentID, gen).
			Delete(&models.DocumentChunk{}).Error
	})
	if err != nil {
		return dbErr("store.ActivateGeneration", err)
	}
	return nil
}

func (s *Store) DeleteGeneration(ctx context.Context, documentID string, gen int) error {
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND generation = ?", documentID, gen).
		Delete(&models.DocumentChunk{}).Error
	if err != nil {
		return dbErr("store.DeleteGeneration", err)
	}
	return nil
}

func (s *Store) currentChunks(ctx context.Context, documentID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.DocumentChunk{}).
		Joins("JOIN documents ON documents.id = document_chunks.document_id AND documents.chunk_generation = document_chunks.generation").
		Where("document_chunks.document_id = ?", documentID)
}

func (s *Store) CurrentChunks(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	var chunks []models.DocumentChunk
	if err := s.currentChunks(ctx, documentID).Order("document_chunks.ordinal ASC").Find(&chunks).Error; err != nil {
		return nil, dbErr("store.CurrentChunks", err)
	}
	return chunks, nil
}

func (s *Store) CountCurrentChunks(ctx context.Context, documentID string) (int64, error) {
	var n int64
	if err := s.currentChunks(ctx, documentID).Count(&n).Error; err != nil {
		return 0, dbErr("store.CountCurrentChunks", err)
	}
	return n, nil
}

func (s *Store) CountAllChunks(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DocumentChunk{}).
		Where("document_id = ?", documentID).Count(&n).Error
	if err != nil {
		return 0, dbErr("store.CountAllChunks", err)
	}
	return n, nil
}

func (s *Store) GetChunk(ctx context.Context, id string) (*models.DocumentChunk, error) {
	var c models.DocumentChunk
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, dbErr("store.GetChunk", err)
	}
	return &c, nil
}

// UpdateChunkEmbedding replaces a single chunk's content and vector in place.
func (s *Store) UpdateChunkEmbedding(ctx context.Context, id, content string, embedding []float32, tokens int) error {
	res := s.db.WithContext(ctx).Model(&models.DocumentChunk{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":     content,
			"embedding":   pgvector.NewVector(embedding),
			"token_count": tokens,
		})
	if res.Error != nil {
		return dbErr("store.UpdateChunkEmbedding", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("store.UpdateChunkEmbedding", fmt.Errorf("chunk %s not found", id))
	}
	return nil
}

// Drawing extraction

type ExtractionUpdate struct {
	Status  models.ExtractionStatus
	Result  *types.ExtractionResult
	Details *models.ExtractionDetails
	Error   string
}

// SetExtraction applies the update when the asset's status allows it and
// reports whether a row changed.
func (s *Store) SetExtraction(ctx context.Context, fileAssetID string, u ExtractionUpdate) (bool, error) {
	updates := map[string]any{
		"drawing_extraction_status": u.Status,
		"updated_at":                time.Now(),
	}
	switch u.Status {
	case models.ExtractionFailed:
		updates["drawing_extraction_error"] = u.Error
	default:
		updates["drawing_extraction_error"] = nil
	}
	if r := u.Result; r != nil {
		updates["drawing_number"] = nullable(r.DrawingNumber)
		updates["drawing_name"] = nullable(r.DrawingName)
		updates["drawing_revision"] = nullable(r.DrawingRevision)
		updates["drawing_extraction_confidence"] = r.Confidence
		updates["drawing_extraction_source"] = nullable(r.Source)
	}
	if u.Details != nil {
		updates["drawing_extraction"] = datatypes.NewJSONType(*u.Details)
	}

	db := s.db.WithContext(ctx).Model(&models.FileAsset{}).
		Where("id = ?", fileAssetID).
		Where("drawing_extraction_status IN ? OR drawing_extraction_status IS NULL", u.Status.From())

	res := db.Updates(updates)
	if res.Error != nil {
		return false, dbErr("store.SetExtraction", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
