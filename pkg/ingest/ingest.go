// Package ingest accepts uploads and queues them for processing.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/blob"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/parser"
	"github.com/xhad/docflow/pkg/store"
	"github.com/xhad/docflow/pkg/versioning"
)

type ServiceConfig struct {
	Store    *store.Store
	Blobs    *blob.Service
	Versions *versioning.Service
	Logger   *slog.Logger
	// MaxAttempts applies to every job this service enqueues.
	MaxAttempts int
}

type Service struct {
	config ServiceConfig
	logger *slog.Logger
}

func NewWithConfig(config ServiceConfig) (*Service, error) {
	if config.Store == nil || config.Blobs == nil {
		return nil, fmt.Errorf("store and blob service are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Versions == nil {
		config.Versions = versioning.New(config.Store, config.Logger)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}
	return &Service{config: config, logger: config.Logger}, nil
}

type UploadRequest struct {
	ProjectID string
	// DocumentSetID, when set, queues the document for indexing in that set.
	DocumentSetID string
	Category      string
	Filename      string
	MimeType      string
	UploadedBy    string
	Content       []byte
}

type UploadResult struct {
	FileAsset     *models.FileAsset
	Document      *models.Document
	Version       *models.Version
	DocumentJobID string
	DrawingJobID  string
}

// Upload stores the bytes, then records the asset, the version and the
// follow-up jobs in one transaction.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	const op = "ingest.Upload"
	req.Filename = filepath.Base(strings.TrimSpace(req.Filename))
	switch {
	case req.ProjectID == "":
		return nil, errs.Validation(op, "projectId is required")
	case req.Filename == "" || req.Filename == "." || req.Filename == "/":
		return nil, errs.Validation(op, "filename is required")
	case len(req.Content) == 0:
		return nil, errs.Validation(op, "file %s is empty", req.Filename)
	}

	st := s.config.Store
	if _, err := st.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	if req.DocumentSetID != "" {
		set, err := st.GetDocumentSet(ctx, req.DocumentSetID)
		if err != nil {
			return nil, err
		}
		if set.ProjectID != req.ProjectID {
			return nil, errs.Validation(op, "document set %s belongs to another project", set.ID)
		}
	}

	saved, err := s.config.Blobs.Save(ctx, req.Filename, req.Content)
	if err != nil {
		return nil, err
	}

	var categoryID *string
	if name := strings.TrimSpace(req.Category); name != "" {
		cat, err := st.EnsureCategory(ctx, req.ProjectID, name)
		if err != nil {
			return nil, err
		}
		categoryID = &cat.ID
	}

	result := &UploadResult{}
	err = st.WithTx(ctx, func(tx *store.Store) error {
		fa := &models.FileAsset{
			ProjectID:    req.ProjectID,
			StoragePath:  saved.Path,
			OriginalName: req.Filename,
			MimeType:     detectMimeType(req.MimeType, req.Filename, req.Content),
			SizeBytes:    saved.Size,
			ContentHash:  saved.Hash,
		}
		drawing := fa.IsDrawingCandidate()
		if drawing {
			pending := models.ExtractionPending
			fa.DrawingExtractionStatus = &pending
		}
		if err := tx.CreateFileAsset(ctx, fa); err != nil {
			return err
		}
		result.FileAsset = fa

		reg, err := s.config.Versions.RegisterVersion(ctx, tx, versioning.RegisterInput{
			ProjectID:   req.ProjectID,
			Filename:    req.Filename,
			CategoryID:  categoryID,
			FileAssetID: fa.ID,
			UploadedBy:  req.UploadedBy,
		})
		if err != nil {
			return err
		}
		result.Document = reg.Document
		result.Version = reg.Version

		queue := jobs.NewJobStore(tx.DB())
		if req.DocumentSetID != "" {
			if err := tx.ResetSetMember(ctx, req.DocumentSetID, reg.Document.ID); err != nil {
				return err
			}
			job, err := s.enqueue(ctx, queue, jobs.DocumentProcessingJob{
				DocumentID:    reg.Document.ID,
				DocumentSetID: req.DocumentSetID,
				Filename:      req.Filename,
				StoragePath:   fa.StoragePath,
			}.Request())
			if err != nil {
				return err
			}
			result.DocumentJobID = job.ID
		}
		if drawing {
			job, err := s.enqueue(ctx, queue,
				jobs.NewDrawingExtractionJob(fa.ID, fa.StoragePath, fa.OriginalName, fa.MimeType).Request())
			if err != nil {
				return err
			}
			result.DrawingJobID = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("upload registered",
		"projectID", req.ProjectID,
		"documentID", result.Document.ID,
		"version", result.Version.VersionNumber,
		"storagePath", result.FileAsset.StoragePath,
		"documentJob", result.DocumentJobID,
		"drawingJob", result.DrawingJobID)
	return result, nil
}

// Reprocess queues the document's latest version for indexing in the set.
func (s *Service) Reprocess(ctx context.Context, setID, documentID string) (*jobs.Job, error) {
	st := s.config.Store
	doc, err := st.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	set, err := st.GetDocumentSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	if set.ProjectID != doc.ProjectID {
		return nil, errs.Validation("ingest.Reprocess", "document set %s belongs to another project", set.ID)
	}
	_, fa, err := st.LatestVersion(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var job *jobs.Job
	err = st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.ResetSetMember(ctx, setID, documentID); err != nil {
			return err
		}
		job, err = s.enqueue(ctx, jobs.NewJobStore(tx.DB()), jobs.DocumentProcessingJob{
			DocumentID:    documentID,
			DocumentSetID: setID,
			Filename:      doc.Filename,
			StoragePath:   fa.StoragePath,
		}.Request())
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RequestExtraction re-runs drawing extraction for one asset.
func (s *Service) RequestExtraction(ctx context.Context, fileAssetID string) (*jobs.Job, error) {
	st := s.config.Store
	fa, err := st.GetFileAsset(ctx, fileAssetID)
	if err != nil {
		return nil, err
	}
	if !fa.IsDrawingCandidate() {
		return nil, errs.Validation("ingest.RequestExtraction", "%s is not a drawing file", fa.OriginalName)
	}

	var job *jobs.Job
	err = st.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.SetExtraction(ctx, fa.ID, store.ExtractionUpdate{Status: models.ExtractionPending}); err != nil {
			return err
		}
		job, err = s.enqueue(ctx, jobs.NewJobStore(tx.DB()),
			jobs.NewDrawingExtractionJob(fa.ID, fa.StoragePath, fa.OriginalName, fa.MimeType).Request())
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RequestReembed queues a single chunk for re-embedding. Empty content
// re-embeds the stored text.
func (s *Service) RequestReembed(ctx context.Context, chunkID, content string) (*jobs.Job, error) {
	chunk, err := s.config.Store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		content = chunk.Content
	}
	return s.enqueue(ctx, jobs.NewJobStore(s.config.Store.DB()), jobs.ChunkEmbeddingJob{
		ChunkID: chunk.ID,
		Content: content,
	}.Request())
}

func (s *Service) enqueue(ctx context.Context, queue *jobs.JobStore, req jobs.EnqueueRequest) (*jobs.Job, error) {
	req.MaxAttempts = s.config.MaxAttempts
	return queue.Enqueue(ctx, req)
}

func detectMimeType(declared, filename string, content []byte) string {
	if mt := parser.MediaType(declared, filename); mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(content))
	return mt
}
