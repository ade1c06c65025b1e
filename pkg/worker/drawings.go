package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/internal/types"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/store"
)

type DrawingWorkerConfig struct {
	Store     *store.Store
	Blobs     BlobReader
	Extractor types.DrawingExtractor
	// Model is recorded in the extraction details.
	Model  string
	Now    func() time.Time
	Logger *slog.Logger
}

// DrawingWorker fills title-block metadata on drawing assets.
type DrawingWorker struct {
	config DrawingWorkerConfig
	logger *slog.Logger
}

func NewDrawingWorker(config DrawingWorkerConfig) (*DrawingWorker, error) {
	if config.Store == nil || config.Blobs == nil || config.Extractor == nil {
		return nil, fmt.Errorf("store, blobs and extractor are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &DrawingWorker{config: config, logger: config.Logger}, nil
}

func (w *DrawingWorker) Handle(ctx context.Context, job *jobs.Job) error {
	var p jobs.DrawingExtractionJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return w.Process(ctx, job.ID, p)
}

func (w *DrawingWorker) Process(ctx context.Context, jobID string, p jobs.DrawingExtractionJob) error {
	const op = "worker.ExtractDrawing"
	logger := w.logger.With("jobID", jobID, "fileAssetID", p.FileAssetID)
	st := w.config.Store

	fa, err := st.GetFileAsset(ctx, p.FileAssetID)
	if err != nil {
		return err
	}

	// Once the asset is known every error leaves it FAILED, never PENDING.
	fail := func(err error) error {
		logger.Error("drawing extraction failed", "error", err)
		if _, failErr := st.SetExtraction(context.WithoutCancel(ctx), fa.ID, store.ExtractionUpdate{
			Status: models.ExtractionFailed,
			Error:  err.Error(),
		}); failErr != nil {
			logger.Error("failed to record extraction failure", "error", failErr)
		}
		return err
	}

	project, err := st.GetProject(ctx, fa.ProjectID)
	if err != nil {
		return fail(err)
	}

	if !project.DrawingExtractionEnabled {
		if _, err := st.SetExtraction(ctx, fa.ID, store.ExtractionUpdate{Status: models.ExtractionSkipped}); err != nil {
			return fail(err)
		}
		logger.Info("drawing extraction disabled for project, skipped", "projectID", project.ID)
		return nil
	}

	applied, err := st.SetExtraction(ctx, fa.ID, store.ExtractionUpdate{Status: models.ExtractionProcessing})
	if err != nil {
		return fail(err)
	}
	if !applied {
		return fail(errs.Validation(op, "file asset %s cannot move to %s", fa.ID, models.ExtractionProcessing))
	}

	result, err := w.extract(ctx, fa, p)
	if err != nil {
		return fail(err)
	}

	_, err = st.SetExtraction(ctx, fa.ID, store.ExtractionUpdate{
		Status: models.ExtractionCompleted,
		Result: result,
		Details: &models.ExtractionDetails{
			Model:       w.config.Model,
			Source:      result.Source,
			ExtractedAt: w.config.Now().UTC(),
		},
	})
	if err != nil {
		return fail(err)
	}
	logger.Info("drawing metadata extracted",
		"drawingNumber", result.DrawingNumber,
		"revision", result.DrawingRevision,
		"confidence", result.Confidence,
		"source", result.Source)
	return nil
}

func (w *DrawingWorker) extract(ctx context.Context, fa *models.FileAsset, p jobs.DrawingExtractionJob) (*types.ExtractionResult, error) {
	data, err := w.config.Blobs.Get(ctx, fa.StoragePath)
	if err != nil {
		return nil, err
	}
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = fa.MimeType
	}
	result, err := w.config.Extractor.Extract(ctx, data, fa.OriginalName, mimeType)
	if err != nil {
		return nil, err
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, errs.Extraction("worker.ExtractDrawing", fmt.Errorf("confidence %v out of range", result.Confidence))
	}
	return result, nil
}
