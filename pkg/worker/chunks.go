package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/processor"
	"github.com/xhad/docflow/pkg/store"
)

type ChunkWorkerConfig struct {
	Store    *store.Store
	Embedder types.Embedder
	Logger   *slog.Logger
}

// ChunkWorker re-embeds a single chunk after its content was edited.
type ChunkWorker struct {
	config ChunkWorkerConfig
	logger *slog.Logger
}

func NewChunkWorker(config ChunkWorkerConfig) (*ChunkWorker, error) {
	if config.Store == nil || config.Embedder == nil {
		return nil, fmt.Errorf("store and embedder are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ChunkWorker{config: config, logger: config.Logger}, nil
}

func (w *ChunkWorker) Handle(ctx context.Context, job *jobs.Job) error {
	var p jobs.ChunkEmbeddingJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	logger := w.logger.With("jobID", job.ID, "chunkID", p.ChunkID)
	// A reprocessing run may have replaced the chunk since the job was queued.
	if _, err := w.config.Store.GetChunk(ctx, p.ChunkID); errs.Is(err, errs.KindNotFound) {
		logger.Info("chunk no longer exists, nothing to embed")
		return nil
	} else if err != nil {
		return err
	}

	vector, err := w.config.Embedder.GenerateEmbedding(ctx, p.Content)
	if err != nil {
		return err
	}
	err = w.config.Store.UpdateChunkEmbedding(ctx, p.ChunkID, p.Content, vector, processor.EstimateTokens(p.Content))
	if errs.Is(err, errs.KindNotFound) {
		logger.Info("chunk removed while embedding, dropping result")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Debug("chunk re-embedded", "dimensions", len(vector))
	return nil
}
