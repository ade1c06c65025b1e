package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/internal/types"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/processor"
	"github.com/xhad/docflow/pkg/store"
)

type DocumentWorkerConfig struct {
	Store     *store.Store
	Blobs     BlobReader
	Parser    types.Parser
	Embedder  types.Embedder
	Processor processor.ProcessorConfig
	// InsertBatchSize bounds rows per chunk insert statement. Default 50.
	InsertBatchSize int
	// EmbedBatchTokens bounds the estimated tokens sent per embedding call.
	// Default 8000.
	EmbedBatchTokens int
	Progress         types.ProgressReporter
	Now              func() time.Time
	Logger           *slog.Logger
}

// DocumentWorker indexes one document version into a document set.
type DocumentWorker struct {
	config    DocumentWorkerConfig
	processor processor.Processor
	logger    *slog.Logger
}

func NewDocumentWorker(config DocumentWorkerConfig) (*DocumentWorker, error) {
	if config.Store == nil || config.Blobs == nil || config.Parser == nil || config.Embedder == nil {
		return nil, fmt.Errorf("store, blobs, parser and embedder are required")
	}
	if config.InsertBatchSize <= 0 || config.InsertBatchSize > 50 {
		config.InsertBatchSize = 50
	}
	if config.EmbedBatchTokens <= 0 {
		config.EmbedBatchTokens = 8000
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Progress == nil {
		config.Progress = LogReporter{Logger: config.Logger}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &DocumentWorker{
		config:    config,
		processor: processor.NewWithConfig(config.Processor),
		logger:    config.Logger,
	}, nil
}

func (w *DocumentWorker) Handle(ctx context.Context, job *jobs.Job) error {
	var p jobs.DocumentProcessingJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return w.Process(ctx, job.ID, p)
}

// Process runs a document through parse, chunk, embed and persist. On
// failure the member is marked FAILED and the error is returned so the
// queue can retry.
func (w *DocumentWorker) Process(ctx context.Context, jobID string, p jobs.DocumentProcessingJob) error {
	logger := w.logger.With("jobID", jobID, "documentID", p.DocumentID, "documentSetID", p.DocumentSetID)
	st := w.config.Store

	applied, err := st.SetSyncStatus(ctx, p.DocumentSetID, p.DocumentID, store.SyncUpdate{Status: models.SyncProcessing})
	if err != nil {
		return err
	}
	if !applied {
		logger.Warn("document is not a member of the set, skipping")
		return nil
	}
	w.checkpoint(ctx, jobID, p, 10, "processing")

	count, err := w.index(ctx, jobID, p, logger)
	if err != nil {
		w.fail(ctx, p, err, logger)
		return err
	}

	now := w.config.Now().UTC()
	applied, err = st.SetSyncStatus(ctx, p.DocumentSetID, p.DocumentID, store.SyncUpdate{
		Status:     models.SyncSynced,
		ChunkCount: count,
		SyncedAt:   &now,
	})
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("document was re-queued while processing, leaving status to the next run")
		return nil
	}
	w.config.Progress.Report(ctx, jobID, 100, "synced")
	logger.Info("document synced", "chunks", count)
	return nil
}

func (w *DocumentWorker) index(ctx context.Context, jobID string, p jobs.DocumentProcessingJob, logger *slog.Logger) (int, error) {
	const op = "worker.ProcessDocument"
	st := w.config.Store

	// Always index the latest version so redelivered or reordered jobs
	// converge on the same result.
	_, fa, err := st.LatestVersion(ctx, p.DocumentID)
	if err != nil {
		return 0, err
	}
	if fa.StoragePath != p.StoragePath {
		logger.Info("payload names a superseded version, using latest", "storagePath", fa.StoragePath)
	}

	data, err := w.config.Blobs.Get(ctx, fa.StoragePath)
	if err != nil {
		return 0, err
	}
	parsed, err := w.config.Parser.Parse(ctx, data, fa.MimeType, fa.OriginalName)
	if err != nil {
		return 0, err
	}
	w.checkpoint(ctx, jobID, p, 30, "parsed")

	chunks := w.processor.Process(parsed)
	if len(chunks) == 0 {
		return 0, errs.Parse(op, fmt.Errorf("no extractable text in %s", fa.OriginalName))
	}
	w.checkpoint(ctx, jobID, p, 50, "chunked")

	vectors, err := w.embed(ctx, chunks)
	if err != nil {
		return 0, err
	}
	w.checkpoint(ctx, jobID, p, 80, "embedded")

	if err := w.persist(ctx, p.DocumentID, chunks, vectors, logger); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embed sends chunk contents in batches bounded by EmbedBatchTokens. Any
// failed batch fails the whole document.
func (w *DocumentWorker) embed(ctx context.Context, chunks []processor.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	var batch []string
	tokens := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := w.config.Embedder.GenerateEmbeddings(ctx, batch)
		if err != nil {
			return err
		}
		if len(out) != len(batch) {
			return errs.Embedding("worker.embed", fmt.Errorf("expected %d embeddings, got %d", len(batch), len(out)))
		}
		vectors = append(vectors, out...)
		batch, tokens = nil, 0
		return nil
	}

	for _, c := range chunks {
		if len(batch) > 0 && tokens+c.TokenCount > w.config.EmbedBatchTokens {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, c.Content)
		tokens += c.TokenCount
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (w *DocumentWorker) persist(ctx context.Context, documentID string, chunks []processor.Chunk, vectors [][]float32, logger *slog.Logger) error {
	st := w.config.Store

	gen, err := st.AllocateGeneration(ctx, documentID)
	if err != nil {
		return err
	}
	if purged, err := st.PurgeStaleGenerations(ctx, documentID); err != nil {
		return err
	} else if purged > 0 {
		logger.Info("purged chunks of interrupted runs", "count", purged)
	}

	ids := make([]string, len(chunks))
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	rows := make([]models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.DocumentChunk{
			ID:             ids[i],
			DocumentID:     documentID,
			Generation:     gen,
			Ordinal:        i,
			HierarchyLevel: c.Level,
			HierarchyPath:  c.Path,
			SectionTitle:   c.SectionTitle,
			Content:        c.Content,
			Embedding:      pgvector.NewVector(vectors[i]),
			TokenCount:     c.TokenCount,
		}
		if c.Parent >= 0 {
			rows[i].ParentChunkID = &ids[c.Parent]
		}
		if c.ClauseNumber != "" {
			clause := c.ClauseNumber
			rows[i].ClauseNumber = &clause
		}
	}

	err = st.InsertChunks(ctx, rows, w.config.InsertBatchSize)
	if err == nil {
		err = st.ActivateGeneration(ctx, documentID, gen)
	}
	if err != nil {
		if cleanupErr := st.DeleteGeneration(context.WithoutCancel(ctx), documentID, gen); cleanupErr != nil {
			logger.Error("failed to delete partial chunk generation", "generation", gen, "error", cleanupErr)
		}
		return err
	}
	logger.Debug("activated chunk generation", "generation", gen, "chunks", len(rows))
	return nil
}

func (w *DocumentWorker) fail(ctx context.Context, p jobs.DocumentProcessingJob, cause error, logger *slog.Logger) {
	logger.Error("document processing failed", "error", cause)
	_, err := w.config.Store.SetSyncStatus(context.WithoutCancel(ctx), p.DocumentSetID, p.DocumentID, store.SyncUpdate{
		Status: models.SyncFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		logger.Error("failed to record document failure", "error", err)
	}
}

func (w *DocumentWorker) checkpoint(ctx context.Context, jobID string, p jobs.DocumentProcessingJob, percent int, stage string) {
	if err := w.config.Store.SetSyncProgress(ctx, p.DocumentSetID, p.DocumentID, percent); err != nil {
		w.logger.Warn("failed to record progress", "documentID", p.DocumentID, "error", err)
	}
	w.config.Progress.Report(ctx, jobID, percent, stage)
}
