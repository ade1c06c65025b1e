package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/docflow/pkg/blob"
	cfgPkg "github.com/xhad/docflow/pkg/config"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/llm"
	"github.com/xhad/docflow/pkg/parser"
	"github.com/xhad/docflow/pkg/processor"
	"github.com/xhad/docflow/pkg/store"
	"github.com/xhad/docflow/pkg/worker"
)

// app holds the components every subcommand shares.
type app struct {
	config *cfgPkg.Config
	logger *slog.Logger
	store  *store.Store
	blobs  *blob.Service
	intake *ingest.Service

	index *store.VectorIndex
	embed *llm.Embedder
}

func newApp(ctx context.Context, path, level string) (*app, error) {
	config, err := cfgPkg.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	if level != "" {
		config.Logging.Level = level
	}
	if problems := config.Validate(); len(problems) > 0 {
		errList := make([]error, 0, len(problems))
		for _, p := range problems {
			errList = append(errList, p)
		}
		return nil, fmt.Errorf("invalid configuration:\n%w", errors.Join(errList...))
	}

	logger := cfgPkg.NewLogger(config.Logging, os.Stderr)
	slog.SetDefault(logger)

	st, err := store.NewWithConfig(store.StoreConfig{
		Driver:       config.Database.Driver,
		URL:          config.Database.URL,
		MaxOpenConns: config.Database.MaxOpenConns,
		LogSQL:       config.Logging.Level == "debug",
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %v", err)
	}

	backend, err := newBackend(ctx, config.Storage)
	if err != nil {
		st.Close()
		return nil, err
	}
	blobs, err := blob.NewWithConfig(blob.ServiceConfig{Backend: backend, Index: st, Logger: logger})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize blob storage: %v", err)
	}

	intake, err := ingest.NewWithConfig(ingest.ServiceConfig{
		Store:       st,
		Blobs:       blobs,
		Logger:      logger,
		MaxAttempts: config.Queue.MaxAttempts,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize ingest service: %v", err)
	}

	return &app{config: config, logger: logger, store: st, blobs: blobs, intake: intake}, nil
}

func (a *app) Close() {
	if a.index != nil {
		a.index.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

func newBackend(ctx context.Context, cfg cfgPkg.StorageConfig) (blob.Backend, error) {
	switch cfg.Backend {
	case "local":
		b, err := blob.NewLocalBackend(cfg.Local.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local storage: %v", err)
		}
		return b, nil
	case "s3":
		b, err := blob.NewS3Backend(ctx, blob.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %v", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
}

func (a *app) retryPolicy() llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = a.config.LLM.MaxRetries
	policy.RequestsPerSecond = a.config.LLM.RequestsPerSecond
	policy.RequestTimeout = a.config.LLM.RequestTimeout
	return policy
}

func (a *app) embedder() (*llm.Embedder, error) {
	if a.embed != nil {
		return a.embed, nil
	}
	e, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:   a.config.LLM.Provider,
		Model:      a.config.LLM.EmbeddingModel,
		BaseURL:    a.config.LLM.BaseURL,
		APIKey:     a.config.LLM.APIKey,
		BatchSize:  a.config.LLM.EmbedBatchSize,
		Dimensions: a.config.Database.VectorDim,
		Retry:      a.retryPolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %v", err)
	}
	a.embed = e
	return e, nil
}

// vectorIndex returns nil when the database has no pgvector support.
func (a *app) vectorIndex(ctx context.Context) (*store.VectorIndex, error) {
	if a.config.Database.Driver != "postgres" {
		return nil, nil
	}
	if a.index != nil {
		return a.index, nil
	}
	vi, err := store.NewVectorIndex(ctx, store.VectorIndexConfig{
		ConnString: a.config.Database.URL,
		VectorDim:  a.config.Database.VectorDim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %v", err)
	}
	a.index = vi
	return vi, nil
}

func (a *app) parser() (*parser.Registry, error) {
	p, err := parser.NewWithConfig(parser.ParserConfig{
		RemoteURL:        a.config.Parser.RemoteURL,
		Timeout:          a.config.Parser.Timeout,
		RateLimit:        a.config.Parser.RateLimit,
		MaxResponseBytes: a.config.Parser.MaxResponseMB << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize parser: %v", err)
	}
	return p, nil
}

// handlers builds one worker per selected queue.
func (a *app) handlers(queues []jobs.Queue) (map[jobs.Queue]jobs.Handler, error) {
	var (
		docs     *worker.DocumentWorker
		drawings *worker.DrawingWorker
		chunks   *worker.ChunkWorker
		err      error
	)
	for _, q := range queues {
		switch q {
		case jobs.QueueDocuments:
			docs, err = a.documentWorker()
		case jobs.QueueDrawings:
			drawings, err = a.drawingWorker()
		case jobs.QueueChunks:
			chunks, err = a.chunkWorker()
		default:
			err = fmt.Errorf("no worker for queue %s", q)
		}
		if err != nil {
			return nil, err
		}
	}
	return worker.Handlers(docs, drawings, chunks), nil
}

func (a *app) documentWorker() (*worker.DocumentWorker, error) {
	p, err := a.parser()
	if err != nil {
		return nil, err
	}
	e, err := a.embedder()
	if err != nil {
		return nil, err
	}
	return worker.NewDocumentWorker(worker.DocumentWorkerConfig{
		Store:    a.store,
		Blobs:    a.blobs,
		Parser:   p,
		Embedder: e,
		Processor: processor.ProcessorConfig{
			TargetTokens:     a.config.Processor.TargetTokens,
			OverlapSentences: a.config.Processor.OverlapSentences,
		},
		InsertBatchSize:  a.config.Processor.InsertBatchSize,
		EmbedBatchTokens: a.config.Processor.EmbedBatchTokens,
		Progress:         worker.LogReporter{Logger: a.logger},
		Logger:           a.logger,
	})
}

func (a *app) drawingWorker() (*worker.DrawingWorker, error) {
	ex, err := llm.NewExtractorWithConfig(llm.ExtractorConfig{
		Provider: a.config.LLM.Provider,
		Model:    a.config.LLM.VisionModel,
		BaseURL:  a.config.LLM.BaseURL,
		APIKey:   a.config.LLM.APIKey,
		Retry:    a.retryPolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize extractor: %v", err)
	}
	return worker.NewDrawingWorker(worker.DrawingWorkerConfig{
		Store:     a.store,
		Blobs:     a.blobs,
		Extractor: ex,
		Model:     ex.Model(),
		Logger:    a.logger,
	})
}

func (a *app) chunkWorker() (*worker.ChunkWorker, error) {
	e, err := a.embedder()
	if err != nil {
		return nil, err
	}
	return worker.NewChunkWorker(worker.ChunkWorkerConfig{Store: a.store, Embedder: e, Logger: a.logger})
}

func (a *app) jobConfig(q jobs.Queue) *jobs.JobConfig {
	cfg := &jobs.JobConfig{
		PollInterval:  a.config.Queue.PollInterval,
		ClaimTimeout:  a.config.Queue.ClaimTimeout,
		RetryBackoff:  a.config.Queue.RetryBackoff,
		RetentionDays: a.config.Queue.RetentionDays,
	}
	switch q {
	case jobs.QueueDocuments:
		cfg.Concurrency = a.config.Queue.DocumentWorkers
	case jobs.QueueDrawings:
		cfg.Concurrency = a.config.Queue.DrawingWorkers
	case jobs.QueueChunks:
		cfg.Concurrency = a.config.Queue.ChunkWorkers
	}
	return cfg
}

func (a *app) workerPools(queues []jobs.Queue) ([]*jobs.WorkerPool, error) {
	handlers, err := a.handlers(queues)
	if err != nil {
		return nil, err
	}
	js := jobs.NewJobStore(a.store.DB())
	pools := make([]*jobs.WorkerPool, 0, len(queues))
	for _, q := range queues {
		pools = append(pools, jobs.NewWorkerPool(js, q, handlers[q], a.jobConfig(q), a.logger))
	}
	return pools, nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
