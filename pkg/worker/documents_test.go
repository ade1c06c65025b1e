package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/blob"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/parser"
	"github.com/xhad/docflow/pkg/parser/parsertest"
	"github.com/xhad/docflow/pkg/store"
	"github.com/xhad/docflow/pkg/store/storetest"
	"github.com/xhad/docflow/pkg/worker"
)

const tenderV1 = `1 General

1.1 Scope

The contractor shall supply all labour and materials.

1.2 Standards

Work shall comply with the current building code.
`

const tenderV2 = `2 Revised

All previous clauses are withdrawn.
`

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	out, err := f.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type env struct {
	store    *store.Store
	blobs    *blob.Service
	intake   *ingest.Service
	queue    *jobs.JobStore
	embedder *fakeEmbedder
	project  *models.Project
	set      *models.DocumentSet
}

func newEnv(t *testing.T, extraction bool) *env {
	t.Helper()
	s := storetest.New(t)
	blobs, err := blob.NewWithConfig(blob.ServiceConfig{Backend: blob.NewMemoryBackend(), Index: s, Logger: storetest.Logger()})
	require.NoError(t, err)
	intake, err := ingest.NewWithConfig(ingest.ServiceConfig{Store: s, Blobs: blobs, Logger: storetest.Logger()})
	require.NoError(t, err)
	p := storetest.Project(t, s, extraction)
	return &env{
		store:    s,
		blobs:    blobs,
		intake:   intake,
		queue:    jobs.NewJobStore(s.DB()),
		embedder: &fakeEmbedder{},
		project:  p,
		set:      storetest.DocumentSet(t, s, p.ID),
	}
}

func (e *env) documentWorker(t *testing.T, mutate ...func(*worker.DocumentWorkerConfig)) *worker.DocumentWorker {
	t.Helper()
	parsers, err := parser.NewWithConfig(parser.ParserConfig{})
	require.NoError(t, err)
	config := worker.DocumentWorkerConfig{
		Store:    e.store,
		Blobs:    e.blobs,
		Parser:   parsers,
		Embedder: e.embedder,
		Now:      func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
		Logger:   storetest.Logger(),
	}
	for _, m := range mutate {
		m(&config)
	}
	w, err := worker.NewDocumentWorker(config)
	require.NoError(t, err)
	return w
}

func (e *env) upload(t *testing.T, filename, content string) *ingest.UploadResult {
	t.Helper()
	res, err := e.intake.Upload(context.Background(), ingest.UploadRequest{
		ProjectID:     e.project.ID,
		DocumentSetID: e.set.ID,
		Filename:      filename,
		Content:       []byte(content),
	})
	require.NoError(t, err)
	return res
}

// drain runs every claimable job on the queue. Failed attempts are pushed
// an hour out so they are not reclaimed.
func (e *env) drain(t *testing.T, queue jobs.Queue, h jobs.Handler) int {
	t.Helper()
	cfg := &jobs.JobConfig{Concurrency: 1, PollInterval: time.Millisecond, ClaimTimeout: time.Minute, RetryBackoff: time.Hour}
	n, err := jobs.NewWorkerPool(e.queue, queue, h, cfg, storetest.Logger()).Drain(context.Background())
	require.NoError(t, err)
	return n
}

func (e *env) member(t *testing.T, documentID string) *models.DocumentSetMember {
	t.Helper()
	m, err := e.store.GetSetMember(context.Background(), e.set.ID, documentID)
	require.NoError(t, err)
	return m
}

func TestDocumentWorkerIndexesDocument(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	res := e.upload(t, "tender.txt", tenderV1)

	assert.Equal(t, 1, e.drain(t, jobs.QueueDocuments, e.documentWorker(t)))

	m := e.member(t, res.Document.ID)
	assert.Equal(t, models.SyncSynced, m.SyncStatus)
	assert.Equal(t, 100, m.Progress)
	assert.Nil(t, m.SyncError)
	require.NotNil(t, m.SyncedAt)

	chunks, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, m.ChunkCount, len(chunks))

	byID := map[string]models.DocumentChunk{}
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Len(t, c.Embedding.Slice(), 3)
		byID[c.ID] = c
	}
	assert.Nil(t, chunks[0].ParentChunkID)
	assert.Equal(t, "1", chunks[0].HierarchyPath)
	for _, c := range chunks[1:] {
		require.NotNil(t, c.ParentChunkID)
		parent, ok := byID[*c.ParentChunkID]
		require.True(t, ok, "parent of %s must be in the same generation", c.HierarchyPath)
		assert.Equal(t, parent.HierarchyLevel+1, c.HierarchyLevel)
		assert.True(t, strings.HasPrefix(c.HierarchyPath, parent.HierarchyPath+"."))
	}
	require.NotNil(t, chunks[2].ClauseNumber)
	assert.Equal(t, "1.1", *chunks[2].ClauseNumber)
	assert.Equal(t, "Scope", chunks[2].SectionTitle)
	assert.Contains(t, chunks[2].Content, "supply all labour")

	job, err := e.queue.Get(ctx, res.DocumentJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateSucceeded, job.State)
}

func TestDocumentWorkerIndexesPDF(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	data := parsertest.PDF([]string{
		"Ground floor layout with two stair cores.",
		"",
		"2 Fire",
		"Compartment walls shall give 60 minutes.",
	})
	res := e.upload(t, "floorplan-A.pdf", string(data))

	assert.Equal(t, 1, e.drain(t, jobs.QueueDocuments, e.documentWorker(t)))

	m := e.member(t, res.Document.ID)
	require.Equal(t, models.SyncSynced, m.SyncStatus, "sync error: %v", m.SyncError)
	assert.Positive(t, m.ChunkCount)

	chunks, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, m.ChunkCount)
	var content []string
	for _, c := range chunks {
		content = append(content, c.Content)
	}
	all := strings.Join(content, "\n")
	assert.Contains(t, all, "Ground floor layout with two stair cores.")
	assert.Contains(t, all, "Compartment walls shall give 60 minutes.")
}

func TestDocumentWorkerReprocessingReplacesChunks(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.documentWorker(t)

	first := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, w)
	second := e.upload(t, "tender.txt", tenderV2)
	require.Equal(t, first.Document.ID, second.Document.ID)
	e.drain(t, jobs.QueueDocuments, w)

	chunks, err := e.store.CurrentChunks(ctx, first.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.NotContains(t, c.Content, "labour")
	}
	all, err := e.store.CountAllChunks(ctx, first.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), all, "previous generation must be gone")
	assert.Equal(t, 2, e.member(t, first.Document.ID).ChunkCount)
}

func TestDocumentWorkerUsesLatestVersion(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	first := e.upload(t, "tender.txt", tenderV1)
	second := e.upload(t, "tender.txt", tenderV2)
	require.Equal(t, first.DocumentJobID, second.DocumentJobID, "queued job is reused")

	// The queued payload still names the first version's blob.
	job, err := e.queue.Get(ctx, first.DocumentJobID)
	require.NoError(t, err)
	var p jobs.DocumentProcessingJob
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, first.FileAsset.StoragePath, p.StoragePath)

	assert.Equal(t, 1, e.drain(t, jobs.QueueDocuments, e.documentWorker(t)))

	chunks, err := e.store.CurrentChunks(ctx, first.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[1].Content, "withdrawn")
}

func TestDocumentWorkerEmbeddingFailure(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.documentWorker(t)

	res := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, w)

	e.embedder.err = errs.Embedding("llm.GenerateEmbeddings", errors.New("503 model overloaded"))
	e.upload(t, "tender.txt", tenderV2)
	e.drain(t, jobs.QueueDocuments, w)

	m := e.member(t, res.Document.ID)
	assert.Equal(t, models.SyncFailed, m.SyncStatus)
	require.NotNil(t, m.SyncError)
	assert.Contains(t, *m.SyncError, "503 model overloaded")

	// The earlier successful run stays searchable.
	chunks, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
	all, err := e.store.CountAllChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), all)

	n, err := e.queue.Pending(ctx, jobs.QueueDocuments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "failed attempt is re-queued")
}

func TestDocumentWorkerFirstRunEmbeddingFailureLeavesNoChunks(t *testing.T) {
	e := newEnv(t, false)
	e.embedder.err = errs.Embedding("llm.GenerateEmbeddings", errors.New("invalid api key"))

	res := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, e.documentWorker(t))

	assert.Equal(t, models.SyncFailed, e.member(t, res.Document.ID).SyncStatus)
	all, err := e.store.CountAllChunks(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Zero(t, all)
}

func TestDocumentWorkerInsertFailureKeepsPreviousChunks(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.documentWorker(t, func(c *worker.DocumentWorkerConfig) { c.InsertBatchSize = 2 })

	res := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, w)
	before, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, before, 4)

	// Fail the second chunk batch of the next run.
	inserts := 0
	err = e.store.DB().Callback().Create().Before("gorm:create").Register("test:fail_chunk_batch", func(db *gorm.DB) {
		if db.Statement.Table != "document_chunks" {
			return
		}
		inserts++
		if inserts == 2 {
			_ = db.AddError(errors.New("connection reset by peer"))
		}
	})
	require.NoError(t, err)

	e.upload(t, "tender.txt", tenderV1+"\n1.3 Programme\n\nWorks complete in twelve weeks.\n")
	e.drain(t, jobs.QueueDocuments, w)

	m := e.member(t, res.Document.ID)
	assert.Equal(t, models.SyncFailed, m.SyncStatus)
	require.NotNil(t, m.SyncError)
	assert.Contains(t, *m.SyncError, "connection reset")

	after, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
	all, err := e.store.CountAllChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), all, "partial generation must be removed")
}

func TestDocumentWorkerBatchesEmbeddingsByTokens(t *testing.T) {
	e := newEnv(t, false)
	w := e.documentWorker(t, func(c *worker.DocumentWorkerConfig) { c.EmbedBatchTokens = 1 })

	e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, w)

	// Every chunk is over the budget on its own, so each goes alone.
	assert.Equal(t, 4, e.embedder.calls())
	for _, b := range e.embedder.batches {
		assert.Len(t, b, 1)
	}
}

func TestDocumentWorkerNoTextFails(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	res := e.upload(t, "blank.txt", "   \n\n\t\n")
	e.drain(t, jobs.QueueDocuments, e.documentWorker(t))

	m := e.member(t, res.Document.ID)
	assert.Equal(t, models.SyncFailed, m.SyncStatus)
	require.NotNil(t, m.SyncError)
	assert.Contains(t, *m.SyncError, "no extractable text")
	assert.Zero(t, e.embedder.calls())

	job, err := e.queue.Get(ctx, res.DocumentJobID)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "no extractable text")
}

func TestDocumentWorkerRejectsInvalidPayload(t *testing.T) {
	e := newEnv(t, false)
	w := e.documentWorker(t)

	err := w.Handle(context.Background(), &jobs.Job{ID: "j1", Payload: []byte(`{"documentSetId":"s1","storagePath":"x"}`)})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))

	err = w.Handle(context.Background(), &jobs.Job{ID: "j2", Payload: []byte(`not json`)})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestDocumentWorkerSkipsDocumentOutsideSet(t *testing.T) {
	e := newEnv(t, false)
	res, err := e.intake.Upload(context.Background(), ingest.UploadRequest{
		ProjectID: e.project.ID, Filename: "loose.txt", Content: []byte("A loose note."),
	})
	require.NoError(t, err)

	err = e.documentWorker(t).Process(context.Background(), "j1", jobs.DocumentProcessingJob{
		DocumentID: res.Document.ID, DocumentSetID: e.set.ID, Filename: "loose.txt", StoragePath: res.FileAsset.StoragePath,
	})
	assert.NoError(t, err)
	assert.Zero(t, e.embedder.calls())
}
