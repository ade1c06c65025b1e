package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/blob"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/store"
	"github.com/xhad/docflow/pkg/store/storetest"
)

type fixture struct {
	store   *store.Store
	backend *blob.MemoryBackend
	svc     *ingest.Service
	queue   *jobs.JobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	backend := blob.NewMemoryBackend()
	blobs, err := blob.NewWithConfig(blob.ServiceConfig{
		Backend: backend,
		Index:   s,
		Now:     func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) },
		Logger:  storetest.Logger(),
	})
	require.NoError(t, err)
	svc, err := ingest.NewWithConfig(ingest.ServiceConfig{Store: s, Blobs: blobs, Logger: storetest.Logger(), MaxAttempts: 5})
	require.NoError(t, err)
	return &fixture{store: s, backend: backend, svc: svc, queue: jobs.NewJobStore(s.DB())}
}

func TestUploadDrawingIntoSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, true)
	set := storetest.DocumentSet(t, f.store, p.ID)

	res, err := f.svc.Upload(ctx, ingest.UploadRequest{
		ProjectID:     p.ID,
		DocumentSetID: set.ID,
		Category:      "Architectural",
		Filename:      "A-101_rev-C.pdf",
		MimeType:      "application/pdf",
		UploadedBy:    "sam",
		Content:       []byte("%PDF-1.7 ground floor"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Version.VersionNumber)
	assert.Equal(t, res.FileAsset.ID, res.Version.FileAssetID)
	assert.Equal(t, "sam", res.Version.UploadedBy)
	require.NotNil(t, res.Document.CategoryID)
	require.NotNil(t, res.FileAsset.DrawingExtractionStatus)
	assert.Equal(t, models.ExtractionPending, *res.FileAsset.DrawingExtractionStatus)
	assert.Equal(t, "application/pdf", res.FileAsset.MimeType)
	assert.Len(t, res.FileAsset.ContentHash, 64)

	member, err := f.store.GetSetMember(ctx, set.ID, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, member.SyncStatus)

	docJob, err := f.queue.Get(ctx, res.DocumentJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueDocuments, docJob.Queue)
	assert.Equal(t, 5, docJob.MaxAttempts)
	var payload jobs.DocumentProcessingJob
	require.NoError(t, docJob.Decode(&payload))
	assert.Equal(t, jobs.DocumentProcessingJob{
		DocumentID:    res.Document.ID,
		DocumentSetID: set.ID,
		Filename:      "A-101_rev-C.pdf",
		StoragePath:   res.FileAsset.StoragePath,
	}, payload)

	drawingJob, err := f.queue.Get(ctx, res.DrawingJobID)
	require.NoError(t, err)
	var drawing jobs.DrawingExtractionJob
	require.NoError(t, drawingJob.Decode(&drawing))
	assert.NoError(t, drawing.Validate())
	assert.Equal(t, res.FileAsset.ID, drawing.FileAssetID)
}

func TestUploadTextWithoutSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, true)

	res, err := f.svc.Upload(ctx, ingest.UploadRequest{
		ProjectID: p.ID,
		Filename:  "specification.md",
		Content:   []byte("# Specification\n\n1. Scope\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", res.FileAsset.MimeType)
	assert.Nil(t, res.FileAsset.DrawingExtractionStatus)
	assert.Empty(t, res.DocumentJobID)
	assert.Empty(t, res.DrawingJobID)

	for _, q := range []jobs.Queue{jobs.QueueDocuments, jobs.QueueDrawings} {
		n, err := f.queue.Pending(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, n, q)
	}
}

func TestUploadSameBytesReusesBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, false)
	other := storetest.Project(t, f.store, false)
	content := []byte("identical drawing bytes")

	first, err := f.svc.Upload(ctx, ingest.UploadRequest{ProjectID: p.ID, Filename: "S-201.pdf", Content: content})
	require.NoError(t, err)
	second, err := f.svc.Upload(ctx, ingest.UploadRequest{ProjectID: p.ID, Filename: "S-201.pdf", Content: content})
	require.NoError(t, err)
	third, err := f.svc.Upload(ctx, ingest.UploadRequest{ProjectID: other.ID, Filename: "copy.pdf", Content: content})
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.Puts())
	assert.Equal(t, first.FileAsset.StoragePath, second.FileAsset.StoragePath)
	assert.Equal(t, first.FileAsset.StoragePath, third.FileAsset.StoragePath)
	assert.NotEqual(t, first.FileAsset.ID, second.FileAsset.ID)

	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, 2, second.Version.VersionNumber)
	assert.Equal(t, 1, third.Version.VersionNumber)
}

func TestUploadConcurrentVersions(t *testing.T) {
	f := newFixture(t)
	p := storetest.Project(t, f.store, false)

	const n = 6
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Upload(context.Background(), ingest.UploadRequest{
				ProjectID: p.ID,
				Filename:  "tender.txt",
				Content:   []byte(fmt.Sprintf("revision %d", i)),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	doc, err := f.store.FindDocument(context.Background(), p.ID, "tender.txt")
	require.NoError(t, err)
	require.NotNil(t, doc)
	versions, err := f.store.ListVersions(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, n)
	for i, v := range versions {
		assert.Equal(t, i+1, v.VersionNumber)
	}
	require.NotNil(t, doc.LatestVersionID)
	assert.Equal(t, versions[n-1].ID, *doc.LatestVersionID)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	p := storetest.Project(t, f.store, false)
	foreign := storetest.DocumentSet(t, f.store, storetest.Project(t, f.store, false).ID)

	tests := []struct {
		name string
		req  ingest.UploadRequest
		kind errs.Kind
	}{
		{"missing project", ingest.UploadRequest{Filename: "a.txt", Content: []byte("x")}, errs.KindValidation},
		{"missing filename", ingest.UploadRequest{ProjectID: p.ID, Content: []byte("x")}, errs.KindValidation},
		{"empty content", ingest.UploadRequest{ProjectID: p.ID, Filename: "a.txt"}, errs.KindValidation},
		{"unknown project", ingest.UploadRequest{ProjectID: "nope", Filename: "a.txt", Content: []byte("x")}, errs.KindNotFound},
		{"set from another project", ingest.UploadRequest{ProjectID: p.ID, DocumentSetID: foreign.ID, Filename: "a.txt", Content: []byte("x")}, errs.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errs.Is(err, tt.kind), err.Error())
		})
	}
	assert.Zero(t, f.backend.Puts())
}

func TestReprocessFoldsIntoQueuedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, false)
	set := storetest.DocumentSet(t, f.store, p.ID)

	res, err := f.svc.Upload(ctx, ingest.UploadRequest{
		ProjectID: p.ID, DocumentSetID: set.ID, Filename: "notes.txt", Content: []byte("Some notes."),
	})
	require.NoError(t, err)

	job, err := f.svc.Reprocess(ctx, set.ID, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, res.DocumentJobID, job.ID)

	n, err := f.queue.Pending(ctx, jobs.QueueDocuments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRequestExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, true)

	drawing, err := f.svc.Upload(ctx, ingest.UploadRequest{ProjectID: p.ID, Filename: "M-301.png", Content: []byte("png")})
	require.NoError(t, err)
	failed := models.ExtractionFailed
	require.NoError(t, f.store.DB().Model(&models.FileAsset{}).
		Where("id = ?", drawing.FileAsset.ID).Update("drawing_extraction_status", failed).Error)

	job, err := f.svc.RequestExtraction(ctx, drawing.FileAsset.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueDrawings, job.Queue)

	fa, err := f.store.GetFileAsset(ctx, drawing.FileAsset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionPending, *fa.DrawingExtractionStatus)

	text, err := f.svc.Upload(ctx, ingest.UploadRequest{ProjectID: p.ID, Filename: "notes.txt", Content: []byte("text")})
	require.NoError(t, err)
	_, err = f.svc.RequestExtraction(ctx, text.FileAsset.ID)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRequestReembed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := storetest.Project(t, f.store, false)
	doc := &models.Document{ProjectID: p.ID, Filename: "clauses.txt"}
	require.NoError(t, f.store.DB().Create(doc).Error)
	chunks := []models.DocumentChunk{{
		DocumentID:    doc.ID,
		Generation:    1,
		HierarchyPath: "0",
		Content:       "1.1 Scope of works",
		Embedding:     pgvector.NewVector([]float32{0.1, 0.2}),
	}}
	require.NoError(t, f.store.InsertChunks(ctx, chunks, 10))
	id := chunks[0].ID

	job, err := f.svc.RequestReembed(ctx, id, "")
	require.NoError(t, err)
	var payload jobs.ChunkEmbeddingJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, jobs.ChunkEmbeddingJob{ChunkID: id, Content: "1.1 Scope of works"}, payload)

	_, err = f.svc.RequestReembed(ctx, "missing", "text")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
