package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/processor"
	"github.com/xhad/docflow/pkg/worker"
)

func (e *env) chunkWorker(t *testing.T) *worker.ChunkWorker {
	t.Helper()
	w, err := worker.NewChunkWorker(worker.ChunkWorkerConfig{Store: e.store, Embedder: e.embedder})
	require.NoError(t, err)
	return w
}

func TestChunkWorkerReembeds(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	res := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, e.documentWorker(t))

	chunks, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)
	target := chunks[2]

	const edited = "1.1 Scope\n\nThe contractor shall supply all labour, plant and materials."
	_, err = e.intake.RequestReembed(ctx, target.ID, edited)
	require.NoError(t, err)
	assert.Equal(t, 1, e.drain(t, jobs.QueueChunks, e.chunkWorker(t)))

	got, err := e.store.GetChunk(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, edited, got.Content)
	assert.Equal(t, []float32{float32(len(edited)), 1, 0}, got.Embedding.Slice())
	assert.Equal(t, processor.EstimateTokens(edited), got.TokenCount)
}

func TestChunkWorkerMissingChunkIsNoop(t *testing.T) {
	e := newEnv(t, false)
	payload := []byte(`{"chunkId":"0b6d7c1e-gone","content":"text"}`)

	err := e.chunkWorker(t).Handle(context.Background(), &jobs.Job{ID: "j1", Payload: payload})
	assert.NoError(t, err)
	assert.Zero(t, e.embedder.calls())
}

func TestChunkWorkerErrors(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	res := e.upload(t, "tender.txt", tenderV1)
	e.drain(t, jobs.QueueDocuments, e.documentWorker(t))
	chunks, err := e.store.CurrentChunks(ctx, res.Document.ID)
	require.NoError(t, err)

	w := e.chunkWorker(t)
	err = w.Handle(ctx, &jobs.Job{ID: "j1", Payload: []byte(`{"chunkId":"` + chunks[0].ID + `"}`)})
	assert.True(t, errs.Is(err, errs.KindValidation), "content is required")

	e.embedder.err = errs.Embedding("llm.GenerateEmbedding", errors.New("429 rate limit"))
	err = w.Handle(ctx, &jobs.Job{ID: "j2", Payload: []byte(`{"chunkId":"` + chunks[0].ID + `","content":"x"}`)})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEmbeddingProvider))

	got, err := e.store.GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, chunks[0].Content, got.Content, "failed re-embed leaves the chunk untouched")
}
