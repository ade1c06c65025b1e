package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/errs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPoolProcessOne(t *testing.T) {
	tests := []struct {
		name      string
		handler   HandlerFunc
		wantState JobState
		wantError string
	}{
		{
			name:      "success",
			handler:   func(context.Context, *Job) error { return nil },
			wantState: JobStateSucceeded,
		},
		{
			name: "transient error is retried",
			handler: func(context.Context, *Job) error {
				return errs.Storage("blob.Get", errors.New("connection reset"))
			},
			wantState: JobStateQueued,
			wantError: "blob.Get: connection reset",
		},
		{
			name: "malformed payload is terminal",
			handler: func(_ context.Context, job *Job) error {
				var p DocumentProcessingJob
				if err := job.Decode(&p); err != nil {
					return err
				}
				p.DocumentID = ""
				return p.Validate()
			},
			wantState: JobStateFailed,
			wantError: "documentId is required",
		},
		{
			name:      "panic fails the attempt",
			handler:   func(context.Context, *Job) error { panic("nil chunk") },
			wantState: JobStateQueued,
			wantError: "panic: nil chunk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			ctx := context.Background()

			queued, err := store.Enqueue(ctx, docRequest("doc-1"))
			require.NoError(t, err)

			pool := NewWorkerPool(store, QueueDocuments, tt.handler, DefaultJobConfig(), quietLogger())
			processed, err := pool.ProcessOne(ctx)
			require.NoError(t, err)
			assert.True(t, processed)

			job, err := store.Get(ctx, queued.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, job.State)
			assert.Contains(t, job.LastError, tt.wantError)
		})
	}
}

func TestWorkerPoolDrain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		_, err := store.Enqueue(ctx, docRequest(id))
		require.NoError(t, err)
	}

	var handled atomic.Int32
	pool := NewWorkerPool(store, QueueDocuments, HandlerFunc(func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	}), DefaultJobConfig(), quietLogger())

	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(3), handled.Load())

	pending, err := store.Pending(ctx, QueueDocuments)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWorkerPoolRunStopsOnCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := store.Enqueue(ctx, docRequest("doc-1"))
	require.NoError(t, err)

	done := make(chan struct{})
	cfg := DefaultJobConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Concurrency = 2

	pool := NewWorkerPool(store, QueueDocuments, HandlerFunc(func(context.Context, *Job) error {
		close(done)
		return nil
	}), cfg, quietLogger())

	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
