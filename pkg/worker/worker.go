// Package worker holds the queue handlers that turn uploads into indexed
// chunks and drawing metadata.
package worker

import (
	"context"
	"log/slog"

	"github.com/xhad/docflow/pkg/jobs"
)

// BlobReader is the slice of the blob service the handlers need.
type BlobReader interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// LogReporter writes progress checkpoints to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(_ context.Context, jobID string, percent int, stage string) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("job progress", "jobID", jobID, "percent", percent, "stage", stage)
}

// Handlers maps each queue to the worker that consumes it.
func Handlers(docs *DocumentWorker, drawings *DrawingWorker, chunks *ChunkWorker) map[jobs.Queue]jobs.Handler {
	out := make(map[jobs.Queue]jobs.Handler, 3)
	if docs != nil {
		out[jobs.QueueDocuments] = docs
	}
	if drawings != nil {
		out[jobs.QueueDrawings] = drawings
	}
	if chunks != nil {
		out[jobs.QueueChunks] = chunks
	}
	return out
}
