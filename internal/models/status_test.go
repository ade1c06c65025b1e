package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xhad/docflow/internal/models"
)

func TestSyncStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to models.SyncStatus
		want     bool
	}{
		{models.SyncPending, models.SyncProcessing, true},
		{models.SyncProcessing, models.SyncSynced, true},
		{models.SyncProcessing, models.SyncFailed, true},
		{models.SyncSynced, models.SyncPending, true},
		{models.SyncFailed, models.SyncProcessing, true},
		{models.SyncPending, models.SyncSynced, false},
		{models.SyncFailed, models.SyncSynced, false},
		{models.SyncSynced, models.SyncFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestExtractionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to models.ExtractionStatus
		want     bool
	}{
		{models.ExtractionPending, models.ExtractionSkipped, true},
		{models.ExtractionPending, models.ExtractionProcessing, true},
		{models.ExtractionProcessing, models.ExtractionCompleted, true},
		{models.ExtractionProcessing, models.ExtractionFailed, true},
		{models.ExtractionCompleted, models.ExtractionPending, true},
		{models.ExtractionPending, models.ExtractionCompleted, false},
		{models.ExtractionCompleted, models.ExtractionSkipped, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestIsDrawingCandidate(t *testing.T) {
	tests := []struct {
		name string
		fa   models.FileAsset
		want bool
	}{
		{"pdf mime", models.FileAsset{MimeType: "application/pdf", OriginalName: "x"}, true},
		{"png mime", models.FileAsset{MimeType: "image/png", OriginalName: "x"}, true},
		{"tiff by extension", models.FileAsset{MimeType: "application/octet-stream", OriginalName: "A-101.TIF"}, true},
		{"spec text", models.FileAsset{MimeType: "text/plain", OriginalName: "spec.txt"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fa.IsDrawingCandidate())
		})
	}
}
