package jobs

import (
	"github.com/xhad/docflow/internal/errs"
)

const (
	TypeProcessDocument = "process_document"
	TypeEmbedChunk      = "embed_chunk"
	TypeExtractDrawing  = "extract_drawing"
)

type DocumentProcessingJob struct {
	DocumentID    string `json:"documentId"`
	DocumentSetID string `json:"documentSetId"`
	Filename      string `json:"filename"`
	StoragePath   string `json:"storagePath"`
}

func (p DocumentProcessingJob) Validate() error {
	switch {
	case p.DocumentID == "":
		return errs.Validation("DocumentProcessingJob", "documentId is required")
	case p.DocumentSetID == "":
		return errs.Validation("DocumentProcessingJob", "documentSetId is required")
	case p.StoragePath == "":
		return errs.Validation("DocumentProcessingJob", "storagePath is required")
	}
	return nil
}

func (p DocumentProcessingJob) Request() EnqueueRequest {
	return EnqueueRequest{
		Queue:        QueueDocuments,
		Type:         TypeProcessDocument,
		Payload:      p,
		DedupeKey:    "document:" + p.DocumentSetID + ":" + p.DocumentID,
		ExclusiveKey: "document:" + p.DocumentID,
	}
}

type ChunkEmbeddingJob struct {
	ChunkID string `json:"chunkId"`
	Content string `json:"content"`
}

func (p ChunkEmbeddingJob) Validate() error {
	switch {
	case p.ChunkID == "":
		return errs.Validation("ChunkEmbeddingJob", "chunkId is required")
	case p.Content == "":
		return errs.Validation("ChunkEmbeddingJob", "content is required")
	}
	return nil
}

func (p ChunkEmbeddingJob) Request() EnqueueRequest {
	return EnqueueRequest{
		Queue:        QueueChunks,
		Type:         TypeEmbedChunk,
		Payload:      p,
		ExclusiveKey: "chunk:" + p.ChunkID,
	}
}

type DrawingExtractionJob struct {
	Type        string `json:"type"`
	FileAssetID string `json:"fileAssetId"`
	StoragePath string `json:"storagePath"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
}

func NewDrawingExtractionJob(fileAssetID, storagePath, filename, mimeType string) DrawingExtractionJob {
	return DrawingExtractionJob{
		Type:        TypeExtractDrawing,
		FileAssetID: fileAssetID,
		StoragePath: storagePath,
		Filename:    filename,
		MimeType:    mimeType,
	}
}

func (p DrawingExtractionJob) Validate() error {
	switch {
	case p.Type != TypeExtractDrawing:
		return errs.Validation("DrawingExtractionJob", "unexpected job type %q", p.Type)
	case p.FileAssetID == "":
		return errs.Validation("DrawingExtractionJob", "fileAssetId is required")
	case p.StoragePath == "":
		return errs.Validation("DrawingExtractionJob", "storagePath is required")
	}
	return nil
}

func (p DrawingExtractionJob) Request() EnqueueRequest {
	return EnqueueRequest{
		Queue:        QueueDrawings,
		Type:         TypeExtractDrawing,
		Payload:      p,
		DedupeKey:    "asset:" + p.FileAssetID,
		ExclusiveKey: "asset:" + p.FileAssetID,
	}
}
