package types

import (
	"context"
)

type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
)

// Block is one structural unit of parsed text. Level is the heading depth
// (1 = top level) and is ignored for paragraphs.
type Block struct {
	Kind  BlockKind `json:"kind"`
	Level int       `json:"level,omitempty"`
	Text  string    `json:"text"`
}

type ParsedDocument struct {
	Title  string  `json:"title"`
	Blocks []Block `json:"blocks"`
}

// Parser turns raw bytes into structured text.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType, filename string) (*ParsedDocument, error)
}

// Embedder returns one vector per input text, aligned by index.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type ExtractionResult struct {
	DrawingNumber   string  `json:"drawingNumber"`
	DrawingName     string  `json:"drawingName"`
	DrawingRevision string  `json:"drawingRevision"`
	Confidence      float64 `json:"confidence"`
	Source          string  `json:"source"`
}

// DrawingExtractor reads title-block metadata from a drawing file.
type DrawingExtractor interface {
	Extract(ctx context.Context, data []byte, filename, mimeType string) (*ExtractionResult, error)
}

// ProgressReporter receives coarse checkpoints for observability.
type ProgressReporter interface {
	Report(ctx context.Context, jobID string, percent int, stage string)
}
