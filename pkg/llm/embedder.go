package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/docflow/internal/errs"
)

type EmbedderConfig struct {
	Provider  string // ollama or openai
	Model     string
	BaseURL   string
	APIKey    string
	BatchSize int
	// Dimensions, when set, is enforced on every returned vector.
	Dimensions int
	Retry      RetryPolicy
}

// Embedder generates chunk embeddings. A batch either returns one vector
// per input or an error, never a partial result.
type Embedder struct {
	config   EmbedderConfig
	embedder *embeddings.EmbedderImpl
	retry    *Retrier
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}

	var client embeddings.EmbedderClient
	switch config.Provider {
	case "ollama":
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434" // Default Ollama URL
		}
		llm, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		client = llm
	case "openai":
		opts := []openai.Option{openai.WithToken(config.APIKey), openai.WithEmbeddingModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", config.Provider)
	}

	return NewEmbedderWithClient(config, client)
}

// NewEmbedderWithClient wraps any langchaingo embedding client.
func NewEmbedderWithClient(config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	impl, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return &Embedder{
		config:   config,
		embedder: impl,
		retry:    NewRetrier(config.Retry),
	}, nil
}

func (e *Embedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = e.embedder.EmbedDocuments(ctx, texts)
		return err
	})
	if err != nil {
		return nil, errs.Embedding("llm.GenerateEmbeddings", err)
	}

	if len(vectors) != len(texts) {
		return nil, errs.Embedding("llm.GenerateEmbeddings",
			fmt.Errorf("provider returned %d embeddings for %d texts", len(vectors), len(texts)))
	}
	dim := e.config.Dimensions
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, errs.Embedding("llm.GenerateEmbeddings",
				fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dim))
		}
	}
	return vectors, nil
}

func (e *Embedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
