package llm_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/pkg/llm"
)

// fakeEmbedClient returns a vector of length dim per text, optionally
// failing the first failures calls.
type fakeEmbedClient struct {
	mu       sync.Mutex
	dim      int
	calls    int
	failures int
	err      error
	short    bool
}

func (f *fakeEmbedClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestGenerateEmbeddingsAlignedByIndex(t *testing.T) {
	client := &fakeEmbedClient{dim: 4}
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{BatchSize: 2, Dimensions: 4, Retry: fastRetry()}, client)
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := emb.GenerateEmbeddings(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, 3, client.calls, "batched in twos")
}

func TestGenerateEmbeddingsFailures(t *testing.T) {
	tests := []struct {
		name      string
		client    *fakeEmbedClient
		dim       int
		wantCalls int
		want      string
	}{
		{
			name:      "permanent error is not retried",
			client:    &fakeEmbedClient{dim: 4, failures: 10, err: errors.New("model not found")},
			wantCalls: 1,
			want:      "model not found",
		},
		{
			name:      "transient errors exhaust retries",
			client:    &fakeEmbedClient{dim: 4, failures: 10, err: errors.New("503 Service Unavailable: server busy")},
			wantCalls: 3,
			want:      "server busy",
		},
		{
			name:      "short response",
			client:    &fakeEmbedClient{dim: 4, short: true},
			wantCalls: 1,
			want:      "embeddings",
		},
		{
			name:      "wrong dimension",
			client:    &fakeEmbedClient{dim: 3},
			dim:       4,
			wantCalls: 1,
			want:      "dimension 3, want 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{BatchSize: 10, Dimensions: tt.dim, Retry: fastRetry()}, tt.client)
			require.NoError(t, err)

			vectors, err := emb.GenerateEmbeddings(context.Background(), []string{"one", "two"})
			require.Error(t, err)
			assert.Nil(t, vectors, "no partial result")
			assert.True(t, errs.Is(err, errs.KindEmbeddingProvider))
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, tt.wantCalls, tt.client.calls)
		})
	}
}

func TestGenerateEmbeddingRecoversFromTransientError(t *testing.T) {
	client := &fakeEmbedClient{dim: 2, failures: 1, err: errors.New("429 Too Many Requests")}
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{Retry: fastRetry()}, client)
	require.NoError(t, err)

	v, err := emb.GenerateEmbedding(context.Background(), "Concrete grade C30/37")
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Equal(t, 2, client.calls)
}

func TestGenerateEmbeddingsEmptyInput(t *testing.T) {
	client := &fakeEmbedClient{dim: 2}
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{}, client)
	require.NoError(t, err)

	vectors, err := emb.GenerateEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, client.calls)
}

func TestNewEmbedderUnsupportedProvider(t *testing.T) {
	_, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Provider: "cohere"})
	assert.Error(t, err)
}

// This test requires a running Ollama server with the embedding model.
func TestOllamaEmbedding(t *testing.T) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		t.Skip("OLLAMA_BASE_URL not set")
	}

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{BaseURL: baseURL, Dimensions: 768})
	require.NoError(t, err)

	vectors, err := emb.GenerateEmbeddings(context.Background(), []string{"This is the first chunk.", "And this is the second chunk."})
	require.NoError(t, err)
	for i := range vectors {
		assert.Len(t, vectors[i], 768)
	}
}
