package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type VectorIndexConfig struct {
	ConnString  string
	VectorDim   int
	SearchLimit int
	Lists       int
}

// VectorIndex maintains the ivfflat index on chunk embeddings and answers
// similarity queries over current chunk generations. Postgres only.
type VectorIndex struct {
	config VectorIndexConfig
	pool   *pgxpool.Pool
}

type SearchResult struct {
	ChunkID       string
	DocumentID    string
	ProjectID     string
	Filename      string
	SectionTitle  string
	ClauseNumber  *string
	HierarchyPath string
	Content       string
	Distance      float64
}

func NewVectorIndex(ctx context.Context, config VectorIndexConfig) (*VectorIndex, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}
	if config.Lists == 0 {
		config.Lists = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	return &VectorIndex{config: config, pool: pool}, nil
}

// EnsureIndex fixes the embedding column dimension and creates the
// cosine index. Run after the schema migration.
func (vi *VectorIndex) EnsureIndex(ctx context.Context) error {
	if _, err := vi.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}

	alter := fmt.Sprintf(`ALTER TABLE document_chunks ALTER COLUMN embedding TYPE vector(%d)`, vi.config.VectorDim)
	if _, err := vi.pool.Exec(ctx, alter); err != nil {
		return fmt.Errorf("failed to set embedding dimension: %v", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
		ON document_chunks
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, vi.config.Lists)
	if _, err := vi.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}

	return nil
}

// Search returns the nearest current chunks. An empty projectID searches
// every project.
func (vi *VectorIndex) Search(ctx context.Context, projectID string, embedding []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = vi.config.SearchLimit
	}

	query := `
		SELECT c.id, c.document_id, d.project_id, d.filename, c.section_title,
		       c.clause_number, c.hierarchy_path, c.content, c.embedding <=> $1 AS distance
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id AND d.chunk_generation = c.generation
		WHERE ($2 = '' OR d.project_id = $2)
		ORDER BY c.embedding <=> $1
		LIMIT $3`

	rows, err := vi.pool.Query(ctx, query, pgvector.NewVector(embedding), projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %v", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		err := rows.Scan(
			&r.ChunkID,
			&r.DocumentID,
			&r.ProjectID,
			&r.Filename,
			&r.SectionTitle,
			&r.ClauseNumber,
			&r.HierarchyPath,
			&r.Content,
			&r.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %v", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %v", err)
	}

	return results, nil
}

func (vi *VectorIndex) Close() {
	if vi.pool != nil {
		vi.pool.Close()
	}
}
