package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Entry is one indexed knowledge chunk, scoped to a chatbot.
type Entry struct {
	ID        string
	ChatbotID string
	CompanyID string
	Category  string
	Title     string
	Content   string
}

// Result pairs an entry with its relevance score (cosine similarity,
// higher is better, range [0, 1]).
type Result struct {
	Entry Entry
	Score float64
}

// SearchParams scopes one semantic search.
type SearchParams struct {
	ChatbotID string

	// Categories filters results; empty means all categories.
	Categories []string

	// Threshold is the minimum relevance score for a result to be kept.
	Threshold float64

	// TopK caps the number of results.
	TopK int
}

// Index is the semantic store behind the search_knowledge tool.
type Index interface {
	Upsert(ctx context.Context, e Entry, embedding []float32) error
	Search(ctx context.Context, embedding []float32, p SearchParams) ([]Result, error)
}

// PGIndex is the pgvector-backed [Index]. Obtain one via [NewPGIndex].
// All methods are safe for concurrent use.
type PGIndex struct {
	pool *pgxpool.Pool
}

var _ Index = (*PGIndex)(nil)

const indexSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id         TEXT PRIMARY KEY,
	chatbot_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	embedding  vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chatbot ON knowledge_chunks (chatbot_id, category);
CREATE INDEX IF NOT EXISTS idx_knowledge_embedding ON knowledge_chunks
	USING hnsw (embedding vector_cosine_ops);
`

// NewPGIndex ensures the knowledge tables exist on pool and returns the
// index. dimensions must match the configured embedding model.
func NewPGIndex(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*PGIndex, error) {
	if dimensions <= 0 {
		dimensions = 1536
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(indexSchema, dimensions)); err != nil {
		return nil, fmt.Errorf("knowledge: migrate: %w", err)
	}
	return &PGIndex{pool: pool}, nil
}

// Upsert inserts or fully replaces a pre-embedded entry.
func (s *PGIndex) Upsert(ctx context.Context, e Entry, embedding []float32) error {
	const q = `
		INSERT INTO knowledge_chunks
		    (id, chatbot_id, company_id, category, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    chatbot_id = EXCLUDED.chatbot_id,
		    company_id = EXCLUDED.company_id,
		    category   = EXCLUDED.category,
		    title      = EXCLUDED.title,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding`

	_, err := s.pool.Exec(ctx, q,
		e.ID, e.ChatbotID, e.CompanyID, e.Category, e.Title, e.Content,
		pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("knowledge: upsert %s: %w", e.ID, err)
	}
	return nil
}

// Search finds the entries closest (cosine distance) to embedding within
// the chatbot's corpus, ordered most similar first. Entries scoring below
// p.Threshold are dropped.
func (s *PGIndex) Search(ctx context.Context, embedding []float32, p SearchParams) ([]Result, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, p.ChatbotID}
	conditions := []string{"chatbot_id = $2"}
	if len(p.Categories) > 0 {
		args = append(args, p.Categories)
		conditions = append(conditions, fmt.Sprintf("category = ANY($%d)", len(args)))
	}

	topK := p.TopK
	if topK <= 0 {
		topK = 5
	}
	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, chatbot_id, company_id, category, title, content,
		       1 - (embedding <=> $1) AS score
		FROM   knowledge_chunks
		WHERE  %s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var r Result
		err := row.Scan(
			&r.Entry.ID,
			&r.Entry.ChatbotID,
			&r.Entry.CompanyID,
			&r.Entry.Category,
			&r.Entry.Title,
			&r.Entry.Content,
			&r.Score,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan rows: %w", err)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= p.Threshold {
			kept = append(kept, r)
		}
	}
	if kept == nil {
		kept = []Result{}
	}
	return kept, nil
}
