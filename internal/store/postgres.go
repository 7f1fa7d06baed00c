package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const callSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id     TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	chatbot_id  TEXT NOT NULL,
	company_id  TEXT NOT NULL,
	end_user_id TEXT,
	source      TEXT NOT NULL,
	provider    TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_s  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS call_transcripts (
	id           BIGSERIAL PRIMARY KEY,
	call_id      TEXT NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	timestamp_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_transcripts_call ON call_transcripts (call_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_calls_chatbot ON calls (chatbot_id, started_at DESC);
`

// Postgres is the pgx-backed CallPersistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ CallPersistence = (*Postgres)(nil)

// NewPostgres connects to dsn and ensures the call tables exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("call store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, callSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) RecordCall(ctx context.Context, rec CallRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calls (call_id, session_id, chatbot_id, company_id, end_user_id, source, provider, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET status = EXCLUDED.status`,
		rec.CallID, rec.SessionID, rec.ChatbotID, rec.CompanyID, rec.EndUserID,
		rec.Source, rec.Provider, rec.Status, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("call store: record call %s: %w", rec.CallID, err)
	}
	return nil
}

func (p *Postgres) RecordTranscript(ctx context.Context, line TranscriptLine) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_transcripts (call_id, role, content, timestamp_ms)
		VALUES ($1, $2, $3, $4)`,
		line.CallID, line.Role, line.Content, line.TimestampMs)
	if err != nil {
		return fmt.Errorf("call store: record transcript for %s: %w", line.CallID, err)
	}
	return nil
}

func (p *Postgres) UpdateCallStatus(ctx context.Context, callID, status string, durationSeconds int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE calls SET status = $2, duration_s = $3 WHERE call_id = $1`,
		callID, status, durationSeconds)
	if err != nil {
		return fmt.Errorf("call store: update status for %s: %w", callID, err)
	}
	return nil
}

// Pool exposes the underlying connection pool so other subsystems (the
// knowledge index) can share it.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
