package turnstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/aptrium/internal/transcript"
)

var _ Store = (*Postgres)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    session_id   TEXT        NOT NULL,
    turn_index   INTEGER     NOT NULL,
    user_text    TEXT        NOT NULL DEFAULT '',
    agent_text   TEXT        NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_completed_at
    ON conversation_turns (completed_at);
`

// Migrate creates the conversation_turns table if it does not exist. It is
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("turnstore: migrate: %w", err)
	}
	return nil
}

// Postgres is a [Store] backed by a PostgreSQL conversation_turns table.
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("turnstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("turnstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool, for health checks.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// SaveTurn implements [Store].
func (p *Postgres) SaveTurn(ctx context.Context, sessionID string, turn transcript.Turn) error {
	const q = `
		INSERT INTO conversation_turns (session_id, turn_index, user_text, agent_text, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, turn_index) DO UPDATE
		SET user_text = EXCLUDED.user_text,
		    agent_text = EXCLUDED.agent_text,
		    completed_at = EXCLUDED.completed_at`

	if _, err := p.pool.Exec(ctx, q, sessionID, turn.Index, turn.User, turn.Agent, turn.CompletedAt); err != nil {
		return fmt.Errorf("turnstore: save turn: %w", err)
	}
	return nil
}

// Turns implements [Store].
func (p *Postgres) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	const q = `
		SELECT turn_index, user_text, agent_text, completed_at
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY turn_index`

	rows, err := p.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turnstore: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Turn, error) {
		var t transcript.Turn
		err := row.Scan(&t.Index, &t.User, &t.Agent, &t.CompletedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("turnstore: scan turns: %w", err)
	}
	return turns, nil
}

// Close implements [Store].
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
