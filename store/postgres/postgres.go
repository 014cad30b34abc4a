// Package postgres implements penguin.Journal using PostgreSQL.
//
// The Journal accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Maximooch/penguin"
)

// Journal implements penguin.Journal backed by PostgreSQL. Messages and
// checkpoints are stored as versioned JSONB records.
type Journal struct {
	pool *pgxpool.Pool
}

var _ penguin.Journal = (*Journal)(nil)

// New creates a Journal using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Init creates the required tables. Idempotent.
func (j *Journal) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			v INT NOT NULL DEFAULT 1,
			record JSONB NOT NULL,
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			v INT NOT NULL DEFAULT 1,
			record JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id)`,
	}
	for _, ddl := range tables {
		if _, err := j.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (j *Journal) CreateSession(ctx context.Context, sessionID string) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		sessionID, penguin.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (j *Journal) DeleteSession(ctx context.Context, sessionID string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = $1`,
		`DELETE FROM checkpoints WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := j.pool.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}

// AppendMessage upserts the record, clearing any earlier tombstone on
// the same id: rollback reuses ids and the later append wins.
func (j *Journal) AppendMessage(ctx context.Context, sessionID string, m penguin.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO messages (session_id, id, v, record, tombstoned)
		 VALUES ($1, $2, 1, $3, FALSE)
		 ON CONFLICT (session_id, id)
		 DO UPDATE SET record = EXCLUDED.record, v = EXCLUDED.v, tombstoned = FALSE`,
		sessionID, m.ID, data)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (j *Journal) TombstoneAfter(ctx context.Context, sessionID string, head int64) error {
	_, err := j.pool.Exec(ctx,
		`UPDATE messages SET tombstoned = TRUE WHERE session_id = $1 AND id > $2`,
		sessionID, head)
	if err != nil {
		return fmt.Errorf("tombstone after %d: %w", head, err)
	}
	return nil
}

func (j *Journal) TombstoneMessage(ctx context.Context, sessionID string, id int64) error {
	_, err := j.pool.Exec(ctx,
		`UPDATE messages SET tombstoned = TRUE WHERE session_id = $1 AND id = $2`,
		sessionID, id)
	if err != nil {
		return fmt.Errorf("tombstone message %d: %w", id, err)
	}
	return nil
}

func (j *Journal) SaveCheckpoint(ctx context.Context, cp penguin.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, session_id, v, record, created_at)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`,
		cp.ID, cp.SessionID, data, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (j *Journal) DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	_, err := j.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE session_id = $1 AND id = $2`,
		sessionID, checkpointID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.pool.Query(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *Journal) LoadSession(ctx context.Context, sessionID string) ([]penguin.Message, []penguin.Checkpoint, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT record FROM messages WHERE session_id = $1 AND NOT tombstoned ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	var msgs []penguin.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		var m penguin.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	cpRows, err := j.pool.Query(ctx,
		`SELECT record FROM checkpoints WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer cpRows.Close()
	var cps []penguin.Checkpoint
	for cpRows.Next() {
		var raw []byte
		if err := cpRows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		var cp penguin.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return msgs, cps, cpRows.Err()
}
