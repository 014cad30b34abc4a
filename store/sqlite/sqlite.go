// Package sqlite implements penguin.Journal using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Maximooch/penguin"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// JournalOption configures a SQLite Journal.
type JournalOption func(*Journal)

// WithLogger sets a structured logger for the journal.
func WithLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// Journal implements penguin.Journal backed by a local SQLite file.
// Messages and checkpoints are stored as versioned JSON records so the
// schema can grow without migrations.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ penguin.Journal = (*Journal)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Journal using a local SQLite file at dbPath.
// A single shared connection serializes all goroutines through one
// writer, avoiding SQLITE_BUSY from concurrent connections.
func New(dbPath string, opts ...JournalOption) *Journal {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: nopLogger}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Init creates the required tables. Idempotent.
func (j *Journal) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			v INTEGER NOT NULL DEFAULT 1,
			record TEXT NOT NULL,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			v INTEGER NOT NULL DEFAULT 1,
			record TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := j.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = j.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id)`)
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) CreateSession(ctx context.Context, sessionID string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`,
		sessionID, penguin.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (j *Journal) DeleteSession(ctx context.Context, sessionID string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM checkpoints WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := j.db.ExecContext(ctx, q, sessionID); err != nil {
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
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (session_id, id, v, record, tombstoned)
		 VALUES (?, ?, 1, ?, 0)`,
		sessionID, m.ID, string(data))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (j *Journal) TombstoneAfter(ctx context.Context, sessionID string, head int64) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE messages SET tombstoned = 1 WHERE session_id = ? AND id > ?`,
		sessionID, head)
	if err != nil {
		return fmt.Errorf("tombstone after %d: %w", head, err)
	}
	return nil
}

func (j *Journal) TombstoneMessage(ctx context.Context, sessionID string, id int64) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE messages SET tombstoned = 1 WHERE session_id = ? AND id = ?`,
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
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, session_id, v, record, created_at)
		 VALUES (?, ?, 1, ?, ?)`,
		cp.ID, cp.SessionID, string(data), cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (j *Journal) DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND id = ?`,
		sessionID, checkpointID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
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
	rows, err := j.db.QueryContext(ctx,
		`SELECT record FROM messages WHERE session_id = ? AND tombstoned = 0 ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	var msgs []penguin.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		var m penguin.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	cpRows, err := j.db.QueryContext(ctx,
		`SELECT record FROM checkpoints WHERE session_id = ? ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer cpRows.Close()
	var cps []penguin.Checkpoint
	for cpRows.Next() {
		var raw string
		if err := cpRows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		var cp penguin.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return msgs, cps, cpRows.Err()
}
