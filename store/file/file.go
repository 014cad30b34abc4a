package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Maximooch/penguin"
)

const logName = "log.jsonl"

// record is one JSONL log line.
type record struct {
	V  int    `json:"v"`
	Op string `json:"op"`

	Msg          *penguin.Message    `json:"msg,omitempty"`
	ID           int64               `json:"id,omitempty"`
	Head         int64               `json:"head,omitempty"`
	Checkpoint   *penguin.Checkpoint `json:"checkpoint,omitempty"`
	CheckpointID string              `json:"checkpoint_id,omitempty"`
}

const (
	opAppend           = "append"
	opTombstone        = "tombstone"
	opTombstoneAfter   = "tombstone_after"
	opCheckpoint       = "checkpoint"
	opDeleteCheckpoint = "delete_checkpoint"
)

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithLogger sets a structured logger for the journal.
func WithLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// Journal implements penguin.Journal over per-session JSONL logs.
// All methods are safe for concurrent use.
type Journal struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // open append handles per session
}

var _ penguin.Journal = (*Journal)(nil)

// New creates a Journal rooted at dir, creating it if needed.
func New(dir string, opts ...JournalOption) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal root: %w", err)
	}
	j := &Journal{
		root:   dir,
		logger: slog.New(discardHandler{}),
		files:  make(map[string]*os.File),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close releases all open log handles.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for id, f := range j.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(j.files, id)
	}
	return first
}

func (j *Journal) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(j.root, sessionID), nil
}

func (j *Journal) CreateSession(_ context.Context, sessionID string) error {
	dir, err := j.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}
	j.mu.Lock()
	if prev, ok := j.files[sessionID]; ok {
		prev.Close()
	}
	j.files[sessionID] = f
	j.mu.Unlock()
	j.logger.Debug("session log created", "session", sessionID)
	return nil
}

func (j *Journal) DeleteSession(_ context.Context, sessionID string) error {
	dir, err := j.sessionDir(sessionID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if f, ok := j.files[sessionID]; ok {
		f.Close()
		delete(j.files, sessionID)
	}
	j.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// write appends one record to the session log.
func (j *Journal) write(sessionID string, rec record) error {
	rec.V = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, ok := j.files[sessionID]
	if !ok {
		dir, err := j.sessionDir(sessionID)
		if err != nil {
			return err
		}
		f, err = os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		j.files[sessionID] = f
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (j *Journal) AppendMessage(_ context.Context, sessionID string, m penguin.Message) error {
	return j.write(sessionID, record{Op: opAppend, Msg: &m})
}

func (j *Journal) TombstoneAfter(_ context.Context, sessionID string, head int64) error {
	return j.write(sessionID, record{Op: opTombstoneAfter, Head: head})
}

func (j *Journal) TombstoneMessage(_ context.Context, sessionID string, id int64) error {
	return j.write(sessionID, record{Op: opTombstone, ID: id})
}

func (j *Journal) SaveCheckpoint(_ context.Context, cp penguin.Checkpoint) error {
	return j.write(cp.SessionID, record{Op: opCheckpoint, Checkpoint: &cp})
}

func (j *Journal) DeleteCheckpoint(_ context.Context, sessionID, checkpointID string) error {
	return j.write(sessionID, record{Op: opDeleteCheckpoint, CheckpointID: checkpointID})
}

func (j *Journal) Sessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		return nil, fmt.Errorf("read journal root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// LoadSession replays the log in order, yielding the active messages in
// id order plus the surviving checkpoints.
func (j *Journal) LoadSession(_ context.Context, sessionID string) ([]penguin.Message, []penguin.Checkpoint, error) {
	dir, err := j.sessionDir(sessionID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dir, logName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	// Log-ordered replay: ids are revived when re-appended after a
	// tombstone.
	byID := make(map[int64]penguin.Message)
	var checkpoints []penguin.Checkpoint

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, nil, fmt.Errorf("session %s line %d: %w", sessionID, line, err)
		}
		switch rec.Op {
		case opAppend:
			if rec.Msg == nil {
				continue
			}
			byID[rec.Msg.ID] = *rec.Msg
		case opTombstone:
			delete(byID, rec.ID)
		case opTombstoneAfter:
			for id := range byID {
				if id > rec.Head {
					delete(byID, id)
				}
			}
		case opCheckpoint:
			if rec.Checkpoint != nil {
				checkpoints = append(checkpoints, *rec.Checkpoint)
			}
		case opDeleteCheckpoint:
			for i := range checkpoints {
				if checkpoints[i].ID == rec.CheckpointID {
					checkpoints = append(checkpoints[:i], checkpoints[i+1:]...)
					break
				}
			}
		default:
			// Unknown op from a newer writer; skip.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan session log: %w", err)
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	msgs := make([]penguin.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, byID[id])
	}
	j.logger.Debug("session loaded", "session", sessionID, "messages", len(msgs), "checkpoints", len(checkpoints))
	return msgs, checkpoints, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
