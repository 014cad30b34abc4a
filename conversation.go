package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Journal persists conversation state. The ConversationStore is the only
// writer; implementations (store/file, store/sqlite, store/postgres) only
// need durable, ordered record-keeping. A nil Journal keeps everything in
// memory.
type Journal interface {
	CreateSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	// AppendMessage records one message. m.ID is already assigned.
	// Rollback reuses ids, so an append may carry an id that was
	// tombstoned earlier; the append wins (log order decides).
	AppendMessage(ctx context.Context, sessionID string, m Message) error
	// TombstoneAfter marks every message with id > head as tombstoned.
	TombstoneAfter(ctx context.Context, sessionID string, head int64) error
	// TombstoneMessage marks a single message as tombstoned (edits).
	TombstoneMessage(ctx context.Context, sessionID string, id int64) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error
	// Sessions lists known session ids.
	Sessions(ctx context.Context) ([]string, error)
	// LoadSession returns the active (non-tombstoned) messages in id
	// order plus all checkpoints. Replaying a journal into a fresh store
	// reconstructs byte-equal Range output.
	LoadSession(ctx context.Context, sessionID string) ([]Message, []Checkpoint, error)
}

// session holds one conversation branch. The per-session mutex is the
// single serialization point for appends; there is no concurrent append
// to a session.
type session struct {
	mu          sync.Mutex
	id          string
	messages    []Message // active branch, ascending ids
	graveyard   []Message // tombstoned by rollback or replace
	nextID      int64
	checkpoints []Checkpoint
	lastAutoID  string // most recent auto checkpoint, for parent chains
}

// head returns the id of the newest active message, or 0.
func (s *session) head() int64 {
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].ID
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// StoreJournal sets the persistence backend.
func StoreJournal(j Journal) StoreOption {
	return func(c *ConversationStore) { c.journal = j }
}

// StoreLogger sets the structured logger.
func StoreLogger(l *slog.Logger) StoreOption {
	return func(c *ConversationStore) { c.logger = l }
}

// StoreTracer enables span creation around journal writes.
func StoreTracer(t Tracer) StoreOption {
	return func(c *ConversationStore) { c.tracer = t }
}

// ConversationStore owns all Message and Checkpoint lifetimes. Each
// session is an append-only log with monotonic ids; checkpoints snapshot
// the branch head in O(1); rollback and branch move or copy the head
// without ever exposing tombstoned messages through Range.
// All methods are safe for concurrent use.
type ConversationStore struct {
	mu       sync.RWMutex
	sessions map[string]*session

	journal Journal
	bus     *EventBus
	logger  *slog.Logger
	tracer  Tracer
}

// NewConversationStore creates a store publishing message.appended and
// checkpoint.created events to bus (nil = no events).
func NewConversationStore(bus *EventBus, opts ...StoreOption) *ConversationStore {
	c := &ConversationStore{
		sessions: make(map[string]*session),
		bus:      bus,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replays the journal into memory. Call once at startup, before any
// other operation. A nil journal is a no-op.
func (c *ConversationStore) Load(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}
	ids, err := c.journal.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		messages, checkpoints, err := c.journal.LoadSession(ctx, id)
		if err != nil {
			return fmt.Errorf("load session %s: %w", id, err)
		}
		s := &session{id: id, messages: messages, checkpoints: checkpoints, nextID: 1}
		if h := s.head(); h > 0 {
			s.nextID = h + 1
		}
		for _, cp := range checkpoints {
			if cp.Kind == CheckpointAuto {
				s.lastAutoID = cp.ID
			}
		}
		c.sessions[id] = s
	}
	c.logger.Info("conversation store loaded", "sessions", len(ids))
	return nil
}

// CreateSession registers a new empty session.
func (c *ConversationStore) CreateSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return ErrSessionExists
	}
	c.sessions[sessionID] = &session{id: sessionID, nextID: 1}
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.CreateSession(ctx, sessionID); err != nil {
			return fmt.Errorf("journal create session: %w", err)
		}
	}
	return nil
}

// DestroySession removes a session and its history. Sessions branched
// from it are unaffected: a branch owns a full copy of its messages.
// Idempotent.
func (c *ConversationStore) DestroySession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	_, existed := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if existed && c.journal != nil {
		if err := c.journal.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("journal delete session: %w", err)
		}
	}
	return nil
}

// Sessions returns the ids of all live sessions.
func (c *ConversationStore) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *ConversationStore) get(sessionID string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Append assigns the next monotonic id to m and adds it to the session's
// active branch. Returns the assigned id.
func (c *ConversationStore) Append(ctx context.Context, sessionID string, m Message) (int64, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	m.ID = s.nextID
	s.nextID++
	if m.CreatedAt == 0 {
		m.CreatedAt = NowUnixMilli()
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.AppendMessage(ctx, sessionID, m); err != nil {
			return 0, fmt.Errorf("journal append: %w", err)
		}
	}
	c.publishMessage(sessionID, m)
	return m.ID, nil
}

// Replace tombstones the message with oldID and appends m in its stead,
// linking the two via metadata. The replacement gets a fresh id at the
// head; ids never move backwards.
func (c *ConversationStore) Replace(ctx context.Context, sessionID string, oldID int64, m Message) (int64, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == oldID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("message %d: %w", oldID, ErrSessionNotFound)
	}
	s.graveyard = append(s.graveyard, s.messages[idx])
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)

	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[MetaReplaces] = formatInt64(oldID)
	m.ID = s.nextID
	s.nextID++
	if m.CreatedAt == 0 {
		m.CreatedAt = NowUnixMilli()
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.TombstoneMessage(ctx, sessionID, oldID); err != nil {
			return 0, fmt.Errorf("journal tombstone: %w", err)
		}
		if err := c.journal.AppendMessage(ctx, sessionID, m); err != nil {
			return 0, fmt.Errorf("journal append: %w", err)
		}
	}
	c.publishMessage(sessionID, m)
	return m.ID, nil
}

// Head returns the id of the newest message on the active branch, or 0
// for an empty session.
func (c *ConversationStore) Head(sessionID string) (int64, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head(), nil
}

// Range returns active-branch messages with from <= id <= to, in order.
// from <= 0 means from the start; to <= 0 means through the head.
// Tombstoned messages are never returned.
func (c *ConversationStore) Range(sessionID string, from, to int64) ([]Message, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if from > 0 && m.ID < from {
			continue
		}
		if to > 0 && m.ID > to {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// Checkpoint snapshots the current branch head in O(1). Auto checkpoints
// chain to their predecessor via ParentID.
func (c *ConversationStore) Checkpoint(ctx context.Context, sessionID string, kind CheckpointKind, name, description string) (Checkpoint, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	cp := Checkpoint{
		ID:          NewID(),
		SessionID:   sessionID,
		Kind:        kind,
		Name:        name,
		Description: description,
		HeadID:      s.head(),
		CreatedAt:   NowUnixMilli(),
	}
	if kind == CheckpointAuto {
		cp.ParentID = s.lastAutoID
		s.lastAutoID = cp.ID
	}
	s.checkpoints = append(s.checkpoints, cp)
	s.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.SaveCheckpoint(ctx, cp); err != nil {
			return Checkpoint{}, fmt.Errorf("journal checkpoint: %w", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(Event{Topic: TopicCheckpoint, SessionID: sessionID, Payload: cp})
	}
	c.logger.Debug("checkpoint created", "session", sessionID, "kind", string(kind), "head", cp.HeadID)
	return cp, nil
}

// Checkpoints returns the session's checkpoints in creation order.
func (c *ConversationStore) Checkpoints(sessionID string) ([]Checkpoint, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out, nil
}

// DeleteCheckpoint removes one checkpoint record. Messages are untouched.
func (c *ConversationStore) DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	s, err := c.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	found := false
	for i := range s.checkpoints {
		if s.checkpoints[i].ID == checkpointID {
			s.checkpoints = append(s.checkpoints[:i], s.checkpoints[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return ErrCheckpointNotFound
	}
	if c.journal != nil {
		if err := c.journal.DeleteCheckpoint(ctx, sessionID, checkpointID); err != nil {
			return fmt.Errorf("journal delete checkpoint: %w", err)
		}
	}
	return nil
}

// Rollback atomically moves the branch head back to the checkpoint's
// head, tombstoning every later message. The next append gets id head+1.
// Rolling back to the current head is a no-op.
func (c *ConversationStore) Rollback(ctx context.Context, sessionID, checkpointID string) error {
	s, err := c.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cp, ok := findCheckpoint(s.checkpoints, checkpointID)
	if !ok {
		s.mu.Unlock()
		return ErrCheckpointNotFound
	}
	cut := len(s.messages)
	for i, m := range s.messages {
		if m.ID > cp.HeadID {
			cut = i
			break
		}
	}
	tombstoned := len(s.messages) - cut
	s.graveyard = append(s.graveyard, s.messages[cut:]...)
	s.messages = s.messages[:cut]
	s.nextID = cp.HeadID + 1
	s.mu.Unlock()

	if tombstoned > 0 && c.journal != nil {
		if err := c.journal.TombstoneAfter(ctx, sessionID, cp.HeadID); err != nil {
			return fmt.Errorf("journal rollback: %w", err)
		}
	}
	c.logger.Info("session rolled back", "session", sessionID, "checkpoint", checkpointID, "tombstoned", tombstoned)
	return nil
}

// Branch creates newSessionID seeded with a copy of the source branch up
// to the checkpoint's head. The source session is unaffected, and the
// branch stands alone: destroying the source later does not touch it.
func (c *ConversationStore) Branch(ctx context.Context, sessionID, checkpointID, newSessionID string) error {
	s, err := c.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cp, ok := findCheckpoint(s.checkpoints, checkpointID)
	if !ok {
		s.mu.Unlock()
		return ErrCheckpointNotFound
	}
	var copied []Message
	for _, m := range s.messages {
		if m.ID > cp.HeadID {
			break
		}
		copied = append(copied, m)
	}
	s.mu.Unlock()

	c.mu.Lock()
	if _, exists := c.sessions[newSessionID]; exists {
		c.mu.Unlock()
		return ErrSessionExists
	}
	ns := &session{id: newSessionID, messages: copied, nextID: cp.HeadID + 1}
	if ns.nextID < 1 {
		ns.nextID = 1
	}
	c.sessions[newSessionID] = ns
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.CreateSession(ctx, newSessionID); err != nil {
			return fmt.Errorf("journal create branch: %w", err)
		}
		for _, m := range copied {
			if err := c.journal.AppendMessage(ctx, newSessionID, m); err != nil {
				return fmt.Errorf("journal copy branch: %w", err)
			}
		}
	}
	c.logger.Info("session branched", "source", sessionID, "branch", newSessionID, "messages", len(copied))
	return nil
}

// Pinned returns the active messages flagged as pinned, in order.
func (c *ConversationStore) Pinned(sessionID string) ([]Message, error) {
	s, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Pinned {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *ConversationStore) publishMessage(sessionID string, m Message) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(Event{
		Topic:     TopicMessageAppended,
		AgentID:   m.AgentID,
		SessionID: sessionID,
		Channel:   m.Channel,
		Type:      m.Type,
		Payload:   m,
	})
}

func findCheckpoint(cps []Checkpoint, id string) (Checkpoint, bool) {
	for _, cp := range cps {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}
