package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ContextSharing selects how a sub-agent's session relates to its
// parent's at spawn time.
type ContextSharing string

const (
	// ContextIsolated gives the sub-agent a fresh, empty session.
	ContextIsolated ContextSharing = "isolated"
	// ContextSnapshot gives the sub-agent a one-time copy of the
	// parent's history up to its current head.
	ContextSnapshot ContextSharing = "snapshot"
	// ContextShared binds the sub-agent to the parent's session id.
	// Appends from both interleave; the store's per-session lock is the
	// single serialization point, so writers proceed one at a time.
	ContextShared ContextSharing = "shared"
)

// AgentSpec describes an agent to create. Zero-value ID and SessionID
// are generated.
type AgentSpec struct {
	ID        string
	Persona   string
	Role      string
	Model     ModelConfig
	Tools     []string
	SessionID string
}

// AgentFilter restricts List. Zero-value fields match everything.
type AgentFilter struct {
	Role     string
	State    AgentState
	ParentID string
	SubAgent *bool
}

// StateChange is the payload of agent.state_changed events.
type StateChange struct {
	AgentID string     `json:"agent_id"`
	From    AgentState `json:"from"`
	To      AgentState `json:"to"`
}

// RegistryOption configures an AgentRegistry.
type RegistryOption func(*AgentRegistry)

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *AgentRegistry) { r.logger = l }
}

// AgentRegistry owns all Agent records and their lifecycle state
// machine: active and paused alternate; cancelled, completed, and failed
// are terminal and require a new Create to run again. Parent/child links
// are ids, never pointers, so a sub-agent cannot extend its parent's
// lifetime. All methods are safe for concurrent use.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	store  *ConversationStore
	events *EventBus
	logger *slog.Logger
}

// NewAgentRegistry creates a registry that provisions sessions in store
// and publishes agent.state_changed events (events may be nil).
func NewAgentRegistry(store *ConversationStore, events *EventBus, opts ...RegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		agents: make(map[string]*Agent),
		store:  store,
		events: events,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new active agent, provisioning a session when the
// spec does not name one.
func (r *AgentRegistry) Create(ctx context.Context, spec AgentSpec) (Agent, error) {
	a := Agent{
		ID:        spec.ID,
		Persona:   spec.Persona,
		Role:      spec.Role,
		Model:     spec.Model,
		Tools:     spec.Tools,
		State:     StateActive,
		SessionID: spec.SessionID,
		CreatedAt: NowUnixMilli(),
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.SessionID == "" {
		a.SessionID = NewID()
		if err := r.store.CreateSession(ctx, a.SessionID); err != nil {
			return Agent{}, fmt.Errorf("provision session: %w", err)
		}
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return Agent{}, fmt.Errorf("agent %s already registered", a.ID)
	}
	r.agents[a.ID] = &a
	r.mu.Unlock()

	r.publishState(a.ID, "", StateActive)
	r.logger.Info("agent created", "agent", a.ID, "role", a.Role, "session", a.SessionID)
	return a, nil
}

// Get returns a copy of the agent record.
func (r *AgentRegistry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return *a, nil
}

// List returns copies of matching agent records, ordered by creation
// time then id.
func (r *AgentRegistry) List(f AgentFilter) []Agent {
	r.mu.RLock()
	var out []Agent
	for _, a := range r.agents {
		if f.Role != "" && a.Role != f.Role {
			continue
		}
		if f.State != "" && a.State != f.State {
			continue
		}
		if f.ParentID != "" && a.ParentID != f.ParentID {
			continue
		}
		if f.SubAgent != nil && a.IsSubAgent != *f.SubAgent {
			continue
		}
		out = append(out, *a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pause moves an active agent to paused. Pausing a paused agent is a
// no-op; terminal agents cannot be paused.
func (r *AgentRegistry) Pause(agentID string) error {
	return r.transition(agentID, StatePaused, StateActive, StatePaused)
}

// Resume moves a paused agent back to active.
func (r *AgentRegistry) Resume(agentID string) error {
	return r.transition(agentID, StateActive, StatePaused, StateActive)
}

// Cancel terminates an active agent by user stop.
func (r *AgentRegistry) Cancel(agentID string) error {
	return r.transition(agentID, StateCancelled, StateActive)
}

// Complete marks an active agent as finished with no further work.
func (r *AgentRegistry) Complete(agentID string) error {
	return r.transition(agentID, StateCompleted, StateActive)
}

// Fail marks an active agent as unrecoverably failed.
func (r *AgentRegistry) Fail(agentID string) error {
	return r.transition(agentID, StateFailed, StateActive)
}

// transition moves agentID to target if its current state is in from.
// Already being in the target state is a no-op.
func (r *AgentRegistry) transition(agentID string, target AgentState, from ...AgentState) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	if a.State == target {
		r.mu.Unlock()
		return nil
	}
	if a.State.IsTerminal() {
		state := a.State
		r.mu.Unlock()
		return &ErrAgentTerminal{AgentID: agentID, State: state}
	}
	allowed := false
	for _, s := range from {
		if a.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		state := a.State
		r.mu.Unlock()
		return fmt.Errorf("agent %s: invalid transition %s -> %s", agentID, state, target)
	}
	old := a.State
	a.State = target
	r.mu.Unlock()

	r.publishState(agentID, old, target)
	r.logger.Info("agent state changed", "agent", agentID, "from", string(old), "to", string(target))
	return nil
}

// Destroy removes the agent record. Idempotent: destroying an unknown id
// has no effect. preserveHistory keeps the session log; otherwise it is
// deleted unless another live agent still shares it. cascade destroys
// sub-agents recursively under the same flags.
func (r *AgentRegistry) Destroy(ctx context.Context, agentID string, preserveHistory, cascade bool) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sessionID := a.SessionID
	delete(r.agents, agentID)
	var children []string
	if cascade {
		for id, other := range r.agents {
			if other.ParentID == agentID {
				children = append(children, id)
			}
		}
	}
	sessionShared := false
	for _, other := range r.agents {
		if other.SessionID == sessionID {
			sessionShared = true
			break
		}
	}
	r.mu.Unlock()

	for _, child := range children {
		if err := r.Destroy(ctx, child, preserveHistory, cascade); err != nil {
			return err
		}
	}
	if !preserveHistory && !sessionShared {
		if err := r.store.DestroySession(ctx, sessionID); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
	}
	r.logger.Info("agent destroyed", "agent", agentID, "cascade", cascade, "preserve_history", preserveHistory)
	return nil
}

// SpawnSubAgent creates a child agent linked to parentID, wiring its
// session per the sharing mode. The parent must not be terminal.
func (r *AgentRegistry) SpawnSubAgent(ctx context.Context, parentID string, spec AgentSpec, mode ContextSharing) (Agent, error) {
	parent, err := r.Get(parentID)
	if err != nil {
		return Agent{}, err
	}
	if parent.State.IsTerminal() {
		return Agent{}, &ErrAgentTerminal{AgentID: parentID, State: parent.State}
	}

	switch mode {
	case ContextIsolated, "":
		// Create provisions a fresh session below.
		spec.SessionID = ""
	case ContextSnapshot:
		cp, err := r.store.Checkpoint(ctx, parent.SessionID, CheckpointAuto, "spawn "+spec.Role, "")
		if err != nil {
			return Agent{}, fmt.Errorf("snapshot parent session: %w", err)
		}
		childSession := NewID()
		if err := r.store.Branch(ctx, parent.SessionID, cp.ID, childSession); err != nil {
			return Agent{}, fmt.Errorf("branch parent session: %w", err)
		}
		spec.SessionID = childSession
	case ContextShared:
		spec.SessionID = parent.SessionID
	default:
		return Agent{}, fmt.Errorf("unknown context sharing mode %q", mode)
	}

	child, err := r.Create(ctx, spec)
	if err != nil {
		return Agent{}, err
	}

	r.mu.Lock()
	if rec, ok := r.agents[child.ID]; ok {
		rec.ParentID = parentID
		rec.IsSubAgent = true
		child = *rec
	}
	r.mu.Unlock()

	r.logger.Info("sub-agent spawned", "parent", parentID, "child", child.ID, "mode", string(mode))
	return child, nil
}

func (r *AgentRegistry) publishState(agentID string, from, to AgentState) {
	if r.events == nil {
		return
	}
	r.events.Publish(Event{
		Topic:   TopicAgentState,
		AgentID: agentID,
		Type:    TypeStatus,
		Payload: StateChange{AgentID: agentID, From: from, To: to},
	})
}

// --- RecipientResolver ---

// AgentExists reports whether agentID is registered.
func (r *AgentRegistry) AgentExists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// AgentsByRole returns non-terminal agents carrying role, sorted by id.
func (r *AgentRegistry) AgentsByRole(role string) []string {
	r.mu.RLock()
	var ids []string
	for id, a := range r.agents {
		if a.Role == role && !a.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// AgentIDs returns all non-terminal agent ids, sorted.
func (r *AgentRegistry) AgentIDs() []string {
	r.mu.RLock()
	var ids []string
	for id, a := range r.agents {
		if !a.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

var _ RecipientResolver = (*AgentRegistry)(nil)
