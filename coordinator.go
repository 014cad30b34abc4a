package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// CoordinatorLogger sets the structured logger.
func CoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// CoordinatorTracer enables span creation around workflows.
func CoordinatorTracer(t Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// ChainLink is the outcome of one role in a RoleChain workflow.
type ChainLink struct {
	Role    string     `json:"role"`
	AgentID string     `json:"agent_id"`
	Result  TaskResult `json:"result"`
}

// Coordinator composes multi-agent patterns over the registry, the
// message bus, and the engine. It holds no workflow state beyond an
// in-flight id used for logging and tracing.
type Coordinator struct {
	registry *AgentRegistry
	bus      *MessageBus
	engine   *Engine
	logger   *slog.Logger
	tracer   Tracer

	mu      sync.Mutex
	cursors map[string]int // round-robin position per role
}

// NewCoordinator creates a coordinator over the given components.
func NewCoordinator(registry *AgentRegistry, bus *MessageBus, engine *Engine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry: registry,
		bus:      bus,
		engine:   engine,
		logger:   nopLogger,
		cursors:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendToRole delivers content to every live agent carrying role.
// Returns ErrUndeliverable when the role has no live agents.
func (c *Coordinator) SendToRole(sender, role, content string) error {
	return c.bus.Send(Envelope{Sender: sender, Role: role, Content: content, Type: TypeMessage})
}

// Broadcast delivers content to every live agent in any of the given
// roles, once per agent even when roles overlap. Roles with no live
// agents are skipped; Broadcast fails only when no role matched anyone.
func (c *Coordinator) Broadcast(sender string, roles []string, content string) error {
	seen := make(map[string]bool)
	delivered := 0
	for _, role := range roles {
		for _, id := range c.registry.AgentsByRole(role) {
			if seen[id] || id == sender {
				continue
			}
			seen[id] = true
			if err := c.bus.Send(Envelope{Sender: sender, Recipient: id, Content: content, Type: TypeMessage}); err != nil {
				return err
			}
			delivered++
		}
	}
	if delivered == 0 {
		return &ErrUndeliverable{Role: fmt.Sprintf("%v", roles)}
	}
	c.logger.Debug("broadcast delivered", "sender", sender, "roles", roles, "recipients", delivered)
	return nil
}

// RoundRobin distributes prompts across the live agents of one role, one
// prompt per agent, rotating. The rotation position survives across
// calls so successive batches keep alternating.
func (c *Coordinator) RoundRobin(sender, role string, prompts []string) error {
	agents := c.registry.AgentsByRole(role)
	if len(agents) == 0 {
		return &ErrUndeliverable{Role: role}
	}
	c.mu.Lock()
	cursor := c.cursors[role]
	c.cursors[role] = (cursor + len(prompts)) % len(agents)
	c.mu.Unlock()

	for i, prompt := range prompts {
		recipient := agents[(cursor+i)%len(agents)]
		if err := c.bus.Send(Envelope{Sender: sender, Recipient: recipient, Content: prompt, Type: TypeMessage}); err != nil {
			return err
		}
	}
	return nil
}

// RoleChain runs prompt through roles in order: each role's first live
// agent runs a bounded task whose output becomes the next role's input.
// The chain fails fast on any link's failure or timeout (linkTimeout <= 0
// disables the per-link deadline). Returns the links completed so far
// alongside the error.
func (c *Coordinator) RoleChain(ctx context.Context, roles []string, prompt string, linkTimeout time.Duration, maxIterations int) ([]ChainLink, error) {
	workflowID := NewID()
	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "coordinator.role_chain",
			StringAttr("workflow_id", workflowID),
			IntAttr("roles", len(roles)))
		defer span.End()
	}
	c.logger.Info("role chain started", "workflow_id", workflowID, "roles", roles)

	var links []ChainLink
	input := prompt
	for _, role := range roles {
		agents := c.registry.AgentsByRole(role)
		if len(agents) == 0 {
			return links, &ErrUndeliverable{Role: role}
		}
		agentID := agents[0]

		linkCtx := ctx
		var cancel context.CancelFunc = func() {}
		if linkTimeout > 0 {
			linkCtx, cancel = context.WithTimeout(ctx, linkTimeout)
		}
		res, err := c.engine.RunTask(linkCtx, agentID, input, nil, maxIterations)
		cancel()
		if err != nil {
			return links, fmt.Errorf("role %s (workflow %s): %w", role, workflowID, err)
		}
		links = append(links, ChainLink{Role: role, AgentID: agentID, Result: res})
		if res.Status != TaskCompleted {
			return links, fmt.Errorf("role %s (workflow %s): task %s: %s", role, workflowID, res.Status, res.Message)
		}
		input = res.Content
	}
	c.logger.Info("role chain finished", "workflow_id", workflowID, "links", len(links))
	return links, nil
}
