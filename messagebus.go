package penguin

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// RecipientResolver maps envelope addressing to concrete agent ids.
// AgentRegistry implements it; tests may supply a fixed table.
type RecipientResolver interface {
	// AgentExists reports whether an agent id is registered and not
	// destroyed.
	AgentExists(agentID string) bool
	// AgentsByRole returns the ids of live agents tagged with role.
	AgentsByRole(role string) []string
	// AgentIDs returns all live agent ids (broadcast targets).
	AgentIDs() []string
}

// BusOption configures a MessageBus.
type BusOption func(*MessageBus)

// BusQueueMax sets the per-recipient queue watermark (default: 128).
// Sends beyond it fail with ErrQueueFull.
func BusQueueMax(n int) BusOption {
	return func(b *MessageBus) { b.queueMax = n }
}

// BusDropOldest switches the full-queue policy: instead of failing the
// send, the oldest queued envelope for that recipient is evicted.
func BusDropOldest(on bool) BusOption {
	return func(b *MessageBus) { b.dropOldest = on }
}

// BusLogger sets the structured logger.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *MessageBus) { b.logger = l }
}

// MessageBus routes inter-agent envelopes through bounded per-recipient
// FIFO queues. Delivery is cooperative: engines poll their queue between
// iterations. Undeliverable sends fail synchronously; a full queue fails
// with ErrQueueFull and the caller decides whether to retry.
// All methods are safe for concurrent use.
type MessageBus struct {
	mu         sync.Mutex
	queues     map[string][]Envelope
	resolver   RecipientResolver
	seq        atomic.Uint64
	events     *EventBus
	queueMax   int
	dropOldest bool
	logger     *slog.Logger
}

// NewMessageBus creates a bus resolving recipients via resolver and
// mirroring deliveries onto events as bus.message (nil = no events).
func NewMessageBus(resolver RecipientResolver, events *EventBus, opts ...BusOption) *MessageBus {
	b := &MessageBus{
		queues:   make(map[string][]Envelope),
		resolver: resolver,
		events:   events,
		queueMax: 128,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queueMax <= 0 {
		b.queueMax = 128
	}
	return b
}

// Send routes env to its recipients. Addressing, in precedence order:
// Broadcast delivers to every live agent except the sender; Role
// delivers to all agents carrying that role; otherwise Recipient is a
// concrete agent id. Ordering is FIFO per (sender, recipient, channel).
//
// For multi-recipient sends, delivery is attempted to every target and
// the first full queue is reported after the rest were enqueued.
func (b *MessageBus) Send(env Envelope) error {
	var targets []string
	switch {
	case env.Broadcast:
		for _, id := range b.resolver.AgentIDs() {
			if id != env.Sender {
				targets = append(targets, id)
			}
		}
	case env.Role != "":
		targets = b.resolver.AgentsByRole(env.Role)
		if len(targets) == 0 {
			return &ErrUndeliverable{Role: env.Role}
		}
	default:
		if !b.resolver.AgentExists(env.Recipient) {
			return &ErrUndeliverable{Recipient: env.Recipient}
		}
		targets = []string{env.Recipient}
	}

	var firstErr error
	for _, id := range targets {
		if err := b.enqueue(id, env); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *MessageBus) enqueue(recipient string, env Envelope) error {
	b.mu.Lock()
	if len(b.queues[recipient]) >= b.queueMax {
		if !b.dropOldest {
			b.mu.Unlock()
			b.logger.Warn("message queue full", "recipient", recipient, "watermark", b.queueMax)
			return &ErrQueueFull{Recipient: recipient, Watermark: b.queueMax}
		}
		b.queues[recipient] = b.queues[recipient][1:]
		b.logger.Warn("message queue full, oldest evicted", "recipient", recipient, "watermark", b.queueMax)
	}
	env.Recipient = recipient
	env.Seq = b.seq.Add(1)
	env.EnqueuedAt = NowUnixMilli()
	b.queues[recipient] = append(b.queues[recipient], env)
	b.mu.Unlock()

	if b.events != nil {
		b.events.Publish(Event{
			Topic:   TopicBusMessage,
			AgentID: recipient,
			Channel: env.Channel,
			Type:    env.Type,
			Payload: env,
		})
	}
	return nil
}

// Poll pops the oldest queued envelope for agentID, if any.
func (b *MessageBus) Poll(agentID string) (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return Envelope{}, false
	}
	env := q[0]
	b.queues[agentID] = q[1:]
	return env, true
}

// Drain pops every queued envelope for agentID in FIFO order.
func (b *MessageBus) Drain(agentID string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	delete(b.queues, agentID)
	return q
}

// Queued reports the queue depth for agentID.
func (b *MessageBus) Queued(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// Forget discards any queued envelopes for agentID. Called when an agent
// is destroyed.
func (b *MessageBus) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agentID)
}
