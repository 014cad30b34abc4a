package penguin

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event topics emitted by the core. UIs and telemetry subscribe to these;
// nothing in the core consumes its own events except the Checkpointer
// (message.appended) and tests.
const (
	TopicStreamStart     = "stream.start"
	TopicStreamChunk     = "stream.chunk"
	TopicStreamReasoning = "stream.reasoning"
	TopicStreamEnd       = "stream.end"
	TopicStreamCancelled = "stream.cancelled"
	TopicMessageAppended = "message.appended"
	TopicActionStarted   = "action.started"
	TopicActionCompleted = "action.completed"
	TopicAgentState      = "agent.state_changed"
	TopicEngineProgress  = "engine.progress"
	TopicEngineError     = "engine.error"
	TopicCheckpoint      = "checkpoint.created"
	TopicBusMessage      = "bus.message"
)

// Event is one published record. Seq is monotonic per bus and stamped at
// publish time; subscribers use it to detect gaps after drops.
type Event struct {
	Topic     string      `json:"topic"`
	AgentID   string      `json:"agent_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	Type      MessageType `json:"type,omitempty"`
	Seq       uint64      `json:"seq"`
	Payload   any         `json:"payload,omitempty"`
}

// EventFilter restricts a subscription. Zero-value fields match everything;
// set fields must all match (AND semantics). Topics is an OR list.
type EventFilter struct {
	Topics  []string
	AgentID string
	Channel string
	Type    MessageType
}

func (f EventFilter) matches(ev Event) bool {
	if len(f.Topics) > 0 {
		ok := false
		for _, t := range f.Topics {
			if t == ev.Topic {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" && f.AgentID != ev.AgentID {
		return false
	}
	if f.Channel != "" && f.Channel != ev.Channel {
		return false
	}
	if f.Type != "" && f.Type != ev.Type {
		return false
	}
	return true
}

// Subscription is a live event feed. Receive from C; call Close (or
// EventBus.Unsubscribe) when done. After Close, C is closed once drained.
type Subscription struct {
	bus     *EventBus
	id      int
	ch      chan Event
	filter  EventFilter
	dropped atomic.Uint64
	closed  atomic.Bool
}

// C returns the event channel. Events arrive in publish order; when the
// subscriber falls behind its queue capacity, the oldest queued events are
// dropped and counted.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns the number of events dropped due to queue overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// EventQueueSize sets the per-subscriber queue capacity (default: 256).
func EventQueueSize(n int) EventBusOption {
	return func(b *EventBus) { b.queueSize = n }
}

// EventBusLogger sets the structured logger for drop warnings.
func EventBusLogger(l *slog.Logger) EventBusOption {
	return func(b *EventBus) { b.logger = l }
}

// EventBus is a process-local topic pub/sub with filtered subscriptions.
// Publish never blocks: each subscriber has a bounded queue and overflow
// drops the oldest queued event. No durability across process restart.
// All methods are safe for concurrent use.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	seq       atomic.Uint64
	queueSize int
	logger    *slog.Logger
}

// NewEventBus creates an EventBus.
func NewEventBus(opts ...EventBusOption) *EventBus {
	b := &EventBus{
		subs:      make(map[int]*Subscription),
		queueSize: 256,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queueSize <= 0 {
		b.queueSize = 256
	}
	return b
}

// Subscribe registers a filtered subscription.
func (b *EventBus) Subscribe(filter EventFilter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{
		bus:    b,
		id:     b.nextID,
		ch:     make(chan Event, b.queueSize),
		filter: filter,
	}
	b.nextID++
	b.subs[s.id] = s
	return s
}

// Unsubscribe detaches s and closes its channel. Idempotent.
func (b *EventBus) Unsubscribe(s *Subscription) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	close(s.ch)
}

// Publish stamps ev with the next sequence number and delivers it to every
// matching subscriber. Slow subscribers lose their oldest queued event
// rather than blocking the publisher.
func (b *EventBus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() || !s.filter.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Queue full: evict the oldest event, then retry once. A
			// concurrent receive can race the eviction; if the retry
			// still fails, the new event is the one dropped.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
			}
			b.logger.Warn("event subscriber overflow", "topic", ev.Topic, "dropped", s.dropped.Load())
		}
	}
}
