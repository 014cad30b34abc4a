package penguin

import (
	"context"
	"fmt"
	"log/slog"
)

// Runtime is the orchestrator that wires the core together: event bus,
// conversation store, agent registry, message bus, parser, executor,
// stream multiplexer, engine, coordinator, and checkpointer. Tests may
// instantiate multiple isolated runtimes.
type Runtime struct {
	events       *EventBus
	store        *ConversationStore
	registry     *AgentRegistry
	bus          *MessageBus
	parser       *ActionParser
	executor     *ActionExecutor
	mux          *StreamMultiplexer
	engine       *Engine
	coordinator  *Coordinator
	checkpointer *Checkpointer

	gateway ModelGateway
	journal Journal
	logger  *slog.Logger
	tracer  Tracer

	eventOpts    []EventBusOption
	executorOpts []ExecutorOption
	muxOpts      []MuxOption
	busOpts      []BusOption
	engineOpts   []EngineOption
	cpOpts       []CheckpointerOption
	checkpoints  bool

	started bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithGateway sets the model gateway. Required.
func WithGateway(gw ModelGateway) RuntimeOption {
	return func(r *Runtime) { r.gateway = gw }
}

// WithJournal sets the conversation persistence backend. Without one the
// runtime is memory-only.
func WithJournal(j Journal) RuntimeOption {
	return func(r *Runtime) { r.journal = j }
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithTracer sets the tracer shared by all components.
func WithTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithEventBusOptions forwards options to the event bus.
func WithEventBusOptions(opts ...EventBusOption) RuntimeOption {
	return func(r *Runtime) { r.eventOpts = append(r.eventOpts, opts...) }
}

// WithExecutorOptions forwards options to the action executor.
func WithExecutorOptions(opts ...ExecutorOption) RuntimeOption {
	return func(r *Runtime) { r.executorOpts = append(r.executorOpts, opts...) }
}

// WithMuxOptions forwards options to the stream multiplexer.
func WithMuxOptions(opts ...MuxOption) RuntimeOption {
	return func(r *Runtime) { r.muxOpts = append(r.muxOpts, opts...) }
}

// WithBusOptions forwards options to the message bus.
func WithBusOptions(opts ...BusOption) RuntimeOption {
	return func(r *Runtime) { r.busOpts = append(r.busOpts, opts...) }
}

// WithEngineOptions forwards options to the engine.
func WithEngineOptions(opts ...EngineOption) RuntimeOption {
	return func(r *Runtime) { r.engineOpts = append(r.engineOpts, opts...) }
}

// WithCheckpointer enables automatic checkpointing with the given
// options.
func WithCheckpointer(opts ...CheckpointerOption) RuntimeOption {
	return func(r *Runtime) {
		r.checkpoints = true
		r.cpOpts = append(r.cpOpts, opts...)
	}
}

// NewRuntime builds a fully wired runtime. Call Start before use.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	if r.gateway == nil {
		return nil, fmt.Errorf("runtime requires a ModelGateway")
	}

	r.events = NewEventBus(r.eventOpts...)

	storeOpts := []StoreOption{StoreLogger(r.logger)}
	if r.journal != nil {
		storeOpts = append(storeOpts, StoreJournal(r.journal))
	}
	if r.tracer != nil {
		storeOpts = append(storeOpts, StoreTracer(r.tracer))
	}
	r.store = NewConversationStore(r.events, storeOpts...)

	r.registry = NewAgentRegistry(r.store, r.events, RegistryLogger(r.logger))
	r.bus = NewMessageBus(r.registry, r.events, append([]BusOption{BusLogger(r.logger)}, r.busOpts...)...)
	r.parser = NewActionParser()

	execOpts := []ExecutorOption{ExecutorLogger(r.logger)}
	if r.tracer != nil {
		execOpts = append(execOpts, ExecutorTracer(r.tracer))
	}
	r.executor = NewActionExecutor(r.events, append(execOpts, r.executorOpts...)...)

	r.mux = NewStreamMultiplexer(r.events, append([]MuxOption{MuxLogger(r.logger)}, r.muxOpts...)...)

	engineOpts := []EngineOption{
		EngineParser(r.parser),
		EngineExecutor(r.executor),
		EngineMux(r.mux),
		EngineEvents(r.events),
		EngineMessageBus(r.bus),
		EngineLogger(r.logger),
	}
	if r.tracer != nil {
		engineOpts = append(engineOpts, EngineTracer(r.tracer))
	}
	r.engine = NewEngine(r.gateway, r.store, r.registry, append(engineOpts, r.engineOpts...)...)

	coordOpts := []CoordinatorOption{CoordinatorLogger(r.logger)}
	if r.tracer != nil {
		coordOpts = append(coordOpts, CoordinatorTracer(r.tracer))
	}
	r.coordinator = NewCoordinator(r.registry, r.bus, r.engine, coordOpts...)

	if r.checkpoints {
		r.checkpointer = NewCheckpointer(r.store, r.events,
			append([]CheckpointerOption{CheckpointerLogger(r.logger)}, r.cpOpts...)...)
	}
	return r, nil
}

// Start replays the journal and launches background components.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if err := r.store.Load(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if r.checkpointer != nil {
		r.checkpointer.Start(ctx)
	}
	r.started = true
	r.logger.Info("runtime started", "sessions", len(r.store.Sessions()))
	return nil
}

// Stop halts background components. Safe to call more than once.
func (r *Runtime) Stop() {
	if !r.started {
		return
	}
	if r.checkpointer != nil {
		r.checkpointer.Stop()
	}
	r.started = false
}

// RegisterTool wires one tool end to end: the parser recognizes its tag
// and the executor owns its capability.
func (r *Runtime) RegisterTool(name string, cap Capability) {
	r.parser.RegisterTag(name, cap.ParamHint)
	r.executor.Register(name, cap)
}

// DestroyAgent removes an agent and its undelivered bus queue.
func (r *Runtime) DestroyAgent(ctx context.Context, agentID string, preserveHistory, cascade bool) error {
	if err := r.registry.Destroy(ctx, agentID, preserveHistory, cascade); err != nil {
		return err
	}
	r.bus.Forget(agentID)
	return nil
}

// Events returns the event bus.
func (r *Runtime) Events() *EventBus { return r.events }

// Store returns the conversation store.
func (r *Runtime) Store() *ConversationStore { return r.store }

// Registry returns the agent registry.
func (r *Runtime) Registry() *AgentRegistry { return r.registry }

// Bus returns the inter-agent message bus.
func (r *Runtime) Bus() *MessageBus { return r.bus }

// Parser returns the action parser.
func (r *Runtime) Parser() *ActionParser { return r.parser }

// Executor returns the action executor.
func (r *Runtime) Executor() *ActionExecutor { return r.executor }

// Engine returns the engine.
func (r *Runtime) Engine() *Engine { return r.engine }

// Coordinator returns the coordinator.
func (r *Runtime) Coordinator() *Coordinator { return r.coordinator }
