package penguin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// continuationPrompt is the synthesized user turn appended after an
// action batch so the model sees its observations and keeps going.
const continuationPrompt = "Continue with the task. The results of your actions are recorded above."

// emptyRecoveryPrompt is the stricter continuation used for the single
// recovery iteration after an empty response.
const emptyRecoveryPrompt = "Your previous response was empty. Reply now with your next step or your final answer, in plain text."

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineParser sets the action parser (default: a parser with no
// registered tags, so all output is treated as plain text).
func EngineParser(p *ActionParser) EngineOption {
	return func(e *Engine) { e.parser = p }
}

// EngineExecutor sets the action executor.
func EngineExecutor(ex *ActionExecutor) EngineOption {
	return func(e *Engine) { e.executor = ex }
}

// EngineMux sets the stream multiplexer.
func EngineMux(m *StreamMultiplexer) EngineOption {
	return func(e *Engine) { e.mux = m }
}

// EngineEvents sets the event bus for progress and error events.
func EngineEvents(bus *EventBus) EngineOption {
	return func(e *Engine) { e.events = bus }
}

// EngineMessageBus sets the inter-agent bus. When set, queued envelopes
// for the agent are drained into its session at each iteration boundary.
func EngineMessageBus(mb *MessageBus) EngineOption {
	return func(e *Engine) { e.msgbus = mb }
}

// EngineLogger sets the structured logger.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// EngineTracer enables span creation around turns.
func EngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// EngineTrim sets the context trimming policy applied before each
// gateway call.
func EngineTrim(opts TrimOptions) EngineOption {
	return func(e *Engine) { e.trim = opts }
}

// EngineMaxIterations sets the default RunTask iteration bound
// (default 10).
func EngineMaxIterations(n int) EngineOption {
	return func(e *Engine) { e.maxIterations = n }
}

// EngineCompletionPhrase sets the marker that terminates RunTask when it
// appears in assistant output. Empty disables the marker.
func EngineCompletionPhrase(s string) EngineOption {
	return func(e *Engine) { e.completionPhrase = s }
}

// EngineEmptyRecovery toggles the empty-response recovery iteration
// (default on).
func EngineEmptyRecovery(on bool) EngineOption {
	return func(e *Engine) { e.emptyRecovery = on }
}

// EngineFailFastActions promotes action failures to task-fatal. By
// default a failed action surfaces as a failed observation and the task
// continues.
func EngineFailFastActions(on bool) EngineOption {
	return func(e *Engine) { e.failFastActions = on }
}

// EngineRetry wraps the gateway with transient-error retry: maxAttempts
// total attempts with exponential backoff starting at baseDelay.
func EngineRetry(maxAttempts int, baseDelay time.Duration) EngineOption {
	return func(e *Engine) {
		e.gw = WithRetry(e.gw,
			RetryMaxAttempts(maxAttempts),
			RetryBaseDelay(baseDelay),
			RetryLogger(e.logger),
		)
	}
}

// Engine is the central reasoning loop: it turns one prompt into one
// streamed model turn plus its action batch (RunTurn), or drives that
// turn in a bounded loop until a stop condition fires (RunTask).
type Engine struct {
	gw       ModelGateway
	store    *ConversationStore
	registry *AgentRegistry

	parser   *ActionParser
	executor *ActionExecutor
	mux      *StreamMultiplexer
	events   *EventBus
	msgbus   *MessageBus
	logger   *slog.Logger
	tracer   Tracer

	trim             TrimOptions
	maxIterations    int
	completionPhrase string
	emptyRecovery    bool
	failFastActions  bool
}

// NewEngine creates an engine over the given gateway, store, and
// registry. Apply EngineRetry after EngineLogger so retry attempts are
// logged.
func NewEngine(gw ModelGateway, store *ConversationStore, registry *AgentRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		gw:            gw,
		store:         store,
		registry:      registry,
		logger:        nopLogger,
		maxIterations: 10,
		emptyRecovery: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.parser == nil {
		e.parser = NewActionParser()
	}
	if e.executor == nil {
		e.executor = NewActionExecutor(e.events)
	}
	if e.mux == nil {
		e.mux = NewStreamMultiplexer(e.events)
	}
	return e
}

// taskFailure is a tagged terminal failure flowing out of a step.
type taskFailure struct {
	kind FailureKind
	msg  string
}

func (f *taskFailure) Error() string {
	return string(f.kind) + ": " + f.msg
}

// turnStep is the outcome of one model turn plus its action batch.
type turnStep struct {
	content        string
	reasoning      string
	results        []ActionResult
	usage          Usage
	empty          bool
	completed      bool // completion phrase observed
	parsed         int  // actions parsed from the response
	actionFailures int
}

// RunTurn runs one turn for the agent: append the user prompt, stream
// the model response through the multiplexer, append the assistant
// message (reasoning kept in metadata), then execute parsed actions and
// append an observation per result. An empty prompt skips the user
// append and reruns the current context.
func (e *Engine) RunTurn(ctx context.Context, agentID, prompt string) (TurnResult, error) {
	ag, err := e.registry.Get(agentID)
	if err != nil {
		return TurnResult{}, err
	}
	if ag.State.IsTerminal() {
		return TurnResult{}, &ErrAgentTerminal{AgentID: agentID, State: ag.State}
	}
	if prompt != "" {
		if _, err := e.store.Append(ctx, ag.SessionID, UserMessage(agentID, prompt)); err != nil {
			return TurnResult{}, err
		}
	}
	st, err := e.step(ctx, ag, "")
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{
		Content:   st.content,
		Reasoning: st.reasoning,
		Results:   st.results,
		Usage:     st.usage,
	}, nil
}

// step runs one model turn and its action batch. phrase, when non-empty
// and present in the output, marks the step completed and skips action
// execution. The returned error is either a cancellation, a
// *taskFailure, or a store error.
func (e *Engine) step(ctx context.Context, ag Agent, phrase string) (turnStep, error) {
	var st turnStep

	var span Span
	if e.tracer != nil {
		ctxT, s := e.tracer.Start(ctx, "engine.turn", StringAttr("agent_id", ag.ID))
		ctx, span = ctxT, s
		defer span.End()
	}

	msgs, err := e.store.Trim(ctx, ag.SessionID, e.trim)
	if err != nil {
		return st, err
	}
	if cw := ag.Model.ContextWindow; cw > 0 && TokenCount(msgs, e.trim.Counter) > cw {
		return st, &taskFailure{
			kind: FailContextOverflow,
			msg:  fmt.Sprintf("trimmed context exceeds window of %d tokens", cw),
		}
	}

	req := ModelRequest{Messages: toPrompt(msgs), Model: ag.Model}
	resp, err := e.mux.Run(ctx, ag.ID, ag.SessionID, e.gw, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return st, err
		}
		e.publishError(ag, err.Error())
		e.logger.Error("gateway call failed", "agent", ag.ID, "err", err)
		return st, &taskFailure{kind: FailGateway, msg: err.Error()}
	}
	st.usage = resp.Usage
	st.content = resp.Content
	st.reasoning = resp.Reasoning

	if strings.TrimSpace(resp.Content) == "" && strings.TrimSpace(resp.Reasoning) == "" {
		st.empty = true
		return st, nil
	}

	actions := e.parser.ParseAll(resp.Content)
	st.parsed = len(actions)
	am := Message{Role: RoleAssistant, Content: resp.Content, AgentID: ag.ID, Type: TypeMessage}
	if len(actions) > 0 {
		am.Type = TypeAction
	}
	if resp.Reasoning != "" {
		am.Metadata = map[string]string{MetaReasoning: resp.Reasoning}
	}
	if _, err := e.store.Append(ctx, ag.SessionID, am); err != nil {
		return st, err
	}

	if phrase != "" && strings.Contains(resp.Content, phrase) {
		st.completed = true
		return st, nil
	}

	for _, a := range actions {
		// Cancellation observed at an action boundary stops the batch.
		if ctx.Err() != nil {
			break
		}
		res := e.executor.Execute(ctx, ag.ID, ag.SessionID, a)
		st.results = append(st.results, res)
		if res.Status == ActionFailed {
			st.actionFailures++
		}
		if _, err := e.store.Append(ctx, ag.SessionID, ObservationMessage(ag.ID, res)); err != nil {
			return st, err
		}
		if res.Status == ActionCancelled {
			break
		}
	}
	return st, nil
}

// RunTask drives the agent through repeated turns until a stop condition
// fires, the completion phrase appears, the model answers without
// actions, or maxIterations is reached (<= 0 uses the engine default).
// Terminal failures are encoded in the TaskResult; the error return is
// reserved for invalid calls.
func (e *Engine) RunTask(ctx context.Context, agentID, prompt string, stops []StopCondition, maxIterations int) (res TaskResult, err error) {
	ag, err := e.registry.Get(agentID)
	if err != nil {
		return TaskResult{}, err
	}
	if ag.State.IsTerminal() {
		return TaskResult{}, &ErrAgentTerminal{AgentID: agentID, State: ag.State}
	}
	if maxIterations <= 0 {
		maxIterations = e.maxIterations
	}

	state := EngineState{AgentID: agentID, StartTime: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("panic in task loop: %v", p)
			e.logger.Error("task panicked", "agent", agentID, "panic", p)
			e.publishError(ag, msg)
			_ = e.registry.Fail(agentID)
			res = TaskResult{
				Status:     TaskFailed,
				Failure:    FailInternal,
				Message:    msg,
				Iterations: state.Iteration,
				Usage:      res.Usage,
			}
			err = nil
		}
	}()

	if _, err := e.store.Append(ctx, ag.SessionID, UserMessage(agentID, prompt)); err != nil {
		return TaskResult{}, err
	}

	finish := func(status TaskStatus, reason string) TaskResult {
		res.Status = status
		res.StopReason = reason
		res.Iterations = state.Iteration
		return res
	}
	fail := func(kind FailureKind, msg string) TaskResult {
		_ = e.registry.Fail(agentID)
		res.Status = TaskFailed
		res.Failure = kind
		res.Message = msg
		res.Iterations = state.Iteration
		return res
	}

	recovered := false
	for state.Iteration < maxIterations {
		// Iteration boundary: the safe suspension point for cancellation
		// and pause, and where queued inter-agent messages land.
		if err := e.suspend(ctx, agentID); err != nil {
			if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				state.Cancelled = true
				_ = e.registry.Cancel(agentID)
				return finish(TaskCancelled, "cancelled"), nil
			}
			return fail(FailInternal, err.Error()), nil
		}
		if err := e.deliverInbox(ctx, ag); err != nil {
			return fail(FailInternal, err.Error()), nil
		}

		state.Iteration++
		e.publishProgress(ag, state)

		st, err := e.step(ctx, ag, e.completionPhrase)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				state.Cancelled = true
				_ = e.registry.Cancel(agentID)
				return finish(TaskCancelled, "cancelled"), nil
			}
			var tf *taskFailure
			if errors.As(err, &tf) {
				return fail(tf.kind, tf.msg), nil
			}
			return fail(FailInternal, err.Error()), nil
		}

		res.Usage.Add(st.usage)
		state.TokensIn += st.usage.InputTokens
		state.TokensOut += st.usage.OutputTokens
		res.ActionFailures += st.actionFailures

		if st.empty {
			if e.emptyRecovery && !recovered {
				recovered = true
				e.logger.Warn("empty response, forcing recovery iteration", "agent", agentID, "iteration", state.Iteration)
				if _, err := e.store.Append(ctx, ag.SessionID, SystemMessage(agentID, emptyRecoveryPrompt)); err != nil {
					return fail(FailInternal, err.Error()), nil
				}
				continue
			}
			return fail(FailEmptyResponse, "assistant returned no non-whitespace content"), nil
		}
		recovered = false
		res.Content = st.content
		state.LastMessage = st.content
		state.PendingActions = st.parsed

		if st.completed {
			_ = e.registry.Complete(agentID)
			return finish(TaskCompleted, "completion_phrase"), nil
		}
		if e.failFastActions && st.actionFailures > 0 {
			return fail(FailAction, fmt.Sprintf("%d action(s) failed", st.actionFailures)), nil
		}
		for _, stop := range stops {
			if ok, reason := stop(state); ok {
				_ = e.registry.Complete(agentID)
				return finish(TaskCompleted, reason), nil
			}
		}
		if len(st.results) == 0 {
			// No actions requested: the turn's content is the final answer.
			_ = e.registry.Complete(agentID)
			return finish(TaskCompleted, "final_response"), nil
		}
		if _, err := e.store.Append(ctx, ag.SessionID, UserMessage(agentID, continuationPrompt)); err != nil {
			return fail(FailInternal, err.Error()), nil
		}
	}
	_ = e.registry.Complete(agentID)
	return finish(TaskCompleted, "max_iterations"), nil
}

// suspend enforces the iteration-boundary contract: it returns
// errCancelled when the run must stop, blocks while the agent is
// paused, and otherwise returns promptly.
func (e *Engine) suspend(ctx context.Context, agentID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ag, err := e.registry.Get(agentID)
		if err != nil {
			return err
		}
		switch ag.State {
		case StateActive:
			return nil
		case StateCancelled:
			return errCancelled
		case StatePaused:
			timer := time.NewTimer(10 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		default:
			return &ErrAgentTerminal{AgentID: agentID, State: ag.State}
		}
	}
}

// deliverInbox drains the agent's queued envelopes into its session so
// the next turn sees them as incoming messages.
func (e *Engine) deliverInbox(ctx context.Context, ag Agent) error {
	if e.msgbus == nil {
		return nil
	}
	for _, env := range e.msgbus.Drain(ag.ID) {
		msgType := env.Type
		if msgType == "" {
			msgType = TypeMessage
		}
		m := Message{
			Role:        RoleUser,
			Content:     env.Content,
			AgentID:     env.Sender,
			RecipientID: ag.ID,
			Channel:     env.Channel,
			Type:        msgType,
			Metadata:    env.Metadata,
		}
		if _, err := e.store.Append(ctx, ag.SessionID, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publishProgress(ag Agent, state EngineState) {
	if e.events == nil {
		return
	}
	e.events.Publish(Event{
		Topic:     TopicEngineProgress,
		AgentID:   ag.ID,
		SessionID: ag.SessionID,
		Payload:   state,
	})
}

func (e *Engine) publishError(ag Agent, msg string) {
	if e.events == nil {
		return
	}
	e.events.Publish(Event{
		Topic:     TopicEngineError,
		AgentID:   ag.ID,
		SessionID: ag.SessionID,
		Payload:   msg,
	})
}

// toPrompt projects stored messages into the gateway wire shape.
// Reasoning metadata stays behind; only content crosses the boundary.
func toPrompt(msgs []Message) []PromptMessage {
	out := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PromptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
