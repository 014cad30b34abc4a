package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// ToolFunc executes one action invocation. params is the raw text between
// the action tags; interpretation of its micro-schema is up to the tool.
// Implementations must honor ctx cancellation on a best-effort basis.
type ToolFunc func(ctx context.Context, params string) (string, error)

// Capability describes a registered tool: its handler plus the advisory
// metadata the executor enforces.
type Capability struct {
	// Handler performs the action.
	Handler ToolFunc
	// ParamHint is advisory help text for the params micro-schema.
	ParamHint string
	// NeedsApproval gates execution behind the executor's ApprovalFunc.
	NeedsApproval bool
	// Timeout bounds one execution. Zero means the executor default.
	Timeout time.Duration
	// Effect, when non-empty, is recorded on observation metadata for
	// non-idempotent actions (shell execution, file writes) so replays
	// can be detected.
	Effect string
}

// ApprovalFunc decides whether an approval-gated action may run. A nil
// hook denies all gated actions.
type ApprovalFunc func(ctx context.Context, a Action) bool

// Error kinds recorded on failed action results.
const (
	ErrKindUnknownAction  = "unknown_action"
	ErrKindTimeout        = "timeout"
	ErrKindCancelled      = "cancelled"
	ErrKindPanic          = "panic"
	ErrKindExecution      = "execution_error"
	ErrKindApprovalDenied = "approval_denied"
)

// ansiEscape matches CSI sequences and bare escape codes so captured tool
// output is plain text regardless of what a subprocess emitted.
var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\)|[@-Z\\-_])`)

// NeutralEnv appends terminal-neutralizing variables to a subprocess
// environment so tools that shell out capture uncolored output.
func NeutralEnv(base []string) []string {
	return append(base, "NO_COLOR=1", "TERM=dumb", "CLICOLOR=0")
}

// ExecutorOption configures an ActionExecutor.
type ExecutorOption func(*ActionExecutor)

// ExecutorLogger sets the structured logger for execution events.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *ActionExecutor) { e.logger = l }
}

// ExecutorTracer enables span creation around each execution.
func ExecutorTracer(t Tracer) ExecutorOption {
	return func(e *ActionExecutor) { e.tracer = t }
}

// ExecutorApproval sets the hook consulted for NeedsApproval tools.
func ExecutorApproval(fn ApprovalFunc) ExecutorOption {
	return func(e *ActionExecutor) { e.approval = fn }
}

// ExecutorMaxOutput sets the captured-output budget in bytes (default:
// 32768). Oversize output keeps a head and tail window around an elision
// marker naming the byte count removed.
func ExecutorMaxOutput(n int) ExecutorOption {
	return func(e *ActionExecutor) { e.maxOutput = n }
}

// ExecutorDefaultTimeout sets the per-action timeout used when a
// Capability does not declare its own (default: 60s).
func ExecutorDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *ActionExecutor) { e.defaultTimeout = d }
}

// ActionExecutor dispatches parsed actions to registered tool handlers and
// normalizes their results. All methods are safe for concurrent use.
type ActionExecutor struct {
	mu   sync.RWMutex
	caps map[string]Capability

	bus            *EventBus
	approval       ApprovalFunc
	maxOutput      int
	defaultTimeout time.Duration
	logger         *slog.Logger
	tracer         Tracer
}

// NewActionExecutor creates an executor publishing action lifecycle events
// to bus (nil = no events).
func NewActionExecutor(bus *EventBus, opts ...ExecutorOption) *ActionExecutor {
	e := &ActionExecutor{
		caps:           make(map[string]Capability),
		bus:            bus,
		maxOutput:      32 * 1024,
		defaultTimeout: 60 * time.Second,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds or replaces a tool capability under name.
func (e *ActionExecutor) Register(name string, cap Capability) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps[name] = cap
}

// Capability returns the registered capability for name.
func (e *ActionExecutor) Capability(name string) (Capability, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cap, ok := e.caps[name]
	return cap, ok
}

// Names returns the registered tool names, sorted.
func (e *ActionExecutor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.caps))
	for name := range e.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one action to a normalized result. It never returns an
// error: every failure mode is encoded on the ActionResult so the engine
// can append it as an observation. agentID and sessionID tag the emitted
// events.
func (e *ActionExecutor) Execute(ctx context.Context, agentID, sessionID string, a Action) ActionResult {
	// A cancellation observed before dispatch means the action never runs.
	if ctx.Err() != nil {
		return ActionResult{Action: a, Status: ActionCancelled, ErrorKind: ErrKindCancelled}
	}
	if a.ParseErr != "" {
		return ActionResult{
			Action:    a,
			Status:    ActionFailed,
			Output:    "action " + a.Name + " was malformed: " + a.ParseErr,
			ErrorKind: a.ParseErr,
		}
	}
	cap, ok := e.Capability(a.Name)
	if !ok {
		return ActionResult{
			Action:    a,
			Status:    ActionFailed,
			Output:    "unknown action: " + a.Name,
			ErrorKind: ErrKindUnknownAction,
		}
	}
	if cap.NeedsApproval {
		if e.approval == nil || !e.approval(ctx, a) {
			return ActionResult{
				Action:    a,
				Status:    ActionFailed,
				Output:    "action " + a.Name + " requires approval and was denied",
				ErrorKind: ErrKindApprovalDenied,
			}
		}
	}

	timeout := cap.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.tracer != nil {
		var span Span
		execCtx, span = e.tracer.Start(execCtx, "action.execute",
			StringAttr("action", a.Name),
			StringAttr("agent_id", agentID))
		defer span.End()
	}

	e.publish(TopicActionStarted, agentID, sessionID, a.Name)
	e.logger.Debug("action started", "action", a.Name, "agent", agentID)

	start := time.Now()
	output, err := e.invoke(execCtx, cap.Handler, a.Params)
	res := ActionResult{
		Action:     a,
		DurationMS: time.Since(start).Milliseconds(),
		Effect:     cap.Effect,
	}

	switch {
	case err != nil && execCtx.Err() != nil:
		// The handler surfaced after cancellation or timeout. Distinguish
		// the enclosing run being cancelled from the per-action deadline.
		if ctx.Err() != nil {
			res.Status = ActionCancelled
			res.ErrorKind = ErrKindCancelled
			res.Output = "cancelled: " + err.Error()
		} else {
			res.Status = ActionFailed
			res.ErrorKind = ErrKindTimeout
			res.Output = fmt.Sprintf("timed out after %s", timeout)
		}
	case err != nil:
		res.Status = ActionFailed
		res.ErrorKind = ErrKindExecution
		res.Output = "error: " + err.Error()
	default:
		res.Status = ActionCompleted
		res.Output, res.Truncated = e.capture(output)
	}

	e.publish(TopicActionCompleted, agentID, sessionID, a.Name)
	e.logger.Debug("action finished",
		"action", a.Name,
		"status", string(res.Status),
		"duration_ms", res.DurationMS)
	return res
}

// invoke runs the handler with panic recovery so a crashing tool becomes
// a failed result instead of taking down the engine.
func (e *ActionExecutor) invoke(ctx context.Context, fn ToolFunc, params string) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()
	return fn(ctx, params)
}

// capture scrubs terminal escapes and applies the head/tail truncation
// window. Output exactly at the budget passes through unmarked.
func (e *ActionExecutor) capture(s string) (string, bool) {
	s = ansiEscape.ReplaceAllString(s, "")
	if len(s) <= e.maxOutput {
		return s, false
	}
	head := e.maxOutput * 2 / 3
	tail := e.maxOutput - head
	headEnd := runeBoundaryBefore(s, head)
	tailStart := runeBoundaryAfter(s, len(s)-tail)
	elided := tailStart - headEnd
	marker := fmt.Sprintf("\n[... %d bytes elided ...]\n", elided)
	return s[:headEnd] + marker + s[tailStart:], true
}

func (e *ActionExecutor) publish(topic, agentID, sessionID, actionName string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(Event{
		Topic:     topic,
		AgentID:   agentID,
		SessionID: sessionID,
		Type:      TypeAction,
		Payload:   actionName,
	})
}

// runeBoundaryBefore returns the largest i <= n that starts a rune.
func runeBoundaryBefore(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// runeBoundaryAfter returns the smallest i >= n that starts a rune.
func runeBoundaryAfter(s string, n int) int {
	for n < len(s) && !utf8.RuneStart(s[n]) {
		n++
	}
	return n
}
