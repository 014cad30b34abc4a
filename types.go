package penguin

import "strconv"

// --- Conversation domain types ---

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageType classifies a message beyond its role.
type MessageType string

const (
	// TypeMessage is ordinary conversational content.
	TypeMessage MessageType = "message"
	// TypeAction is an assistant message that carried parsed actions.
	TypeAction MessageType = "action"
	// TypeObservation is a tool-role message recording an action result.
	TypeObservation MessageType = "observation"
	// TypeStatus is runtime bookkeeping (progress, state changes).
	TypeStatus MessageType = "status"
)

// Message is the ordered unit of a conversation. IDs are monotonic per
// session and assigned by ConversationStore.Append. Messages are
// immutable after append; edits replace and tombstone rather than
// mutate in place.
type Message struct {
	ID          int64             `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	AgentID     string            `json:"agent_id,omitempty"`
	RecipientID string            `json:"recipient_id,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Type        MessageType       `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Pinned      bool              `json:"pinned,omitempty"`
	CreatedAt   int64             `json:"created_at"` // Unix milliseconds
}

// Metadata keys written by the core.
const (
	// MetaReasoning carries the accumulated reasoning stream of an
	// assistant message (kept out of Content by design).
	MetaReasoning = "reasoning"
	// MetaActionRef links an observation to the action that produced it.
	MetaActionRef = "action_ref"
	// MetaDurationMS records action wall-clock time in milliseconds.
	MetaDurationMS = "duration_ms"
	// MetaReplaces marks an edit: the id of the tombstoned original.
	MetaReplaces = "replaces"
	// MetaEffect records the declared side effect of a non-idempotent
	// action, for replay detection.
	MetaEffect = "effect"
)

// CheckpointKind distinguishes user-created snapshots from automatic ones.
type CheckpointKind string

const (
	CheckpointManual CheckpointKind = "manual"
	CheckpointAuto   CheckpointKind = "auto"
)

// Checkpoint is an immutable snapshot of a session's branch head.
type Checkpoint struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Kind        CheckpointKind `json:"kind"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	// HeadID is the id of the newest message at snapshot time.
	HeadID int64 `json:"head_id"`
	// ParentID chains auto checkpoints for lineage queries.
	ParentID  string `json:"parent_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// --- Agent domain types ---

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	StateActive    AgentState = "active"
	StatePaused    AgentState = "paused"
	StateCancelled AgentState = "cancelled"
	StateCompleted AgentState = "completed"
	StateFailed    AgentState = "failed"
)

// IsTerminal reports whether the state is final. Terminal agents cannot
// re-enter active without a new Create.
func (s AgentState) IsTerminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// ModelConfig is the model selection handed to the gateway. The core
// treats it as opaque apart from ContextWindow, which bounds trimming.
type ModelConfig struct {
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
}

// Agent is an active participant: a named reasoning loop bound to one
// session. Records are owned by AgentRegistry; parent/child links are
// ids, never pointers.
type Agent struct {
	ID         string      `json:"id"`
	Persona    string      `json:"persona,omitempty"`
	Role       string      `json:"role,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	Model      ModelConfig `json:"model"`
	Tools      []string    `json:"default_tools,omitempty"`
	State      AgentState  `json:"state"`
	IsSubAgent bool        `json:"is_sub_agent,omitempty"`
	SessionID  string      `json:"session_id"`
	CreatedAt  int64       `json:"created_at"`
}

// --- Action domain types ---

// Action is a structured invocation parsed from assistant output.
type Action struct {
	// Name matches a registered tool or action type.
	Name string `json:"name"`
	// Params is the raw parameter text between the tags. Tool-specific
	// micro-schemas are interpreted at execution time, not parse time.
	Params string `json:"params"`
	// Start and End delimit the tagged region in the source message,
	// in bytes, for error reporting.
	Start int `json:"start"`
	End   int `json:"end"`
	// ParseErr is set when the region was malformed (e.g. an
	// unterminated tag). Malformed actions are surfaced, not dropped.
	ParseErr string `json:"parse_err,omitempty"`
}

// ActionStatus is the terminal status of an executed action.
type ActionStatus string

const (
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionResult is the normalized outcome of one action execution.
type ActionResult struct {
	Action     Action       `json:"action"`
	Status     ActionStatus `json:"status"`
	Output     string       `json:"output"`
	Truncated  bool         `json:"truncated,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	// Effect carries the capability's declared side effect, when any.
	Effect string `json:"effect,omitempty"`
}

// --- Gateway protocol types ---

// PromptMessage is one role-tagged part of a gateway request.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelRequest is the input to ModelGateway.Stream.
type ModelRequest struct {
	Messages []PromptMessage `json:"messages"`
	Model    ModelConfig     `json:"model"`
}

// DeltaKind distinguishes the two token streams a model may interleave.
type DeltaKind string

const (
	DeltaContent   DeltaKind = "content"
	DeltaReasoning DeltaKind = "reasoning"
)

// StreamDelta is one incremental chunk from the gateway.
type StreamDelta struct {
	Text string    `json:"text"`
	Kind DeltaKind `json:"kind"`
}

// ModelResponse is the accumulated result of a completed stream.
type ModelResponse struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Usage     Usage  `json:"usage"`
}

// Usage tracks token consumption across gateway calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// --- Inter-agent envelope ---

// Envelope is one routed inter-agent message. Recipient may be a
// concrete agent id, a role (RecipientRole set), or broadcast.
type Envelope struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient,omitempty"`
	Role      string            `json:"role,omitempty"`
	Broadcast bool              `json:"broadcast,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Content   string            `json:"content"`
	Type      MessageType       `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Seq and EnqueuedAt are delivery metadata stamped by the bus.
	Seq        uint64 `json:"seq,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at,omitempty"`
}

// --- Engine results ---

// TurnResult is the outcome of Engine.RunTurn.
type TurnResult struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	Results   []ActionResult `json:"results,omitempty"`
	Usage     Usage          `json:"usage"`
}

// TaskStatus is the terminal status of a bounded task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// FailureKind classifies why a task terminated with TaskFailed.
type FailureKind string

const (
	FailEmptyResponse   FailureKind = "failed_empty_response"
	FailContextOverflow FailureKind = "failed_context_overflow"
	FailGateway         FailureKind = "failed_gateway"
	FailAction          FailureKind = "failed_action"
	FailInternal        FailureKind = "failed_internal"
)

// TaskResult is the outcome of Engine.RunTask.
type TaskResult struct {
	Status     TaskStatus  `json:"status"`
	Content    string      `json:"content"`
	Iterations int         `json:"iterations"`
	Usage      Usage       `json:"usage"`
	// StopReason names the stop condition or marker that ended the task.
	StopReason string `json:"stop_reason,omitempty"`
	// Failure and Message are set when Status is TaskFailed.
	Failure FailureKind `json:"failure,omitempty"`
	Message string      `json:"message,omitempty"`
	// ActionFailures counts observations with status=failed; intermediate
	// errors surface in the event stream, not here.
	ActionFailures int `json:"action_failures,omitempty"`
}

// --- Message constructors ---

func UserMessage(agentID, text string) Message {
	return Message{Role: RoleUser, Content: text, AgentID: agentID, Type: TypeMessage}
}

func SystemMessage(agentID, text string) Message {
	return Message{Role: RoleSystem, Content: text, AgentID: agentID, Type: TypeMessage}
}

func AssistantMessage(agentID, text string) Message {
	return Message{Role: RoleAssistant, Content: text, AgentID: agentID, Type: TypeMessage}
}

// ObservationMessage records an action result as a tool-role message.
func ObservationMessage(agentID string, res ActionResult) Message {
	meta := map[string]string{
		MetaActionRef:  res.Action.Name,
		MetaDurationMS: formatInt64(res.DurationMS),
	}
	if res.ErrorKind != "" {
		meta["error_kind"] = res.ErrorKind
	}
	if res.Effect != "" {
		meta[MetaEffect] = res.Effect
	}
	return Message{
		Role:     RoleTool,
		Content:  res.Output,
		AgentID:  agentID,
		Type:     TypeObservation,
		Metadata: meta,
	}
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}
