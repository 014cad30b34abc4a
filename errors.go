package penguin

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned by ConversationStore operations on an
// unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrCheckpointNotFound is returned when a checkpoint id does not exist
// or belongs to a different session.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrAgentNotFound is returned by AgentRegistry and MessageBus for an
// unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// ErrSessionExists is returned by Branch when the target session id is
// already in use.
var ErrSessionExists = errors.New("session already exists")

// ErrAgentTerminal signals an operation on an agent in a terminal state.
type ErrAgentTerminal struct {
	AgentID string
	State   AgentState
}

func (e *ErrAgentTerminal) Error() string {
	return fmt.Sprintf("agent %s is terminal (%s)", e.AgentID, e.State)
}

// ErrQueueFull signals a MessageBus send rejected at the watermark.
// The caller decides whether to retry.
type ErrQueueFull struct {
	Recipient string
	Watermark int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("queue_full: recipient %s at watermark %d", e.Recipient, e.Watermark)
}

// ErrUndeliverable signals a synchronous MessageBus failure: no such
// recipient or no agent carries the requested role.
type ErrUndeliverable struct {
	Recipient string
	Role      string
}

func (e *ErrUndeliverable) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("undeliverable: no agent with role %q", e.Role)
	}
	return fmt.Sprintf("undeliverable: no recipient %q", e.Recipient)
}

// ErrConcurrentStream signals an attempt to start a second live stream
// for a subscriber target whose multiplexer was built with FailSecond.
type ErrConcurrentStream struct {
	Target string
}

func (e *ErrConcurrentStream) Error() string {
	return fmt.Sprintf("concurrent_stream_violation: target %s already streaming", e.Target)
}

// ErrGateway wraps a provider error with its recoverability class.
// Transient errors are retried by the engine under its backoff policy;
// permanent errors surface immediately.
type ErrGateway struct {
	Transient bool
	// RetryAfter is an optional provider hint (e.g. parsed from a
	// Retry-After header); the retry delay is at least this long.
	RetryAfter time.Duration
	Err        error
}

func (e *ErrGateway) Error() string {
	if e.Transient {
		return "gateway (transient): " + e.Err.Error()
	}
	return "gateway: " + e.Err.Error()
}

func (e *ErrGateway) Unwrap() error { return e.Err }

// Transient wraps err as a retryable gateway error.
func Transient(err error) error {
	return &ErrGateway{Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable gateway error.
func Permanent(err error) error {
	return &ErrGateway{Err: err}
}

// isTransient reports whether err should be retried by the engine.
// Context cancellation is never transient.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, errCancelled) {
		return false
	}
	var ge *ErrGateway
	return errors.As(err, &ge) && ge.Transient
}

// retryAfterOf extracts the provider's retry hint, or 0.
func retryAfterOf(err error) time.Duration {
	var ge *ErrGateway
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// errCancelled is the internal sentinel for a latched cancellation
// observed at a safe suspension point.
var errCancelled = errors.New("run cancelled")
