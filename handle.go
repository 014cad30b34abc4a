package penguin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// RunState is the execution state of a background task run.
type RunState int32

const (
	// RunPending means the run was started but the loop has not begun.
	RunPending RunState = iota
	// RunRunning means the task loop is in progress.
	RunRunning
	// RunCompleted means RunTask returned a result.
	RunCompleted
	// RunFailed means RunTask returned an error or panicked.
	RunFailed
	// RunCancelled means the run was cancelled via Cancel or the parent
	// context.
	RunCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunHandle tracks one background RunTask execution.
// All methods are safe for concurrent use.
type RunHandle struct {
	id      string
	agentID string
	state   atomic.Int32
	result  TaskResult
	err     error
	done    chan struct{}
	cancel  context.CancelFunc
}

// StartTask launches RunTask in a background goroutine and returns
// immediately with a handle for tracking, awaiting, and cancelling. The
// parent ctx bounds the run's lifetime.
func (e *Engine) StartTask(ctx context.Context, agentID, prompt string, stops []StopCondition, maxIterations int) *RunHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:      NewID(),
		agentID: agentID,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	h.state.Store(int32(RunPending))
	e.logger.Info("task started", "agent", agentID, "handle_id", h.id)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("task run panic", "agent", agentID, "handle_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.result = TaskResult{}
				h.err = fmt.Errorf("task panic: %v", p)
				h.state.Store(int32(RunFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(RunRunning))
		start := time.Now()
		result, err := e.RunTask(ctx, agentID, prompt, stops, maxIterations)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: readers blocked on <-h.done are
		// guaranteed to see these writes.
		h.result = result
		h.err = err
		switch {
		case err == nil && result.Status == TaskCancelled:
			h.state.Store(int32(RunCancelled))
			e.logger.Info("task cancelled", "agent", agentID, "handle_id", h.id, "duration", time.Since(start))
		case err != nil:
			h.state.Store(int32(RunFailed))
			e.logger.Error("task failed", "agent", agentID, "handle_id", h.id, "error", err, "duration", time.Since(start))
		default:
			h.state.Store(int32(RunCompleted))
			e.logger.Info("task finished", "agent", agentID, "handle_id", h.id,
				"status", string(result.Status),
				"iterations", result.Iterations,
				"duration", time.Since(start),
				"tokens.input", result.Usage.InputTokens,
				"tokens.output", result.Usage.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique run identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// AgentID returns the agent the task runs against.
func (h *RunHandle) AgentID() string { return h.agentID }

// State returns the current run state. If the state is terminal, State
// blocks until Done() is closed to guarantee that Result() returns valid
// data when State().IsTerminal() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes in any terminal
// state. Composable with select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled. Returns the
// task result and error on completion, or ctx.Err() if ctx is cancelled
// first.
func (h *RunHandle) Await(ctx context.Context) (TaskResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() is
// closed; before completion it returns a zero TaskResult and nil error.
func (h *RunHandle) Result() (TaskResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return TaskResult{}, nil
	}
}

// Cancel requests cancellation. Non-blocking: the loop observes the
// cancelled context at its next suspension point.
func (h *RunHandle) Cancel() { h.cancel() }
