package penguin

import (
	"strings"
	"time"
)

// EngineState is the per-run snapshot checked by stop conditions and
// published on engine.progress events.
type EngineState struct {
	AgentID   string    `json:"agent_id"`
	Iteration int       `json:"iteration"`
	StartTime time.Time `json:"start_time"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	// LastMessage is the most recent assistant content.
	LastMessage string `json:"last_message,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	// PendingActions counts the actions parsed from the last assistant
	// response; their observations feed the next iteration.
	PendingActions int `json:"pending_actions,omitempty"`
}

// Elapsed returns the wall-clock time since the run started.
func (s EngineState) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// StopCondition decides whether a task should stop after the current
// iteration. The returned reason names the condition in
// TaskResult.StopReason. Conditions are evaluated at iteration
// boundaries only, never mid-action.
type StopCondition func(s EngineState) (stop bool, reason string)

// StopOnTokenBudget stops once total token consumption (input + output)
// reaches maxTokens.
func StopOnTokenBudget(maxTokens int) StopCondition {
	return func(s EngineState) (bool, string) {
		return s.TokensIn+s.TokensOut >= maxTokens, "token_budget"
	}
}

// StopOnWallClock stops once the run has been going for at least d.
func StopOnWallClock(d time.Duration) StopCondition {
	return func(s EngineState) (bool, string) {
		return s.Elapsed() >= d, "wall_clock"
	}
}

// StopOnCompletionPhrase stops when the last assistant message contains
// phrase. The engine-level completion phrase (EngineCompletionPhrase) is
// checked the same way; this variant scopes a phrase to one task.
func StopOnCompletionPhrase(phrase string) StopCondition {
	return func(s EngineState) (bool, string) {
		return phrase != "" && strings.Contains(s.LastMessage, phrase), "completion_phrase"
	}
}

// StopWhen adapts an arbitrary predicate into a StopCondition.
func StopWhen(fn func(EngineState) bool, reason string) StopCondition {
	return func(s EngineState) (bool, string) {
		return fn(s), reason
	}
}
