// Package penguin is the core execution and coordination engine of the
// Penguin coding-agent runtime.
//
// It turns a user prompt into a bounded reason→act→observe loop,
// coordinates cooperating agents in one process, streams model output
// incrementally, and preserves conversation state across interruptions.
//
// The building blocks compose freely:
//
//   - ConversationStore: per-session append-only message log with
//     checkpoints, branching, rollback, and read-time context trimming.
//   - Engine: drives a single turn (RunTurn) or a bounded multi-step
//     task (RunTask) against a ModelGateway, with pluggable stop
//     conditions.
//   - ActionParser + ActionExecutor: extract tagged invocations from
//     assistant output and dispatch them to registered tool handlers.
//   - EventBus: in-process pub/sub consumed by UIs and telemetry.
//   - MessageBus + AgentRegistry + Coordinator: multi-agent routing,
//     lifecycle, and higher-order patterns (broadcast, round-robin,
//     role chains).
//   - StreamMultiplexer: splits a provider token stream into content
//     and reasoning substreams with coalesced emission.
//
// LLM providers, concrete tools, and user interfaces live outside the
// core; it consumes them through the ModelGateway, ToolFunc, and
// EventBus surfaces respectively. Subpackages supply batteries: journal
// backends under store/, an OpenAI-compatible gateway under gateway/,
// and OTEL observability under observer/. A Runtime value wires
// everything together; tests may instantiate any number of isolated
// runtimes.
package penguin
