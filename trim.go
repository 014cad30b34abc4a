package penguin

import (
	"context"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TrimPolicy selects what happens to middle messages that fall outside
// the token budget.
type TrimPolicy string

const (
	// TrimDropMiddle removes over-budget middle messages from the
	// projection.
	TrimDropMiddle TrimPolicy = "drop_middle"
	// TrimSummarizeMiddle replaces over-budget middle messages with a
	// single summary message. Falls back to dropping when no summarizer
	// is configured or the summarizer fails.
	TrimSummarizeMiddle TrimPolicy = "summarize_middle"
)

// Summarizer condenses a run of messages into one summary string.
// GatewaySummarizer adapts a ModelGateway into one.
type Summarizer func(ctx context.Context, msgs []Message) (string, error)

// TokenCounter estimates the token cost of a string. The default uses
// tiktoken's cl100k_base encoding with a runes/4 heuristic fallback when
// the encoding cannot be loaded.
type TokenCounter func(s string) int

// TrimOptions bounds the context projection produced by Trim.
type TrimOptions struct {
	// MaxTokens is the budget. Zero or negative means unbounded.
	MaxTokens int
	Policy    TrimPolicy
	// Summarizer is consulted for TrimSummarizeMiddle.
	Summarizer Summarizer
	// Counter overrides the default token counter.
	Counter TokenCounter
}

// summaryHeader prefixes the synthetic message inserted by
// summarize_middle so the model can tell it from real history.
const summaryHeader = "[Summary of earlier conversation]\n"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// DefaultTokenCounter counts tokens with cl100k_base, falling back to a
// runes/4 estimate if the encoding is unavailable.
func DefaultTokenCounter(s string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(s, nil, nil))
	}
	return len([]rune(s))/4 + 1
}

// TokenCount sums the counter over the content of msgs.
func TokenCount(msgs []Message, counter TokenCounter) int {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	var total int
	for _, m := range msgs {
		total += counter(m.Content)
	}
	return total
}

// Trim produces a token-bounded projection of the session's active
// branch: the system preamble, pinned messages, and as much of the
// recent tail as fits. Middle messages outside the budget are dropped or
// summarized per the policy. The underlying log is never mutated.
func (c *ConversationStore) Trim(ctx context.Context, sessionID string, opts TrimOptions) ([]Message, error) {
	msgs, err := c.Range(sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens <= 0 || len(msgs) == 0 {
		return msgs, nil
	}
	counter := opts.Counter
	if counter == nil {
		counter = DefaultTokenCounter
	}

	// The leading run of system messages is the preamble.
	preambleEnd := 0
	for preambleEnd < len(msgs) && msgs[preambleEnd].Role == RoleSystem {
		preambleEnd++
	}

	keep := make([]bool, len(msgs))
	budget := opts.MaxTokens
	for i := 0; i < preambleEnd; i++ {
		keep[i] = true
		budget -= counter(msgs[i].Content)
	}
	for i := preambleEnd; i < len(msgs); i++ {
		if msgs[i].Pinned {
			keep[i] = true
			budget -= counter(msgs[i].Content)
		}
	}

	// Fill the tail newest-first with whatever budget remains.
	for i := len(msgs) - 1; i >= preambleEnd; i-- {
		if keep[i] {
			continue
		}
		cost := counter(msgs[i].Content)
		if cost > budget {
			break
		}
		keep[i] = true
		budget -= cost
	}

	var dropped []Message
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		} else {
			dropped = append(dropped, m)
		}
	}
	if len(dropped) == 0 {
		return out, nil
	}

	if opts.Policy == TrimSummarizeMiddle && opts.Summarizer != nil {
		summary, err := opts.Summarizer(ctx, dropped)
		if err != nil {
			c.logger.Warn("trim summarizer failed, dropping middle", "session", sessionID, "error", err)
		} else if summary != "" {
			sm := Message{
				Role:    RoleSystem,
				Content: summaryHeader + summary,
				Type:    TypeStatus,
			}
			// The summary stands where the dropped run began.
			insertAt := preambleEnd
			for i, m := range out {
				if m.ID > dropped[0].ID {
					insertAt = i
					break
				}
				insertAt = i + 1
			}
			out = append(out[:insertAt], append([]Message{sm}, out[insertAt:]...)...)
		}
	}
	c.logger.Debug("context trimmed",
		"session", sessionID,
		"kept", len(out),
		"dropped", len(dropped),
		"policy", string(opts.Policy))
	return out, nil
}

// GatewaySummarizer builds a Summarizer that asks gw to condense the
// dropped messages. model selects the summarization model.
func GatewaySummarizer(gw ModelGateway, model ModelConfig) Summarizer {
	return func(ctx context.Context, msgs []Message) (string, error) {
		var b strings.Builder
		for _, m := range msgs {
			b.WriteString(string(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n---\n")
		}
		req := ModelRequest{
			Messages: []PromptMessage{
				{Role: RoleSystem, Content: "Summarize the following conversation excerpt concisely. Preserve key facts, decisions, file paths, and errors. Omit redundant details."},
				{Role: RoleUser, Content: b.String()},
			},
			Model: model,
		}
		resp, err := collectStream(ctx, gw, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}
