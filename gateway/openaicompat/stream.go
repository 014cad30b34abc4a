package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/Maximooch/penguin"
)

// streamSSE reads an SSE stream from body, relays content and reasoning
// deltas into ch, and returns the accumulated response with usage.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- penguin.StreamDelta) (penguin.ModelResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, reasoning strings.Builder
	var usage penguin.Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage arrives on the final (often choice-less) chunk.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			select {
			case ch <- penguin.StreamDelta{Text: delta.ReasoningContent, Kind: penguin.DeltaReasoning}:
			case <-ctx.Done():
				return penguin.ModelResponse{}, ctx.Err()
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- penguin.StreamDelta{Text: delta.Content, Kind: penguin.DeltaContent}:
			case <-ctx.Done():
				return penguin.ModelResponse{}, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return penguin.ModelResponse{}, ctx.Err()
		}
		return penguin.ModelResponse{}, penguin.Transient(err)
	}

	return penguin.ModelResponse{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Usage:     usage,
	}, nil
}
