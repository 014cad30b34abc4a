// Package openaicompat implements penguin.ModelGateway for any
// OpenAI-compatible chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, and any other provider that
// implements the OpenAI chat completions API. Reasoning deltas are read
// from the reasoning_content field used by DeepSeek-style providers.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Maximooch/penguin"
)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// Gateway streams chat completions from an OpenAI-compatible endpoint.
type Gateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ penguin.ModelGateway = (*Gateway)(nil)

// New creates a Gateway. baseURL is the API base (e.g.
// "https://api.openai.com/v1", "http://localhost:11434/v1"); the
// /chat/completions path is appended automatically.
func New(apiKey, baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stream sends the request with stream=true and relays SSE deltas into
// ch. The channel is closed before returning. HTTP 429 and 5xx map to
// transient gateway errors carrying any Retry-After hint.
func (g *Gateway) Stream(ctx context.Context, req penguin.ModelRequest, ch chan<- penguin.StreamDelta) (penguin.ModelResponse, error) {
	payload, err := json.Marshal(buildBody(req))
	if err != nil {
		close(ch)
		return penguin.ModelResponse{}, penguin.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	url := g.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		close(ch)
		return penguin.ModelResponse{}, penguin.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		close(ch)
		if ctx.Err() != nil {
			return penguin.ModelResponse{}, ctx.Err()
		}
		return penguin.ModelResponse{}, penguin.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return penguin.ModelResponse{}, httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

func buildBody(req penguin.ModelRequest) chatRequest {
	body := chatRequest{
		Model:         req.Model.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.Model.MaxTokens > 0 {
		body.MaxTokens = req.Model.MaxTokens
	}
	if req.Model.Temperature != 0 {
		t := req.Model.Temperature
		body.Temperature = &t
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return body
}

// httpErr classifies a non-200 response. 429 and 5xx are transient;
// everything else (auth, bad request) is permanent.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &penguin.ErrGateway{
			Transient:  true,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        err,
		}
	}
	return penguin.Permanent(err)
}

// parseRetryAfter handles the delay-seconds form of the header. The
// HTTP-date form is rare on LLM APIs and is ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
