package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Maximooch/penguin"
)

const sseFixture = `data: {"id":"1","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"thinking"}}]}

data: {"id":"1","choices":[{"index":0,"delta":{"content":"hi "}}]}

data: {"id":"1","choices":[{"index":0,"delta":{"content":"there"}}]}

data: {"id":"1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}

data: [DONE]
`

func drain(ch <-chan penguin.StreamDelta) []penguin.StreamDelta {
	var out []penguin.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestStreamSSE(t *testing.T) {
	ch := make(chan penguin.StreamDelta, 16)
	resp, err := streamSSE(context.Background(), strings.NewReader(sseFixture), ch)
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi there")
	}
	if resp.Reasoning != "thinking" {
		t.Errorf("Reasoning = %q, want %q", resp.Reasoning, "thinking")
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	deltas := drain(ch)
	if len(deltas) != 3 {
		t.Fatalf("deltas = %+v, want 3", deltas)
	}
	if deltas[0].Kind != penguin.DeltaReasoning || deltas[0].Text != "thinking" {
		t.Errorf("first delta = %+v", deltas[0])
	}
	if deltas[1].Kind != penguin.DeltaContent || deltas[1].Text != "hi " {
		t.Errorf("second delta = %+v", deltas[1])
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	in := "data: not json\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n"
	ch := make(chan penguin.StreamDelta, 4)
	resp, err := streamSSE(context.Background(), strings.NewReader(in), ch)
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseFixture)
	}))
	defer srv.Close()

	g := New("key", srv.URL)
	ch := make(chan penguin.StreamDelta, 16)
	resp, err := g.Stream(context.Background(), penguin.ModelRequest{
		Messages: []penguin.PromptMessage{{Role: penguin.RoleUser, Content: "hello"}},
		Model:    penguin.ModelConfig{Model: "test-model", MaxTokens: 100},
	}, ch)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drain(ch)
	if resp.Content != "hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if !gotBody.Stream || gotBody.Model != "test-model" || gotBody.MaxTokens != 100 {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
}

func TestStreamRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := New("", srv.URL)
	ch := make(chan penguin.StreamDelta, 1)
	_, err := g.Stream(context.Background(), penguin.ModelRequest{}, ch)
	var ge *penguin.ErrGateway
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want ErrGateway", err)
	}
	if !ge.Transient {
		t.Error("429 should be transient")
	}
	if ge.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", ge.RetryAfter)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed on error")
	}
}

func TestStreamAuthErrorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := New("", srv.URL)
	ch := make(chan penguin.StreamDelta, 1)
	_, err := g.Stream(context.Background(), penguin.ModelRequest{}, ch)
	var ge *penguin.ErrGateway
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want ErrGateway", err)
	}
	if ge.Transient {
		t.Error("401 should be permanent")
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.in); got != c.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
