package penguin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedCall is one scripted gateway turn: deltas streamed in order,
// then the final response or error.
type scriptedCall struct {
	deltas []StreamDelta
	resp   ModelResponse
	err    error
	// block, when non-nil, is closed by the test to release the call
	// after the first delta was sent. Used for cancellation tests.
	block chan struct{}
}

// mockGateway replays scripted calls. The last script entry repeats when
// calls outnumber entries.
type mockGateway struct {
	mu       sync.Mutex
	script   []scriptedCall
	calls    int
	requests []ModelRequest
}

func (m *mockGateway) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamDelta) (ModelResponse, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	call := m.script[idx]
	m.mu.Unlock()

	defer close(ch)
	for i, d := range call.deltas {
		select {
		case ch <- d:
		case <-ctx.Done():
			return ModelResponse{}, ctx.Err()
		}
		if i == 0 && call.block != nil {
			select {
			case <-call.block:
			case <-ctx.Done():
				return ModelResponse{}, ctx.Err()
			}
		}
	}
	if call.err != nil {
		return ModelResponse{}, call.err
	}
	if ctx.Err() != nil {
		return ModelResponse{}, ctx.Err()
	}
	return call.resp, nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// textCall scripts a plain content response split into the given deltas.
func textCall(text string, chunks ...string) scriptedCall {
	var deltas []StreamDelta
	for _, c := range chunks {
		deltas = append(deltas, StreamDelta{Text: c, Kind: DeltaContent})
	}
	return scriptedCall{
		deltas: deltas,
		resp:   ModelResponse{Content: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func TestCollectStream(t *testing.T) {
	gw := &mockGateway{script: []scriptedCall{textCall("hi there", "hi ", "there")}}
	resp, err := collectStream(context.Background(), gw, ModelRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi there")
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	gw := &mockGateway{script: []scriptedCall{
		{err: Transient(errors.New("rate limited"))},
		textCall("ok"),
	}}
	wrapped := WithRetry(gw, RetryBaseDelay(time.Millisecond))

	resp, err := collectStream(context.Background(), wrapped, ModelRequest{})
	if err != nil {
		t.Fatalf("err = %v, want success after retry", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if gw.callCount() != 2 {
		t.Errorf("calls = %d, want 2", gw.callCount())
	}
}

func TestRetryPermanentNotRetried(t *testing.T) {
	permanent := Permanent(errors.New("bad request"))
	gw := &mockGateway{script: []scriptedCall{{err: permanent}}}
	wrapped := WithRetry(gw, RetryBaseDelay(time.Millisecond))

	_, err := collectStream(context.Background(), wrapped, ModelRequest{})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want the permanent error", err)
	}
	if gw.callCount() != 1 {
		t.Errorf("calls = %d, want 1", gw.callCount())
	}
}

func TestRetryExhausted(t *testing.T) {
	transient := Transient(errors.New("still down"))
	gw := &mockGateway{script: []scriptedCall{{err: transient}}}
	wrapped := WithRetry(gw, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := collectStream(context.Background(), wrapped, ModelRequest{})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want last transient error", err)
	}
	if gw.callCount() != 3 {
		t.Errorf("calls = %d, want 3", gw.callCount())
	}
}

func TestRetryNotAfterDeltasSent(t *testing.T) {
	// A transient error after streaming began passes through: retrying
	// would duplicate content the consumer already saw.
	gw := &mockGateway{script: []scriptedCall{
		{
			deltas: []StreamDelta{{Text: "partial", Kind: DeltaContent}},
			err:    Transient(errors.New("connection reset")),
		},
		textCall("never reached"),
	}}
	wrapped := WithRetry(gw, RetryBaseDelay(time.Millisecond))

	_, err := collectStream(context.Background(), wrapped, ModelRequest{})
	if err == nil {
		t.Fatal("expected mid-stream error to surface")
	}
	if gw.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retry after deltas)", gw.callCount())
	}
}

func TestRetryRelaysDeltas(t *testing.T) {
	gw := &mockGateway{script: []scriptedCall{
		{err: Transient(errors.New("blip"))},
		textCall("ab", "a", "b"),
	}}
	wrapped := WithRetry(gw, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamDelta, 16)
	done := make(chan struct{})
	var got []string
	go func() {
		defer close(done)
		for d := range ch {
			got = append(got, d.Text)
		}
	}()
	if _, err := wrapped.Stream(context.Background(), ModelRequest{}, ch); err != nil {
		t.Fatal(err)
	}
	<-done
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("deltas = %v, want [a b]", got)
	}
}

func TestRateLimitRPMBlocks(t *testing.T) {
	gw := &mockGateway{script: []scriptedCall{textCall("ok")}}
	wrapped := WithRateLimit(gw, RPM(1))

	if _, err := collectStream(context.Background(), wrapped, ModelRequest{}); err != nil {
		t.Fatal(err)
	}

	// Second request exceeds RPM(1); it must block until ctx expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := collectStream(ctx, wrapped, ModelRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded while budget blocked", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	if !isTransient(Transient(errors.New("x"))) {
		t.Error("Transient not classified as transient")
	}
	if isTransient(Permanent(errors.New("x"))) {
		t.Error("Permanent classified as transient")
	}
	if isTransient(errCancelled) {
		t.Error("cancellation classified as transient")
	}
	if isTransient(nil) {
		t.Error("nil classified as transient")
	}
}

func TestRetryAfterHintFloorsDelay(t *testing.T) {
	hinted := &ErrGateway{Transient: true, RetryAfter: 30 * time.Millisecond, Err: errors.New("429")}
	if d := retryDelay(time.Millisecond, 0, hinted); d < 30*time.Millisecond {
		t.Errorf("delay = %v, want at least the RetryAfter hint", d)
	}
}
