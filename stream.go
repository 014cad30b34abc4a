package penguin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StreamPolicy decides what happens when a second live stream is started
// for a target that already has one.
type StreamPolicy string

const (
	// CancelPrevious deterministically cancels the live stream, waits
	// for it to wind down, then starts the new one.
	CancelPrevious StreamPolicy = "cancel_previous"
	// FailSecond rejects the new stream with ErrConcurrentStream.
	FailSecond StreamPolicy = "fail_second"
)

// MuxOption configures a StreamMultiplexer.
type MuxOption func(*StreamMultiplexer)

// MuxCoalesce sets the emission coalescing bounds: a flush happens every
// chars buffered characters or every interval, whichever comes first
// (defaults: 48 chars, 50ms).
func MuxCoalesce(chars int, interval time.Duration) MuxOption {
	return func(m *StreamMultiplexer) {
		m.coalesceChars = chars
		m.coalesceEvery = interval
	}
}

// MuxPolicy sets the concurrent-stream policy (default: CancelPrevious).
func MuxPolicy(p StreamPolicy) MuxOption {
	return func(m *StreamMultiplexer) { m.policy = p }
}

// MuxLogger sets the structured logger.
func MuxLogger(l *slog.Logger) MuxOption {
	return func(m *StreamMultiplexer) { m.logger = l }
}

// liveStream tracks one in-flight stream for the concurrency guard.
type liveStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamMultiplexer consumes a gateway's delta stream and republishes it
// as coalesced events, keeping content and reasoning in separate buffers
// and on separate topics. Each Run consumes its stream exactly once; at
// most one live stream exists per target at any moment, enforced by the
// configured StreamPolicy.
type StreamMultiplexer struct {
	events        *EventBus
	coalesceChars int
	coalesceEvery time.Duration
	policy        StreamPolicy
	logger        *slog.Logger

	mu   sync.Mutex
	live map[string]*liveStream
}

// NewStreamMultiplexer creates a multiplexer publishing stream.* events
// to events (nil = accumulate only, no events).
func NewStreamMultiplexer(events *EventBus, opts ...MuxOption) *StreamMultiplexer {
	m := &StreamMultiplexer{
		events:        events,
		coalesceChars: 48,
		coalesceEvery: 50 * time.Millisecond,
		policy:        CancelPrevious,
		logger:        nopLogger,
		live:          make(map[string]*liveStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.coalesceChars <= 0 {
		m.coalesceChars = 48
	}
	if m.coalesceEvery <= 0 {
		m.coalesceEvery = 50 * time.Millisecond
	}
	return m
}

// Run streams one gateway request for target (the subscriber target,
// normally an agent id), publishing stream.start, coalesced
// stream.chunk/stream.reasoning events, and a terminal stream.end or
// stream.cancelled. It returns the accumulated response; on
// cancellation the returned error is ctx.Err() and the partial
// accumulation is still returned.
func (m *StreamMultiplexer) Run(ctx context.Context, target, sessionID string, gw ModelGateway, req ModelRequest) (ModelResponse, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := m.acquire(ctx, target, cancel)
	if err != nil {
		return ModelResponse{}, err
	}
	defer release()

	m.publish(TopicStreamStart, target, sessionID, nil)

	ch := make(chan StreamDelta, 64)
	var (
		resp   ModelResponse
		gwErr  error
		gwDone = make(chan struct{})
	)
	go func() {
		defer close(gwDone)
		resp, gwErr = gw.Stream(streamCtx, req, ch)
	}()

	var content, reasoning strings.Builder
	var pendingContent, pendingReasoning strings.Builder

	flush := func() {
		if pendingContent.Len() > 0 {
			m.publish(TopicStreamChunk, target, sessionID, pendingContent.String())
			pendingContent.Reset()
		}
		if pendingReasoning.Len() > 0 {
			m.publish(TopicStreamReasoning, target, sessionID, pendingReasoning.String())
			pendingReasoning.Reset()
		}
	}

	ticker := time.NewTicker(m.coalesceEvery)
	defer ticker.Stop()

	cancelled := false
consume:
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				break consume
			}
			switch d.Kind {
			case DeltaReasoning:
				reasoning.WriteString(d.Text)
				pendingReasoning.WriteString(d.Text)
				if pendingReasoning.Len() >= m.coalesceChars {
					flush()
				}
			default:
				content.WriteString(d.Text)
				pendingContent.WriteString(d.Text)
				if pendingContent.Len() >= m.coalesceChars {
					flush()
				}
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			cancelled = true
			cancel()
			// Drain until the gateway notices the cancellation and
			// closes the channel; nothing more is emitted.
			for range ch {
			}
			break consume
		}
	}
	<-gwDone

	// streamCtx dying without the caller's ctx means another Run took
	// over the target under CancelPrevious.
	if cancelled || streamCtx.Err() != nil {
		m.publish(TopicStreamCancelled, target, sessionID, nil)
		m.logger.Info("stream cancelled", "target", target)
		return m.fill(resp, &content, &reasoning), streamCtx.Err()
	}

	// The final flush drains both buffers before the terminal event.
	flush()
	m.publish(TopicStreamEnd, target, sessionID, nil)
	if gwErr != nil {
		return ModelResponse{}, gwErr
	}
	return m.fill(resp, &content, &reasoning), nil
}

// fill backstops the gateway's accumulated response with the deltas the
// multiplexer itself accumulated.
func (m *StreamMultiplexer) fill(resp ModelResponse, content, reasoning *strings.Builder) ModelResponse {
	if resp.Content == "" {
		resp.Content = content.String()
	}
	if resp.Reasoning == "" {
		resp.Reasoning = reasoning.String()
	}
	return resp
}

// acquire enforces the single-live-stream guard for target. cancel is
// the new stream's cancel function, registered so a later CancelPrevious
// acquisition can stop it. The returned release must be called when the
// stream winds down.
func (m *StreamMultiplexer) acquire(ctx context.Context, target string, cancel context.CancelFunc) (func(), error) {
	for {
		m.mu.Lock()
		prev, ok := m.live[target]
		if !ok {
			ls := &liveStream{cancel: cancel, done: make(chan struct{})}
			m.live[target] = ls
			m.mu.Unlock()
			release := func() {
				m.mu.Lock()
				if m.live[target] == ls {
					delete(m.live, target)
				}
				m.mu.Unlock()
				close(ls.done)
			}
			return release, nil
		}
		m.mu.Unlock()

		if m.policy == FailSecond {
			return nil, &ErrConcurrentStream{Target: target}
		}
		// CancelPrevious: stop the live stream, wait for it to release,
		// then retry the acquisition.
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *StreamMultiplexer) publish(topic, target, sessionID string, payload any) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{
		Topic:     topic,
		AgentID:   target,
		SessionID: sessionID,
		Payload:   payload,
	})
}
