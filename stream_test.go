package penguin

import (
	"context"
	"errors"
	"testing"
	"time"
)

func streamTopics() []string {
	return []string{
		TopicStreamStart, TopicStreamChunk, TopicStreamReasoning,
		TopicStreamEnd, TopicStreamCancelled,
	}
}

func TestStreamRunAccumulates(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: streamTopics()})
	defer sub.Close()

	m := NewStreamMultiplexer(events, MuxCoalesce(1, time.Hour))
	gw := &mockGateway{script: []scriptedCall{textCall("hi there", "hi ", "there")}}

	resp, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi there")
	}

	var topics []string
	for {
		ev := recvEvent(t, sub)
		topics = append(topics, ev.Topic)
		if ev.Topic == TopicStreamEnd {
			break
		}
	}
	want := []string{TopicStreamStart, TopicStreamChunk, TopicStreamChunk, TopicStreamEnd}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}
}

func TestStreamReasoningSeparated(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: streamTopics()})
	defer sub.Close()

	m := NewStreamMultiplexer(events, MuxCoalesce(1, time.Hour))
	gw := &mockGateway{script: []scriptedCall{{
		deltas: []StreamDelta{
			{Text: "thinking...", Kind: DeltaReasoning},
			{Text: "answer", Kind: DeltaContent},
		},
		resp: ModelResponse{},
	}}}

	resp, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "answer" || resp.Reasoning != "thinking..." {
		t.Errorf("resp = %+v, want separated buffers", resp)
	}

	for {
		ev := recvEvent(t, sub)
		switch ev.Topic {
		case TopicStreamChunk:
			if ev.Payload.(string) != "answer" {
				t.Errorf("chunk payload = %v", ev.Payload)
			}
		case TopicStreamReasoning:
			if ev.Payload.(string) != "thinking..." {
				t.Errorf("reasoning payload = %v", ev.Payload)
			}
		case TopicStreamEnd:
			return
		}
	}
}

func TestStreamCoalescesByChars(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: []string{TopicStreamChunk, TopicStreamEnd}})
	defer sub.Close()

	// Flush every 4 chars; the timer never fires. The trailing "e" must
	// still drain in the final flush.
	m := NewStreamMultiplexer(events, MuxCoalesce(4, time.Hour))
	gw := &mockGateway{script: []scriptedCall{textCall("abcde", "ab", "cd", "e")}}

	if _, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{}); err != nil {
		t.Fatal(err)
	}
	var chunks []string
	for {
		ev := recvEvent(t, sub)
		if ev.Topic == TopicStreamEnd {
			break
		}
		chunks = append(chunks, ev.Payload.(string))
	}
	if len(chunks) != 2 || chunks[0] != "abcd" || chunks[1] != "e" {
		t.Errorf("chunks = %v, want [abcd e]", chunks)
	}
}

func TestStreamCancellation(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: streamTopics()})
	defer sub.Close()

	block := make(chan struct{})
	defer close(block)
	gw := &mockGateway{script: []scriptedCall{{
		deltas: []StreamDelta{{Text: "first", Kind: DeltaContent}, {Text: "never", Kind: DeltaContent}},
		block:  block,
	}}}
	m := NewStreamMultiplexer(events, MuxCoalesce(1, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		resp ModelResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := m.Run(ctx, "a1", "s1", gw, ModelRequest{})
		resCh <- result{resp, err}
	}()

	// Wait for the first chunk, then cancel.
	for {
		ev := recvEvent(t, sub)
		if ev.Topic == TopicStreamChunk {
			break
		}
	}
	cancel()

	res := <-resCh
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if res.resp.Content != "first" {
		t.Errorf("partial content = %q, want %q", res.resp.Content, "first")
	}

	sawCancelled := false
	for !sawCancelled {
		ev := recvEvent(t, sub)
		switch ev.Topic {
		case TopicStreamCancelled:
			sawCancelled = true
		case TopicStreamEnd:
			t.Fatal("stream.end after cancellation")
		case TopicStreamChunk:
			t.Fatal("chunk emitted after cancellation")
		}
	}
}

func TestStreamGuardFailSecond(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: []string{TopicStreamStart}})
	defer sub.Close()

	block := make(chan struct{})
	gw := &mockGateway{script: []scriptedCall{{
		deltas: []StreamDelta{{Text: "x", Kind: DeltaContent}},
		block:  block,
	}}}
	m := NewStreamMultiplexer(events, MuxPolicy(FailSecond), MuxCoalesce(1, time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
	}()
	recvEvent(t, sub) // first stream is live

	_, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
	var cs *ErrConcurrentStream
	if !errors.As(err, &cs) {
		t.Fatalf("err = %v, want ErrConcurrentStream", err)
	}
	if cs.Target != "a1" {
		t.Errorf("Target = %q, want a1", cs.Target)
	}

	close(block)
	<-done
}

func TestStreamGuardCancelPrevious(t *testing.T) {
	events := NewEventBus()
	sub := events.Subscribe(EventFilter{Topics: streamTopics()})
	defer sub.Close()

	block := make(chan struct{})
	defer close(block)
	gw := &mockGateway{script: []scriptedCall{
		{deltas: []StreamDelta{{Text: "old", Kind: DeltaContent}}, block: block},
		textCall("new"),
	}}
	m := NewStreamMultiplexer(events, MuxPolicy(CancelPrevious), MuxCoalesce(1, time.Hour))

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
		firstErr <- err
	}()
	// Wait until the first stream is live and has emitted.
	for {
		if ev := recvEvent(t, sub); ev.Topic == TopicStreamChunk {
			break
		}
	}

	resp, err := m.Run(context.Background(), "a1", "s1", gw, ModelRequest{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if resp.Content != "new" {
		t.Errorf("Content = %q, want new", resp.Content)
	}
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first Run err = %v, want context.Canceled", err)
	}

	// The first stream ended with stream.cancelled, never two live
	// streams delivering at once.
	sawCancelled := false
	for !sawCancelled {
		ev := recvEvent(t, sub)
		if ev.Topic == TopicStreamCancelled {
			sawCancelled = true
		}
	}
}
