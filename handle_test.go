package penguin

import (
	"context"
	"testing"
	"time"
)

func TestStartTaskCompletes(t *testing.T) {
	env := newEngineEnv(t, []scriptedCall{textCall("all wrapped up")})

	h := env.engine.StartTask(context.Background(), env.agent.ID, "go", nil, 5)
	res, err := h.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != TaskCompleted || res.Content != "all wrapped up" {
		t.Errorf("result = %+v", res)
	}
	if h.State() != RunCompleted {
		t.Errorf("state = %s, want completed", h.State())
	}
}

func TestStartTaskCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	env := newEngineEnv(t, []scriptedCall{{
		deltas: []StreamDelta{{Text: "partial", Kind: DeltaContent}, {Text: "x", Kind: DeltaContent}},
		block:  block,
	}})
	sub := env.events.Subscribe(EventFilter{Topics: []string{TopicStreamChunk}})
	defer sub.Close()

	h := env.engine.StartTask(context.Background(), env.agent.ID, "go", nil, 5)
	recvEvent(t, sub)
	h.Cancel()

	res, err := h.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != TaskCancelled {
		t.Errorf("Status = %s, want cancelled", res.Status)
	}
	if h.State() != RunCancelled {
		t.Errorf("state = %s, want cancelled", h.State())
	}
}

func TestStartTaskResultBeforeDone(t *testing.T) {
	block := make(chan struct{})
	env := newEngineEnv(t, []scriptedCall{{
		deltas: []StreamDelta{{Text: "x", Kind: DeltaContent}},
		block:  block,
	}})

	h := env.engine.StartTask(context.Background(), env.agent.ID, "go", nil, 5)
	if res, err := h.Result(); err != nil || res.Status != "" {
		t.Errorf("premature result = %+v, %v", res, err)
	}
	close(block)
	if _, err := h.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	if res, _ := h.Result(); res.Status != TaskCompleted {
		t.Errorf("result after done = %+v", res)
	}
}

func TestStartTaskAwaitRespectsCaller(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	env := newEngineEnv(t, []scriptedCall{{
		deltas: []StreamDelta{{Text: "x", Kind: DeltaContent}},
		block:  block,
	}})

	h := env.engine.StartTask(context.Background(), env.agent.ID, "go", nil, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); err == nil {
		t.Fatal("Await returned before the run finished")
	}
	h.Cancel()
}
