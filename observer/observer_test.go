package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Maximooch/penguin"
)

// testInstruments creates Instruments against the global OTEL providers,
// which are no-ops by default. Safe for testing delegation behavior
// without a real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestToOTELAttr(t *testing.T) {
	cases := []struct {
		in   penguin.SpanAttr
		want attribute.KeyValue
	}{
		{penguin.StringAttr("s", "v"), attribute.String("s", "v")},
		{penguin.IntAttr("i", 42), attribute.Int("i", 42)},
		{penguin.BoolAttr("b", true), attribute.Bool("b", true)},
		{penguin.Float64Attr("f", 1.5), attribute.Float64("f", 1.5)},
		{penguin.SpanAttr{Key: "i64", Value: int64(7)}, attribute.Int64("i64", 7)},
		{penguin.SpanAttr{Key: "other", Value: []string{"x"}}, attribute.String("other", "[x]")},
	}
	for _, c := range cases {
		if got := toOTELAttr(c.in); got != c.want {
			t.Errorf("toOTELAttr(%+v) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestTracerSpanLifecycle(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "test.op", penguin.StringAttr("k", "v"))
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	span.SetAttr(penguin.IntAttr("n", 1))
	span.Event("checkpoint", penguin.BoolAttr("ok", true))
	span.Error(errors.New("boom"))
	span.End()
}

func TestWatcherRecordsAllTopics(t *testing.T) {
	events := penguin.NewEventBus()
	w := NewWatcher(testInstruments(t))
	w.Start(context.Background(), events)

	// Every topic the watcher handles, with its real payload shape.
	events.Publish(penguin.Event{Topic: penguin.TopicMessageAppended, Type: penguin.TypeMessage, Payload: penguin.Message{}})
	events.Publish(penguin.Event{Topic: penguin.TopicActionStarted, Payload: "run"})
	events.Publish(penguin.Event{Topic: penguin.TopicActionCompleted, Payload: "run"})
	events.Publish(penguin.Event{Topic: penguin.TopicStreamStart})
	events.Publish(penguin.Event{Topic: penguin.TopicStreamCancelled})
	events.Publish(penguin.Event{Topic: penguin.TopicCheckpoint, Payload: penguin.Checkpoint{Kind: penguin.CheckpointAuto}})
	events.Publish(penguin.Event{Topic: penguin.TopicBusMessage})
	events.Publish(penguin.Event{Topic: penguin.TopicEngineError, Payload: "bad"})
	events.Publish(penguin.Event{Topic: penguin.TopicAgentState, Payload: penguin.StateChange{To: penguin.StateActive}})
	events.Publish(penguin.Event{Topic: penguin.TopicEngineProgress, Payload: penguin.EngineState{TokensIn: 10, TokensOut: 5}})

	// Give the recorder goroutine a moment to drain before stopping.
	time.Sleep(20 * time.Millisecond)
	w.Stop()
}

func TestWatcherStopIdempotent(t *testing.T) {
	events := penguin.NewEventBus()
	w := NewWatcher(testInstruments(t))
	w.Start(context.Background(), events)
	w.Stop()
	w.Stop()
}

func TestWatcherStartTwice(t *testing.T) {
	events := penguin.NewEventBus()
	w := NewWatcher(testInstruments(t))
	w.Start(context.Background(), events)
	w.Start(context.Background(), events)
	w.Stop()
}
