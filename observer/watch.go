package observer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Maximooch/penguin"
)

// Watcher subscribes to a penguin EventBus and records metrics for core
// events. It keeps the core free of any OTEL dependency: wiring a
// Watcher is the only step needed to get runtime metrics.
type Watcher struct {
	inst *Instruments

	mu   sync.Mutex
	sub  *penguin.Subscription
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewWatcher creates a Watcher recording into inst.
func NewWatcher(inst *Instruments) *Watcher {
	return &Watcher{inst: inst}
}

// Start subscribes to the bus and begins recording. Call Stop to detach.
func (w *Watcher) Start(ctx context.Context, events *penguin.EventBus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.sub = events.Subscribe(penguin.EventFilter{})
	w.wg.Add(1)
	go w.run(ctx, w.sub)
}

// Stop detaches the bus subscription and waits for the recorder to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	sub, stop := w.sub, w.stop
	w.sub, w.stop = nil, nil
	w.mu.Unlock()
	if sub == nil {
		return
	}
	stop()
	sub.Close()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context, sub *penguin.Subscription) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			w.record(ctx, ev)
		}
	}
}

func (w *Watcher) record(ctx context.Context, ev penguin.Event) {
	switch ev.Topic {
	case penguin.TopicMessageAppended:
		attrs := metric.WithAttributes(attribute.String("type", string(ev.Type)))
		w.inst.MessagesAppended.Add(ctx, 1, attrs)
	case penguin.TopicActionStarted:
		w.inst.ActionsStarted.Add(ctx, 1, actionAttrs(ev))
	case penguin.TopicActionCompleted:
		w.inst.ActionsCompleted.Add(ctx, 1, actionAttrs(ev))
	case penguin.TopicStreamStart:
		w.inst.StreamsStarted.Add(ctx, 1)
	case penguin.TopicStreamCancelled:
		w.inst.StreamsCancelled.Add(ctx, 1)
	case penguin.TopicCheckpoint:
		if cp, ok := ev.Payload.(penguin.Checkpoint); ok {
			attrs := metric.WithAttributes(attribute.String("kind", string(cp.Kind)))
			w.inst.Checkpoints.Add(ctx, 1, attrs)
		} else {
			w.inst.Checkpoints.Add(ctx, 1)
		}
	case penguin.TopicBusMessage:
		w.inst.BusMessages.Add(ctx, 1)
	case penguin.TopicEngineError:
		w.inst.EngineErrors.Add(ctx, 1)
	case penguin.TopicAgentState:
		if sc, ok := ev.Payload.(penguin.StateChange); ok {
			attrs := metric.WithAttributes(attribute.String("to", string(sc.To)))
			w.inst.StateChanges.Add(ctx, 1, attrs)
		} else {
			w.inst.StateChanges.Add(ctx, 1)
		}
	case penguin.TopicEngineProgress:
		if st, ok := ev.Payload.(penguin.EngineState); ok {
			w.inst.TaskTokens.Record(ctx, int64(st.TokensIn+st.TokensOut))
		}
	}
}

func actionAttrs(ev penguin.Event) metric.MeasurementOption {
	name, _ := ev.Payload.(string)
	return metric.WithAttributes(attribute.String("action", name))
}
