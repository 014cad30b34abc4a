// Package observer provides OTEL-based observability for the penguin
// runtime.
//
// It exposes a penguin.Tracer backed by OpenTelemetry and an event-bus
// watcher that turns core events into metrics. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/Maximooch/penguin/observer"

// Instruments holds all OTEL instruments used by the watcher.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	MessagesAppended metric.Int64Counter
	ActionsStarted   metric.Int64Counter
	ActionsCompleted metric.Int64Counter
	StreamsStarted   metric.Int64Counter
	StreamsCancelled metric.Int64Counter
	Checkpoints      metric.Int64Counter
	BusMessages      metric.Int64Counter
	EngineErrors     metric.Int64Counter
	StateChanges     metric.Int64Counter

	// Histograms
	TaskTokens metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("penguin")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	messagesAppended, err := meter.Int64Counter("conversation.messages",
		metric.WithDescription("Messages appended to sessions"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	actionsStarted, err := meter.Int64Counter("action.started",
		metric.WithDescription("Action executions started"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	actionsCompleted, err := meter.Int64Counter("action.completed",
		metric.WithDescription("Action executions finished"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	streamsStarted, err := meter.Int64Counter("stream.started",
		metric.WithDescription("Model streams started"),
		metric.WithUnit("{stream}"))
	if err != nil {
		return nil, err
	}
	streamsCancelled, err := meter.Int64Counter("stream.cancelled",
		metric.WithDescription("Model streams cancelled"),
		metric.WithUnit("{stream}"))
	if err != nil {
		return nil, err
	}
	checkpoints, err := meter.Int64Counter("checkpoint.created",
		metric.WithDescription("Checkpoints created"),
		metric.WithUnit("{checkpoint}"))
	if err != nil {
		return nil, err
	}
	busMessages, err := meter.Int64Counter("bus.messages",
		metric.WithDescription("Inter-agent envelopes routed"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	engineErrors, err := meter.Int64Counter("engine.errors",
		metric.WithDescription("Engine error events"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("agent.state_changes",
		metric.WithDescription("Agent lifecycle transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}
	taskTokens, err := meter.Int64Histogram("engine.task.tokens",
		metric.WithDescription("Token consumption per task progress tick"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           otel.Tracer(scopeName),
		Meter:            meter,
		Logger:           global.GetLoggerProvider().Logger(scopeName),
		MessagesAppended: messagesAppended,
		ActionsStarted:   actionsStarted,
		ActionsCompleted: actionsCompleted,
		StreamsStarted:   streamsStarted,
		StreamsCancelled: streamsCancelled,
		Checkpoints:      checkpoints,
		BusMessages:      busMessages,
		EngineErrors:     engineErrors,
		StateChanges:     stateChanges,
		TaskTokens:       taskTokens,
	}, nil
}
