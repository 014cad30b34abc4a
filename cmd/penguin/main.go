// Command penguin runs a single agent task against an OpenAI-compatible
// model: load config, wire the runtime with a journal backend, create an
// agent, run the prompt from argv, print the streamed output.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Maximooch/penguin"
	"github.com/Maximooch/penguin/gateway/openaicompat"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/observer"
	"github.com/Maximooch/penguin/store/file"
	"github.com/Maximooch/penguin/store/postgres"
	"github.com/Maximooch/penguin/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: penguin <prompt>")
		os.Exit(2)
	}
	prompt := strings.Join(os.Args[1:], " ")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("PENGUIN_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Journal backend
	journal, cleanup, err := openJournal(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer cleanup()

	// 3. Runtime options from config
	opts := append(cfg.RuntimeOptions(),
		penguin.WithGateway(openaicompat.New(cfg.Model.APIKey, cfg.Model.BaseURL)),
		penguin.WithLogger(logger),
	)
	if journal != nil {
		opts = append(opts, penguin.WithJournal(journal))
	}
	var watcher *observer.Watcher
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer shutdown(context.Background())
		watcher = observer.NewWatcher(inst)
		defer watcher.Stop()
		opts = append(opts, penguin.WithTracer(observer.NewTracer()))
	}

	rt, err := penguin.NewRuntime(opts...)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start runtime: %v", err)
	}
	defer rt.Stop()
	if watcher != nil {
		watcher.Start(ctx, rt.Events())
	}

	// 4. Mirror the agent's stream to stdout
	sub := rt.Events().Subscribe(penguin.EventFilter{
		Topics: []string{penguin.TopicStreamChunk, penguin.TopicStreamEnd},
	})
	defer sub.Close()
	go func() {
		for ev := range sub.C() {
			if ev.Topic == penguin.TopicStreamChunk {
				if s, ok := ev.Payload.(string); ok {
					fmt.Print(s)
				}
				continue
			}
			fmt.Println()
		}
	}()

	// 5. Create the agent and run the task
	ag, err := rt.Registry().Create(ctx, penguin.AgentSpec{
		Persona: "You are a helpful autonomous assistant.",
		Model: penguin.ModelConfig{
			Model:         cfg.Model.Model,
			MaxTokens:     cfg.Model.MaxTokens,
			Temperature:   cfg.Model.Temperature,
			ContextWindow: cfg.Model.ContextWindow,
		},
	})
	if err != nil {
		log.Fatalf("create agent: %v", err)
	}

	result, err := rt.Engine().RunTask(ctx, ag.ID, prompt, nil, cfg.Engine.MaxIterations)
	if err != nil {
		log.Fatalf("run task: %v", err)
	}
	logger.Info("task finished",
		"status", string(result.Status),
		"iterations", result.Iterations,
		"stop_reason", result.StopReason,
		"tokens_in", result.Usage.InputTokens,
		"tokens_out", result.Usage.OutputTokens,
	)
	if result.Status != penguin.TaskCompleted {
		os.Exit(1)
	}
}

// openJournal builds the configured journal. The cleanup func closes
// whatever the backend opened; memory returns a nil journal.
func openJournal(ctx context.Context, cfg config.StorageConfig) (penguin.Journal, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return nil, func() {}, nil
	case "file":
		j, err := file.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	case "sqlite":
		j := sqlite.New(cfg.Path)
		if err := j.Init(ctx); err != nil {
			j.Close()
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		j := postgres.New(pool)
		if err := j.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return j, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
