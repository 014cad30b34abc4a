// Package config loads the penguin CLI configuration: defaults, then a
// TOML file, then environment overrides (env wins).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Maximooch/penguin"
)

type Config struct {
	Model      ModelConfig      `toml:"model"`
	Storage    StorageConfig    `toml:"storage"`
	Engine     EngineConfig     `toml:"engine"`
	Context    ContextConfig    `toml:"context"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Stream     StreamConfig     `toml:"stream"`
	Bus        BusConfig        `toml:"bus"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ModelConfig struct {
	BaseURL       string  `toml:"base_url"`
	Model         string  `toml:"model"`
	APIKey        string  `toml:"api_key"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
	ContextWindow int     `toml:"context_window"`
}

type StorageConfig struct {
	// Backend selects the journal: memory, file, sqlite, or postgres.
	Backend string `toml:"backend"`
	// Path is the file-journal directory or the SQLite database file.
	Path string `toml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `toml:"dsn"`
}

type EngineConfig struct {
	MaxIterations         int         `toml:"max_iterations"`
	CompletionPhrase      string      `toml:"completion_phrase"`
	EmptyResponseRecovery bool        `toml:"empty_response_recovery"`
	Retry                 RetryConfig `toml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type ContextConfig struct {
	MaxTokens int `toml:"max_tokens"`
	// TrimPolicy is drop_middle or summarize_middle.
	TrimPolicy string `toml:"trim_policy"`
}

type CheckpointConfig struct {
	// AutoEvery is the assistant-message cadence; 0 disables automatic
	// checkpointing.
	AutoEvery      int `toml:"auto_every"`
	RetentionHours int `toml:"retention_hours"`
	MinAutoKept    int `toml:"min_auto_kept"`
}

type StreamConfig struct {
	CoalesceChars int `toml:"coalesce_chars"`
	CoalesceMS    int `toml:"coalesce_ms"`
}

type BusConfig struct {
	QueueMax int `toml:"queue_max"`
	// DropPolicy is drop_oldest or fail.
	DropPolicy string `toml:"drop_policy"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Storage: StorageConfig{Backend: "file", Path: "penguin-data"},
		Engine: EngineConfig{
			MaxIterations:         10,
			CompletionPhrase:      "TASK_COMPLETE",
			EmptyResponseRecovery: true,
			Retry:                 RetryConfig{MaxAttempts: 3, BaseDelayMS: 1000},
		},
		Context:    ContextConfig{TrimPolicy: "drop_middle"},
		Checkpoint: CheckpointConfig{AutoEvery: 5, RetentionHours: 24, MinAutoKept: 3},
		Stream:     StreamConfig{CoalesceChars: 48, CoalesceMS: 50},
		Bus:        BusConfig{QueueMax: 128, DropPolicy: "fail"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "penguin.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PENGUIN_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("PENGUIN_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("PENGUIN_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("PENGUIN_POSTGRES_DSN"); v != "" {
		cfg.Storage.Backend = "postgres"
		cfg.Storage.DSN = v
	}
	if os.Getenv("PENGUIN_OBSERVER_ENABLED") == "true" || os.Getenv("PENGUIN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// RuntimeOptions maps the loaded config onto runtime options. The
// gateway and journal are wired by the caller; everything else comes
// from here.
func (c Config) RuntimeOptions() []penguin.RuntimeOption {
	engineOpts := []penguin.EngineOption{
		penguin.EngineMaxIterations(c.Engine.MaxIterations),
		penguin.EngineCompletionPhrase(c.Engine.CompletionPhrase),
		penguin.EngineEmptyRecovery(c.Engine.EmptyResponseRecovery),
	}
	if c.Engine.Retry.MaxAttempts > 1 {
		engineOpts = append(engineOpts, penguin.EngineRetry(
			c.Engine.Retry.MaxAttempts,
			time.Duration(c.Engine.Retry.BaseDelayMS)*time.Millisecond,
		))
	}
	if c.Context.MaxTokens > 0 {
		engineOpts = append(engineOpts, penguin.EngineTrim(penguin.TrimOptions{
			MaxTokens: c.Context.MaxTokens,
			Policy:    penguin.TrimPolicy(c.Context.TrimPolicy),
		}))
	}

	busOpts := []penguin.BusOption{penguin.BusQueueMax(c.Bus.QueueMax)}
	if c.Bus.DropPolicy == "drop_oldest" {
		busOpts = append(busOpts, penguin.BusDropOldest(true))
	}

	opts := []penguin.RuntimeOption{
		penguin.WithEngineOptions(engineOpts...),
		penguin.WithMuxOptions(penguin.MuxCoalesce(
			c.Stream.CoalesceChars,
			time.Duration(c.Stream.CoalesceMS)*time.Millisecond,
		)),
		penguin.WithBusOptions(busOpts...),
	}
	if c.Checkpoint.AutoEvery > 0 {
		opts = append(opts, penguin.WithCheckpointer(
			penguin.CheckpointEvery(c.Checkpoint.AutoEvery),
			penguin.CheckpointRetention(time.Duration(c.Checkpoint.RetentionHours)*time.Hour),
			penguin.CheckpointMinKept(c.Checkpoint.MinAutoKept),
		))
	}
	return opts
}
