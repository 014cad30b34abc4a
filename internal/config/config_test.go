package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("expected 10 iterations, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("expected file backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Bus.DropPolicy != "fail" {
		t.Errorf("expected fail policy, got %s", cfg.Bus.DropPolicy)
	}
	if cfg.Checkpoint.AutoEvery != 5 {
		t.Errorf("expected auto_every 5, got %d", cfg.Checkpoint.AutoEvery)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
model = "local-model"
base_url = "http://localhost:11434/v1"

[engine]
max_iterations = 25
completion_phrase = "DONE"

[engine.retry]
max_attempts = 5
base_delay_ms = 200

[context]
max_tokens = 8000
trim_policy = "summarize_middle"

[storage]
backend = "sqlite"
path = "run.db"

[bus]
queue_max = 64
drop_policy = "drop_oldest"
`), 0644)

	cfg := Load(path)
	if cfg.Model.Model != "local-model" {
		t.Errorf("expected local-model, got %s", cfg.Model.Model)
	}
	if cfg.Engine.MaxIterations != 25 || cfg.Engine.CompletionPhrase != "DONE" {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.Retry.MaxAttempts != 5 || cfg.Engine.Retry.BaseDelayMS != 200 {
		t.Errorf("retry = %+v", cfg.Engine.Retry)
	}
	if cfg.Context.MaxTokens != 8000 || cfg.Context.TrimPolicy != "summarize_middle" {
		t.Errorf("context = %+v", cfg.Context)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "run.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Bus.QueueMax != 64 || cfg.Bus.DropPolicy != "drop_oldest" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	// Defaults preserved
	if cfg.Stream.CoalesceChars != 48 {
		t.Errorf("default should be preserved, got %d", cfg.Stream.CoalesceChars)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PENGUIN_API_KEY", "env-key")
	t.Setenv("PENGUIN_POSTGRES_DSN", "postgres://localhost/penguin")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Model.APIKey)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("DSN override should select postgres, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.DSN != "postgres://localhost/penguin" {
		t.Errorf("DSN = %s", cfg.Storage.DSN)
	}
}

func TestRuntimeOptions(t *testing.T) {
	cfg := Default()
	cfg.Context.MaxTokens = 4000
	opts := cfg.RuntimeOptions()
	if len(opts) == 0 {
		t.Fatal("no options produced")
	}

	// Disabled checkpointing drops the checkpointer option.
	cfg.Checkpoint.AutoEvery = 0
	fewer := cfg.RuntimeOptions()
	if len(fewer) != len(opts)-1 {
		t.Errorf("options = %d, want %d", len(fewer), len(opts)-1)
	}
}
