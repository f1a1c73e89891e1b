package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.QueueBackend() != "memory" {
		t.Errorf("QueueBackend() = %q, want memory", cfg.QueueBackend())
	}
	if cfg.Locks.TTL != 15*time.Second {
		t.Errorf("Locks.TTL = %v, want 15s", cfg.Locks.TTL)
	}
	if cfg.Cluster.DeadThreshold <= cfg.Cluster.MissThreshold {
		t.Errorf("DeadThreshold %d must exceed MissThreshold %d", cfg.Cluster.DeadThreshold, cfg.Cluster.MissThreshold)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Default() is invalid: %v", ValidationErrors(errs))
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Queue.ReapInterval != time.Second {
		t.Errorf("Queue.ReapInterval = %v, want 1s", cfg.Queue.ReapInterval)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowgrid.yaml")
	content := `
log:
  level: debug
  format: text
storage:
  backend: sqlite
  sqlite_path: /var/lib/flowgrid/state.db
queue:
  reap_interval: 250ms
locks:
  ttl: 10s
worker:
  queues: [emails, invoices]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
	if cfg.Storage.SQLitePath != "/var/lib/flowgrid/state.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.QueueBackend() != "sqlite" {
		t.Errorf("QueueBackend() = %q, want sqlite", cfg.QueueBackend())
	}
	if cfg.Queue.ReapInterval != 250*time.Millisecond {
		t.Errorf("Queue.ReapInterval = %v, want 250ms", cfg.Queue.ReapInterval)
	}
	if cfg.Locks.TTL != 10*time.Second {
		t.Errorf("Locks.TTL = %v, want 10s", cfg.Locks.TTL)
	}
	if len(cfg.Worker.Queues) != 2 || cfg.Worker.Queues[0] != "emails" || cfg.Worker.Queues[1] != "invoices" {
		t.Errorf("Worker.Queues = %v", cfg.Worker.Queues)
	}
	// Untouched keys keep their defaults.
	if cfg.Cluster.HeartbeatInterval != 5*time.Second {
		t.Errorf("Cluster.HeartbeatInterval = %v, want 5s", cfg.Cluster.HeartbeatInterval)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLOWGRID_STORAGE_BACKEND", "bolt")
	t.Setenv("FLOWGRID_STORAGE_BOLT_PATH", "/tmp/flowgrid.bolt")
	t.Setenv("FLOWGRID_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("FLOWGRID_ENGINE_RECONCILE_INTERVAL", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "bolt" || cfg.Storage.BoltPath != "/tmp/flowgrid.bolt" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Engine.ReconcileInterval != 3*time.Second {
		t.Errorf("Engine.ReconcileInterval = %v, want 3s", cfg.Engine.ReconcileInterval)
	}
	// bolt cannot hold tasks, so the queue stays in memory.
	if cfg.QueueBackend() != "memory" {
		t.Errorf("QueueBackend() = %q, want memory", cfg.QueueBackend())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FLOWGRID_STORAGE_BACKEND", "cassandra")

	_, err := Load("")
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Load error = %v, want ValidationErrors", err)
	}
	if len(verrs) != 1 || verrs[0].Field != "storage.backend" {
		t.Fatalf("errors = %v", verrs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres_dsn"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = "sqlite"; c.Storage.SQLitePath = "" }, "storage.sqlite_path"},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"mongo queue without uri", func(c *Config) { c.Queue.Backend = "mongo" }, "storage.mongo_uri"},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"max below initial backoff", func(c *Config) { c.Queue.MaxBackoff = time.Millisecond }, "queue.max_backoff"},
		{"grpc locks without address", func(c *Config) { c.Locks.Backend = "grpc" }, "locks.address"},
		{"unknown lock backend", func(c *Config) { c.Locks.Backend = "zookeeper" }, "locks.backend"},
		{"zero lock ttl", func(c *Config) { c.Locks.TTL = 0 }, "locks.ttl"},
		{"dead not above miss", func(c *Config) { c.Cluster.DeadThreshold = 3 }, "cluster.dead_threshold"},
		{"zero reconcile", func(c *Config) { c.Engine.ReconcileInterval = 0 }, "engine.reconcile_interval"},
		{"zero stall window", func(c *Config) { c.Stream.StallAfter = 0 }, "stream.stall_after"},
		{"no http addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"blank queue name", func(c *Config) { c.Worker.Queues = []string{"a", " "} }, "worker.queues[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("got %d errors, want 1: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidateSkipsStreamWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Stream.Enabled = false
	cfg.Stream.PollInterval = 0
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", ValidationErrors(errs))
	}
}

func TestValidationErrorsFormatting(t *testing.T) {
	one := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if got := one.Error(); got != "a: bad (got: 1)" {
		t.Errorf("single error = %q", got)
	}

	two := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	got := two.Error()
	if !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "2. b: worse (got: x)") {
		t.Errorf("multiple errors = %q", got)
	}

	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should format as empty string")
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output = %q", out)
	}

	buf.Reset()
	logger, err = LogConfig{Level: "debug", Format: "text"}.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	logger.Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Errorf("text output = %q", buf.String())
	}

	if _, err := (LogConfig{Level: "info", Format: "xml"}).Logger(&buf); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := (LogConfig{Level: "loud", Format: "json"}).Logger(&buf); err == nil {
		t.Error("expected error for unknown level")
	}
}
