package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strato.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.DatabasePath == "" {
		t.Error("expected default database path")
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  database_path: /var/lib/strato/strato.db
nats:
  enabled: true
  url: nats://bus.internal:4222
liveness:
  threshold: 45s
worker:
  node: worker-7
  roles: [network]
  heartbeat_interval: 5s
telemetry:
  logging:
    level: debug
    format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.DatabasePath != "/var/lib/strato/strato.db" {
		t.Errorf("unexpected database path: %s", cfg.Server.DatabasePath)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://bus.internal:4222" {
		t.Errorf("unexpected nats config: %+v", cfg.NATS)
	}
	if cfg.Liveness.Threshold != 45*time.Second {
		t.Errorf("unexpected threshold: %s", cfg.Liveness.Threshold)
	}
	if cfg.Worker.Node != "worker-7" || len(cfg.Worker.Roles) != 1 {
		t.Errorf("unexpected worker config: %+v", cfg.Worker)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Telemetry.Logging)
	}
	// Sections the file does not mention keep their defaults.
	if cfg.Dispatch.QueueSize != 256 {
		t.Errorf("expected default queue size, got %d", cfg.Dispatch.QueueSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateHeartbeatBelowThreshold(t *testing.T) {
	cfg := Default()
	cfg.Worker.HeartbeatInterval = cfg.Liveness.Threshold
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected heartbeat interval at threshold to be rejected")
	}
}

func TestValidateRejectsEmptyRoles(t *testing.T) {
	cfg := Default()
	cfg.Worker.Roles = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty roles to be rejected")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "liveness:\n  threshold: 30s\n")

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	if err := Watch(ctx, path, logger, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("liveness:\n  threshold: 90s\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Liveness.Threshold != 90*time.Second {
			t.Errorf("expected reloaded threshold 90s, got %s", cfg.Liveness.Threshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatchSkipsInvalidChange(t *testing.T) {
	path := writeConfig(t, "liveness:\n  threshold: 30s\n")

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	if err := Watch(ctx, path, logger, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Heartbeat above threshold fails validation; the callback must not fire.
	if err := os.WriteFile(path, []byte("liveness:\n  threshold: 1s\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config should not trigger reload, got %+v", cfg.Liveness)
	case <-time.After(500 * time.Millisecond):
	}
}
