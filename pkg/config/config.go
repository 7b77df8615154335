// Package config loads and validates the Strato daemon configuration from
// YAML, with hot reload for the settings that are safe to change at
// runtime: the logging level and the liveness staleness threshold.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// Config is the daemon configuration.
type Config struct {
	// Server configures the controller process.
	Server ServerConfig `yaml:"server"`

	// NATS configures the message bus. When disabled, the in-process
	// dispatcher is used and the worker runs inside the controller.
	NATS NATSConfig `yaml:"nats"`

	// Liveness configures the worker liveness registry.
	Liveness LivenessConfig `yaml:"liveness"`

	// Dispatch configures the in-process dispatcher.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Worker configures the worker process.
	Worker WorkerConfig `yaml:"worker"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the controller.
type ServerConfig struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path" validate:"required"`
}

// NATSConfig configures the message bus connection.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
}

// LivenessConfig configures staleness evaluation. Threshold is
// hot-reloadable.
type LivenessConfig struct {
	Threshold time.Duration `yaml:"threshold" validate:"required,min=1s"`
}

// DispatchConfig configures the in-process queue used when NATS is
// disabled.
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size" validate:"min=1"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// Node is this worker's identifier; defaults to the hostname.
	Node string `yaml:"node"`

	// Roles are the worker topics this node serves.
	Roles []string `yaml:"roles" validate:"min=1,dive,required"`

	// HeartbeatInterval is how often the worker reports liveness. Must
	// stay well under the liveness threshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"required,min=100ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			DatabasePath: "strato.db",
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
		},
		Liveness: LivenessConfig{
			Threshold: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			QueueSize: 256,
		},
		Worker: WorkerConfig{
			Node:              hostname,
			Roles:             []string{"network", "compute"},
			HeartbeatInterval: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Worker.HeartbeatInterval >= c.Liveness.Threshold {
		return fmt.Errorf("invalid configuration: heartbeat interval %s must be below liveness threshold %s",
			c.Worker.HeartbeatInterval, c.Liveness.Threshold)
	}
	return c.Telemetry.Validate()
}

// ReloadFunc receives the freshly loaded configuration after a change.
type ReloadFunc func(cfg *Config)

// Watch reloads the file on every change until the context is cancelled.
// Invalid replacements are logged and skipped; the previous configuration
// stays in effect.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config: %w", err)
	}

	log := logger.NewComponentLogger("config")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.WithError(err).Warn("ignoring invalid config change")
					continue
				}
				log.Info("configuration reloaded")
				reload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return nil
}
