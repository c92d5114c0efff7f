// Package config handles configuration for sandtrace: built-in
// defaults, an optional YAML file, then environment overrides, in that
// order of precedence (later wins).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all sandtrace settings. The env tags carry overwrite so
// an environment value replaces whatever the defaults or the file set.
type Config struct {
	// LogLevel is the slog level for the tool's own diagnostics:
	// debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"SANDTRACE_LOG_LEVEL,overwrite"`
	// GracePeriod is the SIGTERM-to-SIGKILL window on stop.
	GracePeriod time.Duration `yaml:"grace_period" env:"SANDTRACE_GRACE_PERIOD,overwrite"`
	// OutputBuffer is the merged output channel capacity, per run.
	OutputBuffer int `yaml:"output_buffer" env:"SANDTRACE_OUTPUT_BUFFER,overwrite"`
	// FailOnNonZeroExit treats a non-zero target exit as a failed run.
	FailOnNonZeroExit bool `yaml:"fail_on_nonzero_exit" env:"SANDTRACE_FAIL_ON_NONZERO_EXIT,overwrite"`
	// HistoryPath is the run-ledger SQLite file; empty disables the
	// ledger.
	HistoryPath string `yaml:"history_path" env:"SANDTRACE_HISTORY_PATH,overwrite"`
	// Listen, when set, serves the merged output stream to WebSocket
	// clients on this address.
	Listen string `yaml:"listen" env:"SANDTRACE_LISTEN,overwrite"`
	// UsePTY runs targets on a pseudo-terminal.
	UsePTY bool `yaml:"pty" env:"SANDTRACE_PTY,overwrite"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:          "info",
		GracePeriod:       3 * time.Second,
		OutputBuffer:      256,
		FailOnNonZeroExit: true,
		HistoryPath:       defaultHistoryPath(),
	}
}

// DefaultPath returns the user-level config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandtrace", "config.yaml")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandtrace", "history.db")
}

// Load builds the effective configuration. An explicitly given path
// must exist; the default path is consulted only when present.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// No user config file; defaults apply.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.GracePeriod <= 0 {
		return nil, fmt.Errorf("grace_period must be positive, got %s", cfg.GracePeriod)
	}
	if cfg.OutputBuffer <= 0 {
		return nil, fmt.Errorf("output_buffer must be positive, got %d", cfg.OutputBuffer)
	}
	return &cfg, nil
}
