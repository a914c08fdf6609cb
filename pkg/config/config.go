// Package config loads Smithers' tuning knobs from the environment,
// with .env support, matching the teacher's own bootstrap (see
// codeready-toolchain/tarsy's cmd/tarsy/main.go + pkg/database/config.go:
// getEnvOrDefault helpers, explicit Validate, no magic defaults hidden
// inside callers).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is Smithers' process-level configuration (SPEC_FULL.md §10.3):
// workspace root, store file path, default iteration/timeout bounds,
// SuperSmithers cooldowns/caps, and the tool-output truncation ceiling.
type Config struct {
	// WorkspaceDir is the root the engine treats as `<workspace>` in
	// spec.md §6's storage layout (`.smithers/db`, `.smithers/logs`,
	// `.smithers/supersmithers/vcs`).
	WorkspaceDir string
	// StorePath is the SQLite file path; defaults to
	// `<workspace>/.smithers/db` when unset.
	StorePath string
	// DefaultMaxIterations seeds RalphLoop.Config.MaxIterations when a
	// workflow script does not set its own.
	DefaultMaxIterations int
	// DefaultGlobalTimeoutMs seeds RalphLoop.Config.GlobalTimeoutMs.
	DefaultGlobalTimeoutMs int64
	// StallWindow seeds RalphLoop.Config.StallWindow (K).
	StallWindow int
	// RewriteCooldownMs seeds supersmithers.Config.RewriteCooldown
	// (converted from milliseconds).
	RewriteCooldownMs int64
	// MaxRewrites seeds supersmithers.Config.MaxRewrites.
	MaxRewrites int
	// ToolOutputCeilingBytes seeds toolregistry.Truncating.CeilingB.
	ToolOutputCeilingBytes int
	// IntrospectAddr is the listen address for pkg/introspect's
	// read-only HTTP server, empty to disable it.
	IntrospectAddr string
}

// Load reads environment variables into a Config, first loading a
// `.env` file under workspaceDir if present (teacher's own
// godotenv.Load call in cmd/tarsy/main.go, tolerant of a missing file).
func Load(workspaceDir string) (*Config, error) {
	envPath := filepath.Join(workspaceDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		// Matches the teacher's own tolerance of a missing .env file:
		// continue with whatever is already in the environment.
		_ = err
	}

	maxIter, err := atoiEnv("SMITHERS_MAX_ITERATIONS", 50)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	timeout, err := atoi64Env("SMITHERS_GLOBAL_TIMEOUT_MS", 0)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	stall, err := atoiEnv("SMITHERS_STALL_WINDOW", 3)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cooldown, err := atoi64Env("SMITHERS_REWRITE_COOLDOWN_MS", 60_000)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	maxRewrites, err := atoiEnv("SMITHERS_MAX_REWRITES", 3)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	ceiling, err := atoiEnv("SMITHERS_TOOL_OUTPUT_CEILING_BYTES", 64*1024)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	storePath := os.Getenv("SMITHERS_STORE_PATH")
	if storePath == "" {
		storePath = filepath.Join(workspaceDir, ".smithers", "db")
	}

	cfg := &Config{
		WorkspaceDir:           workspaceDir,
		StorePath:              storePath,
		DefaultMaxIterations:   maxIter,
		DefaultGlobalTimeoutMs: timeout,
		StallWindow:            stall,
		RewriteCooldownMs:      cooldown,
		MaxRewrites:            maxRewrites,
		ToolOutputCeilingBytes: ceiling,
		IntrospectAddr:         os.Getenv("SMITHERS_INTROSPECT_ADDR"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for obviously bad values,
// mirroring the teacher's own database.Config.Validate.
func (c *Config) Validate() error {
	if c.DefaultMaxIterations < 1 {
		return fmt.Errorf("config: SMITHERS_MAX_ITERATIONS must be at least 1, got %d", c.DefaultMaxIterations)
	}
	if c.StallWindow < 1 {
		return fmt.Errorf("config: SMITHERS_STALL_WINDOW must be at least 1, got %d", c.StallWindow)
	}
	if c.GlobalTimeoutMs() < 0 {
		return fmt.Errorf("config: SMITHERS_GLOBAL_TIMEOUT_MS cannot be negative")
	}
	if c.MaxRewrites < 0 {
		return fmt.Errorf("config: SMITHERS_MAX_REWRITES cannot be negative")
	}
	if c.ToolOutputCeilingBytes < 1 {
		return fmt.Errorf("config: SMITHERS_TOOL_OUTPUT_CEILING_BYTES must be at least 1")
	}
	return nil
}

// GlobalTimeoutMs is a typed accessor so callers don't reach into the
// struct for a field whose zero value ("unset") reads oddly as int64.
func (c *Config) GlobalTimeoutMs() int64 { return c.DefaultGlobalTimeoutMs }

// LogsDir is `<workspace>/.smithers/logs` (spec.md §6 "Storage layout").
func (c *Config) LogsDir() string { return filepath.Join(c.WorkspaceDir, ".smithers", "logs") }

// ExecutionLogsDir is `<workspace>/.smithers/executions/<id>/logs`.
func (c *Config) ExecutionLogsDir(executionID string) string {
	return filepath.Join(c.WorkspaceDir, ".smithers", "executions", executionID, "logs")
}

// OverlayRepoDir is `<workspace>/.smithers/supersmithers/vcs`.
func (c *Config) OverlayRepoDir() string {
	return filepath.Join(c.WorkspaceDir, ".smithers", "supersmithers", "vcs")
}

func atoiEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func atoi64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
