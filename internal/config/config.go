package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/me/provsched/internal/logging"
)

// Environment variables consulted when flags are not given.
const (
	EnvServer = "PROVSCHED_SERVER"
	EnvDB     = "PROVSCHED_DB"
)

// ServerConfig holds configuration for the report API server.
type ServerConfig struct {
	Addr      string // Listen address (default ":8080")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBPath    string // SQLite database path (default ~/.provsched/provsched.db, ":memory:" for testing)
	WorkDir   string // Work directory for executors built while validating schedules
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: logging.FormatText,
		DBPath:    DefaultDBPath(),
	}
}

// RunConfig holds configuration for a local scheduling run.
type RunConfig struct {
	DBPath      string   // SQLite database path; empty disables run persistence
	MaxParallel int      // Concurrent job limit, 0 = unbounded
	WorkDir     string   // Root of per-job work directories
	Entry       []string // Entry jobs; empty uses the schedule file's entry
	DryRun      bool     // Validate and print the order without executing

	TeardownTimeout time.Duration // Bound on one teardown, 0 = scheduler default
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		DBPath:  DefaultDBPath(),
		WorkDir: filepath.Join(os.TempDir(), "provsched"),
	}
}

// DefaultDBPath returns $PROVSCHED_DB, or ~/.provsched/provsched.db.
func DefaultDBPath() string {
	if p := os.Getenv(EnvDB); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "provsched.db"
	}
	return filepath.Join(home, ".provsched", "provsched.db")
}

// DefaultServerURL returns $PROVSCHED_SERVER, or the local default.
func DefaultServerURL() string {
	if u := os.Getenv(EnvServer); u != "" {
		return u
	}
	return "http://localhost:8080"
}
