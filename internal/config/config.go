// Package config provides configuration management for the motion agent.
// Process settings come from environment variables with sensible defaults;
// analysis settings come from a YAML file (see LoadAnalysis).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	// Default values
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-motion"

	// Environment variable names
	EnvPort           = "MOTION_PORT"
	EnvLogLevel       = "MOTION_LOG_LEVEL"
	EnvDataDir        = "MOTION_DATA_DIR"
	EnvAnalysisConfig = "MOTION_ANALYSIS_CONFIG"
	EnvEstimatorCmd   = "MOTION_ESTIMATOR_CMD"
	EnvWorkers        = "MOTION_WORKERS"

	// Database filename
	DBFilename = "motion.db"

	// MaxWorkers bounds concurrent analyses; each one holds a whole video
	// in memory.
	MaxWorkers = 8
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	OutputDir() string
	AnalysisConfigPath() string
	EstimatorCommand() []string
	Workers() int
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port           int
	logLevel       string
	dataDir        string
	analysisConfig string
	estimatorCmd   []string
	workers        int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
		workers:  defaultWorkers(),
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		switch strings.ToLower(ll) {
		case "debug", "info", "warn", "warning", "error":
			cfg.logLevel = ll
		default:
			return nil, fmt.Errorf("invalid %s: %q", EnvLogLevel, ll)
		}
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if ac := os.Getenv(EnvAnalysisConfig); ac != "" {
		if _, err := os.Stat(ac); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvAnalysisConfig, err)
		}
		cfg.analysisConfig = ac
	}

	cfg.estimatorCmd = strings.Fields(os.Getenv(EnvEstimatorCmd))

	if w := os.Getenv(EnvWorkers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		if n < 1 || n > MaxWorkers {
			return nil, fmt.Errorf("invalid %s: must be between 1 and %d", EnvWorkers, MaxWorkers)
		}
		cfg.workers = n
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// OutputDir is where debug videos and metric files go when the analysis
// config does not name a directory.
func (c *EnvConfig) OutputDir() string {
	return filepath.Join(c.dataDir, "outputs")
}

// AnalysisConfigPath returns the YAML file to load, or "" for the built-in
// defaults.
func (c *EnvConfig) AnalysisConfigPath() string {
	return c.analysisConfig
}

// EstimatorCommand returns the landmark worker command line split on
// whitespace. It is empty when unset.
func (c *EnvConfig) EstimatorCommand() []string {
	return append([]string(nil), c.estimatorCmd...)
}

// Workers returns how many analyses may run at once.
func (c *EnvConfig) Workers() int {
	return c.workers
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func defaultWorkers() int {
	n := runtime.NumCPU() / 4
	if n < 1 {
		return 1
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
