package config

import "context"

// Package config provides configuration management for envirocomply.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup and report every problem at once
//   - Establish reasonable defaults
//   - Hand out an immutable snapshot; changes on disk are reported, not applied
//
// Configuration Sources (priority order, high to low):
//  1. CLI flags (highest priority, applied by the command layer)
//  2. Environment variables (ENVIROCOMPLY_* prefix, plus OPENAI_API_KEY)
//  3. YAML config file (default: ./envirocomply.yaml)
//  4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//  1. Server
//     - host, port: HTTP listen address (default 0.0.0.0:8090)
//     - grpc_health_port: gRPC health service port
//     - allowed_origins: WebSocket origin allow-list
//     - run_requests_per_minute: per-client run submission limit
//
//  2. Database
//     - type: "sqlite"
//     - sqlite_path: path to the SQLite file (":memory:" for ephemeral)
//
//  3. LLM
//     - provider: "none" | "openai"
//     - api_key, model, base_url, timeout_seconds, max_tokens, max_retries
//
//  4. Orchestrator
//     - stage_timeout_seconds: per-stage execution budget
//     - max_concurrent_runs: batch run parallelism
//     - default_lookback_days: regulatory scan window
//
//  5. Scoring
//     - critical/high/medium risk thresholds
//     - critical/high deadline days
//     - max_dedup_retries: conflict retries per gap upsert
//
//  6. Logging
//     - level, format
//     - audit_log_path and rotation settings for the decision log sink
//
//  7. Cache, Redis, Tracing
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host                string
		Port                int
		GRPCHealthPort      int
		ReadTimeoutSeconds  int
		WriteTimeoutSeconds int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RunRequestsPerMinute limits run submissions per API client; 0 disables.
		RunRequestsPerMinute int
	}

	// Database configuration
	Database struct {
		Type       string
		SQLitePath string
	}

	// LLM provider configuration
	LLM struct {
		Provider       string
		APIKey         string
		Model          string
		BaseURL        string
		TimeoutSeconds int
		MaxTokens      int
		Temperature    float64
		// RunTokenBudget caps tokens spent per run; 0 means unlimited.
		RunTokenBudget int
		MaxRetries     int
	}

	// Orchestrator configuration
	Orchestrator struct {
		StageTimeoutSeconds int
		MaxConcurrentRuns   int
		DefaultLookbackDays int
	}

	// Scoring configuration
	Scoring struct {
		CriticalRiskThreshold float64
		HighRiskThreshold     float64
		MediumRiskThreshold   float64
		CriticalDeadlineDays  int
		HighDeadlineDays      int
		ProximityHorizonDays  int
		MaxDedupRetries       int
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}

	// Cache configuration
	Cache struct {
		EnableCaching bool
		TTLSeconds    int
	}

	// Redis configuration. An empty URL keeps gap locking in-process.
	Redis struct {
		URL            string
		LockTTLSeconds int
	}

	// Tracing configuration
	Tracing struct {
		Enabled     bool
		Endpoint    string
		ServiceName string
		SampleRate  float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns a copy of the loaded configuration.
	Get(ctx context.Context) Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reports when the config file changes on disk. The loaded
	// configuration is not modified; a restart applies the change.
	Watch(ctx context.Context) <-chan string
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     *DefaultConfig(),
		watchChan:  make(chan string, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("envirocomply.yaml")
}
