package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		add("server.grpc_health_port", "port must be between 0 and 65535, got %d", c.Server.GRPCHealthPort)
	}
	if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		add("server.grpc_health_port", "must differ from server.port")
	}

	if c.Server.RunRequestsPerMinute < 0 {
		add("server.run_requests_per_minute", "must not be negative")
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	default:
		add("database.type", "invalid database type %q (supported: sqlite)", c.Database.Type)
	}

	// LLM
	switch strings.ToLower(c.LLM.Provider) {
	case "", "none":
	case "openai":
		if c.LLM.APIKey == "" {
			add("llm.api_key", "OpenAI API key is required when provider is openai")
		}
		if c.LLM.Model == "" {
			add("llm.model", "model is required when provider is openai")
		}
	default:
		add("llm.provider", "invalid provider %q (supported: none, openai)", c.LLM.Provider)
	}
	if c.LLM.TimeoutSeconds < 1 {
		add("llm.timeout_seconds", "timeout must be at least 1 second")
	}
	if c.LLM.RunTokenBudget < 0 {
		add("llm.run_token_budget", "must not be negative")
	}
	if c.LLM.MaxRetries < 0 {
		add("llm.max_retries", "must not be negative")
	}

	// Orchestrator
	if c.Orchestrator.StageTimeoutSeconds < 1 {
		add("orchestrator.stage_timeout_seconds", "stage timeout must be at least 1 second")
	}
	if c.Orchestrator.MaxConcurrentRuns < 1 {
		add("orchestrator.max_concurrent_runs", "must be at least 1")
	}
	if c.Orchestrator.DefaultLookbackDays < 1 {
		add("orchestrator.default_lookback_days", "lookback must be at least 1 day")
	}

	// Scoring
	s := c.Scoring
	for field, v := range map[string]float64{
		"scoring.critical_risk_threshold": s.CriticalRiskThreshold,
		"scoring.high_risk_threshold":     s.HighRiskThreshold,
		"scoring.medium_risk_threshold":   s.MediumRiskThreshold,
	} {
		if v < 0 || v > 1 {
			add(field, "threshold must be within [0, 1], got %v", v)
		}
	}
	if !(s.MediumRiskThreshold <= s.HighRiskThreshold && s.HighRiskThreshold <= s.CriticalRiskThreshold) {
		add("scoring", "risk thresholds must satisfy medium <= high <= critical")
	}
	if s.CriticalDeadlineDays < 0 || s.HighDeadlineDays < s.CriticalDeadlineDays {
		add("scoring", "deadline days must satisfy 0 <= critical_deadline_days <= high_deadline_days")
	}
	if s.ProximityHorizonDays < 1 {
		add("scoring.proximity_horizon_days", "horizon must be at least 1 day")
	}
	if s.MaxDedupRetries < 0 {
		add("scoring.max_dedup_retries", "retries cannot be negative")
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "invalid log format %q", c.Logging.Format)
	}

	// Cache
	if c.Cache.EnableCaching && c.Cache.TTLSeconds < 1 {
		add("cache.ttl_seconds", "ttl must be at least 1 second when caching is enabled")
	}

	// Redis
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		add("redis.url", "url must start with redis:// or rediss://")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate", "sample rate must be within [0, 1]")
	}

	return errs
}
