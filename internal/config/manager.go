package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     Config
	viper      *viper.Viper
	watchChan  chan string
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("ENVIROCOMPLY")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env vars still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	m.unmarshalConfig()
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) Config {
	cfg := m.config
	cfg.Server.AllowedOrigins = append([]string(nil), m.config.Server.AllowedOrigins...)
	return cfg
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch reports config file changes. The snapshot returned by Get is left
// untouched.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan string {
	if m.viper == nil {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		select {
		case m.watchChan <- e.Name:
		default:
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.grpc_health_port", d.Server.GRPCHealthPort)
	m.viper.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeoutSeconds)
	m.viper.SetDefault("server.write_timeout_seconds", d.Server.WriteTimeoutSeconds)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.run_requests_per_minute", d.Server.RunRequestsPerMinute)

	m.viper.SetDefault("database.type", d.Database.Type)
	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("llm.provider", d.LLM.Provider)
	m.viper.SetDefault("llm.api_key", d.LLM.APIKey)
	m.viper.SetDefault("llm.model", d.LLM.Model)
	m.viper.SetDefault("llm.base_url", d.LLM.BaseURL)
	m.viper.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSeconds)
	m.viper.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	m.viper.SetDefault("llm.temperature", d.LLM.Temperature)
	m.viper.SetDefault("llm.run_token_budget", d.LLM.RunTokenBudget)
	m.viper.SetDefault("llm.max_retries", d.LLM.MaxRetries)

	m.viper.SetDefault("orchestrator.stage_timeout_seconds", d.Orchestrator.StageTimeoutSeconds)
	m.viper.SetDefault("orchestrator.max_concurrent_runs", d.Orchestrator.MaxConcurrentRuns)
	m.viper.SetDefault("orchestrator.default_lookback_days", d.Orchestrator.DefaultLookbackDays)

	m.viper.SetDefault("scoring.critical_risk_threshold", d.Scoring.CriticalRiskThreshold)
	m.viper.SetDefault("scoring.high_risk_threshold", d.Scoring.HighRiskThreshold)
	m.viper.SetDefault("scoring.medium_risk_threshold", d.Scoring.MediumRiskThreshold)
	m.viper.SetDefault("scoring.critical_deadline_days", d.Scoring.CriticalDeadlineDays)
	m.viper.SetDefault("scoring.high_deadline_days", d.Scoring.HighDeadlineDays)
	m.viper.SetDefault("scoring.proximity_horizon_days", d.Scoring.ProximityHorizonDays)
	m.viper.SetDefault("scoring.max_dedup_retries", d.Scoring.MaxDedupRetries)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)

	m.viper.SetDefault("cache.enable_caching", d.Cache.EnableCaching)
	m.viper.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)

	m.viper.SetDefault("redis.url", d.Redis.URL)
	m.viper.SetDefault("redis.lock_ttl_seconds", d.Redis.LockTTLSeconds)

	m.viper.SetDefault("tracing.enabled", d.Tracing.Enabled)
	m.viper.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	m.viper.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// unmarshalConfig copies viper values into the Config struct.
func (m *viperConfigManager) unmarshalConfig() {
	var cfg Config

	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCHealthPort = m.viper.GetInt("server.grpc_health_port")
	cfg.Server.ReadTimeoutSeconds = m.viper.GetInt("server.read_timeout_seconds")
	cfg.Server.WriteTimeoutSeconds = m.viper.GetInt("server.write_timeout_seconds")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RunRequestsPerMinute = m.viper.GetInt("server.run_requests_per_minute")

	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")
	cfg.LLM.Temperature = m.viper.GetFloat64("llm.temperature")
	cfg.LLM.RunTokenBudget = m.viper.GetInt("llm.run_token_budget")
	cfg.LLM.MaxRetries = m.viper.GetInt("llm.max_retries")

	cfg.Orchestrator.StageTimeoutSeconds = m.viper.GetInt("orchestrator.stage_timeout_seconds")
	cfg.Orchestrator.MaxConcurrentRuns = m.viper.GetInt("orchestrator.max_concurrent_runs")
	cfg.Orchestrator.DefaultLookbackDays = m.viper.GetInt("orchestrator.default_lookback_days")

	cfg.Scoring.CriticalRiskThreshold = m.viper.GetFloat64("scoring.critical_risk_threshold")
	cfg.Scoring.HighRiskThreshold = m.viper.GetFloat64("scoring.high_risk_threshold")
	cfg.Scoring.MediumRiskThreshold = m.viper.GetFloat64("scoring.medium_risk_threshold")
	cfg.Scoring.CriticalDeadlineDays = m.viper.GetInt("scoring.critical_deadline_days")
	cfg.Scoring.HighDeadlineDays = m.viper.GetInt("scoring.high_deadline_days")
	cfg.Scoring.ProximityHorizonDays = m.viper.GetInt("scoring.proximity_horizon_days")
	cfg.Scoring.MaxDedupRetries = m.viper.GetInt("scoring.max_dedup_retries")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	cfg.Cache.EnableCaching = m.viper.GetBool("cache.enable_caching")
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")

	cfg.Redis.URL = m.viper.GetString("redis.url")
	cfg.Redis.LockTTLSeconds = m.viper.GetInt("redis.lock_ttl_seconds")

	cfg.Tracing.Enabled = m.viper.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SampleRate = m.viper.GetFloat64("tracing.sample_rate")

	m.config = cfg
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && m.config.LLM.APIKey == "" {
		m.config.LLM.APIKey = apiKey
	}
}
