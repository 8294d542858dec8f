package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.GRPCHealthPort = 8091
	cfg.Server.ReadTimeoutSeconds = 30
	cfg.Server.WriteTimeoutSeconds = 300
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RunRequestsPerMinute = 30

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "./envirocomply.db"

	// LLM defaults. Inference is optional; stages fall back to
	// deterministic reasoning when no provider is configured.
	cfg.LLM.Provider = "none"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.TimeoutSeconds = 30
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Temperature = 0.1
	cfg.LLM.RunTokenBudget = 20000
	cfg.LLM.MaxRetries = 2

	// Orchestrator defaults
	cfg.Orchestrator.StageTimeoutSeconds = 120
	cfg.Orchestrator.MaxConcurrentRuns = 4
	cfg.Orchestrator.DefaultLookbackDays = 30

	// Scoring defaults
	cfg.Scoring.CriticalRiskThreshold = 0.8
	cfg.Scoring.HighRiskThreshold = 0.6
	cfg.Scoring.MediumRiskThreshold = 0.3
	cfg.Scoring.CriticalDeadlineDays = 30
	cfg.Scoring.HighDeadlineDays = 90
	cfg.Scoring.ProximityHorizonDays = 365
	cfg.Scoring.MaxDedupRetries = 3

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "./logs/decisions.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 90
	cfg.Logging.Compress = true

	// Cache defaults
	cfg.Cache.EnableCaching = true
	cfg.Cache.TTLSeconds = 3600

	// Redis defaults
	cfg.Redis.URL = ""
	cfg.Redis.LockTTLSeconds = 30

	// Tracing defaults
	cfg.Tracing.Enabled = false
	cfg.Tracing.Endpoint = "localhost:4318"
	cfg.Tracing.ServiceName = "envirocomply"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}
