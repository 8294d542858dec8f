package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_runs_total",
			Help: "Total number of pipeline runs by mode and final status",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envirocomply_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3.4min
		},
		[]string{"mode"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envirocomply_runs_in_flight",
			Help: "Number of pipeline runs currently executing",
		},
	)

	// Stage metrics
	StageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_stage_executions_total",
			Help: "Stage outcomes (succeeded, failed, skipped)",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envirocomply_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
		},
		[]string{"stage"},
	)

	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_stage_failures_total",
			Help: "Stage failures by error kind",
		},
		[]string{"stage", "kind"},
	)

	// Audit metrics
	DecisionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_decisions_recorded_total",
			Help: "Agent decisions appended to the audit log",
		},
		[]string{"stage", "success"},
	)

	DecisionLogErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envirocomply_decision_log_errors_total",
			Help: "Decision log append failures",
		},
	)

	// Gap metrics
	GapsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_gaps_upserted_total",
			Help: "Compliance gaps written, by outcome (created, updated) and severity",
		},
		[]string{"outcome", "severity"},
	)

	GapConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envirocomply_gap_conflict_retries_total",
			Help: "Retries caused by concurrent gap writes",
		},
	)

	GapRiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "envirocomply_gap_risk_score",
			Help:    "Distribution of computed gap risk scores",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	// Alert metrics
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_alerts_raised_total",
			Help: "Deadline alerts derived, by source and severity",
		},
		[]string{"source", "severity"},
	)

	// Inference metrics
	InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_inference_requests_total",
			Help: "Inference provider requests by outcome",
		},
		[]string{"provider", "model", "status"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envirocomply_inference_duration_seconds",
			Help:    "Inference request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	InferenceTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_inference_tokens_total",
			Help: "Inference tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	InferenceFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_inference_fallbacks_total",
			Help: "Stages that fell back to deterministic reasoning",
		},
		[]string{"stage"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envirocomply_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)
)
