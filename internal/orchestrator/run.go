package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

// MaxLookbackDays bounds the regulatory scan window of a request.
const MaxLookbackDays = 3650

// RunRequest asks for one pipeline run.
type RunRequest struct {
	Mode Mode `json:"mode"`
	// FacilityIDs limits the run to these facilities; empty means all.
	FacilityIDs []string `json:"facility_ids,omitempty"`
	// LookbackDays is the regulatory scan window; 0 uses the configured default.
	LookbackDays int `json:"lookback_days"`
}

// Validate checks the request before any stage runs.
func (r RunRequest) Validate() error {
	if !r.Mode.Valid() {
		return &models.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", r.Mode)}
	}
	if r.LookbackDays < 0 || r.LookbackDays > MaxLookbackDays {
		return &models.ValidationError{
			Field:   "lookback_days",
			Message: fmt.Sprintf("must be between 0 and %d", MaxLookbackDays),
		}
	}
	seen := make(map[string]bool, len(r.FacilityIDs))
	for i, id := range r.FacilityIDs {
		if strings.TrimSpace(id) == "" {
			return &models.ValidationError{Field: fmt.Sprintf("facility_ids[%d]", i), Message: "must not be empty"}
		}
		if seen[id] {
			return &models.ValidationError{Field: fmt.Sprintf("facility_ids[%d]", i), Message: fmt.Sprintf("duplicate facility %q", id)}
		}
		seen[id] = true
	}
	return nil
}

// StageStatus is the outcome of one pipeline step.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Skip reasons.
const (
	SkipNoUpstreamSuccess = "no_upstream_success"
	SkipCancelled         = "cancelled"
)

// RunStatus is the aggregate outcome of a run.
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// StageResult describes what happened to one step.
type StageResult struct {
	Stage      stages.Name `json:"stage"`
	Status     StageStatus `json:"status"`
	SkipReason string      `json:"skip_reason,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	DecisionID string      `json:"decision_id,omitempty"`
	Confidence float64     `json:"confidence"`
	DurationMs int64       `json:"duration_ms"`
	// AuditError is set when the decision could not be logged.
	AuditError string `json:"audit_error,omitempty"`
}

// RunResult is the consolidated outcome of a run.
type RunResult struct {
	RunID       string                   `json:"run_id"`
	Mode        Mode                     `json:"mode"`
	FacilityIDs []string                 `json:"facility_ids,omitempty"`
	Status      RunStatus                `json:"status"`
	Stages      []StageResult            `json:"stages"`
	Decisions   []models.AgentDecision   `json:"decisions"`
	GapsCreated []string                 `json:"gaps_created"`
	GapsUpdated []string                 `json:"gaps_updated"`
	ReportIDs   []string                 `json:"report_ids"`
	Alerts      []models.RegulatoryAlert `json:"alerts"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
}

// Stage returns the result for name, if the run planned it.
func (r *RunResult) Stage(name stages.Name) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// GapIDs returns every gap the run touched.
func (r *RunResult) GapIDs() []string {
	out := append([]string(nil), r.GapsCreated...)
	return append(out, r.GapsUpdated...)
}

func aggregateStatus(results []StageResult) RunStatus {
	var succeeded, failed int
	for _, s := range results {
		switch s.Status {
		case StageSucceeded:
			succeeded++
		case StageFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(results):
		return RunSuccess
	case succeeded > 0:
		return RunPartialSuccess
	case failed > 0:
		return RunFailed
	default:
		return RunCancelled
	}
}

// Event types published while a run executes.
const (
	EventRunStarted    = "run_started"
	EventStageStarted  = "stage_started"
	EventStageFinished = "stage_finished"
	EventRunFinished   = "run_finished"
)

// Event is a progress notification for a run.
type Event struct {
	RunID     string       `json:"run_id"`
	Type      string       `json:"type"`
	Mode      Mode         `json:"mode,omitempty"`
	Stage     stages.Name  `json:"stage,omitempty"`
	Result    *StageResult `json:"result,omitempty"`
	Run       *RunResult   `json:"run,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
