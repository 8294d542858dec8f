package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// Decision types recorded by the pipeline stages.
const (
	DecisionRegulatoryScan   = "regulatory_scan"
	DecisionImpactAssessment = "impact_assessment"
	DecisionGapAnalysis      = "gap_analysis"
	DecisionReportGeneration = "report_generation"
	DecisionStageFailure     = "stage_failure"
)

// AgentDecision is the immutable audit record of one stage invocation.
type AgentDecision struct {
	DecisionID    string         `json:"decision_id"`
	RunID         string         `json:"run_id"`
	Sequence      int64          `json:"sequence"`
	StageName     string         `json:"stage_name"`
	StageType     string         `json:"stage_type"`
	DecisionType  string         `json:"decision_type"`
	ActionSummary string         `json:"action_summary"`
	Trace         trace.Trace    `json:"reasoning_trace"`
	Confidence    float64        `json:"confidence"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	FacilityIDs   []string       `json:"facility_ids,omitempty"`
	RegulationIDs []string       `json:"regulation_ids,omitempty"`
	GapIDs        []string       `json:"gap_ids,omitempty"`
	ReportIDs     []string       `json:"report_ids,omitempty"`
	Success       bool           `json:"success"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	Timestamp     time.Time      `json:"timestamp"`
	// CorrectsID points at an earlier decision this one supersedes.
	CorrectsID  string `json:"corrects_id,omitempty"`
	ContentHash string `json:"content_hash"`
}

// NewDecision starts a decision for a stage within a run.
func NewDecision(runID, stageName, stageType, decisionType string) *AgentDecision {
	return &AgentDecision{
		RunID:        runID,
		StageName:    stageName,
		StageType:    stageType,
		DecisionType: decisionType,
		Timestamp:    time.Now().UTC(),
		Success:      true,
	}
}

// WithTrace attaches the reasoning trace. The decision confidence is derived
// from the trace steps, never taken from the trace as given.
func (d *AgentDecision) WithTrace(t trace.Trace) *AgentDecision {
	t = t.Recompute()
	d.Trace = t
	d.Confidence = t.Confidence
	return d
}

// WithSummary sets the action summary.
func (d *AgentDecision) WithSummary(s string) *AgentDecision {
	d.ActionSummary = s
	return d
}

// WithSnapshots attaches input and output snapshots.
func (d *AgentDecision) WithSnapshots(in, out map[string]any) *AgentDecision {
	d.Input = in
	d.Output = out
	return d
}

// WithEntities records the entity references produced by the stage.
func (d *AgentDecision) WithEntities(facilities, regulations, gaps, reports []string) *AgentDecision {
	d.FacilityIDs = facilities
	d.RegulationIDs = regulations
	d.GapIDs = gaps
	d.ReportIDs = reports
	return d
}

// WithError marks the decision as a failure.
func (d *AgentDecision) WithError(err error) *AgentDecision {
	if err != nil {
		d.Success = false
		d.ErrorKind = ErrorKind(err)
		d.ErrorMessage = err.Error()
	}
	return d
}

// WithDuration records how long the stage ran.
func (d *AgentDecision) WithDuration(dur time.Duration) *AgentDecision {
	d.DurationMs = dur.Milliseconds()
	return d
}

// WithTimestamp overrides the decision time.
func (d *AgentDecision) WithTimestamp(t time.Time) *AgentDecision {
	d.Timestamp = t.UTC()
	return d
}

// Correcting marks the decision as superseding an earlier one.
func (d *AgentDecision) Correcting(decisionID string) *AgentDecision {
	d.CorrectsID = decisionID
	return d
}

// ComputeHash returns the SHA-256 of the decision content. The hash covers
// everything except the hash itself, so a record can be re-verified later.
func (d *AgentDecision) ComputeHash() string {
	c := *d
	c.ContentHash = ""
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash matches the content.
func (d *AgentDecision) Verify() bool {
	return d.ContentHash != "" && d.ContentHash == d.ComputeHash()
}

// Clone returns a deep copy of the slices and the trace so the copy can be
// handed out without exposing the stored record.
func (d *AgentDecision) Clone() AgentDecision {
	c := *d
	c.FacilityIDs = cloneStrings(d.FacilityIDs)
	c.RegulationIDs = cloneStrings(d.RegulationIDs)
	c.GapIDs = cloneStrings(d.GapIDs)
	c.ReportIDs = cloneStrings(d.ReportIDs)
	c.Trace.Steps = append([]trace.Step(nil), d.Trace.Steps...)
	c.Input = cloneMap(d.Input)
	c.Output = cloneMap(d.Output)
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
