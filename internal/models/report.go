package models

import "time"

// Report types.
const (
	ReportGapAnalysis = "gap_analysis"
	ReportCompliance  = "compliance_summary"
)

// Compliance score bands.
const (
	ScoreExcellent        = "excellent"
	ScoreGood             = "good"
	ScoreNeedsImprovement = "needs_improvement"
	ScoreCritical         = "critical"
)

// ReportSection is one titled block of a report.
type ReportSection struct {
	Order   int    `json:"order"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PriorityAction is a ranked remediation item.
type PriorityAction struct {
	Rank          int        `json:"rank"`
	GapID         string     `json:"gap_id"`
	FacilityID    string     `json:"facility_id"`
	Action        string     `json:"action"`
	Severity      Severity   `json:"severity"`
	Priority      string     `json:"priority"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	EstimatedCost float64    `json:"estimated_cost"`
}

// Report is a generated compliance report.
type Report struct {
	ReportID           string           `json:"report_id"`
	RunID              string           `json:"run_id"`
	ReportType         string           `json:"report_type"`
	Title              string           `json:"title"`
	FacilityIDs        []string         `json:"facility_ids,omitempty"`
	RegulationIDs      []string         `json:"regulation_ids,omitempty"`
	GapIDs             []string         `json:"gap_ids,omitempty"`
	ComplianceScore    float64          `json:"compliance_score"`
	ScoreStatus        string           `json:"score_status"`
	GapCounts          map[Severity]int `json:"gap_counts"`
	ExecutiveSummary   string           `json:"executive_summary"`
	Sections           []ReportSection  `json:"sections"`
	PriorityActions    []PriorityAction `json:"priority_actions"`
	EstimatedTotalCost float64          `json:"estimated_total_cost"`
	GeneratedAt        time.Time        `json:"generated_at"`
}
