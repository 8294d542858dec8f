package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the graded seriousness of a compliance gap or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var severityWeight = map[Severity]float64{
	SeverityLow:      0.25,
	SeverityMedium:   0.50,
	SeverityHigh:     0.75,
	SeverityCritical: 0.95,
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Weight is the severity contribution to risk scoring.
func (s Severity) Weight() float64 { return severityWeight[s] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Escalate returns the next severity up, saturating at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", v)}
	}
	return s, nil
}

// GapStatus is the lifecycle state of a compliance gap.
type GapStatus string

const (
	GapOpen       GapStatus = "open"
	GapInProgress GapStatus = "in_progress"
	GapClosed     GapStatus = "closed"
	GapDeferred   GapStatus = "deferred"
)

var gapTransitions = map[GapStatus][]GapStatus{
	GapOpen:       {GapInProgress, GapClosed, GapDeferred},
	GapInProgress: {GapClosed, GapDeferred},
	GapDeferred:   {GapOpen, GapInProgress, GapClosed},
}

// Valid reports whether s is a known status.
func (s GapStatus) Valid() bool {
	switch s {
	case GapOpen, GapInProgress, GapClosed, GapDeferred:
		return true
	}
	return false
}

// Active reports whether a gap in this status still participates in
// deduplication. Only closed gaps are retired.
func (s GapStatus) Active() bool { return s.Valid() && s != GapClosed }

// CanTransition reports whether the lifecycle allows moving to next.
func (s GapStatus) CanTransition(next GapStatus) bool {
	for _, n := range gapTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// GapKey is the deduplication key of a gap.
type GapKey struct {
	FacilityID   string `json:"facility_id"`
	RegulationID string `json:"regulation_id"`
	FindingKey   string `json:"finding_key"`
}

func (k GapKey) String() string {
	return k.FacilityID + "|" + k.RegulationID + "|" + k.FindingKey
}

// ComplianceGap is a scored, persisted instance of non-compliance.
type ComplianceGap struct {
	GapID                 string     `json:"gap_id"`
	FacilityID            string     `json:"facility_id"`
	RegulationID          string     `json:"regulation_id"`
	FindingKey            string     `json:"finding_key"`
	Category              string     `json:"category"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	Severity              Severity   `json:"severity"`
	Status                GapStatus  `json:"status"`
	RiskScore             float64    `json:"risk_score"`
	EnforcementLikelihood float64    `json:"enforcement_likelihood"`
	Priority              string     `json:"priority"`
	EstimatedCost         float64    `json:"estimated_cost"`
	EstimatedEffortHours  float64    `json:"estimated_effort_hours"`
	RegulatoryDeadline    *time.Time `json:"regulatory_deadline,omitempty"`
	InternalDeadline      *time.Time `json:"internal_deadline,omitempty"`
	RecommendedAction     string     `json:"recommended_action"`
	Evidence              []string   `json:"evidence,omitempty"`
	RunID                 string     `json:"run_id"`
	LastRunID             string     `json:"last_run_id"`
	ResolutionNotes       string     `json:"resolution_notes,omitempty"`
	ResolvedBy            string     `json:"resolved_by,omitempty"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	// Version increments on every write and guards compare-and-update.
	Version      int       `json:"version"`
	IdentifiedAt time.Time `json:"identified_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the dedup key of the gap.
func (g *ComplianceGap) Key() GapKey {
	return GapKey{FacilityID: g.FacilityID, RegulationID: g.RegulationID, FindingKey: g.FindingKey}
}

// Transition moves the gap to next, recording resolution details when the gap
// is closed.
func (g *ComplianceGap) Transition(next GapStatus, by, notes string, at time.Time) error {
	if !next.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown gap status %q", next)}
	}
	if !g.Status.CanTransition(next) {
		return fmt.Errorf("gap %s: %s -> %s: %w", g.GapID, g.Status, next, ErrInvalidTransition)
	}
	g.Status = next
	g.UpdatedAt = at
	if notes != "" {
		g.ResolutionNotes = notes
	}
	if next == GapClosed {
		t := at
		g.ResolvedAt = &t
		g.ResolvedBy = by
	}
	return nil
}
