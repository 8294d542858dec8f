package models

import (
	"fmt"
	"time"
)

// Alert sources.
const (
	AlertSourceRegulation = "regulation"
	AlertSourceGap        = "gap"
)

// RegulatoryAlert is a deadline-driven notification.
type RegulatoryAlert struct {
	AlertID           string     `json:"alert_id"`
	SourceType        string     `json:"source_type"`
	SourceID          string     `json:"source_id"`
	FacilityID        string     `json:"facility_id,omitempty"`
	RegulationID      string     `json:"regulation_id,omitempty"`
	Severity          Severity   `json:"severity"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	Deadline          time.Time  `json:"deadline"`
	DaysUntilDeadline int        `json:"days_until_deadline"`
	Acknowledged      bool       `json:"acknowledged"`
	AcknowledgedBy    string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	RunID             string     `json:"run_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// AlertKey identifies the same alert across runs.
func (a *RegulatoryAlert) AlertKey() string {
	return fmt.Sprintf("%s:%s:%s", a.SourceType, a.SourceID, a.Deadline.UTC().Format("2006-01-02"))
}

// Acknowledge marks the alert as seen. Acknowledgement is one-way.
func (a *RegulatoryAlert) Acknowledge(by string, at time.Time) error {
	if by == "" {
		return &ValidationError{Field: "acknowledged_by", Message: "required"}
	}
	if a.Acknowledged {
		return fmt.Errorf("alert %s already acknowledged: %w", a.AlertID, ErrInvalidTransition)
	}
	t := at.UTC()
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &t
	return nil
}
