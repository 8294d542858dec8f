// Package alerts derives deadline alerts from regulations and open gaps.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/metrics"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// Config holds the deadline thresholds in days.
type Config struct {
	CriticalDeadlineDays int
	HighDeadlineDays     int
}

// DefaultConfig returns 30/90 day thresholds.
func DefaultConfig() Config {
	return Config{CriticalDeadlineDays: 30, HighDeadlineDays: 90}
}

// Urgency maps days-until-deadline to an alert severity. ok is false when the
// deadline is beyond the high threshold.
func Urgency(cfg Config, days int) (sev models.Severity, ok bool) {
	switch {
	case days < 0, days <= cfg.CriticalDeadlineDays:
		return models.SeverityCritical, true
	case days <= cfg.HighDeadlineDays:
		return models.SeverityHigh, true
	default:
		return "", false
	}
}

// Engine builds and persists RegulatoryAlerts.
type Engine struct {
	cfg    Config
	store  knowledge.AlertStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine. store may be nil, in which case Raise only
// derives alerts.
func NewEngine(cfg Config, store knowledge.AlertStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, logger: logger, now: time.Now}
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// WithClock overrides time.Now and returns the engine.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ForRegulations returns alerts for non-withdrawn regulations whose
// compliance deadline falls inside the high threshold or has passed.
func (e *Engine) ForRegulations(runID string, regs []models.Regulation) []models.RegulatoryAlert {
	now := e.now()
	var out []models.RegulatoryAlert
	for _, r := range regs {
		if r.ComplianceDeadline == nil || r.Status == models.StatusWithdrawn {
			continue
		}
		days := models.DaysUntil(*r.ComplianceDeadline, now)
		sev, ok := Urgency(e.cfg, days)
		if !ok {
			continue
		}
		out = append(out, models.RegulatoryAlert{
			AlertID:           uuid.NewString(),
			SourceType:        models.AlertSourceRegulation,
			SourceID:          r.RegulationID,
			RegulationID:      r.RegulationID,
			Severity:          sev,
			Title:             fmt.Sprintf("%s compliance deadline", r.Citation),
			Message:           deadlineMessage(r.Title, days),
			Deadline:          r.ComplianceDeadline.UTC(),
			DaysUntilDeadline: days,
			RunID:             runID,
			CreatedAt:         now,
		})
	}
	sortAlerts(out)
	return out
}

// ForGaps returns alerts for active gaps with a regulatory deadline inside the
// high threshold. The gap's own severity is kept but raised to at least high
// inside the critical threshold, and to critical once the deadline passes.
func (e *Engine) ForGaps(runID string, gaps []models.ComplianceGap) []models.RegulatoryAlert {
	now := e.now()
	var out []models.RegulatoryAlert
	for _, g := range gaps {
		if g.RegulatoryDeadline == nil || !g.Status.Active() {
			continue
		}
		days := models.DaysUntil(*g.RegulatoryDeadline, now)
		if days > e.cfg.HighDeadlineDays {
			continue
		}
		sev := g.Severity
		switch {
		case days < 0:
			sev = models.SeverityCritical
		case days <= e.cfg.CriticalDeadlineDays:
			sev = models.MaxSeverity(sev, models.SeverityHigh)
		}
		out = append(out, models.RegulatoryAlert{
			AlertID:           uuid.NewString(),
			SourceType:        models.AlertSourceGap,
			SourceID:          g.GapID,
			FacilityID:        g.FacilityID,
			RegulationID:      g.RegulationID,
			Severity:          sev,
			Title:             g.Title,
			Message:           deadlineMessage(g.Title, days),
			Deadline:          g.RegulatoryDeadline.UTC(),
			DaysUntilDeadline: days,
			RunID:             runID,
			CreatedAt:         now,
		})
	}
	sortAlerts(out)
	return out
}

// Raise derives alerts for regs and gaps and persists them. Persistence
// failures are logged and the derived alerts are still returned.
func (e *Engine) Raise(ctx context.Context, runID string, regs []models.Regulation, gaps []models.ComplianceGap) []models.RegulatoryAlert {
	derived := append(e.ForRegulations(runID, regs), e.ForGaps(runID, gaps)...)
	out := make([]models.RegulatoryAlert, 0, len(derived))
	for i := range derived {
		a := derived[i]
		metrics.AlertsRaised.WithLabelValues(a.SourceType, string(a.Severity)).Inc()
		if e.store == nil {
			out = append(out, a)
			continue
		}
		saved, err := e.store.UpsertAlert(ctx, &a)
		if err != nil {
			e.logger.Warn("Failed to persist alert",
				zap.String("run_id", runID),
				zap.String("alert_key", a.AlertKey()),
				zap.Error(err))
			out = append(out, a)
			continue
		}
		out = append(out, *saved)
	}
	sortAlerts(out)
	return out
}

// Acknowledge marks a stored alert as acknowledged by by.
func (e *Engine) Acknowledge(ctx context.Context, alertID, by string) (*models.RegulatoryAlert, error) {
	if e.store == nil {
		return nil, fmt.Errorf("acknowledge alert %s: no alert store: %w", alertID, models.ErrDependencyUnavailable)
	}
	if by == "" {
		return nil, &models.ValidationError{Field: "acknowledged_by", Message: "required"}
	}
	return e.store.AcknowledgeAlert(ctx, alertID, by, e.now())
}

func deadlineMessage(subject string, days int) string {
	switch {
	case days < 0:
		return fmt.Sprintf("Compliance deadline for %s passed %d days ago", subject, -days)
	case days == 0:
		return fmt.Sprintf("Compliance deadline for %s is today", subject)
	default:
		return fmt.Sprintf("Compliance deadline in %d days for %s", days, subject)
	}
}

// sortAlerts orders by nearest deadline, then highest severity.
func sortAlerts(alerts []models.RegulatoryAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].DaysUntilDeadline != alerts[j].DaysUntilDeadline {
			return alerts[i].DaysUntilDeadline < alerts[j].DaysUntilDeadline
		}
		return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
	})
}
