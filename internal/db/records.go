package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// ─── Decisions ───────────────────────────────────────────────────────────────

// AppendDecision writes a decision. Rows can never be updated or deleted.
func (s *SQLiteStore) AppendDecision(ctx context.Context, d *models.AgentDecision) error {
	payload, err := encode(d)
	if err != nil {
		return err
	}
	success := 0
	if d.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO agent_decisions(decision_id, run_id, sequence, stage_name, success, corrects_id,
                                    content_hash, payload, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?)
    `, d.DecisionID, d.RunID, d.Sequence, d.StageName, success, d.CorrectsID,
		d.ContentHash, payload, formatTime(d.Timestamp))
	if err != nil {
		return fmt.Errorf("append decision %s (run %s seq %d): %w", d.DecisionID, d.RunID, d.Sequence, err)
	}
	return nil
}

// ListDecisions returns a run's decisions in sequence order.
func (s *SQLiteStore) ListDecisions(ctx context.Context, runID string) ([]models.AgentDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM agent_decisions WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.AgentDecision
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d models.AgentDecision
		if err := decode(payload, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─── Reports ─────────────────────────────────────────────────────────────────

// SaveReport stores a generated report.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *models.Report) error {
	payload, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO reports(report_id, run_id, payload, generated_at) VALUES(?,?,?,?)
        ON CONFLICT(report_id) DO UPDATE SET payload = excluded.payload
    `, r.ReportID, r.RunID, payload, formatTime(r.GeneratedAt))
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.ReportID, err)
	}
	return nil
}

// GetReport fetches a report by id.
func (s *SQLiteStore) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE report_id = ?`, reportID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", reportID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", reportID, err)
	}
	var r models.Report
	if err := decode(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

// UpsertAlert stores an alert keyed by source and deadline. An existing alert
// keeps its id and acknowledgement state; severity and countdown refresh.
func (s *SQLiteStore) UpsertAlert(ctx context.Context, a *models.RegulatoryAlert) (*models.RegulatoryAlert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	key := a.AlertKey()
	stored := *a

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM regulatory_alerts WHERE alert_key = ?`, key).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		payload, err := encode(&stored)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO regulatory_alerts(alert_id, alert_key, facility_id, severity, acknowledged, payload, created_at)
            VALUES(?,?,?,?,?,?,?)
        `, stored.AlertID, key, stored.FacilityID, string(stored.Severity), boolInt(stored.Acknowledged),
			payload, formatTime(stored.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("insert alert %s: %w", key, err)
		}
	case err != nil:
		return nil, fmt.Errorf("load alert %s: %w", key, err)
	default:
		var prev models.RegulatoryAlert
		if err := decode(existing, &prev); err != nil {
			return nil, err
		}
		stored.AlertID = prev.AlertID
		stored.CreatedAt = prev.CreatedAt
		stored.Acknowledged = prev.Acknowledged
		stored.AcknowledgedBy = prev.AcknowledgedBy
		stored.AcknowledgedAt = prev.AcknowledgedAt
		payload, err := encode(&stored)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE regulatory_alerts SET severity = ?, payload = ? WHERE alert_key = ?
        `, string(stored.Severity), payload, key)
		if err != nil {
			return nil, fmt.Errorf("update alert %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListAlerts returns alerts, most urgent deadline first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter knowledge.AlertFilter) ([]models.RegulatoryAlert, error) {
	query := `SELECT payload FROM regulatory_alerts WHERE 1=1`
	var args []any
	if filter.UnacknowledgedOnly {
		query += ` AND acknowledged = 0`
	}
	if filter.FacilityID != "" {
		query += ` AND facility_id = ?`
		args = append(args, filter.FacilityID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.RegulatoryAlert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a models.RegulatoryAlert
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAlerts(out)
	return out, nil
}

// AcknowledgeAlert marks an alert as acknowledged.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) (*models.RegulatoryAlert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM regulatory_alerts WHERE alert_id = ?`, alertID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	var a models.RegulatoryAlert
	if err := decode(payload, &a); err != nil {
		return nil, err
	}
	if err := a.Acknowledge(by, at); err != nil {
		return nil, err
	}
	updated, err := encode(&a)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE regulatory_alerts SET acknowledged = 1, payload = ? WHERE alert_id = ?`, updated, alertID); err != nil {
		return nil, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortAlerts(alerts []models.RegulatoryAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].DaysUntilDeadline != alerts[j].DaysUntilDeadline {
			return alerts[i].DaysUntilDeadline < alerts[j].DaysUntilDeadline
		}
		return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
	})
}
