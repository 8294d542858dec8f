package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// ─── Compliance gaps ─────────────────────────────────────────────────────────

// FindActiveGap returns the non-closed gap for key, or nil when none exists.
func (s *SQLiteStore) FindActiveGap(ctx context.Context, key models.GapKey) (*models.ComplianceGap, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT payload, status, version FROM compliance_gaps
        WHERE facility_id = ? AND regulation_id = ? AND finding_key = ? AND status != ?
        LIMIT 1
    `, key.FacilityID, key.RegulationID, key.FindingKey, string(models.GapClosed))
	g, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active gap %s: %w", key, err)
	}
	return g, nil
}

// UpsertGap implements knowledge.GapStore.
func (s *SQLiteStore) UpsertGap(ctx context.Context, gap *models.ComplianceGap) (*models.ComplianceGap, error) {
	g := *gap
	if g.GapID == "" {
		return nil, &models.ValidationError{Field: "gap_id", Message: "required"}
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	if g.IdentifiedAt.IsZero() {
		g.IdentifiedAt = g.UpdatedAt
	}

	expected := g.Version
	g.Version = expected + 1
	payload, err := encode(&g)
	if err != nil {
		return nil, err
	}

	if expected == 0 {
		_, err = s.db.ExecContext(ctx, `
            INSERT INTO compliance_gaps(gap_id, facility_id, regulation_id, finding_key, status, severity,
                                        risk_score, version, payload, identified_at, updated_at)
            VALUES(?,?,?,?,?,?,?,?,?,?,?)
        `, g.GapID, g.FacilityID, g.RegulationID, g.FindingKey, string(g.Status), string(g.Severity),
			g.RiskScore, g.Version, payload, formatTime(g.IdentifiedAt), formatTime(g.UpdatedAt))
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert gap %s: %w", g.Key(), models.ErrDuplicateGapConflict)
		}
		if err != nil {
			return nil, fmt.Errorf("insert gap %s: %w", g.Key(), err)
		}
		return &g, nil
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE compliance_gaps
        SET status = ?, severity = ?, risk_score = ?, version = ?, payload = ?, updated_at = ?
        WHERE gap_id = ? AND version = ?
    `, string(g.Status), string(g.Severity), g.RiskScore, g.Version, payload, formatTime(g.UpdatedAt),
		g.GapID, expected)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("update gap %s: %w", g.GapID, models.ErrDuplicateGapConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update gap %s: %w", g.GapID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("update gap %s at version %d: %w", g.GapID, expected, models.ErrDuplicateGapConflict)
	}
	return &g, nil
}

// GetGap fetches a gap by id.
func (s *SQLiteStore) GetGap(ctx context.Context, gapID string) (*models.ComplianceGap, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, status, version FROM compliance_gaps WHERE gap_id = ?`, gapID)
	g, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gap %s: %w", gapID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get gap %s: %w", gapID, err)
	}
	return g, nil
}

// FindGaps lists gaps ordered by risk score, highest first.
func (s *SQLiteStore) FindGaps(ctx context.Context, filter knowledge.GapFilter) ([]models.ComplianceGap, error) {
	query := `SELECT payload, status, version FROM compliance_gaps WHERE 1=1`
	var args []any
	query, args = inClause(query, args, "gap_id", filter.GapIDs)
	query, args = inClause(query, args, "facility_id", filter.FacilityIDs)
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	query, args = inClause(query, args, "status", statuses)
	if filter.ActiveOnly {
		query += ` AND status != ?`
		args = append(args, string(models.GapClosed))
	}
	query += ` ORDER BY risk_score DESC, gap_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find gaps: %w", err)
	}
	defer rows.Close()

	var out []models.ComplianceGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// TransitionGap moves a gap through its lifecycle under a version check.
func (s *SQLiteStore) TransitionGap(ctx context.Context, gapID string, next models.GapStatus, by, notes string, at time.Time) (*models.ComplianceGap, error) {
	g, err := s.GetGap(ctx, gapID)
	if err != nil {
		return nil, err
	}
	if err := g.Transition(next, by, notes, at); err != nil {
		return nil, err
	}
	return s.UpsertGap(ctx, g)
}

func scanGap(row rowScanner) (*models.ComplianceGap, error) {
	var payload, status string
	var version int
	if err := row.Scan(&payload, &status, &version); err != nil {
		return nil, err
	}
	var g models.ComplianceGap
	if err := decode(payload, &g); err != nil {
		return nil, err
	}
	// columns are authoritative
	g.Status = models.GapStatus(status)
	g.Version = version
	return &g, nil
}
