package db

import (
	"context"
	"fmt"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// ─── Facilities ──────────────────────────────────────────────────────────────

// SaveFacility inserts or replaces a facility.
func (s *SQLiteStore) SaveFacility(ctx context.Context, f *models.Facility) error {
	if f.FacilityID == "" {
		return &models.ValidationError{Field: "facility_id", Message: "required"}
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	payload, err := encode(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO facilities(facility_id, name, facility_type, payload, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(facility_id) DO UPDATE SET
            name          = excluded.name,
            facility_type = excluded.facility_type,
            payload       = excluded.payload,
            updated_at    = excluded.updated_at
    `, f.FacilityID, f.Name, f.FacilityType, payload, formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save facility %s: %w", f.FacilityID, err)
	}
	return nil
}

// FindFacilities implements knowledge.Catalog.
func (s *SQLiteStore) FindFacilities(ctx context.Context, filter knowledge.FacilityFilter) ([]models.Facility, error) {
	query := `SELECT payload FROM facilities WHERE 1=1`
	var args []any
	query, args = inClause(query, args, "facility_id", filter.FacilityIDs)
	query += ` ORDER BY facility_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find facilities: %w", err)
	}
	defer rows.Close()

	var out []models.Facility
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var f models.Facility
		if err := decode(payload, &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─── Regulations ─────────────────────────────────────────────────────────────

// SaveRegulation inserts or replaces a regulation.
func (s *SQLiteStore) SaveRegulation(ctx context.Context, r *models.Regulation) error {
	if r.RegulationID == "" {
		return &models.ValidationError{Field: "regulation_id", Message: "required"}
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	changed := r.UpdatedAt
	if r.PublicationDate != nil && r.PublicationDate.After(changed) {
		changed = *r.PublicationDate
	}
	var deadline any
	if r.ComplianceDeadline != nil {
		deadline = formatTime(*r.ComplianceDeadline)
	}
	payload, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO regulations(regulation_id, citation, status, changed_at, compliance_deadline, payload, updated_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(regulation_id) DO UPDATE SET
            citation            = excluded.citation,
            status              = excluded.status,
            changed_at          = excluded.changed_at,
            compliance_deadline = excluded.compliance_deadline,
            payload             = excluded.payload,
            updated_at          = excluded.updated_at
    `, r.RegulationID, r.Citation, r.Status, formatTime(changed), deadline, payload, formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save regulation %s: %w", r.RegulationID, err)
	}
	return nil
}

// FindRegulations implements knowledge.Catalog.
func (s *SQLiteStore) FindRegulations(ctx context.Context, filter knowledge.RegulationFilter) ([]models.Regulation, error) {
	query := `SELECT payload FROM regulations WHERE 1=1`
	var args []any
	query, args = inClause(query, args, "regulation_id", filter.RegulationIDs)
	if filter.ChangedSince != nil {
		query += ` AND changed_at >= ?`
		args = append(args, formatTime(*filter.ChangedSince))
	}
	if filter.DeadlineBefore != nil {
		query += ` AND compliance_deadline IS NOT NULL AND compliance_deadline <= ?`
		args = append(args, formatTime(*filter.DeadlineBefore))
	}
	if filter.ExcludeWithdrawn {
		query += ` AND status != ?`
		args = append(args, models.StatusWithdrawn)
	}
	query += ` ORDER BY regulation_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find regulations: %w", err)
	}
	defer rows.Close()

	var out []models.Regulation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r models.Regulation
		if err := decode(payload, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
