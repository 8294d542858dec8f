package knowledge

import (
	"context"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/models"
)

// Package knowledge defines the storage contracts the pipeline depends on.
//
// The stages never talk to a database directly. They receive the narrow
// interface they need (Catalog for reads, GapStore for deduplicated writes,
// DecisionStore for the audit trail) and any implementation that satisfies
// it can back a run. internal/db provides the SQLite implementation; the
// FallbackCatalog decorator in this package serves last-known-good reads
// when the backing store is unreachable.

// RegulationFilter narrows a regulation lookup. Zero values match everything.
type RegulationFilter struct {
	RegulationIDs []string
	// ChangedSince keeps regulations updated or published at or after the time.
	ChangedSince *time.Time
	// DeadlineBefore keeps regulations with a compliance deadline at or before
	// the time, including ones already past.
	DeadlineBefore *time.Time
	// ExcludeWithdrawn drops regulations in the withdrawn status.
	ExcludeWithdrawn bool
}

// FacilityFilter narrows a facility lookup.
type FacilityFilter struct {
	FacilityIDs []string
}

// GapFilter narrows a gap listing.
type GapFilter struct {
	GapIDs      []string
	FacilityIDs []string
	Statuses    []models.GapStatus
	ActiveOnly  bool
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	UnacknowledgedOnly bool
	FacilityID         string
}

// Catalog is the read side of the knowledge store.
type Catalog interface {
	FindRegulations(ctx context.Context, filter RegulationFilter) ([]models.Regulation, error)
	FindFacilities(ctx context.Context, filter FacilityFilter) ([]models.Facility, error)
}

// GapStore persists gaps with compare-and-update semantics.
//
// UpsertGap inserts gap when Version is 0 and otherwise updates the stored
// row only if its version still equals gap.Version. Either path returns
// models.ErrDuplicateGapConflict when another writer got there first.
type GapStore interface {
	FindActiveGap(ctx context.Context, key models.GapKey) (*models.ComplianceGap, error)
	UpsertGap(ctx context.Context, gap *models.ComplianceGap) (*models.ComplianceGap, error)
}

// GapReader lists and fetches gaps.
type GapReader interface {
	FindGaps(ctx context.Context, filter GapFilter) ([]models.ComplianceGap, error)
	GetGap(ctx context.Context, gapID string) (*models.ComplianceGap, error)
}

// GapResolver applies lifecycle transitions to stored gaps.
type GapResolver interface {
	TransitionGap(ctx context.Context, gapID string, next models.GapStatus, by, notes string, at time.Time) (*models.ComplianceGap, error)
}

// DecisionStore is the append-only decision log storage.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d *models.AgentDecision) error
	ListDecisions(ctx context.Context, runID string) ([]models.AgentDecision, error)
}

// ReportStore persists generated reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, reportID string) (*models.Report, error)
}

// AlertStore persists deadline alerts.
type AlertStore interface {
	UpsertAlert(ctx context.Context, a *models.RegulatoryAlert) (*models.RegulatoryAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.RegulatoryAlert, error)
	AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) (*models.RegulatoryAlert, error)
}

// Seeder loads reference data.
type Seeder interface {
	SaveFacility(ctx context.Context, f *models.Facility) error
	SaveRegulation(ctx context.Context, r *models.Regulation) error
}

// Store is the full knowledge store contract as implemented by internal/db.
type Store interface {
	Catalog
	GapStore
	GapReader
	GapResolver
	DecisionStore
	ReportStore
	AlertStore
	Seeder

	Ping(ctx context.Context) error
	Close() error
}
