package models

import "time"

// Package models defines the domain types shared by every stage of the
// compliance pipeline.
//
// These types describe facilities, regulations, compliance gaps, reports,
// alerts, and the per-stage decisions that make up the audit trail. Each
// entity carries a stable external identifier that is independent of any
// storage surrogate key.

// Facility types.
const (
	FacilityProduction   = "production"
	FacilityGathering    = "gathering"
	FacilityProcessing   = "processing"
	FacilityCompressor   = "compressor_station"
	FacilityTransmission = "transmission"
	FacilityStorage      = "storage"
	FacilityRefinery     = "refinery"
	FacilityDistribution = "distribution"
)

// Emission source types.
const (
	SourceCombustion = "combustion"
	SourceFugitive   = "fugitive"
	SourceVenting    = "venting"
	SourceStorage    = "storage"
	SourceLoading    = "loading"
	SourceProcess    = "process"
	SourcePneumatic  = "pneumatic"
)

// Pollutant keys used in PotentialEmissionsTPY.
const (
	PollutantVOC     = "voc"
	PollutantNOx     = "nox"
	PollutantHAP     = "hap"
	PollutantMethane = "methane"
)

// Facility is a physical site whose compliance is being assessed.
type Facility struct {
	FacilityID            string             `json:"facility_id" yaml:"facility_id"`
	Name                  string             `json:"name" yaml:"name"`
	FacilityType          string             `json:"facility_type" yaml:"facility_type"`
	Operator              string             `json:"operator,omitempty" yaml:"operator"`
	State                 string             `json:"state,omitempty" yaml:"state"`
	County                string             `json:"county,omitempty" yaml:"county"`
	Latitude              float64            `json:"latitude,omitempty" yaml:"latitude"`
	Longitude             float64            `json:"longitude,omitempty" yaml:"longitude"`
	IsMajorSource         bool               `json:"is_major_source" yaml:"is_major_source"`
	TitleVApplicable      bool               `json:"title_v_applicable" yaml:"title_v_applicable"`
	PotentialEmissionsTPY map[string]float64 `json:"potential_emissions_tpy,omitempty" yaml:"potential_emissions_tpy"`
	EmissionSources       []EmissionSource   `json:"emission_sources,omitempty" yaml:"emission_sources"`
	Permits               []Permit           `json:"permits,omitempty" yaml:"permits"`
	// Records lists the recordkeeping artifacts on file, keyed by requirement name.
	Records   []string  `json:"records,omitempty" yaml:"records"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasRecord reports whether the facility holds the named record.
func (f *Facility) HasRecord(name string) bool {
	for _, r := range f.Records {
		if r == name {
			return true
		}
	}
	return false
}

// SourcesOfType returns the emission sources of the given type.
func (f *Facility) SourcesOfType(sourceType string) []EmissionSource {
	var out []EmissionSource
	for _, s := range f.EmissionSources {
		if s.SourceType == sourceType {
			out = append(out, s)
		}
	}
	return out
}

// HasPermitType reports whether the facility holds a permit of the given type.
func (f *Facility) HasPermitType(permitType string) bool {
	for _, p := range f.Permits {
		if p.PermitType == permitType {
			return true
		}
	}
	return false
}

// EmissionSource is a piece of emitting equipment at a facility.
type EmissionSource struct {
	SourceID       string     `json:"source_id" yaml:"source_id"`
	Name           string     `json:"name" yaml:"name"`
	SourceType     string     `json:"source_type" yaml:"source_type"`
	EquipmentType  string     `json:"equipment_type,omitempty" yaml:"equipment_type"`
	Controlled     bool       `json:"controlled" yaml:"controlled"`
	BleedRateSCFH  float64    `json:"bleed_rate_scfh,omitempty" yaml:"bleed_rate_scfh"`
	LastInspection *time.Time `json:"last_inspection,omitempty" yaml:"last_inspection"`
}

// PermitTitleV is the permit type of a Title V operating permit.
const PermitTitleV = "title_v"

// Permit is an operating permit held by a facility.
type Permit struct {
	PermitNumber   string     `json:"permit_number" yaml:"permit_number"`
	PermitType     string     `json:"permit_type" yaml:"permit_type"`
	IssueDate      *time.Time `json:"issue_date,omitempty" yaml:"issue_date"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty" yaml:"expiration_date"`
}

// Regulation types.
const (
	RegulationNSPS     = "nsps"
	RegulationNESHAP   = "neshap"
	RegulationGHG      = "ghg_reporting"
	RegulationSIP      = "sip"
	RegulationTitleV   = "title_v"
	RegulationState    = "state"
	RegulationGuidance = "guidance"
	RegulationOther    = "other"
)

// Regulatory statuses.
const (
	StatusProposed  = "proposed"
	StatusFinal     = "final"
	StatusEffective = "effective"
	StatusAmended   = "amended"
	StatusWithdrawn = "withdrawn"
)

// Requirement categories a regulation can impose.
const (
	CategoryLeakDetection  = "leak_detection"
	CategoryStorageControl = "storage_control"
	CategoryPneumatic      = "pneumatic"
	CategoryPermit         = "permit"
	CategoryTitleV         = "title_v"
	CategoryRecordkeeping  = "recordkeeping"
)

// Regulation is a regulatory requirement that may apply to facilities.
type Regulation struct {
	RegulationID              string     `json:"regulation_id" yaml:"regulation_id"`
	Citation                  string     `json:"citation" yaml:"citation"`
	Title                     string     `json:"title" yaml:"title"`
	Summary                   string     `json:"summary,omitempty" yaml:"summary"`
	RegulationType            string     `json:"regulation_type" yaml:"regulation_type"`
	Status                    string     `json:"status" yaml:"status"`
	Agency                    string     `json:"agency,omitempty" yaml:"agency"`
	PublicationDate           *time.Time `json:"publication_date,omitempty" yaml:"publication_date"`
	EffectiveDate             *time.Time `json:"effective_date,omitempty" yaml:"effective_date"`
	ComplianceDeadline        *time.Time `json:"compliance_deadline,omitempty" yaml:"compliance_deadline"`
	ApplicableFacilityTypes   []string   `json:"applicable_facility_types,omitempty" yaml:"applicable_facility_types"`
	RequirementCategories     []string   `json:"requirement_categories,omitempty" yaml:"requirement_categories"`
	RecordkeepingRequirements []string   `json:"recordkeeping_requirements,omitempty" yaml:"recordkeeping_requirements"`
	MajorSourceOnly           bool       `json:"major_source_only" yaml:"major_source_only"`
	Keywords                  []string   `json:"keywords,omitempty" yaml:"keywords"`
	UpdatedAt                 time.Time  `json:"updated_at" yaml:"updated_at"`
}

// AppliesToType reports whether the regulation names facilityType. A
// regulation with no listed types applies to every type.
func (r *Regulation) AppliesToType(facilityType string) bool {
	if len(r.ApplicableFacilityTypes) == 0 {
		return true
	}
	for _, t := range r.ApplicableFacilityTypes {
		if t == facilityType {
			return true
		}
	}
	return false
}

// Finding is a unit of non-compliance detected by gap analysis, before it is
// scored and persisted as a ComplianceGap.
type Finding struct {
	FacilityID   string `json:"facility_id"`
	RegulationID string `json:"regulation_id"`
	// FindingKey identifies the specific requirement that is unmet.
	FindingKey        string `json:"finding_key"`
	Category          string `json:"category"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	RemediationAction string `json:"remediation_action"`
	Units             int    `json:"units,omitempty"`
	MajorSource       bool   `json:"major_source"`
	// EnforcementLikelihood overrides the category baseline when set.
	EnforcementLikelihood *float64   `json:"enforcement_likelihood,omitempty"`
	Deadline              *time.Time `json:"deadline,omitempty"`
	Evidence              []string   `json:"evidence,omitempty"`
}

// Key returns the dedup key of the finding.
func (f Finding) Key() GapKey {
	return GapKey{FacilityID: f.FacilityID, RegulationID: f.RegulationID, FindingKey: f.FindingKey}
}
