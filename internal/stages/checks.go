package stages

import (
	"fmt"
	"strings"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
)

// Requirement check parameters.
const (
	ldarSurveyIntervalDays = 90
	permitRenewalDays      = 180
	highBleedSCFH          = 6.0
)

// checkFunc inspects one facility against one regulation.
type checkFunc func(f models.Facility, r models.Regulation, major bool, now time.Time) []models.Finding

var checksByCategory = map[string]checkFunc{
	models.CategoryLeakDetection:  checkLeakDetection,
	models.CategoryStorageControl: checkStorageControl,
	models.CategoryPneumatic:      checkPneumatics,
	models.CategoryPermit:         checkPermits,
	models.CategoryTitleV:         checkTitleV,
	models.CategoryRecordkeeping:  checkRecordkeeping,
}

// Findings runs every check the regulation's requirement categories call for.
// Recordkeeping is checked whenever the regulation lists records.
func Findings(f models.Facility, r models.Regulation, major bool, now time.Time) []models.Finding {
	categories := append([]string(nil), r.RequirementCategories...)
	if len(r.RecordkeepingRequirements) > 0 {
		categories = append(categories, models.CategoryRecordkeeping)
	}

	var out []models.Finding
	ran := map[string]bool{}
	for _, c := range categories {
		check, ok := checksByCategory[c]
		if !ok || ran[c] {
			continue
		}
		ran[c] = true
		for _, fd := range check(f, r, major, now) {
			fd.FacilityID = f.FacilityID
			fd.RegulationID = r.RegulationID
			fd.Category = c
			fd.MajorSource = major
			out = append(out, fd)
		}
	}
	return out
}

func checkLeakDetection(f models.Facility, r models.Regulation, _ bool, now time.Time) []models.Finding {
	sources := f.SourcesOfType(models.SourceFugitive)
	if len(sources) == 0 {
		return nil
	}

	var undocumented []string
	var oldest *time.Time
	for _, s := range sources {
		if s.LastInspection == nil {
			undocumented = append(undocumented, s.SourceID)
			continue
		}
		if oldest == nil || s.LastInspection.Before(*oldest) {
			t := *s.LastInspection
			oldest = &t
		}
	}

	if len(undocumented) > 0 {
		return []models.Finding{{
			FindingKey:        scoring.FindingLDARNotDocumented,
			Title:             "LDAR program not documented",
			Description:       fmt.Sprintf("%d fugitive components have no leak detection survey on record", len(undocumented)),
			RemediationAction: scoring.ActionImplementLDAR,
			Units:             len(undocumented),
			Deadline:          r.ComplianceDeadline,
			Evidence:          prefixed("source:", undocumented),
		}}
	}

	due := oldest.AddDate(0, 0, ldarSurveyIntervalDays)
	if !due.Before(now) {
		return nil
	}
	return []models.Finding{{
		FindingKey:        scoring.FindingLDARSurveyOverdue,
		Title:             "LDAR survey overdue",
		Description:       fmt.Sprintf("Last leak detection survey on %s exceeds the %d-day interval", oldest.Format("2006-01-02"), ldarSurveyIntervalDays),
		RemediationAction: scoring.ActionConductLDARSurvey,
		Units:             len(sources),
		Deadline:          &due,
		Evidence:          []string{"last_survey:" + oldest.Format("2006-01-02")},
	}}
}

func checkStorageControl(f models.Facility, r models.Regulation, _ bool, _ time.Time) []models.Finding {
	var uncontrolled []string
	for _, s := range f.SourcesOfType(models.SourceStorage) {
		if !s.Controlled {
			uncontrolled = append(uncontrolled, s.SourceID)
		}
	}
	if len(uncontrolled) == 0 {
		return nil
	}
	return []models.Finding{{
		FindingKey:        scoring.FindingStorageUncontrolled,
		Title:             "Storage vessels without vapor control",
		Description:       fmt.Sprintf("%d storage vessels lack emission controls", len(uncontrolled)),
		RemediationAction: scoring.ActionInstallVaporCtrl,
		Units:             len(uncontrolled),
		Deadline:          r.ComplianceDeadline,
		Evidence:          prefixed("source:", uncontrolled),
	}}
}

func checkPneumatics(f models.Facility, r models.Regulation, _ bool, _ time.Time) []models.Finding {
	var highBleed []string
	for _, s := range f.SourcesOfType(models.SourcePneumatic) {
		if strings.Contains(strings.ToLower(s.EquipmentType), "high") || s.BleedRateSCFH > highBleedSCFH {
			highBleed = append(highBleed, s.SourceID)
		}
	}
	if len(highBleed) == 0 {
		return nil
	}
	return []models.Finding{{
		FindingKey:        scoring.FindingPneumaticHighBleed,
		Title:             "High-bleed pneumatic controllers in service",
		Description:       fmt.Sprintf("%d pneumatic controllers bleed more than %.0f scfh", len(highBleed), highBleedSCFH),
		RemediationAction: scoring.ActionReplacePneumatics,
		Units:             len(highBleed),
		Deadline:          r.ComplianceDeadline,
		Evidence:          prefixed("source:", highBleed),
	}}
}

func checkPermits(f models.Facility, _ models.Regulation, _ bool, now time.Time) []models.Finding {
	var out []models.Finding
	for _, p := range f.Permits {
		if p.ExpirationDate == nil {
			continue
		}
		exp := *p.ExpirationDate
		days := models.DaysUntil(exp, now)
		switch {
		case days < 0:
			out = append(out, models.Finding{
				FindingKey:        scoring.FindingPermitExpired + ":" + p.PermitNumber,
				Title:             fmt.Sprintf("Permit %s expired", p.PermitNumber),
				Description:       fmt.Sprintf("Permit %s expired on %s", p.PermitNumber, exp.Format("2006-01-02")),
				RemediationAction: scoring.ActionRenewExpiredPermit,
				Deadline:          &exp,
				Evidence:          []string{"permit:" + p.PermitNumber},
			})
		case days <= permitRenewalDays:
			out = append(out, models.Finding{
				FindingKey:        scoring.FindingPermitExpiring + ":" + p.PermitNumber,
				Title:             fmt.Sprintf("Permit %s expiring", p.PermitNumber),
				Description:       fmt.Sprintf("Permit %s expires in %d days", p.PermitNumber, days),
				RemediationAction: scoring.ActionRenewPermit,
				Deadline:          &exp,
				Evidence:          []string{"permit:" + p.PermitNumber},
			})
		}
	}
	return out
}

func checkTitleV(f models.Facility, r models.Regulation, major bool, _ time.Time) []models.Finding {
	if !(major || f.TitleVApplicable) || f.HasPermitType(models.PermitTitleV) {
		return nil
	}
	return []models.Finding{{
		FindingKey:        scoring.FindingTitleVMissing,
		Title:             "Title V operating permit missing",
		Description:       "Major source operating without a Title V permit",
		RemediationAction: scoring.ActionApplyTitleV,
		Deadline:          r.ComplianceDeadline,
		Evidence:          []string{"title_v_required"},
	}}
}

func checkRecordkeeping(f models.Facility, r models.Regulation, _ bool, _ time.Time) []models.Finding {
	var out []models.Finding
	for _, req := range r.RecordkeepingRequirements {
		if f.HasRecord(req) {
			continue
		}
		out = append(out, models.Finding{
			FindingKey:        scoring.FindingDocumentationMissing + ":" + req,
			Title:             fmt.Sprintf("Missing record: %s", req),
			Description:       fmt.Sprintf("No %s record on file", req),
			RemediationAction: scoring.ActionCompileRecords,
			Deadline:          r.ComplianceDeadline,
			Evidence:          []string{"record:" + req},
		})
	}
	return out
}

func prefixed(prefix string, values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = prefix + v
	}
	return out
}
