package scoring

import "github.com/envirocomply/envirocomply-core/internal/models"

// Finding keys produced by gap analysis.
const (
	FindingLDARNotDocumented    = "ldar_not_documented"
	FindingLDARSurveyOverdue    = "ldar_survey_overdue"
	FindingStorageUncontrolled  = "storage_uncontrolled"
	FindingPneumaticHighBleed   = "pneumatic_high_bleed"
	FindingPermitExpired        = "permit_expired"
	FindingPermitExpiring       = "permit_expiring"
	FindingTitleVMissing        = "title_v_missing"
	FindingDocumentationMissing = "documentation_missing"
)

// SeverityRule maps a finding to a severity. Empty or nil fields match
// anything; the most specific matching rule wins.
type SeverityRule struct {
	Category    string
	FindingKey  string
	MajorSource *bool
	// WithinDays matches when the deadline is at most this many days away.
	WithinDays *int
	Severity   models.Severity
}

func (r SeverityRule) specificity() int {
	n := 0
	if r.Category != "" {
		n++
	}
	if r.FindingKey != "" {
		n++
	}
	if r.MajorSource != nil {
		n++
	}
	if r.WithinDays != nil {
		n++
	}
	return n
}

func (r SeverityRule) matches(category, findingKey string, major bool, daysUntil *int) bool {
	if r.Category != "" && r.Category != category {
		return false
	}
	if r.FindingKey != "" && r.FindingKey != baseKey(findingKey) {
		return false
	}
	if r.MajorSource != nil && *r.MajorSource != major {
		return false
	}
	if r.WithinDays != nil && (daysUntil == nil || *daysUntil > *r.WithinDays) {
		return false
	}
	return true
}

// baseKey strips a ":qualifier" suffix (e.g. a permit number) from a finding key.
func baseKey(findingKey string) string {
	for i := 0; i < len(findingKey); i++ {
		if findingKey[i] == ':' {
			return findingKey[:i]
		}
	}
	return findingKey
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// DefaultSeverityRules is the built-in rule table.
func DefaultSeverityRules() []SeverityRule {
	return []SeverityRule{
		{Category: models.CategoryLeakDetection, Severity: models.SeverityHigh},
		{Category: models.CategoryLeakDetection, FindingKey: FindingLDARNotDocumented, Severity: models.SeverityCritical},
		{Category: models.CategoryLeakDetection, FindingKey: FindingLDARSurveyOverdue, Severity: models.SeverityHigh},
		{Category: models.CategoryLeakDetection, FindingKey: FindingLDARSurveyOverdue, MajorSource: boolPtr(true), Severity: models.SeverityCritical},

		{Category: models.CategoryStorageControl, Severity: models.SeverityHigh},
		{Category: models.CategoryPneumatic, Severity: models.SeverityMedium},

		{Category: models.CategoryPermit, FindingKey: FindingPermitExpired, Severity: models.SeverityCritical},
		{Category: models.CategoryPermit, FindingKey: FindingPermitExpiring, Severity: models.SeverityMedium},
		{Category: models.CategoryPermit, FindingKey: FindingPermitExpiring, WithinDays: intPtr(90), Severity: models.SeverityHigh},

		{Category: models.CategoryTitleV, Severity: models.SeverityCritical},
		{Category: models.CategoryRecordkeeping, Severity: models.SeverityLow},
	}
}

// defaultSeverity applies when no rule matches.
const defaultSeverity = models.SeverityMedium

// classify picks the severity from rules. Among equally specific matches the
// lower severity wins.
func classify(rules []SeverityRule, category, findingKey string, major bool, daysUntil *int) models.Severity {
	best := -1
	var sev models.Severity
	for _, r := range rules {
		if !r.matches(category, findingKey, major, daysUntil) {
			continue
		}
		rank := r.specificity()
		switch {
		case rank > best:
			best, sev = rank, r.Severity
		case rank == best && r.Severity.Rank() < sev.Rank():
			sev = r.Severity
		}
	}
	if best < 0 {
		return defaultSeverity
	}
	return sev
}

// enforcementByCategory is the baseline likelihood that an unresolved gap of
// the category draws enforcement.
var enforcementByCategory = map[string]float64{
	models.CategoryLeakDetection:  0.85,
	models.CategoryStorageControl: 0.70,
	models.CategoryPneumatic:      0.50,
	models.CategoryPermit:         0.80,
	models.CategoryTitleV:         0.90,
	models.CategoryRecordkeeping:  0.40,
}

const defaultEnforcement = 0.5
