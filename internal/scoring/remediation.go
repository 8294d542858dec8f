package scoring

// Remediation actions recommended by gap analysis.
const (
	ActionImplementLDAR      = "implement_ldar_program"
	ActionConductLDARSurvey  = "conduct_ldar_survey"
	ActionInstallVaporCtrl   = "install_vapor_control"
	ActionReplacePneumatics  = "replace_pneumatic_controllers"
	ActionRenewExpiredPermit = "renew_expired_permit"
	ActionRenewPermit        = "renew_permit"
	ActionApplyTitleV        = "apply_title_v_permit"
	ActionCompileRecords     = "compile_records"
)

// Remediation is the cost and effort profile of an action.
type Remediation struct {
	BaseCost     float64
	UnitCost     float64
	BaseHours    float64
	UnitHours    float64
	TimelineDays int
}

// Estimate returns cost and effort for units pieces of equipment.
func (r Remediation) Estimate(units int) (cost, hours float64) {
	if units < 1 {
		units = 1
	}
	return r.BaseCost + r.UnitCost*float64(units), r.BaseHours + r.UnitHours*float64(units)
}

// DefaultRemediations is the built-in cost table, in USD and staff hours.
func DefaultRemediations() map[string]Remediation {
	return map[string]Remediation{
		ActionImplementLDAR:      {BaseCost: 25000, BaseHours: 120, TimelineDays: 30},
		ActionConductLDARSurvey:  {BaseCost: 5000, BaseHours: 24, TimelineDays: 14},
		ActionInstallVaporCtrl:   {UnitCost: 50000, UnitHours: 80, TimelineDays: 180},
		ActionReplacePneumatics:  {UnitCost: 2500, UnitHours: 6, TimelineDays: 365},
		ActionRenewExpiredPermit: {BaseCost: 15000, BaseHours: 100, TimelineDays: 30},
		ActionRenewPermit:        {BaseCost: 10000, BaseHours: 80, TimelineDays: 60},
		ActionApplyTitleV:        {BaseCost: 75000, BaseHours: 400, TimelineDays: 365},
		ActionCompileRecords:     {BaseCost: 1500, BaseHours: 16, TimelineDays: 14},
	}
}

// unknownRemediation applies to actions missing from the table.
var unknownRemediation = Remediation{TimelineDays: 90}
