package orchestrator

import (
	"fmt"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

// Mode selects which stages a run executes.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeMonitor Mode = "monitor"
	ModeGaps    Mode = "gaps"
	ModeReport  Mode = "report"
)

// Step is one entry of a pipeline.
type Step struct {
	Stage stages.Name `json:"stage"`
	// RequiresPrior skips the stage unless an earlier stage in the same run
	// succeeded.
	RequiresPrior bool `json:"requires_prior"`
}

var pipelines = map[Mode][]Step{
	ModeFull: {
		{Stage: stages.Monitor},
		{Stage: stages.Assess},
		{Stage: stages.Analyze},
		{Stage: stages.Report, RequiresPrior: true},
	},
	ModeMonitor: {{Stage: stages.Monitor}},
	ModeGaps: {
		{Stage: stages.Assess},
		{Stage: stages.Analyze},
	},
	ModeReport: {{Stage: stages.Report}},
}

// Modes lists the supported modes in a stable order.
func Modes() []Mode {
	return []Mode{ModeFull, ModeMonitor, ModeGaps, ModeReport}
}

// Valid reports whether m names a pipeline.
func (m Mode) Valid() bool {
	_, ok := pipelines[m]
	return ok
}

// Plan returns the ordered steps for mode.
func Plan(mode Mode) ([]Step, error) {
	steps, ok := pipelines[mode]
	if !ok {
		return nil, &models.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	return append([]Step(nil), steps...), nil
}
