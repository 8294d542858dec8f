// Package stages implements the analysis stages of the compliance pipeline.
//
// Every stage satisfies one Stage interface and is resolved by name through a
// Registry, so the orchestrator never depends on concrete stage types and
// tests can substitute stubs. The set of stage names is closed:
//
//	monitor  finds new or changed regulations within the lookback window
//	assess   maps regulations to the facilities they apply to
//	analyze  checks applicable pairs for unmet requirements and scores gaps
//	report   assembles a compliance report from gaps
//
// Stages receive a RunContext holding the facility scope and the entity
// references accumulated by earlier stages, and return an Output plus the
// reasoning trace that justifies it.
package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// Name identifies a stage.
type Name string

// Stage names.
const (
	Monitor Name = "monitor"
	Assess  Name = "assess"
	Analyze Name = "analyze"
	Report  Name = "report"
)

// Valid reports whether n is one of the known stages.
func (n Name) Valid() bool {
	switch n {
	case Monitor, Assess, Analyze, Report:
		return true
	}
	return false
}

// ErrStageNotRegistered is returned by Registry.Get for a name with no
// implementation.
var ErrStageNotRegistered = errors.New("stage not registered")

// Applicability records that a regulation applies to a facility.
type Applicability struct {
	FacilityID   string  `json:"facility_id"`
	RegulationID string  `json:"regulation_id"`
	MajorSource  bool    `json:"major_source"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// RunContext is the state passed from stage to stage within a run.
type RunContext struct {
	RunID string
	Mode  string
	// FacilityIDs is the requested scope; empty means all facilities.
	FacilityIDs  []string
	LookbackDays int
	Now          time.Time
	// DeadlineHorizonDays is how far ahead stages look for regulations with
	// upcoming compliance deadlines; 0 disables the sweep.
	DeadlineHorizonDays int

	RegulationIDs   []string
	FacilityRefs    []string
	Applicability   []Applicability
	GapIDs          []string
	ReportIDs       []string
	SucceededStages []Name
}

// Clone returns a deep copy of rc.
func (rc *RunContext) Clone() *RunContext {
	c := *rc
	c.FacilityIDs = append([]string(nil), rc.FacilityIDs...)
	c.RegulationIDs = append([]string(nil), rc.RegulationIDs...)
	c.FacilityRefs = append([]string(nil), rc.FacilityRefs...)
	c.Applicability = append([]Applicability(nil), rc.Applicability...)
	c.GapIDs = append([]string(nil), rc.GapIDs...)
	c.ReportIDs = append([]string(nil), rc.ReportIDs...)
	c.SucceededStages = append([]Name(nil), rc.SucceededStages...)
	return &c
}

// Merge folds a stage's output into the context. Regulation ids and
// applicability are replaced when the output carries them, since later stages
// narrow the earlier set; other references accumulate.
func (rc *RunContext) Merge(stage Name, out *Output) {
	if out == nil {
		return
	}
	if out.RegulationIDs != nil {
		rc.RegulationIDs = append([]string(nil), out.RegulationIDs...)
	}
	if out.Applicability != nil {
		rc.Applicability = append([]Applicability(nil), out.Applicability...)
	}
	rc.FacilityRefs = union(rc.FacilityRefs, out.FacilityIDs)
	rc.GapIDs = union(rc.GapIDs, out.GapIDs)
	rc.ReportIDs = union(rc.ReportIDs, out.ReportIDs)
	rc.SucceededStages = append(rc.SucceededStages, stage)
}

// HasSuccess reports whether any stage has succeeded in this run.
func (rc *RunContext) HasSuccess() bool { return len(rc.SucceededStages) > 0 }

// Output is what a stage produced.
type Output struct {
	DecisionType string
	Summary      string

	RegulationIDs []string
	FacilityIDs   []string
	GapIDs        []string
	ReportIDs     []string

	Regulations []models.Regulation
	// DueRegulations have a compliance deadline inside the horizon whether or
	// not they changed recently.
	DueRegulations []models.Regulation
	Applicability  []Applicability
	Gaps           []models.ComplianceGap
	Report         *models.Report

	// Data is extra detail for the decision's output snapshot.
	Data map[string]any
}

// Snapshot returns the output as a plain map for the audit record.
func (o *Output) Snapshot() map[string]any {
	if o == nil {
		return nil
	}
	m := map[string]any{
		"summary":        o.Summary,
		"regulation_ids": o.RegulationIDs,
		"facility_ids":   o.FacilityIDs,
		"gap_ids":        o.GapIDs,
		"report_ids":     o.ReportIDs,
	}
	if len(o.Applicability) > 0 {
		m["applicability"] = o.Applicability
	}
	if len(o.DueRegulations) > 0 {
		ids := make([]string, len(o.DueRegulations))
		for i, r := range o.DueRegulations {
			ids[i] = r.RegulationID
		}
		m["due_regulation_ids"] = ids
	}
	for k, v := range o.Data {
		m[k] = v
	}
	return m
}

// Stage is one unit of analysis. Execute may return a partial Output together
// with an error; callers keep the references it carries.
type Stage interface {
	Name() Name
	Type() string
	Execute(ctx context.Context, rc *RunContext) (*Output, trace.Trace, error)
}

// Registry resolves stage names to implementations.
type Registry struct {
	stages map[Name]Stage
}

// NewRegistry registers stages, rejecting unknown or duplicate names.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[Name]Stage, len(stages))}
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s.
func (r *Registry) Register(s Stage) error {
	if s == nil {
		return fmt.Errorf("register stage: nil stage")
	}
	n := s.Name()
	if !n.Valid() {
		return fmt.Errorf("register stage: unknown stage name %q", n)
	}
	if _, ok := r.stages[n]; ok {
		return fmt.Errorf("register stage: %s already registered", n)
	}
	r.stages[n] = s
	return nil
}

// Replace swaps the implementation for s.Name().
func (r *Registry) Replace(s Stage) error {
	if s == nil || !s.Name().Valid() {
		return fmt.Errorf("replace stage: invalid stage")
	}
	r.stages[s.Name()] = s
	return nil
}

// Get returns the stage registered under n.
func (r *Registry) Get(n Name) (Stage, error) {
	s, ok := r.stages[n]
	if !ok {
		return nil, fmt.Errorf("%s: %w", n, ErrStageNotRegistered)
	}
	return s, nil
}

// Names lists registered stages in sorted order.
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.stages))
	for n := range r.stages {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func union(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
