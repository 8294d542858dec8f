package stages

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// Major source thresholds in tons per year of potential emissions.
const (
	MajorCriteriaTPY = 100.0
	MajorHAPTPY      = 10.0
)

// Applicability confidence.
const (
	typeMatchConfidence = 0.9
	wildcardConfidence  = 0.6
)

// IsMajorSource reports whether f is a major source, either by flag or from
// its potential emissions.
func IsMajorSource(f models.Facility) bool {
	if f.IsMajorSource {
		return true
	}
	pte := f.PotentialEmissionsTPY
	return pte[models.PollutantVOC] >= MajorCriteriaTPY ||
		pte[models.PollutantNOx] >= MajorCriteriaTPY ||
		pte[models.PollutantHAP] >= MajorHAPTPY
}

// AssessStage maps regulations to the facilities they apply to.
type AssessStage struct {
	catalog knowledge.Catalog
	logger  *zap.Logger
}

// NewAssessStage creates the assess stage.
func NewAssessStage(catalog knowledge.Catalog, logger *zap.Logger) *AssessStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessStage{catalog: catalog, logger: logger}
}

func (s *AssessStage) Name() Name   { return Assess }
func (s *AssessStage) Type() string { return "impact_assessor" }

// Execute implements Stage. Without regulation ids from an earlier stage it
// assesses every non-withdrawn regulation.
func (s *AssessStage) Execute(ctx context.Context, rc *RunContext) (*Output, trace.Trace, error) {
	facilities, err := s.catalog.FindFacilities(ctx, knowledge.FacilityFilter{FacilityIDs: rc.FacilityIDs})
	if err != nil {
		return nil, trace.Trace{}, fmt.Errorf("find facilities: %w", err)
	}
	regFilter := knowledge.RegulationFilter{ExcludeWithdrawn: true}
	source := "all active regulations"
	if len(rc.RegulationIDs) > 0 {
		regFilter.RegulationIDs = rc.RegulationIDs
		source = "regulations from monitoring"
	}
	regs, err := s.catalog.FindRegulations(ctx, regFilter)
	if err != nil {
		return nil, trace.Trace{}, fmt.Errorf("find regulations: %w", err)
	}
	due, err := dueRegulations(ctx, s.catalog, rc)
	if err != nil {
		return nil, trace.Trace{}, err
	}

	b := trace.NewBuilder("Which regulations apply to which facilities in scope?").
		WithClock(func() time.Time { return rc.Now })
	b.Observe(fmt.Sprintf("Loaded %d facilities and %d %s", len(facilities), len(regs), source), 0.95)
	observeDue(b, rc, due)

	var (
		pairs     = make([]Applicability, 0)
		facIDs    = make([]string, 0, len(facilities))
		regIDs    = make([]string, 0)
		regSeen   = map[string]bool{}
		confTotal float64
	)
	for _, f := range facilities {
		facIDs = append(facIDs, f.FacilityID)
		major := IsMajorSource(f)
		b.Analyze(classificationNote(f, major), 0.9, f.FacilityID)

		for _, r := range regs {
			conf, reason, ok := applies(r, f, major)
			if !ok {
				continue
			}
			pairs = append(pairs, Applicability{
				FacilityID:   f.FacilityID,
				RegulationID: r.RegulationID,
				MajorSource:  major,
				Confidence:   conf,
				Reason:       reason,
			})
			confTotal += conf
			if !regSeen[r.RegulationID] {
				regSeen[r.RegulationID] = true
				regIDs = append(regIDs, r.RegulationID)
			}
		}
	}

	conclusion := fmt.Sprintf("%d regulation-facility pairs are applicable", len(pairs))
	inferConf := 0.8
	if len(pairs) > 0 {
		inferConf = confTotal / float64(len(pairs))
	}
	b.Infer(conclusion, inferConf)

	tr, err := b.Build(conclusion)
	if err != nil {
		return nil, trace.Trace{}, err
	}

	s.logger.Debug("Applicability assessed",
		zap.String("run_id", rc.RunID),
		zap.Int("facilities", len(facilities)),
		zap.Int("regulations", len(regs)),
		zap.Int("pairs", len(pairs)))

	return &Output{
		DecisionType:   models.DecisionImpactAssessment,
		Summary:        fmt.Sprintf("Assessed %d facilities against %d regulations: %d applicable pairs", len(facilities), len(regs), len(pairs)),
		RegulationIDs:  regIDs,
		FacilityIDs:    facIDs,
		Applicability:  pairs,
		DueRegulations: due,
		Data: map[string]any{
			"facilities_assessed":  len(facilities),
			"regulations_assessed": len(regs),
		},
	}, tr, nil
}

// applies decides whether r covers f.
func applies(r models.Regulation, f models.Facility, major bool) (confidence float64, reason string, ok bool) {
	if r.MajorSourceOnly && !major {
		return 0, "", false
	}
	if len(r.ApplicableFacilityTypes) == 0 {
		return wildcardConfidence, "regulation applies to all facility types", true
	}
	for _, t := range r.ApplicableFacilityTypes {
		if t == "all" {
			return wildcardConfidence, "regulation applies to all facility types", true
		}
	}
	if r.AppliesToType(f.FacilityType) {
		return typeMatchConfidence, fmt.Sprintf("regulation covers %s facilities", f.FacilityType), true
	}
	return 0, "", false
}

func classificationNote(f models.Facility, major bool) string {
	class := "minor source"
	if major {
		class = "major source"
	}
	return fmt.Sprintf("%s (%s) is a %s", f.FacilityID, f.FacilityType, class)
}
