package stages

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
)

// AnalyzeStage checks applicable facility-regulation pairs for unmet
// requirements and persists the findings as scored gaps.
type AnalyzeStage struct {
	catalog knowledge.Catalog
	scorer  *scoring.Scorer
	logger  *zap.Logger
}

// NewAnalyzeStage creates the analyze stage.
func NewAnalyzeStage(catalog knowledge.Catalog, scorer *scoring.Scorer, logger *zap.Logger) *AnalyzeStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyzeStage{catalog: catalog, scorer: scorer, logger: logger}
}

func (s *AnalyzeStage) Name() Name   { return Analyze }
func (s *AnalyzeStage) Type() string { return "gap_analyzer" }

// Execute implements Stage. If scoring fails partway, the gaps already
// written are still returned in the Output alongside the error.
func (s *AnalyzeStage) Execute(ctx context.Context, rc *RunContext) (*Output, trace.Trace, error) {
	b := trace.NewBuilder("Which applicable requirements are unmet, and how urgent is each?").
		WithClock(func() time.Time { return rc.Now })
	b.Observe(fmt.Sprintf("Evaluating %d applicable facility-regulation pairs", len(rc.Applicability)), 0.95)

	facilities, regulations, err := s.load(ctx, rc.Applicability)
	if err != nil {
		return nil, trace.Trace{}, err
	}

	var findings []models.Finding
	for _, p := range rc.Applicability {
		f, okF := facilities[p.FacilityID]
		r, okR := regulations[p.RegulationID]
		if !okF || !okR {
			b.Analyze(fmt.Sprintf("Skipped %s/%s: no longer in the catalog", p.FacilityID, p.RegulationID), 0.5)
			continue
		}
		for _, fd := range Findings(f, r, p.MajorSource, rc.Now) {
			b.Analyze(fmt.Sprintf("%s at %s: %s", fd.Title, fd.FacilityID, fd.Description), 0.9, fd.Evidence...)
			findings = append(findings, fd)
		}
	}

	res, scoreErr := s.scorer.Process(ctx, rc.RunID, findings)
	out := &Output{
		DecisionType: models.DecisionGapAnalysis,
		Summary: fmt.Sprintf("Found %d findings: %d new gaps, %d updated",
			len(findings), len(res.Created), len(res.Updated)),
		FacilityIDs: facilityIDs(rc.Applicability),
		GapIDs:      res.GapIDs(),
		Gaps:        res.Gaps(),
		Data: map[string]any{
			"findings":     len(findings),
			"gaps_created": len(res.Created),
			"gaps_updated": len(res.Updated),
		},
	}
	if scoreErr != nil {
		return out, trace.Trace{}, fmt.Errorf("score findings: %w", scoreErr)
	}

	conclusion := fmt.Sprintf("Identified %d compliance gaps (%d new, %d updated)", len(findings), len(res.Created), len(res.Updated))
	conf := 0.85
	if len(findings) == 0 {
		conclusion = "No unmet requirements among applicable pairs"
		conf = 0.8
	}
	b.Infer(conclusion, conf, res.GapIDs()...)

	tr, err := b.Build(conclusion)
	if err != nil {
		return out, trace.Trace{}, err
	}
	return out, tr, nil
}

func (s *AnalyzeStage) load(ctx context.Context, pairs []Applicability) (map[string]models.Facility, map[string]models.Regulation, error) {
	facilities := map[string]models.Facility{}
	regulations := map[string]models.Regulation{}
	if len(pairs) == 0 {
		return facilities, regulations, nil
	}

	var facIDs, regIDs []string
	for _, p := range pairs {
		facIDs = append(facIDs, p.FacilityID)
		regIDs = append(regIDs, p.RegulationID)
	}
	facs, err := s.catalog.FindFacilities(ctx, knowledge.FacilityFilter{FacilityIDs: union(nil, facIDs)})
	if err != nil {
		return nil, nil, fmt.Errorf("find facilities: %w", err)
	}
	regs, err := s.catalog.FindRegulations(ctx, knowledge.RegulationFilter{RegulationIDs: union(nil, regIDs)})
	if err != nil {
		return nil, nil, fmt.Errorf("find regulations: %w", err)
	}
	for _, f := range facs {
		facilities[f.FacilityID] = f
	}
	for _, r := range regs {
		regulations[r.RegulationID] = r
	}
	return facilities, regulations, nil
}

func facilityIDs(pairs []Applicability) []string {
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.FacilityID)
	}
	return union(nil, ids)
}
