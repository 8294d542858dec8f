package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
)

var testNow = time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC)

func daysAgo(d int) *time.Time {
	t := testNow.AddDate(0, 0, -d)
	return &t
}

func daysAhead(d int) *time.Time {
	t := testNow.AddDate(0, 0, d)
	return &t
}

func newStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRunContext(mode string, facilities ...string) *RunContext {
	return &RunContext{RunID: "run-test", Mode: mode, FacilityIDs: facilities, LookbackDays: 30, Now: testNow}
}

func seed(t *testing.T, s *db.SQLiteStore, facilities []models.Facility, regs []models.Regulation) {
	t.Helper()
	ctx := context.Background()
	for i := range facilities {
		require.NoError(t, s.SaveFacility(ctx, &facilities[i]))
	}
	for i := range regs {
		require.NoError(t, s.SaveRegulation(ctx, &regs[i]))
	}
}

func newScorer(s *db.SQLiteStore) *scoring.Scorer {
	return scoring.NewScorer(scoring.DefaultConfig(), s, scoring.WithClock(func() time.Time { return testNow }))
}

// wellSite is a minor-source production site whose fugitive survey is 120
// days old.
func wellSite() models.Facility {
	return models.Facility{
		FacilityID:   "fac-well-7",
		Name:         "Eagle Ford Well Pad 7",
		FacilityType: models.FacilityProduction,
		State:        "TX",
		PotentialEmissionsTPY: map[string]float64{
			models.PollutantVOC: 40,
			models.PollutantNOx: 12,
		},
		EmissionSources: []models.EmissionSource{
			{SourceID: "fug-1", SourceType: models.SourceFugitive, LastInspection: daysAgo(120)},
			{SourceID: "fug-2", SourceType: models.SourceFugitive, LastInspection: daysAgo(100)},
		},
		UpdatedAt: testNow,
	}
}

func fugitiveRule() models.Regulation {
	return models.Regulation{
		RegulationID:            "reg-ooooa-fugitive",
		Citation:                "40 CFR 60.5397a",
		Title:                   "Oil and natural gas sector fugitive emissions monitoring",
		Summary:                 "Leak detection and repair for well sites and compressor stations",
		RegulationType:          models.RegulationNSPS,
		Status:                  models.StatusEffective,
		ApplicableFacilityTypes: []string{models.FacilityProduction, models.FacilityCompressor},
		RequirementCategories:   []string{models.CategoryLeakDetection},
		PublicationDate:         daysAgo(10),
		UpdatedAt:               testNow.AddDate(0, 0, -10),
	}
}

// ─── Fakes ───────────────────────────────────────────────────────────────────

type cannedInferer struct {
	text string
	conf float64
	err  error
	reqs []llm.Request
}

func (c *cannedInferer) Infer(_ context.Context, req llm.Request) (*llm.Inference, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Inference{Text: c.text, Confidence: c.conf, Provider: "fake", Model: "fake-1"}, nil
}

func (c *cannedInferer) Provider() string { return "fake" }
func (c *cannedInferer) Model() string    { return "fake-1" }
