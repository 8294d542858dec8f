package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/alerts"
	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/fixtures"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

func daysAgo(d int) *time.Time {
	t := testNow.AddDate(0, 0, -d)
	return &t
}

// monitorOutage fails the changed-since scan the Monitor stage performs and
// serves every other read.
type monitorOutage struct {
	knowledge.Catalog
}

func (m monitorOutage) FindRegulations(ctx context.Context, f knowledge.RegulationFilter) ([]models.Regulation, error) {
	if f.ChangedSince != nil {
		return nil, fmt.Errorf("regulation index: %w", models.ErrDependencyUnavailable)
	}
	return m.Catalog.FindRegulations(ctx, f)
}

type pipelineEnv struct {
	store  *db.SQLiteStore
	scorer *scoring.Scorer
	orch   *Orchestrator
}

func newPipeline(t *testing.T, catalog func(knowledge.Catalog) knowledge.Catalog) *pipelineEnv {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	well := models.Facility{
		FacilityID:   "fac-well-7",
		Name:         "Eagle Ford Well Pad 7",
		FacilityType: models.FacilityProduction,
		PotentialEmissionsTPY: map[string]float64{
			models.PollutantVOC: 40,
		},
		EmissionSources: []models.EmissionSource{
			{SourceID: "fug-1", SourceType: models.SourceFugitive, LastInspection: daysAgo(120)},
		},
		UpdatedAt: testNow,
	}
	rule := models.Regulation{
		RegulationID:            "reg-ooooa-fugitive",
		Citation:                "40 CFR 60.5397a",
		Title:                   "Oil and natural gas sector fugitive emissions monitoring",
		Summary:                 "Leak detection and repair for well sites and compressor stations",
		RegulationType:          models.RegulationNSPS,
		Status:                  models.StatusEffective,
		ApplicableFacilityTypes: []string{models.FacilityProduction},
		RequirementCategories:   []string{models.CategoryLeakDetection},
		PublicationDate:         daysAgo(10),
		UpdatedAt:               testNow.AddDate(0, 0, -10),
	}
	require.NoError(t, store.SaveFacility(ctx, &well))
	require.NoError(t, store.SaveRegulation(ctx, &rule))

	var cat knowledge.Catalog = store
	if catalog != nil {
		cat = catalog(store)
	}
	scorer := scoring.NewScorer(scoring.DefaultConfig(), store, scoring.WithClock(clock))
	registry := stages.DefaultRegistry(stages.Deps{
		Catalog: cat,
		Gaps:    store,
		Reports: store,
		Scorer:  scorer,
	})
	engine := alerts.NewEngine(alerts.DefaultConfig(), store, nil).WithClock(clock)
	orch := New(Config{}, registry, audit.NewRecorder(store, nil, nil), WithClock(clock), WithAlerts(engine))
	return &pipelineEnv{store: store, scorer: scorer, orch: orch}
}

// An overdue leak survey at one facility yields exactly one critical gap.
func TestPipeline_GapsModeOverdueSurvey(t *testing.T) {
	env := newPipeline(t, nil)

	res, err := env.orch.Run(context.Background(), RunRequest{Mode: ModeGaps, FacilityIDs: []string{"fac-well-7"}})
	require.NoError(t, err)
	require.Equal(t, RunSuccess, res.Status)
	require.Len(t, res.GapsCreated, 1)
	assert.Empty(t, res.GapsUpdated)

	gaps, err := env.store.FindGaps(context.Background(), knowledge.GapFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, models.SeverityCritical, gaps[0].Severity)
	assert.GreaterOrEqual(t, gaps[0].RiskScore, 0.8)
	assert.Equal(t, res.GapsCreated[0], gaps[0].GapID)

	require.NotEmpty(t, res.Alerts)
	assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)
}

// Every gap a run creates is referenced by one of that run's decisions.
func TestPipeline_AuditCompleteness(t *testing.T) {
	env := newPipeline(t, nil)

	res, err := env.orch.Run(context.Background(), RunRequest{Mode: ModeFull})
	require.NoError(t, err)
	require.Equal(t, RunSuccess, res.Status)
	require.Len(t, res.ReportIDs, 1)

	logged, err := env.store.ListDecisions(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, logged, 4)

	referenced := map[string]bool{}
	for _, d := range logged {
		for _, id := range d.GapIDs {
			referenced[id] = true
		}
	}
	for _, id := range res.GapIDs() {
		assert.True(t, referenced[id], "gap %s has no decision", id)
	}

	report, err := env.store.GetReport(context.Background(), res.ReportIDs[0])
	require.NoError(t, err)
	assert.Equal(t, res.RunID, report.RunID)
	assert.Equal(t, res.GapIDs(), report.GapIDs)
}

// A knowledge-store outage during Monitor does not stop the later stages.
func TestPipeline_MonitorOutageIsPartialSuccess(t *testing.T) {
	env := newPipeline(t, func(c knowledge.Catalog) knowledge.Catalog { return monitorOutage{c} })

	res, err := env.orch.Run(context.Background(), RunRequest{Mode: ModeFull})
	require.NoError(t, err)

	assert.Equal(t, RunPartialSuccess, res.Status)
	assert.Equal(t, []StageStatus{StageFailed, StageSucceeded, StageSucceeded, StageSucceeded}, statuses(res))
	assert.Equal(t, "dependency_unavailable", res.Stages[0].ErrorKind)
	assert.Len(t, res.Decisions, 4)
	assert.Len(t, res.GapsCreated, 1)
}

// Re-running gap analysis on unchanged inputs updates rather than duplicates.
func TestPipeline_RerunIsIdempotent(t *testing.T) {
	env := newPipeline(t, nil)
	req := RunRequest{Mode: ModeGaps}

	first, err := env.orch.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := env.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Empty(t, second.GapsCreated)
	assert.Equal(t, first.GapsCreated, second.GapsUpdated)

	gaps, err := env.store.FindGaps(context.Background(), knowledge.GapFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

// Concurrent runs over the same facility leave one gap.
func TestPipeline_ConcurrentRunsShareOneGap(t *testing.T) {
	env := newPipeline(t, nil)

	var wg sync.WaitGroup
	results := make([]*RunResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.orch.Run(context.Background(), RunRequest{Mode: ModeGaps, FacilityIDs: []string{"fac-well-7"}})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, RunSuccess, r.Status)
		created += len(r.GapsCreated)
	}
	assert.Equal(t, 1, created)

	gaps, err := env.store.FindGaps(context.Background(), knowledge.GapFilter{})
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

func TestPipeline_BatchOverSameScope(t *testing.T) {
	env := newPipeline(t, nil)
	reqs := []RunRequest{{Mode: ModeGaps}, {Mode: ModeGaps}, {Mode: ModeMonitor}}

	results := env.orch.RunBatch(context.Background(), reqs)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, RunSuccess, r.Result.Status)
	}
	gaps, err := env.store.FindGaps(context.Background(), knowledge.GapFilter{})
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

func TestPipeline_DemoPortfolio(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	demo, err := fixtures.Demo()
	require.NoError(t, err)
	_, err = fixtures.Apply(ctx, store, demo.Rebase(testNow))
	require.NoError(t, err)

	scorer := scoring.NewScorer(scoring.DefaultConfig(), store, scoring.WithClock(clock))
	registry := stages.DefaultRegistry(stages.Deps{Catalog: store, Gaps: store, Reports: store, Scorer: scorer})
	engine := alerts.NewEngine(alerts.DefaultConfig(), store, nil).WithClock(clock)
	orch := New(Config{}, registry, audit.NewRecorder(store, nil, nil), WithClock(clock), WithAlerts(engine))

	res, err := orch.Run(ctx, RunRequest{Mode: ModeFull})
	require.NoError(t, err)
	require.Equal(t, RunSuccess, res.Status)
	require.Len(t, res.ReportIDs, 1)

	gaps, err := store.FindGaps(ctx, knowledge.GapFilter{FacilityIDs: []string{"permian-001"}})
	require.NoError(t, err)
	keys := map[string]models.Severity{}
	for _, g := range gaps {
		keys[g.FindingKey] = g.Severity
	}
	assert.Equal(t, models.SeverityCritical, keys[scoring.FindingLDARSurveyOverdue])
	assert.Contains(t, keys, scoring.FindingPneumaticHighBleed)

	bakken, err := store.FindGaps(ctx, knowledge.GapFilter{FacilityIDs: []string{"bakken-001"}})
	require.NoError(t, err)
	var bakkenKeys []string
	for _, g := range bakken {
		bakkenKeys = append(bakkenKeys, g.FindingKey)
	}
	assert.Contains(t, bakkenKeys, scoring.FindingLDARNotDocumented)
	assert.Contains(t, bakkenKeys, scoring.FindingStorageUncontrolled)

	assert.NotEmpty(t, res.Alerts)
}

// A regulation that has not changed in over a year still alerts when its
// deadline is close, whichever mode runs.
func TestPipeline_DueRegulationAlertsInEveryMode(t *testing.T) {
	for _, mode := range []Mode{ModeFull, ModeMonitor, ModeGaps} {
		t.Run(string(mode), func(t *testing.T) {
			env := newPipeline(t, nil)
			deadline := testNow.AddDate(0, 0, 10)
			old := models.Regulation{
				RegulationID:            "reg-annual-report",
				Citation:                "40 CFR 60.5420a",
				Title:                   "Annual fugitive emissions report",
				Status:                  models.StatusEffective,
				ApplicableFacilityTypes: []string{models.FacilityProduction},
				PublicationDate:         daysAgo(400),
				ComplianceDeadline:      &deadline,
				UpdatedAt:               testNow.AddDate(0, 0, -400),
			}
			require.NoError(t, env.store.SaveRegulation(context.Background(), &old))

			res, err := env.orch.Run(context.Background(), RunRequest{Mode: mode})
			require.NoError(t, err)

			var found []models.RegulatoryAlert
			for _, a := range res.Alerts {
				if a.SourceType == models.AlertSourceRegulation && a.SourceID == old.RegulationID {
					found = append(found, a)
				}
			}
			require.Len(t, found, 1)
			assert.Equal(t, models.SeverityCritical, found[0].Severity)
			assert.Equal(t, 10, found[0].DaysUntilDeadline)

			stored, err := env.store.ListAlerts(context.Background(), knowledge.AlertFilter{})
			require.NoError(t, err)
			var n int
			for _, a := range stored {
				if a.SourceID == old.RegulationID {
					n++
				}
			}
			assert.Equal(t, 1, n)
		})
	}
}
