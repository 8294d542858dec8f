package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

func TestFacilityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &models.Facility{
		FacilityID:   "fac-001",
		Name:         "Permian Basin Production Site A",
		FacilityType: models.FacilityProduction,
		PotentialEmissionsTPY: map[string]float64{
			models.PollutantVOC: 45.5,
		},
		EmissionSources: []models.EmissionSource{
			{SourceID: "src-1", SourceType: models.SourceFugitive, LastInspection: day(2024, 9, 15)},
		},
	}
	if err := s.SaveFacility(ctx, f); err != nil {
		t.Fatalf("SaveFacility: %v", err)
	}

	f.Name = "Renamed"
	if err := s.SaveFacility(ctx, f); err != nil {
		t.Fatalf("SaveFacility update: %v", err)
	}

	got, err := s.FindFacilities(ctx, knowledge.FacilityFilter{FacilityIDs: []string{"fac-001"}})
	if err != nil {
		t.Fatalf("FindFacilities: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 facility, got %d", len(got))
	}
	if got[0].Name != "Renamed" {
		t.Errorf("expected upserted name, got %q", got[0].Name)
	}
	if got[0].EmissionSources[0].LastInspection == nil || !got[0].EmissionSources[0].LastInspection.Equal(*day(2024, 9, 15)) {
		t.Errorf("last inspection not preserved: %+v", got[0].EmissionSources[0])
	}

	if err := s.SaveFacility(ctx, &models.Facility{}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error for missing id, got %v", err)
	}
}

func TestFindRegulationsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	regs := []*models.Regulation{
		{RegulationID: "reg-old", Status: models.StatusEffective, UpdatedAt: *day(2023, 1, 1)},
		{RegulationID: "reg-new", Status: models.StatusFinal, UpdatedAt: *day(2025, 2, 1)},
		{RegulationID: "reg-gone", Status: models.StatusWithdrawn, UpdatedAt: *day(2025, 2, 2)},
		// recently published even though the record itself is old
		{RegulationID: "reg-pub", Status: models.StatusFinal, UpdatedAt: *day(2022, 1, 1), PublicationDate: day(2025, 2, 10)},
	}
	for _, r := range regs {
		if err := s.SaveRegulation(ctx, r); err != nil {
			t.Fatalf("SaveRegulation: %v", err)
		}
	}

	since := day(2025, 1, 1)
	got, err := s.FindRegulations(ctx, knowledge.RegulationFilter{ChangedSince: since, ExcludeWithdrawn: true})
	if err != nil {
		t.Fatalf("FindRegulations: %v", err)
	}
	ids := regulationIDs(got)
	if strings.Join(ids, ",") != "reg-new,reg-pub" {
		t.Errorf("unexpected regulations %v", ids)
	}

	got, err = s.FindRegulations(ctx, knowledge.RegulationFilter{RegulationIDs: []string{"reg-old"}})
	if err != nil {
		t.Fatalf("FindRegulations by id: %v", err)
	}
	if len(got) != 1 || got[0].RegulationID != "reg-old" {
		t.Errorf("expected reg-old, got %v", regulationIDs(got))
	}
}

func TestFindRegulationsByDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	regs := []*models.Regulation{
		{RegulationID: "reg-due", Status: models.StatusEffective, UpdatedAt: *day(2023, 1, 1), ComplianceDeadline: day(2025, 3, 10)},
		{RegulationID: "reg-late", Status: models.StatusEffective, UpdatedAt: *day(2023, 1, 1), ComplianceDeadline: day(2025, 9, 1)},
		{RegulationID: "reg-open", Status: models.StatusEffective, UpdatedAt: *day(2023, 1, 1)},
		{RegulationID: "reg-gone", Status: models.StatusWithdrawn, UpdatedAt: *day(2023, 1, 1), ComplianceDeadline: day(2025, 3, 1)},
	}
	for _, r := range regs {
		if err := s.SaveRegulation(ctx, r); err != nil {
			t.Fatalf("SaveRegulation: %v", err)
		}
	}

	got, err := s.FindRegulations(ctx, knowledge.RegulationFilter{DeadlineBefore: day(2025, 4, 1), ExcludeWithdrawn: true})
	if err != nil {
		t.Fatalf("FindRegulations: %v", err)
	}
	if ids := regulationIDs(got); strings.Join(ids, ",") != "reg-due" {
		t.Errorf("unexpected regulations %v", ids)
	}

	// moving the deadline out drops it from the sweep
	regs[0].ComplianceDeadline = day(2025, 12, 1)
	if err := s.SaveRegulation(ctx, regs[0]); err != nil {
		t.Fatalf("SaveRegulation: %v", err)
	}
	got, err = s.FindRegulations(ctx, knowledge.RegulationFilter{DeadlineBefore: day(2025, 4, 1), ExcludeWithdrawn: true})
	if err != nil {
		t.Fatalf("FindRegulations: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no due regulations, got %v", regulationIDs(got))
	}
}

func regulationIDs(regs []models.Regulation) []string {
	var ids []string
	for _, r := range regs {
		ids = append(ids, r.RegulationID)
	}
	return ids
}

// ─── Gaps ────────────────────────────────────────────────────────────────────

func newGap(id string) *models.ComplianceGap {
	return &models.ComplianceGap{
		GapID:        id,
		FacilityID:   "fac-001",
		RegulationID: "reg-ooooa",
		FindingKey:   "ldar_survey_overdue",
		Severity:     models.SeverityHigh,
		Status:       models.GapOpen,
		RiskScore:    0.7,
	}
}

func TestUpsertGapVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.UpsertGap(ctx, newGap("gap-1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	found, err := s.FindActiveGap(ctx, saved.Key())
	if err != nil || found == nil {
		t.Fatalf("FindActiveGap: %v %v", found, err)
	}

	found.RiskScore = 0.9
	updated, err := s.UpsertGap(ctx, found)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	// stale writer loses
	if _, err := s.UpsertGap(ctx, found); !errors.Is(err, models.ErrDuplicateGapConflict) {
		t.Errorf("expected conflict for stale version, got %v", err)
	}
}

func TestUpsertGapActiveKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertGap(ctx, newGap("gap-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.UpsertGap(ctx, newGap("gap-2")); !errors.Is(err, models.ErrDuplicateGapConflict) {
		t.Fatalf("expected conflict for second active gap, got %v", err)
	}

	// closing the first frees the key
	if _, err := s.TransitionGap(ctx, "gap-1", models.GapClosed, "ops", "fixed", time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.UpsertGap(ctx, newGap("gap-2")); err != nil {
		t.Fatalf("insert after close: %v", err)
	}

	gaps, err := s.FindGaps(ctx, knowledge.GapFilter{FacilityIDs: []string{"fac-001"}})
	if err != nil {
		t.Fatalf("FindGaps: %v", err)
	}
	if len(gaps) != 2 {
		t.Errorf("expected 2 gaps, got %d", len(gaps))
	}
	active, err := s.FindGaps(ctx, knowledge.GapFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("FindGaps active: %v", err)
	}
	if len(active) != 1 || active[0].GapID != "gap-2" {
		t.Errorf("expected gap-2 active, got %+v", active)
	}
}

func TestTransitionGapInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertGap(ctx, newGap("gap-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.TransitionGap(ctx, "gap-1", models.GapClosed, "ops", "", time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := s.TransitionGap(ctx, "gap-1", models.GapInProgress, "ops", "", time.Now())
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	_, err = s.TransitionGap(ctx, "missing", models.GapClosed, "ops", "", time.Now())
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestConcurrentGapInsertOnlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.UpsertGap(ctx, newGap("gap-"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrDuplicateGapConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one insert to win, got %d", wins)
	}
}

// ─── Decisions ───────────────────────────────────────────────────────────────

func newDecision(runID string, seq int64) *models.AgentDecision {
	tr, _ := trace.NewBuilder("q").Observe("o", 0.9).Build("c")
	d := models.NewDecision(runID, "monitor", "regulation_monitor", models.DecisionRegulatoryScan).WithTrace(tr)
	d.DecisionID = runID + "-" + string(rune('0'+seq))
	d.Sequence = seq
	d.ContentHash = d.ComputeHash()
	return d
}

func TestDecisionsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := s.AppendDecision(ctx, newDecision("run-1", i)); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}
	if err := s.AppendDecision(ctx, newDecision("run-2", 1)); err != nil {
		t.Fatalf("AppendDecision other run: %v", err)
	}

	got, err := s.ListDecisions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(got))
	}
	for i, d := range got {
		if d.Sequence != int64(i+1) {
			t.Errorf("decision %d has sequence %d", i, d.Sequence)
		}
		if !d.Verify() {
			t.Errorf("decision %s hash does not verify after round trip", d.DecisionID)
		}
	}

	// duplicate sequence in the same run is rejected
	dup := newDecision("run-1", 2)
	dup.DecisionID = "other-id"
	if err := s.AppendDecision(ctx, dup); err == nil {
		t.Error("expected duplicate sequence to fail")
	}

	// the table refuses updates and deletes
	if _, err := s.db.ExecContext(ctx, `UPDATE agent_decisions SET success = 0`); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_decisions`); err == nil {
		t.Error("expected delete to be rejected")
	}
}

// ─── Reports and alerts ──────────────────────────────────────────────────────

func TestReportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Report{ReportID: "rep-1", RunID: "run-1", ComplianceScore: 77, GeneratedAt: time.Now()}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	got, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.ComplianceScore != 77 {
		t.Errorf("score not preserved: %v", got.ComplianceScore)
	}
	if _, err := s.GetReport(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAlertUpsertAndAcknowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.RegulatoryAlert{
		AlertID:    "alert-1",
		SourceType: models.AlertSourceGap,
		SourceID:   "gap-1",
		Severity:   models.SeverityMedium,
		Deadline:   *day(2025, 4, 1),
		CreatedAt:  time.Now(),
	}
	if _, err := s.UpsertAlert(ctx, a); err != nil {
		t.Fatalf("UpsertAlert: %v", err)
	}
	if _, err := s.AcknowledgeAlert(ctx, "alert-1", "env-manager", time.Now()); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if _, err := s.AcknowledgeAlert(ctx, "alert-1", "env-manager", time.Now()); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected second ack to fail, got %v", err)
	}

	// a later run re-derives the same alert with a new id and higher severity
	again := *a
	again.AlertID = "alert-2"
	again.Severity = models.SeverityHigh
	stored, err := s.UpsertAlert(ctx, &again)
	if err != nil {
		t.Fatalf("UpsertAlert again: %v", err)
	}
	if stored.AlertID != "alert-1" || !stored.Acknowledged {
		t.Errorf("existing alert identity/ack lost: %+v", stored)
	}
	if stored.Severity != models.SeverityHigh {
		t.Errorf("severity not refreshed: %s", stored.Severity)
	}

	open, err := s.ListAlerts(ctx, knowledge.AlertFilter{UnacknowledgedOnly: true})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no unacknowledged alerts, got %d", len(open))
	}
	if _, err := s.AcknowledgeAlert(ctx, "missing", "x", time.Now()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
