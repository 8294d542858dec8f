package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func in(days int) *time.Time {
	t := testNow.AddDate(0, 0, days)
	return &t
}

func newEngine(store knowledge.AlertStore) *Engine {
	return NewEngine(DefaultConfig(), store, nil).WithClock(func() time.Time { return testNow })
}

func TestUrgency(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		days int
		want models.Severity
		ok   bool
	}{
		{-3, models.SeverityCritical, true},
		{0, models.SeverityCritical, true},
		{25, models.SeverityCritical, true},
		{30, models.SeverityCritical, true},
		{31, models.SeverityHigh, true},
		{60, models.SeverityHigh, true},
		{90, models.SeverityHigh, true},
		{91, "", false},
	}
	for _, tt := range tests {
		sev, ok := Urgency(cfg, tt.days)
		assert.Equal(t, tt.ok, ok, "days=%d", tt.days)
		assert.Equal(t, tt.want, sev, "days=%d", tt.days)
	}
}

func TestForRegulations(t *testing.T) {
	e := newEngine(nil)
	regs := []models.Regulation{
		{RegulationID: "near", Citation: "40 CFR 60.5397a", Title: "Fugitive emissions", ComplianceDeadline: in(25)},
		{RegulationID: "mid", Citation: "40 CFR 60.5395a", Title: "Storage vessels", ComplianceDeadline: in(60)},
		{RegulationID: "far", Citation: "40 CFR 98", Title: "GHG reporting", ComplianceDeadline: in(200)},
		{RegulationID: "none", Citation: "40 CFR 63", Title: "HAP"},
		{RegulationID: "gone", Citation: "40 CFR 60.1", Status: models.StatusWithdrawn, ComplianceDeadline: in(5)},
	}

	alerts := e.ForRegulations("run-1", regs)
	require.Len(t, alerts, 2)
	assert.Equal(t, "near", alerts[0].SourceID)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 25, alerts[0].DaysUntilDeadline)
	assert.Equal(t, "Compliance deadline in 25 days for Fugitive emissions", alerts[0].Message)
	assert.Equal(t, "mid", alerts[1].SourceID)
	assert.Equal(t, models.SeverityHigh, alerts[1].Severity)
}

func TestForGapsEscalatesNearDeadlines(t *testing.T) {
	e := newEngine(nil)
	gaps := []models.ComplianceGap{
		{GapID: "low-near", Title: "Records", Severity: models.SeverityLow, Status: models.GapOpen, RegulatoryDeadline: in(10)},
		{GapID: "med-mid", Title: "Pneumatics", Severity: models.SeverityMedium, Status: models.GapInProgress, RegulatoryDeadline: in(45)},
		{GapID: "med-overdue", Title: "Survey", Severity: models.SeverityMedium, Status: models.GapOpen, RegulatoryDeadline: in(-2)},
		{GapID: "closed", Severity: models.SeverityCritical, Status: models.GapClosed, RegulatoryDeadline: in(1)},
		{GapID: "far", Severity: models.SeverityCritical, Status: models.GapOpen, RegulatoryDeadline: in(120)},
		{GapID: "nodeadline", Severity: models.SeverityCritical, Status: models.GapOpen},
	}

	alerts := e.ForGaps("run-1", gaps)
	require.Len(t, alerts, 3)

	bySource := map[string]models.RegulatoryAlert{}
	for _, a := range alerts {
		bySource[a.SourceID] = a
	}
	assert.Equal(t, models.SeverityHigh, bySource["low-near"].Severity)
	assert.Equal(t, models.SeverityMedium, bySource["med-mid"].Severity)
	assert.Equal(t, models.SeverityCritical, bySource["med-overdue"].Severity)
	assert.Equal(t, "Compliance deadline for Survey passed 2 days ago", bySource["med-overdue"].Message)
	assert.Equal(t, "med-overdue", alerts[0].SourceID)
}

func TestRaisePersistsOncePerKey(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	e := newEngine(store)

	regs := []models.Regulation{{RegulationID: "near", Title: "Fugitive emissions", ComplianceDeadline: in(5)}}
	first := e.Raise(ctx, "run-1", regs, nil)
	require.Len(t, first, 1)

	acked, err := e.Acknowledge(ctx, first[0].AlertID, "env-manager")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	second := e.Raise(ctx, "run-2", regs, nil)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].AlertID, second[0].AlertID)
	assert.True(t, second[0].Acknowledged)

	listed, err := store.ListAlerts(ctx, knowledge.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = e.Acknowledge(ctx, first[0].AlertID, "someone-else")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

// ─── Fakes ───────────────────────────────────────────────────────────────────

type failingAlertStore struct{ knowledge.AlertStore }

func (failingAlertStore) UpsertAlert(context.Context, *models.RegulatoryAlert) (*models.RegulatoryAlert, error) {
	return nil, errors.New("database is locked")
}

func TestRaiseToleratesStoreFailure(t *testing.T) {
	e := newEngine(failingAlertStore{})
	regs := []models.Regulation{{RegulationID: "near", ComplianceDeadline: in(5)}}
	alerts := e.Raise(context.Background(), "run-1", regs, nil)
	assert.Len(t, alerts, 1)
}

func TestAcknowledgeRequiresUser(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = newEngine(store).Acknowledge(context.Background(), "a-1", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = newEngine(nil).Acknowledge(context.Background(), "a-1", "me")
	assert.ErrorIs(t, err, models.ErrDependencyUnavailable)
}
