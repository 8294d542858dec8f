package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
)

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Config{}, Deps{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHealthDegraded(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleRunCreate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/runs", orchestrator.RunRequest{
		Mode:         orchestrator.ModeGaps,
		FacilityIDs:  []string{"fac-1"},
		LookbackDays: 14,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[orchestrator.RunResult](t, w)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, orchestrator.RunSuccess, res.Status)
	require.Len(t, env.pipeline.requests, 1)
	assert.Equal(t, 14, env.pipeline.requests[0].LookbackDays)
}

func TestHandleRunCreateRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"malformed json", `{"mode":`, ""},
		{"unknown field", `{"mode":"full","colour":"green"}`, ""},
		{"unknown mode", orchestrator.RunRequest{Mode: "sideways"}, "mode"},
		{"negative lookback", orchestrator.RunRequest{Mode: orchestrator.ModeFull, LookbackDays: -1}, "lookback_days"},
		{"duplicate facility", orchestrator.RunRequest{Mode: orchestrator.ModeFull, FacilityIDs: []string{"a", "a"}}, "facility_ids[1]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/runs", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode[ErrorResponse](t, w)
			assert.Equal(t, "validation_error", body.Kind)
			assert.Contains(t, body.Error, tc.field)
		})
	}
	assert.Empty(t, env.pipeline.requests)
}

func TestHandleRunBatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/runs/batch", BatchRunRequest{Runs: []orchestrator.RunRequest{
		{Mode: orchestrator.ModeMonitor},
		{Mode: "bogus"},
	}})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Runs []BatchRunItem `json:"runs"`
	}](t, w)
	require.Len(t, body.Runs, 2)
	require.NotNil(t, body.Runs[0].Result)
	assert.Equal(t, orchestrator.ModeMonitor, body.Runs[0].Result.Mode)
	assert.Nil(t, body.Runs[1].Result)
	assert.Contains(t, body.Runs[1].Error, "mode")

	w = env.do(t, http.MethodPost, "/api/v1/runs/batch", BatchRunRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRunDecisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, stage := range []string{"monitor", "assess"} {
		_, err := env.recorder.Append(ctx, &models.AgentDecision{
			RunID:        "run-42",
			StageName:    stage,
			DecisionType: "fake_decision",
			Trace:        okTrace(),
			Confidence:   0.9,
			Success:      true,
			Timestamp:    testNow,
		})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/runs/run-42/decisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		RunID     string                 `json:"run_id"`
		Decisions []models.AgentDecision `json:"decisions"`
		Count     int                    `json:"count"`
	}](t, w)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, int64(1), body.Decisions[0].Sequence)
	assert.Equal(t, "assess", body.Decisions[1].StageName)
	assert.NotEmpty(t, body.Decisions[1].ContentHash)

	w = env.do(t, http.MethodGet, "/api/v1/runs/run-missing/decisions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).Kind)
}

func TestHandleGapsListAndResolve(t *testing.T) {
	env := newTestEnv(t)
	env.putGap(t, "gap-1", "fac-1")
	env.putGap(t, "gap-2", "fac-2")

	type gapList struct {
		Gaps  []models.ComplianceGap `json:"gaps"`
		Count int                    `json:"count"`
	}

	w := env.do(t, http.MethodGet, "/api/v1/gaps", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[gapList](t, w).Count)

	w = env.do(t, http.MethodGet, "/api/v1/gaps?facility_id=fac-2", nil)
	list := decode[gapList](t, w)
	require.Len(t, list.Gaps, 1)
	assert.Equal(t, "gap-2", list.Gaps[0].GapID)

	w = env.do(t, http.MethodPost, "/api/v1/gaps/gap-1/resolve", ResolveGapRequest{By: "env-manager", Notes: "survey completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gap := decode[models.ComplianceGap](t, w)
	assert.Equal(t, models.GapClosed, gap.Status)
	assert.Equal(t, "env-manager", gap.ResolvedBy)
	assert.Equal(t, "survey completed", gap.ResolutionNotes)

	w = env.do(t, http.MethodGet, "/api/v1/gaps?status=open,in_progress", nil)
	list = decode[gapList](t, w)
	require.Len(t, list.Gaps, 1)
	assert.Equal(t, "gap-2", list.Gaps[0].GapID)

	w = env.do(t, http.MethodPost, "/api/v1/gaps/gap-1/resolve", ResolveGapRequest{Status: models.GapInProgress})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, w).Kind)

	w = env.do(t, http.MethodPost, "/api/v1/gaps/gap-9/resolve", ResolveGapRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/gaps?status=fixed", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAlerts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.UpsertAlert(context.Background(), &models.RegulatoryAlert{
		AlertID:    "alert-1",
		SourceType: models.AlertSourceGap,
		SourceID:   "gap-1",
		FacilityID: "fac-1",
		Severity:   models.SeverityHigh,
		Title:      "Leak survey due",
		Deadline:   testNow.AddDate(0, 0, 10),
		CreatedAt:  testNow,
	})
	require.NoError(t, err)

	type alertList struct {
		Alerts []models.RegulatoryAlert `json:"alerts"`
		Count  int                      `json:"count"`
	}

	w := env.do(t, http.MethodGet, "/api/v1/alerts?unacknowledged=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[alertList](t, w).Count)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/ack", AckAlertRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/ack", AckAlertRequest{By: "env-manager"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	alert := decode[models.RegulatoryAlert](t, w)
	assert.True(t, alert.Acknowledged)
	assert.Equal(t, "env-manager", alert.AcknowledgedBy)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/ack", AckAlertRequest{By: "env-manager"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/alerts?unacknowledged=true", nil)
	assert.Equal(t, 0, decode[alertList](t, w).Count)
	w = env.do(t, http.MethodGet, "/api/v1/alerts", nil)
	assert.Equal(t, 1, decode[alertList](t, w).Count)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/alert-9/ack", AckAlertRequest{By: "env-manager"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleReportGet(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveReport(context.Background(), &models.Report{
		ReportID:        "rep-1",
		RunID:           "run-1",
		ReportType:      "compliance_summary",
		Title:           "Compliance summary",
		ComplianceScore: 92,
		ScoreStatus:     "excellent",
		GeneratedAt:     testNow,
	}))

	w := env.do(t, http.MethodGet, "/api/v1/reports/rep-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[models.Report](t, w)
	assert.Equal(t, 92.0, report.ComplianceScore)
	assert.Equal(t, "excellent", report.ScoreStatus)

	w = env.do(t, http.MethodGet, "/api/v1/reports/rep-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "mode", Message: "bad"}, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrDuplicateGapConflict, http.StatusConflict},
		{models.ErrDependencyUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/reports/none", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `envirocomply_http_requests_total{code="404",route="GET /api/v1/reports/{id}"}`), "missing request counter")
}

func TestTraceIDHeader(t *testing.T) {
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Len(t, w.Header().Get(TraceIDHeader), 32)
}

func TestSplitParam(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitParam([]string{"a, b", "", "c"}))
	assert.Nil(t, splitParam(nil))
}
