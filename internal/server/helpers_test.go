package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/alerts"
	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

var testNow = time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC)

// fakePipeline validates like the orchestrator and returns a fixed result.
type fakePipeline struct {
	mu       sync.Mutex
	requests []orchestrator.RunRequest
	release  chan struct{}
}

func (f *fakePipeline) result(req orchestrator.RunRequest) *orchestrator.RunResult {
	return &orchestrator.RunResult{
		RunID:       "run-1",
		Mode:        req.Mode,
		FacilityIDs: req.FacilityIDs,
		Status:      orchestrator.RunSuccess,
		Stages: []orchestrator.StageResult{
			{Stage: stages.Monitor, Status: orchestrator.StageSucceeded, Confidence: 0.8},
		},
		StartedAt:  testNow,
		FinishedAt: testNow,
	}
}

func (f *fakePipeline) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.result(req), nil
}

func (f *fakePipeline) Stream(ctx context.Context, req orchestrator.RunRequest, fn func(orchestrator.Event)) (*orchestrator.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := f.result(req)
	fn(orchestrator.Event{RunID: res.RunID, Type: orchestrator.EventRunStarted, Mode: req.Mode, Timestamp: testNow})
	fn(orchestrator.Event{RunID: res.RunID, Type: orchestrator.EventStageStarted, Stage: stages.Monitor, Timestamp: testNow})
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			res.Status = orchestrator.RunCancelled
			return res, nil
		}
	}
	fn(orchestrator.Event{RunID: res.RunID, Type: orchestrator.EventStageFinished, Stage: stages.Monitor, Result: &res.Stages[0], Timestamp: testNow})
	fn(orchestrator.Event{RunID: res.RunID, Type: orchestrator.EventRunFinished, Run: res, Timestamp: testNow})
	return res, nil
}

func (f *fakePipeline) RunBatch(ctx context.Context, reqs []orchestrator.RunRequest) []orchestrator.BatchResult {
	out := make([]orchestrator.BatchResult, len(reqs))
	for i, req := range reqs {
		res, err := f.Run(ctx, req)
		out[i] = orchestrator.BatchResult{Request: req, Result: res, Err: err}
	}
	return out
}

type testEnv struct {
	srv      *Server
	store    *db.SQLiteStore
	recorder *audit.Recorder
	pipeline *fakePipeline
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder := audit.NewRecorder(store, nil, nil)
	pipeline := &fakePipeline{}
	engine := alerts.NewEngine(alerts.DefaultConfig(), store, nil).WithClock(func() time.Time { return testNow })
	srv, err := NewServer(Config{Host: "127.0.0.1"}, Deps{
		Pipeline:  pipeline,
		Decisions: recorder,
		Store:     store,
		Alerts:    engine,
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store, recorder: recorder, pipeline: pipeline, handler: srv.Handler()}
}

func jsonBody(t *testing.T, body any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	return &buf
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, jsonBody(t, body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func okTrace() trace.Trace {
	tr, _ := trace.NewBuilder("which regulations changed?").
		Observe("scanned catalog", 0.9).
		Build("two regulations changed")
	return tr
}

func (e *testEnv) putGap(t *testing.T, id, facility string) {
	t.Helper()
	_, err := e.store.UpsertGap(context.Background(), &models.ComplianceGap{
		GapID:        id,
		FacilityID:   facility,
		RegulationID: "reg-ooooa-fugitive",
		FindingKey:   "finding-" + id,
		Category:     models.CategoryLeakDetection,
		Title:        "Gap " + id,
		Severity:     models.SeverityHigh,
		Status:       models.GapOpen,
		RiskScore:    0.7,
		Priority:     string(models.SeverityHigh),
		RunID:        "run-earlier",
		LastRunID:    "run-earlier",
		IdentifiedAt: testNow,
		UpdatedAt:    testNow,
	})
	require.NoError(t, err)
}
