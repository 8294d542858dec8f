package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// BatchRunRequest submits several independent runs.
type BatchRunRequest struct {
	Runs []orchestrator.RunRequest `json:"runs"`
}

// BatchRunItem is one entry of a batch response.
type BatchRunItem struct {
	Result *orchestrator.RunResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// ResolveGapRequest moves a gap through its lifecycle. Status defaults to
// closed.
type ResolveGapRequest struct {
	Status models.GapStatus `json:"status"`
	By     string           `json:"by"`
	Notes  string           `json:"notes"`
}

// AckAlertRequest acknowledges an alert.
type AckAlertRequest struct {
	By string `json:"by"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check: store unreachable", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Runs) == 0 {
		s.writeError(w, &models.ValidationError{Field: "runs", Message: "at least one run is required"})
		return
	}
	results := s.pipeline.RunBatch(r.Context(), req.Runs)
	out := make([]BatchRunItem, len(results))
	for i, br := range results {
		out[i] = BatchRunItem{Result: br.Result}
		if br.Err != nil {
			out[i].Error = br.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleRunDecisions(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	decisions, err := s.decisions.ByRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(decisions) == 0 {
		s.writeError(w, fmt.Errorf("run %s: %w", runID, models.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleGapsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := knowledge.GapFilter{
		FacilityIDs: splitParam(q["facility_id"]),
		ActiveOnly:  q.Get("active") == "true",
	}
	for _, st := range splitParam(q["status"]) {
		status := models.GapStatus(st)
		if !status.Valid() {
			s.writeError(w, &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown gap status %q", st)})
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	gaps, err := s.store.FindGaps(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if gaps == nil {
		gaps = []models.ComplianceGap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps, "count": len(gaps)})
}

func (s *Server) handleGapResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveGapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = models.GapClosed
	}
	gap, err := s.store.TransitionGap(r.Context(), r.PathValue("id"), req.Status, req.By, req.Notes, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gap)
}

func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := s.store.ListAlerts(r.Context(), knowledge.AlertFilter{
		UnacknowledgedOnly: q.Get("unacknowledged") == "true",
		FacilityID:         q.Get("facility_id"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []models.RegulatoryAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.writeError(w, fmt.Errorf("alert engine: %w", models.ErrDependencyUnavailable))
		return
	}
	var req AckAlertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	alert, err := s.alerts.Acknowledge(r.Context(), r.PathValue("id"), req.By)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrDuplicateGapConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Kind: models.ErrorKind(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err), Kind: "validation_error"})
		return false
	}
	return true
}

// splitParam accepts both repeated and comma-separated query values.
func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
