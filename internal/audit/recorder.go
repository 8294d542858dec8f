package audit

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/metrics"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

type runState struct {
	mu     sync.Mutex
	seq    int64
	loaded bool
}

// Recorder implements Log on top of a knowledge.DecisionStore.
type Recorder struct {
	store  knowledge.DecisionStore
	sink   Sink
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// NewRecorder creates a decision log. sink may be nil.
func NewRecorder(store knowledge.DecisionStore, sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		sink:   sink,
		logger: logger,
		runs:   make(map[string]*runState),
	}
}

func (r *Recorder) state(runID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	if !ok {
		st = &runState{}
		r.runs[runID] = st
	}
	return st
}

// Append implements Log.
func (r *Recorder) Append(ctx context.Context, d *models.AgentDecision) (models.AgentDecision, error) {
	if d.RunID == "" {
		return models.AgentDecision{}, &models.ValidationError{Field: "run_id", Message: "required"}
	}
	if err := d.Trace.Validate(); err != nil {
		return models.AgentDecision{}, &models.ValidationError{Field: "reasoning_trace", Message: err.Error()}
	}

	st := r.state(d.RunID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		// A run appended to after FinishRun (e.g. a correction) continues
		// from what is already stored.
		existing, err := r.store.ListDecisions(ctx, d.RunID)
		if err != nil {
			metrics.DecisionLogErrors.Inc()
			return models.AgentDecision{}, fmt.Errorf("load decision sequence for run %s: %w: %w", d.RunID, models.ErrDependencyUnavailable, err)
		}
		for _, e := range existing {
			if e.Sequence > st.seq {
				st.seq = e.Sequence
			}
		}
		st.loaded = true
	}

	rec := d.Clone()
	if rec.DecisionID == "" {
		rec.DecisionID = uuid.NewString()
	}
	rec.Sequence = st.seq + 1
	rec.ContentHash = rec.ComputeHash()

	if err := r.store.AppendDecision(ctx, &rec); err != nil {
		metrics.DecisionLogErrors.Inc()
		return models.AgentDecision{}, fmt.Errorf("append decision: %w: %w", models.ErrDependencyUnavailable, err)
	}
	st.seq = rec.Sequence

	metrics.DecisionsRecorded.WithLabelValues(rec.StageName, strconv.FormatBool(rec.Success)).Inc()

	if r.sink != nil {
		if err := r.sink.Write(&rec); err != nil {
			r.logger.Warn("decision sink write failed",
				zap.String("decision_id", rec.DecisionID), zap.Error(err))
		}
	}
	return rec.Clone(), nil
}

// Correct implements Log.
func (r *Recorder) Correct(ctx context.Context, original models.AgentDecision, corrected *models.AgentDecision) (models.AgentDecision, error) {
	if original.DecisionID == "" {
		return models.AgentDecision{}, &models.ValidationError{Field: "corrects_id", Message: "original decision has no id"}
	}
	c := corrected.Clone()
	c.RunID = original.RunID
	c.DecisionID = ""
	c.Correcting(original.DecisionID)
	return r.Append(ctx, &c)
}

// ByRun implements Log.
func (r *Recorder) ByRun(ctx context.Context, runID string) ([]models.AgentDecision, error) {
	return r.store.ListDecisions(ctx, runID)
}

// FinishRun implements Log.
func (r *Recorder) FinishRun(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}
