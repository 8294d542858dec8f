package audit

import (
	"context"

	"github.com/envirocomply/envirocomply-core/internal/models"
)

// Package audit provides the append-only decision log.
//
// Responsibilities:
//   - Assign each decision an id, a per-run monotonic sequence, and a
//     content hash
//   - Persist the decision durably before returning, so the orchestrator can
//     guarantee a decision is logged before the next stage starts
//   - Mirror every decision to a rotating JSON-lines file for operators
//   - Serve a run's decisions in sequence order
//   - Record corrections as new decisions that point at the original
//
// Ordering:
//   Appends for the same run are serialized. Appends for different runs
//   proceed independently; there is no global order across runs.

// Log is the decision audit log.
type Log interface {
	// Append records d and returns the stored copy.
	Append(ctx context.Context, d *models.AgentDecision) (models.AgentDecision, error)

	// Correct appends corrected as a superseding record of original.
	Correct(ctx context.Context, original models.AgentDecision, corrected *models.AgentDecision) (models.AgentDecision, error)

	// ByRun returns a run's decisions in sequence order.
	ByRun(ctx context.Context, runID string) ([]models.AgentDecision, error)

	// FinishRun releases per-run bookkeeping.
	FinishRun(runID string)
}

// Sink receives a copy of every recorded decision.
type Sink interface {
	Write(d *models.AgentDecision) error
	Sync() error
	Close() error
}
