package llm

import (
	"context"
	"fmt"
	"sync"
)

// Budget tracks tokens spent per run against a hard limit.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewBudget creates a budget of limit tokens per run.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit, used: make(map[string]int)}
}

// Check fails with ErrBudgetExceeded if spending estimated more tokens would
// put runID over the limit.
func (b *Budget) Check(runID string, estimated int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used[runID]+estimated > b.limit {
		return fmt.Errorf("run %s: %d of %d tokens used: %w", runID, b.used[runID], b.limit, ErrBudgetExceeded)
	}
	return nil
}

// Record adds tokens to runID's total.
func (b *Budget) Record(runID string, tokens int) {
	b.mu.Lock()
	b.used[runID] += tokens
	b.mu.Unlock()
}

// Used returns tokens spent by runID.
func (b *Budget) Used(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[runID]
}

// Release forgets runID.
func (b *Budget) Release(runID string) {
	b.mu.Lock()
	delete(b.used, runID)
	b.mu.Unlock()
}

type budgeted struct {
	inner  Inferer
	budget *Budget
}

// WithBudget wraps inner with pre-flight budget checks and post-call usage
// recording.
func WithBudget(inner Inferer, b *Budget) Inferer {
	return &budgeted{inner: inner, budget: b}
}

func (a *budgeted) Infer(ctx context.Context, req Request) (*Inference, error) {
	estimated := estimateTokens(req.Instructions) + estimateTokens(req.Prompt)
	if err := a.budget.Check(req.RunID, estimated); err != nil {
		return nil, err
	}

	resp, err := a.inner.Infer(ctx, req)
	if err != nil {
		return nil, err
	}

	used := resp.PromptTokens + resp.CompletionTokens
	if used == 0 {
		used = estimated + estimateTokens(resp.Text)
	}
	a.budget.Record(req.RunID, used)
	return resp, nil
}

func (a *budgeted) Provider() string { return a.inner.Provider() }
func (a *budgeted) Model() string    { return a.inner.Model() }

// Release forgets runID's spend if inf tracks a budget.
func Release(inf Inferer, runID string) {
	if b, ok := inf.(*budgeted); ok {
		b.budget.Release(runID)
	}
}
