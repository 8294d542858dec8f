package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

var testNow = time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// ─── Fakes ───────────────────────────────────────────────────────────────────

type stageFunc func(ctx context.Context, rc *stages.RunContext) (*stages.Output, trace.Trace, error)

type fakeStage struct {
	name stages.Name
	fn   stageFunc

	mu    sync.Mutex
	calls []*stages.RunContext
}

func (f *fakeStage) Name() stages.Name { return f.name }
func (f *fakeStage) Type() string      { return "fake_" + string(f.name) }

func (f *fakeStage) Execute(ctx context.Context, rc *stages.RunContext) (*stages.Output, trace.Trace, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rc)
	f.mu.Unlock()
	return f.fn(ctx, rc)
}

func (f *fakeStage) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStage) lastCall() *stages.RunContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func okTrace(conclusion string) trace.Trace {
	tr, _ := trace.NewBuilder("what happened?").
		Observe("looked", 0.9).
		Infer(conclusion, 0.8).
		Build(conclusion)
	return tr
}

func succeed(out stages.Output) stageFunc {
	return func(context.Context, *stages.RunContext) (*stages.Output, trace.Trace, error) {
		o := out
		if o.DecisionType == "" {
			o.DecisionType = "fake_decision"
		}
		return &o, okTrace(o.Summary), nil
	}
}

func fail(err error) stageFunc {
	return func(context.Context, *stages.RunContext) (*stages.Output, trace.Trace, error) {
		return nil, trace.Trace{}, err
	}
}

func newFake(name stages.Name, fn stageFunc) *fakeStage {
	return &fakeStage{name: name, fn: fn}
}

func newRegistry(t *testing.T, fakes ...*fakeStage) *stages.Registry {
	t.Helper()
	list := make([]stages.Stage, len(fakes))
	for i, f := range fakes {
		list[i] = f
	}
	r, err := stages.NewRegistry(list...)
	require.NoError(t, err)
	return r
}

// countingStore counts appends so tests can assert nothing was recorded.
type countingStore struct {
	*audit.MemoryStore
	appends atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: audit.NewMemoryStore()}
}

func (c *countingStore) AppendDecision(ctx context.Context, d *models.AgentDecision) error {
	c.appends.Add(1)
	return c.MemoryStore.AppendDecision(ctx, d)
}

func newOrchestrator(t *testing.T, cfg Config, fakes ...*fakeStage) (*Orchestrator, *countingStore) {
	t.Helper()
	store := newCountingStore()
	o := New(cfg, newRegistry(t, fakes...), audit.NewRecorder(store, nil, nil), WithClock(clock))
	return o, store
}

func statuses(res *RunResult) []StageStatus {
	out := make([]StageStatus, len(res.Stages))
	for i, s := range res.Stages {
		out[i] = s.Status
	}
	return out
}
