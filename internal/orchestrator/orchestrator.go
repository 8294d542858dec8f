package orchestrator

// Package orchestrator drives the compliance pipeline.
//
// A run executes the stages of its mode in order:
//   full    → Monitor → Assess → Analyze → Report
//   monitor → Monitor
//   gaps    → Assess → Analyze
//   report  → Report
//
// Responsibilities:
//   - Validate the run request before anything is recorded
//   - Invoke each stage with the context accumulated so far
//   - Bound every stage by a timeout and recover stage panics
//   - Record one audit decision per stage invocation before the next starts
//   - Keep going when a stage fails; skip Report when nothing upstream succeeded
//   - Derive deadline alerts from the regulations and gaps stages produce
//   - Publish progress events to subscribers
//
// Cancellation:
//   The run context is checked between stages. A stage that has started is
//   not interrupted by cancellation, only by its own timeout. Stages left
//   unscheduled are reported as skipped.
//
// Concurrency:
//   Runs are independent and may execute in parallel. Stages within a run are
//   sequential.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/envirocomply/envirocomply-core/internal/alerts"
	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/metrics"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

const tracerName = "github.com/envirocomply/envirocomply-core/internal/orchestrator"

// Config parameterizes the orchestrator.
type Config struct {
	StageTimeout        time.Duration
	MaxConcurrentRuns   int
	DefaultLookbackDays int
}

// DefaultConfig returns the built-in orchestrator settings.
func DefaultConfig() Config {
	return Config{
		StageTimeout:        2 * time.Minute,
		MaxConcurrentRuns:   4,
		DefaultLookbackDays: 30,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAlerts raises deadline alerts from stage outputs.
func WithAlerts(e *alerts.Engine) Option {
	return func(o *Orchestrator) { o.alerts = e }
}

// WithInferer releases the inferer's per-run bookkeeping when a run ends.
func WithInferer(inf llm.Inferer) Option {
	return func(o *Orchestrator) { o.inferer = inf }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the run clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// Orchestrator runs pipelines.
type Orchestrator struct {
	cfg      Config
	registry *stages.Registry
	log      audit.Log
	alerts   *alerts.Engine
	inferer  llm.Inferer
	logger   *zap.Logger
	tracer   oteltrace.Tracer
	now      func() time.Time

	subsMu      sync.Mutex
	nextSub     int
	subscribers map[int]chan Event
}

// New creates an orchestrator over the given stages and audit log.
func New(cfg Config, registry *stages.Registry, log audit.Log, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = def.DefaultLookbackDays
	}
	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		log:         log,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe returns a channel receiving events from every run, and a function
// that ends the subscription. Slow subscribers miss events rather than block
// runs.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subscribers, id)
			o.subsMu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run executes one pipeline run. The only error returned is request
// validation; stage failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return o.run(ctx, req, nil)
}

// Stream is Run with fn called synchronously for each event of this run.
func (o *Orchestrator) Stream(ctx context.Context, req RunRequest, fn func(Event)) (*RunResult, error) {
	return o.run(ctx, req, fn)
}

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request RunRequest
	Result  *RunResult
	Err     error
}

// RunBatch executes independent runs concurrently, at most MaxConcurrentRuns
// at a time. Results are in request order.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []RunRequest) []BatchResult {
	out := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentRuns)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Run(ctx, req)
			out[i] = BatchResult{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req RunRequest, fn func(Event)) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	plan, err := Plan(req.Mode)
	if err != nil {
		return nil, err
	}
	lookback := req.LookbackDays
	if lookback == 0 {
		lookback = o.cfg.DefaultLookbackDays
	}

	runID := uuid.NewString()
	started := o.now().UTC()
	rc := &stages.RunContext{
		RunID:        runID,
		Mode:         string(req.Mode),
		FacilityIDs:  append([]string(nil), req.FacilityIDs...),
		LookbackDays: lookback,
		Now:          started,
	}
	if o.alerts != nil {
		rc.DeadlineHorizonDays = o.alerts.Config().HighDeadlineDays
	}
	result := &RunResult{
		RunID:       runID,
		Mode:        req.Mode,
		FacilityIDs: rc.FacilityIDs,
		Stages:      make([]StageResult, 0, len(plan)),
		Decisions:   make([]models.AgentDecision, 0, len(plan)),
		GapsCreated: []string{},
		GapsUpdated: []string{},
		ReportIDs:   []string{},
		Alerts:      []models.RegulatoryAlert{},
		StartedAt:   started,
	}

	emit := func(ev Event) {
		ev.RunID = runID
		ev.Timestamp = o.now().UTC()
		o.publish(ev)
		if fn != nil {
			fn(ev)
		}
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", oteltrace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", string(req.Mode)),
		attribute.Int("run.facilities", len(req.FacilityIDs)),
	))
	defer span.End()

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()
	defer llm.Release(o.inferer, runID)
	if o.log != nil {
		defer o.log.FinishRun(runID)
	}

	logger := o.logger.With(zap.String("run_id", runID), zap.String("mode", string(req.Mode)))
	logger.Info("Run started", zap.Strings("facility_ids", req.FacilityIDs), zap.Int("lookback_days", lookback))
	emit(Event{Type: EventRunStarted, Mode: req.Mode})

	gapSeen := map[string]bool{}
	regAlerted := map[string]bool{}
	for i, step := range plan {
		if ctx.Err() != nil {
			for _, rest := range plan[i:] {
				sr := StageResult{Stage: rest.Stage, Status: StageSkipped, SkipReason: SkipCancelled}
				result.Stages = append(result.Stages, sr)
				metrics.StageExecutionsTotal.WithLabelValues(string(rest.Stage), string(StageSkipped)).Inc()
				emit(Event{Type: EventStageFinished, Stage: rest.Stage, Result: &sr})
			}
			logger.Warn("Run cancelled", zap.String("next_stage", string(step.Stage)), zap.Error(ctx.Err()))
			break
		}
		if step.RequiresPrior && !rc.HasSuccess() {
			sr := StageResult{Stage: step.Stage, Status: StageSkipped, SkipReason: SkipNoUpstreamSuccess}
			result.Stages = append(result.Stages, sr)
			metrics.StageExecutionsTotal.WithLabelValues(string(step.Stage), string(StageSkipped)).Inc()
			emit(Event{Type: EventStageFinished, Stage: step.Stage, Result: &sr})
			logger.Info("Stage skipped", zap.String("stage", string(step.Stage)), zap.String("reason", SkipNoUpstreamSuccess))
			continue
		}

		emit(Event{Type: EventStageStarted, Stage: step.Stage})
		sr, decision, out := o.runStage(ctx, logger, step.Stage, rc)
		if decision != nil {
			result.Decisions = append(result.Decisions, *decision)
		}
		result.Stages = append(result.Stages, sr)
		emit(Event{Type: EventStageFinished, Stage: step.Stage, Result: &sr})

		if out == nil {
			continue
		}
		if sr.Status == StageSucceeded {
			rc.Merge(step.Stage, out)
		}
		for _, g := range out.Gaps {
			if gapSeen[g.GapID] {
				continue
			}
			gapSeen[g.GapID] = true
			if g.RunID == runID {
				result.GapsCreated = append(result.GapsCreated, g.GapID)
			} else {
				result.GapsUpdated = append(result.GapsUpdated, g.GapID)
			}
		}
		result.ReportIDs = append(result.ReportIDs, out.ReportIDs...)
		if o.alerts != nil {
			regs := unalerted(regAlerted, out.Regulations, out.DueRegulations)
			if len(regs) > 0 || len(out.Gaps) > 0 {
				result.Alerts = append(result.Alerts, o.alerts.Raise(ctx, runID, regs, out.Gaps)...)
			}
		}
	}

	result.Status = aggregateStatus(result.Stages)
	result.FinishedAt = o.now().UTC()
	duration := result.FinishedAt.Sub(started)

	metrics.RunsTotal.WithLabelValues(string(req.Mode), string(result.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(req.Mode)).Observe(duration.Seconds())
	span.SetAttributes(attribute.String("run.status", string(result.Status)))
	if result.Status == RunFailed {
		span.SetStatus(codes.Error, "no stage succeeded")
	}

	logger.Info("Run finished",
		zap.String("status", string(result.Status)),
		zap.Int("gaps_created", len(result.GapsCreated)),
		zap.Int("gaps_updated", len(result.GapsUpdated)),
		zap.Int("alerts", len(result.Alerts)),
		zap.Duration("duration", duration))
	emit(Event{Type: EventRunFinished, Mode: req.Mode, Run: result})
	return result, nil
}

// runStage invokes one stage and records its decision. out is whatever the
// stage returned, including a partial output on failure.
func (o *Orchestrator) runStage(ctx context.Context, logger *zap.Logger, name stages.Name, rc *stages.RunContext) (StageResult, *models.AgentDecision, *stages.Output) {
	sr := StageResult{Stage: name}
	ctx, span := o.tracer.Start(ctx, "stage."+string(name), oteltrace.WithAttributes(
		attribute.String("run.id", rc.RunID),
		attribute.String("stage.name", string(name)),
	))
	defer span.End()

	st, err := o.registry.Get(name)
	stageType := ""
	var (
		out *stages.Output
		tr  trace.Trace
	)
	start := o.now()
	if err == nil {
		stageType = st.Type()
		out, tr, err = o.execute(ctx, st, rc.Clone())
	}
	elapsed := o.now().Sub(start)
	if err != nil {
		err = classify(name, err)
	}

	var d *models.AgentDecision
	if err == nil {
		d = models.NewDecision(rc.RunID, string(name), stageType, out.DecisionType).
			WithTrace(tr).
			WithSummary(out.Summary)
		sr.Status = StageSucceeded
	} else {
		decisionType := models.DecisionStageFailure
		summary := fmt.Sprintf("%s stage failed", name)
		if out != nil && out.Summary != "" {
			summary = out.Summary
		}
		d = models.NewDecision(rc.RunID, string(name), stageType, decisionType).
			WithTrace(failureTrace(name, err, start)).
			WithSummary(summary).
			WithError(err)
		sr.Status = StageFailed
		sr.ErrorKind = d.ErrorKind
		sr.Error = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, sr.ErrorKind)
		metrics.StageFailuresTotal.WithLabelValues(string(name), sr.ErrorKind).Inc()
	}
	d.WithTimestamp(start).
		WithDuration(elapsed).
		WithSnapshots(inputSnapshot(rc.Clone()), out.Snapshot())
	if out != nil {
		d.WithEntities(out.FacilityIDs, out.RegulationIDs, out.GapIDs, out.ReportIDs)
	}
	sr.DurationMs = d.DurationMs
	sr.Confidence = d.Confidence

	metrics.StageExecutionsTotal.WithLabelValues(string(name), string(sr.Status)).Inc()
	metrics.StageDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("stage.status", string(sr.Status)),
		attribute.Float64("stage.confidence", sr.Confidence),
	)

	if o.log == nil {
		return sr, d, out
	}
	// The decision must be durable before the next stage starts, so the
	// append runs even if the run has been cancelled meanwhile.
	rec, aerr := o.log.Append(context.WithoutCancel(ctx), d)
	if aerr != nil {
		sr.AuditError = aerr.Error()
		logger.Error("Failed to record decision", zap.String("stage", string(name)), zap.Error(aerr))
		return sr, d, out
	}
	sr.DecisionID = rec.DecisionID

	fields := []zap.Field{
		zap.String("stage", string(name)),
		zap.String("status", string(sr.Status)),
		zap.Float64("confidence", sr.Confidence),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		logger.Warn("Stage failed", append(fields, zap.String("error_kind", sr.ErrorKind), zap.Error(err))...)
	} else {
		logger.Info("Stage finished", fields...)
	}
	return sr, &rec, out
}

type stageReturn struct {
	out *stages.Output
	tr  trace.Trace
	err error
}

// execute runs st detached from run cancellation and bounded by the stage
// timeout. A stage that outlives its timeout is abandoned.
func (o *Orchestrator) execute(ctx context.Context, st stages.Stage, rc *stages.RunContext) (*stages.Output, trace.Trace, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StageTimeout)
	defer cancel()

	done := make(chan stageReturn, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stageReturn{err: fmt.Errorf("stage panicked: %v", p)}
			}
		}()
		out, tr, err := st.Execute(sctx, rc)
		done <- stageReturn{out: out, tr: tr, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.out == nil {
			r.err = errors.New("stage returned no output")
		}
		if r.err == nil {
			if verr := r.tr.Validate(); verr != nil {
				r.err = fmt.Errorf("invalid reasoning trace: %w", verr)
			} else {
				r.tr = r.tr.Recompute()
			}
		}
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && sctx.Err() != nil {
			r.err = models.NewStageError(string(st.Name()), models.ErrStageTimeout, r.err)
		}
		return r.out, r.tr, r.err
	case <-sctx.Done():
		return nil, trace.Trace{}, models.NewStageError(string(st.Name()), models.ErrStageTimeout,
			fmt.Errorf("exceeded %s", o.cfg.StageTimeout))
	}
}

// classify wraps err as a StageError of the matching kind.
func classify(name stages.Name, err error) error {
	var se *models.StageError
	if errors.As(err, &se) {
		return err
	}
	kind := models.ErrStageExecution
	for _, k := range []error{models.ErrDependencyUnavailable, models.ErrDuplicateGapConflict, models.ErrValidation} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return models.NewStageError(string(name), kind, err)
}

// unalerted returns the regulations from lists not yet passed to the alert
// engine in this run, marking them in seen.
func unalerted(seen map[string]bool, lists ...[]models.Regulation) []models.Regulation {
	var out []models.Regulation
	for _, regs := range lists {
		for _, r := range regs {
			if seen[r.RegulationID] {
				continue
			}
			seen[r.RegulationID] = true
			out = append(out, r)
		}
	}
	return out
}

// failureTrace stands in for the trace a failed stage could not produce.
func failureTrace(name stages.Name, err error, at time.Time) trace.Trace {
	b := trace.NewBuilder(fmt.Sprintf("Did the %s stage complete?", name)).
		WithClock(func() time.Time { return at })
	b.Observe(fmt.Sprintf("Stage failed: %v", err), 0, "error_kind:"+models.ErrorKind(err))
	tr, _ := b.Build(fmt.Sprintf("%s stage did not complete", name))
	return tr
}

func inputSnapshot(rc *stages.RunContext) map[string]any {
	return map[string]any{
		"run_id":           rc.RunID,
		"mode":             rc.Mode,
		"facility_ids":     rc.FacilityIDs,
		"lookback_days":    rc.LookbackDays,
		"regulation_ids":   rc.RegulationIDs,
		"applicable_pairs": len(rc.Applicability),
		"gap_ids":          rc.GapIDs,
		"succeeded_stages": rc.SucceededStages,
		"as_of":            rc.Now.Format(time.RFC3339),
	}
}
