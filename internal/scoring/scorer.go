// Package scoring turns gap-analysis findings into prioritized compliance gaps.
//
// A finding is classified against a severity rule table, given a bounded risk
// score from severity, enforcement likelihood and deadline proximity, and
// costed from the remediation table. Persisting it deduplicates on the
// (facility, regulation, finding-key) key: an active gap with the same key is
// updated in place, while a key whose only prior gap is closed opens a new one.
// Writes run under a per-key Locker and retry on optimistic-version conflicts.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/metrics"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// Priority labels derived from the risk score.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Risk score weights. They sum to 1 so the score stays in [0,1].
const (
	severityFactor    = 0.6
	enforcementFactor = 0.2
	proximityFactor   = 0.2
)

// Config parameterizes scoring. Field layout matches config.Config.Scoring.
type Config struct {
	CriticalRiskThreshold float64
	HighRiskThreshold     float64
	MediumRiskThreshold   float64
	CriticalDeadlineDays  int
	HighDeadlineDays      int
	ProximityHorizonDays  int
	MaxDedupRetries       int
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalRiskThreshold: 0.8,
		HighRiskThreshold:     0.6,
		MediumRiskThreshold:   0.3,
		CriticalDeadlineDays:  30,
		HighDeadlineDays:      90,
		ProximityHorizonDays:  365,
		MaxDedupRetries:       3,
	}
}

// Assessment is the scored view of a single finding.
type Assessment struct {
	Severity              models.Severity
	RiskScore             float64
	EnforcementLikelihood float64
	Priority              string
	EstimatedCost         float64
	EstimatedEffortHours  float64
	RegulatoryDeadline    *time.Time
	InternalDeadline      time.Time
	DaysUntilDeadline     *int
}

// Result lists the gaps written by Process.
type Result struct {
	Created []models.ComplianceGap
	Updated []models.ComplianceGap
}

// GapIDs returns created then updated gap ids.
func (r Result) GapIDs() []string {
	ids := make([]string, 0, len(r.Created)+len(r.Updated))
	for _, g := range r.Created {
		ids = append(ids, g.GapID)
	}
	for _, g := range r.Updated {
		ids = append(ids, g.GapID)
	}
	return ids
}

// Gaps returns created then updated gaps.
func (r Result) Gaps() []models.ComplianceGap {
	out := make([]models.ComplianceGap, 0, len(r.Created)+len(r.Updated))
	out = append(out, r.Created...)
	return append(out, r.Updated...)
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithRules replaces the severity rule table.
func WithRules(rules []SeverityRule) Option {
	return func(s *Scorer) { s.rules = rules }
}

// WithRemediations replaces the remediation cost table.
func WithRemediations(r map[string]Remediation) Option {
	return func(s *Scorer) { s.remediations = r }
}

// WithLocker sets the dedup lock implementation. The default is an
// in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(s *Scorer) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithConflictBackoff sets the pause between dedup retries.
func WithConflictBackoff(d time.Duration) Option {
	return func(s *Scorer) { s.backoff = d }
}

// Scorer assesses findings and persists them as deduplicated gaps.
type Scorer struct {
	cfg          Config
	store        knowledge.GapStore
	rules        []SeverityRule
	remediations map[string]Remediation
	locker       Locker
	logger       *zap.Logger
	now          func() time.Time
	backoff      time.Duration
}

// NewScorer creates a scorer writing to store.
func NewScorer(cfg Config, store knowledge.GapStore, opts ...Option) *Scorer {
	s := &Scorer{
		cfg:          cfg,
		store:        store,
		rules:        DefaultSeverityRules(),
		remediations: DefaultRemediations(),
		locker:       NewKeyedMutex(),
		logger:       zap.NewNop(),
		now:          time.Now,
		backoff:      10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Assess scores f without touching the store.
func (s *Scorer) Assess(f models.Finding) (Assessment, error) {
	if err := validateFinding(f); err != nil {
		return Assessment{}, err
	}
	now := s.now()

	var days *int
	if f.Deadline != nil {
		d := models.DaysUntil(*f.Deadline, now)
		days = &d
	}

	sev := classify(s.rules, f.Category, f.FindingKey, f.MajorSource, days)
	if days != nil && *days < 0 {
		sev = sev.Escalate()
	}

	enforcement := defaultEnforcement
	if v, ok := enforcementByCategory[f.Category]; ok {
		enforcement = v
	}
	if f.EnforcementLikelihood != nil {
		enforcement = *f.EnforcementLikelihood
	}
	enforcement = clamp(enforcement)

	risk := RiskScore(s.cfg, sev, enforcement, days)

	rem, ok := s.remediations[f.RemediationAction]
	if !ok {
		rem = unknownRemediation
	}
	cost, hours := rem.Estimate(f.Units)

	internal := now.AddDate(0, 0, rem.TimelineDays)
	if f.Deadline != nil && f.Deadline.After(now) && f.Deadline.Before(internal) {
		internal = *f.Deadline
	}

	return Assessment{
		Severity:              sev,
		RiskScore:             risk,
		EnforcementLikelihood: enforcement,
		Priority:              s.priority(risk),
		EstimatedCost:         cost,
		EstimatedEffortHours:  hours,
		RegulatoryDeadline:    f.Deadline,
		InternalDeadline:      internal,
		DaysUntilDeadline:     days,
	}, nil
}

// RiskScore combines severity, enforcement likelihood and deadline proximity
// into a score in [0,1]. A nil daysUntil means no deadline.
func RiskScore(cfg Config, sev models.Severity, enforcement float64, daysUntil *int) float64 {
	score := severityFactor*sev.Weight() +
		enforcementFactor*clamp(enforcement) +
		proximityFactor*Proximity(cfg, daysUntil)
	return clamp(score)
}

// Proximity maps days-until-deadline to [0,1]. Overdue deadlines score 1 and
// the value never decreases as the deadline approaches.
func Proximity(cfg Config, daysUntil *int) float64 {
	if daysUntil == nil {
		return 0
	}
	d := *daysUntil
	if d < 0 {
		return 1
	}
	horizon := cfg.ProximityHorizonDays
	if horizon <= 0 {
		horizon = 365
	}
	p := 1 - float64(d)/float64(horizon)
	if d <= cfg.CriticalDeadlineDays {
		p = math.Max(p, 0.8)
	} else if d <= cfg.HighDeadlineDays {
		p = math.Max(p, 0.5)
	}
	return clamp(p)
}

func (s *Scorer) priority(risk float64) string {
	switch {
	case risk >= s.cfg.CriticalRiskThreshold:
		return PriorityCritical
	case risk >= s.cfg.HighRiskThreshold:
		return PriorityHigh
	case risk >= s.cfg.MediumRiskThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Apply scores f and writes it, updating the active gap with the same key if
// there is one. created reports whether a new gap was opened.
func (s *Scorer) Apply(ctx context.Context, runID string, f models.Finding) (gap *models.ComplianceGap, created bool, err error) {
	a, err := s.Assess(f)
	if err != nil {
		return nil, false, err
	}
	key := f.Key()

	unlock, err := s.locker.Lock(ctx, "gap:"+key.String())
	if err != nil {
		return nil, false, fmt.Errorf("lock gap %s: %w", key, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		existing, err := s.store.FindActiveGap(ctx, key)
		if err != nil {
			return nil, false, storeErr("find active gap", key, err)
		}

		saved, err := s.store.UpsertGap(ctx, s.merge(existing, runID, f, a))
		if err == nil {
			outcome := "updated"
			if existing == nil {
				outcome = "created"
			}
			metrics.GapsUpserted.WithLabelValues(outcome, string(saved.Severity)).Inc()
			metrics.GapRiskScore.Observe(saved.RiskScore)
			return saved, existing == nil, nil
		}
		if !errors.Is(err, models.ErrDuplicateGapConflict) {
			return nil, false, storeErr("upsert gap", key, err)
		}
		if attempt >= s.cfg.MaxDedupRetries {
			return nil, false, fmt.Errorf("gap %s: conflict persisted after %d retries: %w", key, attempt, err)
		}

		metrics.GapConflictRetries.Inc()
		s.logger.Debug("Gap write conflict, retrying",
			zap.String("gap_key", key.String()),
			zap.Int("attempt", attempt+1))

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
}

// Process applies every finding. On error it returns what was written before
// the failing finding.
func (s *Scorer) Process(ctx context.Context, runID string, findings []models.Finding) (Result, error) {
	var res Result
	for _, f := range findings {
		gap, created, err := s.Apply(ctx, runID, f)
		if err != nil {
			return res, fmt.Errorf("finding %s: %w", f.Key(), err)
		}
		if created {
			res.Created = append(res.Created, *gap)
		} else {
			res.Updated = append(res.Updated, *gap)
		}
	}
	return res, nil
}

func (s *Scorer) merge(existing *models.ComplianceGap, runID string, f models.Finding, a Assessment) *models.ComplianceGap {
	now := s.now()
	internal := a.InternalDeadline
	gap := &models.ComplianceGap{
		GapID:                 uuid.NewString(),
		FacilityID:            f.FacilityID,
		RegulationID:          f.RegulationID,
		FindingKey:            f.FindingKey,
		Category:              f.Category,
		Title:                 f.Title,
		Description:           f.Description,
		Severity:              a.Severity,
		Status:                models.GapOpen,
		RiskScore:             a.RiskScore,
		EnforcementLikelihood: a.EnforcementLikelihood,
		Priority:              a.Priority,
		EstimatedCost:         a.EstimatedCost,
		EstimatedEffortHours:  a.EstimatedEffortHours,
		RegulatoryDeadline:    a.RegulatoryDeadline,
		InternalDeadline:      &internal,
		RecommendedAction:     f.RemediationAction,
		Evidence:              append([]string(nil), f.Evidence...),
		RunID:                 runID,
		LastRunID:             runID,
		IdentifiedAt:          now,
		UpdatedAt:             now,
	}
	if existing != nil {
		gap.GapID = existing.GapID
		gap.Status = existing.Status
		gap.RunID = existing.RunID
		gap.IdentifiedAt = existing.IdentifiedAt
		gap.ResolutionNotes = existing.ResolutionNotes
		gap.Version = existing.Version
	}
	return gap
}

// Prioritize orders gaps by severity (highest first), then earliest
// regulatory deadline, then risk score.
func Prioritize(gaps []models.ComplianceGap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		a, b := gaps[i], gaps[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		switch {
		case a.RegulatoryDeadline != nil && b.RegulatoryDeadline == nil:
			return true
		case a.RegulatoryDeadline == nil && b.RegulatoryDeadline != nil:
			return false
		case a.RegulatoryDeadline != nil && !a.RegulatoryDeadline.Equal(*b.RegulatoryDeadline):
			return a.RegulatoryDeadline.Before(*b.RegulatoryDeadline)
		}
		return a.RiskScore > b.RiskScore
	})
}

func validateFinding(f models.Finding) error {
	switch {
	case f.FacilityID == "":
		return &models.ValidationError{Field: "facility_id", Message: "finding has no facility"}
	case f.RegulationID == "":
		return &models.ValidationError{Field: "regulation_id", Message: "finding has no regulation"}
	case f.FindingKey == "":
		return &models.ValidationError{Field: "finding_key", Message: "finding has no key"}
	case f.Category == "":
		return &models.ValidationError{Field: "category", Message: "finding has no category"}
	}
	return nil
}

func storeErr(op string, key models.GapKey, err error) error {
	if errors.Is(err, models.ErrDependencyUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, models.ErrDependencyUnavailable, err)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
