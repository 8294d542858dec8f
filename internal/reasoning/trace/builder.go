package trace

import (
	"fmt"
	"time"
)

// Builder accumulates reasoning steps for one stage invocation. It is not
// safe for concurrent use.
type Builder struct {
	question string
	steps    []Step
	err      error
	now      func() time.Time
}

// NewBuilder starts a trace answering question.
func NewBuilder(question string) *Builder {
	return &Builder{question: question, now: time.Now}
}

// WithClock overrides the step timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	if now != nil {
		b.now = now
	}
	return b
}

// Observe records what was seen.
func (b *Builder) Observe(content string, confidence float64, evidence ...string) *Builder {
	return b.Add(KindObservation, content, confidence, evidence...)
}

// Analyze records what an observation means.
func (b *Builder) Analyze(content string, confidence float64, evidence ...string) *Builder {
	return b.Add(KindAnalysis, content, confidence, evidence...)
}

// Infer records a conclusion drawn from prior steps.
func (b *Builder) Infer(content string, confidence float64, evidence ...string) *Builder {
	return b.Add(KindInference, content, confidence, evidence...)
}

// Add appends a step of the given kind. An unknown kind poisons the builder
// and is reported by Build.
func (b *Builder) Add(kind StepKind, content string, confidence float64, evidence ...string) *Builder {
	if b.err != nil {
		return b
	}
	if !kind.Valid() {
		b.err = fmt.Errorf("unknown step kind %q", kind)
		return b
	}
	var ev []string
	if len(evidence) > 0 {
		ev = append(ev, evidence...)
	}
	b.steps = append(b.steps, Step{
		Number:     len(b.steps) + 1,
		Kind:       kind,
		Content:    content,
		Evidence:   ev,
		Confidence: Clamp(confidence),
		Timestamp:  b.now().UTC(),
	})
	return b
}

// Len returns the number of steps recorded so far.
func (b *Builder) Len() int { return len(b.steps) }

// Build finalizes the trace with a conclusion.
func (b *Builder) Build(conclusion string) (Trace, error) {
	if b.err != nil {
		return Trace{}, b.err
	}
	conf, err := Confidence(b.steps)
	if err != nil {
		return Trace{}, err
	}
	steps := make([]Step, len(b.steps))
	copy(steps, b.steps)
	return Trace{
		Question:   b.question,
		Steps:      steps,
		Conclusion: conclusion,
		Confidence: conf,
	}, nil
}
