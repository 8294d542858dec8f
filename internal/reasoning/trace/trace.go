package trace

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Package trace builds the explainable reasoning chain attached to every stage
// decision.
//
// Responsibilities:
//   - Record ordered reasoning steps (observation, analysis, inference)
//   - Clamp per-step confidence into [0, 1]
//   - Derive the trace confidence as a position-weighted mean, so later
//     inference steps count for more than early observations
//   - Refuse to produce a trace with no steps
//
// Confidence weighting:
//
//	For n steps numbered 1..n the weight of step i is i / (1 + 2 + ... + n).
//	The trace confidence is sum(weight_i * confidence_i), clamped to [0, 1].

// StepKind is the role a reasoning step plays in the chain.
type StepKind string

const (
	KindObservation StepKind = "observation"
	KindAnalysis    StepKind = "analysis"
	KindInference   StepKind = "inference"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case KindObservation, KindAnalysis, KindInference:
		return true
	}
	return false
}

// ErrEmptyTrace is returned when a trace is built or validated without steps.
var ErrEmptyTrace = errors.New("reasoning trace has no steps")

// Step is a single reasoning step.
type Step struct {
	Number     int       `json:"step_number"`
	Kind       StepKind  `json:"kind"`
	Content    string    `json:"content"`
	Evidence   []string  `json:"evidence,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Trace is an ordered reasoning chain with its derived confidence.
type Trace struct {
	Question   string  `json:"question"`
	Steps      []Step  `json:"steps"`
	Conclusion string  `json:"conclusion"`
	Confidence float64 `json:"confidence"`
}

// Validate checks that the trace has at least one step and that every step is
// well formed.
func (t Trace) Validate() error {
	if len(t.Steps) == 0 {
		return ErrEmptyTrace
	}
	for i, s := range t.Steps {
		if !s.Kind.Valid() {
			return fmt.Errorf("step %d: unknown kind %q", i+1, s.Kind)
		}
		if s.Number != i+1 {
			return fmt.Errorf("step %d: out of sequence (numbered %d)", i+1, s.Number)
		}
		if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("step %d: confidence %v outside [0, 1]", i+1, s.Confidence)
		}
	}
	return nil
}

// Recompute returns t with Confidence derived from its steps, discarding
// whatever value the producer set. A trace without steps gets 0.
func (t Trace) Recompute() Trace {
	c, err := Confidence(t.Steps)
	if err != nil {
		c = 0
	}
	t.Confidence = c
	return t
}

// Explain renders the trace as a short markdown document.
func (t Trace) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", t.Question)
	for _, s := range t.Steps {
		fmt.Fprintf(&b, "%d. **%s** (%.0f%%): %s\n", s.Number, s.Kind, s.Confidence*100, s.Content)
		for _, e := range s.Evidence {
			fmt.Fprintf(&b, "   - %s\n", e)
		}
	}
	if t.Conclusion != "" {
		fmt.Fprintf(&b, "\n**Conclusion** (%.0f%%): %s\n", t.Confidence*100, t.Conclusion)
	}
	return b.String()
}

// Confidence computes the position-weighted confidence of steps.
func Confidence(steps []Step) (float64, error) {
	n := len(steps)
	if n == 0 {
		return 0, ErrEmptyTrace
	}
	total := float64(n*(n+1)) / 2
	var sum float64
	for i, s := range steps {
		sum += float64(i+1) / total * Clamp(s.Confidence)
	}
	return Clamp(sum), nil
}

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
