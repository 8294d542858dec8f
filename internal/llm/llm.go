// Package llm provides the inference collaborator used by analysis stages.
//
// Responsibilities:
//   - Define the Inferer contract: given a prompt and context, return text
//     and a confidence in [0,1]
//   - Construct the configured provider (OpenAI or none)
//   - Enforce a per-run token budget in front of any provider
//
// Inference is optional. Stages treat every error from an Inferer, including
// ErrProviderNotConfigured and ErrBudgetExceeded, as a signal to fall back to
// deterministic reasoning.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Providers.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

var (
	// ErrProviderNotConfigured is returned by the none provider.
	ErrProviderNotConfigured = errors.New("inference provider not configured")

	// ErrBudgetExceeded is returned when a run has spent its token budget.
	ErrBudgetExceeded = errors.New("inference token budget exceeded")
)

// Request is a single inference call.
type Request struct {
	RunID string
	Stage string
	// Instructions is the system prompt.
	Instructions string
	Prompt       string
	Context      map[string]any
	MaxTokens    int
}

// Inference is the result of a call.
type Inference struct {
	Text             string
	Confidence       float64
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// Inferer answers prompts.
type Inferer interface {
	Infer(ctx context.Context, req Request) (*Inference, error)
	Provider() string
	Model() string
}

// Config selects and configures a provider.
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxTokens      int
	Temperature    float64
	RunTokenBudget int
	// MaxRetries is how many times a failed request is retried on 429, 5xx
	// and connection errors.
	MaxRetries int
}

// New returns the Inferer for cfg, wrapped in a token budget when
// cfg.RunTokenBudget is positive.
func New(cfg Config, logger *zap.Logger) (Inferer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var inner Inferer
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		logger.Info("Inference disabled; stages use deterministic reasoning")
		return Unconfigured(), nil
	case ProviderOpenAI:
		c, err := newOpenAIClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", cfg.Provider)
	}

	if cfg.RunTokenBudget > 0 {
		return WithBudget(inner, NewBudget(cfg.RunTokenBudget)), nil
	}
	return inner, nil
}

type unconfigured struct{}

// Unconfigured returns an Inferer that always fails with
// ErrProviderNotConfigured.
func Unconfigured() Inferer { return unconfigured{} }

func (unconfigured) Infer(context.Context, Request) (*Inference, error) {
	return nil, ErrProviderNotConfigured
}

func (unconfigured) Provider() string { return ProviderNone }
func (unconfigured) Model() string    { return "" }

// estimateTokens is a rough count at four characters per token.
func estimateTokens(text string) int {
	return len(text) / 4
}

func clampConfidence(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
