package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/metrics"
)

// Defaults for the OpenAI provider.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 60 * time.Second
)

const defaultInstructions = "You are an environmental compliance analyst for oil and gas facilities. " +
	"Answer concisely and rate your confidence from 0 to 1 given only the supplied context."

// inferenceOutput is the structured response the model must produce.
type inferenceOutput struct {
	Text       string  `json:"text" jsonschema:"description=The answer"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1,description=Confidence in the answer"`
}

var inferenceSchema = func() any {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return r.Reflect(&inferenceOutput{})
}()

type openAIClient struct {
	openai      openai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

func newOpenAIClient(cfg Config, logger *zap.Logger) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &openAIClient{
		openai:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
	if c.model == "" {
		c.model = DefaultOpenAIModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c, nil
}

func (c *openAIClient) Provider() string { return ProviderOpenAI }
func (c *openAIClient) Model() string    { return c.model }

// Infer sends a chat completion constrained to inferenceOutput.
func (c *openAIClient) Infer(ctx context.Context, req Request) (*Inference, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	instructions := req.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instructions),
			openai.UserMessage(renderPrompt(req)),
		},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "inference",
					Description: openai.String("Answer with confidence"),
					Schema:      inferenceSchema,
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	metrics.InferenceDuration.WithLabelValues(ProviderOpenAI, c.model).Observe(elapsed.Seconds())
	if err != nil {
		metrics.InferenceRequestsTotal.WithLabelValues(ProviderOpenAI, c.model, "error").Inc()
		c.logger.Warn("Inference request failed",
			zap.String("stage", req.Stage),
			zap.String("model", c.model),
			zap.Bool("retryable", isRetryable(err)),
			zap.Error(err))
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	metrics.InferenceRequestsTotal.WithLabelValues(ProviderOpenAI, c.model, "success").Inc()
	metrics.InferenceTokens.WithLabelValues(ProviderOpenAI, c.model, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.InferenceTokens.WithLabelValues(ProviderOpenAI, c.model, "output").Add(float64(resp.Usage.CompletionTokens))

	c.logger.Debug("Inference completed",
		zap.String("stage", req.Stage),
		zap.String("model", c.model),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no choices in response")
	}
	out, err := parseOutput(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	return &Inference{
		Text:             out.Text,
		Confidence:       clampConfidence(out.Confidence),
		Provider:         ProviderOpenAI,
		Model:            c.model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Duration:         elapsed,
	}, nil
}

func parseOutput(content string) (inferenceOutput, error) {
	var out inferenceOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, fmt.Errorf("unmarshal inference: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return out, fmt.Errorf("unmarshal inference: empty text")
	}
	return out, nil
}

// renderPrompt appends context as sorted "key: value" lines.
func renderPrompt(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		v, err := json.Marshal(req.Context[k])
		if err != nil {
			v = []byte(fmt.Sprint(req.Context[k]))
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
