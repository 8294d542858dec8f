package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/metrics"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// fallbackConfidence is used for the deterministic step that replaces a
// failed or unavailable inference.
const fallbackConfidence = 0.7

// refine asks inf for a summary and records it as an inference step. When
// inference is unavailable the fallback text is recorded instead with
// fallbackConfidence. It returns the text that was recorded.
func refine(ctx context.Context, inf llm.Inferer, logger *zap.Logger, b *trace.Builder, req llm.Request, fallback string) string {
	if inf != nil {
		resp, err := inf.Infer(ctx, req)
		if err == nil {
			b.Infer(resp.Text, resp.Confidence, "provider:"+resp.Provider, "model:"+resp.Model)
			return resp.Text
		}
		logger.Debug("Inference unavailable, using deterministic summary",
			zap.String("run_id", req.RunID),
			zap.String("stage", req.Stage),
			zap.Error(err))
	}
	metrics.InferenceFallbacks.WithLabelValues(req.Stage).Inc()
	b.Infer(fallback, fallbackConfidence, "deterministic")
	return fallback
}
