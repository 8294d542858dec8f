package stages

import (
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
)

// Deps are the collaborators of the default stages.
type Deps struct {
	Catalog knowledge.Catalog
	Gaps    knowledge.GapReader
	Reports knowledge.ReportStore
	Scorer  *scoring.Scorer
	Inferer llm.Inferer
	Logger  *zap.Logger
}

// DefaultRegistry registers the four production stages.
func DefaultRegistry(d Deps) *Registry {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := NewRegistry(
		NewMonitorStage(d.Catalog, d.Inferer, logger.Named("monitor")),
		NewAssessStage(d.Catalog, logger.Named("assess")),
		NewAnalyzeStage(d.Catalog, d.Scorer, logger.Named("analyze")),
		NewReportStage(d.Gaps, d.Reports, d.Inferer, logger.Named("report")),
	)
	if err != nil {
		// The stage set is fixed; a failure here is a programming error.
		panic(err)
	}
	return r
}
