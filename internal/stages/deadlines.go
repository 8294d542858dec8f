package stages

import (
	"context"
	"fmt"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// dueRegulations returns active regulations whose compliance deadline falls
// within rc.DeadlineHorizonDays of rc.Now or has already passed. Nothing is
// queried when the horizon is unset.
func dueRegulations(ctx context.Context, catalog knowledge.Catalog, rc *RunContext) ([]models.Regulation, error) {
	if rc.DeadlineHorizonDays <= 0 {
		return nil, nil
	}
	before := rc.Now.AddDate(0, 0, rc.DeadlineHorizonDays)
	regs, err := catalog.FindRegulations(ctx, knowledge.RegulationFilter{
		DeadlineBefore:   &before,
		ExcludeWithdrawn: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find regulations with upcoming deadlines: %w", err)
	}
	return regs, nil
}

// observeDue records the deadline sweep in the trace.
func observeDue(b *trace.Builder, rc *RunContext, due []models.Regulation) {
	if len(due) == 0 {
		return
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.RegulationID
	}
	b.Observe(fmt.Sprintf("%d regulations have compliance deadlines within %d days or overdue", len(due), rc.DeadlineHorizonDays), 0.95, ids...)
}
