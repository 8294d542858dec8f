package stages

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

// Relevance scoring.
const (
	keywordWeight      = 0.6
	cfrWeight          = 0.4
	relevanceThreshold = 0.3
	borderlineScore    = 0.5
	keywordSaturation  = 3
)

// DefaultKeywords is the oil and gas vocabulary used for relevance.
var DefaultKeywords = []string{
	"oil", "natural gas", "petroleum", "crude", "well site", "wellsite",
	"compressor", "pneumatic", "storage vessel", "fugitive", "methane",
	"leak detection", "ldar", "gathering", "processing plant", "flare",
	"venting", "volatile organic",
}

var cfrPartWeights = map[int]float64{
	60: 0.8,
	63: 0.7,
	98: 0.6,
}

var cfrPattern = regexp.MustCompile(`(?i)\bcfr\s+(?:part\s+)?(\d+)`)

// MonitorStage finds regulations changed within the lookback window and
// keeps the ones relevant to oil and gas operations.
type MonitorStage struct {
	catalog  knowledge.Catalog
	inferer  llm.Inferer
	logger   *zap.Logger
	keywords []string
}

// NewMonitorStage creates the monitor stage. inferer may be nil.
func NewMonitorStage(catalog knowledge.Catalog, inferer llm.Inferer, logger *zap.Logger) *MonitorStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorStage{catalog: catalog, inferer: inferer, logger: logger, keywords: DefaultKeywords}
}

func (s *MonitorStage) Name() Name   { return Monitor }
func (s *MonitorStage) Type() string { return "regulation_monitor" }

// Execute implements Stage.
func (s *MonitorStage) Execute(ctx context.Context, rc *RunContext) (*Output, trace.Trace, error) {
	since := rc.Now.AddDate(0, 0, -rc.LookbackDays)
	regs, err := s.catalog.FindRegulations(ctx, knowledge.RegulationFilter{
		ChangedSince:     &since,
		ExcludeWithdrawn: true,
	})
	if err != nil {
		return nil, trace.Trace{}, fmt.Errorf("find changed regulations: %w", err)
	}
	due, err := dueRegulations(ctx, s.catalog, rc)
	if err != nil {
		return nil, trace.Trace{}, err
	}

	b := trace.NewBuilder(fmt.Sprintf("Which regulations changed in the last %d days matter to oil and gas facilities?", rc.LookbackDays)).
		WithClock(func() time.Time { return rc.Now })
	b.Observe(fmt.Sprintf("Found %d regulations changed since %s", len(regs), since.Format("2006-01-02")), 0.95)
	observeDue(b, rc, due)

	relevant := make([]models.Regulation, 0, len(regs))
	ids := make([]string, 0, len(regs))
	scores := make(map[string]float64, len(regs))
	for _, r := range regs {
		score := s.Relevance(r)
		scores[r.RegulationID] = score
		if score <= relevanceThreshold {
			continue
		}
		if score < borderlineScore {
			b.Analyze(fmt.Sprintf("%s is borderline relevant (%.2f); keyword and CFR evidence is weak", citationOrID(r), score), score, r.RegulationID)
		}
		relevant = append(relevant, r)
		ids = append(ids, r.RegulationID)
	}

	if len(regs) > 0 {
		b.Analyze(fmt.Sprintf("%d of %d changed regulations are relevant to oil and gas operations", len(relevant), len(regs)), 0.85)
	}

	fallback := "No relevant regulatory changes in the lookback window"
	if len(relevant) > 0 {
		fallback = fmt.Sprintf("Relevant changes: %s", strings.Join(citations(relevant), ", "))
	}
	summary := fallback
	if len(relevant) > 0 {
		summary = refine(ctx, s.inferer, s.logger, b, llm.Request{
			RunID:  rc.RunID,
			Stage:  string(Monitor),
			Prompt: "Summarize these regulatory changes for compliance professionals in 2-3 sentences.",
			Context: map[string]any{
				"regulations": regulationBriefs(relevant),
			},
		}, fallback)
	} else {
		b.Infer(fallback, 0.9)
	}

	tr, err := b.Build(summary)
	if err != nil {
		return nil, trace.Trace{}, err
	}
	return &Output{
		DecisionType:   models.DecisionRegulatoryScan,
		Summary:        fmt.Sprintf("Scanned %d changed regulations, %d relevant", len(regs), len(relevant)),
		RegulationIDs:  ids,
		Regulations:    relevant,
		DueRegulations: due,
		Data: map[string]any{
			"since":            since.Format("2006-01-02"),
			"due":              len(due),
			"scanned":          len(regs),
			"relevant":         len(relevant),
			"relevance_scores": scores,
		},
	}, tr, nil
}

// Relevance scores r in [0,1] from keyword hits and CFR part.
func (s *MonitorStage) Relevance(r models.Regulation) float64 {
	text := strings.ToLower(strings.Join(append([]string{r.Title, r.Summary}, r.Keywords...), " "))
	hits := 0
	for _, kw := range s.keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	kw := float64(hits) / keywordSaturation
	if kw > 1 {
		kw = 1
	}
	return keywordWeight*kw + cfrWeight*cfrScore(r.Citation)
}

func cfrScore(citation string) float64 {
	m := cfrPattern.FindStringSubmatch(citation)
	if m == nil {
		return 0
	}
	part, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return cfrPartWeights[part]
}

func citationOrID(r models.Regulation) string {
	if r.Citation != "" {
		return r.Citation
	}
	return r.RegulationID
}

func citations(regs []models.Regulation) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, citationOrID(r))
	}
	return out
}

func regulationBriefs(regs []models.Regulation) []map[string]string {
	out := make([]map[string]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, map[string]string{
			"citation": r.Citation,
			"title":    r.Title,
			"summary":  r.Summary,
		})
	}
	return out
}
