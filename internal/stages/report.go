package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
)

// Compliance score penalties per gap.
var scorePenalty = map[models.Severity]float64{
	models.SeverityCritical: 15,
	models.SeverityHigh:     8,
	models.SeverityMedium:   3,
	models.SeverityLow:      1,
}

// ComplianceScore is 100 minus a per-severity penalty, floored at 0.
func ComplianceScore(counts map[models.Severity]int) float64 {
	score := 100.0
	for sev, n := range counts {
		score -= scorePenalty[sev] * float64(n)
	}
	if score < 0 {
		return 0
	}
	return score
}

// ScoreStatus bands a compliance score.
func ScoreStatus(score float64) string {
	switch {
	case score >= 90:
		return models.ScoreExcellent
	case score >= 75:
		return models.ScoreGood
	case score >= 60:
		return models.ScoreNeedsImprovement
	default:
		return models.ScoreCritical
	}
}

// ReportStage assembles a gap-analysis report.
type ReportStage struct {
	gaps    knowledge.GapReader
	reports knowledge.ReportStore
	inferer llm.Inferer
	logger  *zap.Logger
}

// NewReportStage creates the report stage. inferer may be nil.
func NewReportStage(gaps knowledge.GapReader, reports knowledge.ReportStore, inferer llm.Inferer, logger *zap.Logger) *ReportStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportStage{gaps: gaps, reports: reports, inferer: inferer, logger: logger}
}

func (s *ReportStage) Name() Name   { return Report }
func (s *ReportStage) Type() string { return "report_generator" }

// Execute implements Stage. It reports on the gaps referenced by the run, or
// on the stored active gaps in scope when the run has none.
func (s *ReportStage) Execute(ctx context.Context, rc *RunContext) (*Output, trace.Trace, error) {
	filter := knowledge.GapFilter{FacilityIDs: rc.FacilityIDs, ActiveOnly: true}
	source := "stored active gaps"
	if len(rc.GapIDs) > 0 {
		filter = knowledge.GapFilter{GapIDs: rc.GapIDs, ActiveOnly: true}
		source = "gaps from this run"
	}
	gaps, err := s.gaps.FindGaps(ctx, filter)
	if err != nil {
		return nil, trace.Trace{}, fmt.Errorf("find gaps: %w", err)
	}
	scoring.Prioritize(gaps)

	b := trace.NewBuilder("What is the compliance posture of the facilities in scope?").
		WithClock(func() time.Time { return rc.Now })
	b.Observe(fmt.Sprintf("Loaded %d %s", len(gaps), source), 0.95)

	counts := map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityHigh:     0,
		models.SeverityMedium:   0,
		models.SeverityLow:      0,
	}
	var total float64
	for _, g := range gaps {
		counts[g.Severity]++
		total += g.EstimatedCost
	}
	score := ComplianceScore(counts)
	status := ScoreStatus(score)
	b.Analyze(fmt.Sprintf("Compliance score %.0f/100 (%s): %d critical, %d high, %d medium, %d low",
		score, status, counts[models.SeverityCritical], counts[models.SeverityHigh],
		counts[models.SeverityMedium], counts[models.SeverityLow]), 0.95)

	fallback := executiveSummary(gaps, counts, score, status, total)
	var summary string
	if len(gaps) == 0 {
		summary = fallback
		b.Infer(summary, 0.9)
	} else {
		summary = refine(ctx, s.inferer, s.logger, b, llm.Request{
			RunID:  rc.RunID,
			Stage:  string(Report),
			Prompt: "Write a 3-4 sentence executive summary of this compliance gap analysis for senior management.",
			Context: map[string]any{
				"compliance_score": score,
				"score_status":     status,
				"gap_counts":       counts,
				"top_gaps":         topGapTitles(gaps, 5),
				"estimated_cost":   total,
			},
		}, fallback)
	}

	report := &models.Report{
		ReportID:           uuid.NewString(),
		RunID:              rc.RunID,
		ReportType:         models.ReportGapAnalysis,
		Title:              fmt.Sprintf("Compliance Gap Analysis Report - %s", rc.Now.Format("January 2006")),
		FacilityIDs:        union(append([]string(nil), rc.FacilityIDs...), gapFacilities(gaps)),
		RegulationIDs:      gapRegulations(gaps),
		GapIDs:             gapIDs(gaps),
		ComplianceScore:    score,
		ScoreStatus:        status,
		GapCounts:          counts,
		ExecutiveSummary:   summary,
		PriorityActions:    priorityActions(gaps),
		EstimatedTotalCost: total,
		GeneratedAt:        rc.Now,
	}
	report.Sections = buildSections(report, gaps)

	if err := s.reports.SaveReport(ctx, report); err != nil {
		return nil, trace.Trace{}, fmt.Errorf("save report: %w", err)
	}

	tr, err := b.Build(fmt.Sprintf("Report %s generated with score %.0f", report.ReportID, score))
	if err != nil {
		return nil, trace.Trace{}, err
	}
	return &Output{
		DecisionType: models.DecisionReportGeneration,
		Summary:      fmt.Sprintf("Generated %s covering %d gaps, score %.0f (%s)", report.ReportType, len(gaps), score, status),
		FacilityIDs:  report.FacilityIDs,
		GapIDs:       report.GapIDs,
		ReportIDs:    []string{report.ReportID},
		Report:       report,
		Data: map[string]any{
			"compliance_score": score,
			"score_status":     status,
		},
	}, tr, nil
}

func executiveSummary(gaps []models.ComplianceGap, counts map[models.Severity]int, score float64, status string, cost float64) string {
	if len(gaps) == 0 {
		return fmt.Sprintf("No open compliance gaps. Compliance score %.0f/100 (%s).", score, status)
	}
	s := fmt.Sprintf("%d open compliance gaps, %d critical and %d high priority. Compliance score %.0f/100 (%s). Estimated remediation cost $%.0f.",
		len(gaps), counts[models.SeverityCritical], counts[models.SeverityHigh], score, status, cost)
	if gaps[0].Severity == models.SeverityCritical {
		s += fmt.Sprintf(" Most urgent: %s.", gaps[0].Title)
	}
	return s
}

func priorityActions(gaps []models.ComplianceGap) []models.PriorityAction {
	out := make([]models.PriorityAction, 0, len(gaps))
	for i, g := range gaps {
		out = append(out, models.PriorityAction{
			Rank:          i + 1,
			GapID:         g.GapID,
			FacilityID:    g.FacilityID,
			Action:        g.RecommendedAction,
			Severity:      g.Severity,
			Priority:      g.Priority,
			Deadline:      g.InternalDeadline,
			EstimatedCost: g.EstimatedCost,
		})
	}
	return out
}

func buildSections(r *models.Report, gaps []models.ComplianceGap) []models.ReportSection {
	var critical, high, other []models.ComplianceGap
	for _, g := range gaps {
		switch g.Severity {
		case models.SeverityCritical:
			critical = append(critical, g)
		case models.SeverityHigh:
			high = append(high, g)
		default:
			other = append(other, g)
		}
	}

	sections := []models.ReportSection{
		{Title: "Executive Summary", Content: r.ExecutiveSummary},
		{Title: "Overall Compliance Score", Content: scoreSection(r)},
	}
	if len(critical) > 0 {
		sections = append(sections, models.ReportSection{Title: "Critical Compliance Gaps", Content: gapsSection(critical)})
	}
	if len(high) > 0 {
		sections = append(sections, models.ReportSection{Title: "High Priority Gaps", Content: gapsSection(high)})
	}
	if len(other) > 0 {
		sections = append(sections, models.ReportSection{Title: "Other Compliance Gaps", Content: gapsSection(other)})
	}
	sections = append(sections,
		models.ReportSection{Title: "Recommended Action Plan", Content: actionPlan(r.PriorityActions)},
		models.ReportSection{Title: "Remediation Cost Estimate", Content: costSection(gaps, r.EstimatedTotalCost)},
	)
	for i := range sections {
		sections[i].Order = i + 1
	}
	return sections
}

func scoreSection(r *models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Compliance Score: %.0f/100 (%s)\n\n", r.ComplianceScore, r.ScoreStatus)
	b.WriteString("| Severity | Count |\n|----------|-------|\n")
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		fmt.Fprintf(&b, "| %s | %d |\n", sev, r.GapCounts[sev])
	}
	return b.String()
}

func gapsSection(gaps []models.ComplianceGap) string {
	var b strings.Builder
	for i, g := range gaps {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, g.Title)
		fmt.Fprintf(&b, "**Severity:** %s\n**Facility:** %s\n**Regulation:** %s\n**Deadline:** %s\n**Risk Score:** %.2f\n\n",
			strings.ToUpper(string(g.Severity)), g.FacilityID, g.RegulationID, formatDate(g.RegulatoryDeadline), g.RiskScore)
		if g.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", g.Description)
		}
		fmt.Fprintf(&b, "**Recommended Action:** %s\n**Estimated Cost:** $%.0f\n\n", g.RecommendedAction, g.EstimatedCost)
	}
	return b.String()
}

func actionPlan(actions []models.PriorityAction) string {
	if len(actions) == 0 {
		return "No remediation actions required."
	}
	var b strings.Builder
	for _, a := range actions {
		fmt.Fprintf(&b, "%d. [%s] %s at %s by %s\n", a.Rank, a.Severity, a.Action, a.FacilityID, formatDate(a.Deadline))
	}
	return b.String()
}

func costSection(gaps []models.ComplianceGap, total float64) string {
	bySeverity := map[models.Severity]float64{}
	for _, g := range gaps {
		bySeverity[g.Severity] += g.EstimatedCost
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Total Estimated Remediation Cost: $%.0f\n\n", total)
	b.WriteString("| Severity | Estimated Cost |\n|----------|----------------|\n")
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		fmt.Fprintf(&b, "| %s | $%.0f |\n", sev, bySeverity[sev])
	}
	return b.String()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "not specified"
	}
	return t.Format("2006-01-02")
}

func topGapTitles(gaps []models.ComplianceGap, n int) []string {
	if len(gaps) < n {
		n = len(gaps)
	}
	out := make([]string, 0, n)
	for _, g := range gaps[:n] {
		out = append(out, fmt.Sprintf("%s (%s)", g.Title, g.Severity))
	}
	return out
}

func gapIDs(gaps []models.ComplianceGap) []string {
	out := make([]string, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, g.GapID)
	}
	return out
}

func gapFacilities(gaps []models.ComplianceGap) []string {
	var out []string
	for _, g := range gaps {
		out = append(out, g.FacilityID)
	}
	return union(nil, out)
}

func gapRegulations(gaps []models.ComplianceGap) []string {
	var out []string
	for _, g := range gaps {
		out = append(out, g.RegulationID)
	}
	return union(nil, out)
}
