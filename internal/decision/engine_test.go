package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/internal/confidence"
	"github.com/jordanhubbard/holly/internal/history"
	"github.com/jordanhubbard/holly/internal/risk"
	"github.com/jordanhubbard/holly/pkg/models"
)

func input(level models.RiskLevel, conf float64) Input {
	return Input{
		ImprovementID: "imp-1",
		Risk:          risk.Analysis{Level: level},
		Confidence:    confidence.Score{Value: conf},
	}
}

func TestDecide_Table(t *testing.T) {
	e := NewEngine(DefaultConfig())
	tests := []struct {
		level models.RiskLevel
		conf  float64
		want  models.Action
	}{
		{models.RiskLow, 0.90, models.ActionAutoApprove},
		{models.RiskLow, 0.85, models.ActionAutoApprove},
		{models.RiskLow, 0.70, models.ActionAutoApprove},
		{models.RiskLow, 0.69, models.ActionPendingReview},
		{models.RiskMedium, 0.85, models.ActionAutoApprove},
		{models.RiskMedium, 0.84, models.ActionPendingReview},
		{models.RiskMedium, 0.10, models.ActionPendingReview},
		{models.RiskHigh, 1.00, models.ActionPendingReview},
		{models.RiskHigh, 0.70, models.ActionPendingReview},
		{models.RiskHigh, 0.69, models.ActionReject},
		{models.RiskLevel("bogus"), 1.00, models.ActionPendingReview},
	}
	for _, tt := range tests {
		got := e.Decide(input(tt.level, tt.conf))
		assert.Equal(t, tt.want, got.Action, "risk=%s conf=%v", tt.level, tt.conf)
		assert.Equal(t, got.TableAction, got.Action)
		assert.Contains(t, got.Rationale, "table cell")
	}
}

func TestDecide_OverridesOnlyTighten(t *testing.T) {
	e := NewEngine(DefaultConfig())
	actions := []models.Action{models.ActionAutoApprove, models.ActionPendingReview, models.ActionReject}

	for _, level := range []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh} {
		for _, conf := range []float64{0, 0.5, 0.7, 0.8, 0.85, 1} {
			base := e.Decide(input(level, conf))
			for _, a := range actions {
				in := input(level, conf)
				in.Overrides = []Rule{{Name: "force", Action: a}}
				got := e.Decide(in)

				assert.GreaterOrEqual(t, got.Action.Strictness(), base.Action.Strictness(),
					"override %s loosened %s at risk=%s conf=%v", a, base.Action, level, conf)
				if a.Strictness() < base.Action.Strictness() {
					assert.Equal(t, base.Action, got.Action)
					assert.Equal(t, []string{"force"}, got.IgnoredOverrides)
					assert.Contains(t, got.Rationale, "ignored")
				} else {
					assert.Equal(t, a, got.Action)
					assert.Equal(t, []string{"force"}, got.AppliedOverrides)
					assert.Contains(t, got.Rationale, "Overrides applied: force")
				}
			}
		}
	}
}

func TestDecide_RuleMatching(t *testing.T) {
	e := NewEngine(DefaultConfig())
	rules := []Rule{
		{Name: "billing-review", Action: models.ActionPendingReview, PathPatterns: []string{"src/billing/**"}},
		{Name: "big-self-detected", Action: models.ActionReject, TriggerTypes: []models.TriggerType{models.TriggerSelfDetected}, MinLines: 300},
	}

	in := input(models.RiskLow, 0.95)
	in.Overrides = rules
	in.Subject = &Subject{Files: []string{"src/ui/button.tsx"}, TriggerType: models.TriggerUserRequest, LinesChanged: 10}
	assert.Equal(t, models.ActionAutoApprove, e.Decide(in).Action)

	in.Subject.Files = append(in.Subject.Files, "src/billing/invoice.ts")
	got := e.Decide(in)
	assert.Equal(t, models.ActionPendingReview, got.Action)
	assert.Equal(t, []string{"billing-review"}, got.AppliedOverrides)

	in.Subject.TriggerType = models.TriggerSelfDetected
	in.Subject.LinesChanged = 299
	assert.Equal(t, models.ActionPendingReview, e.Decide(in).Action)

	in.Subject.LinesChanged = 300
	got = e.Decide(in)
	assert.Equal(t, models.ActionReject, got.Action)
	assert.Equal(t, []string{"billing-review", "big-self-detected"}, got.AppliedOverrides)

	// Criteria-bearing rules never match without a subject.
	in.Subject = nil
	assert.Equal(t, models.ActionAutoApprove, e.Decide(in).Action)
}

func TestDecide_RoundTripAutoApprove(t *testing.T) {
	h := history.Data{SimilarCount: 20, SuccessRate: 0.95}
	analysis, err := risk.NewAnalyzer(risk.DefaultConfig()).Analyze(risk.Input{
		TriggerType:  models.TriggerUserRequest,
		FilesChanged: []string{"src/a.ts"},
		History:      h,
	})
	require.NoError(t, err)
	analysis.Level = models.MaxRisk(models.RiskLow, analysis.Level)

	llm, coverage := 1.0, 100.0
	score, err := confidence.NewScorer(confidence.DefaultConfig()).Score(confidence.Input{
		LLMConfidence:         &llm,
		PredictedTestCoverage: &coverage,
		History:               h,
		CodeQuality:           &confidence.QualityMetrics{LintingPassed: true, TypeCheckPassed: true, SecurityScanPassed: true},
	})
	require.NoError(t, err)

	got := NewEngine(DefaultConfig()).Decide(Input{ImprovementID: "imp-rt", Risk: analysis, Confidence: score})
	assert.Equal(t, models.ActionAutoApprove, got.Action)
	assert.Equal(t, models.RiskLow, got.RiskLevel)
	assert.Equal(t, "imp-rt", got.ImprovementID)
}

func TestDecide_FailedQualityNeverAutoApproves(t *testing.T) {
	llm, coverage := 1.0, 100.0
	score, err := confidence.NewScorer(confidence.DefaultConfig()).Score(confidence.Input{
		LLMConfidence:         &llm,
		PredictedTestCoverage: &coverage,
		History:               history.Data{SimilarCount: 50, SuccessRate: 1},
		CodeQuality:           &confidence.QualityMetrics{LintingPassed: true, TypeCheckPassed: true},
	})
	require.NoError(t, err)

	e := NewEngine(DefaultConfig())
	for _, level := range []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh} {
		got := e.Decide(Input{Risk: risk.Analysis{Level: level}, Confidence: score})
		assert.NotEqual(t, models.ActionAutoApprove, got.Action, "risk=%s", level)
	}
}

func TestRuleValidate(t *testing.T) {
	assert.NoError(t, Rule{Name: "ok", Action: models.ActionPendingReview}.Validate())
	assert.Error(t, Rule{Action: models.ActionPendingReview}.Validate())
	assert.Error(t, Rule{Name: "bad", Action: "MAYBE"}.Validate())
	assert.Error(t, Rule{Name: "neg", Action: models.ActionReject, MinLines: -1}.Validate())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{HighBar: 0.6, MidBar: 0.7}.Validate())
	assert.Error(t, Config{HighBar: 1.2, MidBar: 0.7}.Validate())
}
