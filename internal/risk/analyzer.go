// Package risk classifies improvements as low, medium or high risk from the
// shape of the change and the outcomes of similar past changes. Scoring is
// deterministic and every contributing term is reported.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/jordanhubbard/holly/internal/history"
	"github.com/jordanhubbard/holly/pkg/models"
)

// LineBracket assigns Score to changes with fewer than Below lines.
type LineBracket struct {
	Below int     `yaml:"below"`
	Score float64 `yaml:"score"`
}

// Config holds the tunable constants of the analyzer.
type Config struct {
	TriggerScores       map[models.TriggerType]float64 `yaml:"trigger_scores"`
	UnknownTriggerScore float64                        `yaml:"unknown_trigger_score"`

	LineBrackets []LineBracket `yaml:"line_brackets"`
	MaxLineScore float64       `yaml:"max_line_score"`

	ModuleScore         float64  `yaml:"module_score"`
	ModuleScoreCap      float64  `yaml:"module_score_cap"`
	CriticalModules     []string `yaml:"critical_modules"`
	CriticalModuleScore float64  `yaml:"critical_module_score"`
	SchemaMarkers       []string `yaml:"schema_markers"`
	SchemaScore         float64  `yaml:"schema_score"`

	MinSampleSize          int     `yaml:"min_sample_size"`
	TrustedSuccessRate     float64 `yaml:"trusted_success_rate"`
	MaxHistoricalReduction float64 `yaml:"max_historical_reduction"`
	PoorSuccessRate        float64 `yaml:"poor_success_rate"`
	PoorHistoryPenalty     float64 `yaml:"poor_history_penalty"`

	LowThreshold    float64 `yaml:"low_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		TriggerScores: map[models.TriggerType]float64{
			models.TriggerSelfDetected:   40,
			models.TriggerBugReport:      30,
			models.TriggerUserRequest:    20,
			models.TriggerScheduledAudit: 10,
		},
		UnknownTriggerScore: 40,
		LineBrackets: []LineBracket{
			{Below: 50, Score: 5},
			{Below: 100, Score: 10},
			{Below: 200, Score: 20},
			{Below: 500, Score: 30},
		},
		MaxLineScore:           40,
		ModuleScore:            5,
		ModuleScoreCap:         25,
		CriticalModules:        []string{"auth", "database", "api", "governance", "self-improvement"},
		CriticalModuleScore:    15,
		SchemaMarkers:          []string{"schema.prisma", "migrations/", ".sql"},
		SchemaScore:            10,
		MinSampleSize:          5,
		TrustedSuccessRate:     0.8,
		MaxHistoricalReduction: 15,
		PoorSuccessRate:        0.5,
		PoorHistoryPenalty:     10,
		LowThreshold:           30,
		MediumThreshold:        60,
	}
}

// triggerRange returns the lowest and highest trigger base scores.
func (c Config) triggerRange() (lo, hi float64) {
	lo, hi = c.UnknownTriggerScore, c.UnknownTriggerScore
	for _, v := range c.TriggerScores {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// bracketRange returns the smallest and largest bracketed line scores.
// Changes beyond every bracket score MaxLineScore, which is above both.
func (c Config) bracketRange() (lo, hi float64) {
	if len(c.LineBrackets) == 0 {
		return c.MaxLineScore, c.MaxLineScore
	}
	lo, hi = c.LineBrackets[0].Score, c.LineBrackets[0].Score
	for _, b := range c.LineBrackets[1:] {
		lo = math.Min(lo, b.Score)
		hi = math.Max(hi, b.Score)
	}
	return lo, hi
}

// Input describes the change under analysis.
type Input struct {
	TriggerType     models.TriggerType `json:"trigger_type"`
	FilesChanged    []string           `json:"files_changed"`
	LinesChanged    int                `json:"lines_changed"`
	AffectedModules []string           `json:"affected_modules"`
	History         history.Data       `json:"historical_data"`
}

// Factors is the per-term breakdown of a risk score.
type Factors struct {
	Trigger    float64 `json:"trigger"`
	Magnitude  float64 `json:"magnitude"`
	Historical float64 `json:"historical"`

	LinesTerm    float64 `json:"lines_term"`
	ModulesTerm  float64 `json:"modules_term"`
	CriticalTerm float64 `json:"critical_term"`
	SchemaTerm   float64 `json:"schema_term"`
}

// Analysis is the derived risk assessment of an improvement.
type Analysis struct {
	Level             models.RiskLevel `json:"risk_level"`
	Score             float64          `json:"risk_score"`
	Factors           Factors          `json:"factors"`
	HistoricalContext history.Data     `json:"historical_context"`
	Reasoning         string           `json:"reasoning"`
}

// Analyzer computes risk classifications.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an analyzer with cfg.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze scores the change. Zero lines or modules yield the minimum
// magnitude; an unknown trigger gets the highest base score.
func (a *Analyzer) Analyze(in Input) (Analysis, error) {
	if in.LinesChanged < 0 {
		return Analysis{}, fmt.Errorf("lines changed must be >= 0, got %d", in.LinesChanged)
	}
	if err := in.History.Validate(); err != nil {
		return Analysis{}, fmt.Errorf("invalid historical data: %w", err)
	}

	var f Factors
	f.Trigger = a.triggerScore(in.TriggerType)
	f.LinesTerm = a.linesTerm(in.LinesChanged)
	f.ModulesTerm = a.modulesTerm(len(models.NormalizeSet(in.AffectedModules)))
	if a.touchesCritical(in.AffectedModules) {
		f.CriticalTerm = a.cfg.CriticalModuleScore
	}
	if a.touchesSchema(in.FilesChanged) {
		f.SchemaTerm = a.cfg.SchemaScore
	}
	f.Magnitude = f.LinesTerm + f.ModulesTerm + f.CriticalTerm + f.SchemaTerm
	f.Historical = a.historicalTerm(in.History)

	score := math.Max(0, f.Trigger+f.Magnitude+f.Historical)
	level := a.level(score)

	return Analysis{
		Level:             level,
		Score:             score,
		Factors:           f,
		HistoricalContext: in.History,
		Reasoning:         reasoning(level, f, in.History, a.cfg),
	}, nil
}

func (a *Analyzer) triggerScore(t models.TriggerType) float64 {
	if s, ok := a.cfg.TriggerScores[t]; ok {
		return s
	}
	highest := a.cfg.UnknownTriggerScore
	for _, s := range a.cfg.TriggerScores {
		highest = math.Max(highest, s)
	}
	return highest
}

func (a *Analyzer) linesTerm(lines int) float64 {
	for _, b := range a.cfg.LineBrackets {
		if lines < b.Below {
			return b.Score
		}
	}
	return a.cfg.MaxLineScore
}

func (a *Analyzer) modulesTerm(n int) float64 {
	if n < 1 {
		n = 1
	}
	return math.Min(float64(n)*a.cfg.ModuleScore, a.cfg.ModuleScoreCap)
}

func (a *Analyzer) touchesCritical(modules []string) bool {
	for _, m := range modules {
		m = strings.ToLower(strings.TrimSpace(m))
		for _, c := range a.cfg.CriticalModules {
			if m == strings.ToLower(c) {
				return true
			}
		}
	}
	return false
}

func (a *Analyzer) touchesSchema(files []string) bool {
	for _, f := range files {
		f = strings.ToLower(f)
		for _, marker := range a.cfg.SchemaMarkers {
			if strings.Contains(f, strings.ToLower(marker)) {
				return true
			}
		}
	}
	return false
}

// historicalTerm only ever reduces risk for a trusted, successful history.
// Missing or thin history contributes nothing.
func (a *Analyzer) historicalTerm(h history.Data) float64 {
	if !h.Trusted(a.cfg.MinSampleSize) {
		return 0
	}
	if h.SuccessRate >= a.cfg.TrustedSuccessRate {
		span := 1 - a.cfg.TrustedSuccessRate
		if span <= 0 {
			return -a.cfg.MaxHistoricalReduction
		}
		return -a.cfg.MaxHistoricalReduction * (h.SuccessRate - a.cfg.TrustedSuccessRate) / span
	}
	if h.SuccessRate < a.cfg.PoorSuccessRate {
		return a.cfg.PoorHistoryPenalty
	}
	return 0
}

func (a *Analyzer) level(score float64) models.RiskLevel {
	switch {
	case score < a.cfg.LowThreshold:
		return models.RiskLow
	case score < a.cfg.MediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

func reasoning(level models.RiskLevel, f Factors, h history.Data, cfg Config) string {
	var reasons []string
	lowTrigger, highTrigger := cfg.triggerRange()
	switch {
	case f.Trigger >= highTrigger:
		reasons = append(reasons, "it was self-detected or has an unknown origin")
	case f.Trigger <= lowTrigger:
		reasons = append(reasons, "it comes from routine maintenance")
	}
	smallLines, largeLines := cfg.bracketRange()
	switch {
	case f.LinesTerm >= largeLines:
		reasons = append(reasons, "it involves significant code changes")
	case f.LinesTerm <= smallLines:
		reasons = append(reasons, "it involves minimal code changes")
	}
	if f.CriticalTerm > 0 {
		reasons = append(reasons, "it affects critical modules")
	}
	if f.SchemaTerm > 0 {
		reasons = append(reasons, "it changes a data schema")
	}
	switch {
	case f.Historical < 0:
		reasons = append(reasons, fmt.Sprintf("%d similar improvements succeeded %.0f%% of the time", h.SimilarCount, h.SuccessRate*100))
	case f.Historical > 0:
		reasons = append(reasons, fmt.Sprintf("similar improvements have a low success rate (%.0f%%)", h.SuccessRate*100))
	case !h.Trusted(cfg.MinSampleSize):
		reasons = append(reasons, "there is not enough history to trust")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "standard risk factors apply")
	}
	return fmt.Sprintf("Risk assessed as %s because %s.", level, strings.Join(reasons, ", "))
}
