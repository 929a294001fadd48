// Package confidence scores how likely a proposed improvement is to succeed.
package confidence

import (
	"fmt"
	"math"
	"strings"

	"github.com/jordanhubbard/holly/internal/history"
)

// Neutral is the sub-score used for any input the trigger could not supply.
const Neutral = 0.5

// Weights of the four sub-scores; they are normalized by their sum.
type Weights struct {
	LLM      float64 `yaml:"llm"`
	Coverage float64 `yaml:"coverage"`
	Quality  float64 `yaml:"quality"`
	History  float64 `yaml:"history"`
}

// Config holds the tunable constants of the scorer.
type Config struct {
	Weights       Weights `yaml:"weights"`
	MinSampleSize int     `yaml:"min_sample_size"`
	// QualityCap bounds the score when any quality check failed. It must sit
	// below the lowest bar that can produce an auto-approval.
	QualityCap float64 `yaml:"quality_cap"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Weights:       Weights{LLM: 0.35, Coverage: 0.25, Quality: 0.20, History: 0.20},
		MinSampleSize: 5,
		QualityCap:    0.65,
	}
}

// QualityMetrics are the static-quality signals of generated code.
type QualityMetrics struct {
	LintingPassed      bool `json:"linting_passed"`
	TypeCheckPassed    bool `json:"type_check_passed"`
	SecurityScanPassed bool `json:"security_scan_passed"`
}

// Passed reports whether every check passed.
func (q QualityMetrics) Passed() bool {
	return q.LintingPassed && q.TypeCheckPassed && q.SecurityScanPassed
}

// Input carries the optional signals; nil pointers mean "not supplied".
type Input struct {
	LLMConfidence         *float64        `json:"llm_confidence,omitempty"`
	PredictedTestCoverage *float64        `json:"predicted_test_coverage,omitempty"`
	History               history.Data    `json:"historical_data"`
	CodeQuality           *QualityMetrics `json:"code_quality_metrics,omitempty"`
}

// Factors is the per-signal breakdown, each normalized to [0,1].
type Factors struct {
	LLM      float64 `json:"llm_confidence"`
	Coverage float64 `json:"test_coverage"`
	Quality  float64 `json:"code_quality"`
	History  float64 `json:"historical_success"`
	Capped   bool    `json:"capped"`
}

// Score is the derived confidence of an improvement.
type Score struct {
	Value     float64 `json:"value"`
	Factors   Factors `json:"factors"`
	Reasoning string  `json:"reasoning"`
}

// Scorer computes confidence scores.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with cfg.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score combines the signals into a scalar in [0,1].
func (s *Scorer) Score(in Input) (Score, error) {
	if in.LLMConfidence != nil && (*in.LLMConfidence < 0 || *in.LLMConfidence > 1) {
		return Score{}, fmt.Errorf("llm confidence must be within [0,1], got %v", *in.LLMConfidence)
	}
	if in.PredictedTestCoverage != nil && (*in.PredictedTestCoverage < 0 || *in.PredictedTestCoverage > 100) {
		return Score{}, fmt.Errorf("predicted test coverage must be within [0,100], got %v", *in.PredictedTestCoverage)
	}
	if err := in.History.Validate(); err != nil {
		return Score{}, fmt.Errorf("invalid historical data: %w", err)
	}

	f := Factors{LLM: Neutral, Coverage: Neutral, Quality: Neutral, History: Neutral}
	if in.LLMConfidence != nil {
		f.LLM = *in.LLMConfidence
	}
	if in.PredictedTestCoverage != nil {
		f.Coverage = *in.PredictedTestCoverage / 100
	}
	if in.CodeQuality != nil {
		if in.CodeQuality.Passed() {
			f.Quality = 1
		} else {
			f.Quality = 0
		}
	}
	if in.History.Trusted(s.cfg.MinSampleSize) {
		f.History = in.History.SuccessRate
	}

	w := s.cfg.Weights
	total := w.LLM + w.Coverage + w.Quality + w.History
	if total <= 0 {
		return Score{}, fmt.Errorf("confidence weights must sum to a positive value")
	}
	value := (f.LLM*w.LLM + f.Coverage*w.Coverage + f.Quality*w.Quality + f.History*w.History) / total

	if in.CodeQuality != nil && !in.CodeQuality.Passed() && value > s.cfg.QualityCap {
		value = s.cfg.QualityCap
		f.Capped = true
	}
	value = math.Min(1, math.Max(0, value))

	return Score{Value: value, Factors: f, Reasoning: reasoning(value, f, in)}, nil
}

func reasoning(value float64, f Factors, in Input) string {
	var strengths, concerns []string
	switch {
	case in.LLMConfidence == nil:
	case f.LLM >= 0.8:
		strengths = append(strengths, "high self-reported confidence")
	case f.LLM < 0.5:
		concerns = append(concerns, "low self-reported confidence")
	}
	switch {
	case in.PredictedTestCoverage == nil:
	case f.Coverage >= 0.8:
		strengths = append(strengths, "strong test coverage")
	case f.Coverage < 0.5:
		concerns = append(concerns, "insufficient test coverage")
	}
	if in.CodeQuality != nil {
		if in.CodeQuality.Passed() {
			strengths = append(strengths, "all quality checks passed")
		} else {
			concerns = append(concerns, "quality checks failed")
		}
	}
	if f.Capped {
		concerns = append(concerns, "score capped by the quality gate")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Confidence %.0f%%.", value*100)
	if len(strengths) > 0 {
		fmt.Fprintf(&b, " Strengths: %s.", strings.Join(strengths, ", "))
	}
	if len(concerns) > 0 {
		fmt.Fprintf(&b, " Concerns: %s.", strings.Join(concerns, ", "))
	}
	return b.String()
}
