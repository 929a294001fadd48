// Package decision turns a risk analysis and a confidence score into a
// disposition. The engine is a pure function: it never persists anything.
package decision

import (
	"fmt"
	"strings"

	"github.com/jordanhubbard/holly/internal/confidence"
	"github.com/jordanhubbard/holly/internal/guardrails"
	"github.com/jordanhubbard/holly/internal/risk"
	"github.com/jordanhubbard/holly/pkg/models"
)

// Config holds the confidence bars of the decision table.
type Config struct {
	HighBar float64 `yaml:"high_bar"`
	MidBar  float64 `yaml:"mid_bar"`
}

// DefaultConfig returns the stock bars.
func DefaultConfig() Config {
	return Config{HighBar: 0.85, MidBar: 0.70}
}

// Validate checks the bars are ordered and within [0,1].
func (c Config) Validate() error {
	if c.MidBar < 0 || c.HighBar > 1 || c.MidBar > c.HighBar {
		return fmt.Errorf("decision bars must satisfy 0 <= mid_bar (%v) <= high_bar (%v) <= 1", c.MidBar, c.HighBar)
	}
	return nil
}

// Rule is a human-authored override. A rule whose criteria are all empty
// matches every improvement. Rules may only tighten a disposition.
type Rule struct {
	Name         string               `yaml:"name" json:"name"`
	Action       models.Action        `yaml:"action" json:"action"`
	PathPatterns []string             `yaml:"path_patterns,omitempty" json:"path_patterns,omitempty"`
	TriggerTypes []models.TriggerType `yaml:"trigger_types,omitempty" json:"trigger_types,omitempty"`
	MinLines     int                  `yaml:"min_lines,omitempty" json:"min_lines,omitempty"`
}

// Validate checks that the rule is well formed.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("override rule requires a name")
	}
	switch r.Action {
	case models.ActionAutoApprove, models.ActionPendingReview, models.ActionReject:
	default:
		return fmt.Errorf("override rule %q: unknown action %q", r.Name, r.Action)
	}
	for _, p := range r.PathPatterns {
		if _, err := guardrails.MatchGlob(p, "x"); err != nil {
			return fmt.Errorf("override rule %q: invalid path pattern %q: %w", r.Name, p, err)
		}
	}
	if r.MinLines < 0 {
		return fmt.Errorf("override rule %q: min_lines must be >= 0", r.Name)
	}
	return nil
}

// Subject is the part of an improvement override rules can match on.
type Subject struct {
	Files        []string
	TriggerType  models.TriggerType
	LinesChanged int
}

// Input is everything the engine needs for one decision.
type Input struct {
	ImprovementID string
	Risk          risk.Analysis
	Confidence    confidence.Score
	Overrides     []Rule
	Subject       *Subject
}

// Decision is the engine's output. Action is final; TableAction is the
// disposition before overrides.
type Decision struct {
	ImprovementID    string           `json:"improvement_id"`
	Action           models.Action    `json:"action"`
	TableAction      models.Action    `json:"table_action"`
	RiskLevel        models.RiskLevel `json:"risk_level"`
	RiskScore        float64          `json:"risk_score"`
	Confidence       float64          `json:"confidence"`
	Cell             string           `json:"cell"`
	AppliedOverrides []string         `json:"applied_overrides,omitempty"`
	IgnoredOverrides []string         `json:"ignored_overrides,omitempty"`
	Rationale        string           `json:"rationale"`
}

// Engine applies the decision table.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

var table = map[models.RiskLevel][3]models.Action{
	models.RiskLow:    {models.ActionAutoApprove, models.ActionAutoApprove, models.ActionPendingReview},
	models.RiskMedium: {models.ActionAutoApprove, models.ActionPendingReview, models.ActionPendingReview},
	models.RiskHigh:   {models.ActionPendingReview, models.ActionPendingReview, models.ActionReject},
}

var bandNames = [3]string{"confidence >= high-bar", "confidence >= mid-bar", "confidence below mid-bar"}

// Decide looks up the table cell and applies the tightening overrides.
func (e *Engine) Decide(in Input) Decision {
	level := in.Risk.Level
	row, ok := table[level]
	if !ok {
		// Unrecognized levels are treated as high.
		level = models.RiskHigh
		row = table[models.RiskHigh]
	}

	c := in.Confidence.Value
	band := 2
	switch {
	case c >= e.cfg.HighBar:
		band = 0
	case c >= e.cfg.MidBar:
		band = 1
	}

	d := Decision{
		ImprovementID: in.ImprovementID,
		TableAction:   row[band],
		Action:        row[band],
		RiskLevel:     level,
		RiskScore:     in.Risk.Score,
		Confidence:    c,
		Cell:          fmt.Sprintf("risk=%s, %s", level, bandNames[band]),
	}

	for _, rule := range in.Overrides {
		if !rule.matches(in.Subject) {
			continue
		}
		if rule.Action.Strictness() < d.Action.Strictness() {
			d.IgnoredOverrides = append(d.IgnoredOverrides, rule.Name)
			continue
		}
		if rule.Action.Strictness() > d.Action.Strictness() {
			d.Action = rule.Action
		}
		d.AppliedOverrides = append(d.AppliedOverrides, rule.Name)
	}

	d.Rationale = rationale(d, e.cfg)
	return d
}

func (r Rule) matches(s *Subject) bool {
	if len(r.PathPatterns) == 0 && len(r.TriggerTypes) == 0 && r.MinLines == 0 {
		return true
	}
	if s == nil {
		return false
	}
	if len(r.TriggerTypes) > 0 {
		found := false
		for _, t := range r.TriggerTypes {
			if t == s.TriggerType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinLines > 0 && s.LinesChanged < r.MinLines {
		return false
	}
	if len(r.PathPatterns) > 0 {
		for _, f := range s.Files {
			for _, p := range r.PathPatterns {
				ok, err := guardrails.MatchGlob(p, f)
				// A broken pattern can only tighten, so it counts as a match.
				if err != nil || ok {
					return true
				}
			}
		}
		return false
	}
	return true
}

func rationale(d Decision, cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: table cell [%s] (risk score %.1f, confidence %.2f, bars %.2f/%.2f) gives %s.",
		d.Action, d.Cell, d.RiskScore, d.Confidence, cfg.HighBar, cfg.MidBar, d.TableAction)
	if len(d.AppliedOverrides) > 0 {
		fmt.Fprintf(&b, " Overrides applied: %s.", strings.Join(d.AppliedOverrides, ", "))
	}
	if len(d.IgnoredOverrides) > 0 {
		fmt.Fprintf(&b, " Overrides ignored because they would loosen the outcome: %s.", strings.Join(d.IgnoredOverrides, ", "))
	}
	return b.String()
}
