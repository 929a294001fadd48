// Package history turns past improvement outcomes into the historical
// context used by risk analysis and confidence scoring.
package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/jordanhubbard/holly/pkg/models"
)

// Data summarizes comparable past improvements.
type Data struct {
	SimilarCount int     `json:"similar_improvements_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// Validate rejects rates outside [0,1] and negative counts.
func (d Data) Validate() error {
	if d.SimilarCount < 0 {
		return fmt.Errorf("similar improvements count must be >= 0, got %d", d.SimilarCount)
	}
	if d.SuccessRate < 0 || d.SuccessRate > 1 {
		return fmt.Errorf("success rate must be within [0,1], got %v", d.SuccessRate)
	}
	return nil
}

// Trusted reports whether the sample is large enough to act on.
// An empty history is never trusted, whatever the success rate says.
func (d Data) Trusted(minSample int) bool {
	return d.SimilarCount > 0 && d.SimilarCount >= minSample
}

// Source returns status/outcome pairs of past improvements with the same trigger.
type Source interface {
	SimilarOutcomes(ctx context.Context, trigger models.TriggerType, limit int) ([]models.OutcomeRecord, error)
}

// Succeeded reports whether a concluded improvement counts as a success.
func Succeeded(r models.OutcomeRecord) bool {
	return r.Status == models.StatusDeployed && r.Outcome != models.OutcomeFailure
}

// Summarize computes Data over concluded records; in-flight and rejected
// improvements carry no outcome and are skipped.
func Summarize(records []models.OutcomeRecord) Data {
	var total, ok int
	for _, r := range records {
		if !r.Status.Concluded() {
			continue
		}
		total++
		if Succeeded(r) {
			ok++
		}
	}
	if total == 0 {
		return Data{}
	}
	return Data{SimilarCount: total, SuccessRate: float64(ok) / float64(total)}
}

// Lookup fetches and summarizes history for a trigger type.
func Lookup(ctx context.Context, src Source, trigger models.TriggerType, limit int) (Data, error) {
	records, err := src.SimilarOutcomes(ctx, trigger, limit)
	if err != nil {
		return Data{}, fmt.Errorf("failed to load similar improvements: %w", err)
	}
	return Summarize(records), nil
}

// Insight is the learning summary for one trigger type.
type Insight struct {
	TriggerType models.TriggerType `json:"trigger_type"`
	Concluded   int                `json:"concluded"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	SuccessRate float64            `json:"success_rate"`
	Pattern     string             `json:"pattern"`
}

// Insights reports per-trigger success patterns, flagging triggers whose
// improvements mostly succeed or mostly fail once minSample outcomes exist.
func Insights(ctx context.Context, src Source, limit, minSample int) ([]Insight, error) {
	out := make([]Insight, 0, len(models.TriggerTypes))
	for _, tt := range models.TriggerTypes {
		records, err := src.SimilarOutcomes(ctx, tt, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load outcomes for %s: %w", tt, err)
		}
		in := Insight{TriggerType: tt}
		for _, r := range records {
			if !r.Status.Concluded() {
				continue
			}
			in.Concluded++
			if Succeeded(r) {
				in.Succeeded++
			} else {
				in.Failed++
			}
		}
		if in.Concluded > 0 {
			in.SuccessRate = float64(in.Succeeded) / float64(in.Concluded)
		}
		switch {
		case in.Concluded < minSample:
			in.Pattern = "insufficient data"
		case in.SuccessRate >= 0.8:
			in.Pattern = "success pattern"
		case in.SuccessRate < 0.5:
			in.Pattern = "failure pattern"
		default:
			in.Pattern = "mixed"
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Concluded > out[j].Concluded })
	return out, nil
}
