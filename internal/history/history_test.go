package history

import (
	"context"
	"errors"
	"testing"

	"github.com/jordanhubbard/holly/pkg/models"
)

type fakeSource map[models.TriggerType][]models.OutcomeRecord

func (f fakeSource) SimilarOutcomes(_ context.Context, trigger models.TriggerType, _ int) ([]models.OutcomeRecord, error) {
	if trigger == "boom" {
		return nil, errors.New("db down")
	}
	return f[trigger], nil
}

func rec(s models.Status, o models.Outcome) models.OutcomeRecord {
	return models.OutcomeRecord{Status: s, Outcome: o}
}

func TestSummarize(t *testing.T) {
	records := []models.OutcomeRecord{
		rec(models.StatusDeployed, models.OutcomeSuccess),
		rec(models.StatusDeployed, models.OutcomeUnknown),
		rec(models.StatusFailed, models.OutcomeFailure),
		rec(models.StatusClosed, models.OutcomeUnknown),
		rec(models.StatusRejected, models.OutcomeUnknown),
		rec(models.StatusPRCreated, models.OutcomeUnknown),
	}

	got := Summarize(records)
	if got.SimilarCount != 4 {
		t.Errorf("SimilarCount = %d, want 4", got.SimilarCount)
	}
	if got.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", got.SuccessRate)
	}
}

func TestSummarize_Empty(t *testing.T) {
	got := Summarize(nil)
	if got.SimilarCount != 0 || got.SuccessRate != 0 {
		t.Errorf("Summarize(nil) = %+v", got)
	}
	if got.Trusted(0) {
		t.Error("empty history must never be trusted")
	}
}

func TestDataValidate(t *testing.T) {
	if err := (Data{SimilarCount: 3, SuccessRate: 1.2}).Validate(); err == nil {
		t.Error("rate above 1 should fail")
	}
	if err := (Data{SimilarCount: -1}).Validate(); err == nil {
		t.Error("negative count should fail")
	}
	if err := (Data{SimilarCount: 20, SuccessRate: 0.95}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLookup(t *testing.T) {
	src := fakeSource{
		models.TriggerUserRequest: {
			rec(models.StatusDeployed, models.OutcomeSuccess),
			rec(models.StatusDeployed, models.OutcomeSuccess),
		},
	}
	got, err := Lookup(context.Background(), src, models.TriggerUserRequest, 50)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.SimilarCount != 2 || got.SuccessRate != 1 {
		t.Errorf("Lookup() = %+v", got)
	}

	if _, err := Lookup(context.Background(), src, "boom", 50); err == nil {
		t.Error("expected error from failing source")
	}
}

func TestInsights(t *testing.T) {
	var many []models.OutcomeRecord
	for i := 0; i < 9; i++ {
		many = append(many, rec(models.StatusDeployed, models.OutcomeSuccess))
	}
	many = append(many, rec(models.StatusFailed, models.OutcomeFailure))

	src := fakeSource{
		models.TriggerScheduledAudit: many,
		models.TriggerSelfDetected:   {rec(models.StatusFailed, models.OutcomeFailure)},
	}

	got, err := Insights(context.Background(), src, 100, 5)
	if err != nil {
		t.Fatalf("Insights() error = %v", err)
	}
	if len(got) != len(models.TriggerTypes) {
		t.Fatalf("got %d insights", len(got))
	}
	if got[0].TriggerType != models.TriggerScheduledAudit || got[0].Pattern != "success pattern" {
		t.Errorf("first insight = %+v", got[0])
	}
	for _, in := range got {
		if in.TriggerType == models.TriggerSelfDetected && in.Pattern != "insufficient data" {
			t.Errorf("self_detected pattern = %q", in.Pattern)
		}
	}
}
