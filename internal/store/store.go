// Package store persists improvement records and their audit trail.
package store

import (
	"context"

	"github.com/jordanhubbard/holly/pkg/models"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      models.Status
	UserID      string
	TriggerType models.TriggerType
	Limit       int
}

// Matches reports whether imp satisfies the filter.
func (f Filter) Matches(imp *models.Improvement) bool {
	if f.Status != "" && imp.Status != f.Status {
		return false
	}
	if f.UserID != "" && imp.UserID != f.UserID {
		return false
	}
	if f.TriggerType != "" && imp.TriggerType != f.TriggerType {
		return false
	}
	return true
}

// Repository is the persistence contract of the lifecycle controller.
//
// Update is optimistic: it succeeds only if imp.Version equals the stored
// version, and bumps imp.Version on success. A stale writer gets
// models.ErrConflict.
type Repository interface {
	Create(ctx context.Context, imp *models.Improvement) error
	Get(ctx context.Context, id string) (*models.Improvement, error)
	GetByBranch(ctx context.Context, branch string) (*models.Improvement, error)
	Update(ctx context.Context, imp *models.Improvement) error
	List(ctx context.Context, f Filter) ([]*models.Improvement, error)

	// SimilarOutcomes returns the status/outcome pairs of the most recently
	// updated improvements with the same trigger type.
	SimilarOutcomes(ctx context.Context, trigger models.TriggerType, limit int) ([]models.OutcomeRecord, error)

	AppendEvent(ctx context.Context, ev models.AuditEvent) error
	ListEvents(ctx context.Context, improvementID string) ([]models.AuditEvent, error)
}
