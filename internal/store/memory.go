package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jordanhubbard/holly/pkg/models"
)

// Memory is a Repository held in process memory. Records are deep-copied on
// the way in and out so callers never share state.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]*models.Improvement
	events map[string][]models.AuditEvent
}

// NewMemory creates an empty repository.
func NewMemory() *Memory {
	return &Memory{
		items:  make(map[string]*models.Improvement),
		events: make(map[string][]models.AuditEvent),
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, imp *models.Improvement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if imp.ID == "" {
		return fmt.Errorf("improvement id is required")
	}
	if _, ok := m.items[imp.ID]; ok {
		return fmt.Errorf("improvement %s already exists: %w", imp.ID, models.ErrConflict)
	}
	for _, other := range m.items {
		if imp.BranchName != "" && other.BranchName == imp.BranchName {
			return fmt.Errorf("branch %s is owned by improvement %s: %w", imp.BranchName, other.ID, models.ErrConflict)
		}
	}
	imp.Version = 1
	m.items[imp.ID] = imp.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Improvement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	imp, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("improvement %s: %w", id, models.ErrNotFound)
	}
	return imp.Clone(), nil
}

func (m *Memory) GetByBranch(_ context.Context, branch string) (*models.Improvement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, imp := range m.items {
		if imp.BranchName == branch {
			return imp.Clone(), nil
		}
	}
	return nil, fmt.Errorf("improvement on branch %s: %w", branch, models.ErrNotFound)
}

func (m *Memory) Update(_ context.Context, imp *models.Improvement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[imp.ID]
	if !ok {
		return fmt.Errorf("improvement %s: %w", imp.ID, models.ErrNotFound)
	}
	if cur.Version != imp.Version {
		return fmt.Errorf("improvement %s at version %d, have %d: %w", imp.ID, cur.Version, imp.Version, models.ErrConflict)
	}
	imp.Version++
	m.items[imp.ID] = imp.Clone()
	return nil
}

// sorted returns records newest-updated first. Callers hold m.mu.
func (m *Memory) sorted() []*models.Improvement {
	out := make([]*models.Improvement, 0, len(m.items))
	for _, imp := range m.items {
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (m *Memory) List(_ context.Context, f Filter) ([]*models.Improvement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Improvement
	for _, imp := range m.sorted() {
		if !f.Matches(imp) {
			continue
		}
		out = append(out, imp.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SimilarOutcomes(_ context.Context, trigger models.TriggerType, limit int) ([]models.OutcomeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OutcomeRecord
	for _, imp := range m.sorted() {
		if imp.TriggerType != trigger {
			continue
		}
		out = append(out, models.OutcomeRecord{ImprovementID: imp.ID, Status: imp.Status, Outcome: imp.Outcome})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ImprovementID] = append(m.events[ev.ImprovementID], ev)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, improvementID string) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditEvent(nil), m.events[improvementID]...), nil
}
