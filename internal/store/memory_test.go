package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/pkg/models"
)

func newImp(id string, trigger models.TriggerType, status models.Status, updated time.Time) *models.Improvement {
	return &models.Improvement{
		ID:           id,
		UserID:       "u1",
		TriggerType:  trigger,
		Status:       status,
		Outcome:      models.OutcomeUnknown,
		FilesChanged: []string{"src/a.ts"},
		BranchName:   "holly/improvement-" + id,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
}

func TestMemory_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	imp := newImp("a", models.TriggerBugReport, models.StatusPlanned, time.Now())

	require.NoError(t, m.Create(ctx, imp))
	assert.Equal(t, int64(1), imp.Version)
	assert.ErrorIs(t, m.Create(ctx, imp), models.ErrConflict)

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	got.FilesChanged[0] = "mutated"
	again, _ := m.Get(ctx, "a")
	assert.Equal(t, "src/a.ts", again.FilesChanged[0], "stored record must not alias callers")

	got.Status = models.StatusAnalyzing
	require.NoError(t, m.Update(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	// again still holds version 1: a stale writer.
	again.Status = models.StatusRejected
	assert.ErrorIs(t, m.Update(ctx, again), models.ErrConflict)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, m.Update(ctx, &models.Improvement{ID: "missing"}), models.ErrNotFound)

	byBranch, err := m.GetByBranch(ctx, "holly/improvement-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, byBranch.Status)
}

func TestMemory_CreateRejectsDuplicateBranch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, newImp("a", models.TriggerBugReport, models.StatusPlanned, time.Now())))

	dup := newImp("b", models.TriggerBugReport, models.StatusPlanned, time.Now())
	dup.BranchName = "holly/improvement-a"
	assert.ErrorIs(t, m.Create(ctx, dup), models.ErrConflict)

	_, err := m.Get(ctx, "b")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemory_ListAndSimilar(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	require.NoError(t, m.Create(ctx, newImp("old", models.TriggerUserRequest, models.StatusDeployed, now.Add(-2*time.Hour))))
	require.NoError(t, m.Create(ctx, newImp("new", models.TriggerUserRequest, models.StatusFailed, now)))
	require.NoError(t, m.Create(ctx, newImp("other", models.TriggerBugReport, models.StatusDeployed, now.Add(-time.Hour))))

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)

	deployed, err := m.List(ctx, Filter{Status: models.StatusDeployed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, deployed, 1)
	assert.Equal(t, "other", deployed[0].ID)

	similar, err := m.SimilarOutcomes(ctx, models.TriggerUserRequest, 10)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, models.StatusFailed, similar[0].Status)

	limited, err := m.SimilarOutcomes(ctx, models.TriggerUserRequest, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemory_Events(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEvent(ctx, models.AuditEvent{ID: "1", ImprovementID: "a", ToStatus: models.StatusPlanned}))
	require.NoError(t, m.AppendEvent(ctx, models.AuditEvent{ID: "2", ImprovementID: "a", FromStatus: models.StatusPlanned, ToStatus: models.StatusAnalyzing}))

	evs, err := m.ListEvents(ctx, "a")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, models.StatusAnalyzing, evs[1].ToStatus)

	none, err := m.ListEvents(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, none)
}
