package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/internal/notify"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/models"
)

// mergedImprovement drives a medium-risk improvement to merged.
func (f *fixture) mergedImprovement(t *testing.T) *models.Improvement {
	t.Helper()
	imp := f.prCreated(t)
	imp, err := f.c.Approve(context.Background(), imp.ID, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusMerged, imp.Status)
	return imp
}

func lastReason(t *testing.T, f *fixture, id string) string {
	t.Helper()
	events, err := f.c.Events(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1].Reason
}

func TestRollback_OpensRevertPR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	imp := f.mergedImprovement(t)

	got, err := f.c.RecordDeployment(ctx, imp.ID, DeploymentSignal{Reason: "health checks failed"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.OutcomeFailure, got.Outcome)
	assert.Equal(t, models.RollbackOpened, got.RollbackStatus)
	assert.NotZero(t, got.RollbackPRNumber)
	assert.NotEqual(t, imp.PRNumber, got.RollbackPRNumber)
	assert.NotEmpty(t, got.RollbackPRURL)
	assert.Contains(t, lastReason(t, f, imp.ID), "opened")
	assert.Contains(t, f.sink.types(), notify.EventRolledBack)

	st, err := f.vcs.GetPullRequestState(ctx, got.RollbackPRNumber)
	require.NoError(t, err)
	assert.Equal(t, vcs.StateOpen, st.State, "the revert waits for review")

	_, err = f.c.RecordDeployment(ctx, imp.ID, DeploymentSignal{Reason: "still failing"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.vcs.Calls(vcs.OpRevertPR))
	assert.Zero(t, f.locks.Held())
}

func TestRollback_AutoMergeRestoresBase(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Rollback.AutoMerge = true })
	ctx := context.Background()
	imp := f.mergedImprovement(t)
	_, ok := f.vcs.File("main", "internal/report/summary.go")
	require.True(t, ok)

	got, err := f.c.RecordDeployment(ctx, imp.ID, DeploymentSignal{})
	require.NoError(t, err)
	assert.Equal(t, models.RollbackMerged, got.RollbackStatus)
	assert.Equal(t, "deployment failed", got.FailureReason)

	_, ok = f.vcs.File("main", "internal/report/summary.go")
	assert.False(t, ok, "the reverted file is gone from main")
}

func TestRollback_FailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	imp := f.mergedImprovement(t)
	f.vcs.FailNext(vcs.OpRevertPR, vcs.Permanent(errors.New("HTTP 422: merge conflict")))

	got, err := f.c.RecordDeployment(ctx, imp.ID, DeploymentSignal{Reason: "boom"})
	require.NoError(t, err, "a failed rollback does not fail the deployment report")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.RollbackFailed, got.RollbackStatus)
	assert.Zero(t, got.RollbackPRNumber)
	assert.Contains(t, lastReason(t, f, imp.ID), "manual intervention")

	got, err = f.c.RecordDeployment(ctx, imp.ID, DeploymentSignal{Reason: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.RollbackOpened, got.RollbackStatus)
	assert.Equal(t, 2, f.vcs.Calls(vcs.OpRevertPR))

	stored, err := f.c.Get(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, got.RollbackPRNumber, stored.RollbackPRNumber)
}

func TestRollback_Disabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Rollback.Enabled = false })
	imp := f.mergedImprovement(t)

	got, err := f.c.RecordDeployment(context.Background(), imp.ID, DeploymentSignal{Reason: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Empty(t, got.RollbackStatus)
	assert.Zero(t, f.vcs.Calls(vcs.OpRevertPR))
}
