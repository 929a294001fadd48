package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordanhubbard/holly/internal/notify"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/models"
)

// rollback opens, and with AutoMerge merges, a pull request reverting a
// failed deployment. The record stays failed either way; the attempt is
// recorded on it and in the audit trail. Callers hold the lock.
func (c *Controller) rollback(ctx context.Context, imp *models.Improvement) {
	if !c.cfg.Rollback.Enabled || imp.PRNumber == 0 || imp.RollbackStatus != "" {
		return
	}
	reverter, ok := c.vcs.(vcs.Reverter)
	if !ok {
		c.logger.Warn("vcs provider cannot revert; manual rollback required", "improvement_id", imp.ID)
		return
	}

	ctx, end := c.telemetry.StartStage(ctx, "rollback", imp.ID)
	var err error
	defer func() { end(err) }()

	var pr vcs.PullRequest
	err = c.withRetry(ctx, "revert_pr", func(ctx context.Context) error {
		var rerr error
		pr, rerr = reverter.RevertPullRequest(ctx, imp.PRNumber, RevertTitle(imp), RevertBody(imp))
		return rerr
	})
	if err != nil {
		imp.RollbackStatus = models.RollbackFailed
		c.recordRollback(ctx, imp, "rollback failed, manual intervention required: "+err.Error())
		return
	}

	imp.RollbackStatus = models.RollbackOpened
	imp.RollbackPRNumber = pr.Number
	imp.RollbackPRURL = pr.URL
	reason := fmt.Sprintf("revert pull request #%d opened", pr.Number)

	if c.cfg.Rollback.AutoMerge {
		var merged bool
		err = c.withRetry(ctx, "merge_pr", func(ctx context.Context) error {
			var merr error
			merged, merr = c.vcs.MergePullRequest(ctx, pr.Number)
			return merr
		})
		switch {
		case err != nil:
			reason = fmt.Sprintf("revert pull request #%d opened but not merged: %v", pr.Number, err)
		case !merged:
			err = errors.New("revert merge declined")
			reason = fmt.Sprintf("revert pull request #%d opened; merge was declined", pr.Number)
		default:
			imp.RollbackStatus = models.RollbackMerged
			reason = fmt.Sprintf("revert pull request #%d merged", pr.Number)
		}
	}
	c.recordRollback(ctx, imp, reason)
}

func (c *Controller) recordRollback(ctx context.Context, imp *models.Improvement, reason string) {
	imp.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, imp); err != nil {
		c.logger.Error("failed to record rollback", "improvement_id", imp.ID, "error", err)
		return
	}
	c.audit(ctx, imp, imp.Status, imp.Status, SystemActor, reason)
	c.metrics.Rollbacks.WithLabelValues(string(imp.RollbackStatus)).Inc()
	c.logger.Info("rollback recorded", "improvement_id", imp.ID,
		"rollback_status", imp.RollbackStatus, "rollback_pr", imp.RollbackPRNumber)

	ev := notify.Event{
		Type:          notify.EventRolledBack,
		ImprovementID: imp.ID,
		Status:        imp.Status,
		Title:         "Rollback " + string(imp.RollbackStatus),
		Message:       reason,
		PRURL:         imp.RollbackPRURL,
		Fields: map[string]any{
			"reverts_pr": imp.PRNumber,
			"branch":     imp.BranchName,
		},
		OccurredAt: c.now().UTC(),
	}
	c.notifier.Notify(ctx, ev)
}
