// Package deploy watches merged improvements for the outcome of their
// deployment workflow and reports it to the lifecycle controller.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/holly/internal/github"
	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/models"
)

// StatusSource reports the latest deployment workflow run for a commit.
type StatusSource interface {
	DeploymentStatus(ctx context.Context, workflow, sha string) (github.WorkflowRun, bool, error)
}

// PRStater resolves the merge commit of a pull request.
type PRStater interface {
	GetPullRequestState(ctx context.Context, number int) (vcs.PRState, error)
}

// Recorder is the part of the lifecycle controller the poller drives.
type Recorder interface {
	List(ctx context.Context, f store.Filter) ([]*models.Improvement, error)
	RecordDeployment(ctx context.Context, id string, sig lifecycle.DeploymentSignal) (*models.Improvement, error)
}

// Poller periodically sweeps merged improvements and concludes the ones
// whose deployment run has finished.
type Poller struct {
	source   StatusSource
	prs      PRStater
	recorder Recorder
	workflow string
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewPoller creates a poller. interval defaults to 5 minutes if <= 0.
func NewPoller(source StatusSource, prs PRStater, recorder Recorder, workflow string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		prs:      prs,
		recorder: recorder,
		workflow: workflow,
		interval: interval,
		logger:   logger.With("component", "deploy-poller"),
		stopCh:   make(chan struct{}),
	}
}

// Start polls at the configured interval until ctx is cancelled or Stop is
// called. The first sweep runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("starting deployment poller", "interval", p.interval, "workflow", p.workflow)
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Stop signals the poller to exit its loop.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) sweep(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		p.logger.Error("deployment sweep failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("deployment sweep concluded improvements", "count", n)
	}
}

// Poll checks every merged improvement once and returns how many were
// concluded. Errors for a single improvement are logged and skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	merged, err := p.recorder.List(ctx, store.Filter{Status: models.StatusMerged})
	if err != nil {
		return 0, fmt.Errorf("list merged improvements: %w", err)
	}
	concluded := 0
	for _, imp := range merged {
		ok, err := p.check(ctx, imp)
		if err != nil {
			p.logger.Warn("deployment check failed", "improvement_id", imp.ID, "error", err)
			continue
		}
		if ok {
			concluded++
		}
	}
	return concluded, nil
}

func (p *Poller) check(ctx context.Context, imp *models.Improvement) (bool, error) {
	if imp.PRNumber == 0 {
		return false, nil
	}
	st, err := p.prs.GetPullRequestState(ctx, imp.PRNumber)
	if err != nil {
		return false, fmt.Errorf("pull request state: %w", err)
	}
	if st.MergeCommitSHA == "" {
		return false, nil
	}
	run, found, err := p.source.DeploymentStatus(ctx, p.workflow, st.MergeCommitSHA)
	if err != nil {
		return false, fmt.Errorf("deployment status: %w", err)
	}
	if !found || !run.Completed() {
		return false, nil
	}

	sig := lifecycle.DeploymentSignal{Success: run.Succeeded(), URL: run.URL}
	if !sig.Success {
		sig.Reason = fmt.Sprintf("workflow %s concluded %s", run.WorkflowName, run.Conclusion)
	}
	if _, err := p.recorder.RecordDeployment(ctx, imp.ID, sig); err != nil {
		return false, err
	}
	return true, nil
}
