// Package lifecycle drives an improvement from plan to deployment. It owns
// the state machine and is the only writer of improvement records.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/holly/internal/confidence"
	"github.com/jordanhubbard/holly/internal/decision"
	"github.com/jordanhubbard/holly/internal/guardrails"
	"github.com/jordanhubbard/holly/internal/history"
	"github.com/jordanhubbard/holly/internal/locks"
	"github.com/jordanhubbard/holly/internal/metrics"
	"github.com/jordanhubbard/holly/internal/notify"
	"github.com/jordanhubbard/holly/internal/risk"
	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/internal/telemetry"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/models"
)

// SystemActor is recorded for transitions nobody asked for explicitly.
const SystemActor = "holly"

// Config tunes the controller.
type Config struct {
	BaseBranch    string
	AutoMerge     bool
	HistoryLimit  int
	MinSampleSize int
	Labels        []string
	Overrides     []decision.Rule
	Retry         RetryConfig
	VCSTimeout    time.Duration
	Rollback      RollbackConfig
}

// RollbackConfig controls reverting merged changes whose deployment failed.
type RollbackConfig struct {
	Enabled bool `yaml:"enabled"`
	// AutoMerge merges the revert pull request instead of leaving it for review.
	AutoMerge bool `yaml:"auto_merge"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseBranch:    "main",
		AutoMerge:     true,
		HistoryLimit:  50,
		MinSampleSize: 5,
		Labels:        []string{"holly", "automated"},
		Retry:         DefaultRetry(),
		VCSTimeout:    30 * time.Second,
		Rollback:      RollbackConfig{Enabled: true},
	}
}

// Deps are the collaborators of a Controller. Store, VCS, Locks and
// Guardrails are required; the rest default to production settings or
// no-ops.
type Deps struct {
	Store      store.Repository
	VCS        vcs.Provider
	Locks      locks.Locker
	Guardrails *guardrails.Validator
	Risk       *risk.Analyzer
	Confidence *confidence.Scorer
	Decision   *decision.Engine
	Notifier   notify.Sink
	Metrics    *metrics.Metrics
	Telemetry  *telemetry.Telemetry
	Logger     *slog.Logger
	Now        func() time.Time
}

// Controller implements the improvement lifecycle.
type Controller struct {
	cfg Config

	store      store.Repository
	vcs        vcs.Provider
	locks      locks.Locker
	guardrails *guardrails.Validator
	risk       *risk.Analyzer
	confidence *confidence.Scorer
	decision   *decision.Engine
	notifier   notify.Sink
	metrics    *metrics.Metrics
	telemetry  *telemetry.Telemetry
	logger     *slog.Logger
	now        func() time.Time
	validate   *validator.Validate
}

// New creates a controller.
func New(d Deps, cfg Config) (*Controller, error) {
	if d.Store == nil || d.VCS == nil || d.Locks == nil || d.Guardrails == nil {
		return nil, errors.New("lifecycle: store, vcs, locks and guardrails are required")
	}
	for _, r := range cfg.Overrides {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid override rule: %w", err)
		}
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetry()
	}
	if cfg.VCSTimeout <= 0 {
		cfg.VCSTimeout = 30 * time.Second
	}

	c := &Controller{
		cfg:        cfg,
		store:      d.Store,
		vcs:        d.VCS,
		locks:      d.Locks,
		guardrails: d.Guardrails,
		risk:       d.Risk,
		confidence: d.Confidence,
		decision:   d.Decision,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		telemetry:  d.Telemetry,
		logger:     d.Logger,
		now:        d.Now,
		validate:   validator.New(),
	}
	if c.risk == nil {
		c.risk = risk.NewAnalyzer(risk.DefaultConfig())
	}
	if c.confidence == nil {
		c.confidence = confidence.NewScorer(confidence.DefaultConfig())
	}
	if c.decision == nil {
		c.decision = decision.NewEngine(decision.DefaultConfig())
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.metrics == nil {
		c.metrics = metrics.New(prometheus.NewRegistry())
	}
	if c.telemetry == nil {
		c.telemetry = telemetry.Noop()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// PlanRequest proposes a new improvement.
type PlanRequest struct {
	UserID           string         `json:"user_id" validate:"required"`
	TriggerType      string         `json:"trigger_type" validate:"required"`
	TriggerData      map[string]any `json:"trigger_data,omitempty"`
	ProblemStatement string         `json:"problem_statement" validate:"required"`
	SolutionApproach string         `json:"solution_approach" validate:"required"`
	RiskLevel        string         `json:"risk_level" validate:"required"`
	FilesChanged     []string       `json:"files_changed" validate:"required,min=1,dive,required"`
	LinesChanged     int            `json:"lines_changed" validate:"gte=0"`
	AffectedModules  []string       `json:"affected_modules"`
}

// AnalysisRequest carries the optional signals the confidence scorer uses
// and per-request decision overrides.
type AnalysisRequest struct {
	LLMConfidence         *float64                   `json:"llm_confidence,omitempty"`
	PredictedTestCoverage *float64                   `json:"predicted_test_coverage,omitempty"`
	CodeQuality           *confidence.QualityMetrics `json:"code_quality_metrics,omitempty"`
	Overrides             []decision.Rule            `json:"overrides,omitempty"`
}

// CodeSubmission is the generated change for an approved improvement.
type CodeSubmission struct {
	CodeChanges  map[string]string `json:"code_changes"`
	UnifiedDiff  string            `json:"unified_diff,omitempty"`
	TestCoverage *float64          `json:"test_coverage,omitempty"`
}

// DeploymentSignal reports the result of deploying a merged improvement.
type DeploymentSignal struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Get returns one improvement.
func (c *Controller) Get(ctx context.Context, id string) (*models.Improvement, error) {
	return c.store.Get(ctx, id)
}

// List returns improvements matching f.
func (c *Controller) List(ctx context.Context, f store.Filter) ([]*models.Improvement, error) {
	return c.store.List(ctx, f)
}

// Events returns the audit trail of an improvement.
func (c *Controller) Events(ctx context.Context, id string) ([]models.AuditEvent, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListEvents(ctx, id)
}

// Insights reports per-trigger success patterns over concluded improvements.
func (c *Controller) Insights(ctx context.Context) ([]history.Insight, error) {
	return history.Insights(ctx, c.store, c.cfg.HistoryLimit, c.cfg.MinSampleSize)
}

// Plan validates a proposal and records it as planned. Nothing is persisted
// when validation or a guardrail fails.
func (c *Controller) Plan(ctx context.Context, req PlanRequest) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "plan", "")
	start := time.Now()
	defer func() {
		end(err)
		c.metrics.ObserveStage("plan", start, err)
	}()

	if err := c.validate.Struct(req); err != nil {
		return nil, fromValidator(err)
	}
	trigger, err := models.ParseTriggerType(req.TriggerType)
	if err != nil {
		return nil, fieldError("TriggerType", err.Error())
	}
	level, err := models.ParseRiskLevel(req.RiskLevel)
	if err != nil {
		return nil, fieldError("RiskLevel", err.Error())
	}
	if strings.TrimSpace(req.ProblemStatement) == "" || strings.TrimSpace(req.SolutionApproach) == "" {
		return nil, fieldError("ProblemStatement", "problem statement and solution approach must not be blank")
	}
	files := models.NormalizeSet(req.FilesChanged)
	if len(files) == 0 {
		return nil, fieldError("FilesChanged", "at least one file is required")
	}

	res := c.guardrails.ValidatePlan(files, level)
	if !res.Allowed {
		c.countViolations("plan", res)
		c.logger.Warn("plan blocked by guardrails", "reason", res.Reason, "user_id", req.UserID)
		return nil, &GuardrailError{Stage: "plan", Result: res}
	}

	now := c.now().UTC()
	imp := &models.Improvement{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		TriggerType:      trigger,
		TriggerData:      req.TriggerData,
		ProblemStatement: strings.TrimSpace(req.ProblemStatement),
		SolutionApproach: strings.TrimSpace(req.SolutionApproach),
		RiskLevel:        level,
		FilesChanged:     files,
		LinesChanged:     req.LinesChanged,
		AffectedModules:  models.NormalizeSet(req.AffectedModules),
		Status:           models.StatusPlanned,
		Outcome:          models.OutcomeUnknown,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Branch names carry millisecond timestamps; step forward on a collision.
	for attempt := 0; ; attempt++ {
		imp.BranchName = models.BranchNameFor(now.Add(time.Duration(attempt) * time.Millisecond))
		err = c.store.Create(ctx, imp)
		if err == nil || !errors.Is(err, models.ErrConflict) || attempt == 2 {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create improvement: %w", err)
	}

	reason := ""
	if len(res.Warnings) > 0 {
		reason = "warnings: " + strings.Join(res.Warnings, "; ")
	}
	c.audit(ctx, imp, "", models.StatusPlanned, req.UserID, reason)
	c.metrics.ImprovementsPlanned.WithLabelValues(string(trigger)).Inc()
	c.logger.Info("improvement planned", "improvement_id", imp.ID, "branch", imp.BranchName, "risk_level", level)
	c.emit(ctx, notify.EventPlanned, imp, "Improvement planned", imp.ProblemStatement)
	return imp, nil
}

// Analyze runs risk analysis and confidence scoring concurrently, then the
// decision engine. If analysis fails the record stays in analyzing with the
// failure recorded so the call can be retried.
func (c *Controller) Analyze(ctx context.Context, id string, req AnalysisRequest) (_ *models.Improvement, _ decision.Decision, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "analyze", id)
	start := time.Now()
	defer func() {
		end(err)
		c.metrics.ObserveStage("analyze", start, err)
	}()

	for _, r := range req.Overrides {
		if verr := r.Validate(); verr != nil {
			return nil, decision.Decision{}, &ValidationError{Fields: map[string]string{"Overrides": verr.Error()}, Err: verr}
		}
	}

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, decision.Decision{}, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, decision.Decision{}, err
	}
	switch imp.Status {
	case models.StatusPlanned:
		if err := c.transition(ctx, imp, models.StatusAnalyzing, SystemActor, ""); err != nil {
			return nil, decision.Decision{}, err
		}
	case models.StatusAnalyzing:
	default:
		return nil, decision.Decision{}, &models.TransitionError{From: imp.Status, To: models.StatusAnalyzing}
	}

	hist, err := history.Lookup(ctx, c.store, imp.TriggerType, c.cfg.HistoryLimit)
	if err != nil {
		return imp, decision.Decision{}, c.analysisFailed(ctx, imp, err)
	}

	var (
		ra risk.Analysis
		cs confidence.Score
		g  errgroup.Group
	)
	g.Go(func() error {
		var rerr error
		ra, rerr = c.risk.Analyze(risk.Input{
			TriggerType:     imp.TriggerType,
			FilesChanged:    imp.FilesChanged,
			LinesChanged:    imp.LinesChanged,
			AffectedModules: imp.AffectedModules,
			History:         hist,
		})
		if rerr != nil {
			return fmt.Errorf("risk analysis: %w", rerr)
		}
		return nil
	})
	g.Go(func() error {
		var serr error
		cs, serr = c.confidence.Score(confidence.Input{
			LLMConfidence:         req.LLMConfidence,
			PredictedTestCoverage: req.PredictedTestCoverage,
			History:               hist,
			CodeQuality:           req.CodeQuality,
		})
		if serr != nil {
			return fmt.Errorf("confidence scoring: %w", serr)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return imp, decision.Decision{}, c.analysisFailed(ctx, imp, &ValidationError{Err: err})
	}

	computed := ra.Level
	ra.Level = models.MaxRisk(imp.RiskLevel, computed)
	overrides := append(append([]decision.Rule(nil), c.cfg.Overrides...), req.Overrides...)
	d := c.decision.Decide(decision.Input{
		ImprovementID: imp.ID,
		Risk:          ra,
		Confidence:    cs,
		Overrides:     overrides,
		Subject: &decision.Subject{
			Files:        imp.FilesChanged,
			TriggerType:  imp.TriggerType,
			LinesChanged: imp.LinesChanged,
		},
	})

	imp.RiskLevel = ra.Level
	imp.Disposition = d.Action
	imp.DecisionRationale = d.Rationale
	imp.FailureReason = ""
	if req.PredictedTestCoverage != nil {
		imp.TestCoverage = *req.PredictedTestCoverage
	}

	next := models.StatusPendingReview
	switch d.Action {
	case models.ActionAutoApprove:
		next = models.StatusAutoApproved
	case models.ActionReject:
		next = models.StatusRejected
	}
	if err := c.transition(ctx, imp, next, SystemActor, d.Rationale); err != nil {
		return nil, decision.Decision{}, err
	}

	c.metrics.RiskScore.Observe(ra.Score)
	c.metrics.ConfidenceScore.Observe(cs.Value)
	c.metrics.Decisions.WithLabelValues(string(d.Action), string(ra.Level), fmt.Sprint(len(d.AppliedOverrides) > 0)).Inc()
	c.logger.Info("improvement decided",
		"improvement_id", imp.ID,
		"action", d.Action,
		"risk_level", ra.Level,
		"computed_risk", computed,
		"risk_score", ra.Score,
		"confidence", cs.Value)

	c.emit(ctx, notify.EventDecided, imp, "Improvement "+strings.ToLower(string(d.Action)), d.Rationale)
	switch next {
	case models.StatusPendingReview:
		c.emit(ctx, notify.EventReviewRequested, imp, "Review requested", d.Rationale)
	case models.StatusRejected:
		c.emit(ctx, notify.EventRejected, imp, "Improvement rejected", d.Rationale)
	}
	return imp, d, nil
}

func (c *Controller) analysisFailed(ctx context.Context, imp *models.Improvement, cause error) error {
	imp.FailureReason = "analysis failed: " + cause.Error()
	imp.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, imp); err != nil {
		c.logger.Error("failed to record analysis failure", "improvement_id", imp.ID, "error", err)
	}
	c.logger.Warn("analysis failed", "improvement_id", imp.ID, "error", cause)
	return cause
}

// SubmitCode runs the full safety check against the generated changes and,
// if it passes, pushes them and opens a pull request. Auto-approved records
// are merged straight away when auto-merge is on.
func (c *Controller) SubmitCode(ctx context.Context, id string, sub CodeSubmission) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "code", id)
	start := time.Now()
	defer func() {
		end(err)
		c.metrics.ObserveStage("code", start, err)
	}()

	if len(sub.CodeChanges) == 0 {
		return nil, fieldError("CodeChanges", "at least one changed file is required")
	}
	if sub.TestCoverage != nil && (*sub.TestCoverage < 0 || *sub.TestCoverage > 100) {
		return nil, fieldError("TestCoverage", "must be within [0,100]")
	}
	var fp *Footprint
	if strings.TrimSpace(sub.UnifiedDiff) != "" {
		parsed, perr := ParseFootprint(sub.UnifiedDiff)
		if perr != nil {
			return nil, &ValidationError{Fields: map[string]string{"UnifiedDiff": perr.Error()}, Err: perr}
		}
		fp = &parsed
	}

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch imp.Status {
	case models.StatusAutoApproved, models.StatusPendingReview:
		if err := c.transition(ctx, imp, models.StatusCoding, SystemActor, ""); err != nil {
			return nil, err
		}
	case models.StatusCoding:
	default:
		return nil, &models.TransitionError{From: imp.Status, To: models.StatusCoding}
	}

	files := make([]string, 0, len(sub.CodeChanges))
	scan := make(map[string]string, len(sub.CodeChanges))
	for p, content := range sub.CodeChanges {
		files = append(files, p)
		scan[p] = content
	}
	lines := imp.LinesChanged
	if fp != nil {
		files = append(files, fp.Files...)
		for p, added := range fp.Added {
			if _, ok := scan[p]; !ok {
				scan[p] = added
			}
		}
		lines = fp.LinesChanged
	}
	files = models.NormalizeSet(files)

	res := c.guardrails.PerformSafetyCheck(files, scan, imp.RiskLevel)
	if !res.Allowed {
		c.countViolations("code", res)
		imp.FailureReason = "guardrail violation: " + res.Reason
		imp.UpdatedAt = c.now().UTC()
		if uerr := c.store.Update(ctx, imp); uerr != nil {
			return nil, fmt.Errorf("failed to record guardrail violation: %w", uerr)
		}
		c.audit(ctx, imp, models.StatusCoding, models.StatusCoding, SystemActor, imp.FailureReason)
		c.logger.Warn("code halted by guardrails", "improvement_id", imp.ID, "reason", res.Reason, "violations", len(res.Violations))
		c.emit(ctx, notify.EventGuardrailViolation, imp, "Guardrail violation", res.Reason)
		return imp, &GuardrailError{Stage: "code", Result: res}
	}

	imp.FilesChanged = files
	imp.LinesChanged = lines
	imp.CodeChanges = sub.CodeChanges
	imp.FailureReason = ""
	if sub.TestCoverage != nil {
		imp.TestCoverage = *sub.TestCoverage
	}
	if imp.Disposition == models.ActionAutoApprove {
		c.reassess(ctx, imp)
	}

	if err := c.push(ctx, imp); err != nil {
		return imp, c.fail(ctx, imp, err)
	}

	c.emit(ctx, notify.EventPRCreated, imp, "Pull request opened", PRTitle(imp))
	if imp.Disposition == models.ActionAutoApprove && c.cfg.AutoMerge {
		if err := c.merge(ctx, imp, SystemActor); err != nil {
			return imp, err
		}
	} else if imp.Disposition != models.ActionAutoApprove {
		c.emit(ctx, notify.EventReviewRequested, imp, "Review requested", "Pull request awaiting human review")
	}
	return imp, nil
}

// reassess scores the submitted footprint of an auto-approved record. When
// it lands above the level the record was approved at, auto-approval is
// withdrawn and the pull request waits for a reviewer.
func (c *Controller) reassess(ctx context.Context, imp *models.Improvement) {
	var reason string
	hist, err := history.Lookup(ctx, c.store, imp.TriggerType, c.cfg.HistoryLimit)
	if err == nil {
		var ra risk.Analysis
		ra, err = c.risk.Analyze(risk.Input{
			TriggerType:     imp.TriggerType,
			FilesChanged:    imp.FilesChanged,
			LinesChanged:    imp.LinesChanged,
			AffectedModules: imp.AffectedModules,
			History:         hist,
		})
		if err == nil {
			if ra.Level.Rank() <= imp.RiskLevel.Rank() {
				return
			}
			reason = fmt.Sprintf("submitted change scored risk=%s (%.1f), above approved risk=%s; review required",
				ra.Level, ra.Score, imp.RiskLevel)
			imp.RiskLevel = ra.Level
		}
	}
	if err != nil {
		reason = "submitted change could not be re-scored: " + err.Error() + "; review required"
	}

	imp.Disposition = models.ActionPendingReview
	imp.DecisionRationale = strings.TrimPrefix(imp.DecisionRationale+"; "+reason, "; ")
	c.audit(ctx, imp, models.StatusCoding, models.StatusCoding, SystemActor, reason)
	c.logger.Warn("auto-approval withdrawn", "improvement_id", imp.ID, "reason", reason)
}

// push creates the branch, commits every file and opens the pull request,
// leaving the record in pr_created.
func (c *Controller) push(ctx context.Context, imp *models.Improvement) error {
	err := c.withRetry(ctx, "create_branch", func(ctx context.Context) error {
		_, err := c.vcs.CreateBranch(ctx, imp.BranchName, c.cfg.BaseBranch)
		return err
	})
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(imp.CodeChanges))
	for p := range imp.CodeChanges {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		content, msg := imp.CodeChanges[p], CommitMessage(imp, p)
		err := c.withRetry(ctx, "commit_file", func(ctx context.Context) error {
			_, err := c.vcs.CommitFile(ctx, imp.BranchName, p, content, msg)
			return err
		})
		if err != nil {
			return err
		}
	}

	body, err := PRBody(imp)
	if err != nil {
		return err
	}
	var pr vcs.PullRequest
	err = c.withRetry(ctx, "open_pr", func(ctx context.Context) error {
		var oerr error
		pr, oerr = c.vcs.OpenPullRequest(ctx, vcs.PullRequestSpec{
			Title:  PRTitle(imp),
			Body:   body,
			Head:   imp.BranchName,
			Base:   c.cfg.BaseBranch,
			Labels: c.cfg.Labels,
		})
		return oerr
	})
	if err != nil {
		return err
	}

	imp.PRNumber = pr.Number
	imp.PRURL = pr.URL
	return c.transition(ctx, imp, models.StatusPRCreated, SystemActor, pr.URL)
}

// Approve merges the pull request of a record awaiting review. It is a
// no-op on records that are already merged or terminal.
func (c *Controller) Approve(ctx context.Context, id, actor string) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "approve", id)
	defer func() { end(err) }()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.Status.IsTerminal() || imp.Status == models.StatusMerged {
		return imp, nil
	}
	if imp.Status != models.StatusPRCreated {
		return nil, &models.TransitionError{From: imp.Status, To: models.StatusMerged}
	}
	if err := c.merge(ctx, imp, actor); err != nil {
		return imp, err
	}
	return imp, nil
}

// merge expects the record in pr_created with the lock held.
func (c *Controller) merge(ctx context.Context, imp *models.Improvement, actor string) error {
	var merged bool
	err := c.withRetry(ctx, "merge_pr", func(ctx context.Context) error {
		var merr error
		merged, merr = c.vcs.MergePullRequest(ctx, imp.PRNumber)
		return merr
	})
	if err != nil {
		return c.fail(ctx, imp, err)
	}

	if !merged {
		// The provider declined; its view of the PR decides what happened.
		st, serr := c.prState(ctx, imp.PRNumber)
		if serr != nil {
			return c.fail(ctx, imp, serr)
		}
		switch {
		case st.Merged:
			merged = true
		case st.State == vcs.StateClosed:
			imp.FailureReason = "pull request was closed without merging"
			if err := c.transition(ctx, imp, models.StatusClosed, actor, imp.FailureReason); err != nil {
				return err
			}
			c.emit(ctx, notify.EventClosed, imp, "Pull request closed", imp.FailureReason)
			return nil
		default:
			return c.fail(ctx, imp, errors.New("merge declined: pull request is not mergeable"))
		}
	}

	imp.ReviewedBy = actor
	if err := c.transition(ctx, imp, models.StatusMerged, actor, "pull request merged"); err != nil {
		return err
	}
	c.emit(ctx, notify.EventMerged, imp, "Improvement merged", PRTitle(imp))
	return nil
}

// Reject closes the pull request if there is one and marks the record
// rejected. A failure to close leaves the record unchanged.
func (c *Controller) Reject(ctx context.Context, id, actor, reason string) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "reject", id)
	defer func() { end(err) }()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.Status.IsTerminal() || imp.Status == models.StatusMerged {
		return imp, nil
	}

	if reason == "" {
		reason = "rejected by reviewer"
	}
	if imp.PRNumber != 0 && imp.Status == models.StatusPRCreated {
		comment := fmt.Sprintf("Closed by %s: %s", actor, reason)
		err := c.withRetry(ctx, "close_pr", func(ctx context.Context) error {
			return c.vcs.ClosePullRequest(ctx, imp.PRNumber, comment)
		})
		if err != nil {
			c.logger.Error("failed to close pull request", "improvement_id", imp.ID, "pr", imp.PRNumber, "error", err)
			return imp, err
		}
	}

	imp.ReviewedBy = actor
	imp.FailureReason = reason
	if err := c.transition(ctx, imp, models.StatusRejected, actor, reason); err != nil {
		return nil, err
	}
	c.emit(ctx, notify.EventRejected, imp, "Improvement rejected", reason)
	return imp, nil
}

// Reconcile aligns the record with the provider's view of its pull
// request. The provider wins.
func (c *Controller) Reconcile(ctx context.Context, id string) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "reconcile", id)
	defer func() { end(err) }()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.PRNumber == 0 || imp.Status == models.StatusDeployed {
		return imp, nil
	}

	st, err := c.prState(ctx, imp.PRNumber)
	if err != nil {
		return imp, err
	}

	switch {
	case st.Merged && imp.Status != models.StatusMerged:
		imp.FailureReason = ""
		if err := c.force(ctx, imp, models.StatusMerged, SystemActor, "reconciled: pull request merged"); err != nil {
			return nil, err
		}
		c.emit(ctx, notify.EventMerged, imp, "Improvement merged", PRTitle(imp))
	case st.State == vcs.StateClosed && !st.Merged && imp.Status != models.StatusClosed && imp.Status != models.StatusRejected:
		imp.FailureReason = "pull request closed outside holly"
		if err := c.force(ctx, imp, models.StatusClosed, SystemActor, "reconciled: "+imp.FailureReason); err != nil {
			return nil, err
		}
		c.emit(ctx, notify.EventClosed, imp, "Pull request closed", imp.FailureReason)
	}
	return imp, nil
}

// ReconcileBranch reconciles the improvement that owns branch.
func (c *Controller) ReconcileBranch(ctx context.Context, branch string) (*models.Improvement, error) {
	imp, err := c.store.GetByBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return c.Reconcile(ctx, imp.ID)
}

func (c *Controller) prState(ctx context.Context, number int) (vcs.PRState, error) {
	var st vcs.PRState
	err := c.withRetry(ctx, "pr_state", func(ctx context.Context) error {
		var serr error
		st, serr = c.vcs.GetPullRequestState(ctx, number)
		return serr
	})
	return st, err
}

// RecordDeployment concludes a merged improvement. A failed deployment is
// rolled back through a revert pull request when rollback is enabled.
// Repeating a signal for a record that already concluded is a no-op, except
// that a repeated failure retries a rollback that did not go through.
func (c *Controller) RecordDeployment(ctx context.Context, id string, sig DeploymentSignal) (_ *models.Improvement, err error) {
	ctx, end := c.telemetry.StartStage(ctx, "deploy", id)
	defer func() { end(err) }()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	imp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.Status == models.StatusFailed && imp.Outcome == models.OutcomeFailure &&
		!sig.Success && imp.RollbackStatus == models.RollbackFailed && c.cfg.Rollback.Enabled {
		// A repeated failure report retries a rollback that did not go through.
		imp.RollbackStatus = ""
		c.rollback(ctx, imp)
		return imp, nil
	}
	if imp.Status == models.StatusDeployed || (imp.Status == models.StatusFailed && imp.Outcome == models.OutcomeFailure) {
		return imp, nil
	}
	if imp.Status != models.StatusMerged {
		to := models.StatusDeployed
		if !sig.Success {
			to = models.StatusFailed
		}
		return nil, &models.TransitionError{From: imp.Status, To: to}
	}

	if sig.Success {
		now := c.now().UTC()
		imp.Outcome = models.OutcomeSuccess
		imp.DeployedAt = &now
		imp.DeploymentURL = sig.URL
		if err := c.transition(ctx, imp, models.StatusDeployed, SystemActor, sig.URL); err != nil {
			return nil, err
		}
		c.emit(ctx, notify.EventDeployed, imp, "Improvement deployed", sig.URL)
		return imp, nil
	}

	reason := sig.Reason
	if reason == "" {
		reason = "deployment failed"
	}
	imp.Outcome = models.OutcomeFailure
	imp.FailureReason = reason
	imp.DeploymentURL = sig.URL
	if err := c.transition(ctx, imp, models.StatusFailed, SystemActor, reason); err != nil {
		return nil, err
	}
	c.emit(ctx, notify.EventFailed, imp, "Deployment failed", reason)
	c.rollback(ctx, imp)
	return imp, nil
}

func (c *Controller) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := c.locks.TryLock(ctx, id)
	if errors.Is(err, locks.ErrHeld) {
		c.metrics.LockConflicts.Inc()
		return nil, fmt.Errorf("improvement %s is being modified: %w", id, models.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock improvement %s: %w", id, err)
	}
	return unlock, nil
}

// fail moves the record to failed, keeping cause as the reason, and
// returns cause.
func (c *Controller) fail(ctx context.Context, imp *models.Improvement, cause error) error {
	imp.FailureReason = cause.Error()
	if imp.Status == models.StatusMerged {
		imp.Outcome = models.OutcomeFailure
	}
	if err := c.transition(ctx, imp, models.StatusFailed, SystemActor, imp.FailureReason); err != nil {
		c.logger.Error("failed to record failure", "improvement_id", imp.ID, "cause", cause, "error", err)
		return errors.Join(cause, err)
	}
	c.emit(ctx, notify.EventFailed, imp, "Improvement failed", imp.FailureReason)
	return cause
}

// transition moves imp to status to if the state table allows it.
func (c *Controller) transition(ctx context.Context, imp *models.Improvement, to models.Status, actor, reason string) error {
	if !models.CanTransition(imp.Status, to) {
		return &models.TransitionError{From: imp.Status, To: to}
	}
	return c.force(ctx, imp, to, actor, reason)
}

// force persists a status change without consulting the state table.
// Only reconciliation calls it directly.
func (c *Controller) force(ctx context.Context, imp *models.Improvement, to models.Status, actor, reason string) error {
	who := actor
	if who == "" {
		who = SystemActor
	}
	from := imp.Status
	imp.Status = to
	imp.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, imp); err != nil {
		imp.Status = from
		return fmt.Errorf("failed to move improvement %s to %s: %w", imp.ID, to, err)
	}
	c.audit(ctx, imp, from, to, who, reason)
	c.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Info("improvement transitioned", "improvement_id", imp.ID, "from", from, "status", to, "actor", who)
	return nil
}

func (c *Controller) audit(ctx context.Context, imp *models.Improvement, from, to models.Status, actor, reason string) {
	ev := models.AuditEvent{
		ID:            uuid.New().String(),
		ImprovementID: imp.ID,
		FromStatus:    from,
		ToStatus:      to,
		Actor:         actor,
		Reason:        reason,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		c.logger.Error("failed to append audit event", "improvement_id", imp.ID, "error", err)
	}
}

func (c *Controller) countViolations(stage string, res guardrails.Result) {
	for _, v := range res.Violations {
		c.metrics.GuardrailViolations.WithLabelValues(stage, string(v.Kind)).Inc()
	}
}

func (c *Controller) emit(ctx context.Context, t notify.EventType, imp *models.Improvement, title, msg string) {
	c.notifier.Notify(ctx, notify.Event{
		Type:          t,
		ImprovementID: imp.ID,
		Status:        imp.Status,
		Title:         title,
		Message:       msg,
		PRURL:         imp.PRURL,
		Fields: map[string]any{
			"risk_level":   imp.RiskLevel,
			"trigger_type": imp.TriggerType,
			"branch":       imp.BranchName,
		},
		OccurredAt: c.now().UTC(),
	})
}
