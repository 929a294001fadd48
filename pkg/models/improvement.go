package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BranchPrefix is prepended to every improvement branch name.
const BranchPrefix = "holly/improvement-"

// TriggerType identifies why an improvement was proposed.
type TriggerType string

const (
	TriggerBugReport      TriggerType = "bug_report"
	TriggerUserRequest    TriggerType = "user_request"
	TriggerScheduledAudit TriggerType = "scheduled_audit"
	TriggerSelfDetected   TriggerType = "self_detected"
)

// TriggerTypes lists every known trigger type.
var TriggerTypes = []TriggerType{TriggerBugReport, TriggerUserRequest, TriggerScheduledAudit, TriggerSelfDetected}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTriggerType accepts the snake_case names and their hyphenated
// spellings ("bug-report"), case-insensitively.
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown trigger type %q", s)
	}
	return t, nil
}

// RiskLevel is the coarse risk classification of an improvement.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel converts a user-supplied string into a RiskLevel.
// Anything other than low, medium or high is rejected.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", fmt.Errorf("invalid risk level %q: must be one of low, medium, high", s)
}

// Rank orders risk levels: low < medium < high. Unknown levels rank highest.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// MaxRisk returns the stricter of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Outcome is the post-deployment result of an improvement.
type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action is the disposition produced by the decision engine.
type Action string

const (
	ActionAutoApprove   Action = "AUTO_APPROVE"
	ActionPendingReview Action = "PENDING_REVIEW"
	ActionReject        Action = "REJECT"
)

// Strictness orders actions from loosest to strictest.
func (a Action) Strictness() int {
	switch a {
	case ActionAutoApprove:
		return 0
	case ActionPendingReview:
		return 1
	default:
		return 2
	}
}

// Improvement is a proposed, tracked unit of self-initiated code change.
type Improvement struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	TriggerType TriggerType    `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	ProblemStatement string `json:"problem_statement"`
	SolutionApproach string `json:"solution_approach"`

	RiskLevel RiskLevel `json:"risk_level"`

	FilesChanged    []string `json:"files_changed"`
	LinesChanged    int      `json:"lines_changed"`
	AffectedModules []string `json:"affected_modules"`

	BranchName string `json:"branch_name"`
	PRNumber   int    `json:"pr_number,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`

	CodeChanges map[string]string `json:"code_changes,omitempty"`

	Status            Status  `json:"status"`
	Disposition       Action  `json:"disposition,omitempty"`
	DecisionRationale string  `json:"decision_rationale,omitempty"`
	FailureReason     string  `json:"failure_reason,omitempty"`
	ReviewedBy        string  `json:"reviewed_by,omitempty"`
	Outcome           Outcome `json:"outcome"`
	TestCoverage      float64 `json:"test_coverage"`
	DeploymentURL     string  `json:"deployment_url,omitempty"`

	// Rollback of a failed deployment, when one was attempted.
	RollbackStatus   RollbackStatus `json:"rollback_status,omitempty"`
	RollbackPRNumber int            `json:"rollback_pr_number,omitempty"`
	RollbackPRURL    string         `json:"rollback_pr_url,omitempty"`

	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
}

// BranchNameFor derives the branch name for an improvement created at t.
func BranchNameFor(t time.Time) string {
	return fmt.Sprintf("%s%d", BranchPrefix, t.UnixMilli())
}

// Clone returns a deep copy so callers can mutate without sharing maps or slices.
func (i *Improvement) Clone() *Improvement {
	if i == nil {
		return nil
	}
	c := *i
	c.FilesChanged = append([]string(nil), i.FilesChanged...)
	c.AffectedModules = append([]string(nil), i.AffectedModules...)
	if i.TriggerData != nil {
		c.TriggerData = make(map[string]any, len(i.TriggerData))
		for k, v := range i.TriggerData {
			c.TriggerData[k] = v
		}
	}
	if i.CodeChanges != nil {
		c.CodeChanges = make(map[string]string, len(i.CodeChanges))
		for k, v := range i.CodeChanges {
			c.CodeChanges[k] = v
		}
	}
	if i.DeployedAt != nil {
		t := *i.DeployedAt
		c.DeployedAt = &t
	}
	return &c
}

// NormalizeSet trims, de-duplicates and sorts a list of strings, dropping empties.
func NormalizeSet(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// RollbackStatus tracks the revert of a failed deployment.
type RollbackStatus string

const (
	RollbackOpened RollbackStatus = "opened"
	RollbackMerged RollbackStatus = "merged"
	RollbackFailed RollbackStatus = "failed"
)

// OutcomeRecord is the status/outcome pair of a past improvement, used for
// historical weighting.
type OutcomeRecord struct {
	ImprovementID string  `json:"improvement_id"`
	Status        Status  `json:"status"`
	Outcome       Outcome `json:"outcome"`
}

// AuditEvent records a single state change of an improvement.
type AuditEvent struct {
	ID            string    `json:"id"`
	ImprovementID string    `json:"improvement_id"`
	FromStatus    Status    `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
