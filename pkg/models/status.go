package models

// Status is the lifecycle state of an improvement.
type Status string

const (
	StatusPlanned       Status = "planned"
	StatusAnalyzing     Status = "analyzing"
	StatusAutoApproved  Status = "auto_approved"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
	StatusCoding        Status = "coding"
	StatusPRCreated     Status = "pr_created"
	StatusMerged        Status = "merged"
	StatusClosed        Status = "closed"
	StatusDeployed      Status = "deployed"
	StatusFailed        Status = "failed"
)

// transitions is the forward-only state table. Decision states are only
// reachable from analyzing, so nothing can skip the decision step.
var transitions = map[Status][]Status{
	StatusPlanned:       {StatusAnalyzing, StatusRejected},
	StatusAnalyzing:     {StatusAutoApproved, StatusPendingReview, StatusRejected},
	StatusAutoApproved:  {StatusCoding, StatusRejected},
	StatusPendingReview: {StatusCoding, StatusRejected},
	StatusCoding:        {StatusPRCreated, StatusRejected, StatusFailed},
	StatusPRCreated:     {StatusMerged, StatusClosed, StatusRejected, StatusFailed},
	StatusMerged:        {StatusDeployed, StatusFailed},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusClosed, StatusDeployed, StatusFailed:
		return true
	}
	return false
}

// Concluded reports whether an improvement with this status has a known
// outcome that can feed historical weighting.
func (s Status) Concluded() bool {
	switch s {
	case StatusDeployed, StatusFailed, StatusClosed:
		return true
	}
	return false
}

// Statuses lists every lifecycle status in forward order.
var Statuses = []Status{
	StatusPlanned, StatusAnalyzing, StatusAutoApproved, StatusPendingReview, StatusRejected,
	StatusCoding, StatusPRCreated, StatusMerged, StatusClosed, StatusDeployed, StatusFailed,
}
