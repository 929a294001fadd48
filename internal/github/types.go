package github

import (
	"strings"

	"github.com/jordanhubbard/holly/internal/vcs"
)

// WorkflowRun represents a GitHub Actions workflow run.
type WorkflowRun struct {
	ID           int64
	Name         string // displayTitle (commit/PR title that triggered the run)
	WorkflowName string // workflow definition name, e.g. "Deploy"
	Status       string
	Conclusion   string
	URL          string
	HeadSHA      string
}

// Completed reports whether the run has finished.
func (r WorkflowRun) Completed() bool {
	return r.Status == "completed"
}

// Succeeded reports whether the run finished successfully.
func (r WorkflowRun) Succeeded() bool {
	return r.Completed() && r.Conclusion == "success"
}

type ghRun struct {
	DatabaseID   int64  `json:"databaseId"`
	DisplayTitle string `json:"displayTitle"`
	WorkflowName string `json:"workflowName"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	URL          string `json:"url"`
	HeadSHA      string `json:"headSha"`
}

func (r ghRun) toRun() WorkflowRun {
	return WorkflowRun{
		ID:           r.DatabaseID,
		Name:         r.DisplayTitle,
		WorkflowName: r.WorkflowName,
		Status:       r.Status,
		Conclusion:   r.Conclusion,
		URL:          r.URL,
		HeadSHA:      r.HeadSHA,
	}
}

type ghPRState struct {
	State       string `json:"state"`
	MergedAt    string `json:"mergedAt"`
	HeadRefName string `json:"headRefName"`
	MergeCommit *struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
}

func (r ghPRState) toState() vcs.PRState {
	st := vcs.PRState{HeadRef: r.HeadRefName}
	switch strings.ToUpper(r.State) {
	case "MERGED":
		st.State = vcs.StateMerged
	case "CLOSED":
		st.State = vcs.StateClosed
	default:
		st.State = vcs.StateOpen
	}
	if r.MergedAt != "" {
		st.State = vcs.StateMerged
	}
	st.Merged = st.State == vcs.StateMerged
	if r.MergeCommit != nil {
		st.MergeCommitSHA = r.MergeCommit.OID
	}
	return st
}
