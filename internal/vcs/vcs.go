// Package vcs defines the source-control contract the lifecycle controller
// drives. The provider is the source of truth for branch and pull request
// state.
package vcs

import (
	"context"
	"errors"
	"strings"
)

// PR states as reported by GetPullRequestState.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// BranchRef identifies a created branch.
type BranchRef struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// CommitRef identifies a commit.
type CommitRef struct {
	SHA string `json:"sha"`
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// PullRequest is the result of opening a pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// PRState is the provider's view of a pull request.
type PRState struct {
	State          string `json:"state"`
	Merged         bool   `json:"merged"`
	HeadRef        string `json:"head_ref,omitempty"`
	MergeCommitSHA string `json:"merge_commit_sha,omitempty"`
}

// Provider is implemented by every source-control backend.
type Provider interface {
	CreateBranch(ctx context.Context, name, base string) (BranchRef, error)
	// CommitFile creates or updates path on branch, keyed by the file's
	// current blob hash.
	CommitFile(ctx context.Context, branch, path, content, message string) (CommitRef, error)
	OpenPullRequest(ctx context.Context, spec PullRequestSpec) (PullRequest, error)
	// MergePullRequest returns false when the provider declined the merge
	// without an error, e.g. because the PR is no longer mergeable.
	MergePullRequest(ctx context.Context, number int) (bool, error)
	ClosePullRequest(ctx context.Context, number int, comment string) error
	GetPullRequestState(ctx context.Context, number int) (PRState, error)
}

// Reverter is implemented by providers that can open a pull request undoing
// a merged one. The revert PR targets the base branch of the original.
type Reverter interface {
	RevertPullRequest(ctx context.Context, number int, title, body string) (PullRequest, error)
}

// ErrPermanent marks collaborator failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent vcs failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err looks like a network or server blip
// worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"secondary rate",
		"http 500",
		"http 502",
		"http 503",
		"http 504",
		"temporarily unavailable",
		"unexpected eof",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
