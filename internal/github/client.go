// Package github implements the vcs.Provider contract by shelling out to the
// gh CLI. The gh binary handles OAuth token refresh, repository detection
// and JSON output, so no SDK dependency is needed.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jordanhubbard/holly/internal/vcs"
)

// Runner executes gh with args in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// Client wraps gh CLI commands for GitHub operations.
// workDir should be a checkout of the target repository so that gh can
// resolve {owner}/{repo}.
type Client struct {
	workDir     string
	token       string // optional; if empty, gh uses its stored credentials
	mergeMethod string
	run         Runner
}

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the process runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.run = r }
}

// WithMergeMethod sets merge, squash or rebase. Defaults to squash.
func WithMergeMethod(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.mergeMethod = m
		}
	}
}

// NewClient creates a GitHub client rooted at workDir.
func NewClient(workDir, token string, opts ...Option) *Client {
	c := &Client{workDir: workDir, token: token, mergeMethod: "squash", run: execRunner}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ vcs.Provider = (*Client)(nil)

// gh runs a gh CLI command and returns raw output. Failures are classified
// so the caller knows whether a retry can help.
func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	var env []string
	if c.token != "" {
		env = []string{"GH_TOKEN=" + c.token}
	}
	out, err := c.run(ctx, c.workDir, env, args...)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("gh %s: %w\n%s", strings.Join(args, " "), err, string(out)))
	}
	return out, nil
}

// classify marks GitHub client errors (4xx other than rate limits) as
// permanent. Everything else stays retryable.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}
	if vcs.IsTransient(err) {
		return err
	}
	s := err.Error()
	for _, code := range []string{"HTTP 400", "HTTP 401", "HTTP 403", "HTTP 404", "HTTP 405", "HTTP 409", "HTTP 422"} {
		if strings.Contains(s, code) {
			return vcs.Permanent(err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "HTTP 404")
}

// CreateBranch points a new ref at the head of base. An existing ref is
// returned unchanged so retries are safe.
func (c *Client) CreateBranch(ctx context.Context, name, base string) (vcs.BranchRef, error) {
	out, err := c.gh(ctx, "api", "repos/{owner}/{repo}/git/ref/heads/"+base, "--jq", ".object.sha")
	if err != nil {
		return vcs.BranchRef{}, fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}
	sha := strings.TrimSpace(string(out))

	_, err = c.gh(ctx, "api", "-X", "POST", "repos/{owner}/{repo}/git/refs",
		"-f", "ref=refs/heads/"+name, "-f", "sha="+sha)
	if err != nil {
		if strings.Contains(err.Error(), "Reference already exists") {
			return vcs.BranchRef{Name: name, SHA: sha}, nil
		}
		return vcs.BranchRef{}, fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return vcs.BranchRef{Name: name, SHA: sha}, nil
}

// CommitFile uses the contents API, passing the current blob SHA when the
// file already exists on the branch.
func (c *Client) CommitFile(ctx context.Context, branch, path, content, message string) (vcs.CommitRef, error) {
	endpoint := "repos/{owner}/{repo}/contents/" + escapePath(path)

	var blobSHA string
	out, err := c.gh(ctx, "api", endpoint+"?ref="+url.QueryEscape(branch), "--jq", ".sha")
	switch {
	case err == nil:
		blobSHA = strings.TrimSpace(string(out))
	case isNotFound(err):
	default:
		return vcs.CommitRef{}, fmt.Errorf("failed to look up %s: %w", path, err)
	}

	args := []string{"api", "-X", "PUT", endpoint,
		"-f", "message=" + message,
		"-f", "content=" + base64.StdEncoding.EncodeToString([]byte(content)),
		"-f", "branch=" + branch,
	}
	if blobSHA != "" {
		args = append(args, "-f", "sha="+blobSHA)
	}
	args = append(args, "--jq", ".commit.sha")
	out, err = c.gh(ctx, args...)
	if err != nil {
		return vcs.CommitRef{}, fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return vcs.CommitRef{SHA: strings.TrimSpace(string(out))}, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// OpenPullRequest creates a pull request, or returns the open one for the
// same head branch if a previous attempt already created it.
func (c *Client) OpenPullRequest(ctx context.Context, spec vcs.PullRequestSpec) (vcs.PullRequest, error) {
	base := spec.Base
	if base == "" {
		base = "main"
	}
	out, err := c.gh(ctx, "api", "-X", "POST", "repos/{owner}/{repo}/pulls",
		"-f", "title="+spec.Title,
		"-f", "body="+spec.Body,
		"-f", "head="+spec.Head,
		"-f", "base="+base,
		"--jq", "{number: .number, url: .html_url}")
	if err != nil {
		if strings.Contains(err.Error(), "A pull request already exists") {
			return c.findOpenPR(ctx, spec.Head)
		}
		return vcs.PullRequest{}, fmt.Errorf("failed to open pull request: %w", err)
	}
	var r struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(out, &r); err != nil {
		return vcs.PullRequest{}, fmt.Errorf("parse create pr: %w", err)
	}
	if len(spec.Labels) > 0 {
		args := []string{"pr", "edit", strconv.Itoa(r.Number)}
		for _, l := range spec.Labels {
			args = append(args, "--add-label", l)
		}
		// Labels are cosmetic; a failure here must not fail the PR.
		_, _ = c.gh(ctx, args...)
	}
	return vcs.PullRequest{Number: r.Number, URL: r.URL}, nil
}

func (c *Client) findOpenPR(ctx context.Context, head string) (vcs.PullRequest, error) {
	out, err := c.gh(ctx, "pr", "list", "--head", head, "--state", "open", "--json", "number,url")
	if err != nil {
		return vcs.PullRequest{}, err
	}
	var raw []vcs.PullRequest
	if err := json.Unmarshal(out, &raw); err != nil {
		return vcs.PullRequest{}, fmt.Errorf("parse pr list: %w", err)
	}
	if len(raw) == 0 {
		return vcs.PullRequest{}, vcs.Permanent(fmt.Errorf("no open pull request for %s", head))
	}
	return raw[0], nil
}

// MergePullRequest merges with the configured method. GitHub answers 405
// when the PR is not mergeable; that is reported as (false, nil).
func (c *Client) MergePullRequest(ctx context.Context, number int) (bool, error) {
	out, err := c.gh(ctx, "api", "-X", "PUT", fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/merge", number),
		"-f", "merge_method="+c.mergeMethod, "--jq", ".merged")
	if err != nil {
		if strings.Contains(err.Error(), "HTTP 405") {
			return false, nil
		}
		return false, fmt.Errorf("failed to merge pull request #%d: %w", number, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// ClosePullRequest closes a pull request, optionally with a comment.
func (c *Client) ClosePullRequest(ctx context.Context, number int, comment string) error {
	args := []string{"pr", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	if _, err := c.gh(ctx, args...); err != nil {
		return fmt.Errorf("failed to close pull request #%d: %w", number, err)
	}
	return nil
}

// GetPullRequestState reports the state of a pull request.
func (c *Client) GetPullRequestState(ctx context.Context, number int) (vcs.PRState, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(number),
		"--json", "state,mergedAt,headRefName,mergeCommit")
	if err != nil {
		return vcs.PRState{}, err
	}
	var r ghPRState
	if err := json.Unmarshal(out, &r); err != nil {
		return vcs.PRState{}, fmt.Errorf("parse pr view: %w", err)
	}
	return r.toState(), nil
}

const revertMutation = `mutation($id: ID!, $title: String, $body: String) {
  revertPullRequest(input: {pullRequestId: $id, title: $title, body: $body}) {
    revertPullRequest { number url }
  }
}`

var _ vcs.Reverter = (*Client)(nil)

// RevertPullRequest opens a pull request reverting a merged one through the
// GraphQL revertPullRequest mutation. REST has no equivalent.
func (c *Client) RevertPullRequest(ctx context.Context, number int, title, body string) (vcs.PullRequest, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(number), "--json", "id", "--jq", ".id")
	if err != nil {
		return vcs.PullRequest{}, fmt.Errorf("failed to look up pull request #%d: %w", number, err)
	}
	out, err = c.gh(ctx, "api", "graphql",
		"-f", "query="+revertMutation,
		"-f", "id="+strings.TrimSpace(string(out)),
		"-f", "title="+title,
		"-f", "body="+body,
		"--jq", ".data.revertPullRequest.revertPullRequest")
	if err != nil {
		return vcs.PullRequest{}, fmt.Errorf("failed to revert pull request #%d: %w", number, err)
	}
	var r vcs.PullRequest
	if err := json.Unmarshal(out, &r); err != nil {
		return vcs.PullRequest{}, fmt.Errorf("parse revert pr: %w", err)
	}
	if r.Number == 0 {
		return vcs.PullRequest{}, vcs.Permanent(fmt.Errorf("revert of pull request #%d returned no pull request", number))
	}
	return r, nil
}

// DeploymentStatus looks up the most recent run of workflow for commit sha.
// ok is false when no run exists yet.
func (c *Client) DeploymentStatus(ctx context.Context, workflow, sha string) (run WorkflowRun, ok bool, err error) {
	args := []string{"run", "list", "--limit", "10", "--commit", sha,
		"--json", "databaseId,displayTitle,workflowName,status,conclusion,url,headSha"}
	if workflow != "" {
		args = append(args, "--workflow", workflow)
	}
	out, err := c.gh(ctx, args...)
	if err != nil {
		return WorkflowRun{}, false, err
	}
	var raw []ghRun
	if err := json.Unmarshal(out, &raw); err != nil {
		return WorkflowRun{}, false, fmt.Errorf("parse run list: %w", err)
	}
	if len(raw) == 0 {
		return WorkflowRun{}, false, nil
	}
	return raw[0].toRun(), true, nil
}
