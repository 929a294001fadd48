package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/internal/vcs"
)

type call struct {
	args []string
	env  []string
}

type reply struct {
	out string
	err error
}

// fakeGH answers by the first matching argument prefix.
type fakeGH struct {
	calls   []call
	replies map[string][]reply
}

func (f *fakeGH) run(_ context.Context, _ string, env []string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{args: args, env: env})
	joined := strings.Join(args, " ")
	for prefix, q := range f.replies {
		if strings.HasPrefix(joined, prefix) && len(q) > 0 {
			f.replies[prefix] = q[1:]
			return []byte(q[0].out), q[0].err
		}
	}
	return nil, errors.New("unexpected call: " + joined)
}

func newFake(replies map[string][]reply) (*fakeGH, *Client) {
	f := &fakeGH{replies: replies}
	return f, NewClient("/repo", "tok", WithRunner(f.run))
}

func TestCreateBranch(t *testing.T) {
	f, c := newFake(map[string][]reply{
		"api repos/{owner}/{repo}/git/ref/heads/main": {{out: "abc123\n"}},
		"api -X POST repos/{owner}/{repo}/git/refs":   {{out: "{}"}},
	})
	ref, err := c.CreateBranch(context.Background(), "holly/improvement-1", "main")
	require.NoError(t, err)
	assert.Equal(t, vcs.BranchRef{Name: "holly/improvement-1", SHA: "abc123"}, ref)
	require.Len(t, f.calls, 2)
	assert.Contains(t, f.calls[1].args, "ref=refs/heads/holly/improvement-1")
	assert.Equal(t, []string{"GH_TOKEN=tok"}, f.calls[0].env)
}

func TestCreateBranch_AlreadyExists(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"api repos/{owner}/{repo}/git/ref/heads/main": {{out: "abc123"}},
		"api -X POST repos/{owner}/{repo}/git/refs": {{
			out: "gh: Reference already exists (HTTP 422)",
			err: errors.New("exit status 1"),
		}},
	})
	_, err := c.CreateBranch(context.Background(), "b", "main")
	assert.NoError(t, err)
}

func TestCommitFile_UpdatesWithBlobSHA(t *testing.T) {
	f, c := newFake(map[string][]reply{
		"api repos/{owner}/{repo}/contents/src/a.ts?ref=": {{out: "blob1\n"}},
		"api -X PUT repos/{owner}/{repo}/contents/src/a.ts": {{out: "commit9\n"}},
	})
	ref, err := c.CommitFile(context.Background(), "holly/improvement-1", "src/a.ts", "x", "fix: a")
	require.NoError(t, err)
	assert.Equal(t, "commit9", ref.SHA)
	assert.Contains(t, f.calls[1].args, "sha=blob1")
	assert.Contains(t, f.calls[1].args, "content=eA==")
}

func TestCommitFile_CreatesWhenMissing(t *testing.T) {
	f, c := newFake(map[string][]reply{
		"api repos/{owner}/{repo}/contents/src/new.ts?ref=": {{
			out: "gh: Not Found (HTTP 404)",
			err: errors.New("exit status 1"),
		}},
		"api -X PUT repos/{owner}/{repo}/contents/src/new.ts": {{out: "c1"}},
	})
	_, err := c.CommitFile(context.Background(), "b", "src/new.ts", "x", "feat: new")
	require.NoError(t, err)
	for _, a := range f.calls[1].args {
		assert.False(t, strings.HasPrefix(a, "sha="))
	}
}

func TestMergePullRequest(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"api -X PUT repos/{owner}/{repo}/pulls/7/merge": {
			{out: "true\n"},
			{out: "gh: Pull Request is not mergeable (HTTP 405)", err: errors.New("exit status 1")},
			{out: "gh: HTTP 502 Bad Gateway", err: errors.New("exit status 1")},
			{out: "gh: Head branch was modified (HTTP 409)", err: errors.New("exit status 1")},
		},
	})
	ctx := context.Background()

	ok, err := c.MergePullRequest(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.MergePullRequest(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.MergePullRequest(ctx, 7)
	require.Error(t, err)
	assert.False(t, vcs.IsPermanent(err))

	_, err = c.MergePullRequest(ctx, 7)
	require.Error(t, err)
	assert.True(t, vcs.IsPermanent(err))
}

func TestGetPullRequestState(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"pr view 3": {
			{out: `{"state":"MERGED","mergedAt":"2026-01-01T00:00:00Z","headRefName":"holly/improvement-1","mergeCommit":{"oid":"m1"}}`},
			{out: `{"state":"CLOSED","mergedAt":"","headRefName":"x","mergeCommit":null}`},
		},
	})
	ctx := context.Background()

	st, err := c.GetPullRequestState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, vcs.PRState{State: vcs.StateMerged, Merged: true, HeadRef: "holly/improvement-1", MergeCommitSHA: "m1"}, st)

	st, err = c.GetPullRequestState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, vcs.StateClosed, st.State)
	assert.False(t, st.Merged)
}

func TestOpenPullRequest_ReusesExisting(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"api -X POST repos/{owner}/{repo}/pulls": {{
			out: "gh: Validation Failed: A pull request already exists for x:b. (HTTP 422)",
			err: errors.New("exit status 1"),
		}},
		"pr list --head b": {{out: `[{"number":12,"url":"https://github.com/x/y/pull/12"}]`}},
	})
	pr, err := c.OpenPullRequest(context.Background(), vcs.PullRequestSpec{Title: "t", Head: "b"})
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
}

func TestDeploymentStatus(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"run list": {
			{out: `[{"databaseId":1,"workflowName":"Deploy","status":"completed","conclusion":"success","url":"u","headSha":"m1"}]`},
			{out: `[]`},
		},
	})
	ctx := context.Background()

	run, ok, err := c.DeploymentStatus(ctx, "deploy.yml", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, run.Succeeded())

	_, ok, err = c.DeploymentStatus(ctx, "deploy.yml", "m2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevertPullRequest(t *testing.T) {
	f, c := newFake(map[string][]reply{
		"pr view 7 --json id": {{out: "PR_kwDOabc\n"}},
		"api graphql":         {{out: `{"number":9,"url":"https://github.com/x/y/pull/9"}`}},
	})
	pr, err := c.RevertPullRequest(context.Background(), 7, "Revert: fix", "deploy failed")
	require.NoError(t, err)
	assert.Equal(t, vcs.PullRequest{Number: 9, URL: "https://github.com/x/y/pull/9"}, pr)
	require.Len(t, f.calls, 2)
	assert.Contains(t, f.calls[1].args, "id=PR_kwDOabc")
	assert.Contains(t, f.calls[1].args, "title=Revert: fix")
}

func TestRevertPullRequest_NotMergedIsPermanent(t *testing.T) {
	_, c := newFake(map[string][]reply{
		"pr view 7 --json id": {{out: "PR_kwDOabc"}},
		"api graphql": {{
			out: "gh: Pull request must be merged to revert (HTTP 422)",
			err: errors.New("exit status 1"),
		}},
	})
	_, err := c.RevertPullRequest(context.Background(), 7, "Revert", "")
	assert.True(t, vcs.IsPermanent(err))
}
