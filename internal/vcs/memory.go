package vcs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
)

// Operation names used by Memory for scripted failures and call counts.
const (
	OpCreateBranch = "create_branch"
	OpCommitFile   = "commit_file"
	OpOpenPR       = "open_pr"
	OpMergePR      = "merge_pr"
	OpClosePR      = "close_pr"
	OpPRState      = "pr_state"
	OpRevertPR     = "revert_pr"
)

type memoryPR struct {
	spec        PullRequestSpec
	state       string
	mergeCommit string
	// before holds the base files as they were just before the merge.
	before   map[string]string
	revertPR int
	// removes lists files a revert deletes from the base on merge.
	removes []string
}

// Memory is an in-process Provider. It backs the dry-run "memory" provider
// and lets tests script failures per operation.
type Memory struct {
	mu       sync.Mutex
	branches map[string]string
	files    map[string]map[string]string
	prs      map[int]*memoryPR
	nextPR   int
	failures map[string][]error
	calls    map[string]int

	// BeforeMerge, when set, runs before a merge takes effect. Tests use it
	// to hold a merge open.
	BeforeMerge func(number int)
}

// NewMemory creates an empty provider with a "main" branch.
func NewMemory() *Memory {
	return &Memory{
		branches: map[string]string{"main": hash("main")},
		files:    map[string]map[string]string{"main": {}},
		prs:      make(map[int]*memoryPR),
		nextPR:   1,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func hash(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FailNext queues errors returned by the next calls to op, in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// File returns the content of path on branch.
func (m *Memory) File(branch, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[branch][path]
	return c, ok
}

// SetPRState simulates an out-of-band change, e.g. someone merging on the website.
func (m *Memory) SetPRState(number int, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[number]
	if !ok {
		return fmt.Errorf("pull request #%d not found", number)
	}
	pr.state = state
	if state == StateMerged && pr.mergeCommit == "" {
		pr.mergeCommit = hash("merge", fmt.Sprint(number))
	}
	return nil
}

// enter records a call and pops a scripted failure. Callers hold m.mu.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) CreateBranch(_ context.Context, name, base string) (BranchRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateBranch); err != nil {
		return BranchRef{}, err
	}
	baseSHA, ok := m.branches[base]
	if !ok {
		return BranchRef{}, Permanent(fmt.Errorf("base branch %q not found", base))
	}
	if sha, exists := m.branches[name]; exists {
		return BranchRef{Name: name, SHA: sha}, nil
	}
	m.branches[name] = baseSHA
	m.files[name] = copyFiles(m.files[base])
	return BranchRef{Name: name, SHA: baseSHA}, nil
}

func (m *Memory) CommitFile(_ context.Context, branch, path, content, message string) (CommitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCommitFile); err != nil {
		return CommitRef{}, err
	}
	parent, ok := m.branches[branch]
	if !ok {
		return CommitRef{}, Permanent(fmt.Errorf("branch %q not found", branch))
	}
	sha := hash(parent, path, content, message)
	m.files[branch][path] = content
	m.branches[branch] = sha
	return CommitRef{SHA: sha}, nil
}

func (m *Memory) OpenPullRequest(_ context.Context, spec PullRequestSpec) (PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpOpenPR); err != nil {
		return PullRequest{}, err
	}
	if _, ok := m.branches[spec.Head]; !ok {
		return PullRequest{}, Permanent(fmt.Errorf("head branch %q not found", spec.Head))
	}
	for n, pr := range m.prs {
		if pr.spec.Head == spec.Head && pr.state == StateOpen {
			return PullRequest{Number: n, URL: prURL(n)}, nil
		}
	}
	n := m.nextPR
	m.nextPR++
	m.prs[n] = &memoryPR{spec: spec, state: StateOpen}
	return PullRequest{Number: n, URL: prURL(n)}, nil
}

func baseOf(spec PullRequestSpec) string {
	if spec.Base == "" {
		return "main"
	}
	return spec.Base
}

func copyFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for p, c := range files {
		out[p] = c
	}
	return out
}

func prURL(n int) string {
	return fmt.Sprintf("memory://pulls/%d", n)
}

func (m *Memory) MergePullRequest(_ context.Context, number int) (bool, error) {
	m.mu.Lock()
	if err := m.enter(OpMergePR); err != nil {
		m.mu.Unlock()
		return false, err
	}
	hook := m.BeforeMerge
	m.mu.Unlock()

	if hook != nil {
		hook(number)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[number]
	if !ok {
		return false, Permanent(fmt.Errorf("pull request #%d not found", number))
	}
	if pr.state != StateOpen {
		return false, nil
	}
	pr.state = StateMerged
	pr.mergeCommit = hash("merge", fmt.Sprint(number), m.branches[pr.spec.Head])
	base := baseOf(pr.spec)
	pr.before = copyFiles(m.files[base])
	for p, c := range m.files[pr.spec.Head] {
		m.files[base][p] = c
	}
	for _, p := range pr.removes {
		delete(m.files[base], p)
	}
	m.branches[base] = pr.mergeCommit
	return true, nil
}

func (m *Memory) ClosePullRequest(_ context.Context, number int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpClosePR); err != nil {
		return err
	}
	pr, ok := m.prs[number]
	if !ok {
		return Permanent(fmt.Errorf("pull request #%d not found", number))
	}
	if pr.state == StateMerged {
		return Permanent(fmt.Errorf("pull request #%d is already merged", number))
	}
	pr.state = StateClosed
	return nil
}

func (m *Memory) GetPullRequestState(_ context.Context, number int) (PRState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpPRState); err != nil {
		return PRState{}, err
	}
	pr, ok := m.prs[number]
	if !ok {
		return PRState{}, Permanent(fmt.Errorf("pull request #%d not found", number))
	}
	return PRState{
		State:          pr.state,
		Merged:         pr.state == StateMerged,
		HeadRef:        pr.spec.Head,
		MergeCommitSHA: pr.mergeCommit,
	}, nil
}

var _ Reverter = (*Memory)(nil)

// RevertPullRequest opens a pull request restoring every file the merge of
// number touched to its pre-merge content. Repeated calls return the same
// revert PR.
func (m *Memory) RevertPullRequest(_ context.Context, number int, title, body string) (PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRevertPR); err != nil {
		return PullRequest{}, err
	}
	pr, ok := m.prs[number]
	if !ok {
		return PullRequest{}, Permanent(fmt.Errorf("pull request #%d not found", number))
	}
	if pr.state != StateMerged {
		return PullRequest{}, Permanent(fmt.Errorf("pull request #%d is not merged", number))
	}
	if pr.revertPR != 0 {
		return PullRequest{Number: pr.revertPR, URL: prURL(pr.revertPR)}, nil
	}
	if pr.before == nil {
		return PullRequest{}, Permanent(fmt.Errorf("pull request #%d was not merged through this provider", number))
	}

	base := baseOf(pr.spec)
	head := fmt.Sprintf("revert-%d", number)
	files := copyFiles(m.files[base])
	var removes []string
	for p := range m.files[pr.spec.Head] {
		if c, existed := pr.before[p]; existed {
			files[p] = c
		} else {
			delete(files, p)
			removes = append(removes, p)
		}
	}
	m.files[head] = files
	m.branches[head] = hash("revert", pr.mergeCommit)

	n := m.nextPR
	m.nextPR++
	m.prs[n] = &memoryPR{
		spec:    PullRequestSpec{Title: title, Body: body, Head: head, Base: base},
		state:   StateOpen,
		removes: removes,
	}
	pr.revertPR = n
	return PullRequest{Number: n, URL: prURL(n)}, nil
}
