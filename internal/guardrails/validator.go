// Package guardrails enforces hard, non-overridable constraints on what an
// improvement may touch or contain. Every check returns a Result; none of
// them return errors, so callers must branch on Result.Allowed.
package guardrails

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/holly/pkg/models"
)

// ViolationKind classifies a guardrail violation.
type ViolationKind string

const (
	ViolationDeniedPath       ViolationKind = "denied_path"
	ViolationInvalidPath      ViolationKind = "invalid_path"
	ViolationRiskMismatch     ViolationKind = "risk_mismatch"
	ViolationDangerousContent ViolationKind = "dangerous_content"
	ViolationMissingFiles     ViolationKind = "missing_files"
)

// Violation is a single blocking finding.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Path    string        `json:"path,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
	Line    int           `json:"line,omitempty"`
	Message string        `json:"message"`
}

// Result is the outcome of a guardrail check.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

func (r *Result) add(v Violation) {
	if r.Reason == "" {
		r.Reason = v.Message
	}
	r.Allowed = false
	r.Violations = append(r.Violations, v)
}

func (r *Result) merge(other Result) {
	for _, v := range other.Violations {
		r.add(v)
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}

func allowed() Result { return Result{Allowed: true} }

// Validator runs guardrail checks against the current policy.
// It is safe for concurrent use; SetPolicy swaps the policy atomically.
type Validator struct {
	policy atomic.Pointer[compiledPolicy]

	mu        sync.Mutex
	protected []string
}

// NewValidator compiles p and returns a validator using it.
func NewValidator(p Policy) (*Validator, error) {
	v := &Validator{}
	if err := v.SetPolicy(p); err != nil {
		return nil, err
	}
	return v, nil
}

// SetPolicy replaces the active policy. On error the previous policy stays in effect.
func (v *Validator) SetPolicy(p Policy) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp, err := compile(p, v.protected)
	if err != nil {
		return fmt.Errorf("invalid guardrail policy: %w", err)
	}
	v.policy.Store(cp)
	return nil
}

// Protect adds files to the deny-list for the life of the validator. The
// entries survive SetPolicy and policy reloads. Each file is denied both at
// its repository-relative path and by base name anywhere in the tree, so an
// absolute path such as the server's own config file is still covered.
func (v *Validator) Protect(files ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	protected := append([]string(nil), v.protected...)
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		slashed := filepath.ToSlash(f)
		if !path.IsAbs(slashed) {
			if norm, ok := normalizePath(slashed); ok {
				protected = append(protected, norm)
			}
		}
		protected = append(protected, "**/"+path.Base(slashed))
	}
	cp, err := compile(v.policy.Load().src, protected)
	if err != nil {
		return fmt.Errorf("invalid protected path: %w", err)
	}
	v.protected = protected
	v.policy.Store(cp)
	return nil
}

// ValidateFileAccess denies paths on the deny-list regardless of caller.
func (v *Validator) ValidateFileAccess(p string) Result {
	return v.policy.Load().fileAccess(p)
}

func (cp *compiledPolicy) fileAccess(p string) Result {
	res := allowed()
	norm, ok := normalizePath(p)
	if !ok {
		res.add(Violation{
			Kind:    ViolationInvalidPath,
			Path:    p,
			Message: fmt.Sprintf("path %q is empty or escapes the repository", p),
		})
		return res
	}
	for _, g := range cp.deny {
		if g.match(norm) {
			res.add(Violation{
				Kind:    ViolationDeniedPath,
				Path:    norm,
				Pattern: g.glob,
				Message: fmt.Sprintf("access to %q is forbidden (matches %q)", norm, g.glob),
			})
			return res
		}
	}
	return res
}

// ValidateRiskLevel checks that the declared level is consistent with the
// files touched. Sensitive areas must be declared high.
func (v *Validator) ValidateRiskLevel(files []string, declared models.RiskLevel) Result {
	return v.policy.Load().riskLevel(files, declared)
}

func (cp *compiledPolicy) riskLevel(files []string, declared models.RiskLevel) Result {
	res := allowed()
	if _, err := models.ParseRiskLevel(string(declared)); err != nil {
		res.add(Violation{Kind: ViolationRiskMismatch, Message: err.Error()})
		return res
	}
	files = models.NormalizeSet(files)
	if len(files) == 0 {
		res.add(Violation{Kind: ViolationMissingFiles, Message: "no files declared for the change"})
		return res
	}

	for _, f := range files {
		norm, ok := normalizePath(f)
		if !ok {
			continue
		}
		if declared == models.RiskHigh {
			continue
		}
		for _, a := range cp.areas {
			if a.re.MatchString(norm) {
				res.add(Violation{
					Kind:    ViolationRiskMismatch,
					Path:    norm,
					Pattern: a.name,
					Message: fmt.Sprintf("%q is in sensitive area %q and must be declared high risk, not %s", norm, a.name, declared),
				})
				break
			}
		}
	}

	if declared == models.RiskLow {
		if cp.maxFiles > 0 && len(files) > cp.maxFiles {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("change touches %d files (more than %d); consider declaring medium risk", len(files), cp.maxFiles))
		}
		for _, f := range files {
			norm, _ := normalizePath(f)
			for _, g := range cp.schema {
				if g.match(norm) {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("%q looks like a schema or migration file; consider declaring medium risk", norm))
					break
				}
			}
		}
	}
	return res
}

// ValidatePlan runs the checks required before an improvement is recorded:
// file access for every declared path plus risk/file consistency.
func (v *Validator) ValidatePlan(files []string, declared models.RiskLevel) Result {
	cp := v.policy.Load()
	res := allowed()
	for _, f := range models.NormalizeSet(files) {
		res.merge(cp.fileAccess(f))
	}
	res.merge(cp.riskLevel(files, declared))
	return res
}

// PerformSafetyCheck is the composite check run immediately before generated
// code is committed. Any single hit blocks; the first violation's reason is
// surfaced and every violation is also listed as a warning.
func (v *Validator) PerformSafetyCheck(files []string, changes map[string]string, risk models.RiskLevel) Result {
	cp := v.policy.Load()
	res := allowed()

	all := append([]string(nil), files...)
	for p := range changes {
		all = append(all, p)
	}
	all = models.NormalizeSet(all)

	for _, f := range all {
		res.merge(cp.fileAccess(f))
	}
	res.merge(cp.riskLevel(all, risk))

	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		res.merge(cp.scanContent(p, changes[p]))
	}

	for _, viol := range res.Violations {
		res.Warnings = append(res.Warnings, viol.Message)
	}
	return res
}

func (cp *compiledPolicy) scanContent(p, content string) Result {
	res := allowed()
	for n, line := range strings.Split(content, "\n") {
		for _, rule := range cp.rules {
			if rule.re.MatchString(line) {
				res.add(Violation{
					Kind:    ViolationDangerousContent,
					Path:    p,
					Pattern: rule.name,
					Line:    n + 1,
					Message: fmt.Sprintf("%s:%d %s (%s)", p, n+1, rule.message, rule.name),
				})
			}
		}
	}
	return res
}
