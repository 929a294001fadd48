package guardrails

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// builtinDenyPaths can never be removed by a policy file. They cover secrets,
// CI configuration and the governance subsystem's own source.
var builtinDenyPaths = []string{
	".env",
	".env.*",
	"**/.env",
	"**/.env.*",
	"secrets/**",
	"**/secrets/**",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	"**/credentials*.json",
	".github/workflows/**",
	".gitlab-ci.yml",
	".circleci/**",
	"Jenkinsfile",
	"src/lib/autonomy/**",
	"src/lib/safety/**",
	"internal/guardrails/**",
	"internal/decision/**",
	"internal/risk/**",
	"internal/confidence/**",
	"internal/lifecycle/**",
	"internal/history/**",
	"internal/store/**",
	"internal/database/**",
	"internal/locks/**",
	"internal/api/**",
	"pkg/models/**",
	"pkg/config/**",
	"cmd/holly/**",
	"**/holly.yaml",
	"**/holly.yml",
	"**/guardrails.yaml",
	"**/guardrails.yml",
}

// authAreaPattern matches authentication code in snake, kebab and camel case
// (auth/, authentication, authorization, authMiddleware, oauth2, userAuth)
// without matching words such as "author".
const authAreaPattern = `(?i)(?:^|[^a-z])(?:o?auth(?:[0-9]|n|z|entic|ori[sz]|s?(?:[^a-z]|$)|(?-i:[A-Z]))` +
	`|log-?in|log-?out|sign-?in|session|jwt|passw(?:or)?d|credential)` +
	`|(?-i:[a-z0-9](?:O?Auth|Login|Logout|SignIn|Session|Jwt|JWT|Password|Credential))`

// SensitiveArea is a path pattern that forces a high risk declaration.
type SensitiveArea struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// ContentRule is a regular expression that must not appear in generated code.
type ContentRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// Policy is the configurable part of the guardrails.
type Policy struct {
	DenyPaths       []string        `yaml:"deny_paths"`
	SensitiveAreas  []SensitiveArea `yaml:"sensitive_areas"`
	ContentRules    []ContentRule   `yaml:"content_rules"`
	MaxFilesWarning int             `yaml:"max_files_warning"`
	SchemaPatterns  []string        `yaml:"schema_patterns"`
}

// DefaultPolicy returns the policy used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		DenyPaths: append([]string(nil), builtinDenyPaths...),
		SensitiveAreas: []SensitiveArea{
			{Name: "auth", Pattern: authAreaPattern},
			{Name: "payments", Pattern: `(?i)(payment|billing|stripe|checkout|invoice|subscription)`},
			{Name: "data-deletion", Pattern: `(?i)(delete|deletion|purge|erase|gdpr)`},
		},
		ContentRules: []ContentRule{
			{
				Name:    "auth-bypass",
				Pattern: `(?i)\b(skip|bypass|disable)[_-]?(auth|authentication|authorization)\b`,
				Message: "disables an authentication check",
			},
			{
				Name:    "auth-flag-off",
				Pattern: `(?i)\b(require_?auth|auth_?required|authenticate)\b\s*[:=]\s*false`,
				Message: "turns authentication off",
			},
			{
				Name:    "shell-exec",
				Pattern: `\bchild_process\b|\bexecSync\s*\(|\bspawnSync\s*\(|\bexec\.Command(Context)?\s*\(|\bsubprocess\.(run|call|Popen)\b|\bos\.system\s*\(`,
				Message: "executes raw shell commands",
			},
			{
				Name:    "dynamic-eval",
				Pattern: `\beval\s*\(|\bnew\s+Function\s*\(`,
				Message: "evaluates dynamically constructed code",
			},
			{
				Name:    "hardcoded-credential",
				Pattern: `(?i)\b(api[_-]?key|secret|password|passwd|access[_-]?token|auth[_-]?token)\b["']?\s*[:=]\s*["'][^"'\s]{8,}["']`,
				Message: "hard-codes a credential",
			},
			{
				Name:    "aws-access-key",
				Pattern: `\bAKIA[0-9A-Z]{16}\b`,
				Message: "contains an AWS access key id",
			},
			{
				Name:    "private-key",
				Pattern: `-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`,
				Message: "contains a private key",
			},
			{
				Name:    "github-token",
				Pattern: `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
				Message: "contains a GitHub token",
			},
			{
				Name:    "destructive-shell",
				Pattern: `\brm\s+-rf\s+/`,
				Message: "recursively deletes from the filesystem root",
			},
			{
				Name:    "sql-drop",
				Pattern: `(?i)\bDROP\s+(TABLE|DATABASE|SCHEMA)\b`,
				Message: "drops database objects",
			},
		},
		MaxFilesWarning: 10,
		SchemaPatterns:  []string{"**/schema.prisma", "**/migrations/**", "**/*.sql"},
	}
}

// LoadPolicy reads a YAML policy file and merges it onto the defaults.
// Deny paths and rules in the file are added; built-in deny paths always stay.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read guardrail policy: %w", err)
	}
	var fromFile Policy
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Policy{}, fmt.Errorf("failed to parse guardrail policy: %w", err)
	}

	p := DefaultPolicy()
	p.DenyPaths = append(p.DenyPaths, fromFile.DenyPaths...)
	p.SensitiveAreas = append(p.SensitiveAreas, fromFile.SensitiveAreas...)
	p.ContentRules = append(p.ContentRules, fromFile.ContentRules...)
	p.SchemaPatterns = append(p.SchemaPatterns, fromFile.SchemaPatterns...)
	if fromFile.MaxFilesWarning > 0 {
		p.MaxFilesWarning = fromFile.MaxFilesWarning
	}
	return p, nil
}

type compiledArea struct {
	name string
	re   *regexp.Regexp
}

type compiledRule struct {
	name    string
	message string
	re      *regexp.Regexp
}

type compiledPolicy struct {
	src      Policy
	deny     []globPattern
	areas    []compiledArea
	rules    []compiledRule
	schema   []globPattern
	maxFiles int
}

func compile(p Policy, protected []string) (*compiledPolicy, error) {
	cp := &compiledPolicy{src: p, maxFiles: p.MaxFilesWarning}

	// Built-ins are compiled even if the caller built a Policy by hand without them.
	deny := append(append([]string(nil), builtinDenyPaths...), protected...)
	for _, g := range append(deny, p.DenyPaths...) {
		gp, err := compileGlob(g)
		if err != nil {
			return nil, fmt.Errorf("deny path %q: %w", g, err)
		}
		cp.deny = append(cp.deny, gp)
	}
	for _, a := range p.SensitiveAreas {
		re, err := regexp.Compile(a.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sensitive area %q: %w", a.Name, err)
		}
		cp.areas = append(cp.areas, compiledArea{name: a.Name, re: re})
	}
	for _, r := range p.ContentRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("content rule %q: %w", r.Name, err)
		}
		msg := r.Message
		if msg == "" {
			msg = "matches dangerous pattern " + r.Name
		}
		cp.rules = append(cp.rules, compiledRule{name: r.Name, message: msg, re: re})
	}
	for _, g := range p.SchemaPatterns {
		gp, err := compileGlob(g)
		if err != nil {
			return nil, fmt.Errorf("schema pattern %q: %w", g, err)
		}
		cp.schema = append(cp.schema, gp)
	}
	return cp, nil
}
