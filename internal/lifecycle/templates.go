package lifecycle

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/jordanhubbard/holly/pkg/models"
)

var prBodyTemplate = template.Must(template.New("pr").Parse(`## Description

{{.ProblemStatement}}

## Approach

{{.SolutionApproach}}

## Governance

- Improvement: ` + "`{{.ID}}`" + `
- Trigger: {{.TriggerType}}
- Risk level: {{.RiskLevel}}
- Disposition: {{.Disposition}}
- Lines changed: {{.LinesChanged}}
{{- if .DecisionRationale}}

> {{.DecisionRationale}}
{{- end}}
{{- if .Files}}

## Files Changed
{{range .Files}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}

---
Opened automatically by holly. {{if eq .Disposition "AUTO_APPROVE"}}This change met the auto-approval bar.{{else}}A human review is required before merge.{{end}}
`))

type prBodyData struct {
	*models.Improvement
	Files []string
}

// PRTitle is the first line of the problem statement, trimmed to fit.
func PRTitle(imp *models.Improvement) string {
	title := strings.TrimSpace(strings.SplitN(imp.ProblemStatement, "\n", 2)[0])
	if len(title) > 72 {
		title = strings.TrimSpace(title[:69]) + "..."
	}
	return "[holly] " + title
}

// PRBody renders the pull request description.
func PRBody(imp *models.Improvement) (string, error) {
	var buf bytes.Buffer
	data := prBodyData{Improvement: imp}
	if len(imp.FilesChanged) <= 20 {
		data.Files = imp.FilesChanged
	}
	if err := prBodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render pull request body: %w", err)
	}
	return buf.String(), nil
}

// RevertTitle names the pull request that reverts a failed deployment.
func RevertTitle(imp *models.Improvement) string {
	return "[holly] Revert #" + fmt.Sprint(imp.PRNumber) + ": " + strings.TrimPrefix(PRTitle(imp), "[holly] ")
}

// RevertBody explains why a merged improvement is being reverted.
func RevertBody(imp *models.Improvement) string {
	return fmt.Sprintf("Deployment of improvement `%s` failed: %s\n\nThis reverts #%d.\n\n---\nOpened automatically by holly.",
		imp.ID, imp.FailureReason, imp.PRNumber)
}

// CommitMessage builds a conventional commit message for one file of an
// improvement.
func CommitMessage(imp *models.Improvement, file string) string {
	kind := commitType(imp, file)
	subject := "update " + strings.TrimSuffix(path.Base(file), path.Ext(file))
	scope := path.Base(path.Dir(file))
	header := kind + ": " + subject
	if scope != "." && scope != "/" {
		header = fmt.Sprintf("%s(%s): %s", kind, scope, subject)
	}
	return fmt.Sprintf("%s\n\n%s\n\nImprovement: %s\nRisk: %s", header, firstLine(imp.SolutionApproach), imp.ID, imp.RiskLevel)
}

func commitType(imp *models.Improvement, file string) string {
	lower := strings.ToLower(file)
	switch {
	case imp.TriggerType == models.TriggerBugReport || strings.Contains(lower, "fix"):
		return "fix"
	case strings.HasSuffix(lower, "_test.go") || strings.Contains(lower, "test"):
		return "test"
	case strings.HasSuffix(lower, ".md"):
		return "docs"
	case strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".json"):
		return "chore"
	default:
		return "feat"
	}
}

func firstLine(s string) string {
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}
