package lifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/pkg/models"
)

func TestParseFootprint(t *testing.T) {
	patch := `diff --git a/internal/report/summary.go b/internal/report/summary.go
--- a/internal/report/summary.go
+++ b/internal/report/summary.go
@@ -1,2 +1,3 @@
 package report
-var total = round(round(x))
+var total = round(x)
+var ok = true
diff --git a/docs/old.md b/docs/old.md
--- a/docs/old.md
+++ /dev/null
@@ -1,1 +0,0 @@
-gone
`
	fp, err := ParseFootprint(patch)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/old.md", "internal/report/summary.go"}, fp.Files)
	assert.Equal(t, 4, fp.LinesChanged)
	assert.Equal(t, "var total = round(x)\nvar ok = true\n", fp.Added["internal/report/summary.go"])
	assert.NotContains(t, fp.Added, "docs/old.md")
}

func TestPRBodyAndTitle(t *testing.T) {
	imp := &models.Improvement{
		ID:                "imp-1",
		TriggerType:       models.TriggerBugReport,
		ProblemStatement:  strings.Repeat("x", 100) + "\nsecond line",
		SolutionApproach:  "Fix it",
		RiskLevel:         models.RiskLow,
		Disposition:       models.ActionAutoApprove,
		DecisionRationale: "AUTO_APPROVE: table cell",
		FilesChanged:      []string{"a.go", "b.go"},
		LinesChanged:      12,
	}
	title := PRTitle(imp)
	assert.True(t, strings.HasPrefix(title, "[holly] "))
	assert.LessOrEqual(t, len(title), len("[holly] ")+72)

	body, err := PRBody(imp)
	require.NoError(t, err)
	assert.Contains(t, body, "- Risk level: low")
	assert.Contains(t, body, "- `b.go`")
	assert.Contains(t, body, "met the auto-approval bar")
}

func TestCommitMessage(t *testing.T) {
	imp := &models.Improvement{ID: "imp-2", TriggerType: models.TriggerUserRequest, SolutionApproach: "Round once\nmore detail", RiskLevel: models.RiskMedium}

	msg := CommitMessage(imp, "internal/report/summary.go")
	assert.True(t, strings.HasPrefix(msg, "feat(report): update summary\n\nRound once\n"))
	assert.Contains(t, msg, "Improvement: imp-2")

	imp.TriggerType = models.TriggerBugReport
	assert.True(t, strings.HasPrefix(CommitMessage(imp, "main.go"), "fix: update main"))
}
