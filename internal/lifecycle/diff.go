package lifecycle

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/jordanhubbard/holly/pkg/models"
)

// Footprint is what a unified diff actually touches.
type Footprint struct {
	Files        []string
	LinesChanged int
	// Added holds the added lines per file, for content scanning.
	Added map[string]string
}

// ParseFootprint recomputes files and changed lines from a unified diff.
func ParseFootprint(unified string) (Footprint, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return Footprint{}, fmt.Errorf("failed to parse diff: %w", err)
	}
	fp := Footprint{Added: make(map[string]string, len(fds))}
	var files []string
	for _, fd := range fds {
		name := diffPath(fd.NewName, "b/")
		if name == "" {
			name = diffPath(fd.OrigName, "a/")
		}
		if name == "" {
			continue
		}
		files = append(files, name)

		var added strings.Builder
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					fp.LinesChanged++
					added.WriteString(strings.TrimPrefix(line, "+"))
					added.WriteByte('\n')
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					fp.LinesChanged++
				}
			}
		}
		if added.Len() > 0 {
			fp.Added[name] += added.String()
		}
	}
	fp.Files = models.NormalizeSet(files)
	return fp, nil
}

func diffPath(name, prefix string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}
