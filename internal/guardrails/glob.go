package guardrails

import (
	"path"
	"regexp"
	"strings"
)

type globPattern struct {
	glob string
	re   *regexp.Regexp
}

func (g globPattern) match(p string) bool {
	return g.re.MatchString(p)
}

// compileGlob converts a glob with ** support into an anchored,
// case-insensitive regular expression.
func compileGlob(glob string) (globPattern, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
				if i+1 < len(glob) && glob[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return globPattern{}, err
	}
	return globPattern{glob: glob, re: re}, nil
}

// normalizePath makes a repository-relative, slash-separated path.
// The second return value is false when the path is empty or escapes the
// repository through a parent reference.
func normalizePath(p string) (string, bool) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// MatchGlob reports whether the repository path p matches glob, using the
// same ** semantics as policy deny entries.
func MatchGlob(glob, p string) (bool, error) {
	g, err := compileGlob(glob)
	if err != nil {
		return false, err
	}
	normalized, ok := normalizePath(p)
	if !ok {
		return false, nil
	}
	return g.match(normalized), nil
}
