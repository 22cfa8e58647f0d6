package installer

import (
	"bufio"
	"strings"

	"github.com/hashicorp/go-version"
)

// UnknownVersion is reported when no version can be found in a CHANGELOG.
const UnknownVersion = "unknown"

const changelogScanLines = 10

// ExtractVersion finds the release version near the top of a CHANGELOG.
// It accepts "Version 1.2.3", "v1.2.3", "## [1.2.3] - date" and bare
// "1.2.3" lines, and returns the version as written.
func ExtractVersion(changelog string) string {
	sc := bufio.NewScanner(strings.NewReader(changelog))
	for i := 0; i < changelogScanLines && sc.Scan(); i++ {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := cutFold(line, "version "); ok {
			if v := firstVersion(rest); v != "" {
				return v
			}
			continue
		}
		if v := firstVersion(line); v != "" {
			return v
		}
	}
	return UnknownVersion
}

func firstVersion(s string) string {
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '[' || r == ']' || r == '(' || r == ')' || r == ',' || r == ':'
	}) {
		candidate := strings.TrimPrefix(strings.TrimPrefix(field, "v"), "V")
		// go-version accepts bare integers; require at least major.minor.
		if !strings.Contains(candidate, ".") {
			continue
		}
		if _, err := version.NewVersion(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func cutFold(s, prefix string) (string, bool) {
	idx := strings.Index(strings.ToLower(s), prefix)
	if idx < 0 {
		return "", false
	}
	return s[idx+len(prefix):], true
}

// Newer reports whether candidate is a strictly higher version than current.
// Unparsable versions never compare as newer.
func Newer(candidate, current string) bool {
	c, err := version.NewVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := version.NewVersion(current)
	if err != nil {
		return true
	}
	return c.GreaterThan(cur)
}
