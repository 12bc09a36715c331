package release

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Changelog renders rv as markdown grouped into breaking changes, features
// and fixes. Other conventional types are omitted.
func Changelog(rv *pipeline.ReleaseVersion) string {
	if rv == nil {
		return ""
	}
	var breaking, feats, fixes []string
	for _, e := range rv.Changelog {
		line := "- " + e.Description
		if e.Scope != "" {
			line = fmt.Sprintf("- **%s:** %s", e.Scope, e.Description)
		}
		if e.SHA != "" {
			line += " (" + shortSHA(e.SHA) + ")"
		}
		switch {
		case e.Breaking:
			breaking = append(breaking, line)
		case e.Type == "feat":
			feats = append(feats, line)
		case e.Type == "fix", e.Type == "perf":
			fixes = append(fixes, line)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", rv.Version)
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", title, strings.Join(lines, "\n"))
	}
	section("Breaking Changes", breaking)
	section("Features", feats)
	section("Fixes", fixes)
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
