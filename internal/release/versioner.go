package release

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/leodido/go-conventionalcommits"
	"github.com/leodido/go-conventionalcommits/parser"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// InitialVersion is the base when no previous release exists.
const InitialVersion = "0.0.0"

const breakingPrefix = "BREAKING CHANGE:"

// Versioner classifies commits and derives release versions. It is safe for
// concurrent use.
type Versioner struct {
	mu      sync.Mutex
	machine conventionalcommits.Machine
}

// NewVersioner returns a Versioner that accepts the standard conventional
// commit types.
func NewVersioner() *Versioner {
	return &Versioner{
		machine: parser.NewMachine(parser.WithTypes(conventionalcommits.TypesConventional)),
	}
}

// Next computes the release that follows base for commits. The bump is the
// highest found: major, then minor, then patch. Commits that do not follow
// the convention are ignored.
func (v *Versioner) Next(base string, commits []pipeline.Commit) (*pipeline.ReleaseVersion, error) {
	if strings.TrimSpace(base) == "" {
		base = InitialVersion
	}
	prev, err := semver.NewVersion(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base version %q: %w", base, err)
	}

	rv := &pipeline.ReleaseVersion{Previous: prev.String(), Bump: pipeline.BumpNone}
	for _, c := range commits {
		entry, bump, ok := v.Classify(c)
		if !ok {
			continue
		}
		rv.Changelog = append(rv.Changelog, entry)
		if rank(bump) > rank(rv.Bump) {
			rv.Bump = bump
		}
	}

	next := *prev
	switch rv.Bump {
	case pipeline.BumpMajor:
		next = prev.IncMajor()
	case pipeline.BumpMinor:
		next = prev.IncMinor()
	case pipeline.BumpPatch:
		next = prev.IncPatch()
	}
	rv.Version = next.String()
	return rv, nil
}

// Classify parses one commit. ok is false for non-conventional messages.
func (v *Versioner) Classify(c pipeline.Commit) (pipeline.ChangelogEntry, pipeline.Bump, bool) {
	subject := strings.TrimSpace(c.Subject)
	if desc, found := strings.CutPrefix(subject, breakingPrefix); found {
		return pipeline.ChangelogEntry{
			Type:        "breaking",
			Description: strings.TrimSpace(desc),
			SHA:         c.SHA,
			Breaking:    true,
		}, pipeline.BumpMajor, true
	}

	cc, ok := v.parse(subject, c.Body)
	if !ok {
		return pipeline.ChangelogEntry{}, pipeline.BumpNone, false
	}
	entry := pipeline.ChangelogEntry{
		Type:        cc.Type,
		Description: cc.Description,
		SHA:         c.SHA,
		Breaking:    cc.IsBreakingChange(),
	}
	if cc.Scope != nil {
		entry.Scope = *cc.Scope
	}

	switch {
	case entry.Breaking:
		return entry, pipeline.BumpMajor, true
	case cc.IsFeat():
		return entry, pipeline.BumpMinor, true
	case cc.IsFix(), cc.Type == "perf":
		return entry, pipeline.BumpPatch, true
	default:
		return entry, pipeline.BumpNone, true
	}
}

// parse tries the full message first so footers are seen, then falls back
// to the subject alone when the body does not follow the grammar.
func (v *Versioner) parse(subject, body string) (*conventionalcommits.ConventionalCommit, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	candidates := []string{subject}
	if body = strings.TrimSpace(body); body != "" {
		candidates = []string{subject + "\n\n" + body, subject}
	}
	for _, msg := range candidates {
		m, err := v.machine.Parse([]byte(msg))
		if err != nil || m == nil {
			continue
		}
		if cc, ok := m.(*conventionalcommits.ConventionalCommit); ok && cc.Ok() {
			if strings.Contains(body, breakingPrefix) {
				cc.Exclamation = true
			}
			return cc, true
		}
	}
	return nil, false
}

func rank(b pipeline.Bump) int {
	switch b {
	case pipeline.BumpMajor:
		return 3
	case pipeline.BumpMinor:
		return 2
	case pipeline.BumpPatch:
		return 1
	default:
		return 0
	}
}
