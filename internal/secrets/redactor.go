package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding describes one detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// Result is the redacted text and what was removed from it.
type Result struct {
	Text     string    `json:"text"`
	Findings []Finding `json:"findings,omitempty"`
}

// Redactor scrubs secrets using the gitleaks default configuration.
// The underlying detector is not safe for concurrent use, so calls are
// serialized.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a Redactor. allow holds extra regular expressions whose
// matches are never treated as secrets.
func NewRedactor(allow ...string) (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	if len(allow) > 0 {
		al := &gitleaksConfig.Allowlist{Description: "conveyor allowlist"}
		for _, pattern := range allow {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("allowlist pattern %q: %w", pattern, err)
			}
			al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		d.Config.Allowlists = append(d.Config.Allowlists, al)
	}
	return &Redactor{detector: d}, nil
}

// Redact returns text with every detected secret replaced.
func (r *Redactor) Redact(text string) Result {
	if r == nil || strings.TrimSpace(text) == "" {
		return Result{Text: text}
	}

	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()

	if len(found) == 0 {
		return Result{Text: text}
	}

	// Longest secrets first so a secret that contains another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})

	res := Result{Findings: make([]Finding, 0, len(found))}
	for _, f := range found {
		res.Findings = append(res.Findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
		if f.Secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	res.Text = text
	return res
}

// String is shorthand for Redact(text).Text.
func (r *Redactor) String(text string) string {
	return r.Redact(text).Text
}
