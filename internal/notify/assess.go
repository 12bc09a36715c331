package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/secrets"
)

// maxSubjectRunes bounds the commit subject quoted in a summary.
const maxSubjectRunes = 100

// Assessment is the summary and risk score attached to a run.
type Assessment struct {
	Summary   string
	RiskScore float64
}

// Assessor derives an Assessment from a run's changes.
type Assessor interface {
	Assess(ctx context.Context, run *pipeline.Run) Assessment
}

type riskRule struct {
	keywords []string
	score    float64
}

// riskRules are checked in order; the first match wins.
var riskRules = []riskRule{
	{keywords: []string{"security fix", "vulnerability"}, score: 0.8},
	{keywords: []string{"hotfix", "critical bug"}, score: 0.7},
	{keywords: []string{"new feature"}, score: 0.6},
}

const defaultRisk = 0.5

// KeywordAssessor scores risk by keywords in commit messages.
type KeywordAssessor struct {
	redactor *secrets.Redactor
}

// NewKeywordAssessor returns an assessor whose summaries are scrubbed by r.
// A nil redactor leaves text unchanged.
func NewKeywordAssessor(r *secrets.Redactor) *KeywordAssessor {
	return &KeywordAssessor{redactor: r}
}

// Assess implements Assessor.
func (a *KeywordAssessor) Assess(_ context.Context, run *pipeline.Run) Assessment {
	return Assessment{
		Summary:   a.redactor.String(summarize(run)),
		RiskScore: riskScore(run.Changes.Commits),
	}
}

func summarize(run *pipeline.Run) string {
	commits := run.Changes.Commits
	projects := "no projects"
	if ids := run.ProjectIDs(); len(ids) > 0 {
		projects = strings.Join(ids, ", ")
	}
	s := fmt.Sprintf("%d commit(s) affecting %s", len(commits), projects)
	if len(commits) == 0 {
		return s
	}
	subject := strings.TrimSpace(commits[0].Subject)
	if r := []rune(subject); len(r) > maxSubjectRunes {
		subject = string(r[:maxSubjectRunes]) + "..."
	}
	return s + ": " + subject
}

func riskScore(commits []pipeline.Commit) float64 {
	var b strings.Builder
	for _, c := range commits {
		b.WriteString(strings.ToLower(c.Subject))
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(c.Body))
		b.WriteByte('\n')
	}
	text := b.String()
	for _, rule := range riskRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.score
			}
		}
	}
	return defaultRisk
}
