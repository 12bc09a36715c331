package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// statusStyle colours a status the way the dashboard does: green for
// success, yellow for in-flight, red for failure and grey otherwise.
func statusStyle(s pipeline.Status) lipgloss.Style {
	switch s {
	case pipeline.StatusSucceeded:
		return healthyStyle
	case pipeline.StatusRunning, pipeline.StatusPending:
		return warningStyle
	case pipeline.StatusFailed:
		return errorStyle
	default:
		return dimStyle
	}
}

func renderRun(w io.Writer, r *pipeline.Run) {
	var b strings.Builder
	b.WriteString(headerStyle.Render(r.ID))
	b.WriteString(" ")
	b.WriteString(statusStyle(r.Status).Render(string(r.Status)))
	if r.Terminal {
		b.WriteString(dimStyle.Render(" (final)"))
	}
	b.WriteString("\n\n")

	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label)), value)
		}
	}
	field("Trigger", fmt.Sprintf("%s by %s on %s", r.Trigger.Kind, orDash(r.Trigger.Actor), r.Trigger.Branch))
	field("Head", r.Changes.Head)
	field("Projects", strings.Join(r.ProjectIDs(), ", "))
	if r.Degraded {
		field("Degraded", r.DegradedReason)
	}
	field("Reason", r.Reason)
	if r.Release != nil {
		field("Release", fmt.Sprintf("%s -> %s (%s)", r.Release.Previous, r.Release.Version, r.Release.Bump))
	}
	field("Created", r.CreatedAt.Local().Format(time.DateTime))

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Stages"))
	b.WriteString("\n")
	for _, st := range pipeline.AllStages() {
		res, ok := r.Stages[st]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-11s %s", st, statusStyle(res.Status).Render(string(res.Status)))
		if res.Reason != "" {
			b.WriteString(dimStyle.Render("  " + res.Reason))
		}
		b.WriteString("\n")

		projects := make([]string, 0, len(res.Outcomes))
		for p := range res.Outcomes {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		for _, p := range projects {
			o := res.Outcomes[p]
			fmt.Fprintf(&b, "    %-20s %s", p, statusStyle(o.Status).Render(string(o.Status)))
			if o.Detail.Message != "" {
				b.WriteString(dimStyle.Render("  " + o.Detail.Message))
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintln(w, containerStyle.Render(strings.TrimRight(b.String(), "\n")))
}

func renderList(w io.Writer, runs []*pipeline.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs"))
		return
	}
	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("%-36s %-10s %-20s %s", "RUN", "STATUS", "BRANCH", "CREATED")))
	for _, r := range runs {
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status))
		fmt.Fprintf(w, "%-36s %s %-20s %s\n", r.ID, status, r.Trigger.Branch, dimStyle.Render(r.CreatedAt.Local().Format(time.DateTime)))
	}
}

func renderHistory(w io.Writer, ts []pipeline.Transition) {
	if len(ts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no transitions"))
		return
	}
	for _, t := range ts {
		scope := "run"
		switch {
		case t.Project != "":
			scope = string(t.Stage) + "/" + t.Project
		case t.Stage != "":
			scope = string(t.Stage)
		}
		fmt.Fprintf(w, "%s  %-28s %s -> %s\n",
			dimStyle.Render(t.At.Local().Format(time.DateTime)),
			scope,
			statusStyle(t.From).Render(orDash(string(t.From))),
			statusStyle(t.To).Render(string(t.To)),
		)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
