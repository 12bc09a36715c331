// Package monitor implements the live run dashboard shown by
// conveyorctl watch.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	serverURL  string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	// Active run counts, oldest first.
	activeHistory []float64

	successProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

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
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard that polls source every interval. serverURL
// is only displayed.
func NewModel(source Source, serverURL string, interval time.Duration) Model {
	return Model{
		source:        source,
		serverURL:     serverURL,
		interval:      interval,
		now:           time.Now,
		activeHistory: make([]float64, 0, historySize),
		successProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

func statusBadge(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return healthyStyle.Render("✓ " + string(s))
	case pipeline.StatusRunning, pipeline.StatusPending:
		return warningStyle.Render("● " + string(s))
	case pipeline.StatusFailed:
		return errorStyle.Render("✗ " + string(s))
	default:
		return dimStyle.Render("- " + string(s))
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := source.Snapshot(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source),
		)

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.activeHistory = appendToHistory(m.activeHistory, float64(len(msg.Active)))
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" conveyor Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach the conveyor server") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	now := m.now()

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" conveyor Monitor ") + "\n")
	b.WriteString(dimStyle.Render(m.serverURL) + "   " + dimStyle.Render(lastUpdate) + "\n")

	// Throughput
	b.WriteString("\n" + sectionStyle.Render("┃ Runs") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(m.snapshot.Active))) +
		"   " + createSparkline(m.activeHistory) + "\n")

	counts := m.snapshot.Counts()
	statuses := make([]string, 0, len(counts))
	for _, st := range []pipeline.Status{
		pipeline.StatusRunning, pipeline.StatusPending, pipeline.StatusSucceeded,
		pipeline.StatusFailed, pipeline.StatusCancelled, pipeline.StatusSkipped,
	} {
		if n := counts[st]; n > 0 {
			statuses = append(statuses, fmt.Sprintf("%s=%s", st, valueStyle.Render(fmt.Sprintf("%d", n))))
		}
	}
	if len(statuses) == 0 {
		statuses = append(statuses, dimStyle.Render("none"))
	}
	b.WriteString(labelStyle.Render("  Recent: ") + strings.Join(statuses, "  ") + "\n")

	ratio := m.snapshot.SuccessRatio()
	b.WriteString(labelStyle.Render("  Success: ") +
		m.successProgress.ViewAs(ratio) + " " + dimStyle.Render(FormatPercentage(ratio)) + "\n")

	// Gates
	waiting := m.snapshot.AwaitingApproval()
	b.WriteString("\n" + sectionStyle.Render("┃ Waiting on gates") + "\n")
	if len(waiting) == 0 {
		b.WriteString(dimStyle.Render("  nothing waiting") + "\n")
	}
	for _, r := range waiting {
		for _, st := range pipeline.AllStages() {
			res, ok := r.Stages[st]
			if !ok || res.Status != pipeline.StatusPending || res.Reason == "" {
				continue
			}
			b.WriteString(fmt.Sprintf("  %-36s %-11s %s\n", r.ID, st, dimStyle.Render(res.Reason)))
		}
	}

	// Recent runs, newest first.
	b.WriteString("\n" + sectionStyle.Render("┃ Recent") + "\n")
	recent := append([]*pipeline.Run(nil), m.snapshot.Recent...)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) == 0 {
		b.WriteString(dimStyle.Render("  no runs yet") + "\n")
	}
	for _, r := range recent {
		b.WriteString(fmt.Sprintf("  %-36s %-24s %-20s %s\n",
			r.ID, statusBadge(r.Status), r.Trigger.Branch, dimStyle.Render(FormatAge(r.CreatedAt, now))))
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
