// Package tui renders a live view of one session from realtime frames.
package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/sessiond/internal/realtime"
	"github.com/Iron-Ham/sessiond/internal/session"
)

const (
	defaultWidth = 80
	barWidth     = 30
	maxErrors    = 5
)

// frameMsg carries one frame from the subscription.
type frameMsg realtime.Frame

// closedMsg reports that the frame channel was closed.
type closedMsg struct{}

type taskRow struct {
	id     string
	worker string
	status string
	detail string
}

// Model is the bubbletea model for the watch view.
type Model struct {
	sessionID string
	frames    <-chan realtime.Frame
	spinner   spinner.Model
	width     int

	state    session.State
	reason   string
	progress float64
	eta      time.Time
	planned  realtime.PlanReadyPayload
	tasks    map[string]*taskRow
	order    []string
	errors   []realtime.ErrorAlertPayload

	done     bool
	quitting bool
}

// New creates a Model reading frames for sessionID.
func New(sessionID string, frames <-chan realtime.Frame) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return Model{
		sessionID: sessionID,
		frames:    frames,
		spinner:   sp,
		width:     defaultWidth,
		state:     session.StateInitializing,
		tasks:     make(map[string]*taskRow),
	}
}

func waitForFrame(frames <-chan realtime.Frame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-frames
		if !ok {
			return closedMsg{}
		}
		return frameMsg(f)
	}
}

// Init starts the spinner and the frame reader.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForFrame(m.frames))
}

// Update applies key presses, resizes, spinner ticks, and frames.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case frameMsg:
		m.apply(realtime.Frame(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, waitForFrame(m.frames)

	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(f realtime.Frame) {
	if f.SessionID != m.sessionID && f.UpdateType != realtime.UpdateErrorAlert {
		return
	}
	switch p := f.Data.(type) {
	case realtime.StateChangePayload:
		m.state = p.To
		m.progress = max(m.progress, p.Progress)
		if p.Reason != "" {
			m.reason = p.Reason
		}
		m.done = p.To.IsTerminal()
		if p.To == session.StateCompleted {
			m.progress = 100
		}
	case realtime.ProgressPayload:
		m.progress = max(m.progress, p.Progress)
		m.eta = p.EstimatedCompletion
	case realtime.PlanReadyPayload:
		m.planned = p
	case realtime.TaskProgressPayload:
		row, ok := m.tasks[p.TaskID]
		if !ok {
			row = &taskRow{id: p.TaskID}
			m.tasks[p.TaskID] = row
			m.order = append(m.order, p.TaskID)
		}
		row.worker = p.Worker
		row.status = p.Status
		row.detail = taskDetail(p)
	case realtime.ErrorAlertPayload:
		if f.SessionID != m.sessionID {
			return
		}
		m.errors = append(m.errors, p)
		if len(m.errors) > maxErrors {
			m.errors = slices.Delete(m.errors, 0, len(m.errors)-maxErrors)
		}
	}
}

func taskDetail(p realtime.TaskProgressPayload) string {
	var parts []string
	if p.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", p.Attempts))
	}
	if p.Duration > 0 {
		parts = append(parts, p.Duration.Round(time.Millisecond).String())
	}
	if p.Confidence > 0 {
		parts = append(parts, fmt.Sprintf("confidence %.2f", p.Confidence))
	}
	if p.Degraded {
		parts = append(parts, "degraded")
	}
	return strings.Join(parts, ", ")
}

// State returns the last session state seen.
func (m Model) State() session.State { return m.state }

// Reason returns the last transition reason seen.
func (m Model) Reason() string { return m.reason }

// Quitting reports whether the user left before the session finished.
func (m Model) Quitting() bool { return m.quitting && !m.done }

// View renders the watch screen.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(Title.Render("sessiond"))
	b.WriteString(" ")
	b.WriteString(Muted.Render(m.sessionID))
	b.WriteString("\n\n")

	status := fmt.Sprintf("%s  %s %5.1f%%", StateBadge(m.state), progressBar(m.progress), m.progress)
	if !m.eta.IsZero() && !m.done {
		status += Muted.Render("  eta " + m.eta.Format(time.Kitchen))
	}
	b.WriteString(m.line(status))
	if m.reason != "" {
		b.WriteString(m.line(Muted.Render(m.reason)))
	}
	if m.planned.TotalTasks > 0 {
		b.WriteString(m.line(Muted.Render(fmt.Sprintf("%d tasks in %d phases, workers: %s",
			m.planned.TotalTasks, m.planned.Phases, strings.Join(m.planned.Workers, ", ")))))
	}
	b.WriteString("\n")

	for _, id := range m.order {
		row := m.tasks[id]
		marker := " "
		if row.status == "running" {
			marker = m.spinner.View()
		}
		text := fmt.Sprintf("%s %-16s %-14s %s", marker, row.id, row.worker, TaskStatusStyle(row.status).Render(row.status))
		if row.detail != "" {
			text += Muted.Render("  " + row.detail)
		}
		b.WriteString(m.line(text))
	}

	if len(m.errors) > 0 {
		b.WriteString("\n")
		for _, e := range m.errors {
			text := fmt.Sprintf("! %s [%s] %s: %s", e.TaskID, e.Category, e.Worker, e.Message)
			b.WriteString(m.line(SeverityStyle(e.Severity).Render(text)))
		}
	}

	if !m.done {
		b.WriteString("\n")
		b.WriteString(Muted.Render("q to detach"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) line(s string) string {
	return Truncate(s, m.width) + "\n"
}

func progressBar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	filled = min(max(filled, 0), barWidth)
	return progressFilled.Render(strings.Repeat("█", filled)) +
		progressEmpty.Render(strings.Repeat("░", barWidth-filled))
}

// Truncate shortens s to width visible columns, keeping ANSI styling intact.
func Truncate(s string, width int) string {
	if width <= 3 {
		return "..."
	}
	if ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}
