// Package tui provides the terminal watch view for taskweave workflows.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Source is what the watch view reads from and controls.
type Source interface {
	Status(ctx context.Context, id string) (*orchestrator.StatusReport, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (models.WorkflowStatus, error)
	Cancel(ctx context.Context, id string, cancelInFlight bool) error
}

// DefaultRefresh is the poll interval used when none is given.
const DefaultRefresh = 500 * time.Millisecond

// statusMsg carries the result of one Status poll.
type statusMsg struct {
	report *orchestrator.StatusReport
	err    error
}

// tickMsg triggers the next poll.
type tickMsg time.Time

// actionMsg reports the outcome of a control key.
type actionMsg struct {
	verb string
	err  error
}

// Watch is a bubbletea model that polls one workflow and renders its tasks.
type Watch struct {
	src      Source
	id       string
	interval time.Duration
	timeout  time.Duration

	report  *orchestrator.StatusReport
	lastErr error
	notice  string
	width   int
	height  int

	table    table.Model
	progress progress.Model

	titleStyle  lipgloss.Style
	labelStyle  lipgloss.Style
	noticeStyle lipgloss.Style
	errorStyle  lipgloss.Style
	helpStyle   lipgloss.Style
	statusStyle map[string]lipgloss.Style
}

// NewWatch creates a watch view for workflow id. A zero interval uses
// DefaultRefresh.
func NewWatch(src Source, id string, interval time.Duration) *Watch {
	if interval <= 0 {
		interval = DefaultRefresh
	}

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithWidth(80),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("236")).
		Bold(true)
	t.SetStyles(styles)

	return &Watch{
		src:      src,
		id:       id,
		interval: interval,
		timeout:  5 * time.Second,
		width:    80,
		table:    t,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		noticeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		statusStyle: map[string]lipgloss.Style{
			string(models.WorkflowStatusRunning):   lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
			string(models.WorkflowStatusPaused):    lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			string(models.WorkflowStatusCompleted): lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true),
			string(models.WorkflowStatusFailed):    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			string(models.WorkflowStatusCanceled):  lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Bold(true),
			string(models.WorkflowStatusDegraded):  lipgloss.NewStyle().Foreground(lipgloss.Color("201")).Bold(true),
		},
	}
}

// NewWatchProgram wraps a Watch in a full-screen program.
func NewWatchProgram(src Source, id string, interval time.Duration) (*tea.Program, *Watch) {
	w := NewWatch(src, id, interval)
	return tea.NewProgram(w, tea.WithAltScreen()), w
}

// Report returns the last report received, or nil.
func (w *Watch) Report() *orchestrator.StatusReport { return w.report }

// Err returns the last poll or control error.
func (w *Watch) Err() error { return w.lastErr }

func columns(width int) []table.Column {
	desc := width - 12 - 10 - 8 - 8 - 10
	if desc < 16 {
		desc = 16
	}
	return []table.Column{
		{Title: "Task", Width: 12},
		{Title: "Status", Width: 10},
		{Title: "Prio", Width: 4},
		{Title: "Tries", Width: 5},
		{Title: "Detail", Width: desc},
	}
}

// Init starts the first poll.
func (w *Watch) Init() tea.Cmd {
	return w.fetch()
}

func (w *Watch) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		report, err := w.src.Status(ctx, w.id)
		return statusMsg{report: report, err: err}
	}
}

func (w *Watch) tick() tea.Cmd {
	return tea.Tick(w.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (w *Watch) act(verb string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		return actionMsg{verb: verb, err: fn(ctx)}
	}
}

// Update handles input messages.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		w.table.SetColumns(columns(msg.Width))
		w.table.SetWidth(msg.Width)
		if h := msg.Height - 9; h > 3 {
			w.table.SetHeight(h)
		}
		if pw := msg.Width - 20; pw > 10 {
			w.progress.Width = pw
		}
		return w, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return w, tea.Quit
		case "p":
			return w, w.act("pause", func(ctx context.Context) error {
				return w.src.Pause(ctx, w.id)
			})
		case "r":
			return w, w.act("resume", func(ctx context.Context) error {
				_, err := w.src.Resume(ctx, w.id)
				return err
			})
		case "c":
			return w, w.act("cancel", func(ctx context.Context) error {
				return w.src.Cancel(ctx, w.id, false)
			})
		case "C":
			return w, w.act("cancel in-flight", func(ctx context.Context) error {
				return w.src.Cancel(ctx, w.id, true)
			})
		}
		var cmd tea.Cmd
		w.table, cmd = w.table.Update(msg)
		return w, cmd

	case tickMsg:
		return w, w.fetch()

	case statusMsg:
		if msg.err != nil {
			w.lastErr = msg.err
		} else {
			w.lastErr = nil
			w.report = msg.report
			w.table.SetRows(rows(msg.report))
		}
		return w, w.tick()

	case actionMsg:
		if msg.err != nil {
			w.lastErr = fmt.Errorf("%s: %w", msg.verb, msg.err)
			return w, nil
		}
		w.notice = msg.verb + " requested"
		return w, w.fetch()
	}
	return w, nil
}

func rows(report *orchestrator.StatusReport) []table.Row {
	if report == nil {
		return nil
	}
	out := make([]table.Row, 0, len(report.Tasks))
	for _, tv := range report.Tasks {
		detail := tv.Description
		switch {
		case tv.Error != "":
			detail = tv.Error
		case tv.Status == models.TaskStatusRetrying && tv.EligibleAt != nil:
			detail = "retry in " + time.Until(*tv.EligibleAt).Round(100*time.Millisecond).String()
		case tv.Result != "":
			detail = firstLine(tv.Result)
		}
		out = append(out, table.Row{
			tv.ID,
			string(tv.Status),
			fmt.Sprintf("%d", tv.Priority),
			fmt.Sprintf("%d", tv.Attempts),
			detail,
		})
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// View renders the watch screen.
func (w *Watch) View() string {
	var b strings.Builder

	b.WriteString(w.titleStyle.Render("taskweave · " + w.id))
	b.WriteString("\n")

	if w.report == nil {
		if w.lastErr != nil {
			b.WriteString(w.errorStyle.Render(w.lastErr.Error()))
		} else {
			b.WriteString(w.noticeStyle.Render("loading..."))
		}
		b.WriteString("\n")
		b.WriteString(w.help())
		return b.String()
	}

	wf := w.report.Workflow
	status := string(wf.Status)
	style, ok := w.statusStyle[status]
	if !ok {
		style = lipgloss.NewStyle()
	}
	b.WriteString(w.labelStyle.Render("Status:"))
	b.WriteString(style.Render(status))
	if w.report.Local {
		b.WriteString(w.noticeStyle.Render("  (local)"))
	}
	b.WriteString("\n")

	b.WriteString(w.labelStyle.Render("Progress:"))
	b.WriteString(w.progress.ViewAs(w.report.Percent / 100))
	b.WriteString(fmt.Sprintf(" %d/%d", w.report.Completed, w.report.Total))
	b.WriteString("\n")

	if w.report.Reason != "" {
		b.WriteString(w.labelStyle.Render("Reason:"))
		b.WriteString(w.errorStyle.Render(w.report.Reason))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(w.table.View())
	b.WriteString("\n")

	if w.lastErr != nil {
		b.WriteString(w.errorStyle.Render(w.lastErr.Error()))
		b.WriteString("\n")
	} else if w.notice != "" {
		b.WriteString(w.noticeStyle.Render(w.notice))
		b.WriteString("\n")
	}
	if wf.Status.Terminal() {
		b.WriteString(w.noticeStyle.Render("workflow finished"))
		b.WriteString("\n")
	}
	b.WriteString(w.help())
	return b.String()
}

func (w *Watch) help() string {
	return w.helpStyle.Render("p pause · r resume · c cancel · C cancel in-flight · q quit")
}
