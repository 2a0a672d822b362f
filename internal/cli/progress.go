package cli

import (
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/intentmix/internal/generate"
)

// Theme holds the color scheme for the progress display and run report.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// batchMsg carries a finished batch from the orchestrator.
type batchMsg generate.BatchResult

// runDoneMsg ends the program.
type runDoneMsg struct {
	summary generate.Summary
	err     error
}

// progressModel is the bubbletea model for a generation run.
type progressModel struct {
	planned  int
	target   int
	last     *generate.BatchResult
	progress progress.Model
	theme    Theme

	// First Ctrl+C stops after the current batch, the second cancels.
	onStop   func()
	onCancel func()
	stopping bool

	done    bool
	summary generate.Summary
	err     error
}

func newProgressModel(planned, target int, onStop, onCancel func()) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		planned:  planned,
		target:   target,
		progress: prog,
		theme:    defaultTheme,
		onStop:   onStop,
		onCancel: onCancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.stopping {
				m.stopping = true
				if m.onStop != nil {
					m.onStop()
				}
			} else if m.onCancel != nil {
				m.onCancel()
			}
		}
		return m, nil

	case batchMsg:
		res := generate.BatchResult(msg)
		m.last = &res
		return m, nil

	case runDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		if m.err != nil {
			return m.theme.errorStyle().Render(fmt.Sprintf("✗ Run aborted: %s", m.err)) + "\n"
		}
		return m.theme.completedStyle().Render("✓ Run finished") + "\n"
	}

	if m.last == nil {
		return m.theme.statusStyle().Render(fmt.Sprintf("[batch 1/%d]", m.planned)) + " waiting for the first batch...\n"
	}

	var pct float64
	if m.planned > 0 {
		pct = float64(m.last.Batch) / float64(m.planned)
	}
	totals := m.last.Totals

	status := m.theme.statusStyle().Render(fmt.Sprintf("[batch %d/%d]", m.last.Batch, m.planned))
	counts := fmt.Sprintf("%d/%d questions", totals.Generated, m.target)
	detail := fmt.Sprintf("mix %s · %d dup · %d invalid · %d failed batches",
		m.last.Mix, totals.RejectedDuplicate, totals.RejectedInvalid, totals.FailedBatches)

	hint := "Press Ctrl+C to stop after the current batch"
	if m.stopping {
		hint = "Stopping after the current batch. Press Ctrl+C again to cancel"
	}
	return fmt.Sprintf("%s %s %s\n%s\n%s\n", status, m.progress.ViewAs(pct), counts,
		m.theme.hintStyle().Render(detail), m.theme.hintStyle().Render(hint))
}

// progressUI shows live batch progress while run executes.
type progressUI struct {
	program *tea.Program
}

func newProgressUI(planned, target int, onStop, onCancel func()) *progressUI {
	return &progressUI{program: tea.NewProgram(newProgressModel(planned, target, onStop, onCancel))}
}

// Observe forwards a finished batch to the display.
func (u *progressUI) Observe(res generate.BatchResult) {
	u.program.Send(batchMsg(res))
}

// Run executes run on its own goroutine and blocks until both run and the
// display have finished.
func (u *progressUI) Run(run func() (generate.Summary, error)) (generate.Summary, error) {
	var (
		sum    generate.Summary
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sum, runErr = run()
		u.program.Send(runDoneMsg{summary: sum, err: runErr})
	}()

	if _, err := u.program.Run(); err != nil {
		<-done
		return sum, fmt.Errorf("progress UI error: %w", err)
	}
	<-done
	return sum, runErr
}
