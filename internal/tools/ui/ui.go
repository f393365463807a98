package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	frame   int
	started time.Time
	done    bool
	details []string
	err     error
	cancel  context.CancelFunc
}

func (m model) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
		}
		return m, nil
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case doneMsg:
		m.done, m.details, m.err = true, msg.details, msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	elapsed := time.Since(m.started).Round(time.Second)
	switch {
	case !m.done:
		fmt.Fprintf(&b, "%s %s %s\n", spinnerFrames[m.frame], titleStyle.Render(m.title), detailStyle.Render(elapsed.String()))
	case m.err != nil:
		fmt.Fprintf(&b, "%s %s\n", errStyle.Render("✗"), titleStyle.Render(m.title))
	default:
		fmt.Fprintf(&b, "%s %s %s\n", okStyle.Render("✓"), titleStyle.Render(m.title), detailStyle.Render(elapsed.String()))
	}
	for _, d := range m.details {
		b.WriteString(detailStyle.Render(d) + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("  "+m.err.Error()) + "\n")
	}
	return b.String()
}

// Run shows a spinner while fn runs and prints its details when it returns.
// Pressing q or ctrl+c cancels fn's context.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(model{title: title, started: time.Now(), cancel: cancel})
	go func() {
		details, err := fn(ctx)
		p.Send(doneMsg{details: details, err: err})
	}()
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("run ui: %w", err)
	}
	m := final.(model)
	return m.details, m.err
}
