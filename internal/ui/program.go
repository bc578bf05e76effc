package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

type taskDoneMsg struct{ err error }

// taskModel shows a spinner until the task it was started with finishes.
type taskModel struct {
	label   string
	spinner spinner.Model
	run     func() error
	err     error
	done    bool
}

func newTaskModel(label string, run func() error) taskModel {
	return taskModel{
		label: label,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(SpinnerStyle),
		),
		run: run,
	}
}

// Init implements tea.Model
func (m taskModel) Init() tea.Cmd {
	run := m.run
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return taskDoneMsg{err: run()}
	})
}

// Update implements tea.Model
func (m taskModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case taskDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model
func (m taskModel) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("  %s %s\n", m.spinner.View(), m.label)
}

// RunTask runs fn while a spinner labelled label animates on out. When out is
// not a terminal a single line is printed instead and fn runs directly.
func RunTask(out io.Writer, label string, fn func() error) error {
	if !IsTerminal(out) {
		_, _ = fmt.Fprintf(out, "%s...\n", label)
		return fn()
	}

	p := tea.NewProgram(newTaskModel(label, fn), tea.WithOutput(out), tea.WithInput(nil))
	final, err := p.Run()
	if err != nil {
		return err
	}
	return final.(taskModel).err
}
