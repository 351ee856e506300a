package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

var (
	boldStyle    = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

// jobFailedError makes the process exit non-zero for failed jobs.
type jobFailedError struct {
	JobID  string
	Reason string
}

func (e *jobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// progressPrinter writes one line per task transition for non-interactive runs.
type progressPrinter struct {
	out     io.Writer
	running map[string]bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, running: map[string]bool{}}
}

func (p *progressPrinter) Print(evt eventbus.Event) {
	switch e := evt.(type) {
	case eventbus.StateChanged:
		for _, name := range e.Snapshot.OrderedTasks() {
			isRunning := e.Snapshot.TaskStates[name] == workflow.TaskRunning
			if isRunning && !p.running[name] {
				fmt.Fprintf(p.out, "  %s %s\n", mutedStyle.Render("▸"), name)
			}
			p.running[name] = isRunning
		}
	case eventbus.TaskCompleted:
		p.running[e.TaskName] = false
		fmt.Fprintf(p.out, "  %s %s\n", successStyle.Render("✓"), e.TaskName)
	case eventbus.TaskFailed:
		p.running[e.TaskName] = false
		fmt.Fprintf(p.out, "  %s %s: %s\n", errorStyle.Render("✗"), e.TaskName, e.Error)
	}
}
