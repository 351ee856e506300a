// Package tui renders live job progress in the terminal. It uses bubbletea,
// so state changes arrive as messages and the view is re-rendered from the
// model after each one.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

type eventMsg struct {
	event eventbus.Event
}

type streamClosedMsg struct{}

// Watcher is the bubbletea model for `kairos run --watch`. Quitting the
// watcher only stops rendering; the workflow keeps going.
type Watcher struct {
	jobID    string
	snapshot workflow.Snapshot
	events   <-chan eventbus.Event
	spinner  spinner.Model
	partials map[string]string
	results  map[string]string
	done     bool
	detached bool
}

// NewWatcher follows jobID starting from initial, reading further changes
// from events.
func NewWatcher(jobID string, initial workflow.Snapshot, events <-chan eventbus.Event) *Watcher {
	return &Watcher{
		jobID:    jobID,
		snapshot: initial.Clone(),
		events:   events,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(labelStyleRunning)),
		partials: map[string]string{},
		results:  map[string]string{},
		done:     initial.Settled(),
	}
}

// Init starts the spinner and the event pump.
func (w *Watcher) Init() tea.Cmd {
	if w.done {
		return tea.Quit
	}
	return tea.Batch(w.spinner.Tick, waitForEvent(w.events))
}

// Update applies one message to the model.
func (w *Watcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		switch m.String() {
		case "q", "esc", "ctrl+c":
			w.detached = true
			return w, tea.Quit
		}
		return w, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(m)
		return w, cmd
	case streamClosedMsg:
		w.detached = !w.done
		return w, tea.Quit
	case eventMsg:
		w.apply(m.event)
		if w.done {
			return w, tea.Quit
		}
		return w, waitForEvent(w.events)
	}
	return w, nil
}

func (w *Watcher) apply(evt eventbus.Event) {
	if evt == nil || evt.Job() != w.jobID {
		return
	}
	switch e := evt.(type) {
	case eventbus.StateChanged:
		w.snapshot = e.Snapshot.Clone()
		for name, status := range w.snapshot.TaskStates {
			if status == workflow.TaskPending {
				// Retried tasks start over.
				delete(w.partials, name)
				delete(w.results, name)
			}
		}
		w.done = w.snapshot.Settled()
	case eventbus.PartialUpdate:
		w.partials[e.TaskName] = preview(e.Value)
	case eventbus.TaskCompleted:
		delete(w.partials, e.TaskName)
		if e.Result != nil {
			w.results[e.TaskName] = preview(e.Result)
		}
	case eventbus.WorkflowCompleted:
		w.snapshot.Status = workflow.StatusCompleted
		w.done = true
	}
}

// View renders the task list.
func (w *Watcher) View() string {
	lines := []string{RenderHeader(w.snapshot), ""}
	width := nameWidth(w.snapshot)
	for _, name := range w.snapshot.OrderedTasks() {
		status := w.snapshot.TaskStates[name]
		marker := " "
		if status == workflow.TaskRunning {
			marker = w.spinner.View()
		}
		lines = append(lines, fmt.Sprintf("%s %-*s  %s", marker, width, name, labelStyleForTask(status).Render(string(status))))
		switch {
		case status == workflow.TaskFailed && w.snapshot.TaskErrors[name] != "":
			lines = append(lines, detailTextStyle.Render("    "+w.snapshot.TaskErrors[name]))
		case status == workflow.TaskRunning && w.partials[name] != "":
			lines = append(lines, detailTextStyle.Render("    "+w.partials[name]))
		case status == workflow.TaskCompleted && w.results[name] != "":
			lines = append(lines, detailTextStyle.Render("    "+w.results[name]))
		}
	}
	if !w.done {
		lines = append(lines, "", detailTextStyle.Render("q=stop watching"))
	}
	return strings.Join(lines, "\n") + "\n"
}

// Snapshot returns the last state the watcher saw.
func (w *Watcher) Snapshot() workflow.Snapshot {
	return w.snapshot.Clone()
}

// Detached reports whether the watcher exited before the job settled.
func (w *Watcher) Detached() bool {
	return w.detached
}

func waitForEvent(events <-chan eventbus.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: evt}
	}
}

// Watch runs a watcher program until the job settles, the user detaches, or
// ctx is cancelled.
func Watch(ctx context.Context, w *Watcher, in io.Reader, out io.Writer) (*Watcher, error) {
	// A nil reader disables keyboard input.
	program := tea.NewProgram(w, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		if ctx.Err() != nil {
			return w, ctx.Err()
		}
		return w, err
	}
	if fw, ok := final.(*Watcher); ok {
		return fw, nil
	}
	return w, nil
}
