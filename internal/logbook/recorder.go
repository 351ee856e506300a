package logbook

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// Logger reports write failures. logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Recorder turns engine events into one logbook per job under dir.
// Partial updates are not recorded.
type Recorder struct {
	dir    string
	logger Logger

	mu     sync.Mutex
	books  map[string]*Logbook
	status map[string]workflow.Status
}

// NewRecorder writes logbooks to <dir>/<job>.log.
func NewRecorder(dir string, logger Logger) *Recorder {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Recorder{
		dir:    dir,
		logger: logger,
		books:  map[string]*Logbook{},
		status: map[string]workflow.Status{},
	}
}

// PathFor returns the logbook file for jobID.
func PathFor(dir, jobID string) (string, error) {
	id := strings.TrimSpace(jobID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("logbook: invalid job id %q", jobID)
	}
	return filepath.Join(dir, id+".log"), nil
}

// Open returns the logbook for jobID, creating it on first use.
func (r *Recorder) Open(jobID string) (*Logbook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bookLocked(jobID)
}

func (r *Recorder) bookLocked(jobID string) (*Logbook, error) {
	if book, ok := r.books[jobID]; ok {
		return book, nil
	}
	path, err := PathFor(r.dir, jobID)
	if err != nil {
		return nil, err
	}
	book, err := New(path)
	if err != nil {
		return nil, err
	}
	r.books[jobID] = book
	return book, nil
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *eventbus.Bus) func() {
	return bus.SubscribeAll(r.Record)
}

// Record appends the entry describing evt, if any.
func (r *Recorder) Record(evt eventbus.Event) {
	level, message, ok := r.describe(evt)
	if !ok {
		return
	}
	book, err := r.Open(evt.Job())
	if err != nil {
		r.logger.Printf("logbook: %v", err)
		return
	}
	if err := book.Append(level, message); err != nil {
		r.logger.Printf("logbook: append %s: %v", book.Path(), err)
	}
}

// describe formats evt. State changes are only recorded when the aggregate
// status moves, since every task transition produces one.
func (r *Recorder) describe(evt eventbus.Event) (Level, string, bool) {
	switch e := evt.(type) {
	case eventbus.StateChanged:
		r.mu.Lock()
		prev, seen := r.status[e.JobID]
		r.status[e.JobID] = e.Snapshot.Status
		r.mu.Unlock()
		if seen && prev == e.Snapshot.Status {
			return "", "", false
		}
		level := LevelInfo
		if e.Snapshot.Status == workflow.StatusFailed {
			level = LevelWarn
		}
		return level, fmt.Sprintf("workflow %s %s (%s)", e.Snapshot.WorkflowName, e.Snapshot.Status, summarize(e.Snapshot)), true
	case eventbus.TaskCompleted:
		if e.ProvidesKey != "" {
			return LevelInfo, fmt.Sprintf("task %s completed, provides %s", e.TaskName, e.ProvidesKey), true
		}
		return LevelInfo, fmt.Sprintf("task %s completed", e.TaskName), true
	case eventbus.TaskFailed:
		return LevelError, fmt.Sprintf("task %s failed: %s", e.TaskName, e.Error), true
	case eventbus.WorkflowCompleted:
		return LevelInfo, fmt.Sprintf("workflow %s finished", e.WorkflowName), true
	default:
		return "", "", false
	}
}

func summarize(snap workflow.Snapshot) string {
	parts := make([]string, 0, len(snap.TaskStates))
	for _, name := range snap.OrderedTasks() {
		parts = append(parts, name+"="+string(snap.TaskStates[name]))
	}
	return strings.Join(parts, " ")
}
