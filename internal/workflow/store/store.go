// Package store keeps the in-memory workflow instance and context records for
// active jobs.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// Store maps job ids to their active record. Job-level operations are no-ops
// when the job has no active instance.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   func() time.Time
	seq     atomic.Uint64
}

// Option customizes the store.
type Option func(*Store)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{records: map[string]*Record{}, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates a fresh instance for the job with every task pending and the
// workflow running. Any previous instance for the job is detached.
func (s *Store) Init(jobID, workflowName string, taskNames []string, initial map[string]any) *Record {
	now := s.clock()
	rec := &Record{
		jobID:     jobID,
		workflow:  workflowName,
		runID:     s.nextRunID(workflowName, now),
		tasks:     append([]string(nil), taskNames...),
		states:    make(map[string]workflow.TaskStatus, len(taskNames)),
		errors:    map[string]string{},
		status:    workflow.StatusRunning,
		values:    make(map[string]any, len(initial)+1),
		updatedAt: now,
		clock:     s.clock,
	}
	for _, name := range taskNames {
		rec.states[name] = workflow.TaskPending
	}
	for key, value := range initial {
		rec.values[key] = value
	}
	rec.values[task.JobIDKey] = jobID
	s.install(rec)
	return rec
}

// Restore rebuilds an instance from a persisted snapshot, replacing any
// existing instance for the job.
func (s *Store) Restore(snap workflow.Snapshot) *Record {
	tasks := snap.OrderedTasks()
	runID := snap.RunID
	if runID == "" {
		runID = s.nextRunID(snap.WorkflowName, s.clock())
	}
	rec := &Record{
		jobID:     snap.JobID,
		workflow:  snap.WorkflowName,
		runID:     runID,
		tasks:     tasks,
		states:    make(map[string]workflow.TaskStatus, len(tasks)),
		errors:    map[string]string{},
		status:    snap.Status,
		err:       snap.Error,
		version:   snap.Version,
		values:    cloneValues(snap.Context),
		updatedAt: snap.UpdatedAt,
		clock:     s.clock,
	}
	for _, name := range tasks {
		status := snap.TaskStates[name]
		if status == "" {
			status = workflow.TaskPending
		}
		rec.states[name] = status
	}
	for name, msg := range snap.TaskErrors {
		rec.errors[name] = msg
	}
	if _, ok := rec.values[task.JobIDKey]; !ok {
		rec.values[task.JobIDKey] = snap.JobID
	}
	rec.announced = snap.Status == workflow.StatusCompleted
	s.install(rec)
	return rec
}

// Get returns the active record for a job.
func (s *Store) Get(jobID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	return rec, ok
}

// SetTaskStatus updates one task of the job's active instance.
func (s *Store) SetTaskStatus(jobID, taskName string, status workflow.TaskStatus, msg string) {
	if rec, ok := s.Get(jobID); ok {
		rec.SetTaskStatus(taskName, status, msg)
	}
}

// UpdateContext merges patch into the job's context.
func (s *Store) UpdateContext(jobID string, patch map[string]any) {
	if rec, ok := s.Get(jobID); ok {
		rec.UpdateContext(patch)
	}
}

// Complete marks the job's workflow completed.
func (s *Store) Complete(jobID string) {
	if rec, ok := s.Get(jobID); ok {
		rec.Complete()
	}
}

// Clear removes the job's instance and context.
func (s *Store) Clear(jobID string) {
	s.mu.Lock()
	rec, ok := s.records[jobID]
	delete(s.records, jobID)
	s.mu.Unlock()
	if ok {
		rec.detach()
	}
}

// ClearRecord removes rec only if it is still the job's active instance.
func (s *Store) ClearRecord(rec *Record) {
	s.mu.Lock()
	current, ok := s.records[rec.jobID]
	if ok && current == rec {
		delete(s.records, rec.jobID)
	}
	s.mu.Unlock()
	if ok && current == rec {
		rec.detach()
	}
}

// Snapshot returns a copy of the job's active instance.
func (s *Store) Snapshot(jobID string) (workflow.Snapshot, bool) {
	rec, ok := s.Get(jobID)
	if !ok {
		return workflow.Snapshot{}, false
	}
	return rec.View(), true
}

// Jobs returns the ids of jobs with an active instance.
func (s *Store) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) install(rec *Record) {
	s.mu.Lock()
	previous, ok := s.records[rec.jobID]
	s.records[rec.jobID] = rec
	s.mu.Unlock()
	if ok {
		previous.detach()
	}
}

func (s *Store) nextRunID(workflowName string, now time.Time) string {
	base := strings.TrimSpace(workflowName)
	if base == "" {
		base = "workflow"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	return fmt.Sprintf("%s-%d-%d", base, now.UnixNano(), s.seq.Add(1))
}
