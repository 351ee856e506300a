// Package memory keeps workflow snapshots and task outputs in process memory.
// It backs tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// Store is a concurrency-safe in-memory persistence service.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]workflow.Snapshot
	outputs   map[string]map[string]any
	saves     int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		snapshots: map[string]workflow.Snapshot{},
		outputs:   map[string]map[string]any{},
	}
}

// SaveWorkflowSnapshot stores a copy of snap under jobID.
func (s *Store) SaveWorkflowSnapshot(_ context.Context, jobID string, snap workflow.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[jobID] = snap.Clone()
	s.saves++
	return nil
}

// LoadWorkflowSnapshot returns the last snapshot saved for jobID.
func (s *Store) LoadWorkflowSnapshot(_ context.Context, jobID string) (workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[jobID]
	if !ok {
		return workflow.Snapshot{}, workflow.ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

// ListSnapshots returns every stored snapshot ordered by job id.
func (s *Store) ListSnapshots(context.Context) ([]workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// SaveTaskOutput records the latest output of a task for a job.
func (s *Store) SaveTaskOutput(_ context.Context, jobID, taskName string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputs[jobID] == nil {
		s.outputs[jobID] = map[string]any{}
	}
	s.outputs[jobID][taskName] = output
	return nil
}

// LoadTaskOutputs returns the outputs recorded for a job keyed by task name.
func (s *Store) LoadTaskOutputs(_ context.Context, jobID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.outputs[jobID]))
	for name, value := range s.outputs[jobID] {
		out[name] = value
	}
	return out, nil
}

// Saves reports how many snapshots have been written.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
