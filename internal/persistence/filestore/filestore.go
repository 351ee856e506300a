// Package filestore persists workflow snapshots and task outputs as JSON
// files under a storage directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

const (
	snapshotDir = "snapshots"
	outputDir   = "outputs"
)

// Store keeps one snapshot file and one outputs file per job.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a store rooted at dir. Directories are created on first write.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the storage directory.
func (s *Store) Root() string { return s.root }

// SaveWorkflowSnapshot writes the snapshot for jobID, replacing any previous
// file atomically.
func (s *Store) SaveWorkflowSnapshot(_ context.Context, jobID string, snap workflow.Snapshot) error {
	path, err := s.path(snapshotDir, jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(path, snap)
}

// LoadWorkflowSnapshot reads the snapshot for jobID.
func (s *Store) LoadWorkflowSnapshot(_ context.Context, jobID string) (workflow.Snapshot, error) {
	path, err := s.path(snapshotDir, jobID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	var snap workflow.Snapshot
	if err := readJSON(path, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return workflow.Snapshot{}, workflow.ErrSnapshotNotFound
		}
		return workflow.Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns every stored snapshot ordered by job id. Unreadable
// files are skipped.
func (s *Store) ListSnapshots(ctx context.Context) ([]workflow.Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, snapshotDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []workflow.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		snap, err := s.LoadWorkflowSnapshot(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// SaveTaskOutput merges output into the job's outputs file under taskName.
func (s *Store) SaveTaskOutput(_ context.Context, jobID, taskName string, output any) error {
	path, err := s.path(outputDir, jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	outputs := map[string]any{}
	if err := readJSON(path, &outputs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	outputs[taskName] = output
	return writeJSON(path, outputs)
}

// LoadTaskOutputs returns the outputs recorded for jobID keyed by task name.
func (s *Store) LoadTaskOutputs(_ context.Context, jobID string) (map[string]any, error) {
	path, err := s.path(outputDir, jobID)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{}
	if err := readJSON(path, &outputs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return outputs, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) path(kind, jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("filestore: invalid job id %q", jobID)
	}
	return filepath.Join(s.root, kind, jobID+".json"), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return nil
}

// writeJSON replaces path via a temp file and rename so readers never see a
// partial document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
