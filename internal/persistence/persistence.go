// Package persistence defines the durable storage contract for workflow
// snapshots and task outputs and opens the configured backend.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/tianpai/kairos-sub000/internal/persistence/filestore"
	"github.com/tianpai/kairos-sub000/internal/persistence/memory"
	"github.com/tianpai/kairos-sub000/internal/persistence/postgres"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// Supported storage drivers.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// OutputStore records task outputs per job.
type OutputStore interface {
	SaveTaskOutput(ctx context.Context, jobID, taskName string, output any) error
	LoadTaskOutputs(ctx context.Context, jobID string) (map[string]any, error)
}

// Service is the full persistence contract used by the engine and its
// surrounding tooling.
type Service interface {
	SaveWorkflowSnapshot(ctx context.Context, jobID string, snap workflow.Snapshot) error
	LoadWorkflowSnapshot(ctx context.Context, jobID string) (workflow.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]workflow.Snapshot, error)
	OutputStore
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver      string
	Dir         string
	PostgresURL string
}

// Open connects to the configured backend. Postgres schemas are migrated on
// open.
func Open(ctx context.Context, opts Options) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverFile:
		if strings.TrimSpace(opts.Dir) == "" {
			return nil, fmt.Errorf("persistence: file driver requires a directory")
		}
		return filestore.New(opts.Dir), nil
	case DriverMemory:
		return memory.New(), nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("persistence: unknown driver %q", opts.Driver)
	}
}
