package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("kairos"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations must be idempotent")

	t.Run("snapshot upsert", func(t *testing.T) {
		_, err := store.LoadWorkflowSnapshot(ctx, "job-1")
		require.ErrorIs(t, err, workflow.ErrSnapshotNotFound)

		snap := workflow.Snapshot{
			JobID:        "job-1",
			WorkflowName: "resume",
			Version:      1,
			Tasks:        []string{"parse"},
			TaskStates:   map[string]workflow.TaskStatus{"parse": workflow.TaskRunning},
			Status:       workflow.StatusRunning,
			Context:      map[string]any{"job_id": "job-1"},
		}
		require.NoError(t, store.SaveWorkflowSnapshot(ctx, "job-1", snap))
		snap.Version = 2
		snap.TaskStates["parse"] = workflow.TaskCompleted
		snap.Status = workflow.StatusCompleted
		require.NoError(t, store.SaveWorkflowSnapshot(ctx, "job-1", snap))

		got, err := store.LoadWorkflowSnapshot(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, got.Status)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, workflow.TaskCompleted, got.TaskStates["parse"])

		require.NoError(t, store.SaveWorkflowSnapshot(ctx, "job-0", workflow.Snapshot{JobID: "job-0", Status: workflow.StatusFailed}))
		list, err := store.ListSnapshots(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "job-0", list[0].JobID)
	})

	t.Run("task outputs", func(t *testing.T) {
		require.NoError(t, store.SaveTaskOutput(ctx, "job-1", "parse", map[string]any{"lines": 3}))
		require.NoError(t, store.SaveTaskOutput(ctx, "job-1", "parse", "replaced"))
		require.NoError(t, store.SaveTaskOutput(ctx, "job-1", "score", 0.5))

		outputs, err := store.LoadTaskOutputs(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "replaced", outputs["parse"])
		assert.Equal(t, 0.5, outputs["score"])
	})
}
