package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store), store
}

func TestRegisterDefaultsToIdle(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &types.Runner{
		ID:     "runner-1",
		Name:   "build-box",
		Labels: []string{"linux", "x64"},
	}))

	got, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, got.State)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.Register(context.Background(), &types.Runner{ID: "runner-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestHeartbeatRevivesOfflineRunner(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &types.Runner{ID: "runner-1", Name: "build-box"}))
	runner, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	runner.State = types.RunnerStateOffline
	require.NoError(t, store.UpsertRunner(ctx, runner))

	require.NoError(t, reg.Heartbeat(ctx, "runner-1"))

	got, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, got.State)
}

func TestAssignRequiresIdleRunner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &types.Runner{ID: "runner-1", Name: "build-box"}))
	require.NoError(t, reg.Assign(ctx, "runner-1", "job-1"))

	err := reg.Assign(ctx, "runner-1", "job-2")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

	require.NoError(t, reg.Finish(ctx, "runner-1"))
	require.NoError(t, reg.Assign(ctx, "runner-1", "job-2"))
}

func TestFindIdlePrefersOldestCoveringRunner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	older := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, reg.Register(ctx, &types.Runner{
		ID: "runner-new", Name: "new", Labels: []string{"linux", "x64", "gpu"},
	}))
	require.NoError(t, reg.Register(ctx, &types.Runner{
		ID: "runner-old", Name: "old", Labels: []string{"linux", "x64"},
		RegisteredAt: older,
	}))
	require.NoError(t, reg.Register(ctx, &types.Runner{
		ID: "runner-arm", Name: "arm", Labels: []string{"linux", "arm64"},
	}))

	got, err := reg.FindIdle(ctx, []string{"linux", "x64"})
	require.NoError(t, err)
	assert.Equal(t, "runner-old", got.ID)

	got, err = reg.FindIdle(ctx, []string{"linux", "x64", "gpu"})
	require.NoError(t, err)
	assert.Equal(t, "runner-new", got.ID)

	_, err = reg.FindIdle(ctx, []string{"windows"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestSweepOfflineMarksStaleRunners(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &types.Runner{ID: "runner-live", Name: "live"}))
	require.NoError(t, reg.Register(ctx, &types.Runner{ID: "runner-stale", Name: "stale"}))

	stale, err := store.GetRunner(ctx, "runner-stale")
	require.NoError(t, err)
	stale.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	require.NoError(t, store.UpsertRunner(ctx, stale))

	marked, err := reg.SweepOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	got, err := store.GetRunner(ctx, "runner-stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateOffline, got.State)

	live, err := store.GetRunner(ctx, "runner-live")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, live.State)
}

func seedAssignedJob(t *testing.T, reg *Registry, store storage.Store, runnerID, jobID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID:         jobID,
		Class:      types.JobExecuteWorkflow,
		Queue:      types.QueueJobExecution,
		Priority:   types.PriorityNormal,
		State:      types.JobStateAssigned,
		EnqueuedAt: time.Now().UTC(),
	}))
	require.NoError(t, reg.Register(ctx, &types.Runner{ID: runnerID, Name: runnerID}))
	require.NoError(t, reg.Assign(ctx, runnerID, jobID))
}

func TestSweepOfflineRequeuesAssignedJob(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	seedAssignedJob(t, reg, store, "runner-stale", "job-1")
	stale, err := store.GetRunner(ctx, "runner-stale")
	require.NoError(t, err)
	stale.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	require.NoError(t, store.UpsertRunner(ctx, stale))

	marked, err := reg.SweepOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	// The fenced job is back in the queue for the worker pool; the runner
	// no longer holds it.
	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, job.State)

	got, err := store.GetRunner(ctx, "runner-stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateOffline, got.State)
	assert.Empty(t, got.AssignedJobID)
}

func TestDeregisterRequeuesAssignedJob(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	seedAssignedJob(t, reg, store, "runner-1", "job-1")
	require.NoError(t, reg.Deregister(ctx, "runner-1"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, job.State)

	_, err = store.GetRunner(ctx, "runner-1")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
