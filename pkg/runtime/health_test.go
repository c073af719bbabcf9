package runtime

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

type fakeEngine struct {
	status  map[string]*Status
	stats   map[string]*types.ContainerStats
	execErr map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:  make(map[string]*Status),
		stats:   make(map[string]*types.ContainerStats),
		execErr: make(map[string]error),
	}
}

func (f *fakeEngine) Pull(ctx context.Context, ref string) error            { return nil }
func (f *fakeEngine) Create(ctx context.Context, spec CreateSpec) error     { return nil }
func (f *fakeEngine) Start(ctx context.Context, id string) error            { return nil }
func (f *fakeEngine) Remove(ctx context.Context, id string) error           { return nil }
func (f *fakeEngine) List(ctx context.Context) ([]string, error)            { return nil, nil }
func (f *fakeEngine) Ping(ctx context.Context) error                        { return nil }
func (f *fakeEngine) Close() error                                          { return nil }

func (f *fakeEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (*types.ExecResult, error) {
	if err := f.execErr[id]; err != nil {
		return nil, err
	}
	return &types.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (*Status, error) {
	s, ok := f.status[id]
	if !ok {
		return nil, errdefs.NotFound("container_not_found", "container %s not found", id)
	}
	return s, nil
}

func (f *fakeEngine) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	s, ok := f.stats[id]
	if !ok {
		return nil, errdefs.NotFound("container_not_found", "container %s not found", id)
	}
	return s, nil
}

type recordingQuarantiner struct {
	calls []string
}

func (r *recordingQuarantiner) Quarantine(ctx context.Context, containerID, reason string) error {
	r.calls = append(r.calls, containerID)
	return nil
}

func newHealthFixture(t *testing.T) (*HealthMonitor, *fakeEngine, *recordingQuarantiner, storage.Store) {
	t.Helper()
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := newFakeEngine()
	quarantiner := &recordingQuarantiner{}
	monitor := NewHealthMonitor(engine, store, quarantiner, time.Minute)
	return monitor, engine, quarantiner, store
}

func markHealthy(f *fakeEngine, id string) {
	f.status[id] = &Status{ID: id, Running: true, Pid: 1234}
	f.stats[id] = &types.ContainerStats{
		ContainerID: id,
		MemoryBytes: 256 << 20,
		MemoryLimit: 2 << 30,
	}
	delete(f.execErr, id)
}

func TestHealthCheckHealthyContainer(t *testing.T) {
	monitor, engine, quarantiner, store := newHealthFixture(t)
	ctx := context.Background()
	markHealthy(engine, "ctr-1")

	monitor.Check(ctx, "ctr-1")

	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.Message)
	assert.Empty(t, quarantiner.calls)
}

func TestHealthCheckQuarantinesAfterThreeFailures(t *testing.T) {
	monitor, engine, quarantiner, store := newHealthFixture(t)
	ctx := context.Background()
	engine.status["ctr-1"] = &Status{ID: "ctr-1", Running: false, ExitCode: 137}

	monitor.Check(ctx, "ctr-1")
	monitor.Check(ctx, "ctr-1")
	assert.Empty(t, quarantiner.calls)

	monitor.Check(ctx, "ctr-1")
	assert.Equal(t, []string{"ctr-1"}, quarantiner.calls)

	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Contains(t, h.Message, "exited with code 137")
}

func TestHealthCheckRecoveryResetsCounter(t *testing.T) {
	monitor, engine, quarantiner, store := newHealthFixture(t)
	ctx := context.Background()
	engine.status["ctr-1"] = &Status{ID: "ctr-1", Running: false}

	monitor.Check(ctx, "ctr-1")
	monitor.Check(ctx, "ctr-1")

	markHealthy(engine, "ctr-1")
	monitor.Check(ctx, "ctr-1")

	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)

	// A later failure starts the count from scratch.
	engine.status["ctr-1"].Running = false
	monitor.Check(ctx, "ctr-1")
	monitor.Check(ctx, "ctr-1")
	monitor.Check(ctx, "ctr-1")
	assert.Len(t, quarantiner.calls, 1)
}

func TestHealthCheckExecProbeFailure(t *testing.T) {
	monitor, engine, _, store := newHealthFixture(t)
	ctx := context.Background()
	markHealthy(engine, "ctr-1")
	engine.execErr["ctr-1"] = errdefs.Timeout(context.DeadlineExceeded, "exec_timeout", "exec timed out")

	monitor.Check(ctx, "ctr-1")

	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Message, "exec probe failed")
}

func TestHealthCheckMemoryPressure(t *testing.T) {
	monitor, engine, _, store := newHealthFixture(t)
	ctx := context.Background()
	markHealthy(engine, "ctr-1")
	engine.stats["ctr-1"] = &types.ContainerStats{
		ContainerID: "ctr-1",
		MemoryBytes: 990 << 20,
		MemoryLimit: 1 << 30,
	}

	monitor.Check(ctx, "ctr-1")

	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Message, "memory pressure")
}

func TestHealthCheckAllProbesRunningContainers(t *testing.T) {
	monitor, engine, _, store := newHealthFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &types.Container{
		ID:    "ctr-running",
		Image: "ghcr.io/burrowci/runner:latest",
		State: types.ContainerStateRunning,
	}))
	require.NoError(t, store.CreateContainer(ctx, &types.Container{
		ID:    "ctr-stopped",
		Image: "ghcr.io/burrowci/runner:latest",
		State: types.ContainerStateStopped,
	}))
	markHealthy(engine, "ctr-running")

	monitor.CheckAll(ctx)

	h, err := store.GetContainerHealth(ctx, "ctr-running")
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	_, err = store.GetContainerHealth(ctx, "ctr-stopped")
	assert.Error(t, err)
}
