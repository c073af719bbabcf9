package delegate

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// storeEnqueuer persists jobs directly, standing in for the queue engine.
type storeEnqueuer struct {
	store storage.Store
}

func (e *storeEnqueuer) Enqueue(ctx context.Context, class types.JobClass, payload json.RawMessage, opts ...queue.EnqueueOption) (*types.Job, error) {
	job := &types.Job{
		ID:         uuid.NewString(),
		Class:      class,
		Queue:      types.QueueJobExecution,
		Priority:   types.PriorityNormal,
		Payload:    payload,
		State:      types.JobStateQueued,
		Retry:      types.RetryPolicy{Strategy: types.BackoffExponential, BaseDelay: 5 * time.Second, MaxAttempts: 3},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

type fakeMirror struct {
	mu     sync.Mutex
	states []github.CommitState
	repos  []string
}

func (f *fakeMirror) CreateCommitStatus(ctx context.Context, owner, repo, sha string, status github.CommitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, status.State)
	f.repos = append(f.repos, owner+"/"+repo)
	return nil
}

func newTestService(t *testing.T) (*Service, storage.Store, *pool.Registry, *fakeMirror) {
	t.Helper()
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := pool.NewRegistry(store)
	mirror := &fakeMirror{}
	svc := NewService(store, registry, &storeEnqueuer{store: store}, WithMirror(mirror))
	return svc, store, registry, mirror
}

func TestDelegateEnqueuesAndAssigns(t *testing.T) {
	svc, store, registry, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{
		ID: "runner-1", Name: "proxy-1", Labels: []string{"linux", "x64"},
	}))

	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets",
		Workflow:   "ci.yml",
		HeadSHA:    "abc123",
		Labels:     []string{"linux"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobExecuteWorkflow, job.Class)

	runner, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateBusy, runner.State)
	assert.Equal(t, job.ID, runner.AssignedJobID)
	assert.Equal(t, types.JobStateAssigned, job.State)
}

func TestDelegatedJobFencedFromQueueWorkers(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	registry := pool.NewRegistry(store)

	concurrency := make(map[string]int, len(types.QueueNames))
	for _, q := range types.QueueNames {
		concurrency[q] = 2
	}
	engine := queue.NewEngine(config.QueueConfig{
		Concurrency:       concurrency,
		VisibilityTimeout: 60 * time.Second,
		AdmissionCapacity: 1000,
		SweepInterval:     time.Hour,
		RecoveryMaxAge:    24 * time.Hour,
	}, store, "node-test")

	var executed atomic.Int64
	engine.Register(types.JobExecuteWorkflow, func(ctx context.Context, job *types.Job) error {
		executed.Add(1)
		return nil
	})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Stop(ctx)
	})
	// Hold dispatch until the assignment lands so the claim is not racing
	// the workers in this test.
	engine.Pause(types.QueueJobExecution)

	svc := NewService(store, registry, engine)
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &types.Runner{
		ID: "runner-1", Name: "proxy-1", Labels: []string{"linux"},
	}))

	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets", Workflow: "ci.yml", Labels: []string{"linux"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateAssigned, job.State)
	engine.Resume(types.QueueJobExecution)

	// The runner sees its assignment; the worker pool never touches the job.
	assigned, err := svc.Assignment(ctx, "runner-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, assigned.ID)

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, executed.Load())

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateAssigned, got.State)

	_, err = svc.ReportStatus(ctx, job.ID, &StatusReport{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, executed.Load())
}

func TestDelegateLosesClaimRaceToQueueWorker(t *testing.T) {
	svc, store, registry, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{ID: "runner-1", Name: "proxy-1"}))
	job, err := (&storeEnqueuer{store: store}).Enqueue(ctx, types.JobExecuteWorkflow, nil)
	require.NoError(t, err)

	// A worker reserves the job before the claim lands.
	_, err = store.ReserveJob(ctx, types.QueueJobExecution, "res-1", time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)

	svc.claimForRunner(ctx, job, "runner-1")

	// The claim lost: the worker keeps the job and the runner stays idle.
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateActive, got.State)

	runner, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, runner.State)
	assert.Empty(t, runner.AssignedJobID)
}

func TestDelegateRunnerConflictUnfencesJob(t *testing.T) {
	svc, store, registry, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{ID: "runner-1", Name: "proxy-1"}))
	require.NoError(t, registry.Assign(ctx, "runner-1", "other-job"))

	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets", Workflow: "ci.yml", RunnerID: "runner-1",
	})
	require.NoError(t, err)

	// The named runner was busy, so the job goes back to the queue.
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)

	runner, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, "other-job", runner.AssignedJobID)
}

func TestDelegateWithoutMatchingRunnerStaysQueued(t *testing.T) {
	svc, store, registry, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{
		ID: "runner-arm", Name: "arm", Labels: []string{"linux", "arm64"},
	}))

	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets",
		Workflow:   "ci.yml",
		Labels:     []string{"linux", "x64"},
	})
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)

	runner, err := store.GetRunner(ctx, "runner-arm")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, runner.State)
}

func TestDelegateRejectsBadRepository(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Delegate(context.Background(), &DelegateRequest{
		Repository: "../../etc/passwd",
		Workflow:   "ci.yml",
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestAssignmentLongPoll(t *testing.T) {
	svc, _, registry, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{
		ID: "runner-1", Name: "proxy-1", Labels: []string{"linux"},
	}))

	// Nothing assigned yet: the poll times out with not_found.
	_, err := svc.Assignment(ctx, "runner-1", 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	// Assign mid-poll; the long-poll picks it up.
	got := make(chan *types.Job, 1)
	go func() {
		job, err := svc.Assignment(ctx, "runner-1", 5*time.Second)
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(100 * time.Millisecond)
	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets", Workflow: "ci.yml", Labels: []string{"linux"},
	})
	require.NoError(t, err)

	select {
	case assigned := <-got:
		assert.Equal(t, job.ID, assigned.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("assignment long-poll never returned")
	}
}

func TestReportStatusLifecycle(t *testing.T) {
	svc, store, registry, mirror := newTestService(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{
		ID: "runner-1", Name: "proxy-1", Labels: []string{"linux"},
	}))
	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets", Workflow: "ci.yml", HeadSHA: "abc123", Labels: []string{"linux"},
	})
	require.NoError(t, err)

	updated, err := svc.ReportStatus(ctx, job.ID, &StatusReport{Status: StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateActive, updated.State)
	assert.False(t, updated.StartedAt.IsZero())

	updated, err = svc.ReportStatus(ctx, job.ID, &StatusReport{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, updated.State)

	// Terminal report frees the runner and mirrors the commit status.
	runner, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, runner.State)
	assert.Empty(t, runner.AssignedJobID)

	mirror.mu.Lock()
	require.Len(t, mirror.states, 1)
	assert.Equal(t, github.CommitStateSuccess, mirror.states[0])
	assert.Equal(t, "acme/widgets", mirror.repos[0])
	mirror.mu.Unlock()

	// Reports after a terminal state are refused.
	_, err = svc.ReportStatus(ctx, job.ID, &StatusReport{Status: StatusFailed})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestReportStatusFailedRecordsError(t *testing.T) {
	svc, _, _, mirror := newTestService(t)
	ctx := context.Background()

	job, err := svc.Delegate(ctx, &DelegateRequest{
		Repository: "acme/widgets", Workflow: "ci.yml", HeadSHA: "abc123",
	})
	require.NoError(t, err)

	exit := 2
	updated, err := svc.ReportStatus(ctx, job.ID, &StatusReport{
		Status:   StatusFailed,
		Message:  "make: *** [test] Error 2",
		ExitCode: &exit,
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, updated.State)
	assert.Equal(t, "make: *** [test] Error 2", updated.LastError)

	mirror.mu.Lock()
	require.Len(t, mirror.states, 1)
	assert.Equal(t, github.CommitStateFailure, mirror.states[0])
	mirror.mu.Unlock()
}

func TestReportStatusRejectsUnknownStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Delegate(ctx, &DelegateRequest{Repository: "acme/widgets", Workflow: "ci.yml"})
	require.NoError(t, err)

	_, err = svc.ReportStatus(ctx, job.ID, &StatusReport{Status: "paused"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}
