package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func rawJob(payload string) *types.Job {
	return &types.Job{ID: "job-1", Payload: json.RawMessage(payload)}
}

func TestPrepareRunnerPromotesStarting(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRunner(ctx, &types.Runner{
		ID: "r1", Name: "proxy-1", State: types.RunnerStateStarting,
		LastHeartbeat: time.Now().UTC(), RegisteredAt: time.Now().UTC(),
	}))

	proc := PrepareRunnerProcessor(store)
	require.NoError(t, proc(ctx, rawJob(`{"runner_id":"r1"}`)))

	runner, err := store.GetRunner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, runner.State)

	// A second pass is a no-op.
	require.NoError(t, proc(ctx, rawJob(`{"runner_id":"r1"}`)))
}

func TestPrepareRunnerNotRegisteredYet(t *testing.T) {
	proc := PrepareRunnerProcessor(testStore(t))
	err := proc(context.Background(), rawJob(`{"runner_id":"ghost"}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindDependencyUnavailable, errdefs.KindOf(err))
	assert.Equal(t, "runner_not_registered", errdefs.CodeOf(err))
}

func TestCleanupRunnerReleasesAssignment(t *testing.T) {
	store := testStore(t)
	registry := pool.NewRegistry(store)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &types.Runner{ID: "r1", Name: "proxy-1", Labels: []string{"linux"}}))
	require.NoError(t, registry.Assign(ctx, "r1", "job-9"))

	proc := CleanupRunnerProcessor(store, registry)
	require.NoError(t, proc(ctx, rawJob(`{"job_id":"job-9"}`)))

	runner, err := store.GetRunner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateIdle, runner.State)
	assert.Empty(t, runner.AssignedJobID)

	// No runner holds the job anymore; cleanup stays idempotent.
	require.NoError(t, proc(ctx, rawJob(`{"job_id":"job-9"}`)))
}

func TestCreateContainerPrewarms(t *testing.T) {
	store := testStore(t)
	engine := &fakeWorkerEngine{}
	m := pool.NewManager(testWorkerPoolConfig(), testWorkerLimits(), engine, store)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	proc := CreateContainerProcessor(m)
	require.NoError(t, proc(context.Background(), rawJob(`{"labels":["linux","x64"]}`)))

	assert.Eventually(t, func() bool { return engine.createdCount() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestDestroyContainerToleratesUnknown(t *testing.T) {
	store := testStore(t)
	engine := &fakeWorkerEngine{}
	m := pool.NewManager(testWorkerPoolConfig(), testWorkerLimits(), engine, store)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	proc := DestroyContainerProcessor(m)
	require.NoError(t, proc(context.Background(), rawJob(`{"container_id":"gone"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := m.Request(ctx, []string{"linux"}, "acme/widgets", types.PriorityNormal)
	require.NoError(t, err)
	m.Release(context.Background(), c.ID)

	require.NoError(t, proc(context.Background(), rawJob(`{"container_id":"`+c.ID+`"}`)))
	assert.Eventually(t, func() bool { return engine.removedCount() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func insertDelivery(t *testing.T, store storage.Store, ev *types.WebhookEvent) {
	t.Helper()
	ev.SignatureValid = true
	ev.ReceivedAt = time.Now().UTC()
	inserted, err := store.InsertWebhookEvent(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestProcessWebhookSpawnsWorkflow(t *testing.T) {
	store := testStore(t)
	insertDelivery(t, store, &types.WebhookEvent{
		DeliveryID: "d1",
		EventType:  "workflow_job",
		Repository: "acme/widgets",
		Payload: json.RawMessage(`{
			"action": "queued",
			"workflow_job": {"name": "build", "workflow_name": "ci", "head_sha": "abc123", "labels": ["self-hosted", "linux"]}
		}`),
	})

	enq := &recordingEnqueuer{}
	proc := ProcessWebhookProcessor(store, enq)
	require.NoError(t, proc(context.Background(), rawJob(`{"delivery_id":"d1"}`)))

	classes, bodies := enq.calls()
	require.Len(t, classes, 1)
	assert.Equal(t, types.JobExecuteWorkflow, classes[0])
	var wf workflowPayload
	require.NoError(t, json.Unmarshal(bodies[0], &wf))
	assert.Equal(t, "acme/widgets", wf.Repository)
	assert.Equal(t, "ci", wf.Workflow)
	assert.Equal(t, "abc123", wf.HeadSHA)
	assert.Equal(t, []string{"self-hosted", "linux"}, wf.Labels)
}

func TestProcessWebhookIgnoresNonTriggering(t *testing.T) {
	store := testStore(t)
	insertDelivery(t, store, &types.WebhookEvent{
		DeliveryID: "d2",
		EventType:  "workflow_job",
		Repository: "acme/widgets",
		Payload:    json.RawMessage(`{"action": "completed", "workflow_job": {"name": "build"}}`),
	})

	enq := &recordingEnqueuer{}
	proc := ProcessWebhookProcessor(store, enq)
	require.NoError(t, proc(context.Background(), rawJob(`{"delivery_id":"d2"}`)))

	classes, _ := enq.calls()
	assert.Empty(t, classes)
}

func TestWorkflowFromEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    *types.WebhookEvent
		want     *workflowPayload
		triggers bool
	}{
		{
			name: "push",
			event: &types.WebhookEvent{
				EventType:  "push",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"after":"def456","deleted":false}`),
			},
			want:     &workflowPayload{Repository: "acme/widgets", Workflow: "push", Event: "push", HeadSHA: "def456"},
			triggers: true,
		},
		{
			name: "branch deletion push",
			event: &types.WebhookEvent{
				EventType:  "push",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"after":"0000000","deleted":true}`),
			},
			triggers: false,
		},
		{
			name: "pull request opened",
			event: &types.WebhookEvent{
				EventType:  "pull_request",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"action":"opened","pull_request":{"head":{"sha":"fff111"}}}`),
			},
			want:     &workflowPayload{Repository: "acme/widgets", Workflow: "pull_request", Event: "pull_request", HeadSHA: "fff111"},
			triggers: true,
		},
		{
			name: "pull request closed",
			event: &types.WebhookEvent{
				EventType:  "pull_request",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"action":"closed","pull_request":{"head":{"sha":"fff111"}}}`),
			},
			triggers: false,
		},
		{
			name: "workflow run requested",
			event: &types.WebhookEvent{
				EventType:  "workflow_run",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"action":"requested","workflow_run":{"name":"nightly","head_sha":"aaa222"}}`),
			},
			want:     &workflowPayload{Repository: "acme/widgets", Workflow: "nightly", Event: "workflow_run", HeadSHA: "aaa222"},
			triggers: true,
		},
		{
			name: "unhandled event type",
			event: &types.WebhookEvent{
				EventType:  "issues",
				Repository: "acme/widgets",
				Payload:    json.RawMessage(`{"action":"opened"}`),
			},
			triggers: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := workflowFromEvent(tt.event)
			assert.Equal(t, tt.triggers, ok)
			if tt.triggers {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

type fakeMirror struct {
	mu     sync.Mutex
	owner  string
	repo   string
	sha    string
	status github.CommitStatus
	calls  int
}

func (f *fakeMirror) CreateCommitStatus(ctx context.Context, owner, repo, sha string, status github.CommitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner, f.repo, f.sha, f.status = owner, repo, sha, status
	f.calls++
	return nil
}

func TestUpdateStatusMirrorsCommit(t *testing.T) {
	mirror := &fakeMirror{}
	proc := UpdateStatusProcessor(mirror)

	payload := `{"repository":"acme/widgets","head_sha":"abc123","state":"success","description":"workflow completed"}`
	require.NoError(t, proc(context.Background(), rawJob(payload)))

	assert.Equal(t, "acme", mirror.owner)
	assert.Equal(t, "widgets", mirror.repo)
	assert.Equal(t, "abc123", mirror.sha)
	assert.Equal(t, github.CommitStateSuccess, mirror.status.State)
	assert.Equal(t, "burrow/workflow", mirror.status.Context)
}

func TestUpdateStatusRejectsBadRepository(t *testing.T) {
	proc := UpdateStatusProcessor(&fakeMirror{})

	err := proc(context.Background(), rawJob(`{"repository":"no-slash","head_sha":"abc123","state":"success"}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	err = proc(context.Background(), rawJob(`{"repository":"acme/widgets"}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func newGitHubClient(t *testing.T, handler http.Handler) *github.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return github.NewClient(config.GitHubConfig{APIBase: srv.URL, Token: "test-token", Timeout: 2 * time.Second})
}

func TestSyncExternalDataAlertsOnLowBudget(t *testing.T) {
	store := testStore(t)
	gh := newGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"resources":{"core":{"limit":5000,"remaining":12,"reset":1700000000}}}`))
	}))

	proc := SyncExternalDataProcessor(gh, store)
	require.NoError(t, proc(context.Background(), rawJob(`{}`)))

	alerts, err := store.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "github", alerts[0].Source)
	assert.Equal(t, types.SeverityMedium, alerts[0].Severity)
}

func TestSyncExternalDataHealthyBudgetIsQuiet(t *testing.T) {
	store := testStore(t)
	gh := newGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"resources":{"core":{"limit":5000,"remaining":4200,"reset":1700000000}}}`))
	}))

	proc := SyncExternalDataProcessor(gh, store)
	require.NoError(t, proc(context.Background(), rawJob(`{}`)))

	alerts, err := store.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSyncExternalDataRecodesRateLimit(t *testing.T) {
	store := testStore(t)
	gh := newGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	proc := SyncExternalDataProcessor(gh, store)
	err := proc(context.Background(), rawJob(`{}`))
	require.Error(t, err)
	assert.Equal(t, "rate_limit", errdefs.CodeOf(err))
	assert.Equal(t, errdefs.KindRateLimited, errdefs.KindOf(err))
}

func seedContainer(t *testing.T, store storage.Store, id string, state types.ContainerState, assessed time.Time) {
	t.Helper()
	require.NoError(t, store.CreateContainer(context.Background(), &types.Container{
		ID:             id,
		Image:          "ghcr.io/burrowci/sandbox:latest",
		Labels:         []string{"linux"},
		State:          state,
		CreatedAt:      assessed,
		LastAssessedAt: assessed,
	}))
}

func TestCleanupContainersRemovesStopped(t *testing.T) {
	store := testStore(t)
	engine := &fakeWorkerEngine{}
	seedContainer(t, store, "c-stopped", types.ContainerStateStopped, time.Now().UTC())

	proc := CleanupContainersProcessor(store, engine)
	require.NoError(t, proc(context.Background(), rawJob(`{}`)))

	c, err := store.GetContainer(context.Background(), "c-stopped")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRemoved, c.State)
	assert.Equal(t, 1, engine.removedCount())
}

func TestCleanupContainersEvictsStaleQuarantine(t *testing.T) {
	store := testStore(t)
	engine := &fakeWorkerEngine{}
	ctx := context.Background()

	seedContainer(t, store, "c-old", types.ContainerStateQuarantined, time.Now().UTC().Add(-25*time.Hour))
	seedContainer(t, store, "c-fresh", types.ContainerStateQuarantined, time.Now().UTC())
	_, err := store.InsertViolation(ctx, &types.Violation{
		ID: "v1", RuleID: "no-privileged", ContainerID: "c-old",
		Severity: types.SeverityCritical, Message: "privileged container detected",
		DetectedAt: time.Now().UTC().Add(-25 * time.Hour),
	})
	require.NoError(t, err)

	proc := CleanupContainersProcessor(store, engine)
	require.NoError(t, proc(ctx, rawJob(`{}`)))

	old, err := store.GetContainer(ctx, "c-old")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRemoved, old.State)

	fresh, err := store.GetContainer(ctx, "c-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateQuarantined, fresh.State, "quarantine inside the forensics window is kept")

	violations, err := store.ListOpenViolations(ctx, "c-old")
	require.NoError(t, err)
	assert.Empty(t, violations)
}
