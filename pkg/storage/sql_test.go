package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(queue string, priority types.Priority, enqueued time.Time) *types.Job {
	return &types.Job{
		ID:         uuid.New().String(),
		Class:      types.JobExecuteWorkflow,
		Queue:      queue,
		Priority:   priority,
		Payload:    json.RawMessage(`{"workflow":"build"}`),
		State:      types.JobStateQueued,
		Retry: types.RetryPolicy{
			Strategy:    types.BackoffExponential,
			BaseDelay:   5 * time.Second,
			Multiplier:  2,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 3,
		},
		EnqueuedAt: enqueued,
	}
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob(types.QueueJobExecution, types.PriorityHigh, time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, types.JobStateQueued, got.State)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	assert.Equal(t, types.BackoffExponential, got.Retry.Strategy)
	assert.Equal(t, 5*time.Second, got.Retry.BaseDelay)
	assert.JSONEq(t, `{"workflow":"build"}`, string(got.Payload))

	_, err = store.GetJob(ctx, "missing")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestReserveJobPriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	low := testJob(types.QueueJobExecution, types.PriorityLow, base)
	critical := testJob(types.QueueJobExecution, types.PriorityCritical, base.Add(2*time.Second))
	normal := testJob(types.QueueJobExecution, types.PriorityNormal, base.Add(time.Second))
	for _, j := range []*types.Job{low, critical, normal} {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	now := time.Now()
	until := now.Add(time.Minute)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := store.ReserveJob(ctx, types.QueueJobExecution, uuid.New().String(), until, now)
		require.NoError(t, err)
		order = append(order, job.ID)
		assert.Equal(t, types.JobStateActive, job.State)
		assert.NotEmpty(t, job.Reservation)
	}
	assert.Equal(t, []string{critical.ID, normal.ID, low.ID}, order)

	_, err := store.ReserveJob(ctx, types.QueueJobExecution, uuid.New().String(), until, now)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestReserveJobFIFOWithinPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	first := testJob(types.QueueJobExecution, types.PriorityNormal, base)
	second := testJob(types.QueueJobExecution, types.PriorityNormal, base.Add(time.Second))
	require.NoError(t, store.CreateJob(ctx, first))
	require.NoError(t, store.CreateJob(ctx, second))

	job, err := store.ReserveJob(ctx, types.QueueJobExecution, "r1", time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)
}

func TestUpdateJobVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob(types.QueueMonitoring, types.PriorityNormal, time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	stale := *job
	job.State = types.JobStateActive
	require.NoError(t, store.UpdateJob(ctx, job))

	stale.State = types.JobStateCompleted
	err := store.UpdateJob(ctx, &stale)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestExtendReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob(types.QueueCleanup, types.PriorityLow, time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	reserved, err := store.ReserveJob(ctx, types.QueueCleanup, "res-1", time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)

	require.NoError(t, store.ExtendReservation(ctx, reserved.ID, "res-1", time.Now().Add(2*time.Minute)))

	err = store.ExtendReservation(ctx, reserved.ID, "someone-else", time.Now().Add(time.Minute))
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestReclaimStalled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	_, err := store.ReserveJob(ctx, types.QueueJobExecution, "res-1", time.Now().Add(-time.Second), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	reclaimed, err := store.ReclaimStalled(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)
	assert.Equal(t, types.JobStateQueued, reclaimed[0].State)
	assert.Empty(t, reclaimed[0].Reservation)

	// Second pass finds nothing.
	reclaimed, err = store.ReclaimStalled(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestPromoteDelayed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now())
	due.State = types.JobStateDelayed
	due.DueAt = time.Now().Add(-time.Second)
	notDue := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now())
	notDue.State = types.JobStateDelayed
	notDue.DueAt = time.Now().Add(time.Hour)
	require.NoError(t, store.CreateJob(ctx, due))
	require.NoError(t, store.CreateJob(ctx, notDue))

	promoted, err := store.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, due.ID, promoted[0].ID)
	assert.Equal(t, types.JobStateQueued, promoted[0].State)

	still, err := store.GetJob(ctx, notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDelayed, still.State)
}

func TestCountJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, testJob(types.QueueJobExecution, types.PriorityNormal, time.Now())))
	require.NoError(t, store.CreateJob(ctx, testJob(types.QueueJobExecution, types.PriorityLow, time.Now())))
	require.NoError(t, store.CreateJob(ctx, testJob(types.QueueCleanup, types.PriorityLow, time.Now())))

	counts, err := store.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.QueueJobExecution]["queued"])
	assert.Equal(t, 1, counts[types.QueueCleanup]["queued"])
}

func TestDeleteJobsBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now().Add(-48*time.Hour))
	old.State = types.JobStateCompleted
	old.FinishedAt = time.Now().Add(-25 * time.Hour)
	fresh := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now())
	fresh.State = types.JobStateCompleted
	fresh.FinishedAt = time.Now()
	require.NoError(t, store.CreateJob(ctx, old))
	require.NoError(t, store.CreateJob(ctx, fresh))

	n, err := store.DeleteJobsBefore(ctx, types.JobStateCompleted, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.GetJob(ctx, old.ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
	_, err = store.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestWebhookEventIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &types.WebhookEvent{
		DeliveryID:     "d-1",
		EventType:      "workflow_job",
		Repository:     "octo/widgets",
		Payload:        json.RawMessage(`{"action":"queued"}`),
		SignatureValid: true,
		ReceivedAt:     time.Now(),
	}

	inserted, err := store.InsertWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.GetWebhookEvent(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "workflow_job", got.EventType)
	assert.True(t, got.SignatureValid)
	assert.False(t, got.Processed)

	require.NoError(t, store.MarkWebhookProcessed(ctx, "d-1", true))
	got, err = store.GetWebhookEvent(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestRunnerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runner := &types.Runner{
		ID:           "runner-1",
		Name:         "proxy-a",
		Labels:       []string{"linux", "x64"},
		State:        types.RunnerStateIdle,
		RegisteredAt: time.Now(),
	}
	require.NoError(t, store.UpsertRunner(ctx, runner))

	runner.State = types.RunnerStateBusy
	runner.AssignedJobID = "job-9"
	require.NoError(t, store.UpsertRunner(ctx, runner))

	got, err := store.GetRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStateBusy, got.State)
	assert.Equal(t, "job-9", got.AssignedJobID)
	assert.Equal(t, []string{"linux", "x64"}, got.Labels)

	all, err := store.ListRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestContainerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &types.Container{
		ID:    "ctr-1",
		Image: "sandbox:latest",
		State: types.ContainerStateCreating,
		Limits: types.ResourceLimits{
			CPUCores:    2,
			MemoryBytes: 1 << 30,
			Pids:        512,
			FDs:         1024,
		},
		Labels:    []string{"linux"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateContainer(ctx, c))

	c.State = types.ContainerStateRunning
	c.JobID = "job-1"
	require.NoError(t, store.UpdateContainer(ctx, c))

	got, err := store.GetContainer(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, got.State)
	assert.Equal(t, "job-1", got.JobID)
	assert.EqualValues(t, 1<<30, got.Limits.MemoryBytes)

	running, err := store.ListContainers(ctx, types.ContainerStateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	require.NoError(t, store.UpsertContainerHealth(ctx, &types.ContainerHealth{
		ContainerID: "ctr-1",
		Healthy:     false,
		Message:     "probe timeout",
		ConsecutiveFailures: 2,
		CheckedAt:   time.Now(),
	}))
	h, err := store.GetContainerHealth(ctx, "ctr-1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, 2, h.ConsecutiveFailures)
}

func TestViolationDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v := &types.Violation{
		ID:          uuid.New().String(),
		RuleID:      "no-privileged",
		ContainerID: "ctr-1",
		Severity:    types.SeverityCritical,
		Message:     "privileged container",
		DetectedAt:  time.Now(),
	}
	inserted, err := store.InsertViolation(ctx, v)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *v
	dup.ID = uuid.New().String()
	inserted, err = store.InsertViolation(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	open, err := store.ListOpenViolations(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Once resolved, the same rule may open a fresh violation.
	require.NoError(t, store.ResolveViolations(ctx, "ctr-1"))
	again := *v
	again.ID = uuid.New().String()
	inserted, err = store.InsertViolation(ctx, &again)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSecurityProfileAndScans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertScanResult(ctx, &types.ScanResult{
		ID:          uuid.New().String(),
		ContainerID: "ctr-1",
		Type:        types.ScanVulnerability,
		Critical:    1,
		High:        3,
		ScannedAt:   time.Now(),
	}))
	scans, err := store.ListScanResults(ctx, "ctr-1")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, 1, scans[0].Critical)

	profile := &types.SecurityProfile{
		ContainerID: "ctr-1",
		PolicyIDs:   []string{"baseline"},
		RiskScore:   85,
		Status:      types.SecurityStatusCritical,
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, store.UpsertSecurityProfile(ctx, profile))

	profile.RiskScore = 40
	profile.Status = types.SecurityStatusSecure
	require.NoError(t, store.UpsertSecurityProfile(ctx, profile))

	got, err := store.GetSecurityProfile(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskScore)
	assert.Equal(t, types.SecurityStatusSecure, got.Status)
}

func TestAuditChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AppendAudit(ctx, "system", "job.enqueue", "job/abc", "ok")
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := store.AppendAudit(ctx, "admin", "queue.pause", "queue/JOB_EXECUTION", "ok")
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	bad, err := store.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Zero(t, bad)

	// Tamper with the first entry and expect verification to point at it.
	db := store.primary()
	_, err = db.Exec(db.Rebind(`UPDATE audit_entries SET outcome = ? WHERE seq = 1`), "forged")
	require.NoError(t, err)

	bad, err = store.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, bad)
}

func TestAlertsAndSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAlert(ctx, &types.Alert{
		ID:        uuid.New().String(),
		Severity:  types.SeverityHigh,
		Source:    "queue",
		Message:   "job exhausted retries",
		CreatedAt: time.Now(),
	}))
	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityHigh, alerts[0].Severity)

	require.NoError(t, store.InsertMetricsSnapshot(ctx, &types.MetricsSnapshot{
		ID:         uuid.New().String(),
		CapturedAt: time.Now(),
		Data:       json.RawMessage(`{"burrow_jobs_enqueued_total":4}`),
	}))
}

func TestSweeper(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testJob(types.QueueJobExecution, types.PriorityNormal, time.Now().Add(-72*time.Hour))
	old.State = types.JobStateCompleted
	old.FinishedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, old))

	sweeper := NewSweeper(store, RetentionPolicy{
		Completed: 24 * time.Hour,
		Failed:    7 * 24 * time.Hour,
	}, time.Hour)
	sweeper.Sweep(ctx)

	_, err := store.GetJob(ctx, old.ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
