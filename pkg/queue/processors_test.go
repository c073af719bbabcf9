package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

func TestCollectMetricsProcessor(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := CollectMetricsProcessor(metrics.NewPrometheusSink(), store)
	err = proc(context.Background(), &types.Job{ID: "j1", Class: types.JobCollectMetrics})
	assert.NoError(t, err)
}

func TestSendAlertProcessor(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := SendAlertProcessor(store, nil)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{
		"severity": "critical",
		"source":   "queue",
		"message":  "job moved to dead-letter",
	})
	require.NoError(t, proc(ctx, &types.Job{ID: "j1", Payload: payload}))

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "job moved to dead-letter", alerts[0].Message)

	// A missing message is a malformed payload.
	err = proc(ctx, &types.Job{ID: "j2", Payload: json.RawMessage(`{"severity":"low"}`)})
	assert.Equal(t, "malformed_payload", errdefs.CodeOf(err))
}

func TestCleanupOldJobsProcessor(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	old := testQueueJob(types.JobStateCompleted, time.Now().Add(-48*time.Hour))
	fresh := testQueueJob(types.JobStateCompleted, time.Now().Add(-time.Hour))
	require.NoError(t, store.CreateJob(ctx, old))
	require.NoError(t, store.CreateJob(ctx, fresh))

	proc := CleanupOldJobsProcessor(store, storage.RetentionPolicy{
		Completed:     24 * time.Hour,
		Failed:        7 * 24 * time.Hour,
		WebhookEvents: 7 * 24 * time.Hour,
	})
	require.NoError(t, proc(ctx, &types.Job{ID: "sweep"}))

	_, err = store.GetJob(ctx, old.ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
	_, err = store.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestCleanupLogsProcessor(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "job-old.log")
	newFile := filepath.Join(dir, "job-new.log")
	require.NoError(t, os.WriteFile(oldFile, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(newFile, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(oldFile, time.Now().Add(-48*time.Hour), time.Now().Add(-48*time.Hour)))

	proc := CleanupLogsProcessor(dir, 24*time.Hour)
	require.NoError(t, proc(context.Background(), &types.Job{ID: "sweep"}))

	_, err := os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newFile)
	assert.NoError(t, err)

	// A missing directory is fine.
	missing := CleanupLogsProcessor(filepath.Join(dir, "nope"), 24*time.Hour)
	assert.NoError(t, missing(context.Background(), &types.Job{ID: "sweep"}))
}

func testQueueJob(state types.JobState, finished time.Time) *types.Job {
	return &types.Job{
		ID:         uuid.NewString(),
		Class:      types.JobCollectMetrics,
		Queue:      types.QueueMonitoring,
		Priority:   types.PriorityNormal,
		State:      state,
		Retry:      types.RetryPolicy{Strategy: types.BackoffFixed, BaseDelay: time.Second, MaxAttempts: 2},
		EnqueuedAt: finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}
