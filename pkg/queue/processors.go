package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// CollectMetricsProcessor captures a telemetry snapshot into the store.
func CollectMetricsProcessor(sink metrics.Sink, store storage.Store) Processor {
	return func(ctx context.Context, job *types.Job) error {
		data, err := sink.Snapshot()
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindInternal, "snapshot_failed", "metrics snapshot failed")
		}
		return store.InsertMetricsSnapshot(ctx, &types.MetricsSnapshot{
			ID:         uuid.NewString(),
			CapturedAt: time.Now().UTC(),
			Data:       data,
		})
	}
}

type alertPayload struct {
	Severity string `json:"severity"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// SendAlertProcessor persists an operator alert and fans it out to
// subscribers. The coordination client may be nil.
func SendAlertProcessor(store storage.Store, c *coord.Client) Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p alertPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return errdefs.Validation("malformed_payload", "alert payload: %v", err)
		}
		if p.Message == "" {
			return errdefs.Validation("malformed_payload", "alert payload missing message")
		}
		if p.Severity == "" {
			p.Severity = string(types.SeverityInfo)
		}

		alert := &types.Alert{
			ID:        uuid.NewString(),
			Severity:  types.Severity(p.Severity),
			Source:    p.Source,
			Message:   p.Message,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.InsertAlert(ctx, alert); err != nil {
			return err
		}
		if c != nil {
			_ = c.Publish(ctx, coord.ChannelAlerts, &types.Event{
				Type:    "alert.raised",
				Message: alert.Message,
				Data: map[string]string{
					"alert_id": alert.ID,
					"severity": string(alert.Severity),
					"source":   alert.Source,
				},
			})
		}
		return nil
	}
}

// CleanupOldJobsProcessor applies the retention policy to terminal jobs and
// processed webhook events.
func CleanupOldJobsProcessor(store storage.Store, policy storage.RetentionPolicy) Processor {
	return func(ctx context.Context, job *types.Job) error {
		now := time.Now().UTC()
		if _, err := store.DeleteJobsBefore(ctx, types.JobStateCompleted, now.Add(-policy.Completed)); err != nil {
			return err
		}
		if _, err := store.DeleteJobsBefore(ctx, types.JobStateFailed, now.Add(-policy.Failed)); err != nil {
			return err
		}
		if _, err := store.DeleteJobsBefore(ctx, types.JobStateDead, now.Add(-policy.Failed)); err != nil {
			return err
		}
		if _, err := store.DeleteWebhookEventsBefore(ctx, now.Add(-policy.WebhookEvents)); err != nil {
			return err
		}
		return nil
	}
}

// CleanupLogsProcessor prunes captured job log files older than maxAge from
// dir. Missing directories are not an error.
func CleanupLogsProcessor(dir string, maxAge time.Duration) Processor {
	return func(ctx context.Context, job *types.Job) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errdefs.Wrap(err, errdefs.KindInternal, "log_cleanup_failed", "reading log dir")
		}
		cutoff := time.Now().Add(-maxAge)
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, entry.Name()))
			}
		}
		return nil
	}
}
