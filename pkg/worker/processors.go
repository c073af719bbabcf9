package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/runtime"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// quarantineMaxAge is how long a quarantined sandbox is kept for forensics
// before the cleanup sweep removes it.
const quarantineMaxAge = 24 * time.Hour

// rateLimitAlertThreshold triggers an operator alert when the hosting
// service's remaining request budget drops below it.
const rateLimitAlertThreshold = 100

// PrepareRunnerProcessor moves a registered proxy runner from starting to
// idle once its registration settles.
func PrepareRunnerProcessor(store storage.Store) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			RunnerID string `json:"runner_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.RunnerID == "" {
			return errdefs.Validation("invalid_payload", "runner_id is required")
		}
		runner, err := store.GetRunner(ctx, p.RunnerID)
		if err != nil {
			if errdefs.KindOf(err) == errdefs.KindNotFound {
				// Registration may still be in flight; the fixed retry policy
				// covers the race.
				return errdefs.New(errdefs.KindDependencyUnavailable, "runner_not_registered", "runner %s not registered yet", p.RunnerID)
			}
			return err
		}
		if runner.State != types.RunnerStateStarting {
			return nil
		}
		runner.State = types.RunnerStateIdle
		return store.UpsertRunner(ctx, runner)
	}
}

// CleanupRunnerProcessor releases whichever runner is still assigned to a
// finished or dead job. Running it against an already-released job is a
// no-op.
func CleanupRunnerProcessor(store storage.Store, registry *pool.Registry) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.JobID == "" {
			return errdefs.Validation("invalid_payload", "job_id is required")
		}
		runners, err := store.ListRunners(ctx)
		if err != nil {
			return err
		}
		for _, runner := range runners {
			if runner.AssignedJobID == p.JobID {
				return registry.Finish(ctx, runner.ID)
			}
		}
		return nil
	}
}

// CreateContainerProcessor prewarms the pool with one sandbox for the
// requested label set.
func CreateContainerProcessor(m *pool.Manager) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			Labels []string `json:"labels"`
		}
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return errdefs.Validation("invalid_payload", "payload is not a container request")
			}
		}
		m.Prewarm(p.Labels)
		return nil
	}
}

// DestroyContainerProcessor tears one sandbox down. A container the pool no
// longer tracks counts as destroyed.
func DestroyContainerProcessor(m *pool.Manager) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			ContainerID string `json:"container_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.ContainerID == "" {
			return errdefs.Validation("invalid_payload", "container_id is required")
		}
		if err := m.Terminate(ctx, p.ContainerID); err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
			return err
		}
		return nil
	}
}

// HealthCheckProcessor probes one sandbox on demand.
func HealthCheckProcessor(mon *runtime.HealthMonitor) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			ContainerID string `json:"container_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.ContainerID == "" {
			return errdefs.Validation("invalid_payload", "container_id is required")
		}
		mon.Check(ctx, p.ContainerID)
		return nil
	}
}

// ProcessWebhookProcessor translates a stored delivery into follow-on work:
// CI-triggering events become execute_workflow jobs; everything else is
// acknowledged and dropped.
func ProcessWebhookProcessor(store storage.Store, enqueuer Enqueuer) queue.Processor {
	logger := log.WithComponent("webhook-worker")
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			DeliveryID string `json:"delivery_id"`
			Event      string `json:"event"`
			Repository string `json:"repository"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.DeliveryID == "" {
			return errdefs.Validation("malformed_payload", "delivery_id is required")
		}
		event, err := store.GetWebhookEvent(ctx, p.DeliveryID)
		if err != nil {
			return err
		}

		wf, ok := workflowFromEvent(event)
		if !ok {
			return nil
		}
		payload, err := json.Marshal(wf)
		if err != nil {
			return errdefs.New(errdefs.KindInternal, "payload_encode_failed", "encoding workflow payload")
		}
		spawned, err := enqueuer.Enqueue(ctx, types.JobExecuteWorkflow, payload, queue.WithSourceEvent(p.DeliveryID))
		if err != nil {
			return err
		}
		logger.Info().
			Str("delivery_id", p.DeliveryID).
			Str("event_type", event.EventType).
			Str("job_id", spawned.ID).
			Msg("Webhook translated to workflow job")
		return nil
	}
}

// workflowFromEvent extracts a workflow execution from the delivery body.
// Only queued workflow_job events, requested workflow_run events, pushes,
// and opened or updated pull requests trigger one.
func workflowFromEvent(event *types.WebhookEvent) (*workflowPayload, bool) {
	switch event.EventType {
	case "workflow_job":
		var body struct {
			Action      string `json:"action"`
			WorkflowJob struct {
				Name         string   `json:"name"`
				WorkflowName string   `json:"workflow_name"`
				HeadSHA      string   `json:"head_sha"`
				Labels       []string `json:"labels"`
			} `json:"workflow_job"`
		}
		if json.Unmarshal(event.Payload, &body) != nil || body.Action != "queued" {
			return nil, false
		}
		name := body.WorkflowJob.WorkflowName
		if name == "" {
			name = body.WorkflowJob.Name
		}
		return &workflowPayload{
			Repository: event.Repository,
			Workflow:   name,
			Event:      event.EventType,
			HeadSHA:    body.WorkflowJob.HeadSHA,
			Labels:     body.WorkflowJob.Labels,
		}, name != ""

	case "workflow_run":
		var body struct {
			Action      string `json:"action"`
			WorkflowRun struct {
				Name    string `json:"name"`
				HeadSHA string `json:"head_sha"`
			} `json:"workflow_run"`
		}
		if json.Unmarshal(event.Payload, &body) != nil || body.Action != "requested" {
			return nil, false
		}
		return &workflowPayload{
			Repository: event.Repository,
			Workflow:   body.WorkflowRun.Name,
			Event:      event.EventType,
			HeadSHA:    body.WorkflowRun.HeadSHA,
		}, body.WorkflowRun.Name != ""

	case "push":
		var body struct {
			After   string `json:"after"`
			Deleted bool   `json:"deleted"`
		}
		if json.Unmarshal(event.Payload, &body) != nil || body.Deleted {
			return nil, false
		}
		return &workflowPayload{
			Repository: event.Repository,
			Workflow:   "push",
			Event:      event.EventType,
			HeadSHA:    body.After,
		}, true

	case "pull_request":
		var body struct {
			Action      string `json:"action"`
			PullRequest struct {
				Head struct {
					SHA string `json:"sha"`
				} `json:"head"`
			} `json:"pull_request"`
		}
		if json.Unmarshal(event.Payload, &body) != nil {
			return nil, false
		}
		switch body.Action {
		case "opened", "synchronize", "reopened":
		default:
			return nil, false
		}
		return &workflowPayload{
			Repository: event.Repository,
			Workflow:   "pull_request",
			Event:      event.EventType,
			HeadSHA:    body.PullRequest.Head.SHA,
		}, true
	}
	return nil, false
}

// StatusMirror pushes commit statuses to the hosting service.
type StatusMirror interface {
	CreateCommitStatus(ctx context.Context, owner, repo, sha string, status github.CommitStatus) error
}

// UpdateStatusProcessor mirrors one commit status update.
func UpdateStatusProcessor(mirror StatusMirror) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		var p struct {
			Repository  string `json:"repository"`
			HeadSHA     string `json:"head_sha"`
			State       string `json:"state"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.Repository == "" || p.HeadSHA == "" {
			return errdefs.Validation("invalid_payload", "repository and head_sha are required")
		}
		owner, name, ok := splitRepo(p.Repository)
		if !ok {
			return errdefs.Validation("invalid_payload", "repository %q is not owner/name", p.Repository)
		}
		return mirror.CreateCommitStatus(ctx, owner, name, p.HeadSHA, github.CommitStatus{
			State:       github.CommitState(p.State),
			Description: p.Description,
			Context:     "burrow/workflow",
		})
	}
}

// SyncExternalDataProcessor verifies hosting-service connectivity and
// alerts when the request budget runs low. Errors are re-coded to match the
// class's retryable list.
func SyncExternalDataProcessor(gh *github.Client, store storage.Store) queue.Processor {
	return func(ctx context.Context, job *types.Job) error {
		rl, err := gh.CheckConnectivity(ctx)
		if err != nil {
			switch errdefs.KindOf(err) {
			case errdefs.KindRateLimited:
				return errdefs.Wrap(err, errdefs.KindRateLimited, "rate_limit", "hosting service rate limited")
			case errdefs.KindDependencyUnavailable, errdefs.KindDependencyTimeout:
				return errdefs.Wrap(err, errdefs.KindDependencyUnavailable, "network_error", "hosting service unreachable")
			}
			return err
		}
		if rl.Remaining < rateLimitAlertThreshold {
			alert := &types.Alert{
				ID:       job.ID,
				Severity: types.SeverityMedium,
				Source:   "github",
				Message: fmt.Sprintf("hosting-service request budget low: %d of %d remaining until %s",
					rl.Remaining, rl.Limit, rl.ResetAt.Format(time.RFC3339)),
				CreatedAt: time.Now().UTC(),
			}
			return store.InsertAlert(ctx, alert)
		}
		return nil
	}
}

// CleanupContainersProcessor removes stopped sandboxes and evicts
// quarantined ones past the forensics window.
func CleanupContainersProcessor(store storage.Store, engine runtime.Engine) queue.Processor {
	logger := log.WithComponent("cleanup")
	return func(ctx context.Context, job *types.Job) error {
		stopped, err := store.ListContainers(ctx, types.ContainerStateStopped)
		if err != nil {
			return err
		}
		for _, c := range stopped {
			if err := removeContainer(ctx, store, engine, c); err != nil {
				log.Err(logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to remove stopped container")
			}
		}

		quarantined, err := store.ListContainers(ctx, types.ContainerStateQuarantined)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-quarantineMaxAge)
		for _, c := range quarantined {
			assessed := c.LastAssessedAt
			if assessed.IsZero() {
				assessed = c.CreatedAt
			}
			if assessed.After(cutoff) {
				continue
			}
			if err := engine.Stop(ctx, c.ID, 5*time.Second); err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
				log.Err(logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to stop quarantined container")
				continue
			}
			if err := removeContainer(ctx, store, engine, c); err != nil {
				log.Err(logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to evict quarantined container")
				continue
			}
			if err := store.ResolveViolations(ctx, c.ID); err != nil {
				log.Err(logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to resolve violations")
			}
		}
		return nil
	}
}

func removeContainer(ctx context.Context, store storage.Store, engine runtime.Engine, c *types.Container) error {
	if err := engine.Remove(ctx, c.ID); err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
		return err
	}
	c.State = types.ContainerStateRemoved
	return store.UpdateContainer(ctx, c)
}

func splitRepo(repo string) (owner, name string, ok bool) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			return repo[:i], repo[i+1:], i > 0 && i < len(repo)-1
		}
	}
	return "", "", false
}
