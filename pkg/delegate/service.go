package delegate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
	"github.com/burrowci/burrow/pkg/webhook"
)

// assignmentPollInterval paces the long-poll loop against the store.
const assignmentPollInterval = 500 * time.Millisecond

// maxAssignmentWait caps how long one assignment long-poll may hold its
// connection.
const maxAssignmentWait = 30 * time.Second

// Enqueuer submits delegated jobs to the queue engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, class types.JobClass, payload json.RawMessage, opts ...queue.EnqueueOption) (*types.Job, error)
}

// StatusMirror pushes terminal job states to the hosting service.
type StatusMirror interface {
	CreateCommitStatus(ctx context.Context, owner, repo, sha string, status github.CommitStatus) error
}

// DelegateRequest is one job submission from a proxy runner.
type DelegateRequest struct {
	Repository string          `json:"repository"`
	Workflow   string          `json:"workflow"`
	HeadSHA    string          `json:"head_sha,omitempty"`
	Labels     []string        `json:"labels,omitempty"`
	RunnerID   string          `json:"runner_id,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
}

// StatusReport is a proxy runner's lifecycle update for a delegated job.
type StatusReport struct {
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
}

// Reportable statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Service implements the delegation protocol: proxies submit jobs, long-poll
// their assignment, and report lifecycle transitions, which the service
// mirrors back to the hosting service.
type Service struct {
	store    storage.Store
	registry *pool.Registry
	enqueuer Enqueuer
	mirror   StatusMirror
	coord    *coord.Client
	logger   zerolog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithMirror enables hosting-service status mirroring.
func WithMirror(m StatusMirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithCoordinator enables job event publication.
func WithCoordinator(c *coord.Client) Option {
	return func(s *Service) { s.coord = c }
}

// NewService wires the delegation service.
func NewService(store storage.Store, registry *pool.Registry, enqueuer Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		enqueuer: enqueuer,
		logger:   log.WithComponent("delegate"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delegate validates and enqueues an execute_workflow job, assigning it to
// the named runner or to the oldest idle runner covering the labels when one
// exists. An assigned job is fenced from the queue workers until the runner
// reports it done or goes offline; jobs without a matching runner stay
// queued for the worker pool.
func (s *Service) Delegate(ctx context.Context, req *DelegateRequest) (*types.Job, error) {
	if !webhook.ValidRepoName(req.Repository) {
		return nil, errdefs.Validation("invalid_repository", "repository %q is not owner/name", req.Repository)
	}
	if req.Workflow == "" {
		return nil, errdefs.Validation("missing_workflow", "workflow is required")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"repository": req.Repository,
		"workflow":   req.Workflow,
		"head_sha":   req.HeadSHA,
		"labels":     req.Labels,
		"inputs":     req.Inputs,
	})
	if err != nil {
		return nil, errdefs.New(errdefs.KindInternal, "payload_encode_failed", "encoding delegation payload")
	}

	job, err := s.enqueuer.Enqueue(ctx, types.JobExecuteWorkflow, payload)
	if err != nil {
		return nil, err
	}

	runnerID := req.RunnerID
	if runnerID == "" {
		if runner, ferr := s.registry.FindIdle(ctx, req.Labels); ferr == nil {
			runnerID = runner.ID
		}
	}
	if runnerID != "" {
		s.claimForRunner(ctx, job, runnerID)
	}
	return job, nil
}

// claimForRunner fences the job from the queue workers before pointing the
// runner at it. The fence is an optimistic state transition: if a worker
// reserved the job first, the claim loses and the job runs in a sandbox
// instead. A claim whose runner assignment then fails is rolled back to
// queued.
func (s *Service) claimForRunner(ctx context.Context, job *types.Job, runnerID string) {
	job.State = types.JobStateAssigned
	if err := s.store.UpdateJob(ctx, job); err != nil {
		job.State = types.JobStateQueued
		log.Err(s.logger.Warn(), err).Str("runner_id", runnerID).Str("job_id", job.ID).Msg("Job claimed by a queue worker before runner assignment")
		return
	}
	if err := s.registry.Assign(ctx, runnerID, job.ID); err != nil {
		log.Err(s.logger.Warn(), err).Str("runner_id", runnerID).Str("job_id", job.ID).Msg("Runner assignment failed, job returns to the queue")
		job.State = types.JobStateQueued
		if uerr := s.store.UpdateJob(ctx, job); uerr != nil {
			log.Err(s.logger.Error(), uerr).Str("job_id", job.ID).Msg("Failed to unfence job after assignment failure")
		}
		return
	}
	s.logger.Info().Str("runner_id", runnerID).Str("job_id", job.ID).Msg("Job assigned to runner")
}

// Assignment long-polls the runner's current assignment, returning not_found
// when nothing is assigned within the wait budget.
func (s *Service) Assignment(ctx context.Context, runnerID string, wait time.Duration) (*types.Job, error) {
	if wait <= 0 || wait > maxAssignmentWait {
		wait = maxAssignmentWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(assignmentPollInterval)
	defer ticker.Stop()

	for {
		runner, err := s.store.GetRunner(ctx, runnerID)
		if err != nil {
			return nil, err
		}
		if runner.AssignedJobID != "" {
			return s.store.GetJob(ctx, runner.AssignedJobID)
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, errdefs.NotFound("no_assignment", "runner %s has no assigned job", runnerID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReportStatus applies a proxy's lifecycle report to the job, frees the
// runner on terminal states, and mirrors the outcome to the hosting
// service.
func (s *Service) ReportStatus(ctx context.Context, jobID string, report *StatusReport) (*types.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, errdefs.Conflict("job_terminal", "job %s is already %s", jobID, job.State)
	}

	now := time.Now().UTC()
	switch report.Status {
	case StatusInProgress:
		job.State = types.JobStateActive
		if job.StartedAt.IsZero() {
			job.StartedAt = now
		}
	case StatusCompleted:
		job.State = types.JobStateCompleted
		job.FinishedAt = now
	case StatusFailed:
		job.State = types.JobStateFailed
		job.FinishedAt = now
		job.LastError = report.Message
		if job.LastError == "" && report.ExitCode != nil {
			job.LastError = "proxy reported nonzero exit"
		}
	default:
		return nil, errdefs.Validation("invalid_status", "status %q is not reportable", report.Status)
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.publish(job, report)

	if job.State.Terminal() || job.State == types.JobStateFailed {
		s.finishRunner(ctx, job.ID)
		s.mirrorStatus(ctx, job)
	}
	return job, nil
}

// finishRunner returns the runner assigned to jobID to idle.
func (s *Service) finishRunner(ctx context.Context, jobID string) {
	runners, err := s.store.ListRunners(ctx)
	if err != nil {
		log.Err(s.logger.Warn(), err).Msg("Failed to list runners for release")
		return
	}
	for _, runner := range runners {
		if runner.AssignedJobID != jobID {
			continue
		}
		if err := s.registry.Finish(ctx, runner.ID); err != nil {
			log.Err(s.logger.Warn(), err).Str("runner_id", runner.ID).Msg("Failed to release runner")
		}
		return
	}
}

// mirrorStatus pushes the job's terminal state as a commit status when the
// payload names a repository and commit.
func (s *Service) mirrorStatus(ctx context.Context, job *types.Job) {
	if s.mirror == nil {
		return
	}
	var meta struct {
		Repository string `json:"repository"`
		HeadSHA    string `json:"head_sha"`
	}
	if err := json.Unmarshal(job.Payload, &meta); err != nil || meta.Repository == "" || meta.HeadSHA == "" {
		return
	}
	owner, name, ok := strings.Cut(meta.Repository, "/")
	if !ok {
		return
	}

	status := github.CommitStatus{
		State:       github.CommitStateFor(job.State),
		Description: "burrow workflow " + string(job.State),
		Context:     "burrow/workflow",
	}
	if err := s.mirror.CreateCommitStatus(ctx, owner, name, meta.HeadSHA, status); err != nil {
		log.Err(s.logger.Warn(), err).Str("job_id", job.ID).Msg("Commit status mirror failed")
	}
}

func (s *Service) publish(job *types.Job, report *StatusReport) {
	if s.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := &types.Event{
		Type:      "job." + report.Status,
		Timestamp: time.Now().UTC(),
		JobID:     job.ID,
		Message:   report.Message,
		Data:      map[string]string{"state": string(job.State)},
	}
	if err := s.coord.Publish(ctx, coord.ChannelJobs, ev); err != nil {
		log.Err(s.logger.Warn(), err).Str("job_id", job.ID).Msg("Failed to publish status event")
	}
}
