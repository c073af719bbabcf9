package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/runtime"
	"github.com/burrowci/burrow/pkg/security"
	"github.com/burrowci/burrow/pkg/types"
	"github.com/burrowci/burrow/pkg/webhook"
)

// workflowEntrypoint is the runner shim baked into the sandbox image. It
// checks out the repository and executes the named workflow.
const workflowEntrypoint = "/opt/burrow/run-workflow"

// defaultExecTimeout bounds one workflow execution inside a sandbox.
const defaultExecTimeout = 30 * time.Minute

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, class types.JobClass, payload json.RawMessage, opts ...queue.EnqueueOption) (*types.Job, error)
}

// Executor processes execute_workflow jobs: it borrows a sandbox from the
// pool, gates it through the security evaluator, runs the workflow shim,
// records framed logs, and enqueues a status mirror job for the commit.
type Executor struct {
	pool      *pool.Manager
	engine    runtime.Engine
	evaluator *security.Evaluator
	enqueuer  Enqueuer
	logDir    string
	timeout   time.Duration
	logger    zerolog.Logger
}

// ExecutorOption configures optional collaborators.
type ExecutorOption func(*Executor)

// WithEvaluator gates sandbox allocation through policy evaluation.
func WithEvaluator(e *security.Evaluator) ExecutorOption {
	return func(x *Executor) { x.evaluator = e }
}

// WithEnqueuer enables update_status follow-up jobs for commits.
func WithEnqueuer(e Enqueuer) ExecutorOption {
	return func(x *Executor) { x.enqueuer = e }
}

// WithExecTimeout overrides the per-workflow execution budget.
func WithExecTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.timeout = d }
}

// NewExecutor builds the workflow executor. logDir receives one framed log
// file per job.
func NewExecutor(p *pool.Manager, engine runtime.Engine, logDir string, opts ...ExecutorOption) *Executor {
	x := &Executor{
		pool:    p,
		engine:  engine,
		logDir:  logDir,
		timeout: defaultExecTimeout,
		logger:  log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// workflowPayload is the execute_workflow job body.
type workflowPayload struct {
	Repository string          `json:"repository"`
	Workflow   string          `json:"workflow"`
	Event      string          `json:"event,omitempty"`
	HeadSHA    string          `json:"head_sha,omitempty"`
	Labels     []string        `json:"labels,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
}

// Process runs one execute_workflow attempt.
func (x *Executor) Process(ctx context.Context, job *types.Job) error {
	var wf workflowPayload
	if err := json.Unmarshal(job.Payload, &wf); err != nil {
		return errdefs.Validation("invalid_workflow_configuration", "payload is not a workflow description")
	}
	if !webhook.ValidRepoName(wf.Repository) {
		return errdefs.Validation("repository_not_found", "repository %q is not owner/name", wf.Repository)
	}
	if wf.Workflow == "" {
		return errdefs.Validation("invalid_workflow_configuration", "workflow is required")
	}

	c, err := x.pool.Request(ctx, wf.Labels, wf.Repository, job.Priority)
	if err != nil {
		return err
	}
	defer x.pool.Release(context.Background(), c.ID)

	if x.evaluator != nil {
		outcome, err := x.evaluator.Evaluate(ctx, sandboxTarget(c, wf.Repository))
		if err != nil {
			return err
		}
		if outcome.Blocked {
			x.mirror(ctx, &wf, "failure", "blocked by security policy")
			return errdefs.Policy("workflow_blocked", "security policy blocked workflow %s on %s", wf.Workflow, wf.Repository)
		}
	}

	if err := x.pool.Assign(ctx, c.ID, job.ID); err != nil {
		return err
	}

	cmd := []string{workflowEntrypoint, wf.Repository, wf.Workflow}
	if wf.HeadSHA != "" {
		cmd = append(cmd, wf.HeadSHA)
	}
	res, err := x.engine.Exec(ctx, c.ID, cmd, x.timeout)
	if err != nil {
		return err
	}
	x.writeLogs(job.ID, res)

	if res.ExitCode != 0 {
		x.mirror(ctx, &wf, "failure", "workflow failed")
		return errdefs.New(errdefs.KindInternal, "workflow_failed", "workflow %s exited with code %d", wf.Workflow, res.ExitCode)
	}

	x.mirror(ctx, &wf, "success", "workflow completed")
	x.logger.Info().
		Str("job_id", job.ID).
		Str("repository", wf.Repository).
		Str("workflow", wf.Workflow).
		Str("container_id", c.ID).
		Msg("Workflow completed")
	return nil
}

// writeLogs persists the exec output as one framed log file per job.
func (x *Executor) writeLogs(jobID string, res *types.ExecResult) {
	if x.logDir == "" {
		return
	}
	f, err := os.Create(filepath.Join(x.logDir, jobID+".log"))
	if err != nil {
		log.Err(x.logger.Warn(), err).Str("job_id", jobID).Msg("Failed to create log file")
		return
	}
	defer f.Close()

	stdout, stderr := runtime.NewFrameWriters(f)
	if len(res.Stdout) > 0 {
		if _, err := stdout.Write(res.Stdout); err != nil {
			log.Err(x.logger.Warn(), err).Str("job_id", jobID).Msg("Failed to write stdout frames")
			return
		}
	}
	if len(res.Stderr) > 0 {
		if _, err := stderr.Write(res.Stderr); err != nil {
			log.Err(x.logger.Warn(), err).Str("job_id", jobID).Msg("Failed to write stderr frames")
		}
	}
}

// mirror enqueues an update_status job for the workflow's commit.
func (x *Executor) mirror(ctx context.Context, wf *workflowPayload, state, description string) {
	if x.enqueuer == nil || wf.HeadSHA == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"repository":  wf.Repository,
		"head_sha":    wf.HeadSHA,
		"state":       state,
		"description": description,
	})
	if _, err := x.enqueuer.Enqueue(ctx, types.JobUpdateStatus, payload); err != nil {
		log.Err(x.logger.Warn(), err).Str("repository", wf.Repository).Msg("Failed to enqueue status update")
	}
}

// sandboxTarget extracts the container attributes policies match against.
func sandboxTarget(c *types.Container, repo string) security.Target {
	registry, name, tag := splitImageRef(c.Image)
	return security.Target{
		ContainerID: c.ID,
		Attributes: map[string]interface{}{
			"image_name": name,
			"image_tag":  tag,
			"registry":   registry,
			"labels":     c.Labels,
			"repository": repo,
			"user":       "sandbox",
		},
	}
}

// splitImageRef breaks an image reference into registry, name, and tag.
// References without a registry host default to docker.io; a missing tag is
// latest.
func splitImageRef(ref string) (registry, name, tag string) {
	registry = "docker.io"
	name = ref

	if i := strings.IndexByte(name, '/'); i > 0 {
		head := name[:i]
		if strings.ContainsAny(head, ".:") || head == "localhost" {
			registry = head
			name = name[i+1:]
		}
	}
	tag = "latest"
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		tag = name[i+1:]
		name = name[:i]
	}
	return registry, name, tag
}
