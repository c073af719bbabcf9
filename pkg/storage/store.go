package storage

import (
	"context"
	"time"

	"github.com/burrowci/burrow/pkg/types"
)

// JobFilter narrows job listings.
type JobFilter struct {
	Queue  string
	State  types.JobState
	Class  types.JobClass
	Limit  int
	Offset int
}

// Store defines the interface for durable orchestrator state.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	// UpdateJob persists the job if its version matches the stored row,
	// bumping the version. A mismatch returns a conflict error.
	UpdateJob(ctx context.Context, job *types.Job) error
	// ReserveJob atomically moves the best queued job (priority asc,
	// enqueued_at asc) in queue to active under the given reservation.
	// Returns not_found when the queue is empty.
	ReserveJob(ctx context.Context, queue, reservation string, until, now time.Time) (*types.Job, error)
	ExtendReservation(ctx context.Context, jobID, reservation string, until time.Time) error
	// ReclaimStalled returns active jobs whose reservation lapsed to queued
	// and reports them.
	ReclaimStalled(ctx context.Context, now time.Time) ([]*types.Job, error)
	// PromoteDelayed moves due delayed jobs back to queued.
	PromoteDelayed(ctx context.Context, now time.Time) ([]*types.Job, error)
	CountJobs(ctx context.Context) (map[string]map[string]int, error)
	DeleteJobsBefore(ctx context.Context, state types.JobState, cutoff time.Time) (int64, error)

	// Webhook events
	// InsertWebhookEvent is idempotent on delivery id; inserted reports
	// whether a new row was written.
	InsertWebhookEvent(ctx context.Context, ev *types.WebhookEvent) (inserted bool, err error)
	GetWebhookEvent(ctx context.Context, deliveryID string) (*types.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, deliveryID string, processed bool) error
	DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Runners
	UpsertRunner(ctx context.Context, runner *types.Runner) error
	GetRunner(ctx context.Context, id string) (*types.Runner, error)
	ListRunners(ctx context.Context) ([]*types.Runner, error)
	DeleteRunner(ctx context.Context, id string) error

	// Containers
	CreateContainer(ctx context.Context, c *types.Container) error
	GetContainer(ctx context.Context, id string) (*types.Container, error)
	ListContainers(ctx context.Context, state types.ContainerState) ([]*types.Container, error)
	UpdateContainer(ctx context.Context, c *types.Container) error
	DeleteContainer(ctx context.Context, id string) error
	UpsertContainerHealth(ctx context.Context, h *types.ContainerHealth) error
	GetContainerHealth(ctx context.Context, containerID string) (*types.ContainerHealth, error)

	// Security
	// InsertViolation is idempotent per (rule, container, open).
	InsertViolation(ctx context.Context, v *types.Violation) (inserted bool, err error)
	ListOpenViolations(ctx context.Context, containerID string) ([]*types.Violation, error)
	ResolveViolations(ctx context.Context, containerID string) error
	InsertScanResult(ctx context.Context, r *types.ScanResult) error
	ListScanResults(ctx context.Context, containerID string) ([]*types.ScanResult, error)
	UpsertSecurityProfile(ctx context.Context, p *types.SecurityProfile) error
	GetSecurityProfile(ctx context.Context, containerID string) (*types.SecurityProfile, error)

	// Audit
	AppendAudit(ctx context.Context, actor, action, resource, outcome string) (*types.AuditEntry, error)
	ListAudit(ctx context.Context, limit int) ([]*types.AuditEntry, error)
	// VerifyAuditChain recomputes the hash chain and reports the first
	// sequence number whose hash does not verify (0 when intact).
	VerifyAuditChain(ctx context.Context) (int64, error)

	// Alerts and telemetry
	InsertAlert(ctx context.Context, a *types.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*types.Alert, error)
	InsertMetricsSnapshot(ctx context.Context, s *types.MetricsSnapshot) error

	// Health
	Ping(ctx context.Context) error
	PingReplica(ctx context.Context) error

	Close() error
}
