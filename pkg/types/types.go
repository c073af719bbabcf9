package types

import (
	"encoding/json"
	"time"
)

// JobClass discriminates how a job is routed, retried, and processed.
type JobClass string

const (
	JobExecuteWorkflow   JobClass = "execute_workflow"
	JobPrepareRunner     JobClass = "prepare_runner"
	JobCleanupRunner     JobClass = "cleanup_runner"
	JobCreateContainer   JobClass = "create_container"
	JobDestroyContainer  JobClass = "destroy_container"
	JobHealthCheck       JobClass = "health_check"
	JobProcessWebhook    JobClass = "process_webhook"
	JobSyncExternalData  JobClass = "sync_external_data"
	JobCollectMetrics    JobClass = "collect_metrics"
	JobSendAlert         JobClass = "send_alert"
	JobUpdateStatus      JobClass = "update_status"
	JobCleanupOldJobs    JobClass = "cleanup_old_jobs"
	JobCleanupContainers JobClass = "cleanup_containers"
	JobCleanupLogs       JobClass = "cleanup_logs"
)

// KnownJobClasses lists every class the router accepts.
var KnownJobClasses = []JobClass{
	JobExecuteWorkflow, JobPrepareRunner, JobCleanupRunner,
	JobCreateContainer, JobDestroyContainer, JobHealthCheck,
	JobProcessWebhook, JobSyncExternalData, JobCollectMetrics,
	JobSendAlert, JobUpdateStatus,
	JobCleanupOldJobs, JobCleanupContainers, JobCleanupLogs,
}

// Priority orders jobs within a queue. Lower value runs first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// JobState represents the queue lifecycle of a job.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateActive  JobState = "active"
	JobStateDelayed JobState = "delayed"
	// JobStateAssigned fences a job handed to a proxy runner: queue workers
	// reserve only queued jobs, so an assigned job runs exactly once, on the
	// runner. It returns to queued if the runner goes away.
	JobStateAssigned  JobState = "assigned"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDead      JobState = "dead"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateDead
}

// BackoffStrategy names a retry delay formula.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffCustom      BackoffStrategy = "custom"
)

// RetryPolicy is snapshotted onto each job at enqueue time so later policy
// changes never affect in-flight work.
type RetryPolicy struct {
	Strategy     BackoffStrategy `json:"strategy"`
	BaseDelay    time.Duration   `json:"base_delay"`
	Multiplier   float64         `json:"multiplier,omitempty"`
	MaxDelay     time.Duration   `json:"max_delay,omitempty"`
	MaxAttempts  int             `json:"max_attempts"`
	NonRetryable []string        `json:"non_retryable,omitempty"`
	Retryable    []string        `json:"retryable,omitempty"`

	// CustomDelays holds per-attempt delays for the custom strategy.
	CustomDelays []time.Duration `json:"custom_delays,omitempty"`
}

// Job is a unit of work owned by exactly one queue.
type Job struct {
	ID            string          `json:"id" db:"id"`
	SourceEventID string          `json:"source_event_id,omitempty" db:"source_event_id"`
	Class         JobClass        `json:"class" db:"class"`
	Queue         string          `json:"queue" db:"queue"`
	Priority      Priority        `json:"priority" db:"priority"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	State         JobState        `json:"state" db:"state"`
	Attempts      int             `json:"attempts" db:"attempts"`
	Retry         RetryPolicy     `json:"retry" db:"-"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`

	// Reservation is held by at most one worker and expires at ReservedUntil.
	Reservation   string    `json:"reservation,omitempty" db:"reservation"`
	ReservedUntil time.Time `json:"reserved_until,omitempty" db:"reserved_until"`

	// DueAt applies only in the delayed state.
	DueAt      time.Time `json:"due_at,omitempty" db:"due_at"`
	EnqueuedAt time.Time `json:"enqueued_at" db:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" db:"finished_at"`

	// Version guards optimistic concurrent updates in the store.
	Version int64 `json:"-" db:"version"`
}

// MaxPayloadBytes bounds the opaque payload carried by a job.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Queue names. Each maps to a worker pool in the queue engine.
const (
	QueueJobExecution        = "JOB_EXECUTION"
	QueueContainerManagement = "CONTAINER_MANAGEMENT"
	QueueMonitoring          = "MONITORING"
	QueueWebhookProcessing   = "WEBHOOK_PROCESSING"
	QueueCleanup             = "CLEANUP"
	QueueMetricsCollection   = "METRICS_COLLECTION"
)

// QueueNames lists all named queues in status-report order.
var QueueNames = []string{
	QueueJobExecution,
	QueueContainerManagement,
	QueueMonitoring,
	QueueWebhookProcessing,
	QueueCleanup,
	QueueMetricsCollection,
}

// WebhookEvent is a received hosting-service delivery. The delivery ID is the
// idempotency key: at most one persisted row exists per delivery.
type WebhookEvent struct {
	DeliveryID     string          `json:"delivery_id" db:"delivery_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Repository     string          `json:"repository" db:"repository"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	SignatureValid bool            `json:"signature_valid" db:"signature_valid"`
	Processed      bool            `json:"processed" db:"processed"`
	ReceivedAt     time.Time       `json:"received_at" db:"received_at"`
}

// RunnerState represents the lifecycle of a proxy runner.
type RunnerState string

const (
	RunnerStateIdle        RunnerState = "idle"
	RunnerStateStarting    RunnerState = "starting"
	RunnerStateBusy        RunnerState = "busy"
	RunnerStateOffline     RunnerState = "offline"
	RunnerStateQuarantined RunnerState = "quarantined"
)

// Runner is a registered proxy runner that delegates its work here.
type Runner struct {
	ID            string      `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	Labels        []string    `json:"labels" db:"-"`
	State         RunnerState `json:"state" db:"state"`
	Capabilities  []string    `json:"capabilities,omitempty" db:"-"`
	LastHeartbeat time.Time   `json:"last_heartbeat" db:"last_heartbeat"`
	AssignedJobID string      `json:"assigned_job_id,omitempty" db:"assigned_job_id"`
	RegisteredAt  time.Time   `json:"registered_at" db:"registered_at"`
}

// HasLabels reports whether the runner's label set covers want.
func (r *Runner) HasLabels(want []string) bool {
	have := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		have[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// ContainerState represents the sandbox container lifecycle.
type ContainerState string

const (
	ContainerStateCreating    ContainerState = "creating"
	ContainerStateRunning     ContainerState = "running"
	ContainerStateStopped     ContainerState = "stopped"
	ContainerStateRemoved     ContainerState = "removed"
	ContainerStateQuarantined ContainerState = "quarantined"
)

// ResourceLimits caps a sandbox container.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
	Pids        int64   `json:"pids"`
	FDs         int64   `json:"fds"`
}

// Container is an ephemeral sandbox owned by the pool manager. Relations to
// runner and job are carried as IDs, never as embedded references.
type Container struct {
	ID               string         `json:"id" db:"id"`
	RunnerID         string         `json:"runner_id,omitempty" db:"runner_id"`
	JobID            string         `json:"job_id,omitempty" db:"job_id"`
	Image            string         `json:"image" db:"image"`
	ImageDigest      string         `json:"image_digest,omitempty" db:"image_digest"`
	Labels           []string       `json:"labels" db:"-"`
	State            ContainerState `json:"state" db:"state"`
	Limits           ResourceLimits `json:"limits" db:"-"`
	NetworkNamespace string         `json:"network_namespace,omitempty" db:"network_namespace"`
	SecurityScore    int            `json:"security_score" db:"security_score"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	LastAssessedAt   time.Time      `json:"last_assessed_at,omitempty" db:"last_assessed_at"`
}

// ContainerHealth is the latest probe outcome for a container.
type ContainerHealth struct {
	ContainerID         string    `json:"container_id" db:"container_id"`
	Healthy             bool      `json:"healthy" db:"healthy"`
	Message             string    `json:"message,omitempty" db:"message"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`
	CheckedAt           time.Time `json:"checked_at" db:"checked_at"`
}

// Severity grades violations, scan findings, and alerts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// SecurityStatus summarizes a container's risk posture.
type SecurityStatus string

const (
	SecurityStatusSecure   SecurityStatus = "SECURE"
	SecurityStatusWarning  SecurityStatus = "WARNING"
	SecurityStatusCritical SecurityStatus = "CRITICAL"
)

// Violation records a matched security rule against a container.
type Violation struct {
	ID          string    `json:"id" db:"id"`
	RuleID      string    `json:"rule_id" db:"rule_id"`
	ContainerID string    `json:"container_id" db:"container_id"`
	Severity    Severity  `json:"severity" db:"severity"`
	Message     string    `json:"message" db:"message"`
	DetectedAt  time.Time `json:"detected_at" db:"detected_at"`
	Resolved    bool      `json:"resolved" db:"resolved"`
}

// ScanType enumerates scanners the security evaluator can request.
type ScanType string

const (
	ScanVulnerability ScanType = "vulnerability"
	ScanSecrets       ScanType = "secrets"
	ScanCompliance    ScanType = "compliance"
	ScanMalware       ScanType = "malware"
	ScanLicense       ScanType = "license"
)

// ScanResult summarizes one scan of a container.
type ScanResult struct {
	ID          string    `json:"id" db:"id"`
	ContainerID string    `json:"container_id" db:"container_id"`
	Type        ScanType  `json:"type" db:"type"`
	Critical    int       `json:"critical" db:"critical"`
	High        int       `json:"high" db:"high"`
	Medium      int       `json:"medium" db:"medium"`
	Low         int       `json:"low" db:"low"`
	Grade       string    `json:"grade,omitempty" db:"grade"`
	ScannedAt   time.Time `json:"scanned_at" db:"scanned_at"`
}

// SecurityProfile is the recomputed risk posture of one container.
type SecurityProfile struct {
	ContainerID string         `json:"container_id" db:"container_id"`
	PolicyIDs   []string       `json:"policy_ids" db:"-"`
	Violations  []Violation    `json:"violations,omitempty" db:"-"`
	Scans       []ScanResult   `json:"scans,omitempty" db:"-"`
	RiskScore   int            `json:"risk_score" db:"risk_score"`
	Status      SecurityStatus `json:"status" db:"status"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// Lease is a TTL-bounded exclusive hold on a coordination-store key.
// Generation increases monotonically across successful acquisitions.
type Lease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	Generation int64     `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AuditEntry is an append-only record chained by hash to its predecessor.
type AuditEntry struct {
	Seq       int64     `json:"seq" db:"seq"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Resource  string    `json:"resource" db:"resource"`
	Outcome   string    `json:"outcome" db:"outcome"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	PrevHash  string    `json:"prev_hash" db:"prev_hash"`
	Hash      string    `json:"hash" db:"hash"`
}

// Alert is an operator-facing notification produced by send_alert jobs.
type Alert struct {
	ID        string    `json:"id" db:"id"`
	Severity  Severity  `json:"severity" db:"severity"`
	Source    string    `json:"source" db:"source"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MetricsSnapshot is a periodic capture of orchestrator gauges.
type MetricsSnapshot struct {
	ID         string          `json:"id" db:"id"`
	CapturedAt time.Time       `json:"captured_at" db:"captured_at"`
	Data       json.RawMessage `json:"data" db:"data"`
}

// ContainerStats is a point-in-time resource reading for one container.
type ContainerStats struct {
	ContainerID string    `json:"container_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	MemoryLimit uint64    `json:"memory_limit"`
	NetRxBytes  uint64    `json:"net_rx_bytes"`
	NetTxBytes  uint64    `json:"net_tx_bytes"`
	BlockRead   uint64    `json:"block_read"`
	BlockWrite  uint64    `json:"block_write"`
	ReadAt      time.Time `json:"read_at"`
}

// ExecResult captures one exec invocation inside a container.
type ExecResult struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Event is a published orchestrator event, carried over coordination-store
// channels and fanned out to websocket clients.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	JobID     string            `json:"job_id,omitempty"`
	RunnerID  string            `json:"runner_id,omitempty"`
	Container string            `json:"container_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}
