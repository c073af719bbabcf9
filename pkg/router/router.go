package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

// Route is the deterministic placement decision for one job class and
// payload: owning queue, priority, retry policy snapshot, and options.
type Route struct {
	Queue    string
	Priority types.Priority
	Retry    types.RetryPolicy
	// Delay defers the job's first execution.
	Delay time.Duration
	// Interval marks the class as repeating (scheduled enqueue).
	Interval time.Duration
}

// routedPayload carries the payload fields the routing table inspects.
type routedPayload struct {
	Workflow string `json:"workflow"`
	Event    string `json:"event"`
	Urgent   bool   `json:"urgent"`
	Severity string `json:"severity"`
}

// Resolve maps (class, payload) to its route. Unknown classes are a
// validation error. The function is pure: identical inputs always produce
// identical routes.
func Resolve(class types.JobClass, payload json.RawMessage) (Route, error) {
	var p routedPayload
	if len(payload) > 0 {
		// Routing only needs the known fields; payload schemas are
		// validated at enqueue time by the queue engine.
		_ = json.Unmarshal(payload, &p)
	}

	switch class {
	case types.JobExecuteWorkflow:
		return Route{
			Queue:    types.QueueJobExecution,
			Priority: workflowPriority(p),
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffExponential,
				BaseDelay:   5 * time.Second,
				Multiplier:  2,
				MaxDelay:    60 * time.Second,
				MaxAttempts: 3,
				NonRetryable: []string{
					"invalid_workflow_configuration",
					"authentication_failed",
					"repository_not_found",
				},
			},
		}, nil

	case types.JobPrepareRunner:
		return Route{
			Queue:    types.QueueJobExecution,
			Priority: types.PriorityHigh,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   2 * time.Second,
				MaxAttempts: 5,
			},
		}, nil

	case types.JobCleanupRunner:
		return Route{
			Queue:    types.QueueJobExecution,
			Priority: types.PriorityLow,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   5 * time.Second,
				MaxAttempts: 2,
			},
			Delay: 30 * time.Second,
		}, nil

	case types.JobCreateContainer:
		priority := types.PriorityNormal
		if p.Urgent {
			priority = types.PriorityHigh
		}
		return Route{
			Queue:    types.QueueContainerManagement,
			Priority: priority,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffExponential,
				BaseDelay:   3 * time.Second,
				Multiplier:  1.5,
				MaxAttempts: 3,
			},
		}, nil

	case types.JobDestroyContainer:
		return Route{
			Queue:    types.QueueContainerManagement,
			Priority: types.PriorityNormal,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffLinear,
				BaseDelay:   time.Second,
				Multiplier:  1,
				MaxAttempts: 5,
			},
		}, nil

	case types.JobHealthCheck:
		return Route{
			Queue:    types.QueueContainerManagement,
			Priority: types.PriorityLow,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   time.Second,
				MaxAttempts: 1,
			},
		}, nil

	case types.JobCollectMetrics:
		return Route{
			Queue:    types.QueueMonitoring,
			Priority: types.PriorityNormal,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   time.Second,
				MaxAttempts: 2,
			},
			Interval: 60 * time.Second,
		}, nil

	case types.JobSendAlert:
		return Route{
			Queue:    types.QueueMonitoring,
			Priority: alertPriority(p.Severity),
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffExponential,
				BaseDelay:   time.Second,
				Multiplier:  2,
				MaxDelay:    30 * time.Second,
				MaxAttempts: 5,
			},
		}, nil

	case types.JobUpdateStatus:
		return Route{
			Queue:    types.QueueMonitoring,
			Priority: types.PriorityHigh,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   time.Second,
				MaxAttempts: 3,
			},
		}, nil

	case types.JobProcessWebhook:
		return Route{
			Queue:    types.QueueWebhookProcessing,
			Priority: webhookPriority(p.Event),
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   time.Second,
				MaxAttempts: 3,
				NonRetryable: []string{
					"invalid_signature",
					"malformed_payload",
				},
			},
		}, nil

	case types.JobSyncExternalData:
		return Route{
			Queue:    types.QueueWebhookProcessing,
			Priority: types.PriorityLow,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffExponential,
				BaseDelay:   10 * time.Second,
				Multiplier:  2,
				MaxDelay:    5 * time.Minute,
				MaxAttempts: 5,
				Retryable: []string{
					"rate_limit",
					"network_error",
				},
			},
		}, nil

	case types.JobCleanupOldJobs, types.JobCleanupContainers, types.JobCleanupLogs:
		return Route{
			Queue:    types.QueueCleanup,
			Priority: types.PriorityLow,
			Retry: types.RetryPolicy{
				Strategy:    types.BackoffFixed,
				BaseDelay:   5 * time.Second,
				MaxAttempts: 2,
			},
		}, nil
	}

	return Route{}, errdefs.Validation("unknown_job_class", "no route for job class %q", class)
}

func workflowPriority(p routedPayload) types.Priority {
	w := strings.ToLower(p.Workflow)
	if strings.Contains(w, "deploy") || strings.Contains(w, "hotfix") {
		return types.PriorityCritical
	}
	switch p.Event {
	case "pull_request":
		return types.PriorityHigh
	case "push":
		return types.PriorityNormal
	}
	return types.PriorityLow
}

func webhookPriority(event string) types.Priority {
	switch event {
	case "workflow_job":
		return types.PriorityCritical
	case "workflow_run", "check_run":
		return types.PriorityHigh
	case "pull_request", "push":
		return types.PriorityNormal
	}
	return types.PriorityLow
}

func alertPriority(severity string) types.Priority {
	switch types.Severity(strings.ToLower(severity)) {
	case types.SeverityCritical:
		return types.PriorityCritical
	case types.SeverityHigh:
		return types.PriorityHigh
	case types.SeverityMedium:
		return types.PriorityNormal
	}
	return types.PriorityLow
}
