/*
Package types defines the core data structures used throughout Burrow.

This package contains all fundamental types that represent Burrow's domain
model: jobs and their retry policies, webhook events, proxy runners, sandbox
containers, security profiles, coordination leases, and audit entries. These
types are used by every other package for state management, API payloads, and
orchestration logic.

# Core Types

Job processing:
  - Job: a unit of work owned by exactly one named queue
  - JobClass: the routing discriminator (execute_workflow, health_check, ...)
  - JobState: queued, active, delayed, completed, failed, dead
  - RetryPolicy / BackoffStrategy: fixed, linear, exponential, custom

Ingress:
  - WebhookEvent: one hosting-service delivery, keyed by delivery ID

Execution:
  - Runner: a registered proxy runner and its lifecycle state
  - Container: an ephemeral sandbox with resource limits
  - ContainerStats, ContainerHealth, ExecResult

Security:
  - Violation, ScanResult, SecurityProfile, SecurityStatus

Infrastructure:
  - Lease: a TTL-bounded exclusive hold on a coordination key
  - AuditEntry: an append-only record chained by hash
  - Alert, MetricsSnapshot, Event

# State Machines

Jobs follow:

	queued → active → completed
	   ↑        ↓
	delayed ← failed → dead

completed and dead are terminal. A failed job moves to delayed when retry
budget remains, otherwise to dead. Containers follow creating → running →
stopped → removed, with quarantined reachable from running.

# Design Patterns

All enums use typed string constants. Cross-entity relations are carried as
IDs, never as embedded object references. Retry policies are snapshotted onto
jobs at enqueue time so later policy changes never affect in-flight work.

# Thread Safety

Types here are plain data: safe for concurrent reads, mutations must be
synchronized by callers. The storage layer handles synchronization for
persisted state.
*/
package types
