/*
Package queue implements the named job queues at the heart of the
orchestrator: admission, routing, per-queue worker pools, retry policies,
delayed delivery, dead-lettering, and recurring schedules.

Jobs enter through Enqueue, which validates the payload, resolves the owning
queue and priority through the routing table, snapshots the retry policy onto
the job, and persists it. Each named queue runs a fixed-size worker pool that
reserves jobs from the store in priority order. A reservation is a
visibility-timeout hold extended by a heartbeat at a third of the timeout;
when a worker dies, the sweeper reclaims the lapsed reservation and the job
runs again elsewhere.

Failed attempts consult the job's snapshotted retry policy. Retryable
failures reschedule the job as delayed with a computed backoff; a denied
retry, whether from a non-retryable error code or an exhausted attempt
budget, moves the job to the dead-letter state, which raises an alert and,
for workflow executions, enqueues runner cleanup.

An optional bbolt journal mirrors every non-terminal job locally. At startup
the engine reconciles the journal against the store and re-creates jobs lost
to a crash between acknowledgment and commit, marking their payloads so
processors can detect the replay.

The scheduler fires recurring jobs from cron expressions. Every replica runs
it; a set-if-absent slot key in the coordination store guarantees each slot
fires once across the deployment.
*/
package queue
