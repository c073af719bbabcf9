/*
Package worker holds the processors behind the orchestrator's job classes.

The centerpiece is the Executor, which runs execute_workflow jobs: it
borrows a sandbox from the pool, optionally gates the allocation through
the security evaluator, execs the workflow shim inside the sandbox, writes
the captured output as one framed log file per job, and enqueues an
update_status job so the commit's status reflects the outcome. The sandbox
is released back to the pool whether the workflow succeeds or not; blocked
or recycled sandboxes are the pool's problem, not the executor's.

The remaining processors are small and single-purpose. process_webhook
turns a stored delivery into an execute_workflow job when the event is one
that triggers CI (queued workflow jobs, requested workflow runs, pushes,
opened or updated pull requests) and drops everything else.
update_status mirrors one commit status to the hosting service.
sync_external_data probes connectivity and raises an alert when the API
budget runs low; its failures are re-coded to the class's retryable error
codes so the routing table's retry policy applies. The container and
runner processors delegate to the pool manager, the health monitor, and
the runner registry.

Processors return structured errors; the queue engine decides from the
error code whether an attempt is retried, parked, or dead-lettered.
*/
package worker
