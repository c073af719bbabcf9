/*
Package pool manages the sandbox container pool and the proxy-runner
registry.

# Pool manager

Manager is a single-writer actor: every mutation of the pool table runs on
one goroutine, and public methods post operations to it. Request(labels,
repo) hands out an exclusive container whose label set covers the request,
growing the pool when nothing idle matches and the pool is under its
maximum. Exhausted requests queue by priority and fail with
resource_exhausted when the caller's wait budget lapses.

Scaling is a leader-only duty: the actor prewarms to the configured minimum,
grows one container at a time above the scale-up utilization threshold, and
shrinks idle containers past the idle timeout below the scale-down
threshold. Quarantined and stopped containers are evicted on the same tick.

Container creation pulls the sandbox image once (an LRU remembers pulled
refs), applies the hardened runtime spec, and persists the record before the
container becomes allocatable.

# Security responder

The manager implements the security evaluator's responder. Quarantine is an
internal state flip plus network detachment, never an engine label update;
quarantined containers leave the allocatable set immediately and are torn
down by eviction. Patch marks a container for recycling at release so its
next occupant starts from a fresh image.

# Runner registry

Registry tracks registered proxy runners in the durable store: registration,
heartbeats, busy/idle assignment, label-superset matching for idle lookup,
and a leader-run sweep that marks silent runners offline.
*/
package pool
