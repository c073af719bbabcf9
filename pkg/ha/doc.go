/*
Package ha keeps exactly one orchestrator replica in charge and reacts when
a dependency fails.

# Election

Elector races for the orchestrator:leader lease in the coordination store
(TTL 30s by default) and renews it at the renew interval. Generations
increase monotonically across acquisitions, so observers can order
leaderships. A failed renewal demotes immediately, fires the leadership
callback, publishes on the leadership channel, and re-enters the race.
Stopping releases the lease so a standby takes over without waiting out the
TTL. Leadership gates singleton duties elsewhere: scheduled enqueues, pool
scaling, cleanup sweeps, and failover orchestration. Non-leaders keep
draining queues.

# Health monitoring

Monitor runs registered probes (store, store replica, coordination store,
container engine) on an interval. A failing probe grades the component
degraded; failing past the configured threshold grades it unhealthy and
fires the callback once per outage.

# Failover

Failover handles unhealthy notifications on the leader. Store failover
pauses queue draining, promotes the replica, waits for the promoted primary
to answer, and resumes. Coordination failover leans on the sentinel client's
own reconnect and just holds draining until pings succeed again.
*/
package ha
