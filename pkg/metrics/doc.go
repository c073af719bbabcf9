/*
Package metrics provides Prometheus metrics collection and exposition for
Burrow.

All collectors are declared as package-level variables and registered with the
default registry at package init. Components record directly onto the exported
collectors; the /api/metrics endpoint serves them via Handler().

Counters cover webhook intake, job lifecycle (enqueued, completed, failed,
dead, stalled), container churn, security violations, failovers, dropped
events, rate limiting, and API traffic. Gauges track queue depth, pool size
and utilization, and leadership. Histograms capture job and API latency.

The package also carries the Sink capability used by the metrics snapshot
job and a periodic Collector that refreshes the queue depth gauges from the
store.
*/
package metrics
