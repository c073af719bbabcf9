// Package github mirrors orchestrator state to the hosting service's REST
// API: commit statuses for terminal jobs, runner busy reconciliation, and a
// connectivity probe. All calls run behind a circuit breaker so an outage
// degrades to fast failures instead of stalled workers.
package github
