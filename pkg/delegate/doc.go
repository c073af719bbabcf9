// Package delegate implements the proxy-runner delegation protocol: job
// submission, assignment long-polling, and lifecycle status reports. A job
// claimed for a runner is fenced from the queue workers, so each delegated
// job executes exactly once; the fence lifts if the runner goes offline. A
// terminal report frees the assigned runner and mirrors the outcome to the
// hosting service as a commit status.
package delegate
