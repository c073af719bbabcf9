package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// heartbeatStaleAfter is how long a runner may go silent before it is marked
// offline.
const heartbeatStaleAfter = 90 * time.Second

// Registry tracks proxy runners: the self-hosted runner processes that
// register with the orchestrator and delegate their assigned work here. The
// durable store is the source of truth; the registry is a thin service over
// it.
type Registry struct {
	store  storage.Store
	logger zerolog.Logger

	sweepMu   sync.Mutex
	sweepStop chan struct{}
}

// NewRegistry builds a runner registry over the store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store, logger: log.WithComponent("registry")}
}

// Register adds or refreshes a runner. Re-registration with the same id
// updates labels and capabilities and resets the heartbeat.
func (r *Registry) Register(ctx context.Context, runner *types.Runner) error {
	if runner.ID == "" || runner.Name == "" {
		return errdefs.Validation("invalid_runner", "runner id and name are required")
	}
	now := time.Now().UTC()
	runner.LastHeartbeat = now
	if runner.RegisteredAt.IsZero() {
		runner.RegisteredAt = now
	}
	if runner.State == "" {
		runner.State = types.RunnerStateIdle
	}
	if err := r.store.UpsertRunner(ctx, runner); err != nil {
		return err
	}
	r.logger.Info().Str("runner_id", runner.ID).Str("name", runner.Name).Strs("labels", runner.Labels).Msg("Runner registered")
	return nil
}

// Heartbeat refreshes a runner's liveness. An offline runner that
// heartbeats again returns to idle.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) error {
	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	runner.LastHeartbeat = time.Now().UTC()
	if runner.State == types.RunnerStateOffline {
		runner.State = types.RunnerStateIdle
	}
	return r.store.UpsertRunner(ctx, runner)
}

// Assign moves an idle runner to busy for the given job.
func (r *Registry) Assign(ctx context.Context, runnerID, jobID string) error {
	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if runner.State != types.RunnerStateIdle {
		return errdefs.Conflict("runner_not_idle", "runner %s is %s", runnerID, runner.State)
	}
	runner.State = types.RunnerStateBusy
	runner.AssignedJobID = jobID
	return r.store.UpsertRunner(ctx, runner)
}

// Finish returns a busy runner to idle.
func (r *Registry) Finish(ctx context.Context, runnerID string) error {
	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	runner.State = types.RunnerStateIdle
	runner.AssignedJobID = ""
	return r.store.UpsertRunner(ctx, runner)
}

// Deregister removes a runner, returning any job it still held to the
// queue.
func (r *Registry) Deregister(ctx context.Context, runnerID string) error {
	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	r.releaseAssignment(ctx, runner)
	return r.store.DeleteRunner(ctx, runnerID)
}

// releaseAssignment unfences the runner's assigned job so the queue workers
// pick it up again. Jobs the runner already moved past assigned are left
// alone.
func (r *Registry) releaseAssignment(ctx context.Context, runner *types.Runner) {
	if runner.AssignedJobID == "" {
		return
	}
	job, err := r.store.GetJob(ctx, runner.AssignedJobID)
	if err != nil {
		log.Err(r.logger.Warn(), err).Str("job_id", runner.AssignedJobID).Msg("Failed to load assigned job for release")
		return
	}
	if job.State != types.JobStateAssigned {
		return
	}
	job.State = types.JobStateQueued
	if err := r.store.UpdateJob(ctx, job); err != nil {
		log.Err(r.logger.Warn(), err).Str("job_id", job.ID).Msg("Failed to requeue assigned job")
		return
	}
	r.logger.Warn().Str("job_id", job.ID).Str("runner_id", runner.ID).Msg("Runner gone, job returned to the queue")
}

// FindIdle returns the idle runner whose labels cover want, oldest
// registration first, or a not_found error.
func (r *Registry) FindIdle(ctx context.Context, want []string) (*types.Runner, error) {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	var best *types.Runner
	for _, runner := range runners {
		if runner.State != types.RunnerStateIdle || !runner.HasLabels(want) {
			continue
		}
		if best == nil || runner.RegisteredAt.Before(best.RegisteredAt) {
			best = runner
		}
	}
	if best == nil {
		return nil, errdefs.NotFound("no_idle_runner", "no idle runner covers labels %v", want)
	}
	return best, nil
}

// StartSweep runs SweepOffline on the interval until StopSweep. Starting an
// already-running sweep is a no-op.
func (r *Registry) StartSweep(interval time.Duration) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	r.sweepStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.SweepOffline(context.Background()); err != nil {
					log.Err(r.logger.Warn(), err).Msg("Runner sweep failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopSweep halts the periodic sweep.
func (r *Registry) StopSweep() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepStop != nil {
		close(r.sweepStop)
		r.sweepStop = nil
	}
}

// SweepOffline marks runners with stale heartbeats offline, returns their
// assigned jobs to the queue, and refreshes the runner gauges. Leader-only
// duty.
func (r *Registry) SweepOffline(ctx context.Context) (int, error) {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-heartbeatStaleAfter)
	marked := 0
	counts := map[types.RunnerState]int{}
	for _, runner := range runners {
		if runner.State != types.RunnerStateOffline && runner.LastHeartbeat.Before(cutoff) {
			r.releaseAssignment(ctx, runner)
			runner.State = types.RunnerStateOffline
			runner.AssignedJobID = ""
			if err := r.store.UpsertRunner(ctx, runner); err != nil {
				log.Err(r.logger.Warn(), err).Str("runner_id", runner.ID).Msg("Failed to mark runner offline")
				continue
			}
			r.logger.Warn().Str("runner_id", runner.ID).Time("last_heartbeat", runner.LastHeartbeat).Msg("Runner heartbeat stale, marked offline")
			marked++
		}
		counts[runner.State]++
	}
	for _, state := range []types.RunnerState{
		types.RunnerStateIdle, types.RunnerStateStarting, types.RunnerStateBusy,
		types.RunnerStateOffline, types.RunnerStateQuarantined,
	} {
		metrics.RunnersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	return marked, nil
}
