package ha

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
)

// Component names used by the monitor and failover dispatch.
const (
	ComponentStore        = "store"
	ComponentStoreReplica = "store_replica"
	ComponentCoord        = "coord"
	ComponentEngine       = "engine"
)

// Promoter is the store surface failover needs.
type Promoter interface {
	PromoteReplica() error
	Ping(ctx context.Context) error
}

// Pauser pauses and resumes queue draining around a failover.
type Pauser interface {
	PauseAll()
	ResumeAll()
}

// Pinger probes the coordination store during recovery waits.
type Pinger interface {
	Ping(ctx context.Context) error
}

// recoveryWait bounds how long a failover waits for the failed dependency to
// answer again.
const recoveryWait = 2 * time.Minute

// recoveryPollInterval paces recovery probes.
const recoveryPollInterval = time.Second

// Failover orchestrates recovery when the monitor declares a dependency
// unhealthy: it pauses queue draining, repairs or waits out the dependency,
// and resumes. Only the leader runs failovers.
type Failover struct {
	cfg    config.HAConfig
	store  Promoter
	coord  Pinger
	queue  Pauser
	logger zerolog.Logger
}

// NewFailover wires the failover orchestrator.
func NewFailover(cfg config.HAConfig, store Promoter, coordClient Pinger, queue Pauser) *Failover {
	return &Failover{
		cfg:    cfg,
		store:  store,
		coord:  coordClient,
		queue:  queue,
		logger: log.WithComponent("failover"),
	}
}

// Handle dispatches one unhealthy-component notification.
func (f *Failover) Handle(component string) {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryWait)
	defer cancel()

	var err error
	switch component {
	case ComponentStore:
		if !f.cfg.StoreFailover {
			f.logger.Warn().Msg("Store unhealthy but store failover is disabled")
			return
		}
		err = f.storeFailover(ctx)
	case ComponentCoord:
		if !f.cfg.CoordFailover {
			f.logger.Warn().Msg("Coordination store unhealthy but coord failover is disabled")
			return
		}
		err = f.coordFailover(ctx)
	default:
		f.logger.Warn().Str("component", component).Msg("No failover procedure for component")
		return
	}
	if err != nil {
		log.Err(f.logger.Error(), err).Str("component", component).Msg("Failover failed")
	}
}

// storeFailover promotes the replica to primary. Draining pauses so no
// worker writes race the promotion; enqueues keep landing on the promoted
// primary afterwards.
func (f *Failover) storeFailover(ctx context.Context) error {
	f.logger.Warn().Msg("Starting store failover")
	f.queue.PauseAll()
	defer f.queue.ResumeAll()

	if err := f.store.PromoteReplica(); err != nil {
		return err
	}
	if err := f.awaitRecovery(ctx, f.store.Ping); err != nil {
		return errdefs.Wrap(err, errdefs.KindDependencyUnavailable, "store_failover_failed", "promoted store never became reachable")
	}

	metrics.FailoversTotal.WithLabelValues(ComponentStore).Inc()
	f.logger.Info().Msg("Store failover complete")
	return nil
}

// coordFailover waits out a sentinel-driven master switch. The failover
// client reconnects on its own; draining stays paused until pings succeed so
// leases and idempotency slots are trustworthy again.
func (f *Failover) coordFailover(ctx context.Context) error {
	f.logger.Warn().Msg("Waiting out coordination store failover")
	f.queue.PauseAll()
	defer f.queue.ResumeAll()

	if err := f.awaitRecovery(ctx, f.coord.Ping); err != nil {
		return errdefs.Wrap(err, errdefs.KindDependencyUnavailable, "coord_failover_failed", "coordination store never became reachable")
	}

	metrics.FailoversTotal.WithLabelValues(ComponentCoord).Inc()
	f.logger.Info().Msg("Coordination store reachable again")
	return nil
}

func (f *Failover) awaitRecovery(ctx context.Context, ping func(context.Context) error) error {
	var lastErr error
	ticker := time.NewTicker(recoveryPollInterval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, recoveryPollInterval)
		lastErr = ping(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return lastErr
		}
	}
}
