package ha

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/types"
)

// LeaderKey is the single election key in the coordination store.
const LeaderKey = "orchestrator:leader"

// LeadershipCallback is invoked on every leadership transition. It runs on
// the elector goroutine and must not block.
type LeadershipCallback func(leader bool, generation int64)

// Elector races for the leader lease and keeps it renewed. Losing a renewal
// drops leadership immediately and re-enters the race.
type Elector struct {
	cfg      config.HAConfig
	coord    *coord.Client
	nodeID   string
	onChange LeadershipCallback
	logger   zerolog.Logger

	stopCh chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	lease  *types.Lease
	leader bool
}

// NewElector builds an elector for this node. onChange may be nil.
func NewElector(cfg config.HAConfig, c *coord.Client, nodeID string, onChange LeadershipCallback) *Elector {
	return &Elector{
		cfg:      cfg,
		coord:    c,
		nodeID:   nodeID,
		onChange: onChange,
		logger:   log.WithComponent("elector").With().Str("node_id", nodeID).Logger(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins campaigning.
func (e *Elector) Start() {
	go e.run()
}

// Stop releases the lease if held and halts campaigning.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.done
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Generation returns the generation of the currently held lease, or zero.
func (e *Elector) Generation() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lease == nil {
		return 0
	}
	return e.lease.Generation
}

func (e *Elector) renewInterval() time.Duration {
	if e.cfg.RenewInterval > 0 {
		return e.cfg.RenewInterval
	}
	return e.cfg.LeaseTTL / 3
}

func (e *Elector) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.renewInterval())
	defer ticker.Stop()

	// Another node announcing lost leadership nudges the race immediately;
	// the ticker remains the backstop for leases that expire silently.
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := e.coord.Subscribe(subCtx, 16, coord.ChannelLeadership)
	defer sub.Close()
	nudge := sub.C

	e.campaign()
	for {
		select {
		case <-ticker.C:
			if e.IsLeader() {
				e.renew()
			} else {
				e.campaign()
			}
		case ev, ok := <-nudge:
			if !ok {
				nudge = nil
				continue
			}
			if ev.Type == "leadership.lost" && ev.Data["node_id"] != e.nodeID && !e.IsLeader() {
				e.campaign()
			}
		case <-e.stopCh:
			e.resign()
			return
		}
	}
}

func (e *Elector) campaign() {
	ctx, cancel := context.WithTimeout(context.Background(), e.renewInterval())
	defer cancel()

	lease, err := e.coord.AcquireLease(ctx, LeaderKey, e.nodeID, e.cfg.LeaseTTL)
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindConflict {
			log.Err(e.logger.Warn(), err).Msg("Leader acquisition attempt failed")
		}
		return
	}

	e.mu.Lock()
	e.lease = lease
	e.leader = true
	e.mu.Unlock()

	metrics.IsLeader.Set(1)
	metrics.LeaderGeneration.Set(float64(lease.Generation))
	e.logger.Info().Int64("generation", lease.Generation).Msg("Acquired leadership")
	e.publish("leadership.acquired", lease.Generation)
	if e.onChange != nil {
		e.onChange(true, lease.Generation)
	}
}

func (e *Elector) renew() {
	e.mu.RLock()
	lease := e.lease
	e.mu.RUnlock()
	if lease == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.renewInterval())
	defer cancel()

	if err := e.coord.RenewLease(ctx, lease, e.cfg.LeaseTTL); err != nil {
		log.Err(e.logger.Warn(), err).Int64("generation", lease.Generation).Msg("Lost leadership")
		e.demote(lease.Generation)
		// Re-race immediately rather than waiting a full tick.
		e.campaign()
	}
}

// resign releases a held lease on shutdown.
func (e *Elector) resign() {
	e.mu.RLock()
	lease := e.lease
	leader := e.leader
	e.mu.RUnlock()
	if !leader || lease == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.coord.ReleaseLease(ctx, lease); err != nil {
		log.Err(e.logger.Warn(), err).Msg("Failed to release leader lease")
	}
	e.demote(lease.Generation)
}

func (e *Elector) demote(generation int64) {
	e.mu.Lock()
	e.lease = nil
	e.leader = false
	e.mu.Unlock()

	metrics.IsLeader.Set(0)
	e.publish("leadership.lost", generation)
	if e.onChange != nil {
		e.onChange(false, generation)
	}
}

func (e *Elector) publish(eventType string, generation int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := &types.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data: map[string]string{
			"node_id":    e.nodeID,
			"generation": formatGeneration(generation),
		},
	}
	if err := e.coord.Publish(ctx, coord.ChannelLeadership, ev); err != nil {
		log.Err(e.logger.Warn(), err).Str("event", eventType).Msg("Failed to publish leadership event")
	}
}
