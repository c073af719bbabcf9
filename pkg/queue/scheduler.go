package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/types"
)

// Schedule is one recurring enqueue: a cron expression, the job class to
// enqueue, and a static payload.
type Schedule struct {
	Spec    string
	Class   types.JobClass
	Payload json.RawMessage
}

// DefaultSchedules returns the built-in recurring work: metrics capture
// every minute, job and webhook retention hourly, container reconciliation
// every ten minutes, and log pruning daily.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Spec: "* * * * *", Class: types.JobCollectMetrics},
		{Spec: "0 * * * *", Class: types.JobCleanupOldJobs},
		{Spec: "*/10 * * * *", Class: types.JobCleanupContainers},
		{Spec: "0 3 * * *", Class: types.JobCleanupLogs},
	}
}

// Scheduler enqueues recurring jobs on cron schedules. Every replica runs a
// scheduler; a set-if-absent slot key in the coordination store ensures each
// (class, slot) fires exactly once across the deployment.
type Scheduler struct {
	engine *Engine
	coord  *coord.Client
	nodeID string
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewScheduler builds a scheduler over the engine. The coordination client
// may be nil in single-node deployments; slots are then claimed locally.
func NewScheduler(engine *Engine, c *coord.Client, nodeID string) *Scheduler {
	return &Scheduler{
		engine: engine,
		coord:  c,
		nodeID: nodeID,
		cron:   cron.New(),
		logger: log.WithComponent("scheduler"),
	}
}

// Add registers one schedule.
func (s *Scheduler) Add(sched Schedule) error {
	_, err := s.cron.AddFunc(sched.Spec, func() {
		s.fire(sched)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", sched.Spec, sched.Class, err)
	}
	return nil
}

// Start registers the given schedules and begins firing them.
func (s *Scheduler) Start(schedules []Schedule) error {
	for _, sched := range schedules {
		if err := s.Add(sched); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info().Int("schedules", len(schedules)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop, waiting for running fires to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) fire(sched Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !s.claimSlot(ctx, sched.Class) {
		return
	}

	if _, err := s.engine.Enqueue(ctx, sched.Class, sched.Payload); err != nil {
		log.Err(s.logger.Error(), err).
			Str("class", string(sched.Class)).
			Msg("Scheduled enqueue failed")
	}
}

// claimSlot dedupes a fire across replicas by claiming the minute slot.
func (s *Scheduler) claimSlot(ctx context.Context, class types.JobClass) bool {
	if s.coord == nil {
		return true
	}
	slot := time.Now().UTC().Truncate(time.Minute).Format("2006-01-02T15:04")
	key := fmt.Sprintf("sched:%s:%s", class, slot)
	ok, err := s.coord.SetNX(ctx, key, s.nodeID, 2*time.Minute)
	if err != nil {
		log.Err(s.logger.Error(), err).Str("class", string(class)).Msg("Slot claim failed")
		return false
	}
	return ok
}
