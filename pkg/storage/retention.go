package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/types"
)

// RetentionPolicy bounds how long terminal state stays queryable.
type RetentionPolicy struct {
	Completed     time.Duration
	Failed        time.Duration
	WebhookEvents time.Duration
}

// Sweeper periodically removes terminal jobs and processed webhook events
// past their retention windows. Only the leader runs it.
type Sweeper struct {
	store    Store
	policy   RetentionPolicy
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewSweeper creates a retention sweeper
func NewSweeper(store Store, policy RetentionPolicy, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if policy.WebhookEvents <= 0 {
		policy.WebhookEvents = policy.Failed
	}
	return &Sweeper{
		store:    store,
		policy:   policy,
		interval: interval,
		logger:   log.WithComponent("retention"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sweeping
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sweeper
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// Sweep performs one pass over all retention windows.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()

	if n, err := s.store.DeleteJobsBefore(ctx, types.JobStateCompleted, now.Add(-s.policy.Completed)); err != nil {
		log.Err(s.logger.Error(), err).Msg("Failed to sweep completed jobs")
	} else if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("Swept completed jobs")
	}

	for _, state := range []types.JobState{types.JobStateFailed, types.JobStateDead} {
		if n, err := s.store.DeleteJobsBefore(ctx, state, now.Add(-s.policy.Failed)); err != nil {
			log.Err(s.logger.Error(), err).Str("state", string(state)).Msg("Failed to sweep jobs")
		} else if n > 0 {
			s.logger.Info().Int64("removed", n).Str("state", string(state)).Msg("Swept jobs")
		}
	}

	if n, err := s.store.DeleteWebhookEventsBefore(ctx, now.Add(-s.policy.WebhookEvents)); err != nil {
		log.Err(s.logger.Error(), err).Msg("Failed to sweep webhook events")
	} else if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("Swept webhook events")
	}
}
