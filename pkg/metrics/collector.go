package metrics

import (
	"context"
	"time"
)

// QueueCounter reports job counts keyed by (queue, state).
type QueueCounter func(ctx context.Context) (map[string]map[string]int, error)

// PoolCounter reports pooled container counts keyed by state plus the
// current utilization fraction.
type PoolCounter func() (counts map[string]int, utilization float64)

// Collector periodically refreshes depth and pool gauges from the store and
// the pool table.
type Collector struct {
	queues   QueueCounter
	pool     PoolCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new gauge collector
func NewCollector(queues QueueCounter, pool PoolCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		queues:   queues,
		pool:     pool,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.queues != nil {
		counts, err := c.queues(ctx)
		if err == nil {
			for queue, states := range counts {
				for state, n := range states {
					QueueDepth.WithLabelValues(queue, state).Set(float64(n))
				}
			}
		}
	}

	if c.pool != nil {
		counts, util := c.pool()
		for state, n := range counts {
			PoolSize.WithLabelValues(state).Set(float64(n))
		}
		PoolUtilization.Set(util)
	}
}
