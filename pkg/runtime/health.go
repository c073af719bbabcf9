package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// quarantineAfterFailures is the consecutive-failure threshold before a
// container is quarantined.
const quarantineAfterFailures = 3

// memoryPressureRatio is the fraction of the memory limit above which the
// resource probe fails.
const memoryPressureRatio = 0.95

// execProbeTimeout bounds the responsiveness probe.
const execProbeTimeout = 5 * time.Second

// Quarantiner takes a container out of service; the pool manager implements
// it.
type Quarantiner interface {
	Quarantine(ctx context.Context, containerID, reason string) error
}

// HealthMonitor probes running containers and quarantines those failing
// three consecutive rounds. Each round runs four probes in order: task
// liveness, exec responsiveness, memory pressure, and exit detection.
type HealthMonitor struct {
	engine     Engine
	store      storage.Store
	quarantine Quarantiner
	interval   time.Duration
	logger     zerolog.Logger
	stopCh     chan struct{}
}

// NewHealthMonitor builds a monitor over the runtime engine.
func NewHealthMonitor(engine Engine, store storage.Store, q Quarantiner, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		engine:     engine,
		store:      store,
		quarantine: q,
		interval:   interval,
		logger:     log.WithComponent("health"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins periodic probing.
func (m *HealthMonitor) Start() {
	ticker := time.NewTicker(m.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic probing.
func (m *HealthMonitor) Stop() {
	close(m.stopCh)
}

// CheckAll probes every running container known to the store.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	containers, err := m.store.ListContainers(ctx, types.ContainerStateRunning)
	if err != nil {
		log.Err(m.logger.Error(), err).Msg("Failed to list containers for health check")
		return
	}
	for _, c := range containers {
		m.Check(ctx, c.ID)
	}
}

// Check runs one probe round for a container and records the outcome.
func (m *HealthMonitor) Check(ctx context.Context, containerID string) {
	healthy, message := m.probe(ctx, containerID)

	prev, err := m.store.GetContainerHealth(ctx, containerID)
	failures := 0
	if err == nil && prev != nil {
		failures = prev.ConsecutiveFailures
	}
	if healthy {
		failures = 0
	} else {
		failures++
	}

	health := &types.ContainerHealth{
		ContainerID:         containerID,
		Healthy:             healthy,
		Message:             message,
		ConsecutiveFailures: failures,
		CheckedAt:           time.Now().UTC(),
	}
	if err := m.store.UpsertContainerHealth(ctx, health); err != nil {
		log.Err(m.logger.Error(), err).Str("container_id", containerID).Msg("Failed to record container health")
	}

	if !healthy {
		m.logger.Warn().
			Str("container_id", containerID).
			Str("reason", message).
			Int("consecutive_failures", failures).
			Msg("Container probe failed")
	}

	if failures >= quarantineAfterFailures && m.quarantine != nil {
		reason := fmt.Sprintf("%d consecutive failed health probes: %s", failures, message)
		if err := m.quarantine.Quarantine(ctx, containerID, reason); err != nil {
			log.Err(m.logger.Error(), err).Str("container_id", containerID).Msg("Quarantine failed")
		}
	}
}

// probe runs the probe battery, stopping at the first failure.
func (m *HealthMonitor) probe(ctx context.Context, containerID string) (bool, string) {
	status, err := m.engine.Inspect(ctx, containerID)
	if err != nil {
		return false, fmt.Sprintf("inspect failed: %v", err)
	}
	if !status.Running {
		if status.ExitCode != 0 {
			return false, fmt.Sprintf("task exited with code %d", status.ExitCode)
		}
		return false, "task not running"
	}

	if _, err := m.engine.Exec(ctx, containerID, []string{"/bin/true"}, execProbeTimeout); err != nil {
		return false, fmt.Sprintf("exec probe failed: %v", err)
	}

	stats, err := m.engine.Stats(ctx, containerID)
	if err != nil {
		return false, fmt.Sprintf("stats probe failed: %v", err)
	}
	if stats.MemoryLimit > 0 {
		usage := float64(stats.MemoryBytes) / float64(stats.MemoryLimit)
		if usage >= memoryPressureRatio {
			return false, fmt.Sprintf("memory pressure: %.0f%% of limit", usage*100)
		}
	}

	return true, ""
}
