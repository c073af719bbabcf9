package ha

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
)

func formatGeneration(g int64) string {
	return strconv.FormatInt(g, 10)
}

// ComponentStatus grades one supervised dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// UnhealthyCallback fires once per transition into unhealthy.
type UnhealthyCallback func(component string)

// componentState tracks a probe's recent history.
type componentState struct {
	status       ComponentStatus
	failingSince time.Time
	lastErr      error
}

// Monitor periodically runs registered probes and grades each component:
// a failing probe is degraded, and one failing longer than the configured
// threshold is unhealthy, which triggers the callback exactly once per
// outage.
type Monitor struct {
	cfg         config.HAConfig
	onUnhealthy UnhealthyCallback
	logger      zerolog.Logger

	stopCh chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	probes map[string]Probe
	state  map[string]*componentState
}

// NewMonitor builds a component health monitor. onUnhealthy may be nil.
func NewMonitor(cfg config.HAConfig, onUnhealthy UnhealthyCallback) *Monitor {
	return &Monitor{
		cfg:         cfg,
		onUnhealthy: onUnhealthy,
		logger:      log.WithComponent("ha-health"),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		probes:      make(map[string]Probe),
		state:       make(map[string]*componentState),
	}
}

// RegisterProbe adds a component probe. Must be called before Start.
func (m *Monitor) RegisterProbe(component string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[component] = probe
	m.state[component] = &componentState{status: StatusHealthy}
}

// Start begins periodic probing.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts probing.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.done
}

// CheckAll runs every probe once.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, component string) {
	m.mu.RLock()
	probe := m.probes[component]
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckInterval)
	err := probe(probeCtx)
	cancel()

	m.mu.Lock()
	st := m.state[component]
	prev := st.status
	if err == nil {
		st.status = StatusHealthy
		st.failingSince = time.Time{}
		st.lastErr = nil
	} else {
		st.lastErr = err
		if st.failingSince.IsZero() {
			st.failingSince = time.Now()
		}
		if time.Since(st.failingSince) >= m.cfg.UnhealthyAfter {
			st.status = StatusUnhealthy
		} else {
			st.status = StatusDegraded
		}
	}
	status := st.status
	m.mu.Unlock()

	metrics.ComponentHealthGauge.WithLabelValues(component).Set(healthValue(status))

	if status != prev {
		ev := m.logger.Warn()
		if status == StatusHealthy {
			ev = m.logger.Info()
		}
		log.Err(ev, err).Str("component", component).Str("status", string(status)).Msg("Component health changed")
	}
	if status == StatusUnhealthy && prev != StatusUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(component)
	}
}

// Status returns the current grade of one component.
func (m *Monitor) Status(component string) ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[component]
	if !ok {
		return StatusUnhealthy
	}
	return st.status
}

// Statuses snapshots every component grade for the readiness endpoint.
func (m *Monitor) Statuses() map[string]ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(m.state))
	for name, st := range m.state {
		out[name] = st.status
	}
	return out
}

func healthValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
