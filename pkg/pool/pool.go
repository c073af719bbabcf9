package pool

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/runtime"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// scaleInterval is how often the actor evaluates pool size against demand.
const scaleInterval = 15 * time.Second

// stopTimeout bounds graceful container shutdown during eviction.
const stopTimeout = 10 * time.Second

// pulledImagesCap bounds the pulled-image cache.
const pulledImagesCap = 64

// allocation is the actor's answer to one Request.
type allocation struct {
	container *types.Container
	err       error
}

// waiter is a pending allocation request queued by the actor.
type waiter struct {
	labels   []string
	repo     string
	priority types.Priority
	enqueued time.Time
	resp     chan allocation
}

// entry is the actor-owned view of one pooled container.
type entry struct {
	c         *types.Container
	allocated bool
	// recycle marks the container for removal at release instead of
	// returning it to the idle set.
	recycle   bool
	idleSince time.Time
}

// Manager owns the sandbox container pool. All pool state lives on a single
// actor goroutine; public methods post operations to it and wait, so there
// is exactly one writer and no lock ordering to reason about.
type Manager struct {
	cfg    config.PoolConfig
	limits config.LimitsConfig
	engine runtime.Engine
	store  storage.Store
	coord  *coord.Client
	logger zerolog.Logger

	ops    chan func()
	stopCh chan struct{}
	done   chan struct{}

	// Actor-owned state. Never touched off the actor goroutine.
	entries  map[string]*entry
	waiters  []*waiter
	creating int

	// pulled caches image refs already pulled so prewarm bursts do not
	// re-pull the sandbox image per container.
	pulled *lru.Cache[string, time.Time]

	leader atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCoordinator enables container event publication.
func WithCoordinator(c *coord.Client) Option {
	return func(m *Manager) { m.coord = c }
}

// NewManager builds the pool manager. Start must be called before Request.
func NewManager(cfg config.PoolConfig, limits config.LimitsConfig, engine runtime.Engine, store storage.Store, opts ...Option) *Manager {
	pulled, _ := lru.New[string, time.Time](pulledImagesCap)
	m := &Manager{
		cfg:     cfg,
		limits:  limits,
		engine:  engine,
		store:   store,
		logger:  log.WithComponent("pool"),
		ops:     make(chan func(), 64),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
		pulled:  pulled,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLeader gates scaling decisions on leadership. Non-leaders still serve
// Request and Release but never resize the pool.
func (m *Manager) SetLeader(leader bool) {
	m.leader.Store(leader)
}

// Start reconciles persisted containers against the runtime and begins the
// actor loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	go m.run()
	return nil
}

// Stop halts the actor. Pending waiters fail with a shutdown error; pooled
// containers are left running for reconciliation at next start.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}

// reconcile rebuilds the in-memory table from the store, dropping records
// whose container no longer runs.
func (m *Manager) reconcile(ctx context.Context) error {
	containers, err := m.store.ListContainers(ctx, types.ContainerStateRunning)
	if err != nil {
		return err
	}
	for _, c := range containers {
		status, err := m.engine.Inspect(ctx, c.ID)
		if err != nil || !status.Running {
			c.State = types.ContainerStateStopped
			if uerr := m.store.UpdateContainer(ctx, c); uerr != nil {
				log.Err(m.logger.Warn(), uerr).Str("container_id", c.ID).Msg("Failed to mark stale container stopped")
			}
			continue
		}
		m.entries[c.ID] = &entry{c: c, allocated: c.JobID != "", idleSince: time.Now()}
	}
	m.logger.Info().Int("containers", len(m.entries)).Msg("Pool reconciled")
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()
	for {
		select {
		case op := <-m.ops:
			op()
		case <-ticker.C:
			m.scale()
			m.updateGauges()
		case <-m.stopCh:
			for _, w := range m.waiters {
				w.resp <- allocation{err: errdefs.New(errdefs.KindShutdown, "pool_stopped", "pool manager stopping")}
			}
			m.waiters = nil
			return
		}
	}
}

// post hands op to the actor; it is dropped if the actor already stopped.
func (m *Manager) post(op func()) {
	select {
	case m.ops <- op:
	case <-m.done:
	}
}

// Request returns an exclusive container whose labels cover labels, waiting
// up to the context deadline. Exhaustion of both the pool and the wait
// budget yields a resource_exhausted error.
func (m *Manager) Request(ctx context.Context, labels []string, repo string, priority types.Priority) (*types.Container, error) {
	w := &waiter{
		labels:   labels,
		repo:     repo,
		priority: priority,
		enqueued: time.Now(),
		resp:     make(chan allocation, 1),
	}
	m.post(func() { m.admit(w) })

	select {
	case a := <-w.resp:
		return a.container, a.err
	case <-ctx.Done():
		// dropWaiter reclaims the allocation if the actor satisfied the
		// waiter first; nothing to check here.
		m.post(func() { m.dropWaiter(w) })
		return nil, errdefs.Exhausted("pool_exhausted", "no container available for labels %v within wait budget", labels)
	}
}

// Release returns an allocated container to the idle set, or tears it down
// if it was marked for recycling.
func (m *Manager) Release(ctx context.Context, containerID string) {
	m.post(func() { m.release(containerID) })
}

// Prewarm starts one additional container for the given label set without
// allocating it, respecting the pool's upper bound.
func (m *Manager) Prewarm(labels []string) {
	m.post(func() {
		if m.readyCount()+m.creating < m.cfg.Max {
			m.startCreate(labels, "")
		}
	})
}

// admit runs on the actor: satisfy from the idle set, otherwise grow, and
// queue the waiter by priority.
func (m *Manager) admit(w *waiter) {
	if m.dispatch(w) {
		return
	}
	if m.readyCount()+m.creating < m.cfg.Max {
		m.startCreate(w.labels, w.repo)
	}
	m.waiters = append(m.waiters, w)
	sort.SliceStable(m.waiters, func(i, j int) bool {
		if m.waiters[i].priority != m.waiters[j].priority {
			return m.waiters[i].priority < m.waiters[j].priority
		}
		return m.waiters[i].enqueued.Before(m.waiters[j].enqueued)
	})
	metrics.PoolWaiters.Set(float64(len(m.waiters)))
}

// dispatch tries to satisfy w from the idle set.
func (m *Manager) dispatch(w *waiter) bool {
	for _, e := range m.entries {
		if e.allocated || e.recycle || e.c.State != types.ContainerStateRunning {
			continue
		}
		if !containerHasLabels(e.c, w.labels) {
			continue
		}
		m.allocate(e, w)
		return true
	}
	return false
}

func (m *Manager) allocate(e *entry, w *waiter) {
	e.allocated = true
	e.c.JobID = "" // set by the caller once known
	m.persist(e.c)
	w.resp <- allocation{container: e.c}
}

// dropWaiter removes a timed-out waiter if it is still queued. A waiter no
// longer queued was already satisfied; its unclaimed allocation, if any, is
// released so the container does not sit allocated forever.
func (m *Manager) dropWaiter(w *waiter) {
	for i, queued := range m.waiters {
		if queued == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			metrics.PoolWaiters.Set(float64(len(m.waiters)))
			return
		}
	}
	select {
	case a := <-w.resp:
		if a.err == nil {
			m.release(a.container.ID)
		}
	default:
	}
}

func (m *Manager) release(containerID string) {
	e, ok := m.entries[containerID]
	if !ok {
		return
	}
	e.allocated = false
	e.idleSince = time.Now()
	e.c.JobID = ""
	if e.recycle || e.c.State == types.ContainerStateQuarantined {
		m.removeEntry(e)
		return
	}
	m.persist(e.c)

	// Hand straight to the best waiter rather than round-tripping through
	// the idle set.
	for i, w := range m.waiters {
		if containerHasLabels(e.c, w.labels) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			metrics.PoolWaiters.Set(float64(len(m.waiters)))
			m.allocate(e, w)
			return
		}
	}
}

// startCreate grows the pool by one container asynchronously. Runs on the
// actor; the slow engine work happens off it.
func (m *Manager) startCreate(labels []string, repo string) {
	m.creating++
	image := m.cfg.Image
	spec := runtime.CreateSpec{
		ID:    "sandbox-" + uuid.NewString()[:8],
		Image: image,
		Labels: map[string]string{
			runtime.ManagedLabel: "true",
		},
		Limits: types.ResourceLimits{
			CPUCores:    m.limits.CPUCores,
			MemoryBytes: m.limits.MemoryMB << 20,
			Pids:        m.limits.Pids,
			FDs:         m.limits.FDs,
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
		defer cancel()
		c, err := m.create(ctx, spec, labels, repo)
		m.post(func() { m.createDone(c, labels, err) })
	}()
}

func (m *Manager) create(ctx context.Context, spec runtime.CreateSpec, labels []string, repo string) (*types.Container, error) {
	if _, ok := m.pulled.Get(spec.Image); !ok {
		if err := m.engine.Pull(ctx, spec.Image); err != nil {
			return nil, err
		}
		m.pulled.Add(spec.Image, time.Now())
	}
	if err := m.engine.Create(ctx, spec); err != nil {
		return nil, err
	}
	if err := m.engine.Start(ctx, spec.ID); err != nil {
		_ = m.engine.Remove(ctx, spec.ID)
		return nil, err
	}
	c := &types.Container{
		ID:        spec.ID,
		Image:     spec.Image,
		Labels:    labels,
		State:     types.ContainerStateRunning,
		Limits:    spec.Limits,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateContainer(ctx, c); err != nil {
		_ = m.engine.Stop(ctx, spec.ID, stopTimeout)
		_ = m.engine.Remove(ctx, spec.ID)
		return nil, err
	}
	metrics.ContainersCreated.Inc()
	m.publish("container.created", c.ID, "")
	return c, nil
}

// createDone runs on the actor once an asynchronous create finishes.
func (m *Manager) createDone(c *types.Container, labels []string, err error) {
	m.creating--
	if err != nil {
		log.Err(m.logger.Error(), err).Msg("Container creation failed")
		// Fail the waiter that triggered growth so callers see the real
		// error instead of waiting out their budget.
		for i, w := range m.waiters {
			if labelsEqual(w.labels, labels) {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				metrics.PoolWaiters.Set(float64(len(m.waiters)))
				w.resp <- allocation{err: err}
				return
			}
		}
		return
	}
	e := &entry{c: c, idleSince: time.Now()}
	m.entries[c.ID] = e
	for i, w := range m.waiters {
		if containerHasLabels(c, w.labels) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			metrics.PoolWaiters.Set(float64(len(m.waiters)))
			m.allocate(e, w)
			return
		}
	}
}

// scale runs on the actor each tick. Only the leader resizes the pool.
func (m *Manager) scale() {
	if !m.leader.Load() {
		return
	}
	m.evictStale()

	for m.readyCount()+m.creating < m.cfg.Min {
		m.startCreate(nil, "")
	}

	ready := m.readyCount()
	allocated := m.allocatedCount()
	if ready == 0 {
		return
	}

	util := float64(allocated) / float64(ready)
	metrics.PoolUtilization.Set(util)
	switch {
	case util > m.cfg.ScaleUpUtil && ready+m.creating < m.cfg.Max:
		m.startCreate(nil, "")
	case util < m.cfg.ScaleDownUtil && ready > m.cfg.Min:
		m.shrink(ready - m.cfg.Min)
	}
}

// shrink removes up to n idle containers past the idle timeout, oldest
// first.
func (m *Manager) shrink(n int) {
	idle := make([]*entry, 0, len(m.entries))
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	for _, e := range m.entries {
		if !e.allocated && e.c.State == types.ContainerStateRunning && e.idleSince.Before(cutoff) {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].idleSince.Before(idle[j].idleSince) })
	if len(idle) > n {
		idle = idle[:n]
	}
	for _, e := range idle {
		m.removeEntry(e)
	}
}

// evictStale tears down quarantined and stopped entries that are no longer
// allocated.
func (m *Manager) evictStale() {
	for _, e := range m.entries {
		if e.allocated {
			continue
		}
		if e.c.State == types.ContainerStateQuarantined || e.c.State == types.ContainerStateStopped {
			m.removeEntry(e)
		}
	}
}

// removeEntry drops the entry from the table and tears the container down
// asynchronously.
func (m *Manager) removeEntry(e *entry) {
	delete(m.entries, e.c.ID)
	c := e.c
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+30*time.Second)
		defer cancel()
		if err := m.engine.Stop(ctx, c.ID, stopTimeout); err != nil {
			log.Err(m.logger.Warn(), err).Str("container_id", c.ID).Msg("Stop during eviction failed")
		}
		if err := m.engine.Remove(ctx, c.ID); err != nil {
			log.Err(m.logger.Warn(), err).Str("container_id", c.ID).Msg("Remove during eviction failed")
		}
		c.State = types.ContainerStateRemoved
		if err := m.store.UpdateContainer(ctx, c); err != nil {
			log.Err(m.logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to persist container removal")
		}
		m.publish("container.removed", c.ID, "")
	}()
}

func (m *Manager) readyCount() int {
	n := 0
	for _, e := range m.entries {
		if e.c.State == types.ContainerStateRunning && !e.recycle {
			n++
		}
	}
	return n
}

func (m *Manager) allocatedCount() int {
	n := 0
	for _, e := range m.entries {
		if e.allocated {
			n++
		}
	}
	return n
}

func (m *Manager) updateGauges() {
	counts := map[types.ContainerState]int{}
	for _, e := range m.entries {
		counts[e.c.State]++
	}
	for _, state := range []types.ContainerState{
		types.ContainerStateCreating, types.ContainerStateRunning,
		types.ContainerStateStopped, types.ContainerStateQuarantined,
	} {
		metrics.PoolSize.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.PoolWaiters.Set(float64(len(m.waiters)))
}

// persist writes the container record without blocking allocation on store
// latency beyond one round trip.
func (m *Manager) persist(c *types.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateContainer(ctx, c); err != nil {
		log.Err(m.logger.Warn(), err).Str("container_id", c.ID).Msg("Failed to persist container state")
	}
}

func (m *Manager) publish(eventType, containerID, message string) {
	if m.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := &types.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Container: containerID,
		Message:   message,
	}
	if err := m.coord.Publish(ctx, coord.ChannelContainers, ev); err != nil {
		log.Err(m.logger.Warn(), err).Str("event", eventType).Msg("Failed to publish container event")
	}
}

// Counts reports pool occupancy for the status API.
func (m *Manager) Counts(ctx context.Context) (ready, allocated, waiting int, err error) {
	type counts struct{ ready, allocated, waiting int }
	resp := make(chan counts, 1)
	m.post(func() {
		resp <- counts{m.readyCount(), m.allocatedCount(), len(m.waiters)}
	})
	select {
	case c := <-resp:
		return c.ready, c.allocated, c.waiting, nil
	case <-ctx.Done():
		return 0, 0, 0, ctx.Err()
	case <-m.done:
		return 0, 0, 0, errdefs.New(errdefs.KindShutdown, "pool_stopped", "pool manager stopped")
	}
}

// Assign records the owning job on an allocated container.
func (m *Manager) Assign(ctx context.Context, containerID, jobID string) error {
	errCh := make(chan error, 1)
	m.post(func() {
		e, ok := m.entries[containerID]
		if !ok {
			errCh <- errdefs.NotFound("container_not_found", "container %s not pooled", containerID)
			return
		}
		if !e.allocated {
			errCh <- errdefs.Conflict("container_not_allocated", "container %s is not allocated", containerID)
			return
		}
		e.c.JobID = jobID
		m.persist(e.c)
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containerHasLabels(c *types.Container, want []string) bool {
	have := make(map[string]struct{}, len(c.Labels))
	for _, l := range c.Labels {
		have[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, l := range a {
		seen[l]++
	}
	for _, l := range b {
		seen[l]--
		if seen[l] < 0 {
			return false
		}
	}
	return true
}
