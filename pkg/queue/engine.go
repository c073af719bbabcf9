package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/router"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// Processor executes one job attempt. A nil return completes the job; an
// error triggers the retry policy using the error's code.
type Processor func(ctx context.Context, job *types.Job) error

// pollInterval bounds how long an idle worker waits between queue probes
// when no enqueue wakes it earlier.
const pollInterval = time.Second

// Engine runs the named queues: it admits jobs, hands them to per-queue
// worker pools, applies retry policies, reclaims stalled reservations, and
// promotes delayed jobs when due.
type Engine struct {
	cfg     config.QueueConfig
	store   storage.Store
	coord   *coord.Client
	journal *Journal
	nodeID  string
	logger  zerolog.Logger

	mu         sync.RWMutex
	processors map[types.JobClass]Processor
	paused     map[string]bool
	wake       map[string]chan struct{}

	admitted atomic.Int64

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithCoordinator wires the coordination client used for event fan-out.
func WithCoordinator(c *coord.Client) Option {
	return func(e *Engine) { e.coord = c }
}

// WithJournal wires the local recovery journal.
func WithJournal(j *Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// NewEngine creates a queue engine over the given store.
func NewEngine(cfg config.QueueConfig, store storage.Store, nodeID string, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      store,
		nodeID:     nodeID,
		logger:     log.WithComponent("queue"),
		processors: make(map[types.JobClass]Processor),
		paused:     make(map[string]bool),
		wake:       make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
	for _, q := range types.QueueNames {
		e.wake[q] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the processor for a job class. Classes without a
// processor fail their attempts with code no_processor.
func (e *Engine) Register(class types.JobClass, p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors[class] = p
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*types.Job)

// WithDelay defers the job's first execution by d on top of any delay the
// routing table already applies.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *types.Job) {
		j.State = types.JobStateDelayed
		j.DueAt = j.EnqueuedAt.Add(d)
	}
}

// WithSourceEvent links the job back to the webhook delivery that caused it.
func WithSourceEvent(deliveryID string) EnqueueOption {
	return func(j *types.Job) { j.SourceEventID = deliveryID }
}

// Enqueue validates, routes, and persists a new job. The retry policy is
// snapshotted onto the job so later routing changes never affect it.
func (e *Engine) Enqueue(ctx context.Context, class types.JobClass, payload json.RawMessage, opts ...EnqueueOption) (*types.Job, error) {
	if len(payload) > types.MaxPayloadBytes {
		return nil, errdefs.Validation("payload_too_large", "payload is %d bytes, limit is %d", len(payload), types.MaxPayloadBytes)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errdefs.Validation("malformed_payload", "payload is not valid JSON")
	}

	route, err := router.Resolve(class, payload)
	if err != nil {
		return nil, err
	}

	if e.admitted.Load() >= int64(e.cfg.AdmissionCapacity) {
		return nil, errdefs.Exhausted("queue_at_capacity", "admission capacity %d reached", e.cfg.AdmissionCapacity)
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:         uuid.NewString(),
		Class:      class,
		Queue:      route.Queue,
		Priority:   route.Priority,
		Payload:    payload,
		State:      types.JobStateQueued,
		Retry:      route.Retry,
		EnqueuedAt: now,
	}
	if route.Delay > 0 {
		job.State = types.JobStateDelayed
		job.DueAt = now.Add(route.Delay)
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	e.admitted.Add(1)
	e.journalAppend(job)

	metrics.JobsEnqueued.WithLabelValues(job.Queue, string(job.Class)).Inc()
	e.publish(ctx, "job.enqueued", job, "")
	if job.State == types.JobStateQueued {
		e.nudge(job.Queue)
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("class", string(job.Class)).
		Str("queue", job.Queue).
		Int("priority", int(job.Priority)).
		Msg("Job enqueued")
	return job, nil
}

// Start recovers state and launches the worker pools and sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	}

	if err := e.loadAdmitted(ctx); err != nil {
		return err
	}

	for _, queue := range types.QueueNames {
		n := e.cfg.Concurrency[queue]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			e.wg.Add(1)
			go e.runWorker(queue)
		}
	}

	e.wg.Add(1)
	go e.runSweeper()

	e.logger.Info().
		Int("queues", len(types.QueueNames)).
		Dur("visibility_timeout", e.cfg.VisibilityTimeout).
		Msg("Queue engine started")
	return nil
}

// Stop drains the workers. Jobs past their processor are finalized; jobs
// mid-flight keep their reservation and are reclaimed after it lapses.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info().Msg("Queue engine stopped")
		return nil
	case <-ctx.Done():
		return errdefs.Wrap(ctx.Err(), errdefs.KindShutdown, "drain_timeout", "queue workers did not drain in time")
	}
}

// Pause stops dispatch for one queue. In-flight jobs finish normally.
func (e *Engine) Pause(queue string) {
	e.mu.Lock()
	e.paused[queue] = true
	e.mu.Unlock()
	e.logger.Warn().Str("queue", queue).Msg("Queue paused")
}

// PauseAll pauses every queue; used while a failover is in progress.
func (e *Engine) PauseAll() {
	for _, q := range types.QueueNames {
		e.Pause(q)
	}
}

// Resume re-enables dispatch for one queue.
func (e *Engine) Resume(queue string) {
	e.mu.Lock()
	e.paused[queue] = false
	e.mu.Unlock()
	e.nudge(queue)
	e.logger.Info().Str("queue", queue).Msg("Queue resumed")
}

// ResumeAll resumes every queue.
func (e *Engine) ResumeAll() {
	for _, q := range types.QueueNames {
		e.Resume(q)
	}
}

// Paused reports whether dispatch for queue is currently paused.
func (e *Engine) Paused(queue string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused[queue]
}

// RetryJob requeues a failed or dead job with a fresh attempt budget.
func (e *Engine) RetryJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != types.JobStateFailed && job.State != types.JobStateDead {
		return nil, errdefs.Conflict("job_not_retryable", "job %s is %s, only failed or dead jobs can be retried", jobID, job.State)
	}

	wasTerminal := job.State.Terminal()
	job.State = types.JobStateQueued
	job.Attempts = 0
	job.LastError = ""
	job.FinishedAt = time.Time{}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if wasTerminal {
		e.admitted.Add(1)
	}
	e.journalAppend(job)
	e.publish(ctx, "job.retried", job, "")
	e.nudge(job.Queue)
	return job, nil
}

// Counts returns per-queue, per-state job counts.
func (e *Engine) Counts(ctx context.Context) (map[string]map[string]int, error) {
	return e.store.CountJobs(ctx)
}

// recover reconciles the local journal against the store. Non-terminal
// journaled jobs missing from the store (a crash between journal write and
// store commit, or a store restore from backup) are re-created with a
// recovery marker in their payload. Snapshots older than RecoveryMaxAge are
// discarded.
func (e *Engine) recover(ctx context.Context) error {
	if e.journal == nil {
		return nil
	}
	snapshots, err := e.journal.ReadAll()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-e.cfg.RecoveryMaxAge)
	recovered := 0
	for _, snap := range snapshots {
		if snap.EnqueuedAt.Before(cutoff) {
			e.journal.Remove(snap.ID)
			continue
		}
		_, err := e.store.GetJob(ctx, snap.ID)
		if err == nil {
			continue
		}
		if errdefs.KindOf(err) != errdefs.KindNotFound {
			return err
		}

		snap.State = types.JobStateQueued
		snap.Reservation = ""
		snap.ReservedUntil = time.Time{}
		snap.Payload = markRecovered(snap.Payload)
		if err := e.store.CreateJob(ctx, snap); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Warn().Int("recovered", recovered).Msg("Re-created journaled jobs missing from store")
	}
	return nil
}

// markRecovered annotates the payload so processors can detect replays.
func markRecovered(payload json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil || m == nil {
		m = map[string]json.RawMessage{}
	}
	m["_recovery"] = json.RawMessage(`true`)
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

func (e *Engine) loadAdmitted(ctx context.Context) error {
	counts, err := e.store.CountJobs(ctx)
	if err != nil {
		return err
	}
	var n int64
	for _, states := range counts {
		for state, c := range states {
			if !types.JobState(state).Terminal() {
				n += int64(c)
			}
		}
	}
	e.admitted.Store(n)
	return nil
}

func (e *Engine) runWorker(queue string) {
	defer e.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		case <-e.wake[queue]:
		}
		e.drain(queue)
	}
}

// drain reserves and processes jobs until the queue is empty, paused, or the
// engine stops.
func (e *Engine) drain(queue string) {
	for {
		if e.stopped.Load() || e.Paused(queue) {
			return
		}
		ctx := context.Background()
		now := time.Now().UTC()
		job, err := e.store.ReserveJob(ctx, queue, e.reservation(), now.Add(e.cfg.VisibilityTimeout), now)
		if err != nil {
			if errdefs.KindOf(err) != errdefs.KindNotFound {
				log.Err(e.logger.Error(), err).Str("queue", queue).Msg("Failed to reserve job")
			}
			return
		}
		e.process(ctx, job)
	}
}

func (e *Engine) reservation() string {
	return e.nodeID + ":" + uuid.NewString()
}

// process runs one attempt under a heartbeat that extends the reservation at
// a third of the visibility timeout. Losing the reservation cancels the
// attempt and discards its outcome.
func (e *Engine) process(ctx context.Context, job *types.Job) {
	e.mu.RLock()
	proc, ok := e.processors[job.Class]
	e.mu.RUnlock()

	job.StartedAt = time.Now().UTC()
	timer := metrics.NewTimer()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	var lost atomic.Bool

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		interval := e.cfg.VisibilityTimeout / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				until := time.Now().UTC().Add(e.cfg.VisibilityTimeout)
				if err := e.store.ExtendReservation(ctx, job.ID, job.Reservation, until); err != nil {
					lost.Store(true)
					cancelJob()
					return
				}
			}
		}
	}()

	var procErr error
	if !ok {
		procErr = errdefs.New(errdefs.KindInternal, "no_processor", "no processor registered for class %s", job.Class)
	} else {
		procErr = proc(jobCtx, job)
	}

	close(hbStop)
	<-hbDone

	if lost.Load() {
		metrics.JobsStalled.WithLabelValues(job.Queue).Inc()
		e.logger.Warn().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Msg("Reservation lost mid-attempt, discarding outcome")
		return
	}

	if procErr == nil {
		e.complete(ctx, job, timer)
		return
	}
	e.fail(ctx, job, procErr)
}

func (e *Engine) complete(ctx context.Context, job *types.Job, timer *metrics.Timer) {
	job.State = types.JobStateCompleted
	job.FinishedAt = time.Now().UTC()
	job.Reservation = ""
	job.ReservedUntil = time.Time{}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Failed to persist job completion")
		return
	}
	e.admitted.Add(-1)
	e.journalAppend(job)

	metrics.JobsCompleted.WithLabelValues(job.Queue).Inc()
	timer.ObserveDuration(metrics.JobDuration.WithLabelValues(job.Queue))
	e.publish(ctx, "job.completed", job, "")

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Dur("duration", timer.Duration()).
		Msg("Job completed")
}

// fail applies the retry policy: schedule a delayed retry when the error is
// retryable and attempts remain, otherwise dead-letter the job.
func (e *Engine) fail(ctx context.Context, job *types.Job, procErr error) {
	code := errdefs.CodeOf(procErr)
	job.Attempts++
	job.LastError = procErr.Error()
	job.Reservation = ""
	job.ReservedUntil = time.Time{}

	metrics.JobsFailed.WithLabelValues(job.Queue, code).Inc()

	if ShouldRetry(job.Retry, code, job.Attempts) {
		delay := NextDelay(job.Retry, job.Attempts)
		job.State = types.JobStateDelayed
		job.DueAt = time.Now().UTC().Add(delay)
		if err := e.store.UpdateJob(ctx, job); err != nil {
			log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Failed to schedule retry")
			return
		}
		e.journalAppend(job)
		e.publish(ctx, "job.failed", job, code)
		e.logger.Warn().
			Str("job_id", job.ID).
			Str("error_code", code).
			Int("attempt", job.Attempts).
			Dur("retry_in", delay).
			Msg("Job attempt failed, retry scheduled")
		return
	}

	// Retry denied, whether by a non-retryable code or an exhausted attempt
	// budget, dead-letters the job.
	job.State = types.JobStateDead
	job.FinishedAt = time.Now().UTC()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Failed to persist job failure")
		return
	}
	e.admitted.Add(-1)
	e.journalAppend(job)

	metrics.JobsDead.WithLabelValues(job.Queue).Inc()
	e.publish(ctx, "job.dead", job, code)
	e.onDead(ctx, job, code)

	log.Err(e.logger.Error(), procErr).
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("state", string(job.State)).
		Int("attempts", job.Attempts).
		Msg("Job failed permanently")
}

// onDead enqueues the follow-up work a dead job requires: an operator alert
// always, and runner cleanup when a workflow execution died mid-flight.
func (e *Engine) onDead(ctx context.Context, job *types.Job, code string) {
	alert, _ := json.Marshal(map[string]string{
		"severity": string(types.SeverityHigh),
		"source":   "queue",
		"message":  fmt.Sprintf("job %s (%s) moved to dead-letter after %d attempts: %s", job.ID, job.Class, job.Attempts, code),
	})
	if _, err := e.Enqueue(ctx, types.JobSendAlert, alert); err != nil {
		log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Failed to enqueue dead-letter alert")
	}

	if job.Class == types.JobExecuteWorkflow {
		cleanup, _ := json.Marshal(map[string]string{"job_id": job.ID})
		if _, err := e.Enqueue(ctx, types.JobCleanupRunner, cleanup); err != nil {
			log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Failed to enqueue runner cleanup")
		}
	}
}

// runSweeper periodically reclaims lapsed reservations and promotes due
// delayed jobs.
func (e *Engine) runSweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Sweep(context.Background())
		}
	}
}

// Sweep runs one reclaim-and-promote pass.
func (e *Engine) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	stalled, err := e.store.ReclaimStalled(ctx, now)
	if err != nil {
		log.Err(e.logger.Error(), err).Msg("Stalled reclaim failed")
	}
	for _, job := range stalled {
		metrics.JobsStalled.WithLabelValues(job.Queue).Inc()
		e.journalAppend(job)
		e.nudge(job.Queue)
		e.logger.Warn().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Msg("Reclaimed stalled reservation")
	}

	due, err := e.store.PromoteDelayed(ctx, now)
	if err != nil {
		log.Err(e.logger.Error(), err).Msg("Delayed promotion failed")
	}
	for _, job := range due {
		e.journalAppend(job)
		e.nudge(job.Queue)
	}
}

func (e *Engine) journalAppend(job *types.Job) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(job); err != nil {
		log.Err(e.logger.Error(), err).Str("job_id", job.ID).Msg("Journal append failed")
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, job *types.Job, code string) {
	if e.coord == nil {
		return
	}
	ev := &types.Event{
		Type:  eventType,
		JobID: job.ID,
		Data: map[string]string{
			"queue": job.Queue,
			"class": string(job.Class),
			"state": string(job.State),
		},
	}
	if code != "" {
		ev.Data["error_code"] = code
	}
	if err := e.coord.Publish(ctx, coord.ChannelJobs, ev); err != nil {
		log.Err(e.logger.Debug(), err).Msg("Event publish failed")
	}
}

func (e *Engine) nudge(queue string) {
	ch, ok := e.wake[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
