package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/types"
)

// SQLStore implements Store over sqlx. It runs against postgres in
// production and sqlite for embedded deployments and tests; all SQL is kept
// compatible with both.
type SQLStore struct {
	mu      sync.RWMutex
	db      *sqlx.DB
	replica *sqlx.DB

	auditMu sync.Mutex
}

// Open connects to the configured database, applies migrations, and returns
// the store.
func Open(cfg config.StoreConfig) (*SQLStore, error) {
	driver, dialect := driverFor(cfg.Driver)

	db, err := sqlx.Connect(driver, cfg.URL)
	if err != nil {
		return nil, errdefs.Unavailable(err, "store_unavailable", "connecting to %s store", cfg.Driver)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := Migrate(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db}

	if cfg.ReplicaURL != "" {
		replica, err := sqlx.Connect(driver, cfg.ReplicaURL)
		if err != nil {
			logger := log.WithComponent("storage")
			log.Err(logger.Warn(), err).Msg("Replica unavailable, continuing with primary only")
		} else {
			s.replica = replica
		}
	}

	return s, nil
}

func driverFor(name string) (driver, gooseDialect string) {
	if name == "postgres" {
		return "pgx", "postgres"
	}
	return "sqlite", "sqlite3"
}

// testDBSeq names each in-memory test database so tests never share state.
var testDBSeq atomic.Int64

// OpenTest opens an isolated in-memory sqlite store for tests.
func OpenTest() (*SQLStore, error) {
	dsn := fmt.Sprintf("file:test%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", testDBSeq.Add(1))
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Shared-cache in-memory databases vanish once every conn closes.
	db.SetMaxOpenConns(1)
	if err := Migrate(db.DB, "sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) primary() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// PromoteReplica swaps the replica in as the new primary during store
// failover. It is a no-op when no replica is configured.
func (s *SQLStore) PromoteReplica() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replica == nil {
		return errdefs.NotFound("no_replica", "no replica configured to promote")
	}
	old := s.db
	s.db = s.replica
	s.replica = nil
	go old.Close()
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replica != nil {
		s.replica.Close()
	}
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.primary().PingContext(ctx); err != nil {
		return errdefs.Unavailable(err, "store_unavailable", "primary ping failed")
	}
	return nil
}

func (s *SQLStore) PingReplica(ctx context.Context) error {
	s.mu.RLock()
	replica := s.replica
	s.mu.RUnlock()
	if replica == nil {
		return nil
	}
	if err := replica.PingContext(ctx); err != nil {
		return errdefs.Unavailable(err, "replica_unavailable", "replica ping failed")
	}
	return nil
}

// ms converts a time to epoch milliseconds; the zero time maps to 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// --- jobs ---

type jobRow struct {
	ID            string `db:"id"`
	SourceEventID string `db:"source_event_id"`
	Class         string `db:"class"`
	Queue         string `db:"queue"`
	Priority      int    `db:"priority"`
	Payload       string `db:"payload"`
	State         string `db:"state"`
	Attempts      int    `db:"attempts"`
	RetryPolicy   string `db:"retry_policy"`
	LastError     string `db:"last_error"`
	Reservation   string `db:"reservation"`
	ReservedUntil int64  `db:"reserved_until"`
	DueAt         int64  `db:"due_at"`
	EnqueuedAt    int64  `db:"enqueued_at"`
	StartedAt     int64  `db:"started_at"`
	FinishedAt    int64  `db:"finished_at"`
	Version       int64  `db:"version"`
}

func (r *jobRow) toJob() *types.Job {
	job := &types.Job{
		ID:            r.ID,
		SourceEventID: r.SourceEventID,
		Class:         types.JobClass(r.Class),
		Queue:         r.Queue,
		Priority:      types.Priority(r.Priority),
		Payload:       json.RawMessage(r.Payload),
		State:         types.JobState(r.State),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		Reservation:   r.Reservation,
		ReservedUntil: fromMS(r.ReservedUntil),
		DueAt:         fromMS(r.DueAt),
		EnqueuedAt:    fromMS(r.EnqueuedAt),
		StartedAt:     fromMS(r.StartedAt),
		FinishedAt:    fromMS(r.FinishedAt),
		Version:       r.Version,
	}
	_ = json.Unmarshal([]byte(r.RetryPolicy), &job.Retry)
	return job
}

func rowFromJob(job *types.Job) (*jobRow, error) {
	retry, err := json.Marshal(job.Retry)
	if err != nil {
		return nil, fmt.Errorf("marshaling retry policy: %w", err)
	}
	payload := "{}"
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	return &jobRow{
		ID:            job.ID,
		SourceEventID: job.SourceEventID,
		Class:         string(job.Class),
		Queue:         job.Queue,
		Priority:      int(job.Priority),
		Payload:       payload,
		State:         string(job.State),
		Attempts:      job.Attempts,
		RetryPolicy:   string(retry),
		LastError:     job.LastError,
		Reservation:   job.Reservation,
		ReservedUntil: ms(job.ReservedUntil),
		DueAt:         ms(job.DueAt),
		EnqueuedAt:    ms(job.EnqueuedAt),
		StartedAt:     ms(job.StartedAt),
		FinishedAt:    ms(job.FinishedAt),
		Version:       job.Version,
	}, nil
}

func (s *SQLStore) CreateJob(ctx context.Context, job *types.Job) error {
	if job.Version == 0 {
		job.Version = 1
	}
	row, err := rowFromJob(job)
	if err != nil {
		return err
	}
	db := s.primary()
	_, err = db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, source_event_id, class, queue, priority, payload, state,
			attempts, retry_policy, last_error, reservation, reserved_until, due_at,
			enqueued_at, started_at, finished_at, version)
		VALUES (:id, :source_event_id, :class, :queue, :priority, :payload, :state,
			:attempts, :retry_policy, :last_error, :reservation, :reserved_until, :due_at,
			:enqueued_at, :started_at, :finished_at, :version)`, row)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "inserting job %s", job.ID)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	db := s.primary()
	var row jobRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("job_not_found", "job %s not found", id)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading job %s", id)
	}
	return row.toJob(), nil
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	db := s.primary()
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Class != "" {
		query += ` AND class = ?`
		args = append(args, string(filter.Class))
	}
	query += ` ORDER BY enqueued_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var rows []jobRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing jobs")
	}
	jobs := make([]*types.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *types.Job) error {
	row, err := rowFromJob(job)
	if err != nil {
		return err
	}
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE jobs SET state = ?, attempts = ?, last_error = ?, reservation = ?,
			reserved_until = ?, due_at = ?, started_at = ?, finished_at = ?,
			payload = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		row.State, row.Attempts, row.LastError, row.Reservation,
		row.ReservedUntil, row.DueAt, row.StartedAt, row.FinishedAt,
		row.Payload, row.ID, row.Version)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "updating job %s", job.ID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errdefs.Conflict("job_version_conflict", "job %s was modified concurrently", job.ID)
	}
	job.Version++
	return nil
}

func (s *SQLStore) ReserveJob(ctx context.Context, queue, reservation string, until, now time.Time) (*types.Job, error) {
	db := s.primary()
	for attempt := 0; attempt < 5; attempt++ {
		var row jobRow
		err := db.GetContext(ctx, &row, db.Rebind(`
			SELECT * FROM jobs WHERE queue = ? AND state = ?
			ORDER BY priority ASC, enqueued_at ASC LIMIT 1`),
			queue, string(types.JobStateQueued))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFound("queue_empty", "no queued job in %s", queue)
		}
		if err != nil {
			return nil, errdefs.Internal(err, "store_failure", "selecting job from %s", queue)
		}

		res, err := db.ExecContext(ctx, db.Rebind(`
			UPDATE jobs SET state = ?, reservation = ?, reserved_until = ?,
				started_at = ?, version = version + 1
			WHERE id = ? AND state = ? AND version = ?`),
			string(types.JobStateActive), reservation, ms(until),
			ms(now), row.ID, string(types.JobStateQueued), row.Version)
		if err != nil {
			return nil, errdefs.Internal(err, "store_failure", "reserving job %s", row.ID)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			row.State = string(types.JobStateActive)
			row.Reservation = reservation
			row.ReservedUntil = ms(until)
			row.StartedAt = ms(now)
			row.Version++
			return row.toJob(), nil
		}
		// Lost the race to another worker, pick the next candidate.
	}
	return nil, errdefs.NotFound("queue_empty", "no reservable job in %s", queue)
}

func (s *SQLStore) ExtendReservation(ctx context.Context, jobID, reservation string, until time.Time) error {
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE jobs SET reserved_until = ?, version = version + 1
		WHERE id = ? AND reservation = ? AND state = ?`),
		ms(until), jobID, reservation, string(types.JobStateActive))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "extending reservation for %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.Conflict("reservation_lost", "reservation on job %s is no longer held", jobID)
	}
	return nil
}

func (s *SQLStore) ReclaimStalled(ctx context.Context, now time.Time) ([]*types.Job, error) {
	db := s.primary()
	var rows []jobRow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM jobs WHERE state = ? AND reserved_until > 0 AND reserved_until < ?`),
		string(types.JobStateActive), ms(now))
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "scanning stalled jobs")
	}

	var reclaimed []*types.Job
	for i := range rows {
		res, err := db.ExecContext(ctx, db.Rebind(`
			UPDATE jobs SET state = ?, reservation = '', reserved_until = 0,
				version = version + 1
			WHERE id = ? AND state = ? AND version = ?`),
			string(types.JobStateQueued), rows[i].ID,
			string(types.JobStateActive), rows[i].Version)
		if err != nil {
			return reclaimed, errdefs.Internal(err, "store_failure", "reclaiming job %s", rows[i].ID)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			rows[i].State = string(types.JobStateQueued)
			rows[i].Reservation = ""
			rows[i].ReservedUntil = 0
			rows[i].Version++
			reclaimed = append(reclaimed, rows[i].toJob())
		}
	}
	return reclaimed, nil
}

func (s *SQLStore) PromoteDelayed(ctx context.Context, now time.Time) ([]*types.Job, error) {
	db := s.primary()
	var rows []jobRow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM jobs WHERE state = ? AND due_at > 0 AND due_at <= ?`),
		string(types.JobStateDelayed), ms(now))
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "scanning delayed jobs")
	}

	var promoted []*types.Job
	for i := range rows {
		res, err := db.ExecContext(ctx, db.Rebind(`
			UPDATE jobs SET state = ?, due_at = 0, version = version + 1
			WHERE id = ? AND state = ? AND version = ?`),
			string(types.JobStateQueued), rows[i].ID,
			string(types.JobStateDelayed), rows[i].Version)
		if err != nil {
			return promoted, errdefs.Internal(err, "store_failure", "promoting job %s", rows[i].ID)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			rows[i].State = string(types.JobStateQueued)
			rows[i].DueAt = 0
			rows[i].Version++
			promoted = append(promoted, rows[i].toJob())
		}
	}
	return promoted, nil
}

func (s *SQLStore) CountJobs(ctx context.Context) (map[string]map[string]int, error) {
	db := s.primary()
	rows, err := db.QueryContext(ctx, `SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state`)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "counting jobs")
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var queue, state string
		var n int
		if err := rows.Scan(&queue, &state, &n); err != nil {
			return nil, errdefs.Internal(err, "store_failure", "scanning job counts")
		}
		if out[queue] == nil {
			out[queue] = make(map[string]int)
		}
		out[queue][state] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteJobsBefore(ctx context.Context, state types.JobState, cutoff time.Time) (int64, error) {
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		DELETE FROM jobs WHERE state = ? AND finished_at > 0 AND finished_at < ?`),
		string(state), ms(cutoff))
	if err != nil {
		return 0, errdefs.Internal(err, "store_failure", "sweeping %s jobs", state)
	}
	return res.RowsAffected()
}

// --- webhook events ---

type webhookRow struct {
	DeliveryID     string `db:"delivery_id"`
	EventType      string `db:"event_type"`
	Repository     string `db:"repository"`
	Payload        string `db:"payload"`
	SignatureValid int    `db:"signature_valid"`
	Processed      int    `db:"processed"`
	ReceivedAt     int64  `db:"received_at"`
}

func (r *webhookRow) toEvent() *types.WebhookEvent {
	return &types.WebhookEvent{
		DeliveryID:     r.DeliveryID,
		EventType:      r.EventType,
		Repository:     r.Repository,
		Payload:        json.RawMessage(r.Payload),
		SignatureValid: r.SignatureValid == 1,
		Processed:      r.Processed == 1,
		ReceivedAt:     fromMS(r.ReceivedAt),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) InsertWebhookEvent(ctx context.Context, ev *types.WebhookEvent) (bool, error) {
	db := s.primary()
	payload := "{}"
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO webhook_events (delivery_id, event_type, repository, payload,
			signature_valid, processed, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`),
		ev.DeliveryID, ev.EventType, ev.Repository, payload,
		boolInt(ev.SignatureValid), boolInt(ev.Processed), ms(ev.ReceivedAt))
	if err != nil {
		return false, errdefs.Internal(err, "store_failure", "inserting webhook event %s", ev.DeliveryID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) GetWebhookEvent(ctx context.Context, deliveryID string) (*types.WebhookEvent, error) {
	db := s.primary()
	var row webhookRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM webhook_events WHERE delivery_id = ?`), deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("webhook_event_not_found", "delivery %s not found", deliveryID)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading delivery %s", deliveryID)
	}
	return row.toEvent(), nil
}

func (s *SQLStore) MarkWebhookProcessed(ctx context.Context, deliveryID string, processed bool) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE webhook_events SET processed = ? WHERE delivery_id = ?`),
		boolInt(processed), deliveryID)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "marking delivery %s", deliveryID)
	}
	return nil
}

func (s *SQLStore) DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		DELETE FROM webhook_events WHERE processed = 1 AND received_at < ?`), ms(cutoff))
	if err != nil {
		return 0, errdefs.Internal(err, "store_failure", "sweeping webhook events")
	}
	return res.RowsAffected()
}

// --- runners ---

type runnerRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Labels        string `db:"labels"`
	State         string `db:"state"`
	Capabilities  string `db:"capabilities"`
	LastHeartbeat int64  `db:"last_heartbeat"`
	AssignedJobID string `db:"assigned_job_id"`
	RegisteredAt  int64  `db:"registered_at"`
}

func (r *runnerRow) toRunner() *types.Runner {
	return &types.Runner{
		ID:            r.ID,
		Name:          r.Name,
		Labels:        unmarshalList(r.Labels),
		State:         types.RunnerState(r.State),
		Capabilities:  unmarshalList(r.Capabilities),
		LastHeartbeat: fromMS(r.LastHeartbeat),
		AssignedJobID: r.AssignedJobID,
		RegisteredAt:  fromMS(r.RegisteredAt),
	}
}

func (s *SQLStore) UpsertRunner(ctx context.Context, runner *types.Runner) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO runners (id, name, labels, state, capabilities, last_heartbeat,
			assigned_job_id, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, labels = excluded.labels, state = excluded.state,
			capabilities = excluded.capabilities, last_heartbeat = excluded.last_heartbeat,
			assigned_job_id = excluded.assigned_job_id`),
		runner.ID, runner.Name, marshalList(runner.Labels), string(runner.State),
		marshalList(runner.Capabilities), ms(runner.LastHeartbeat),
		runner.AssignedJobID, ms(runner.RegisteredAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "upserting runner %s", runner.ID)
	}
	return nil
}

func (s *SQLStore) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	db := s.primary()
	var row runnerRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM runners WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("runner_not_found", "runner %s not found", id)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading runner %s", id)
	}
	return row.toRunner(), nil
}

func (s *SQLStore) ListRunners(ctx context.Context) ([]*types.Runner, error) {
	db := s.primary()
	var rows []runnerRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM runners ORDER BY registered_at`); err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing runners")
	}
	out := make([]*types.Runner, len(rows))
	for i := range rows {
		out[i] = rows[i].toRunner()
	}
	return out, nil
}

func (s *SQLStore) DeleteRunner(ctx context.Context, id string) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM runners WHERE id = ?`), id)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "deleting runner %s", id)
	}
	return nil
}

// --- containers ---

type containerRow struct {
	ID               string  `db:"id"`
	RunnerID         string  `db:"runner_id"`
	JobID            string  `db:"job_id"`
	Image            string  `db:"image"`
	ImageDigest      string  `db:"image_digest"`
	Labels           string  `db:"labels"`
	State            string  `db:"state"`
	CPUCores         float64 `db:"cpu_cores"`
	MemoryBytes      int64   `db:"memory_bytes"`
	Pids             int64   `db:"pids"`
	FDs              int64   `db:"fds"`
	NetworkNamespace string  `db:"network_namespace"`
	SecurityScore    int     `db:"security_score"`
	CreatedAt        int64   `db:"created_at"`
	LastAssessedAt   int64   `db:"last_assessed_at"`
}

func (r *containerRow) toContainer() *types.Container {
	return &types.Container{
		ID:          r.ID,
		RunnerID:    r.RunnerID,
		JobID:       r.JobID,
		Image:       r.Image,
		ImageDigest: r.ImageDigest,
		Labels:      unmarshalList(r.Labels),
		State:       types.ContainerState(r.State),
		Limits: types.ResourceLimits{
			CPUCores:    r.CPUCores,
			MemoryBytes: r.MemoryBytes,
			Pids:        r.Pids,
			FDs:         r.FDs,
		},
		NetworkNamespace: r.NetworkNamespace,
		SecurityScore:    r.SecurityScore,
		CreatedAt:        fromMS(r.CreatedAt),
		LastAssessedAt:   fromMS(r.LastAssessedAt),
	}
}

func (s *SQLStore) CreateContainer(ctx context.Context, c *types.Container) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO containers (id, runner_id, job_id, image, image_digest, labels,
			state, cpu_cores, memory_bytes, pids, fds, network_namespace,
			security_score, created_at, last_assessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.RunnerID, c.JobID, c.Image, c.ImageDigest, marshalList(c.Labels),
		string(c.State), c.Limits.CPUCores, c.Limits.MemoryBytes, c.Limits.Pids,
		c.Limits.FDs, c.NetworkNamespace, c.SecurityScore, ms(c.CreatedAt),
		ms(c.LastAssessedAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "inserting container %s", c.ID)
	}
	return nil
}

func (s *SQLStore) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	db := s.primary()
	var row containerRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM containers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("container_not_found", "container %s not found", id)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading container %s", id)
	}
	return row.toContainer(), nil
}

func (s *SQLStore) ListContainers(ctx context.Context, state types.ContainerState) ([]*types.Container, error) {
	db := s.primary()
	var rows []containerRow
	var err error
	if state == "" {
		err = db.SelectContext(ctx, &rows, `SELECT * FROM containers ORDER BY created_at`)
	} else {
		err = db.SelectContext(ctx, &rows,
			db.Rebind(`SELECT * FROM containers WHERE state = ? ORDER BY created_at`), string(state))
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing containers")
	}
	out := make([]*types.Container, len(rows))
	for i := range rows {
		out[i] = rows[i].toContainer()
	}
	return out, nil
}

func (s *SQLStore) UpdateContainer(ctx context.Context, c *types.Container) error {
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE containers SET runner_id = ?, job_id = ?, state = ?, image_digest = ?,
			network_namespace = ?, security_score = ?, last_assessed_at = ?
		WHERE id = ?`),
		c.RunnerID, c.JobID, string(c.State), c.ImageDigest,
		c.NetworkNamespace, c.SecurityScore, ms(c.LastAssessedAt), c.ID)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "updating container %s", c.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("container_not_found", "container %s not found", c.ID)
	}
	return nil
}

func (s *SQLStore) DeleteContainer(ctx context.Context, id string) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM containers WHERE id = ?`), id)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "deleting container %s", id)
	}
	return nil
}

func (s *SQLStore) UpsertContainerHealth(ctx context.Context, h *types.ContainerHealth) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO container_health (container_id, healthy, message, consecutive_failures, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (container_id) DO UPDATE SET
			healthy = excluded.healthy, message = excluded.message,
			consecutive_failures = excluded.consecutive_failures,
			checked_at = excluded.checked_at`),
		h.ContainerID, boolInt(h.Healthy), h.Message, h.ConsecutiveFailures, ms(h.CheckedAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "upserting health for %s", h.ContainerID)
	}
	return nil
}

func (s *SQLStore) GetContainerHealth(ctx context.Context, containerID string) (*types.ContainerHealth, error) {
	db := s.primary()
	var row struct {
		ContainerID         string `db:"container_id"`
		Healthy             int    `db:"healthy"`
		Message             string `db:"message"`
		ConsecutiveFailures int    `db:"consecutive_failures"`
		CheckedAt           int64  `db:"checked_at"`
	}
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM container_health WHERE container_id = ?`), containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("health_not_found", "no health record for %s", containerID)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading health for %s", containerID)
	}
	return &types.ContainerHealth{
		ContainerID:         row.ContainerID,
		Healthy:             row.Healthy == 1,
		Message:             row.Message,
		ConsecutiveFailures: row.ConsecutiveFailures,
		CheckedAt:           fromMS(row.CheckedAt),
	}, nil
}

// --- security ---

func (s *SQLStore) InsertViolation(ctx context.Context, v *types.Violation) (bool, error) {
	db := s.primary()
	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO security_violations (id, rule_id, container_id, severity, message, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (rule_id, container_id) WHERE resolved = 0 DO NOTHING`),
		v.ID, v.RuleID, v.ContainerID, string(v.Severity), v.Message, ms(v.DetectedAt))
	if err != nil {
		return false, errdefs.Internal(err, "store_failure", "inserting violation %s", v.ID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) ListOpenViolations(ctx context.Context, containerID string) ([]*types.Violation, error) {
	db := s.primary()
	var rows []struct {
		ID          string `db:"id"`
		RuleID      string `db:"rule_id"`
		ContainerID string `db:"container_id"`
		Severity    string `db:"severity"`
		Message     string `db:"message"`
		DetectedAt  int64  `db:"detected_at"`
		Resolved    int    `db:"resolved"`
	}
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM security_violations WHERE container_id = ? AND resolved = 0
		ORDER BY detected_at`), containerID)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing violations for %s", containerID)
	}
	out := make([]*types.Violation, len(rows))
	for i, r := range rows {
		out[i] = &types.Violation{
			ID:          r.ID,
			RuleID:      r.RuleID,
			ContainerID: r.ContainerID,
			Severity:    types.Severity(r.Severity),
			Message:     r.Message,
			DetectedAt:  fromMS(r.DetectedAt),
			Resolved:    r.Resolved == 1,
		}
	}
	return out, nil
}

func (s *SQLStore) ResolveViolations(ctx context.Context, containerID string) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE security_violations SET resolved = 1 WHERE container_id = ? AND resolved = 0`),
		containerID)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "resolving violations for %s", containerID)
	}
	return nil
}

func (s *SQLStore) InsertScanResult(ctx context.Context, r *types.ScanResult) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO security_scans (id, container_id, scan_type, critical, high, medium, low, grade, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ContainerID, string(r.Type), r.Critical, r.High, r.Medium, r.Low, r.Grade, ms(r.ScannedAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "inserting scan %s", r.ID)
	}
	return nil
}

func (s *SQLStore) ListScanResults(ctx context.Context, containerID string) ([]*types.ScanResult, error) {
	db := s.primary()
	var rows []struct {
		ID          string `db:"id"`
		ContainerID string `db:"container_id"`
		ScanType    string `db:"scan_type"`
		Critical    int    `db:"critical"`
		High        int    `db:"high"`
		Medium      int    `db:"medium"`
		Low         int    `db:"low"`
		Grade       string `db:"grade"`
		ScannedAt   int64  `db:"scanned_at"`
	}
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM security_scans WHERE container_id = ? ORDER BY scanned_at`), containerID)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing scans for %s", containerID)
	}
	out := make([]*types.ScanResult, len(rows))
	for i, r := range rows {
		out[i] = &types.ScanResult{
			ID:          r.ID,
			ContainerID: r.ContainerID,
			Type:        types.ScanType(r.ScanType),
			Critical:    r.Critical,
			High:        r.High,
			Medium:      r.Medium,
			Low:         r.Low,
			Grade:       r.Grade,
			ScannedAt:   fromMS(r.ScannedAt),
		}
	}
	return out, nil
}

func (s *SQLStore) UpsertSecurityProfile(ctx context.Context, p *types.SecurityProfile) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO security_profiles (container_id, policy_ids, risk_score, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (container_id) DO UPDATE SET
			policy_ids = excluded.policy_ids, risk_score = excluded.risk_score,
			status = excluded.status, updated_at = excluded.updated_at`),
		p.ContainerID, marshalList(p.PolicyIDs), p.RiskScore, string(p.Status), ms(p.UpdatedAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "upserting profile for %s", p.ContainerID)
	}
	return nil
}

func (s *SQLStore) GetSecurityProfile(ctx context.Context, containerID string) (*types.SecurityProfile, error) {
	db := s.primary()
	var row struct {
		ContainerID string `db:"container_id"`
		PolicyIDs   string `db:"policy_ids"`
		RiskScore   int    `db:"risk_score"`
		Status      string `db:"status"`
		UpdatedAt   int64  `db:"updated_at"`
	}
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT * FROM security_profiles WHERE container_id = ?`), containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("profile_not_found", "no security profile for %s", containerID)
	}
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "loading profile for %s", containerID)
	}
	return &types.SecurityProfile{
		ContainerID: row.ContainerID,
		PolicyIDs:   unmarshalList(row.PolicyIDs),
		RiskScore:   row.RiskScore,
		Status:      types.SecurityStatus(row.Status),
		UpdatedAt:   fromMS(row.UpdatedAt),
	}, nil
}

// --- alerts and telemetry ---

func (s *SQLStore) InsertAlert(ctx context.Context, a *types.Alert) error {
	db := s.primary()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO alerts (id, severity, source, message, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		a.ID, string(a.Severity), a.Source, a.Message, ms(a.CreatedAt))
	if err != nil {
		return errdefs.Internal(err, "store_failure", "inserting alert %s", a.ID)
	}
	return nil
}

func (s *SQLStore) ListAlerts(ctx context.Context, limit int) ([]*types.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	db := s.primary()
	var rows []struct {
		ID        string `db:"id"`
		Severity  string `db:"severity"`
		Source    string `db:"source"`
		Message   string `db:"message"`
		CreatedAt int64  `db:"created_at"`
	}
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM alerts ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing alerts")
	}
	out := make([]*types.Alert, len(rows))
	for i, r := range rows {
		out[i] = &types.Alert{
			ID:        r.ID,
			Severity:  types.Severity(r.Severity),
			Source:    r.Source,
			Message:   r.Message,
			CreatedAt: fromMS(r.CreatedAt),
		}
	}
	return out, nil
}

func (s *SQLStore) InsertMetricsSnapshot(ctx context.Context, snap *types.MetricsSnapshot) error {
	db := s.primary()
	data := "{}"
	if len(snap.Data) > 0 {
		data = string(snap.Data)
	}
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO metrics_snapshots (id, captured_at, data) VALUES (?, ?, ?)`),
		snap.ID, ms(snap.CapturedAt), data)
	if err != nil {
		return errdefs.Internal(err, "store_failure", "inserting metrics snapshot %s", snap.ID)
	}
	return nil
}
