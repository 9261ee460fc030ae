// Package queue is the producer and administrative API over the job store:
// it creates jobs, mutates their status, resolves dequeued ids, lists and
// filters records, and sweeps expired records and stale leases.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"prototype-queue/internal/audit"
	"prototype-queue/internal/config"
	"prototype-queue/internal/models"
	"prototype-queue/internal/store"
	"prototype-queue/internal/telemetry"
)

// ErrInvalidTransition is returned when an operation is not allowed from the job's current status.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Manager coordinates job records and the pending queue.
type Manager struct {
	store     store.Store
	queue     string
	retention time.Duration
	recorder  audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sends lifecycle events to an audit trail.
func WithRecorder(r audit.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a manager over st. cfg.RetentionWindow is used as-is, so zero
// makes every job immediately eligible for cleanup.
func NewManager(st store.Store, cfg config.Config, opts ...Option) *Manager {
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "pending"
	}
	m := &Manager{
		store:     st,
		queue:     queueName,
		retention: cfg.RetentionWindow,
		recorder:  audit.Discard{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// QueueName is the list the manager pushes pending ids onto.
func (m *Manager) QueueName() string {
	return m.queue
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// Now is the manager's clock, used by callers computing leases.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// Enqueue writes a pending record and pushes its id onto the pending queue.
func (m *Manager) Enqueue(ctx context.Context, ownerID, correlationID, payload string) (models.Job, error) {
	now := m.clock()
	job := models.Job{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		CorrelationID: correlationID,
		Status:        models.StatusPending,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.retention),
	}
	if err := m.put(ctx, job); err != nil {
		return models.Job{}, err
	}
	if err := m.store.Push(ctx, m.queue, job.ID); err != nil {
		// A record that never reached the queue would sit in pending forever.
		if delErr := m.store.DeleteRecord(ctx, job.ID); delErr != nil {
			m.logger.Warn("orphaned job record", slog.String("job_id", job.ID), slog.String("error", delErr.Error()))
		}
		return models.Job{}, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	telemetry.EnqueueCounter.Inc()
	m.Record(ctx, job.ID, audit.EventEnqueued, fmt.Sprintf("owner=%s correlation=%s", ownerID, correlationID))
	m.logger.Debug("job enqueued", slog.String("job_id", job.ID), slog.String("owner_id", ownerID))
	return job, nil
}

// GetJob loads a job. found is false when the record never existed or was cleaned up.
func (m *Manager) GetJob(ctx context.Context, id string) (models.Job, bool, error) {
	fields, found, err := m.store.GetRecord(ctx, id)
	if err != nil || !found {
		return models.Job{}, false, err
	}
	job, err := decodeJob(fields)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return job, true, nil
}

type statusUpdate struct {
	err         *string
	result      map[string]any
	attempts    *int
	leasedUntil *time.Time
}

// UpdateOption sets optional fields alongside a status change.
type UpdateOption func(*statusUpdate)

func WithError(msg string) UpdateOption {
	return func(u *statusUpdate) { u.err = &msg }
}

func WithResult(result map[string]any) UpdateOption {
	return func(u *statusUpdate) { u.result = result }
}

func WithAttempts(n int) UpdateOption {
	return func(u *statusUpdate) { u.attempts = &n }
}

// WithLease records how long the caller holds the job in processing.
func WithLease(until time.Time) UpdateOption {
	return func(u *statusUpdate) {
		t := until.UTC()
		u.leasedUntil = &t
	}
}

// UpdateStatus overwrites the status of a job and returns false if it does not exist.
// It does not check the transition; callers consult models.CanTransition.
//
// The result is kept only for completed jobs and the error is cleared on
// completed and cancelled, so the record stays consistent with its status.
// Without WithLease any existing lease is dropped.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status models.Status, opts ...UpdateOption) (bool, error) {
	return m.update(ctx, id, status, nil, opts)
}

// Transition is UpdateStatus guarded on the current status: it returns false
// without writing when the job is gone or no longer in from.
func (m *Manager) Transition(ctx context.Context, id string, from, to models.Status, opts ...UpdateOption) (bool, error) {
	ok, err := m.update(ctx, id, to, func(j models.Job) error {
		if j.Status != from {
			return errSkip
		}
		return nil
	}, opts)
	if errors.Is(err, errSkip) {
		return false, nil
	}
	return ok, err
}

// ForceFail marks a job that is still pending or processing as failed. Jobs
// that already reached a terminal status are left alone and false is returned.
func (m *Manager) ForceFail(ctx context.Context, id, reason string) (bool, error) {
	ok, err := m.update(ctx, id, models.StatusFailed, func(j models.Job) error {
		if j.Status.Terminal() {
			return errSkip
		}
		return nil
	}, []UpdateOption{WithError(reason)})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	return ok, err
}

// errSkip aborts an update whose precondition no longer holds.
var errSkip = errors.New("update precondition not met")

// maxUpdateAttempts bounds the read/compare-and-swap loop under contention.
const maxUpdateAttempts = 5

// update reads the record, applies the status change and writes it back only
// if status and updated_at are unchanged since the read. A record deleted in
// between is never recreated. check, when set, runs against every fresh read.
func (m *Manager) update(ctx context.Context, id string, status models.Status, check func(models.Job) error, opts []UpdateOption) (bool, error) {
	var u statusUpdate
	for _, opt := range opts {
		opt(&u)
	}

	for range maxUpdateAttempts {
		fields, found, err := m.store.GetRecord(ctx, id)
		if err != nil || !found {
			return false, err
		}
		job, err := decodeJob(fields)
		if err != nil {
			return false, fmt.Errorf("decode job %s: %w", id, err)
		}
		if check != nil {
			if err := check(job); err != nil {
				return false, err
			}
		}

		encoded, err := encodeJob(m.apply(job, status, u))
		if err != nil {
			return false, err
		}
		expect := map[string]string{
			fieldStatus:    fields[fieldStatus],
			fieldUpdatedAt: fields[fieldUpdatedAt],
		}
		ok, err := m.store.ReplaceRecord(ctx, id, expect, encoded)
		if errors.Is(err, store.ErrConflict) {
			m.logger.Debug("job changed during update, retrying", slog.String("job_id", id))
			continue
		}
		return ok, err
	}
	return false, fmt.Errorf("update %s: %w", id, store.ErrConflict)
}

func (m *Manager) apply(job models.Job, status models.Status, u statusUpdate) models.Job {
	job.Status = status
	job.UpdatedAt = m.clock()
	if job.UpdatedAt.Before(job.CreatedAt) {
		job.UpdatedAt = job.CreatedAt
	}
	if u.err != nil {
		job.Error = u.err
	}
	switch status {
	case models.StatusCompleted:
		job.Result = u.result
		if job.Result == nil {
			job.Result = map[string]any{}
		}
		job.Error = nil
	case models.StatusCancelled:
		job.Result = nil
		job.Error = nil
	default:
		job.Result = nil
	}
	if u.attempts != nil {
		job.Attempts = *u.attempts
	}
	job.LeasedUntil = u.leasedUntil
	return job
}

// Requeue pushes id onto the tail of the pending queue.
func (m *Manager) Requeue(ctx context.Context, id string) error {
	return m.store.Push(ctx, m.queue, id)
}

// DequeueBlocking pops the next id, waiting up to timeout. Ids whose record is gone
// or is no longer pending resolve to found=false and the caller should poll again.
func (m *Manager) DequeueBlocking(ctx context.Context, timeout time.Duration) (models.Job, bool, error) {
	id, found, err := m.store.BlockingPop(ctx, m.queue, timeout)
	if err != nil || !found {
		return models.Job{}, false, err
	}
	job, found, err := m.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	if !found {
		m.logger.Debug("dequeued id has no record", slog.String("job_id", id))
		return models.Job{}, false, nil
	}
	if job.Status != models.StatusPending {
		m.logger.Debug("dequeued job is not pending", slog.String("job_id", id), slog.String("status", string(job.Status)))
		return models.Job{}, false, nil
	}
	return job, true, nil
}

// Filter narrows ListJobs. Zero values match everything.
type Filter struct {
	OwnerID string
	Status  models.Status
	Limit   int
}

// ListJobs scans every record and returns matches, most recently created first.
// The scan is linear in the number of stored jobs.
func (m *Manager) ListJobs(ctx context.Context, f Filter) ([]models.Job, error) {
	jobs, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel moves a pending job to cancelled and drops it from the queue. It returns
// false with a nil error when the job does not exist, and ErrInvalidTransition
// when the job is no longer pending.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	// Status first: a worker popping the id in between sees cancelled and skips it.
	ok, err := m.update(ctx, id, models.StatusCancelled, func(j models.Job) error {
		if !models.CanTransition(j.Status, models.StatusCancelled) {
			return fmt.Errorf("cancel %s from %s: %w", id, j.Status, ErrInvalidTransition)
		}
		return nil
	}, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := m.store.RemoveFromList(ctx, m.queue, id); err != nil {
		m.logger.Warn("cancelled job left in queue", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	telemetry.CancelCounter.Inc()
	m.Record(ctx, id, audit.EventCancelled, "cancel requested")
	return true, nil
}

// CleanupExpired deletes every record whose retention window has passed and
// removes its id from the pending queue. It returns the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	jobs, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	now := m.clock()
	removed := 0
	for _, j := range jobs {
		if !j.Expired(now) {
			continue
		}
		if err := m.store.RemoveFromList(ctx, m.queue, j.ID); err != nil {
			return removed, err
		}
		if err := m.store.DeleteRecord(ctx, j.ID); err != nil {
			return removed, err
		}
		removed++
		m.Record(ctx, j.ID, audit.EventExpired, "status="+string(j.Status))
	}
	telemetry.ExpiredCounter.Add(float64(removed))
	return removed, nil
}

// orphanGrace is how long a pending record may sit outside the queue before
// ReclaimStale pushes it again. It covers the put/push gap of Enqueue.
const orphanGrace = time.Minute

// ReclaimStale recovers work orphaned by a worker that crashed or was cut off
// mid-job. Processing jobs whose lease elapsed go back to pending, and pending
// jobs missing from the queue are pushed again. It returns the number recovered.
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	// Queue before records: an id popped after this read still counts as
	// queued, so a worker's in-flight dequeue is never pushed a second time.
	queued, err := m.store.ListRange(ctx, m.queue)
	if err != nil {
		return 0, err
	}
	jobs, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	inQueue := make(map[string]struct{}, len(queued))
	for _, id := range queued {
		inQueue[id] = struct{}{}
	}

	now := m.clock()
	reclaimed := 0
	for _, j := range jobs {
		switch {
		case j.Status == models.StatusProcessing && j.LeasedUntil != nil && j.LeasedUntil.Before(now):
			ok, err := m.update(ctx, j.ID, models.StatusPending, func(cur models.Job) error {
				if cur.Status != models.StatusProcessing || cur.LeasedUntil == nil || !cur.LeasedUntil.Before(now) {
					return errSkip
				}
				return nil
			}, []UpdateOption{WithError("lease expired while processing")})
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			if !ok {
				continue
			}
			m.Record(ctx, j.ID, audit.EventReclaimed, "lease_until="+j.LeasedUntil.Format(time.RFC3339))
		case j.Status == models.StatusPending && now.Sub(j.UpdatedAt) > orphanGrace:
			if _, ok := inQueue[j.ID]; ok {
				continue
			}
			m.Record(ctx, j.ID, audit.EventReclaimed, "pending record missing from queue")
		default:
			continue
		}
		if err := m.Requeue(ctx, j.ID); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	telemetry.ReclaimedCounter.Add(float64(reclaimed))
	return reclaimed, nil
}

// Stats reports pending queue depth and a tally of records by status.
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	depth, err := m.store.ListLength(ctx, m.queue)
	if err != nil {
		return models.Stats{}, err
	}
	jobs, err := m.scan(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	counts := make(map[models.Status]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	return models.Stats{QueueLength: depth, TotalJobs: len(jobs), StatusCounts: counts}, nil
}

// Healthy pings the store.
func (m *Manager) Healthy(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// History returns the audit trail of a job.
func (m *Manager) History(ctx context.Context, id string) ([]models.AuditLog, error) {
	return m.recorder.History(ctx, id)
}

// PruneAudit drops audit rows older than the retention window.
func (m *Manager) PruneAudit(ctx context.Context) (int64, error) {
	return m.recorder.Prune(ctx, m.clock().Add(-m.retention))
}

func (m *Manager) put(ctx context.Context, job models.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	return m.store.PutRecord(ctx, job.ID, fields)
}

// scan loads every record. Records deleted mid-scan and records that fail to
// decode are skipped.
func (m *Manager) scan(ctx context.Context) ([]models.Job, error) {
	ids, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, found, err := m.GetJob(ctx, id)
		if errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		if err != nil {
			m.logger.Warn("skipping malformed job record", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		if found {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Record appends to the audit trail. Failures are logged, never returned.
func (m *Manager) Record(ctx context.Context, jobID, event, detail string) {
	if err := m.recorder.Record(ctx, jobID, event, detail); err != nil {
		m.logger.Warn("audit record failed", slog.String("job_id", jobID), slog.String("event", event), slog.String("error", err.Error()))
	}
}
