package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"prototype-queue/internal/audit"
	"prototype-queue/internal/config"
	"prototype-queue/internal/models"
	"prototype-queue/internal/queue"
	"prototype-queue/internal/telemetry"
)

// Generator turns a job payload into a result. It may be invoked more than
// once for the same payload when retries happen.
type Generator interface {
	Generate(ctx context.Context, payload string) (map[string]any, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, payload string) (map[string]any, error)

func (f GeneratorFunc) Generate(ctx context.Context, payload string) (map[string]any, error) {
	return f(ctx, payload)
}

// Worker drives jobs from pending to a terminal state one at a time.
// Only one Worker should consume a queue: dequeued ids are not leased
// exclusively, so concurrent workers could not share one safely.
type Worker struct {
	manager *queue.Manager
	gen     Generator
	backoff Backoff
	logger  *slog.Logger
	id      string

	maxRetries     int
	dequeueTimeout time.Duration
	recoveryDelay  time.Duration
	leaseDuration  time.Duration
	jobTimeout     time.Duration

	running atomic.Bool
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithID tags log lines with a worker identity.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

func WithBackoff(b Backoff) Option {
	return func(w *Worker) {
		if b != nil {
			w.backoff = b
		}
	}
}

// New creates a worker. Retry and timeout settings come from cfg.
func New(cfg config.Config, m *queue.Manager, gen Generator, opts ...Option) *Worker {
	w := &Worker{
		manager:        m,
		gen:            gen,
		backoff:        BackoffFromConfig(cfg),
		logger:         slog.Default(),
		maxRetries:     cfg.MaxRetries,
		dequeueTimeout: cfg.DequeueTimeout,
		recoveryDelay:  cfg.RecoveryDelay,
		leaseDuration:  cfg.LeaseDuration,
		jobTimeout:     cfg.JobTimeout,
	}
	if w.dequeueTimeout <= 0 {
		w.dequeueTimeout = 10 * time.Second
	}
	if w.leaseDuration <= 0 {
		w.leaseDuration = 30 * time.Minute
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id != "" {
		w.logger = w.logger.With(slog.String("worker_id", w.id))
	}
	w.running.Store(true)
	return w
}

// Stop asks the loop to exit. It returns after the current dequeue wait or job.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Running reports whether Stop has not been called.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run reclaims jobs orphaned by a previous crash, then processes jobs until
// Stop is called or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.manager.ReclaimStale(ctx); err != nil {
		w.logger.Warn("reclaim stale leases at startup", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Info("reclaimed stale leases", slog.Int("count", n))
	}

	w.logger.Info("worker started",
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("dequeue_timeout", w.dequeueTimeout),
		slog.Duration("job_timeout", w.jobTimeout),
	)
	for w.Running() {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.RunOnce(ctx)
	}
	w.logger.Info("worker stopped")
	return nil
}

// RunOnce performs a single loop iteration and reports whether a job was handled.
func (w *Worker) RunOnce(ctx context.Context) (handled bool) {
	var inflight *models.Job
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker loop panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			w.abort(ctx, inflight, fmt.Errorf("worker panic: %v", r))
			handled = inflight != nil
		}
	}()

	job, found, err := w.manager.DequeueBlocking(ctx, w.dequeueTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.abort(ctx, nil, fmt.Errorf("dequeue: %w", err))
		return false
	}
	if !found {
		return false
	}

	inflight = &job
	if err := w.process(ctx, job); err != nil {
		w.abort(ctx, inflight, err)
	}
	return true
}

func (w *Worker) process(ctx context.Context, job models.Job) error {
	log := w.logger.With(slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))

	lease := w.manager.Now().Add(w.leaseDuration)
	ok, err := w.manager.Transition(ctx, job.ID, models.StatusPending, models.StatusProcessing, queue.WithLease(lease))
	if err != nil {
		if ctx.Err() != nil {
			// Still pending on the record; put it back for the next worker run.
			return w.manager.Requeue(context.WithoutCancel(ctx), job.ID)
		}
		return fmt.Errorf("mark %s processing: %w", job.ID, err)
	}
	if !ok {
		log.Info("job gone or no longer pending before processing")
		return nil
	}
	w.manager.Record(ctx, job.ID, audit.EventProcessing, fmt.Sprintf("attempt=%d", job.Attempts+1))

	telemetry.InFlightGauge.Inc()
	result, genErr := w.generate(ctx, job)
	telemetry.InFlightGauge.Dec()

	// The job outcome must be written even when shutdown cancelled ctx.
	bookCtx := context.WithoutCancel(ctx)

	if genErr == nil {
		ok, err := w.manager.Transition(bookCtx, job.ID, models.StatusProcessing, models.StatusCompleted, queue.WithResult(result))
		if err != nil {
			return fmt.Errorf("mark %s completed: %w", job.ID, err)
		}
		if !ok {
			log.Warn("job left processing while generating, result dropped")
			return nil
		}
		telemetry.WorkerSuccess.Inc()
		w.manager.Record(bookCtx, job.ID, audit.EventCompleted, "")
		log.Info("job completed")
		return nil
	}

	if ctx.Err() != nil && errors.Is(genErr, ctx.Err()) {
		return w.release(bookCtx, job, log)
	}
	return w.handleFailure(ctx, bookCtx, job, genErr, log)
}

// handleFailure re-queues the job while retries remain, otherwise fails it.
func (w *Worker) handleFailure(ctx, bookCtx context.Context, job models.Job, genErr error, log *slog.Logger) error {
	attempts := job.Attempts + 1
	if job.Attempts < w.maxRetries {
		note := fmt.Sprintf("attempt %d of %d failed: %v", attempts, w.maxRetries+1, genErr)
		ok, err := w.manager.Transition(bookCtx, job.ID, models.StatusProcessing, models.StatusPending, queue.WithError(note), queue.WithAttempts(attempts))
		if err != nil {
			return fmt.Errorf("mark %s for retry: %w", job.ID, err)
		}
		if !ok {
			log.Warn("job left processing while generating, retry skipped")
			return nil
		}
		if err := w.manager.Requeue(bookCtx, job.ID); err != nil {
			return fmt.Errorf("requeue %s: %w", job.ID, err)
		}
		telemetry.WorkerRetries.Inc()
		delay := w.backoff(attempts)
		w.manager.Record(bookCtx, job.ID, audit.EventRetry, fmt.Sprintf("attempts=%d delay=%s error=%v", attempts, delay, genErr))
		log.Warn("job failed, retry scheduled", slog.String("error", genErr.Error()), slog.Duration("delay", delay))
		sleep(ctx, delay)
		return nil
	}

	ok, err := w.manager.Transition(bookCtx, job.ID, models.StatusProcessing, models.StatusFailed, queue.WithError(genErr.Error()), queue.WithAttempts(attempts))
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", job.ID, err)
	}
	if !ok {
		log.Warn("job left processing while generating, failure dropped")
		return nil
	}
	telemetry.WorkerFailures.Inc()
	w.manager.Record(bookCtx, job.ID, audit.EventFailed, genErr.Error())
	log.Error("job failed, retries exhausted", slog.String("error", genErr.Error()))
	return nil
}

// release hands a job interrupted by shutdown back to the queue without
// charging it an attempt.
func (w *Worker) release(ctx context.Context, job models.Job, log *slog.Logger) error {
	ok, err := w.manager.Transition(ctx, job.ID, models.StatusProcessing, models.StatusPending, queue.WithError("interrupted by worker shutdown"))
	if err != nil {
		return fmt.Errorf("release %s: %w", job.ID, err)
	}
	if !ok {
		return nil
	}
	if err := w.manager.Requeue(ctx, job.ID); err != nil {
		return fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	log.Info("job released on shutdown")
	return nil
}

func (w *Worker) generate(ctx context.Context, job models.Job) (result map[string]any, err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		telemetry.GenerateDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			w.logger.Error("generator panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("generator panic: %v", r)
		}
	}()
	return w.gen.Generate(ctx, job.Payload)
}

// abort forces the in-flight job to failed unless it already reached a
// terminal status, then pauses so a bad record or a store outage cannot spin
// the loop.
func (w *Worker) abort(ctx context.Context, inflight *models.Job, cause error) {
	telemetry.WorkerRecoveries.Inc()
	w.logger.Error("worker iteration aborted", slog.String("error", cause.Error()))
	if inflight != nil {
		bookCtx := context.WithoutCancel(ctx)
		ok, err := w.manager.ForceFail(bookCtx, inflight.ID, cause.Error())
		switch {
		case err != nil:
			w.logger.Error("could not fail in-flight job", slog.String("job_id", inflight.ID), slog.String("error", err.Error()))
		case ok:
			w.manager.Record(bookCtx, inflight.ID, audit.EventFailed, cause.Error())
		default:
			w.logger.Warn("in-flight job already finished, left as is", slog.String("job_id", inflight.ID))
		}
	}
	sleep(ctx, w.recoveryDelay)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
