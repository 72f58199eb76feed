package invsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Locker is the mutual-exclusion surface the worker needs. Satisfied by
// LockManager.
type Locker interface {
	WithLock(ctx context.Context, productID string, fn func(ctx context.Context) error) error
}

// Upserter is the persistence surface the worker needs. Satisfied by
// Repository.
type Upserter interface {
	Upsert(ctx context.Context, record *CanonicalRecord) (*InventoryRow, error)
}

// WorkerConfig holds worker tuning parameters.
type WorkerConfig struct {
	Concurrency  int64
	IdleInterval time.Duration
	DrainTimeout time.Duration
}

// DefaultWorkerConfig returns the production defaults: 5 jobs in parallel,
// 250 ms idle poll, 30 s drain on shutdown.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  5,
		IdleInterval: 250 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
	}
}

// Worker drives the pipeline's consumer side: claim a job, acquire the
// per-product lock, upsert, ack. Retryable failures go back to the queue for
// backoff; permanent ones are terminal.
type Worker struct {
	queue   *Queue
	locks   Locker
	repo    Upserter
	config  WorkerConfig
	logger  Logger
	metrics Metrics

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewWorker creates a worker. logger and metrics may be nil.
func NewWorker(queue *Queue, locks Locker, repo Upserter, config WorkerConfig, logger Logger, metrics Metrics) *Worker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Worker{
		queue:   queue,
		locks:   locks,
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(config.Concurrency),
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
// Blocks; run it in its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info("worker started", "concurrency", w.config.Concurrency)

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.sem.Release(1)
			w.logger.Error("claim failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.IdleInterval):
			}
			continue
		}
		if job == nil {
			w.sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.IdleInterval):
			}
			continue
		}

		w.wg.Add(1)
		go func(job *Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(job)
		}(job)
	}
}

// Stop initiates graceful shutdown: no new jobs are claimed, and in-flight
// jobs get the drain timeout to finish. Anything still running after that is
// abandoned for the stall reaper to redeliver.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
	case <-time.After(w.config.DrainTimeout):
		w.logger.Warn("drain timeout, abandoning in-flight jobs to stall redelivery")
	}
}

// process runs one job through validate → lock → upsert and routes the
// outcome back to the queue. Uses a fresh context so shutdown does not abort
// a job mid-transaction; the drain timeout bounds how long that can take.
func (w *Worker) process(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.DrainTimeout)
	defer cancel()

	stopBeat := w.keepAlive(ctx, job.ID)
	defer stopBeat()

	start := time.Now()
	record := &job.Payload

	// Validation failure is permanent: replaying a malformed payload can
	// never succeed.
	if err := record.Validate(); err != nil {
		w.failJob(ctx, job, err, false)
		return
	}

	err := w.locks.WithLock(ctx, record.ProductID, func(ctx context.Context) error {
		_, err := w.repo.Upsert(ctx, record)
		return err
	})

	if err != nil {
		retryable := IsRetryable(err)
		w.failJob(ctx, job, err, retryable)
		return
	}

	w.queue.PublishProgress(ctx, job.ID, 100)
	if err := w.queue.Complete(ctx, job); err != nil {
		// The work is committed; only the ack failed. The job will stall and
		// redeliver, and the idempotent upsert absorbs the replay.
		w.logger.Error("ack failed after successful upsert", "job", job.ID, "error", err.Error())
		return
	}

	w.metrics.Timing(MetricJobDuration, time.Since(start), "source", string(record.Source))
	w.logger.Info("job completed",
		"job", job.ID,
		"product_id", record.ProductID,
		"quantity", record.Quantity,
		"duration", time.Since(start).String())
}

// keepAlive heartbeats the job's claim while it runs, so a job that outlives
// the stall timeout is not redelivered mid-flight. Returns a stop function.
func (w *Worker) keepAlive(ctx context.Context, jobID string) func() {
	interval := w.queue.config.StallTimeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, jobID); err != nil {
					w.logger.Debug("heartbeat failed", "job", jobID, "error", err.Error())
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (w *Worker) failJob(ctx context.Context, job *Job, jobErr error, retryable bool) {
	if err := w.queue.Fail(ctx, job, jobErr, retryable); err != nil {
		w.logger.Error("failed to record job failure", "job", job.ID, "error", err.Error())
	}
}
