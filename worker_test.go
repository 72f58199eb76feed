package invsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type passLocker struct{}

func (passLocker) WithLock(ctx context.Context, productID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeUpserter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	last  *CanonicalRecord
}

func (f *fakeUpserter) Upsert(ctx context.Context, record *CanonicalRecord) (*InventoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = record
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &InventoryRow{
		ProductID: record.ProductID,
		Quantity:  record.Quantity,
		Source:    record.Source,
	}, nil
}

func (f *fakeUpserter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  2,
		IdleInterval: 10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}
}

func startWorker(t *testing.T, q *Queue, locks Locker, repo Upserter) *Worker {
	t.Helper()
	w := NewWorker(q, locks, repo, testWorkerConfig(), nil, nil)
	go w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

// waitForState polls until the job reaches the wanted state or the deadline
// passes.
func waitForState(t *testing.T, q *Queue, jobID string, want JobState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), jobID)
		if err == nil && job.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, err := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (now: %+v, err: %v)", jobID, want, job, err)
}

func TestWorker_CompletesJob(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	repo := &fakeUpserter{}
	startWorker(t, q, passLocker{}, repo)

	job, err := q.Add(context.Background(), testRecord("P1", SourceMarketplaceA), 5)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	waitForState(t, q, job.ID, JobCompleted)

	if repo.callCount() != 1 {
		t.Errorf("upsert calls = %d, want 1", repo.callCount())
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.last == nil || repo.last.ProductID != "P1" {
		t.Errorf("upsert saw wrong record: %+v", repo.last)
	}
}

// A transient failure sends the job through backoff and a second attempt
// succeeds.
func TestWorker_RetriesTransientFailure(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	repo := &fakeUpserter{errs: []error{ErrTransientStorage}}
	startWorker(t, q, passLocker{}, repo)

	job, _ := q.Add(context.Background(), testRecord("P1", SourceMarketplaceA), 0)

	waitForState(t, q, job.ID, JobCompleted)

	if repo.callCount() != 2 {
		t.Errorf("upsert calls = %d, want 2 (one failure, one success)", repo.callCount())
	}
}

func TestWorker_PermanentFailureIsTerminal(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	repo := &fakeUpserter{errs: []error{
		WithContext(ErrPermanentStorage, map[string]interface{}{"code": "23514"}),
	}}
	startWorker(t, q, passLocker{}, repo)

	job, _ := q.Add(context.Background(), testRecord("P1", SourceMarketplaceA), 0)

	waitForState(t, q, job.ID, JobFailed)

	// Give the worker a chance to (incorrectly) retry before asserting.
	time.Sleep(100 * time.Millisecond)
	if repo.callCount() != 1 {
		t.Errorf("upsert calls = %d, want 1 (no retry on permanent failure)", repo.callCount())
	}
}

func TestWorker_InvalidPayloadFailsWithoutUpsert(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	repo := &fakeUpserter{}
	startWorker(t, q, passLocker{}, repo)

	bad := testRecord("P1", SourceMarketplaceA)
	bad.Quantity = -1
	job, err := q.Add(context.Background(), bad, 0)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	waitForState(t, q, job.ID, JobFailed)

	if repo.callCount() != 0 {
		t.Errorf("upsert must not run for an invalid payload, calls = %d", repo.callCount())
	}
}

// slowUpserter holds each upsert open for a fixed delay.
type slowUpserter struct {
	fakeUpserter
	delay time.Duration
}

func (s *slowUpserter) Upsert(ctx context.Context, record *CanonicalRecord) (*InventoryRow, error) {
	time.Sleep(s.delay)
	return s.fakeUpserter.Upsert(ctx, record)
}

// A job that runs past the stall timeout keeps its claim alive through
// heartbeats and is processed exactly once.
func TestWorker_HeartbeatsLongJobs(t *testing.T) {
	cfg := testQueueConfig()
	cfg.StallTimeout = 90 * time.Millisecond
	q := NewQueue(newTestRedis(t), cfg, nil, nil)

	repo := &slowUpserter{delay: 250 * time.Millisecond}
	startWorker(t, q, passLocker{}, repo)

	job, err := q.Add(context.Background(), testRecord("P1", SourceMarketplaceA), 0)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	waitForState(t, q, job.ID, JobCompleted)

	// Let any spurious redelivery surface before asserting.
	time.Sleep(150 * time.Millisecond)
	if repo.callCount() != 1 {
		t.Errorf("upsert calls = %d, want 1 (job was redelivered mid-flight)", repo.callCount())
	}
	loaded, _ := q.GetJob(context.Background(), job.ID)
	if loaded.State != JobCompleted {
		t.Errorf("state = %s, want completed", loaded.State)
	}
}

// overlapUpserter flags any two upserts running concurrently.
type overlapUpserter struct {
	fakeUpserter
	inFlight int32
	overlaps int32
}

func (o *overlapUpserter) Upsert(ctx context.Context, record *CanonicalRecord) (*InventoryRow, error) {
	if atomic.AddInt32(&o.inFlight, 1) > 1 {
		atomic.AddInt32(&o.overlaps, 1)
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&o.inFlight, -1)
	return o.fakeUpserter.Upsert(ctx, record)
}

// Concurrent updates to one product serialize through the distributed lock
// even with multiple worker slots.
func TestWorker_SerializesSameProduct(t *testing.T) {
	client := newTestRedis(t)
	q := NewQueue(client, testQueueConfig(), nil, nil)

	lockCfg := DefaultLockConfig()
	lockCfg.Retries = 200
	lockCfg.RetryDelay = 5 * time.Millisecond
	lockCfg.RetryJitter = 2 * time.Millisecond
	lockCfg.AutoExtend = false
	locks := NewLockManager(client, lockCfg, nil, nil)

	repo := &overlapUpserter{}
	startWorker(t, q, locks, repo)

	ctx := context.Background()
	jobs := make([]*Job, 0, 3)
	for i := 0; i < 3; i++ {
		job, err := q.Add(ctx, testRecord("SAME-PRODUCT", SourceMarketplaceA), 0)
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		waitForState(t, q, job.ID, JobCompleted)
	}

	if n := atomic.LoadInt32(&repo.overlaps); n != 0 {
		t.Errorf("same-product upserts overlapped %d times", n)
	}
	if repo.callCount() != 3 {
		t.Errorf("upsert calls = %d, want 3", repo.callCount())
	}
}
