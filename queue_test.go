package invsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testQueueConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.Prefix = "test:queue"
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.StallTimeout = time.Second
	return cfg
}

func testRecord(productID string, source Source) *CanonicalRecord {
	return &CanonicalRecord{
		ProductID: productID,
		Quantity:  10,
		Source:    source,
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
}

func TestQueue_AddAndGetJob(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	job, err := q.Add(ctx, testRecord("P1", SourceMarketplaceA), 5)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if job.State != JobWaiting {
		t.Errorf("state = %s, want waiting", job.State)
	}

	loaded, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Payload.ProductID != "P1" {
		t.Errorf("payload product = %q, want P1", loaded.Payload.ProductID)
	}
	if loaded.Priority != 5 {
		t.Errorf("priority = %d, want 5", loaded.Priority)
	}
	if loaded.MaxAttempts != q.config.MaxAttempts {
		t.Errorf("max_attempts = %d, want %d", loaded.MaxAttempts, q.config.MaxAttempts)
	}
	if loaded.AttemptsMade != 0 {
		t.Errorf("attempts_made = %d, want 0", loaded.AttemptsMade)
	}
}

func TestQueue_GetJobMissing(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)

	_, err := q.GetJob(context.Background(), "no-such-job")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueue_ClaimMarksActive(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	added, err := q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != added.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, added.ID)
	}
	if claimed.State != JobActive {
		t.Errorf("state = %s, want active", claimed.State)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Active != 1 || stats.Waiting != 0 {
		t.Errorf("stats = %+v, want 1 active 0 waiting", stats)
	}
}

func TestQueue_ClaimEmpty(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)

	job, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim on empty queue errored: %v", err)
	}
	if job != nil {
		t.Errorf("claim on empty queue returned %+v", job)
	}
}

// Higher priority dispatches first; within one priority, FIFO by enqueue order.
func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	low1, _ := q.Add(ctx, testRecord("L1", SourceMarketplaceB), 0)
	low2, _ := q.Add(ctx, testRecord("L2", SourceMarketplaceB), 0)
	high, _ := q.Add(ctx, testRecord("H1", SourceMarketplaceA), 5)

	wantOrder := []string{high.ID, low1.ID, low2.ID}
	for i, want := range wantOrder {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("claim %d = %+v, want %s", i, job, want)
		}
	}
}

func TestQueue_Complete(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	job, _ := q.Claim(ctx)

	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	loaded, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.State != JobCompleted {
		t.Errorf("state = %s, want completed", loaded.State)
	}

	stats, _ := q.Stats(ctx)
	if stats.Active != 0 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 0 active 1 completed", stats)
	}
}

func TestQueue_FailRetryableSchedulesBackoff(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	job, _ := q.Claim(ctx)

	if err := q.Fail(ctx, job, ErrTransientStorage, true); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	loaded, _ := q.GetJob(ctx, job.ID)
	if loaded.State != JobDelayed {
		t.Fatalf("state = %s, want delayed", loaded.State)
	}
	if loaded.AttemptsMade != 1 {
		t.Errorf("attempts_made = %d, want 1", loaded.AttemptsMade)
	}

	// Not due yet: the backoff window has not elapsed.
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatalf("claimed delayed job before its backoff elapsed: %+v", job)
	}

	time.Sleep(2 * q.config.BackoffBase)

	reclaimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim after backoff failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected redelivery of %s, got %+v", job.ID, reclaimed)
	}
	if reclaimed.AttemptsMade != 1 {
		t.Errorf("redelivered attempts_made = %d, want 1", reclaimed.AttemptsMade)
	}
}

func TestQueue_FailNonRetryableIsTerminal(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	job, _ := q.Claim(ctx)

	if err := q.Fail(ctx, job, ErrPermanentStorage, false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	loaded, _ := q.GetJob(ctx, job.ID)
	if loaded.State != JobFailed {
		t.Errorf("state = %s, want failed", loaded.State)
	}
	if job, _ := q.Claim(ctx); job != nil {
		t.Errorf("terminal job must not be redelivered, got %+v", job)
	}
}

func TestQueue_FailExhaustsAttempts(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxAttempts = 2
	q := NewQueue(newTestRedis(t), cfg, nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)

	// Attempt 1: retryable, rescheduled.
	job, _ := q.Claim(ctx)
	q.Fail(ctx, job, ErrTransientStorage, true)
	time.Sleep(2 * cfg.BackoffBase)

	// Attempt 2: retryable but the attempt limit is reached.
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim for final attempt: job=%v err=%v", job, err)
	}
	q.Fail(ctx, job, ErrTransientStorage, true)

	loaded, _ := q.GetJob(ctx, job.ID)
	if loaded.State != JobFailed {
		t.Errorf("state = %s after exhausting attempts, want failed", loaded.State)
	}
}

// A claimed job whose worker stops heartbeating goes back to waiting with
// attempts_made incremented, preserving at-least-once delivery.
func TestQueue_StallReaperRedelivers(t *testing.T) {
	cfg := testQueueConfig()
	cfg.StallTimeout = 50 * time.Millisecond
	q := NewQueue(newTestRedis(t), cfg, nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	job, _ := q.Claim(ctx)
	if job == nil {
		t.Fatal("first claim returned nil")
	}

	time.Sleep(80 * time.Millisecond)

	reclaimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim after stall failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected stalled job %s redelivered, got %+v", job.ID, reclaimed)
	}
	if reclaimed.AttemptsMade != 1 {
		t.Errorf("attempts_made = %d after stall, want 1", reclaimed.AttemptsMade)
	}
}

func TestQueue_HeartbeatPreventsReaping(t *testing.T) {
	cfg := testQueueConfig()
	cfg.StallTimeout = 100 * time.Millisecond
	q := NewQueue(newTestRedis(t), cfg, nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	job, _ := q.Claim(ctx)

	time.Sleep(60 * time.Millisecond)
	if err := q.Heartbeat(ctx, job.ID); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	// 120 ms since claim, but only 60 ms since the heartbeat.
	if reclaimed, _ := q.Claim(ctx); reclaimed != nil {
		t.Fatalf("heartbeated job was reaped: %+v", reclaimed)
	}
	loaded, _ := q.GetJob(ctx, job.ID)
	if loaded.State != JobActive {
		t.Errorf("state = %s, want active", loaded.State)
	}
}

func TestQueue_RateLimit(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RateLimitPerSec = 3
	client := newTestRedis(t)
	q := NewQueue(client, cfg, nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)

	// Saturate the current and next windows so the claim below is over limit
	// regardless of a second boundary.
	now := time.Now().Unix()
	for _, sec := range []int64{now, now + 1} {
		client.Set(ctx, fmt.Sprintf("%s:rate:%d", cfg.Prefix, sec), cfg.RateLimitPerSec, 2*time.Second)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Errorf("claim over the rate limit returned a job: %+v", job)
	}

	stats, _ := q.Stats(ctx)
	if stats.Waiting != 1 {
		t.Errorf("rate-limited job left waiting set: %+v", stats)
	}
}

func TestQueue_AddBatch(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx := context.Background()

	records := []*CanonicalRecord{
		testRecord("P1", SourceMarketplaceB),
		testRecord("P2", SourceMarketplaceB),
		testRecord("P3", SourceMarketplaceB),
	}
	jobs, err := q.AddBatch(ctx, records, 0)
	if err != nil {
		t.Fatalf("add batch failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}

	seen := make(map[string]bool)
	for _, job := range jobs {
		if seen[job.ID] {
			t.Errorf("duplicate job id %s", job.ID)
		}
		seen[job.ID] = true
	}

	stats, _ := q.Stats(ctx)
	if stats.Waiting != 3 {
		t.Errorf("waiting = %d, want 3", stats.Waiting)
	}
}

func TestQueue_AddBatchEmpty(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)

	jobs, err := q.AddBatch(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("empty batch errored: %v", err)
	}
	if jobs != nil {
		t.Errorf("empty batch returned jobs: %+v", jobs)
	}
}

func TestQueue_CompletedRetentionTrim(t *testing.T) {
	cfg := testQueueConfig()
	cfg.CompletedRetention = time.Millisecond
	cfg.CompletedKeep = 1
	q := NewQueue(newTestRedis(t), cfg, nil, nil)
	ctx := context.Background()

	q.Add(ctx, testRecord("P1", SourceMarketplaceA), 0)
	first, _ := q.Claim(ctx)
	q.Complete(ctx, first)

	time.Sleep(10 * time.Millisecond)

	q.Add(ctx, testRecord("P2", SourceMarketplaceA), 0)
	second, _ := q.Claim(ctx)
	q.Complete(ctx, second)

	// The second completion trims the first job past retention, keeping one.
	if _, err := q.GetJob(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired completed job should be trimmed, got %v", err)
	}
	if _, err := q.GetJob(ctx, second.ID); err != nil {
		t.Errorf("recent completed job should survive: %v", err)
	}
}

func TestQueue_SubscribeReceivesEvents(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := q.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	q.PublishProgress(ctx, "job-42", 100)

	select {
	case ev := <-events:
		if ev.JobID != "job-42" || ev.Event != "progress" || ev.Progress != 100 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestQueue_Ping(t *testing.T) {
	q := NewQueue(newTestRedis(t), testQueueConfig(), nil, nil)
	if err := q.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
