package invsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobState is the lifecycle state of a queued job. A job is in exactly one
// state at any instant: the state transitions move the job id between the
// waiting/delayed/active/completed/failed sets inside transactional pipelines
// or Lua scripts.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one unit of work: a canonical record waiting to be persisted.
type Job struct {
	ID           string          `json:"id"`
	Payload      CanonicalRecord `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	NextRunAt    time.Time       `json:"next_run_at"`
	State        JobState        `json:"state"`
}

// QueueStats is a snapshot of jobs per state.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// JobEvent is published on the queue's pub/sub channel for telemetry.
// Subscribers must tolerate missed events; the channel is fire-and-forget.
type JobEvent struct {
	JobID     string   `json:"job_id"`
	Event     string   `json:"event"` // active, progress, completed, failed, stalled
	Progress  int      `json:"progress,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
	State     JobState `json:"state,omitempty"`
}

// QueueConfig holds queue tuning parameters.
type QueueConfig struct {
	Prefix             string
	MaxAttempts        int
	BackoffBase        time.Duration
	StallTimeout       time.Duration
	RateLimitPerSec    int
	CompletedRetention time.Duration
	CompletedKeep      int64
	FailedRetention    time.Duration
}

// DefaultQueueConfig returns the production defaults: 5 attempts with 2 s
// exponential backoff base, 30 s stall timeout, 100 jobs/s fleet-wide,
// completed jobs kept 24 h or last 1000 (whichever larger), failed jobs 7 days.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Prefix:             "invsync:queue",
		MaxAttempts:        5,
		BackoffBase:        2 * time.Second,
		StallTimeout:       30 * time.Second,
		RateLimitPerSec:    100,
		CompletedRetention: 24 * time.Hour,
		CompletedKeep:      1000,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// claimScript pops the best waiting job and marks it active, atomically.
// Waiting scores encode priority (higher first) then enqueue order.
const claimScript = `
	local popped = redis.call("zpopmin", KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	redis.call("zadd", KEYS[2], ARGV[1], id)
	redis.call("hset", KEYS[3] .. id, "state", "active")
	return id`

// promoteScript moves delayed jobs whose next_run_at has passed back to
// waiting, restoring their priority score.
const promoteScript = `
	local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(due) do
		local score = redis.call("hget", KEYS[3] .. id, "score")
		redis.call("zrem", KEYS[1], id)
		redis.call("zadd", KEYS[2], score, id)
		redis.call("hset", KEYS[3] .. id, "state", "waiting")
	end
	return #due`

// reapScript returns stalled active jobs (no heartbeat since the cutoff) to
// waiting with attempts_made incremented. This is the at-least-once
// redelivery path for workers that died before ack.
const reapScript = `
	local stalled = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(stalled) do
		local score = redis.call("hget", KEYS[3] .. id, "score")
		redis.call("zrem", KEYS[1], id)
		redis.call("zadd", KEYS[2], score, id)
		redis.call("hincrby", KEYS[3] .. id, "attempts_made", 1)
		redis.call("hset", KEYS[3] .. id, "state", "waiting")
	end
	return stalled`

// rateScript is a fixed-window fleet-wide rate limiter: one counter per
// second, atomic across all worker processes.
const rateScript = `
	local count = redis.call("incr", KEYS[1])
	if count == 1 then
		redis.call("expire", KEYS[1], 2)
	end
	if count > tonumber(ARGV[1]) then
		return 0
	end
	return 1`

// Queue is a durable Redis-backed job store providing at-least-once delivery,
// priority dispatch, exponential backoff retry and dead-letter retention.
type Queue struct {
	redis   *redis.Client
	config  QueueConfig
	logger  Logger
	metrics Metrics
}

// NewQueue creates a queue. logger and metrics may be nil.
func NewQueue(client *redis.Client, config QueueConfig, logger Logger, metrics Metrics) *Queue {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Queue{
		redis:   client,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

func (q *Queue) waitingKey() string      { return q.config.Prefix + ":waiting" }
func (q *Queue) delayedKey() string      { return q.config.Prefix + ":delayed" }
func (q *Queue) activeKey() string       { return q.config.Prefix + ":active" }
func (q *Queue) completedKey() string    { return q.config.Prefix + ":completed" }
func (q *Queue) failedKey() string       { return q.config.Prefix + ":failed" }
func (q *Queue) jobKeyPrefix() string    { return q.config.Prefix + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobKeyPrefix() + id }
func (q *Queue) seqKey() string          { return q.config.Prefix + ":seq" }
func (q *Queue) eventsChannel() string   { return q.config.Prefix + ":events" }

// waitingScore encodes dispatch order: higher priority first, then enqueue
// sequence ascending. Priorities stay well under 1e6 so the float64 score is
// exact.
func waitingScore(priority int, seq int64) float64 {
	return float64(seq) - float64(priority)*1e10
}

// Add enqueues one record. The job id follows
// {source}-{product_id}-{nanos}[-seq]; the seq suffix disambiguates same-nano
// collisions. Duplicate ids are tolerated downstream because the upsert is
// idempotent.
func (q *Queue) Add(ctx context.Context, record *CanonicalRecord, priority int) (*Job, error) {
	jobs, err := q.AddBatch(ctx, []*CanonicalRecord{record}, priority)
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddBatch atomically enqueues many records in one transactional pipeline.
func (q *Queue) AddBatch(ctx context.Context, records []*CanonicalRecord, priority int) ([]*Job, error) {
	if len(records) == 0 {
		return nil, nil
	}

	seq, err := q.redis.IncrBy(ctx, q.seqKey(), int64(len(records))).Result()
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "seq", "cause": err.Error()})
	}
	firstSeq := seq - int64(len(records)) + 1

	now := time.Now()
	jobs := make([]*Job, 0, len(records))

	pipe := q.redis.TxPipeline()
	for i, record := range records {
		jobSeq := firstSeq + int64(i)
		nanos := now.UnixNano()
		id := fmt.Sprintf("%s-%s-%d-%d", record.Source, record.ProductID, nanos, jobSeq)

		job := &Job{
			ID:           id,
			Payload:      *record,
			Priority:     priority,
			AttemptsMade: 0,
			MaxAttempts:  q.config.MaxAttempts,
			CreatedAt:    now,
			NextRunAt:    now,
			State:        JobWaiting,
		}
		jobs = append(jobs, job)

		payload, err := json.Marshal(record)
		if err != nil {
			return nil, WithContext(ErrBadPayload, map[string]interface{}{"product_id": record.ProductID})
		}

		score := waitingScore(priority, jobSeq)
		pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
			"payload":       string(payload),
			"source":        string(record.Source),
			"priority":      priority,
			"attempts_made": 0,
			"max_attempts":  q.config.MaxAttempts,
			"created_at":    now.UnixMilli(),
			"next_run_at":   now.UnixMilli(),
			"state":         string(JobWaiting),
			"score":         score,
		})
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: id})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"op":    "add_batch",
			"count": len(records),
			"cause": err.Error(),
		})
	}

	for _, job := range jobs {
		q.metrics.Increment(MetricJobsEnqueued, "source", string(job.Payload.Source))
	}
	q.logger.Debug("enqueued jobs", "count", len(jobs), "priority", priority)
	return jobs, nil
}

// Claim promotes due delayed jobs, reaps stalled active jobs, then pops the
// best waiting job under the fleet rate limit. Returns nil when nothing is
// dispatchable right now.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()

	if _, err := q.redis.Eval(ctx, promoteScript,
		[]string{q.delayedKey(), q.waitingKey(), q.jobKeyPrefix()},
		now.UnixMilli()).Result(); err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "promote", "cause": err.Error()})
	}

	stalled, err := q.redis.Eval(ctx, reapScript,
		[]string{q.activeKey(), q.waitingKey(), q.jobKeyPrefix()},
		now.Add(-q.config.StallTimeout).UnixMilli()).Result()
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "reap", "cause": err.Error()})
	}
	if ids, ok := stalled.([]interface{}); ok && len(ids) > 0 {
		q.metrics.Increment(MetricJobsStalled)
		q.logger.Warn("redelivering stalled jobs", "count", len(ids))
		for _, id := range ids {
			q.publish(ctx, JobEvent{JobID: fmt.Sprint(id), Event: "stalled", Timestamp: now.UnixMilli()})
		}
	}

	allowed, err := q.redis.Eval(ctx, rateScript,
		[]string{fmt.Sprintf("%s:rate:%d", q.config.Prefix, now.Unix())},
		q.config.RateLimitPerSec).Result()
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "rate", "cause": err.Error()})
	}
	if n, ok := allowed.(int64); ok && n == 0 {
		return nil, nil
	}

	claimed, err := q.redis.Eval(ctx, claimScript,
		[]string{q.waitingKey(), q.activeKey(), q.jobKeyPrefix()},
		now.UnixMilli()).Result()
	if err == redis.Nil || claimed == nil {
		return nil, nil
	}
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "claim", "cause": err.Error()})
	}

	id := fmt.Sprint(claimed)
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, JobEvent{JobID: id, Event: "active", State: JobActive, Timestamp: now.UnixMilli()})
	return job, nil
}

// Heartbeat refreshes a running job's claim so the stall reaper leaves it
// alone. Workers call this during long-running jobs.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.redis.ZAddXX(ctx, q.activeKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	}).Err()
}

// Complete acks a job: removes it from active and records it in the
// completed set, then trims retention.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := time.Now()

	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, q.jobKey(job.ID), "state", string(JobCompleted))
	if _, err := pipe.Exec(ctx); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "complete", "job": job.ID, "cause": err.Error()})
	}

	q.metrics.Increment(MetricJobsCompleted, "source", string(job.Payload.Source))
	q.publish(ctx, JobEvent{JobID: job.ID, Event: "completed", State: JobCompleted, Timestamp: now.UnixMilli()})
	q.trimRetention(ctx, now)
	return nil
}

// Fail records a failed attempt. Retryable failures under the attempt limit
// are rescheduled with exponential backoff (base * 2^(attempts-1)); anything
// else is terminal and lands in the failed set for the retention window.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, retryable bool) error {
	now := time.Now()
	attempts := job.AttemptsMade + 1

	if retryable && attempts < job.MaxAttempts {
		delay := q.config.BackoffBase * time.Duration(int64(1)<<uint(attempts-1))
		nextRun := now.Add(delay)

		pipe := q.redis.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(nextRun.UnixMilli()), Member: job.ID})
		pipe.HSet(ctx, q.jobKey(job.ID),
			"state", string(JobDelayed),
			"attempts_made", attempts,
			"next_run_at", nextRun.UnixMilli(),
		)
		if _, err := pipe.Exec(ctx); err != nil {
			return WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "retry", "job": job.ID, "cause": err.Error()})
		}

		q.metrics.Increment(MetricJobsRetried, "source", string(job.Payload.Source))
		q.logger.Info("job rescheduled",
			"job", job.ID, "attempt", attempts, "delay", delay.String(), "error", jobErr.Error())
		return nil
	}

	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, q.jobKey(job.ID),
		"state", string(JobFailed),
		"attempts_made", attempts,
		"failed_reason", jobErr.Error(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "fail", "job": job.ID, "cause": err.Error()})
	}

	q.metrics.Increment(MetricJobsFailed, "source", string(job.Payload.Source))
	q.logger.Error("job failed terminally", "job", job.ID, "attempts", attempts, "error", jobErr.Error())
	q.publish(ctx, JobEvent{JobID: job.ID, Event: "failed", State: JobFailed, Error: jobErr.Error(), Timestamp: now.UnixMilli()})
	return nil
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.redis.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "get_job", "job": id, "cause": err.Error()})
	}
	if len(fields) == 0 {
		return nil, WithContext(ErrNotFound, map[string]interface{}{"job": id})
	}

	job := &Job{ID: id, State: JobState(fields["state"])}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, WithContext(ErrBadPayload, map[string]interface{}{"job": id, "reason": "stored payload corrupt"})
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["next_run_at"], 10, 64); err == nil {
		job.NextRunAt = time.UnixMilli(ms)
	}
	return job, nil
}

// Stats returns a per-state snapshot.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.redis.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "stats", "cause": err.Error()})
	}

	stats := &QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	stats.Total = stats.Waiting + stats.Active + stats.Completed + stats.Failed + stats.Delayed

	q.metrics.Gauge(MetricQueueDepth, float64(stats.Waiting), "state", "waiting")
	q.metrics.Gauge(MetricQueueDepth, float64(stats.Active), "state", "active")
	q.metrics.Gauge(MetricQueueDepth, float64(stats.Delayed), "state", "delayed")
	return stats, nil
}

// PublishProgress emits a progress event (0-100) for telemetry subscribers.
func (q *Queue) PublishProgress(ctx context.Context, jobID string, progress int) {
	q.publish(ctx, JobEvent{
		JobID:     jobID,
		Event:     "progress",
		Progress:  progress,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Subscribe returns a channel of job events. The subscription ends when ctx
// is cancelled. Telemetry only: delivery is best-effort.
func (q *Queue) Subscribe(ctx context.Context) (<-chan JobEvent, error) {
	sub := q.redis.Subscribe(ctx, q.eventsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "subscribe", "cause": err.Error()})
	}

	out := make(chan JobEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks queue liveness for health reporting.
func (q *Queue) Ping(ctx context.Context) error {
	return q.redis.Ping(ctx).Err()
}

func (q *Queue) publish(ctx context.Context, ev JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.redis.Publish(ctx, q.eventsChannel(), data).Err(); err != nil {
		q.logger.Debug("event publish failed", "job", ev.JobID, "event", ev.Event)
	}
}

// trimRetention drops completed jobs beyond the retention window (keeping at
// least CompletedKeep regardless of age) and failed jobs past theirs. Job
// hashes for trimmed ids are deleted with them.
func (q *Queue) trimRetention(ctx context.Context, now time.Time) {
	completedCutoff := float64(now.Add(-q.config.CompletedRetention).UnixMilli())
	expired, err := q.redis.ZRangeByScore(ctx, q.completedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(completedCutoff, 'f', -1, 64),
	}).Result()
	if err == nil && len(expired) > 0 {
		total, _ := q.redis.ZCard(ctx, q.completedKey()).Result()
		removable := total - q.config.CompletedKeep
		if removable > int64(len(expired)) {
			removable = int64(len(expired))
		}
		for i := int64(0); i < removable; i++ {
			q.redis.ZRem(ctx, q.completedKey(), expired[i])
			q.redis.Del(ctx, q.jobKey(expired[i]))
		}
	}

	failedCutoff := strconv.FormatInt(now.Add(-q.config.FailedRetention).UnixMilli(), 10)
	old, err := q.redis.ZRangeByScore(ctx, q.failedKey(), &redis.ZRangeBy{Min: "-inf", Max: failedCutoff}).Result()
	if err == nil {
		for _, id := range old {
			q.redis.ZRem(ctx, q.failedKey(), id)
			q.redis.Del(ctx, q.jobKey(id))
		}
	}
}
