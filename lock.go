package invsync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const lockKeyPrefix = "lock:inventory:"

// Lua scripts keep release and extension atomic: both must verify the stored
// nonce so a process that lost its lock to a TTL expiry can never delete or
// extend a successor's lock.
const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end`

	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end`
)

// LockConfig holds distributed lock tuning parameters.
type LockConfig struct {
	TTL                time.Duration
	Retries            int
	RetryDelay         time.Duration
	RetryJitter        time.Duration
	DriftFactor        float64
	ExtensionThreshold time.Duration
	AutoExtend         bool
}

// DefaultLockConfig returns the production defaults: 10 s TTL, 5 retries at
// 200 ms plus up to 100 ms jitter, 1% clock drift allowance, auto-extension
// when within 500 ms of expiry.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:                10 * time.Second,
		Retries:            5,
		RetryDelay:         200 * time.Millisecond,
		RetryJitter:        100 * time.Millisecond,
		DriftFactor:        0.01,
		ExtensionThreshold: 500 * time.Millisecond,
		AutoExtend:         true,
	}
}

// LockManager provides fleet-wide per-product mutual exclusion backed by
// Redis. Acquisition is atomic SET NX PX with a random nonce; release is a
// compare-and-delete on that nonce.
//
// At most one holder of lock:inventory:{p} is observable for any product p,
// modulo clock drift bounded by DriftFactor * TTL.
type LockManager struct {
	redis   *redis.Client
	config  LockConfig
	logger  Logger
	metrics Metrics
}

// NewLockManager creates a lock manager. logger and metrics may be nil.
func NewLockManager(client *redis.Client, config LockConfig, logger Logger, metrics Metrics) *LockManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &LockManager{
		redis:   client,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// lockHandle is one acquired lock. The nonce proves ownership at release.
type lockHandle struct {
	key   string
	nonce string
	stop  chan struct{}
	done  chan struct{}
}

// WithLock acquires the per-product lock, invokes fn, and releases the lock
// on every exit path including panic. Returns ErrLockUnavailable when
// acquisition fails after all retries.
func (m *LockManager) WithLock(ctx context.Context, productID string, fn func(ctx context.Context) error) error {
	handle, err := m.acquire(ctx, productID)
	if err != nil {
		return err
	}
	defer m.release(handle)

	return fn(ctx)
}

// acquire attempts SET key nonce NX PX=ttl, retrying with constant delay plus
// jitter. Contention is expected under concurrent same-product updates, so
// the failed attempts log at debug only.
func (m *LockManager) acquire(ctx context.Context, productID string) (*lockHandle, error) {
	key := lockKeyPrefix + productID
	nonce := uuid.NewString()
	start := time.Now()

	backoff := retry.WithMaxRetries(uint64(m.config.Retries),
		withAdditiveJitter(m.config.RetryJitter, retry.NewConstant(m.config.RetryDelay)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := m.redis.SetNX(ctx, key, nonce, m.config.TTL).Result()
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			m.logger.Debug("lock contended, retrying", "key", key)
			return retry.RetryableError(ErrLockHeld)
		}
		return nil
	})

	m.metrics.Timing(MetricLockWaitTime, time.Since(start))

	if err != nil {
		m.metrics.Increment(MetricLockFailed)
		return nil, WithContext(ErrLockUnavailable, map[string]interface{}{
			"product_id": productID,
			"retries":    m.config.Retries,
			"cause":      err.Error(),
		})
	}

	m.metrics.Increment(MetricLockAcquired)

	handle := &lockHandle{
		key:   key,
		nonce: nonce,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if m.config.AutoExtend {
		go m.watchdog(handle)
	} else {
		close(handle.done)
	}
	return handle, nil
}

// release deletes the key iff it still holds our nonce. Runs on a detached
// context so a cancelled job still releases its lock.
func (m *LockManager) release(handle *lockHandle) {
	close(handle.stop)
	<-handle.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deleted, err := m.redis.Eval(ctx, releaseScript, []string{handle.key}, handle.nonce).Result()
	if err != nil {
		m.logger.Error("lock release failed, key will expire via TTL", "key", handle.key, "error", err.Error())
		return
	}
	if n, ok := deleted.(int64); ok && n == 0 {
		// TTL expired and someone else holds the lock now. The nonce check
		// prevented us from deleting theirs.
		m.logger.Warn("lock was no longer ours at release", "key", handle.key)
	}
}

// watchdog re-arms the TTL while the holder is still working. The nominal TTL
// is reduced by the drift allowance before scheduling, so the extension lands
// before the key can expire on a drifting Redis clock.
func (m *LockManager) watchdog(handle *lockHandle) {
	defer close(handle.done)

	effective := m.config.TTL - time.Duration(float64(m.config.TTL)*m.config.DriftFactor) - 2*time.Millisecond
	interval := effective - m.config.ExtensionThreshold
	if interval <= 0 {
		interval = effective / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			extended, err := m.redis.Eval(ctx, extendScript,
				[]string{handle.key}, handle.nonce, m.config.TTL.Milliseconds()).Result()
			cancel()
			if err != nil {
				m.logger.Error("lock extension failed", "key", handle.key, "error", err.Error())
				continue
			}
			if n, ok := extended.(int64); ok && n == 0 {
				// Lock lost to TTL expiry; stop extending. The in-flight work
				// races its successor from here, bounded by the row-level
				// reservation in the repository.
				m.logger.Warn("lock expired while held, stopping watchdog", "key", handle.key)
				return
			}
			m.metrics.Increment(MetricLockExtended)
		}
	}
}

// withAdditiveJitter stretches each delay by a random offset in [0, j). The
// offset is never negative, so the base delay is a floor on the time between
// attempts.
func withAdditiveJitter(j time.Duration, next retry.Backoff) retry.Backoff {
	if j <= 0 {
		return next
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		val, stop := next.Next()
		if stop {
			return 0, true
		}
		return val + time.Duration(rand.Int63n(int64(j))), false
	})
}

// LockKey returns the Redis key guarding productID. Exposed for tests and
// operational tooling.
func LockKey(productID string) string {
	return fmt.Sprintf("%s%s", lockKeyPrefix, productID)
}
