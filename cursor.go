package invsync

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorKey is where the Marketplace B delta cursor lives in Redis.
const CursorKey = "marketplace_b:last_timestamp"

// CursorStore persists the poller's delta-sync position: the Unix-seconds
// instant of the last successful poll cycle. Sharing it through Redis keeps
// every instance's poller on the same cursor.
type CursorStore struct {
	redis *redis.Client
}

// NewCursorStore creates a cursor store.
func NewCursorStore(client *redis.Client) *CursorStore {
	return &CursorStore{redis: client}
}

// Load returns the stored cursor, or now minus the fallback window when no
// cursor exists yet (first run, or Redis was flushed).
func (s *CursorStore) Load(ctx context.Context, fallback time.Duration) (int64, error) {
	val, err := s.redis.Get(ctx, CursorKey).Result()
	if err == redis.Nil {
		return time.Now().Add(-fallback).Unix(), nil
	}
	if err != nil {
		return 0, WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "cursor_load", "cause": err.Error()})
	}

	cursor, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Corrupt cursor: fall back rather than halt polling.
		return time.Now().Add(-fallback).Unix(), nil
	}
	return cursor, nil
}

// Store advances the cursor. Called only after the cycle's jobs are enqueued,
// so a crash in between re-ingests rather than skips (at-least-once).
func (s *CursorStore) Store(ctx context.Context, cursor int64) error {
	if err := s.redis.Set(ctx, CursorKey, strconv.FormatInt(cursor, 10), 0).Err(); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{"op": "cursor_store", "cause": err.Error()})
	}
	return nil
}
