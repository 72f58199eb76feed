package invsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// PollerConfig holds delta-sync tuning parameters.
type PollerConfig struct {
	BaseURL        string
	APIKey         string
	Interval       time.Duration
	RequestTimeout time.Duration
	PageLimit      int
	CursorFallback time.Duration
	MaxFailures    int
	ResetTimeout   time.Duration
}

// DefaultPollerConfig returns the production defaults: poll every 5 minutes,
// 10 s request timeout, 100 items per page, 1 h cursor fallback, circuit
// opens after 3 consecutive failures and resets after 15 minutes.
func DefaultPollerConfig(baseURL, apiKey string) PollerConfig {
	return PollerConfig{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Interval:       5 * time.Minute,
		RequestTimeout: 10 * time.Second,
		PageLimit:      100,
		CursorFallback: time.Hour,
		MaxFailures:    3,
		ResetTimeout:   15 * time.Minute,
	}
}

// Poller performs incremental sync against the Marketplace B delta API:
// fetch everything since the persisted cursor, normalize, enqueue, advance
// the cursor. A circuit breaker suppresses outbound requests after repeated
// upstream failures.
type Poller struct {
	config  PollerConfig
	adapter Adapter
	queue   *Queue
	cursor  *CursorStore
	breaker *CircuitBreaker
	client  *http.Client
	logger  Logger
	metrics Metrics

	mu      sync.Mutex
	running bool
}

// NewPoller creates a poller. logger and metrics may be nil.
func NewPoller(config PollerConfig, adapter Adapter, queue *Queue, cursor *CursorStore, logger Logger, metrics Metrics) *Poller {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	p := &Poller{
		config:  config,
		adapter: adapter,
		queue:   queue,
		cursor:  cursor,
		client:  &http.Client{Timeout: config.RequestTimeout},
		logger:  logger,
		metrics: metrics,
	}
	p.breaker = NewCircuitBreaker(config.MaxFailures, config.ResetTimeout).
		WithStateChangeCallback(func(from, to BreakerState) {
			logger.Warn("poller circuit state change", "from", string(from), "to", string(to))
		})
	return p
}

// Start runs one cycle immediately, then one per interval until ctx is
// cancelled.
func (p *Poller) Start(ctx context.Context) {
	if err := p.RunCycle(ctx); err != nil {
		p.logger.Warn("startup poll cycle failed", "error", err.Error())
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunCycle(ctx); err != nil {
				p.logger.Warn("poll cycle failed", "error", err.Error())
			}
		}
	}
}

// RunCycle executes one poll cycle. Skips (without error) when a cycle is
// already in flight; fails fast with ErrCircuitOpen when the breaker is open.
func (p *Poller) RunCycle(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.metrics.Increment(MetricPollSkipped, "reason", "in_progress")
		p.logger.Debug("poll cycle already in progress, skipping")
		return nil
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if !p.breaker.Allow() {
		p.metrics.Increment(MetricPollSkipped, "reason", "circuit_open")
		p.logger.Warn("poll cycle skipped, circuit open",
			"consecutive_failures", p.breaker.Failures())
		return ErrCircuitOpen
	}

	cycleStart := time.Now().Unix()

	since, err := p.cursor.Load(ctx, p.config.CursorFallback)
	if err != nil {
		p.breaker.RecordFailure()
		p.metrics.Increment(MetricPollFailure)
		return err
	}

	items, err := p.fetch(ctx, since)
	if err != nil {
		p.breaker.RecordFailure()
		p.metrics.Increment(MetricPollFailure)
		return err
	}

	records := p.adapter.TransformBatch(items)
	if len(records) > 0 {
		if _, err := p.queue.AddBatch(ctx, records, 0); err != nil {
			p.breaker.RecordFailure()
			p.metrics.Increment(MetricPollFailure)
			return err
		}
	}

	// Cursor advances only after the enqueue: a crash in between replays
	// this window next cycle, which the idempotent upsert absorbs.
	if err := p.cursor.Store(ctx, cycleStart); err != nil {
		p.breaker.RecordFailure()
		p.metrics.Increment(MetricPollFailure)
		return err
	}

	p.breaker.RecordSuccess()
	p.metrics.Increment(MetricPollSuccess)
	p.metrics.Histogram(MetricPollItems, float64(len(items)))
	p.logger.Info("poll cycle complete",
		"since", since, "items", len(items), "enqueued", len(records))
	return nil
}

// fetch pulls one page of updates since the cursor.
func (p *Poller) fetch(ctx context.Context, since int64) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/inventory/updates?since=%d&limit=%d", p.config.BaseURL, since, p.config.PageLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"cause": err.Error()})
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"cause": err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"status": resp.StatusCode})
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx is a configuration problem, not an outage; still counts as an
		// upstream failure for the breaker.
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"status": resp.StatusCode})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"cause": err.Error()})
	}

	var payload struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, WithContext(ErrUpstreamUnavailable, map[string]interface{}{"reason": "malformed response body"})
	}
	return payload.Items, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (p *Poller) Breaker() *CircuitBreaker {
	return p.breaker
}
