// Package invsync is the core of the unified inventory synchronizer: it
// ingests inventory updates from heterogeneous marketplace sources, normalizes
// them to one canonical record, and commits them to Postgres with per-product
// linearizability and at-least-once delivery.
//
// The pipeline:
//
//	webhook (HMAC verified) ─┐
//	                         ├─> Adapter ─> Queue (Redis, durable) ─> Worker ─> LockManager ─> Repository
//	poller (delta cursor)  ──┘                                                  (per product)   (tx upsert + audit)
//
// Components:
//
//   - Adapters normalize source payloads (Marketplace A webhooks, Marketplace B
//     polled API) into CanonicalRecord. Pure, stateless, no I/O.
//   - Queue is a durable Redis-backed job store: priority dispatch, exponential
//     backoff retry, stall redelivery (at-least-once), dead-letter retention,
//     fleet-wide rate limiting and pub/sub progress events.
//   - LockManager provides per-product mutual exclusion across the fleet via
//     Redis SET NX PX with a nonce-guarded release and TTL auto-extension.
//   - Repository performs the transactional upsert: row reservation, old
//     quantity read, insert-or-update and audit append in one transaction, so
//     a crash between steps is safely re-runnable.
//   - Poller runs delta sync against Marketplace B on a fixed interval with a
//     persisted cursor and a circuit breaker.
//   - Worker ties it together: dequeue, validate, lock, upsert, ack or retry.
//
// Duplicates are tolerated: the upsert is idempotent, so the queue only has
// to guarantee at-least-once.
//
// Observability is pluggable through the Logger and Metrics interfaces; zap
// and Prometheus adapters are provided. All blocking operations take a
// context.Context.
package invsync
