// Package httpapi is the thin HTTP wrapper around the synchronizer core:
// webhook ingestion, read-only inventory queries, health and diagnostics.
// No pipeline logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adrianmcphee/invsync"
)

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Add(ctx context.Context, record *invsync.CanonicalRecord, priority int) (*invsync.Job, error)
	Stats(ctx context.Context) (*invsync.QueueStats, error)
	Ping(ctx context.Context) error
}

// InventoryReader is the read-only repository surface.
type InventoryReader interface {
	GetByProduct(ctx context.Context, productID string) ([]*invsync.InventoryRow, error)
	GetAudit(ctx context.Context, productID string, limit int) ([]*invsync.AuditRow, error)
	Ping(ctx context.Context) error
}

// PollTrigger runs one poll cycle synchronously, for diagnostics.
type PollTrigger interface {
	RunCycle(ctx context.Context) error
}

// ArchiveRunner runs one audit archival pass. Optional.
type ArchiveRunner interface {
	Run(ctx context.Context) (int, error)
}

// webhookPriority puts interactive pushes ahead of bulk poll batches.
const webhookPriority = 5

// maxAuditLimit caps the audit page size a client can request.
const maxAuditLimit = 1000

// Server wires the HTTP surface. Construct with NewServer and mount Router.
type Server struct {
	queue    JobQueue
	repo     InventoryReader
	poller   PollTrigger
	archiver ArchiveRunner
	adapter  invsync.Adapter
	secret   string
	logger   invsync.Logger
	metrics  invsync.Metrics
	registry *prometheus.Registry
}

// Config collects the server's collaborators. Archiver, Registry, Logger and
// Metrics are optional.
type Config struct {
	Queue    JobQueue
	Repo     InventoryReader
	Poller   PollTrigger
	Archiver ArchiveRunner
	Adapter  invsync.Adapter
	Secret   string
	Logger   invsync.Logger
	Metrics  invsync.Metrics
	Registry *prometheus.Registry
}

// NewServer creates the HTTP server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = &invsync.NoOpLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &invsync.NoOpMetrics{}
	}
	return &Server{
		queue:    cfg.Queue,
		repo:     cfg.Repo,
		poller:   cfg.Poller,
		archiver: cfg.Archiver,
		adapter:  cfg.Adapter,
		secret:   cfg.Secret,
		logger:   logger,
		metrics:  metrics,
		registry: cfg.Registry,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/webhooks/marketplace-a", s.handleWebhookA)
	r.Get("/inventory/{productID}", s.handleGetInventory)
	r.Get("/inventory/{productID}/audit", s.handleGetAudit)
	r.Get("/health", s.handleHealth)
	r.Post("/trigger-poll", s.handleTriggerPoll)
	r.Post("/archive-audit", s.handleArchiveAudit)

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleWebhookA receives Marketplace A push updates. The HMAC is computed
// over the exact bytes received, before any JSON parsing.
func (s *Server) handleWebhookA(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "unreadable body"})
		return
	}

	signature := r.Header.Get(invsync.SignatureHeader)
	if err := invsync.VerifySignature(s.secret, body, signature); err != nil {
		s.metrics.Increment(invsync.MetricWebhookRejected, "source", "marketplace_a", "reason", "signature")
		s.logger.Warn("webhook rejected: bad signature", "remote", r.RemoteAddr)
		s.writeJSON(w, http.StatusUnauthorized, response{Success: false, Error: "invalid signature"})
		return
	}

	record, err := s.adapter.Transform(body)
	if err != nil {
		s.metrics.Increment(invsync.MetricWebhookRejected, "source", "marketplace_a", "reason", "payload")
		s.writeJSON(w, http.StatusBadRequest, response{Success: false, Error: err.Error()})
		return
	}

	job, err := s.queue.Add(r.Context(), record, webhookPriority)
	if err != nil {
		s.logger.Error("enqueue failed", "product_id", record.ProductID, "error", err.Error())
		s.writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "enqueue failed"})
		return
	}

	s.metrics.Increment(invsync.MetricWebhookAccepted, "source", "marketplace_a")
	s.writeJSON(w, http.StatusAccepted, response{
		Success: true,
		Message: "update accepted",
		Data: map[string]string{
			"jobId":     job.ID,
			"productId": record.ProductID,
		},
	})
}

func (s *Server) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	rows, err := s.repo.GetByProduct(r.Context(), productID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "query failed"})
		return
	}
	if rows == nil {
		rows = []*invsync.InventoryRow{}
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: rows})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
			if limit > maxAuditLimit {
				limit = maxAuditLimit
			}
		}
	}

	rows, err := s.repo.GetAudit(r.Context(), productID, limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "query failed"})
		return
	}
	if rows == nil {
		rows = []*invsync.AuditRow{}
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: rows})
}

// handleHealth reports dependency liveness plus queue stats. 503 when Redis
// or Postgres does not answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.queue.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Error: "queue unavailable"})
		return
	}
	if err := s.repo.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Error: "database unavailable"})
		return
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Error: "queue unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: stats})
}

// handleTriggerPoll runs one poll cycle synchronously for diagnostics.
func (s *Server) handleTriggerPoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		s.writeJSON(w, http.StatusNotImplemented, response{Success: false, Error: "polling not configured"})
		return
	}
	if err := s.poller.RunCycle(r.Context()); err != nil {
		if errors.Is(err, invsync.ErrCircuitOpen) {
			s.writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Error: "circuit open"})
			return
		}
		s.writeJSON(w, http.StatusBadGateway, response{Success: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Message: "poll cycle complete"})
}

// handleArchiveAudit runs one archival pass on demand.
func (s *Server) handleArchiveAudit(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		s.writeJSON(w, http.StatusNotImplemented, response{Success: false, Error: "archiver not configured"})
		return
	}
	n, err := s.archiver.Run(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]int{"archived": n}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err.Error())
	}
}
