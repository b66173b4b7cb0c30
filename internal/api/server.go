// Package api exposes the HTTP surface: job submission and inspection,
// credit management, and provider health. Identity is taken from the
// X-User-ID header; upstream auth is assumed to have populated it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"genstudio/internal/config"
	"genstudio/internal/ledger"
	"genstudio/internal/models"
	"genstudio/internal/pricing"
	"genstudio/internal/provider"
	"genstudio/internal/queue"
	"genstudio/internal/ratelimit"
	"genstudio/internal/store"
	"genstudio/internal/telemetry"
)

// JobStore is the persistence surface the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.GenerationJob, bool, error)
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	MarkCancelled(ctx context.Context, id string) error
	ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue is the enqueue/cancel surface the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID, priority string) error
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// HealthView reports provider reliability snapshots.
type HealthView interface {
	Snapshot() []models.ProviderHealth
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     JobQueue
	ledger    ledger.Ledger
	registry  *provider.Registry
	health    HealthView
	limiter   *ratelimit.TokenBucket
	estimator *pricing.Estimator
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, q JobQueue, led ledger.Ledger,
	reg *provider.Registry, health HealthView, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		ledger:    led,
		registry:  reg,
		health:    health,
		limiter:   limiter,
		estimator: pricing.NewEstimator(cfg.CreditsPerMinute),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/attempts", s.handleListAttempts)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/credits/balance", s.handleBalance)
	r.Get("/credits/history", s.handleHistory)
	r.Get("/credits/stats", s.handleCreditStats)
	r.Post("/credits/add", s.handleAddCredits)

	r.Get("/providers/stats", s.handleProviderStats)
	r.Get("/pricing", s.handlePricing)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	ID              string `json:"id"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	Resolution      string `json:"resolution"`
	Provider        string `json:"provider"`
	Priority        string `json:"priority"`
	Plan            string `json:"plan"`
}

type submitResponse struct {
	Job    models.GenerationJob `json:"job"`
	Reused bool                 `json:"reused"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const maxDurationSeconds = 600

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid json"})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "prompt is required"})
		return
	}
	if req.DurationSeconds <= 0 || req.DurationSeconds > maxDurationSeconds {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error: fmt.Sprintf("duration_seconds must be between 1 and %d", maxDurationSeconds),
		})
		return
	}
	if req.Resolution == "" {
		req.Resolution = models.Resolution720p
	}
	if !validResolution(req.Resolution) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("unknown resolution %q", req.Resolution)})
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !validPriority(req.Priority) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("unknown priority %q", req.Priority)})
		return
	}
	// An explicitly requested provider must exist; this is a configuration
	// error rejected up front rather than a queued job doomed to fail.
	if req.Provider != "" && !s.registry.Has(req.Provider) {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error: fmt.Sprintf("unknown provider %q", req.Provider),
			Code:  models.FailUnknownProvider,
		})
		return
	}
	if req.Plan == "" {
		req.Plan = models.PlanFree
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.UserKey(userID))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, apiError{Error: "rate limited"})
			return
		}
	}

	if err := s.ledger.EnsureAccount(r.Context(), userID, s.cfg.NewAccountSeedCredits, req.Plan); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "ledger error"})
		return
	}

	// A preview estimate priced for the requested (or default) provider; the
	// worker re-estimates against the routed provider before charging.
	previewProvider := req.Provider
	if previewProvider == "" {
		previewProvider = s.cfg.DefaultProvider
	}
	estimate := s.estimator.Estimate(req.DurationSeconds, req.Resolution, previewProvider)

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:               req.ID,
		UserID:           userID,
		Prompt:           req.Prompt,
		DurationSeconds:  req.DurationSeconds,
		Resolution:       req.Resolution,
		ExplicitProvider: req.Provider,
		Priority:         req.Priority,
		UserPlan:         req.Plan,
		EstimatedCost:    estimate,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "create job failed"})
		return
	}

	if !reused {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority); err != nil {
			msg := "enqueue failed"
			_ = s.store.AppendAudit(r.Context(), job.ID, "enqueue_failed", err.Error())
			writeJSON(w, http.StatusInternalServerError, apiError{Error: msg})
			return
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "submitted",
			fmt.Sprintf("user=%s priority=%s estimate=%d", userID, job.Priority, estimate))
		telemetry.JobsSubmitted.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Reused: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), job.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "list attempts failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// handleCancel marks the job cancelled and removes it from the ready queue.
// A worker already tracking the job notices the status change and cancels
// the provider task best-effort. Credits spent at acceptance stand.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	// Terminal jobs accept no transitions; cancel is an idempotent no-op
	// reporting the state the job settled in.
	if models.IsTerminal(job.Status) {
		writeJSON(w, http.StatusOK, map[string]string{"status": job.Status})
		return
	}
	if err := s.queue.Cancel(r.Context(), job.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "cancel failed"})
		return
	}
	if err := s.store.MarkCancelled(r.Context(), job.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "cancel failed"})
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "cancel_requested", "via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}
	acc, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "no credit account"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "ledger error"})
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	kind := r.URL.Query().Get("kind")
	if kind != "" && !models.ValidTxKind(kind) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("unknown kind %q", kind)})
		return
	}
	txs, total, err := s.ledger.History(r.Context(), userID, page, pageSize, kind)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "no credit account"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "ledger error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

func (s *Server) handleCreditStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}
	stats, err := s.ledger.Stats(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "no credit account"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "ledger error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type addCreditsRequest struct {
	Amount    int64  `json:"amount"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	PaymentID string `json:"payment_id"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req addCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid json"})
		return
	}
	if req.Kind == "" {
		req.Kind = models.TxPurchase
	}
	if req.Reason == "" {
		req.Reason = "credit purchase"
	}
	if err := s.ledger.EnsureAccount(r.Context(), userID, 0, models.PlanFree); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "ledger error"})
		return
	}
	tx, err := s.ledger.Credit(r.Context(), userID, req.Amount, req.Kind, req.Reason, req.PaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handlePricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.estimator.Costs())
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.health.Snapshot()})
}

// handleDLQ returns jobs parked after unrecoverable orchestration errors.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to read dlq"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// loadOwnedJob fetches the path's job and enforces that it belongs to the
// requesting user. Foreign jobs read as not found.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) (models.GenerationJob, bool) {
	userID, ok := s.identify(w, r)
	if !ok {
		return models.GenerationJob{}, false
	}
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil || job.UserID != userID {
		writeJSON(w, http.StatusNotFound, apiError{Error: "job not found"})
		return models.GenerationJob{}, false
	}
	return job, true
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "X-User-ID header required"})
		return "", false
	}
	return userID, true
}

func validResolution(res string) bool {
	switch res {
	case models.Resolution720p, models.Resolution1080p, models.Resolution4K:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh:
		return true
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

var (
	_ JobStore = (*store.Store)(nil)
	_ JobQueue = (*queue.RedisQueue)(nil)
)
