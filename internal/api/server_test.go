package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/config"
	"genstudio/internal/ledger"
	"genstudio/internal/models"
	"genstudio/internal/provider"
	"genstudio/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.GenerationJob
	attempts map[string][]models.JobAttempt
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]models.GenerationJob),
		attempts: make(map[string][]models.JobAttempt),
	}
}

func (s *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.GenerationJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[p.ID]; ok {
		return existing, true, nil
	}
	job := models.GenerationJob{
		ID:              p.ID,
		UserID:          p.UserID,
		Prompt:          p.Prompt,
		DurationSeconds: p.DurationSeconds,
		Resolution:      p.Resolution,
		Priority:        p.Priority,
		UserPlan:        p.UserPlan,
		EstimatedCost:   p.EstimatedCost,
		Status:          models.StatusQueued,
	}
	if p.ExplicitProvider != "" {
		ep := p.ExplicitProvider
		job.ExplicitProvider = &ep
	}
	s.jobs[p.ID] = job
	return job, false, nil
}

func (s *memStore) GetJob(_ context.Context, id string) (models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.GenerationJob{}, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (s *memStore) MarkCancelled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if !models.IsTerminal(job.Status) {
		job.Status = models.StatusCancelled
		s.jobs[id] = job
	}
	return nil
}

func (s *memStore) ListAttempts(_ context.Context, jobID string) ([]models.JobAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[jobID], nil
}

func (s *memStore) AppendAudit(context.Context, string, string, string) error { return nil }

type memQueue struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (q *memQueue) Enqueue(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *memQueue) DLQPeek(context.Context, int64) ([]string, error) { return nil, nil }

type staticHealth []models.ProviderHealth

func (h staticHealth) Snapshot() []models.ProviderHealth { return h }

type stubClient struct{ name string }

func (c stubClient) Name() string                                            { return c.name }
func (c stubClient) Submit(context.Context, provider.Request) (string, error) { return "", nil }
func (c stubClient) Poll(context.Context, string) (provider.Status, error)    { return provider.Status{}, nil }
func (c stubClient) Cancel(context.Context, string) error                     { return nil }

func testServer(t *testing.T) (*Server, *memStore, *memQueue, *ledger.Memory) {
	t.Helper()
	cfg := config.Config{
		DefaultProvider:       "stability",
		CreditsPerMinute:      10,
		NewAccountSeedCredits: 100,
	}
	st := newMemStore()
	q := &memQueue{}
	led := ledger.NewMemory()
	reg := provider.NewRegistry(stubClient{name: "stability"}, stubClient{name: "runway"})
	srv := New(cfg, st, q, led, reg, staticHealth{}, nil)
	return srv, st, q, led
}

func doJSON(t *testing.T, handler http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	srv, _, q, led := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", map[string]any{
		"prompt":           "sunrise over mountains",
		"duration_seconds": 30,
		"resolution":       "720p",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Reused)
	assert.Equal(t, models.StatusQueued, resp.Job.Status)
	assert.Equal(t, "user-1", resp.Job.UserID)
	// 30s at 10/min on the default provider.
	assert.Equal(t, int64(5), resp.Job.EstimatedCost)
	assert.Equal(t, []string{resp.Job.ID}, q.enqueued)

	// First submission seeds the credit account.
	acc, err := led.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestSubmitJobIdempotentReuse(t *testing.T) {
	srv, _, q, _ := testServer(t)
	router := srv.Router()

	body := map[string]any{
		"id":               "fixed-id",
		"prompt":           "a whale",
		"duration_seconds": 10,
	}
	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/jobs", "user-1", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Reused)
	// Only the first submission enqueues.
	assert.Len(t, q.enqueued, 1)
}

func TestSubmitJobValidation(t *testing.T) {
	srv, _, _, _ := testServer(t)
	router := srv.Router()

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing prompt", map[string]any{"duration_seconds": 10}},
		{"zero duration", map[string]any{"prompt": "x"}},
		{"excessive duration", map[string]any{"prompt": "x", "duration_seconds": 700}},
		{"bad resolution", map[string]any{"prompt": "x", "duration_seconds": 10, "resolution": "8K"}},
		{"bad priority", map[string]any{"prompt": "x", "duration_seconds": 10, "priority": "urgent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitJobUnknownProviderRejected(t *testing.T) {
	srv, _, q, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", map[string]any{
		"prompt":           "x",
		"duration_seconds": 10,
		"provider":         "midjourney",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.FailUnknownProvider, resp.Code)
	assert.Empty(t, q.enqueued)
}

func TestSubmitRequiresIdentity(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs", "", map[string]any{
		"prompt":           "x",
		"duration_seconds": 10,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetJobScopedToOwner(t *testing.T) {
	srv, _, _, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", map[string]any{
		"id": "job-a", "prompt": "x", "duration_seconds": 10,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/jobs/job-a", "user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another user's lookup reads as not found.
	rec = doJSON(t, router, http.MethodGet, "/jobs/job-a", "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	srv, st, q, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", map[string]any{
		"id": "job-c", "prompt": "x", "duration_seconds": 10,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/jobs/job-c/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-c"}, q.cancelled)

	job, err := st.GetJob(context.Background(), "job-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)

	// Cancelling a terminal job is an idempotent no-op: success, no second
	// queue removal, state reported as-is.
	rec = doJSON(t, router, http.MethodPost, "/jobs/job-c/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusCancelled, resp["status"])
	assert.Equal(t, []string{"job-c"}, q.cancelled)
}

func TestCancelCompletedJobReportsCompleted(t *testing.T) {
	srv, st, q, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", "user-1", map[string]any{
		"id": "job-d", "prompt": "x", "duration_seconds": 10,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	st.mu.Lock()
	job := st.jobs["job-d"]
	job.Status = models.StatusCompleted
	st.jobs["job-d"] = job
	st.mu.Unlock()

	rec = doJSON(t, router, http.MethodPost, "/jobs/job-d/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusCompleted, resp["status"])
	// The settled job is untouched.
	assert.Empty(t, q.cancelled)
	got, _ := st.GetJob(context.Background(), "job-d")
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCreditEndpoints(t *testing.T) {
	srv, _, _, led := testServer(t)
	router := srv.Router()

	require.NoError(t, led.EnsureAccount(context.Background(), "user-1", 40, models.PlanCreator))

	rec := doJSON(t, router, http.MethodGet, "/credits/balance", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc models.CreditAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, int64(40), acc.Balance)

	rec = doJSON(t, router, http.MethodPost, "/credits/add", "user-1", map[string]any{
		"amount": 60, "payment_id": "pay-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var tx models.CreditTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, models.TxPurchase, tx.Kind)
	assert.Equal(t, int64(100), tx.BalanceAfter)

	rec = doJSON(t, router, http.MethodGet, "/credits/history", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Transactions []models.CreditTransaction `json:"transactions"`
		Total        int64                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Equal(t, int64(1), hist.Total)

	rec = doJSON(t, router, http.MethodGet, "/credits/stats", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(100), stats.CurrentBalance)
	assert.Equal(t, int64(60), stats.TotalPurchased)
}

func TestCreditBalanceNoAccount(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/credits/balance", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddCreditsRejectsBadAmount(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/credits/add", "user-1", map[string]any{
		"amount": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPricingTable(t *testing.T) {
	srv, _, _, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/pricing", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var costs struct {
		CreditsPerMinute     int                `json:"credits_per_minute"`
		ResolutionMultiplier map[string]float64 `json:"resolution_multiplier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &costs))
	assert.Equal(t, 10, costs.CreditsPerMinute)
	assert.Equal(t, 1.5, costs.ResolutionMultiplier[models.Resolution1080p])
}

func TestProviderStats(t *testing.T) {
	cfg := config.Config{DefaultProvider: "stability", CreditsPerMinute: 10}
	health := staticHealth{
		{Provider: "stability", SuccessRate: 0.97, AvgResponseTimeMs: 1800, Available: true},
	}
	srv := New(cfg, newMemStore(), &memQueue{}, ledger.NewMemory(),
		provider.NewRegistry(stubClient{name: "stability"}), health, nil)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/providers/stats", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Providers []models.ProviderHealth `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, "stability", resp.Providers[0].Provider)
}
