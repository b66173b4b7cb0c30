package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genstudio/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of jobs and attempts.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool so the credit ledger can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID               string
	UserID           string
	Prompt           string
	DurationSeconds  int
	Resolution       string
	ExplicitProvider string
	Priority         string
	UserPlan         string
	EstimatedCost    int64
}

// CreateJob inserts a job row. The id is caller-supplied; submitting the same
// id again returns the existing job with reused=true instead of a duplicate.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.GenerationJob, bool, error) {
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, prompt, duration_seconds, resolution, explicit_provider,
			priority, user_plan, estimated_cost, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.UserID, p.Prompt, p.DurationSeconds, p.Resolution, emptyToNil(p.ExplicitProvider),
		p.Priority, p.UserPlan, p.EstimatedCost, models.StatusQueued, now)
	if err != nil {
		return models.GenerationJob{}, false, fmt.Errorf("insert job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.GetJob(ctx, p.ID)
		if err != nil {
			return models.GenerationJob{}, false, err
		}
		return existing, true, nil
	}

	return models.GenerationJob{
		ID:               p.ID,
		UserID:           p.UserID,
		Prompt:           p.Prompt,
		DurationSeconds:  p.DurationSeconds,
		Resolution:       p.Resolution,
		ExplicitProvider: emptyToNil(p.ExplicitProvider),
		Priority:         p.Priority,
		UserPlan:         p.UserPlan,
		EstimatedCost:    p.EstimatedCost,
		Status:           models.StatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, prompt, enhanced_prompt, duration_seconds, resolution, explicit_provider,
			priority, user_plan, estimated_cost, status, failure_kind, failure_detail,
			provider, task_id, result_url, progress, deducted, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.GenerationJob
	var enhanced, explicit, failKind, failDetail, prov, taskID, resultURL pgtype.Text
	var progress pgtype.Int4

	err := row.Scan(&job.ID, &job.UserID, &job.Prompt, &enhanced, &job.DurationSeconds, &job.Resolution,
		&explicit, &job.Priority, &job.UserPlan, &job.EstimatedCost, &job.Status, &failKind, &failDetail,
		&prov, &taskID, &resultURL, &progress, &job.Deducted, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, ErrJobNotFound
	}
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}

	job.EnhancedPrompt = textPtr(enhanced)
	job.ExplicitProvider = textPtr(explicit)
	job.FailureKind = textPtr(failKind)
	job.FailureDetail = textPtr(failDetail)
	job.Provider = textPtr(prov)
	job.TaskID = textPtr(taskID)
	job.ResultURL = textPtr(resultURL)
	if progress.Valid {
		v := int(progress.Int32)
		job.Progress = &v
	}
	return job, nil
}

// UpdateStatus sets a non-terminal lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SetEstimate records the computed credit cost.
func (s *Store) SetEstimate(ctx context.Context, id string, cost int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET estimated_cost = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, id, cost, models.StatusEstimating)
	return err
}

// SetEnhancedPrompt stores the collaborator's rewritten prompt.
func (s *Store) SetEnhancedPrompt(ctx context.Context, id, prompt string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET enhanced_prompt = $2, updated_at = NOW() WHERE id = $1
	`, id, prompt)
	return err
}

// SetProviderTask records which provider accepted the job and its task id,
// moving the job into processing.
func (s *Store) SetProviderTask(ctx context.Context, id, provider, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET provider = $2, task_id = $3, status = $4, updated_at = NOW() WHERE id = $1
	`, id, provider, taskID, models.StatusProcessing)
	return err
}

// MarkDeducted flags that the job's cost has been charged.
func (s *Store) MarkDeducted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET deducted = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// SetProgress stores the latest provider-reported progress percentage.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progress)
	return err
}

// MarkCompleted transitions a job to its terminal success state.
func (s *Store) MarkCompleted(ctx context.Context, id, resultURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_url = $3, progress = 100, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted, emptyToNil(resultURL))
	return err
}

// MarkFailed transitions a job to its terminal failure state with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, kind, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, failure_kind = $3, failure_detail = $4, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, kind, detail)
	return err
}

// MarkCancelled sets status cancelled; terminal jobs are left untouched so
// cancelling a finished job stays a no-op.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`, id, models.StatusCancelled, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	return err
}

// RecordAttempt inserts a pending attempt row and returns its id.
func (s *Store) RecordAttempt(ctx context.Context, jobID, provider, taskID string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_attempts (id, job_id, provider, task_id, started_at, outcome)
		VALUES ($1, $2, $3, $4, NOW(), $5)
	`, id, jobID, provider, taskID, models.AttemptPending)
	if err != nil {
		return "", fmt.Errorf("insert attempt: %w", err)
	}
	return id, nil
}

// FinishAttempt records an attempt's terminal outcome and observed latency.
func (s *Store) FinishAttempt(ctx context.Context, attemptID, outcome string, latency time.Duration, attemptErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_attempts SET outcome = $2, latency_ms = $3, error = $4 WHERE id = $1
	`, attemptID, outcome, latency.Milliseconds(), emptyToNil(attemptErr))
	return err
}

// ListAttempts returns a job's attempts in start order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, provider, task_id, started_at, outcome, latency_ms, error
		FROM job_attempts WHERE job_id = $1 ORDER BY started_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.JobAttempt
	for rows.Next() {
		var a models.JobAttempt
		var attemptErr pgtype.Text
		if err := rows.Scan(&a.ID, &a.JobID, &a.Provider, &a.TaskID, &a.StartedAt, &a.Outcome, &a.LatencyMs, &attemptErr); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Error = textPtr(attemptErr)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
