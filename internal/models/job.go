package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued        = "queued"
	StatusEstimating    = "estimating"
	StatusCreditChecked = "credit_checked"
	StatusSubmitting    = "submitting"
	StatusProcessing    = "processing"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// IsTerminal reports whether a job in the given status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Job priorities, also used as queue names.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// User plans.
const (
	PlanFree       = "FREE"
	PlanCreator    = "CREATOR"
	PlanPro        = "PRO"
	PlanEnterprise = "ENTERPRISE"
)

// Output resolutions.
const (
	Resolution720p  = "720p"
	Resolution1080p = "1080p"
	Resolution4K    = "4K"
)

// Failure kinds recorded on terminally failed jobs.
const (
	FailInsufficientCredits = "insufficient_credits"
	FailProviderFailure     = "provider_failure"
	FailInvalidInput        = "invalid_input"
	FailUnknownProvider     = "unknown_provider"
)

// GenerationJob represents a media-generation request persisted in Postgres.
// The ID is caller-supplied and unique; resubmitting the same ID returns the
// existing job instead of creating a duplicate.
type GenerationJob struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Prompt           string    `json:"prompt"`
	EnhancedPrompt   *string   `json:"enhanced_prompt,omitempty"`
	DurationSeconds  int       `json:"duration_seconds"`
	Resolution       string    `json:"resolution"`
	ExplicitProvider *string   `json:"explicit_provider,omitempty"`
	Priority         string    `json:"priority"`
	UserPlan         string    `json:"user_plan"`
	EstimatedCost    int64     `json:"estimated_cost"`
	Status           string    `json:"status"`
	FailureKind      *string   `json:"failure_kind,omitempty"`
	FailureDetail    *string   `json:"failure_detail,omitempty"`
	Provider         *string   `json:"provider,omitempty"`
	TaskID           *string   `json:"task_id,omitempty"`
	ResultURL        *string   `json:"result_url,omitempty"`
	Progress         *int      `json:"progress,omitempty"`
	Deducted         bool      `json:"deducted"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Attempt outcomes.
const (
	AttemptPending = "pending"
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// JobAttempt records one provider attempt for a job. A job normally has one
// attempt, two when a fallback occurred.
type JobAttempt struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Provider  string    `json:"provider"`
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
	Outcome   string    `json:"outcome"`
	LatencyMs int64     `json:"latency_ms"`
	Error     *string   `json:"error,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
