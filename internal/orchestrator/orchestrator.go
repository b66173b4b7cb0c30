// Package orchestrator drives generation jobs through their lifecycle:
// estimate cost, verify affordability, route to a provider, submit, deduct
// credit once the provider accepts, poll to a terminal outcome, and feed the
// result back into provider health. A transient failure earns exactly one
// retry on the fallback provider.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"genstudio/internal/config"
	"genstudio/internal/enhance"
	"genstudio/internal/ledger"
	"genstudio/internal/models"
	"genstudio/internal/pricing"
	"genstudio/internal/provider"
	"genstudio/internal/routing"
	"genstudio/internal/telemetry"
)

// JobStore is the persistence surface the orchestrator needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetEstimate(ctx context.Context, id string, cost int64) error
	SetEnhancedPrompt(ctx context.Context, id, prompt string) error
	SetProviderTask(ctx context.Context, id, provider, taskID string) error
	MarkDeducted(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id, resultURL string) error
	MarkFailed(ctx context.Context, id, kind, detail string) error
	RecordAttempt(ctx context.Context, jobID, provider, taskID string) (string, error)
	FinishAttempt(ctx context.Context, attemptID, outcome string, latency time.Duration, attemptErr string) error
	ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue is the dequeue/lease surface the orchestrator consumes.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, jobID string) error
}

// Router selects providers for jobs.
type Router interface {
	Select(d routing.Decision) routing.Selection
	SelectFallback(job models.GenerationJob, failedProvider string) string
}

// HealthRecorder receives attempt outcomes.
type HealthRecorder interface {
	Record(provider string, success bool, latency time.Duration)
}

// Archiver copies a completed generation's output to durable storage and
// returns the stored URL. Best-effort; a nil Archiver disables archiving.
type Archiver interface {
	Archive(ctx context.Context, job models.GenerationJob, st provider.Status) (string, error)
}

// Orchestrator is the worker-side engine.
type Orchestrator struct {
	cfg       config.Config
	store     JobStore
	queue     JobQueue
	ledger    ledger.Ledger
	router    Router
	health    HealthRecorder
	registry  *provider.Registry
	enhancer  enhance.Enhancer
	estimator *pricing.Estimator
	archiver  Archiver
}

// New wires the orchestrator. enhancer may be enhance.Noop{}; archiver may be nil.
func New(cfg config.Config, st JobStore, q JobQueue, led ledger.Ledger, r Router,
	h HealthRecorder, reg *provider.Registry, enh enhance.Enhancer, arch Archiver) *Orchestrator {
	if enh == nil {
		enh = enhance.Noop{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		queue:     q,
		ledger:    led,
		router:    r,
		health:    h,
		registry:  reg,
		enhancer:  enh,
		estimator: pricing.NewEstimator(cfg.CreditsPerMinute),
		archiver:  arch,
	}
}

// Run starts the main worker loop until context cancellation. Each dequeued
// job is handed to its own goroutine behind a concurrency cap: one job polling
// a slow provider for minutes must not hold up the rest of the queue. The
// lease machinery keeps this safe across workers.
func (o *Orchestrator) Run(ctx context.Context) error {
	concurrency := o.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := o.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := o.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		// Take a slot before dequeuing so a job is never leased while all
		// workers are busy.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}

		jobID, err := o.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			<-slots
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.WorkerPollInterval):
			}
			continue
		}

		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer func() { <-slots }()
			o.handle(ctx, jobID)
		}(jobID)
	}
}

// handle drives one dequeued job to settlement and releases its lease.
func (o *Orchestrator) handle(ctx context.Context, jobID string) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("job %s: load failed: %v", jobID, err)
		_ = o.queue.Ack(ctx, jobID)
		return
	}
	if models.IsTerminal(job.Status) {
		_ = o.queue.Ack(ctx, jobID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := o.Process(ctx, job); err != nil {
		// Shutdown is not a job defect: keep the lease so another worker
		// reclaims the job after the visibility timeout.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("job %s: interrupted by shutdown, leaving lease to expire", job.ID)
			return
		}
		// Process only errors when it could not record a terminal state;
		// park the job for operator inspection instead of looping on it.
		log.Printf("job %s: orchestration error: %v", job.ID, err)
		_ = o.queue.DLQPush(ctx, job.ID)
	}
	_ = o.queue.Ack(ctx, job.ID)
}

// attempt tracks one provider try for error reporting.
type attemptError struct {
	provider string
	err      error
}

// Process drives one job from queued to a terminal state.
func (o *Orchestrator) Process(ctx context.Context, job models.GenerationJob) error {
	// A job reclaimed after a lease expiry may already have a provider task
	// in flight. Re-attach to it rather than submitting a second one.
	if job.Status == models.StatusProcessing && job.Provider != nil && job.TaskID != nil {
		return o.resume(ctx, job)
	}

	_ = o.store.UpdateStatus(ctx, job.ID, models.StatusEstimating)

	// Routing needs the live balance, and estimation needs the routed
	// provider's cost multiplier.
	acc, err := o.ledger.Balance(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return o.fail(ctx, job, models.FailInsufficientCredits, "no credit account")
		}
		return fmt.Errorf("load balance: %w", err)
	}

	sel := o.router.Select(routing.Decision{Job: job, Balance: acc.Balance})
	if !o.registry.Has(sel.Provider) {
		return o.fail(ctx, job, models.FailUnknownProvider, fmt.Sprintf("provider %q not registered", sel.Provider))
	}
	_ = o.store.AppendAudit(ctx, job.ID, "routed", fmt.Sprintf("provider=%s rule=%s", sel.Provider, sel.Rule))

	cost := o.estimator.Estimate(job.DurationSeconds, job.Resolution, sel.Provider)
	job.EstimatedCost = cost
	if err := o.store.SetEstimate(ctx, job.ID, cost); err != nil {
		return fmt.Errorf("persist estimate: %w", err)
	}

	// Affordability gate: no provider is contacted and nothing is charged
	// when the user cannot cover the estimate.
	ok, err := o.ledger.Check(ctx, job.UserID, cost)
	if err != nil {
		return fmt.Errorf("credit check: %w", err)
	}
	if !ok {
		telemetry.InsufficientCredit.Inc()
		return o.fail(ctx, job, models.FailInsufficientCredits,
			fmt.Sprintf("need %d credits, have %d", cost, acc.Balance))
	}
	_ = o.store.UpdateStatus(ctx, job.ID, models.StatusCreditChecked)

	prompt := o.effectivePrompt(ctx, &job)

	_ = o.store.UpdateStatus(ctx, job.ID, models.StatusSubmitting)

	// First attempt, then at most one fallback for transient failures.
	var tried []attemptError
	outcome, attErr := o.runAttempt(ctx, &job, sel.Provider, prompt)
	if outcome == outcomeDone {
		return nil
	}
	if outcome == outcomePermanent {
		return o.fail(ctx, job, models.FailInvalidInput, attErr.Error())
	}
	if outcome == outcomeAbort {
		return attErr
	}
	tried = append(tried, attemptError{provider: sel.Provider, err: attErr})

	fallback := o.router.SelectFallback(job, sel.Provider)
	telemetry.JobsFallback.Inc()
	_ = o.store.AppendAudit(ctx, job.ID, "fallback", fmt.Sprintf("from=%s to=%s", sel.Provider, fallback))
	log.Printf("job %s: provider %s failed, retrying on %s", job.ID, sel.Provider, fallback)

	outcome, attErr = o.runAttempt(ctx, &job, fallback, prompt)
	if outcome == outcomeDone {
		return nil
	}
	if outcome == outcomeAbort {
		return attErr
	}
	kind := models.FailProviderFailure
	if outcome == outcomePermanent {
		kind = models.FailInvalidInput
	}
	tried = append(tried, attemptError{provider: fallback, err: attErr})
	return o.fail(ctx, job, kind, joinAttemptErrors(tried))
}

// resume re-attaches to an in-flight provider task after a lease reclaim.
// The deduction already happened; a failure here goes straight to the
// fallback path exactly as it would have on the original worker.
func (o *Orchestrator) resume(ctx context.Context, job models.GenerationJob) error {
	client, err := o.registry.Get(*job.Provider)
	if err != nil {
		return o.fail(ctx, job, models.FailUnknownProvider, err.Error())
	}

	attemptID := ""
	if attempts, err := o.store.ListAttempts(ctx, job.ID); err == nil {
		for _, a := range attempts {
			if a.Outcome == models.AttemptPending {
				attemptID = a.ID
			}
		}
	}
	if attemptID == "" {
		if attemptID, err = o.store.RecordAttempt(ctx, job.ID, *job.Provider, *job.TaskID); err != nil {
			return fmt.Errorf("record resumed attempt: %w", err)
		}
	}
	_ = o.store.AppendAudit(ctx, job.ID, "resumed", fmt.Sprintf("provider=%s task=%s", *job.Provider, *job.TaskID))

	outcome, attErr := o.track(ctx, &job, client, attemptID, *job.TaskID, 0)
	switch outcome {
	case outcomeDone:
		return nil
	case outcomeAbort:
		return attErr
	}

	fallback := o.router.SelectFallback(job, *job.Provider)
	telemetry.JobsFallback.Inc()
	_ = o.store.AppendAudit(ctx, job.ID, "fallback", fmt.Sprintf("from=%s to=%s", *job.Provider, fallback))
	prompt := job.Prompt
	if job.EnhancedPrompt != nil && *job.EnhancedPrompt != "" {
		prompt = *job.EnhancedPrompt
	}
	outcome, fbErr := o.runAttempt(ctx, &job, fallback, prompt)
	switch outcome {
	case outcomeDone:
		return nil
	case outcomeAbort:
		return fbErr
	}
	kind := models.FailProviderFailure
	if outcome == outcomePermanent {
		kind = models.FailInvalidInput
	}
	return o.fail(ctx, job, kind, joinAttemptErrors([]attemptError{
		{provider: *job.Provider, err: attErr},
		{provider: fallback, err: fbErr},
	}))
}

type attemptOutcome int

const (
	// outcomeDone: the job reached a terminal state and was recorded.
	outcomeDone attemptOutcome = iota
	// outcomeTransient: this attempt failed but a fallback may be tried.
	outcomeTransient
	// outcomePermanent: the input was rejected; retrying cannot help.
	outcomePermanent
	// outcomeAbort: infrastructure error; the job was not settled.
	outcomeAbort
)

// runAttempt submits to one provider and, on acceptance, deducts credit and
// polls to a terminal provider state.
func (o *Orchestrator) runAttempt(ctx context.Context, job *models.GenerationJob, providerName, prompt string) (attemptOutcome, error) {
	client, err := o.registry.Get(providerName)
	if err != nil {
		return outcomeAbort, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	start := time.Now()
	taskID, err := client.Submit(submitCtx, provider.Request{
		Prompt:          prompt,
		DurationSeconds: job.DurationSeconds,
		Resolution:      job.Resolution,
	})
	cancel()
	submitLatency := time.Since(start)
	observeProvider(providerName, submitLatency, err)

	if err != nil {
		o.health.Record(providerName, false, submitLatency)
		if attemptID, rerr := o.store.RecordAttempt(ctx, job.ID, providerName, ""); rerr == nil {
			_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptFailure, submitLatency, err.Error())
		}
		if provider.IsPermanent(err) {
			return outcomePermanent, err
		}
		return outcomeTransient, err
	}

	attemptID, err := o.store.RecordAttempt(ctx, job.ID, providerName, taskID)
	if err != nil {
		return outcomeAbort, fmt.Errorf("record attempt: %w", err)
	}
	if err := o.store.SetProviderTask(ctx, job.ID, providerName, taskID); err != nil {
		return outcomeAbort, fmt.Errorf("persist task: %w", err)
	}

	// Credits are charged only for work a provider agreed to perform, and
	// only once per job: a fallback after a post-acceptance failure reuses
	// the original deduction.
	if !job.Deducted {
		if _, err := o.ledger.Deduct(ctx, job.UserID, job.EstimatedCost,
			fmt.Sprintf("video generation (%ds %s via %s)", job.DurationSeconds, job.Resolution, providerName),
			job.ID); err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				// The earlier Check was outraced by a concurrent deduction.
				// The provider already accepted, so cancel best-effort.
				_ = client.Cancel(ctx, taskID)
				telemetry.InsufficientCredit.Inc()
				_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptFailure, submitLatency, "credits exhausted before deduction")
				if ferr := o.fail(ctx, *job, models.FailInsufficientCredits, err.Error()); ferr != nil {
					return outcomeAbort, ferr
				}
				return outcomeDone, nil
			}
			return outcomeAbort, fmt.Errorf("deduct: %w", err)
		}
		job.Deducted = true
		telemetry.CreditsDeducted.Add(float64(job.EstimatedCost))
		_ = o.store.MarkDeducted(ctx, job.ID)
		_ = o.store.AppendAudit(ctx, job.ID, "deducted", fmt.Sprintf("cost=%d provider=%s", job.EstimatedCost, providerName))
	}

	return o.track(ctx, job, client, attemptID, taskID, submitLatency)
}

// track polls the provider until the task is terminal, keeping the queue
// lease alive and honoring cancellation requested through the store.
func (o *Orchestrator) track(ctx context.Context, job *models.GenerationJob, client provider.Client,
	attemptID, taskID string, submitLatency time.Duration) (attemptOutcome, error) {

	pollErrors := 0
	ticker := time.NewTicker(o.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Worker shutdown mid-generation: leave the lease to expire so
			// another worker picks the job up.
			return outcomeAbort, ctx.Err()
		case <-ticker.C:
		}

		_ = o.queue.ExtendLease(ctx, job.ID, o.cfg.VisibilityTimeout)

		// A cancel request lands in the store; stop tracking and cancel the
		// provider task best-effort. The deduction stands: credits are spent
		// at acceptance, refunds are explicit.
		if current, err := o.store.GetJob(ctx, job.ID); err == nil && current.Status == models.StatusCancelled {
			_ = client.Cancel(ctx, taskID)
			_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptFailure, submitLatency, "cancelled")
			_ = o.store.AppendAudit(ctx, job.ID, "cancelled", "provider task cancelled best-effort")
			return outcomeDone, nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		st, err := client.Poll(pollCtx, taskID)
		cancel()
		if err != nil {
			pollErrors++
			if pollErrors < maxPollErrors {
				continue
			}
			// Repeated poll failures count as a provider failure.
			o.health.Record(client.Name(), false, submitLatency)
			observeProvider(client.Name(), submitLatency, err)
			_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptFailure, submitLatency, err.Error())
			return outcomeTransient, fmt.Errorf("poll: %w", err)
		}
		pollErrors = 0

		if st.Progress > 0 {
			_ = o.store.SetProgress(ctx, job.ID, st.Progress)
		}
		if !st.Terminal() {
			continue
		}

		if st.State == provider.TaskFailed {
			o.health.Record(client.Name(), false, submitLatency)
			detail := st.Error
			if detail == "" {
				detail = "provider reported failure"
			}
			_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptFailure, submitLatency, detail)
			return outcomeTransient, fmt.Errorf("provider %s: %s", client.Name(), detail)
		}

		// Completed.
		o.health.Record(client.Name(), true, submitLatency)
		_ = o.store.FinishAttempt(ctx, attemptID, models.AttemptSuccess, submitLatency, "")

		resultURL := st.ResultURL
		if o.archiver != nil {
			if stored, err := o.archiver.Archive(ctx, *job, st); err != nil {
				log.Printf("job %s: archive failed, keeping provider url: %v", job.ID, err)
			} else if stored != "" {
				resultURL = stored
			}
		}
		if err := o.store.MarkCompleted(ctx, job.ID, resultURL); err != nil {
			return outcomeAbort, fmt.Errorf("mark completed: %w", err)
		}
		telemetry.JobsCompleted.Inc()
		_ = o.store.AppendAudit(ctx, job.ID, "completed", resultURL)
		return outcomeDone, nil
	}
}

const maxPollErrors = 3

// effectivePrompt resolves the prompt to send: the pre-enhanced one when
// present, otherwise a best-effort enhancement of the raw prompt. Enhancement
// failure never blocks the job.
func (o *Orchestrator) effectivePrompt(ctx context.Context, job *models.GenerationJob) string {
	if job.EnhancedPrompt != nil && *job.EnhancedPrompt != "" {
		return *job.EnhancedPrompt
	}
	enhCtx, cancel := context.WithTimeout(ctx, o.cfg.EnhancerTimeout)
	defer cancel()
	improved, err := o.enhancer.Enhance(enhCtx, job.Prompt, job.DurationSeconds, job.UserPlan)
	if err != nil || improved == "" {
		if err != nil {
			log.Printf("job %s: prompt enhancement failed, using raw prompt: %v", job.ID, err)
		}
		return job.Prompt
	}
	job.EnhancedPrompt = &improved
	_ = o.store.SetEnhancedPrompt(ctx, job.ID, improved)
	return improved
}

func (o *Orchestrator) fail(ctx context.Context, job models.GenerationJob, kind, detail string) error {
	if err := o.store.MarkFailed(ctx, job.ID, kind, detail); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	telemetry.JobsFailed.Inc()
	_ = o.store.AppendAudit(ctx, job.ID, "failed", fmt.Sprintf("kind=%s detail=%s", kind, detail))
	return nil
}

func observeProvider(name string, latency time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	telemetry.ProviderRequests.WithLabelValues(name, outcome).Inc()
	telemetry.ProviderLatency.WithLabelValues(name).Observe(latency.Seconds())
}

func joinAttemptErrors(tried []attemptError) string {
	parts := make([]string, 0, len(tried))
	for _, a := range tried {
		parts = append(parts, fmt.Sprintf("%s: %v", a.provider, a.err))
	}
	return strings.Join(parts, "; ")
}
