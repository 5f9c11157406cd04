package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// JobStore is the persistence surface the runner needs.
type JobStore interface {
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration) ([]*models.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *models.ScheduledJob) error
}

// TurnRunner replays a job's prompt through the chat orchestrator and
// returns the final assistant text.
type TurnRunner interface {
	RunJobTurn(ctx context.Context, userID, roleID, prompt string) (string, error)
}

// TurnRunnerFunc adapts a function to a TurnRunner.
type TurnRunnerFunc func(ctx context.Context, userID, roleID, prompt string) (string, error)

// RunJobTurn executes the turn runner function.
func (f TurnRunnerFunc) RunJobTurn(ctx context.Context, userID, roleID, prompt string) (string, error) {
	return f(ctx, userID, roleID, prompt)
}

// Runner is the single long-lived scheduled-job poller.
type Runner struct {
	jobs    JobStore
	turns   TurnRunner
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	tickInterval time.Duration
	claimLease   time.Duration
	maxBackoff   time.Duration
	maxFailures  int

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches the metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithNow overrides the clock (tests).
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTickInterval overrides the poll interval.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tickInterval = d
		}
	}
}

// WithClaimLease overrides the running-state hold lease.
func WithClaimLease(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.claimLease = d
		}
	}
}

// WithBackoff overrides the failure backoff ceiling and failure limit.
func WithBackoff(maxBackoff time.Duration, maxFailures int) Option {
	return func(r *Runner) {
		if maxBackoff > 0 {
			r.maxBackoff = maxBackoff
		}
		if maxFailures > 0 {
			r.maxFailures = maxFailures
		}
	}
}

// NewRunner creates the job runner.
func NewRunner(jobs JobStore, turns TurnRunner, opts ...Option) *Runner {
	r := &Runner{
		jobs:         jobs,
		turns:        turns,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
		claimLease:   5 * time.Minute,
		maxBackoff:   time.Hour,
		maxFailures:  5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins polling until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop waits for the poll loop to exit.
func (r *Runner) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce claims and executes all currently due jobs. Returns the number of
// jobs executed. Exposed for tests.
func (r *Runner) RunOnce(ctx context.Context) int {
	now := r.now()
	claimed, err := r.jobs.ClaimDueJobs(ctx, now, r.claimLease)
	if err != nil {
		r.logger.Error("claim due jobs failed", "error", err)
		return 0
	}

	for _, job := range claimed {
		r.execute(ctx, job)
	}
	return len(claimed)
}

func (r *Runner) execute(ctx context.Context, job *models.ScheduledJob) {
	logger := r.logger.With("job_id", job.ID, "kind", job.Kind)
	logger.Info("running scheduled job", "description", job.Description)

	_, err := r.turns.RunJobTurn(ctx, job.UserID, job.RoleID, job.Description)

	now := r.now()
	job.LastRunAt = now
	job.RunCount++

	if err != nil {
		r.completeFailure(job, now, err)
	} else {
		r.completeSuccess(job, now)
	}

	if updateErr := r.jobs.UpdateJob(ctx, job); updateErr != nil {
		logger.Error("persist job completion failed", "error", updateErr)
	}
	if r.metrics != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		r.metrics.SchedulerRuns.WithLabelValues(string(job.Kind), status).Inc()
	}
}

func (r *Runner) completeSuccess(job *models.ScheduledJob, now time.Time) {
	job.LastError = ""
	job.Failures = 0

	if job.Kind == models.JobOnce {
		job.Status = models.JobCompleted
		job.HoldUntil = time.Time{}
		return
	}

	next, err := NextRun(job.CronSpec, now)
	if err != nil {
		// The persisted spec no longer parses; without a next instant the
		// job cannot continue.
		job.Status = models.JobFailed
		job.LastError = err.Error()
		job.HoldUntil = time.Time{}
		return
	}
	job.Status = models.JobPending
	job.NextRun = next
	job.HoldUntil = next
}

func (r *Runner) completeFailure(job *models.ScheduledJob, now time.Time, err error) {
	job.LastError = err.Error()
	job.Failures++

	if job.Kind == models.JobOnce {
		job.Status = models.JobFailed
		job.HoldUntil = time.Time{}
		return
	}

	if job.Failures >= r.maxFailures {
		job.Status = models.JobFailed
		job.HoldUntil = time.Time{}
		r.logger.Warn("recurring job failed permanently",
			"job_id", job.ID, "failures", job.Failures)
		return
	}

	// Double the retry delay per consecutive failure, capped.
	backoff := r.tickInterval * 30
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	for i := 1; i < job.Failures; i++ {
		backoff *= 2
		if backoff >= r.maxBackoff {
			backoff = r.maxBackoff
			break
		}
	}
	job.Status = models.JobPending
	job.HoldUntil = now.Add(backoff)
}

// CreateJob validates a cadence phrase, resolves its first run, and builds
// the persistable job row. Shared by the scheduling tools and the HTTP
// surface.
func CreateJob(userID, roleID, description, cadence string, now time.Time) (*models.ScheduledJob, error) {
	sched, err := ParseSchedule(cadence, now)
	if err != nil {
		return nil, err
	}

	job := &models.ScheduledJob{
		UserID:      userID,
		RoleID:      roleID,
		Description: description,
		Kind:        sched.Kind,
		Status:      models.JobPending,
		CreatedAt:   now,
	}
	switch sched.Kind {
	case models.JobOnce:
		job.NextRun = sched.RunAt
	case models.JobRecurring:
		job.CronSpec = sched.CronSpec
		next, err := NextRun(sched.CronSpec, now)
		if err != nil {
			return nil, err
		}
		job.NextRun = next
		job.HoldUntil = next
	default:
		return nil, fmt.Errorf("unknown job kind %q", sched.Kind)
	}
	return job, nil
}
