package models

import "time"

// JobKind distinguishes one-shot jobs from recurring ones.
type JobKind string

const (
	JobOnce      JobKind = "once"
	JobRecurring JobKind = "recurring"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ScheduledJob is a saved prompt replayed through the orchestrator on a timer.
type ScheduledJob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RoleID      string    `json:"role_id,omitempty"`
	Description string    `json:"description"`
	Kind        JobKind   `json:"kind"`

	// CronSpec is the structured schedule parsed from the cadence phrase at
	// creation time. Empty for one-shot jobs.
	CronSpec string `json:"cron_spec,omitempty"`

	NextRun   time.Time `json:"next_run"`
	Status    JobStatus `json:"status"`
	HoldUntil time.Time `json:"hold_until,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int       `json:"run_count"`
	Failures  int       `json:"failures"`
	CreatedAt time.Time `json:"created_at"`
}
