package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is a recognized job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job types with registered handlers.
const (
	JobTypeSessionRunner  = "session-runner"
	JobTypeMaintenance    = "maintenance"
	JobTypeSessionSync    = "session-sync"
	JobTypeDatabaseVacuum = "database-vacuum"
	JobTypeDatabaseBackup = "database-backup"
)

// Queue priorities per job type. Higher wins; ties break oldest-first.
const (
	PrioritySessionRunner = 5
	PrioritySessionSync   = 5
	PriorityMaintenance   = 3
	PriorityBackup        = 2
	PriorityVacuum        = 1
)

// PriorityForType returns the queue priority for a job type. Unknown
// types get the lowest priority so registered work runs first.
func PriorityForType(jobType string) int {
	switch jobType {
	case JobTypeSessionRunner:
		return PrioritySessionRunner
	case JobTypeSessionSync:
		return PrioritySessionSync
	case JobTypeMaintenance:
		return PriorityMaintenance
	case JobTypeDatabaseBackup:
		return PriorityBackup
	case JobTypeDatabaseVacuum:
		return PriorityVacuum
	default:
		return 0
	}
}

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = 60 * time.Second

// RetryBackoff returns the delay before a failed job becomes due again:
// 2^attempts seconds, capped at one minute.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		return maxRetryBackoff
	}
	backoff := time.Duration(1<<uint(attempts)) * time.Second
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}

// Job is one unit of background work executed by the worker pool.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// ScheduledAt defers execution; a job is due once it is in the past.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SessionRunPayload is the data blob for session-runner jobs.
type SessionRunPayload struct {
	SessionID     string `json:"session_id"`
	Prompt        string `json:"prompt"`
	UserEventUUID string `json:"user_event_uuid,omitempty"`
}

// JobStats is the per-status, per-type breakdown used by observability
// endpoints and tests.
type JobStats struct {
	ByStatus map[JobStatus]int `json:"by_status"`
	ByType   map[string]int    `json:"by_type"`
	Total    int               `json:"total"`
}
