// Package queue provides the persistent, priority-ordered job queue with
// worker-pool execution, retry/backoff, dead-lettering and heartbeat
// liveness tracking.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tonearm/tonearm/errors"
)

// JobType identifies which handler executes a job. Closed enum: producers
// may only enqueue types listed here.
type JobType string

const (
	JobTypeEnforcementExecution JobType = "enforcement_execution"
	JobTypeBatchRollback        JobType = "batch_rollback"
	JobTypeTokenRefresh         JobType = "token_refresh"
	JobTypeLibraryScan          JobType = "library_scan"
	JobTypeCommunityListUpdate  JobType = "community_list_update"
	JobTypeHealthCheck          JobType = "health_check"
)

// IsValidJobType returns true if the string is a known JobType
func IsValidJobType(s string) bool {
	switch JobType(s) {
	case JobTypeEnforcementExecution, JobTypeBatchRollback, JobTypeTokenRefresh,
		JobTypeLibraryScan, JobTypeCommunityListUpdate, JobTypeHealthCheck:
		return true
	default:
		return false
	}
}

// JobTypes returns every known job type.
func JobTypes() []JobType {
	return []JobType{
		JobTypeEnforcementExecution,
		JobTypeBatchRollback,
		JobTypeTokenRefresh,
		JobTypeLibraryScan,
		JobTypeCommunityListUpdate,
		JobTypeHealthCheck,
	}
}

// Priority orders jobs within one poll: higher runs first, ties broken by
// creation time ascending.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority converts a priority name to its Priority value
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, errors.NewInvalidRequestError("unknown priority: %s", s)
	}
}

// Status represents the current state of a job.
//
// State machine: Pending → Processing → {Completed | Retrying | DeadLetter};
// Retrying → Pending once its backoff delay elapses. Completed and DeadLetter
// are terminal. Failed is a terminal state reachable only through operator
// tooling; RetryJob reopens Failed and DeadLetter jobs back to Pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted,
		StatusFailed, StatusRetrying, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can never change again without
// operator intervention.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLetter
}

// Progress is an advisory snapshot attached for external polling.
// The scheduler never consults it.
type Progress struct {
	CurrentStep    string  `json:"current_step,omitempty"`
	StepsCompleted int     `json:"steps_completed,omitempty"`
	StepsTotal     int     `json:"steps_total,omitempty"`
	Percentage     float64 `json:"percentage,omitempty"`
	ETASeconds     int     `json:"eta_seconds,omitempty"`
	Details        string  `json:"details,omitempty"`
}

// DefaultMaxRetries is the retry budget for jobs that don't specify one
const DefaultMaxRetries = 3

// Job represents a unit of asynchronous work.
//
// The payload is opaque to the queue: it is stored and passed through
// unmodified to the handler registered for the job type.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"job_type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UserRef     string          `json:"user_ref,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Error       string          `json:"error,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a Pending job scheduled to run immediately, with
// max_retries set to DefaultMaxRetries.
func NewJob(jobType JobType, priority Priority, payload json.RawMessage, now time.Time) (*Job, error) {
	if !IsValidJobType(string(jobType)) {
		return nil, errors.NewInvalidRequestError("unknown job type: %s", jobType)
	}

	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Priority:    priority,
		Payload:     payload,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		ScheduledAt: now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the job as processing
func (j *Job) Start(now time.Time) {
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed and clears any error from earlier attempts
func (j *Job) Complete(now time.Time) {
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Error = ""
	j.UpdatedAt = now
}

// ScheduleRetry records a failed attempt and reschedules the job with
// exponential backoff. Callers must have checked RetryCount < MaxRetries.
func (j *Job) ScheduleRetry(execErr error, now time.Time) {
	j.RetryCount++
	j.Status = StatusRetrying
	j.Error = execErr.Error()
	j.ScheduledAt = now.Add(RetryBackoff(j.RetryCount))
	j.UpdatedAt = now
}

// DeadLetter marks the job as permanently failed after exhausting retries.
// Dead-lettered jobs stay inspectable until cleanup.
func (j *Job) DeadLetter(execErr error, now time.Time) {
	j.Status = StatusDeadLetter
	j.Error = execErr.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Reopen returns a terminal failed job to Pending for another attempt.
// The attempt still counts: a reopened dead-letter job can end with
// retry_count above max_retries, the one sanctioned exception to the
// retry_count <= max_retries rule.
func (j *Job) Reopen(now time.Time) error {
	if j.Status != StatusFailed && j.Status != StatusDeadLetter {
		return errors.NewInvalidRequestError(
			"job %s cannot be retried from status %s", j.ID, j.Status)
	}
	j.Status = StatusPending
	j.RetryCount++
	j.ScheduledAt = now
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// RetryBackoff returns the delay before retry attempt n executes:
// 30s·2^min(n,5), so 60s, 120s, 240s, ... capped at 16 minutes.
func RetryBackoff(retryCount int) time.Duration {
	exp := retryCount
	if exp > 5 {
		exp = 5
	}
	return 30 * time.Second * (1 << exp)
}

// MarshalProgress converts a Progress to its stored JSON string
func MarshalProgress(p *Progress) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal progress")
	}
	return string(data), nil
}

// UnmarshalProgress converts a stored JSON string to a Progress
func UnmarshalProgress(data string) (*Progress, error) {
	if data == "" {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal progress")
	}
	return &p, nil
}
