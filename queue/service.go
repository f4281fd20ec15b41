package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tonearm/tonearm/errors"
	"github.com/tonearm/tonearm/logger"
)

// ServiceConfig carries the tunables the queue service needs. Zero values
// fall back to the defaults below.
type ServiceConfig struct {
	// DefaultMaxRetries is applied to jobs that don't set their own budget.
	DefaultMaxRetries int
	// RecordExpiry is how long a job record outlives its last write.
	RecordExpiry time.Duration
	// MaxExecution caps a single handler invocation regardless of what the
	// handler declares.
	MaxExecution time.Duration
	// PollInterval is the default worker poll cadence.
	PollInterval time.Duration
	// HeartbeatInterval is the default worker heartbeat cadence.
	HeartbeatInterval time.Duration
	// StaleAfter is how long a Processing job may sit before RequeueStale
	// considers it abandoned.
	StaleAfter time.Duration
	// CleanupAge is how old a terminal job must be before CleanupJobs
	// removes it.
	CleanupAge time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.RecordExpiry == 0 {
		c.RecordExpiry = DefaultRecordExpiry
	}
	if c.MaxExecution == 0 {
		c.MaxExecution = 10 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = time.Hour
	}
	if c.CleanupAge == 0 {
		c.CleanupAge = 24 * time.Hour
	}
	return c
}

// EnqueueRequest describes a job to submit.
type EnqueueRequest struct {
	Type        JobType
	Priority    Priority
	Payload     json.RawMessage
	UserRef     string
	Provider    string
	MaxRetries  *int
	ScheduledAt *time.Time
}

// Service is the facade over the job store, handler registry and worker
// pool. All public methods are safe for concurrent use.
type Service struct {
	store    *Store
	registry *Registry
	cfg      ServiceConfig
	log      *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*Worker

	timeNow func() time.Time
}

// NewService creates a queue service on top of an open, migrated database.
func NewService(db *sql.DB, cfg ServiceConfig) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:    NewStoreWithExpiry(db, cfg.RecordExpiry),
		registry: NewRegistry(),
		cfg:      cfg,
		log:      logger.Named("queue"),
		workers:  make(map[string]*Worker),
		timeNow:  time.Now,
	}
}

// RegisterHandler registers (or replaces) the handler for a job type.
func (s *Service) RegisterHandler(h Handler) {
	s.registry.Register(h)
	s.log.Infow("Registered job handler", "job_type", h.JobType())
}

// Enqueue validates the request, persists a Pending job and indexes it for
// pickup. The returned job carries the assigned ID.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.Priority < PriorityLow || req.Priority > PriorityCritical {
		return nil, errors.NewInvalidRequestError("invalid priority: %d", req.Priority)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, errors.NewInvalidRequestError("max_retries cannot be negative")
	}

	now := s.timeNow()
	job, err := NewJob(req.Type, req.Priority, req.Payload, now)
	if err != nil {
		return nil, err
	}
	job.UserRef = req.UserRef
	job.Provider = req.Provider
	job.MaxRetries = s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		job.ScheduledAt = *req.ScheduledAt
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.log.Infow("Enqueued job",
		"job_id", job.ID,
		"job_type", job.Type,
		"priority", job.Priority.String(),
		"scheduled_at", job.ScheduledAt)
	return job, nil
}

// GetJobStatus returns the current job record.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID, s.timeNow())
}

// UpdateJobProgress attaches handler-reported progress to a running job.
func (s *Service) UpdateJobProgress(ctx context.Context, jobID string, progress *Progress) error {
	now := s.timeNow()
	job, err := s.store.GetJob(ctx, jobID, now)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return errors.NewInvalidRequestError(
			"job %s is %s, progress updates are no longer accepted", jobID, job.Status)
	}
	job.Progress = progress
	job.UpdatedAt = now
	return s.store.UpdateJob(ctx, job)
}

// GetUserJobs returns a user's jobs, most recent first, optionally filtered
// by status.
func (s *Service) GetUserJobs(ctx context.Context, userRef string, status *Status, limit int) ([]*Job, error) {
	if userRef == "" {
		return nil, errors.NewInvalidRequestError("user_ref is required")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListUserJobs(ctx, userRef, status, limit, s.timeNow())
}

// RetryJob returns a terminally failed job to the queue for another
// attempt. Only Failed and DeadLetter jobs qualify.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*Job, error) {
	now := s.timeNow()
	job, err := s.store.GetJob(ctx, jobID, now)
	if err != nil {
		return nil, err
	}
	if err := job.Reopen(now); err != nil {
		return nil, err
	}
	if err := s.store.RescheduleJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Infow("Requeued job for manual retry", "job_id", job.ID, "job_type", job.Type)
	return job, nil
}

// QueueDepth returns the number of jobs currently indexed for a type.
func (s *Service) QueueDepth(ctx context.Context, jobType JobType) (int, error) {
	if !IsValidJobType(string(jobType)) {
		return 0, errors.NewInvalidRequestError("unknown job type: %s", jobType)
	}
	return s.store.QueueDepth(ctx, jobType)
}

// QueueDepths returns the indexed job count for every job type.
func (s *Service) QueueDepths(ctx context.Context) (map[JobType]int, error) {
	return s.store.QueueDepths(ctx)
}

// CleanupJobs deletes terminal jobs older than olderThan and purges records
// past their expiry. A zero olderThan uses the configured retention age.
// Returns how many rows were removed.
func (s *Service) CleanupJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, errors.NewInvalidRequestError("older_than cannot be negative")
	}
	if olderThan == 0 {
		olderThan = s.cfg.CleanupAge
	}

	now := s.timeNow()
	removed, err := s.store.CleanupJobs(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	purged, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		return removed, err
	}
	if removed+purged > 0 {
		s.log.Infow("Cleaned up jobs", "removed", removed, "purged", purged)
	}
	return removed + purged, nil
}

// RequeueStale returns Processing jobs abandoned longer than the configured
// threshold back to Pending. Intended as an operator action after a crash.
func (s *Service) RequeueStale(ctx context.Context) (int, error) {
	now := s.timeNow()
	requeued, err := s.store.RequeueStale(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.log.Warnw("Requeued stale processing jobs", "count", requeued)
	}
	return requeued, nil
}

// ServiceStats is a point-in-time snapshot of queue health.
type ServiceStats struct {
	ByStatus map[Status]int  `json:"by_status"`
	Depths   map[JobType]int `json:"queue_depths"`
	Workers  []WorkerInfo    `json:"workers"`
}

// Stats reports job counts by status, per-type queue depths and worker
// state.
func (s *Service) Stats(ctx context.Context) (*ServiceStats, error) {
	byStatus, err := s.store.CountByStatus(ctx, s.timeNow())
	if err != nil {
		return nil, err
	}
	depths, err := s.store.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	workers := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w.Info())
	}
	s.mu.Unlock()

	return &ServiceStats{ByStatus: byStatus, Depths: depths, Workers: workers}, nil
}

// StartWorker launches a worker polling for the given job types and returns
// its ID. The worker runs until StopWorker, StopAll or ctx cancellation.
func (s *Service) StartWorker(ctx context.Context, cfg WorkerConfig) (string, error) {
	if len(cfg.JobTypes) == 0 {
		return "", errors.NewInvalidRequestError("worker needs at least one job type")
	}
	for _, t := range cfg.JobTypes {
		if !IsValidJobType(string(t)) {
			return "", errors.NewInvalidRequestError("unknown job type: %s", t)
		}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = s.cfg.PollInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = s.cfg.HeartbeatInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w := newWorker(s, cfg)

	s.mu.Lock()
	s.workers[w.id] = w
	s.mu.Unlock()

	w.start(ctx)
	return w.id, nil
}

// StopWorker stops one worker and waits for its in-flight jobs to finish.
func (s *Service) StopWorker(workerID string) error {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	if ok {
		delete(s.workers, workerID)
	}
	s.mu.Unlock()

	if !ok {
		return errors.NewNotFoundError("worker %s", workerID)
	}
	w.stop()
	return nil
}

// StopAll stops every worker and waits for them to drain.
func (s *Service) StopAll() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// executeJob runs one checked-out job through its handler and applies the
// outcome: Completed on success, Retrying while the budget lasts, DeadLetter
// once it is spent. A missing handler counts as an execution failure.
func (s *Service) executeJob(ctx context.Context, job *Job) {
	handler := s.registry.Get(job.Type)

	var execErr error
	if handler == nil {
		execErr = errors.Newf("no handler registered for job type %s", job.Type)
	} else {
		timeout := handler.MaxExecutionTime()
		if timeout <= 0 || timeout > s.cfg.MaxExecution {
			timeout = s.cfg.MaxExecution
		}
		execCtx, cancel := context.WithTimeout(ctx, timeout)

		// A handler that overruns its timeout is abandoned: the job fails
		// now, whatever the goroutine does afterwards. Handlers must
		// tolerate being left behind.
		done := make(chan error, 1)
		go func() {
			done <- handler.Handle(execCtx, job)
		}()
		select {
		case execErr = <-done:
		case <-execCtx.Done():
			execErr = errors.Wrapf(execCtx.Err(), "job execution exceeded %s", timeout)
		}
		cancel()
	}

	now := s.timeNow()
	if execErr == nil {
		job.Complete(now)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			s.log.Errorw("Failed to persist job completion", "job_id", job.ID, "error", err)
			return
		}
		s.log.Infow("Job completed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration", now.Sub(*job.StartedAt).String())
		return
	}

	if job.RetryCount < job.MaxRetries {
		job.ScheduleRetry(execErr, now)
		if err := s.store.RescheduleJob(ctx, job); err != nil {
			s.log.Errorw("Failed to persist retry", "job_id", job.ID, "error", err)
			return
		}
		s.log.Warnw("Job failed, scheduled for retry",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempt", job.RetryCount,
			"max_retries", job.MaxRetries,
			"next_attempt", job.ScheduledAt,
			"error", execErr)
		return
	}

	job.DeadLetter(execErr, now)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.Errorw("Failed to persist dead-letter", "job_id", job.ID, "error", err)
		return
	}
	s.log.Errorw("Job dead-lettered after exhausting retries",
		"job_id", job.ID,
		"job_type", job.Type,
		"retry_count", job.RetryCount,
		"error", execErr)
}

// checkoutDue claims due jobs on behalf of a worker.
func (s *Service) checkoutDue(ctx context.Context, types []JobType, limit int) ([]*Job, error) {
	return s.store.CheckoutDue(ctx, types, limit, s.timeNow())
}
