package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tonearm/tonearm/errors"
	internaltesting "github.com/tonearm/tonearm/internal/testing"
)

func newTestService(t *testing.T) (*Service, *mockClock) {
	t.Helper()
	clock := newMockClock()
	svc := NewService(internaltesting.CreateTestDB(t), ServiceConfig{})
	svc.timeNow = clock.Now
	return svc, clock
}

// drainOnce claims due jobs and runs them synchronously.
func drainOnce(t *testing.T, svc *Service, types ...JobType) []*Job {
	t.Helper()
	jobs, err := svc.checkoutDue(context.Background(), types, 10)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	for _, job := range jobs {
		svc.executeJob(context.Background(), job)
	}
	return jobs
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	svc, clock := newTestService(t)

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeLibraryScan,
		Priority: PriorityHigh,
		Payload:  json.RawMessage(`{"full":true}`),
		UserRef:  "user-1",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if !got.ScheduledAt.Equal(clock.Now()) {
		t.Errorf("expected immediate scheduling, got %v", got.ScheduledAt)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default retry budget, got %d", got.MaxRetries)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobType("mystery"),
		Priority: PriorityNormal,
	})
	if !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request for unknown type, got %v", err)
	}

	_, err = svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeLibraryScan,
		Priority: Priority(9),
	})
	if !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request for bad priority, got %v", err)
	}

	negative := -1
	_, err = svc.Enqueue(context.Background(), EnqueueRequest{
		Type:       JobTypeLibraryScan,
		Priority:   PriorityNormal,
		MaxRetries: &negative,
	})
	if !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request for negative retries, got %v", err)
	}
}

func TestSuccessfulJobLifecycle(t *testing.T) {
	svc, clock := newTestService(t)

	var handled *Job
	svc.RegisterHandler(&testHandler{
		jobType: JobTypeTokenRefresh,
		fn: func(ctx context.Context, job *Job) error {
			handled = job
			return nil
		},
	})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeTokenRefresh,
		Priority: PriorityNormal,
		Payload:  json.RawMessage(`{"provider":"tidal"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeTokenRefresh)

	if handled == nil || handled.ID != job.ID {
		t.Fatal("handler did not receive the job")
	}

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got.Error != "" {
		t.Errorf("expected cleared error, got %q", got.Error)
	}
}

func TestFailingJobRetriesThenDeadLetters(t *testing.T) {
	svc, clock := newTestService(t)

	attempts := 0
	svc.RegisterHandler(&testHandler{
		jobType: JobTypeEnforcementExecution,
		fn: func(ctx context.Context, job *Job) error {
			attempts++
			return errors.New("provider returned 503")
		},
	})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeEnforcementExecution,
		Priority: PriorityCritical,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First attempt plus three retries under the default budget.
	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeEnforcementExecution)

	for i := 1; i <= DefaultMaxRetries; i++ {
		got, err := svc.GetJobStatus(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("GetJobStatus failed: %v", err)
		}
		if got.Status != StatusRetrying {
			t.Fatalf("after attempt %d: expected retrying, got %s", i, got.Status)
		}
		if got.RetryCount != i {
			t.Fatalf("after attempt %d: expected retry_count %d, got %d", i, i, got.RetryCount)
		}

		// Not due until the backoff elapses.
		if claimed := drainOnce(t, svc, JobTypeEnforcementExecution); len(claimed) != 0 {
			t.Fatalf("job claimed before backoff elapsed on attempt %d", i)
		}

		clock.Advance(RetryBackoff(i) + time.Second)
		drainOnce(t, svc, JobTypeEnforcementExecution)
	}

	if attempts != DefaultMaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultMaxRetries+1, attempts)
	}

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Status != StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", got.Status)
	}
	if got.RetryCount != got.MaxRetries {
		t.Errorf("expected retry_count == max_retries, got %d vs %d", got.RetryCount, got.MaxRetries)
	}
	if got.Error == "" {
		t.Error("dead-letter should preserve the last error")
	}
}

func TestTimedOutHandlerIsAbandoned(t *testing.T) {
	svc, clock := newTestService(t)

	release := make(chan struct{})
	defer close(release)
	svc.RegisterHandler(&testHandler{
		jobType: JobTypeLibraryScan,
		maxExec: 20 * time.Millisecond,
		fn: func(ctx context.Context, job *Job) error {
			<-release
			return nil
		},
	})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeLibraryScan,
		Priority: PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	start := time.Now()
	drainOnce(t, svc, JobTypeLibraryScan)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("execution was not abandoned on timeout (%v)", elapsed)
	}

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Status != StatusRetrying {
		t.Fatalf("expected retrying after timeout, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("timeout failure should be recorded")
	}
}

func TestMissingHandlerCountsAsFailure(t *testing.T) {
	svc, clock := newTestService(t)

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeCommunityListUpdate,
		Priority: PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeCommunityListUpdate)

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Status != StatusRetrying {
		t.Fatalf("expected retrying, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected an error naming the missing handler")
	}
}

func TestRetryJobReopensDeadLetterOnly(t *testing.T) {
	svc, clock := newTestService(t)

	zero := 0
	svc.RegisterHandler(&testHandler{
		jobType: JobTypeBatchRollback,
		fn: func(ctx context.Context, job *Job) error {
			return errors.New("rollback blew up")
		},
	})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:       JobTypeBatchRollback,
		Priority:   PriorityNormal,
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A pending job can't be manually retried.
	if _, err := svc.RetryJob(context.Background(), job.ID); !errors.IsInvalidRequestError(err) {
		t.Fatalf("expected invalid request for pending job, got %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeBatchRollback)

	got, _ := svc.GetJobStatus(context.Background(), job.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("zero-budget job should dead-letter immediately, got %s", got.Status)
	}

	clock.Advance(time.Second)
	reopened, err := svc.RetryJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if reopened.Status != StatusPending {
		t.Errorf("expected pending after manual retry, got %s", reopened.Status)
	}

	clock.Advance(time.Second)
	claimed := drainOnce(t, svc, JobTypeBatchRollback)
	if len(claimed) != 1 {
		t.Fatalf("reopened job should be claimable, got %d", len(claimed))
	}
}

func TestUpdateJobProgress(t *testing.T) {
	svc, clock := newTestService(t)
	svc.RegisterHandler(&testHandler{jobType: JobTypeLibraryScan})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeLibraryScan,
		Priority: PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	progress := &Progress{CurrentStep: "fetching library", StepsCompleted: 1, StepsTotal: 4, Percentage: 25}
	if err := svc.UpdateJobProgress(context.Background(), job.ID, progress); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}

	got, err := svc.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if got.Progress == nil || got.Progress.CurrentStep != "fetching library" {
		t.Errorf("progress not persisted: %+v", got.Progress)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeLibraryScan)

	err = svc.UpdateJobProgress(context.Background(), job.ID, progress)
	if !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request for terminal job, got %v", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	svc, clock := newTestService(t)
	svc.RegisterHandler(&testHandler{jobType: JobTypeHealthCheck})

	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(context.Background(), EnqueueRequest{
			Type:     JobTypeHealthCheck,
			Priority: PriorityLow,
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeLibraryScan,
		Priority: PriorityNormal,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeHealthCheck)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ByStatus[StatusCompleted] != 2 {
		t.Errorf("expected 2 completed, got %d", stats.ByStatus[StatusCompleted])
	}
	if stats.ByStatus[StatusPending] != 1 {
		t.Errorf("expected 1 pending, got %d", stats.ByStatus[StatusPending])
	}
	if stats.Depths[JobTypeLibraryScan] != 1 {
		t.Errorf("expected depth 1 for library scans, got %d", stats.Depths[JobTypeLibraryScan])
	}
}

func TestCleanupJobsThroughService(t *testing.T) {
	svc, clock := newTestService(t)
	svc.RegisterHandler(&testHandler{jobType: JobTypeHealthCheck})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeHealthCheck,
		Priority: PriorityLow,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeHealthCheck)

	// Not old enough under the configured retention yet.
	removed, err := svc.CleanupJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupJobs failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}

	clock.Advance(25 * time.Hour)
	removed, err = svc.CleanupJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupJobs failed: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected the old completed job to be removed")
	}

	if _, err := svc.GetJobStatus(context.Background(), job.ID); !errors.IsNotFoundError(err) {
		t.Errorf("expected not found after cleanup, got %v", err)
	}
}

func TestCleanupJobsHonorsExplicitCutoff(t *testing.T) {
	svc, clock := newTestService(t)
	svc.RegisterHandler(&testHandler{jobType: JobTypeHealthCheck})

	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:     JobTypeHealthCheck,
		Priority: PriorityLow,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	clock.Advance(time.Second)
	drainOnce(t, svc, JobTypeHealthCheck)
	clock.Advance(2 * time.Hour)

	// Well inside the default 24h retention, but past the caller's cutoff.
	removed, err := svc.CleanupJobs(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("CleanupJobs failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed with explicit cutoff, got %d", removed)
	}
	if _, err := svc.GetJobStatus(context.Background(), job.ID); !errors.IsNotFoundError(err) {
		t.Errorf("expected not found after cleanup, got %v", err)
	}

	if _, err := svc.CleanupJobs(context.Background(), -time.Hour); !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request for negative cutoff, got %v", err)
	}
}

func TestGetUserJobsRequiresUserRef(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GetUserJobs(context.Background(), "", nil, 10); !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid request, got %v", err)
	}
}
