package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/logger"
)

// WorkerStatus describes a worker's lifecycle state.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerError    WorkerStatus = "error"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerConfig describes one worker's polling behavior.
type WorkerConfig struct {
	// JobTypes this worker polls for.
	JobTypes []JobType
	// Concurrency caps in-flight jobs per poll tick.
	Concurrency int
	// PollInterval between checkout attempts.
	PollInterval time.Duration
	// HeartbeatInterval between liveness log lines.
	HeartbeatInterval time.Duration
}

// WorkerInfo is the externally visible worker state.
type WorkerInfo struct {
	ID            string       `json:"id"`
	JobTypes      []JobType    `json:"job_types"`
	Status        WorkerStatus `json:"status"`
	InFlight      int          `json:"in_flight"`
	Processed     int64        `json:"processed"`
	Started       time.Time    `json:"started"`
	LastPoll      time.Time    `json:"last_poll"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// stopWait bounds how long stop() waits for in-flight jobs to drain.
const stopWait = 30 * time.Second

// Worker polls the store for due jobs of its types and runs them through
// the service. One batch is in flight per poll tick; a tick that fires while
// the previous batch is still running is skipped.
type Worker struct {
	id      string
	service *Service
	cfg     WorkerConfig
	log     *zap.SugaredLogger

	mu            sync.Mutex
	status        WorkerStatus
	inFlight      int
	processed     int64
	started       time.Time
	lastPoll      time.Time
	lastHeartbeat time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWorker(service *Service, cfg WorkerConfig) *Worker {
	id := uuid.NewString()
	return &Worker{
		id:      id,
		service: service,
		cfg:     cfg,
		log:     logger.Named("worker").With("worker_id", id),
		status:  WorkerStarting,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.mu.Lock()
	w.started = w.service.timeNow()
	w.status = WorkerIdle
	w.mu.Unlock()

	w.log.Infow("Worker starting",
		"job_types", w.cfg.JobTypes,
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval.String())

	go w.run(ctx)
	go w.heartbeat(ctx)
}

// stop signals the worker and waits up to stopWait for in-flight jobs.
func (w *Worker) stop() {
	w.mu.Lock()
	if w.status == WorkerStopping || w.status == WorkerStopped {
		w.mu.Unlock()
		return
	}
	w.status = WorkerStopping
	w.mu.Unlock()

	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(stopWait):
		w.log.Warnw("Worker stop timed out with jobs still in flight")
	}

	w.mu.Lock()
	w.status = WorkerStopped
	w.mu.Unlock()
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	if w.status != WorkerStopping && w.status != WorkerStopped {
		w.status = status
	}
	w.mu.Unlock()
}

// Info returns a snapshot of the worker's state.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{
		ID:            w.id,
		JobTypes:      w.cfg.JobTypes,
		Status:        w.status,
		InFlight:      w.inFlight,
		Processed:     w.processed,
		Started:       w.started,
		LastPoll:      w.lastPoll,
		LastHeartbeat: w.lastHeartbeat,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("Worker context cancelled")
			return
		case <-w.stopCh:
			w.log.Infow("Worker stopping")
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				// The store going away means the process is shutting down;
				// not an error worth alarming on.
				if db.IsDatabaseClosed(err) {
					w.log.Infow("Worker stopping, database closed")
					w.mu.Lock()
					w.status = WorkerStopped
					w.mu.Unlock()
					return
				}
				consecutiveErrors++
				w.log.Errorw("Poll failed",
					"consecutive_errors", consecutiveErrors,
					"error", err)
				// Back off the poll cadence while the store is unhappy.
				if consecutiveErrors >= 3 {
					w.setStatus(WorkerError)
					ticker.Reset(w.cfg.PollInterval * time.Duration(consecutiveErrors))
				}
				continue
			}
			if consecutiveErrors > 0 {
				ticker.Reset(w.cfg.PollInterval)
				consecutiveErrors = 0
				w.setStatus(WorkerIdle)
			}
		}
	}
}

// poll checks out due jobs up to the concurrency cap and runs them,
// waiting for the whole batch before returning.
func (w *Worker) poll(ctx context.Context) error {
	w.mu.Lock()
	w.lastPoll = w.service.timeNow()
	remaining := w.cfg.Concurrency - w.inFlight
	w.mu.Unlock()
	if remaining <= 0 {
		return nil
	}

	jobs, err := w.service.checkoutDue(ctx, w.cfg.JobTypes, remaining)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	w.mu.Lock()
	w.inFlight += len(jobs)
	w.status = WorkerBusy
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			w.service.executeJob(ctx, job)
			w.mu.Lock()
			w.inFlight--
			w.processed++
			w.mu.Unlock()
		}(job)
	}
	wg.Wait()

	w.mu.Lock()
	if w.inFlight == 0 && w.status == WorkerBusy {
		w.status = WorkerIdle
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastHeartbeat = w.service.timeNow()
			w.mu.Unlock()

			info := w.Info()
			w.log.Infow("Worker heartbeat",
				"status", info.Status,
				"in_flight", info.InFlight,
				"processed", info.Processed,
				"last_poll", info.LastPoll,
				"memory", memorySnapshot())
		}
	}
}
