package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlens/taxo/pkg/config"
	"github.com/crowdlens/taxo/pkg/runner"
	"github.com/crowdlens/taxo/pkg/state"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes report jobs.
// The worker owns the report lock for the duration of a job: it acquires it
// before running, keeps it alive with a heartbeat, and releases it after —
// unless the runner observed lock loss, in which case the lock belongs to
// someone else and is left alone.
type Worker struct {
	id       string
	podID    string
	source   JobSource
	executor PipelineExecutor
	store    *state.Store
	config   *config.QueueConfig
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentReportID string
	jobsProcessed   int
	lastActivity    time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, source JobSource, executor PipelineExecutor, store *state.Store, cfg *config.QueueConfig, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		source:       source,
		executor:     executor,
		store:        store,
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          string(w.status),
		CurrentReportID: w.currentReportID,
		JobsProcessed:   w.jobsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job, takes the report lock, and runs the
// pipeline under a heartbeat.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.source.Next(ctx)
	if err != nil {
		return err
	}

	reportID := job.Config.ReportID
	log := slog.With("report_id", reportID, "worker_id", w.id)
	log.Info("Job claimed", "queued_for", time.Since(job.EnqueuedAt))

	// Acquire the report lock up front so the heartbeat owns a token for
	// the whole run. The runner inherits it via LockValue.
	token := uuid.NewString()
	acquired, err := w.store.AcquirePipelineLock(ctx, reportID, token)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info("Report locked by another worker, skipping job")
		return nil
	}
	job.Config.LockValue = token

	w.setStatus(WorkerStatusWorking, reportID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// Register cancel function for externally triggered cancellation.
	w.pool.RegisterJob(reportID, cancelJob)
	defer w.pool.UnregisterJob(reportID)

	// Heartbeat: keep the lock alive while the run is in flight.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go w.runHeartbeat(heartbeatCtx, reportID, token)

	result, runErr := w.executor.Run(jobCtx, job.Input, job.Config)
	cancelHeartbeat()

	// A lost lock belongs to another worker now; never release it.
	if !errors.Is(runErr, runner.ErrLockLostDuringSave) {
		if _, err := w.store.ReleasePipelineLock(context.Background(), reportID, token); err != nil {
			log.Warn("Failed to release report lock", "error", err)
		}
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	switch {
	case runErr != nil:
		log.Warn("Job finished with protocol error", "error", runErr)
	case result.Error != nil:
		log.Warn("Job finished with pipeline failure",
			"kind", result.Error.Kind, "step", result.Error.Step)
	default:
		log.Info("Job completed",
			"total_tokens", result.State.TotalTokens,
			"total_cost", result.State.TotalCost)
	}
	return nil
}

// runHeartbeat periodically extends the report lock so a healthy run never
// loses ownership mid-stage. The save gate remains the correctness backstop
// if this worker stalls longer than the TTL anyway.
func (w *Worker) runHeartbeat(ctx context.Context, reportID, token string) {
	interval := w.store.LockTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := w.store.ExtendPipelineLock(ctx, reportID, token)
			if err != nil {
				slog.Warn("Heartbeat lock extension failed", "report_id", reportID, "error", err)
				continue
			}
			if !extended {
				slog.Warn("Heartbeat lost lock ownership", "report_id", reportID)
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int63n(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, reportID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentReportID = reportID
	w.lastActivity = time.Now()
}
