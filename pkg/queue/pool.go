package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crowdlens/taxo/pkg/config"
	"github.com/crowdlens/taxo/pkg/state"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	source   JobSource
	executor PipelineExecutor
	store    *state.Store
	config   *config.QueueConfig
	workers  []*Worker

	// Job cancel registry: report_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, source JobSource, executor PipelineExecutor, store *state.Store, cfg *config.QueueConfig) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		source:     source,
		executor:   executor,
		store:      store,
		config:     cfg,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.source, p.executor, p.store, p.config, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeReportIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"report_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterJob(reportID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[reportID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(reportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, reportID)
}

// CancelJob triggers context cancellation for a report on this pod.
// Returns true if the report was found and cancelled here.
func (p *WorkerPool) CancelJob(reportID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[reportID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns a snapshot of pool and worker state.
func (p *WorkerPool) Health() PoolHealth {
	stats := make([]WorkerHealth, 0, len(p.workers))
	activeWorkers := 0
	for _, worker := range p.workers {
		health := worker.Health()
		if health.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
		stats = append(stats, health)
	}
	return PoolHealth{
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		ActiveReports: p.activeReportIDs(),
		WorkerStats:   stats,
	}
}

func (p *WorkerPool) activeReportIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
