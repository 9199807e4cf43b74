// Package queue provides the worker-side job processing infrastructure: a
// worker pool that claims report jobs, holds the report lock with a
// heartbeat, and drives the pipeline runner.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/crowdlens/taxo/pkg/models"
	"github.com/crowdlens/taxo/pkg/runner"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no pending jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrQueueFull indicates the in-memory source cannot accept more jobs.
	ErrQueueFull = errors.New("queue full")
)

// Job is one queued pipeline run request for a single report.
type Job struct {
	Input      *models.PipelineInput
	Config     models.RunnerConfig
	EnqueuedAt time.Time
}

// JobSource is the worker-side view of the external job queue. Next must not
// block when no job is pending; it returns ErrNoJobsAvailable and the worker
// polls again after its jittered interval.
type JobSource interface {
	Next(ctx context.Context) (*Job, error)
}

// PipelineExecutor is the subset of the runner used by workers.
type PipelineExecutor interface {
	Run(ctx context.Context, input *models.PipelineInput, cfg models.RunnerConfig) (*runner.RunResult, error)
}

// JobRegistry is the subset of WorkerPool used by Worker for cancellation
// registration.
type JobRegistry interface {
	RegisterJob(reportID string, cancel context.CancelFunc)
	UnregisterJob(reportID string)
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"` // "idle" or "working"
	CurrentReportID string    `json:"current_report_id,omitempty"`
	JobsProcessed   int       `json:"jobs_processed"`
	LastActivity    time.Time `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveReports []string       `json:"active_reports"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
