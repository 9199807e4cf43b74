package queue

import (
	"context"
	"time"
)

// ChannelSource is an in-memory JobSource backed by a buffered channel. It
// serves embedded deployments and tests; production fleets typically plug in
// a source backed by their job transport.
type ChannelSource struct {
	jobs chan *Job
}

// NewChannelSource creates a source with the given buffer capacity.
func NewChannelSource(capacity int) *ChannelSource {
	return &ChannelSource{jobs: make(chan *Job, capacity)}
}

// Enqueue adds a job without blocking. Returns ErrQueueFull when the buffer
// is exhausted.
func (s *ChannelSource) Enqueue(job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next returns the next pending job without blocking.
func (s *ChannelSource) Next(ctx context.Context) (*Job, error) {
	select {
	case job := <-s.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrNoJobsAvailable
	}
}

// Depth returns the number of buffered jobs.
func (s *ChannelSource) Depth() int {
	return len(s.jobs)
}
