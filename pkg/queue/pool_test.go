package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRegisterAndCancelJob(t *testing.T) {
	pool := &WorkerPool{
		activeJobs: make(map[string]context.CancelFunc),
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.RegisterJob("report-1", cancel)

	// Cancel should succeed for a registered report
	assert.True(t, pool.CancelJob("report-1"))
	assert.Error(t, ctx.Err()) // Context should be cancelled

	// Cancel should return false for unknown report
	assert.False(t, pool.CancelJob("unknown"))
}

func TestPoolUnregisterJob(t *testing.T) {
	pool := &WorkerPool{
		activeJobs: make(map[string]context.CancelFunc),
	}

	_, cancel := context.WithCancel(context.Background())
	pool.RegisterJob("report-1", cancel)

	// Should find it
	assert.True(t, pool.CancelJob("report-1"))

	// Unregister
	pool.UnregisterJob("report-1")

	// Should not find it anymore
	assert.False(t, pool.CancelJob("report-1"))
}

func TestPoolActiveReportIDs(t *testing.T) {
	pool := &WorkerPool{
		activeJobs: make(map[string]context.CancelFunc),
	}

	assert.Empty(t, pool.activeReportIDs())

	_, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	pool.RegisterJob("report-1", cancel1)
	pool.RegisterJob("report-2", cancel2)

	ids := pool.activeReportIDs()
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []string{"report-1", "report-2"}, ids)
}

func TestPoolStopWithoutStartDoesNotPanic(t *testing.T) {
	pool := &WorkerPool{
		activeJobs: make(map[string]context.CancelFunc),
	}
	pool.Stop()
}
