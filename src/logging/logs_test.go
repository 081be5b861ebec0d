package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskMetricsCounters(t *testing.T) {
	ctx := context.Background()
	m := NewTaskMetrics("orch-1")

	m.TaskCreated(ctx, "general")
	m.TaskCreated(ctx, "deployment")
	m.ExecutionStarted(ctx, "b")
	m.ExecutionStarted(ctx, "a")

	stats := m.GetStats()
	assert.Equal(t, "orch-1", stats.ID)
	assert.Equal(t, uint64(2), stats.TasksCreated)
	assert.Equal(t, uint64(2), stats.TasksExecuted)
	assert.Equal(t, []string{"a", "b"}, stats.CurrentTasks)

	m.ExecutionFinished(ctx, "a", true, time.Second)
	m.ExecutionFinished(ctx, "b", false, 500*time.Millisecond)
	m.TaskCancelled(ctx)
	m.TasksPromoted(ctx, 3)

	stats = m.GetStats()
	assert.Equal(t, uint64(1), stats.TasksSuccessful)
	assert.Equal(t, uint64(1), stats.TasksFailed)
	assert.Equal(t, uint64(1), stats.TasksCancelled)
	assert.Equal(t, uint64(3), stats.TasksPromoted)
	assert.InDelta(t, 1.5, stats.BusySeconds, 1e-9)
	assert.Empty(t, stats.CurrentTasks)
}

func TestNilTaskMetricsIsSafe(t *testing.T) {
	var m *TaskMetrics
	assert.NotPanics(t, func() {
		m.TaskCreated(context.Background(), "general")
		m.ExecutionStarted(context.Background(), "x")
		m.ExecutionFinished(context.Background(), "x", true, 0)
		m.TaskCancelled(context.Background())
		m.TasksPromoted(context.Background(), 1)
	})
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo("test", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
