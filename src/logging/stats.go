// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID              string    `json:"id"`
	StartTime       time.Time `json:"start_time"`
	Uptime          string    `json:"uptime"`
	TasksCreated    uint64    `json:"tasks_created"`
	TasksExecuted   uint64    `json:"tasks_executed"`
	TasksSuccessful uint64    `json:"tasks_successful"`
	TasksFailed     uint64    `json:"tasks_failed"`
	TasksCancelled  uint64    `json:"tasks_cancelled"`
	TasksPromoted   uint64    `json:"tasks_promoted"`
	BusySeconds     float64   `json:"busy_seconds"`
	CurrentTasks    []string  `json:"current_tasks"`
}

// TaskMetrics mirrors task lifecycle counters into OpenTelemetry and keeps
// an in-process copy for the /status endpoint.
type TaskMetrics struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	current        map[string]struct{}

	created   metric.Int64Counter
	executed  metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	promoted  metric.Int64Counter
	busy      metric.Float64Counter
	duration  metric.Float64Histogram
}

func NewTaskMetrics(id string) *TaskMetrics {
	m := &TaskMetrics{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		current: make(map[string]struct{}),
	}
	m.created, _ = InitializeIntCounter("orchestrator_tasks_created", "Number of tasks submitted", "{task}")
	m.executed, _ = InitializeIntCounter("orchestrator_tasks_executed", "Number of task executions started", "{task}")
	m.succeeded, _ = InitializeIntCounter("orchestrator_tasks_succeeded", "Number of task executions that completed", "{task}")
	m.failed, _ = InitializeIntCounter("orchestrator_tasks_failed", "Number of task executions that failed", "{task}")
	m.cancelled, _ = InitializeIntCounter("orchestrator_tasks_cancelled", "Number of tasks cancelled before execution", "{task}")
	m.promoted, _ = InitializeIntCounter("scheduler_tasks_promoted", "Number of scheduled tasks moved to the ready queue", "{task}")
	m.busy, _ = InitializeFloatCounter("orchestrator_busy_time", "Total time spent executing tasks", "s")
	m.duration, _ = meter.Float64Histogram("orchestrator_task_duration",
		metric.WithDescription("Wall-clock duration of task executions"),
		metric.WithUnit("s"))
	return m
}

func (m *TaskMetrics) TaskCreated(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.statusResponse.TasksCreated++
	m.mu.Unlock()
	if m.created != nil {
		m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", taskType)))
	}
}

func (m *TaskMetrics) ExecutionStarted(ctx context.Context, id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.statusResponse.TasksExecuted++
	m.current[id] = struct{}{}
	m.mu.Unlock()
	if m.executed != nil {
		m.executed.Add(ctx, 1)
	}
}

func (m *TaskMetrics) ExecutionFinished(ctx context.Context, id string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.current, id)
	if success {
		m.statusResponse.TasksSuccessful++
	} else {
		m.statusResponse.TasksFailed++
	}
	m.statusResponse.BusySeconds += elapsed.Seconds()
	m.mu.Unlock()

	outcome := attribute.Bool("task.success", success)
	if success && m.succeeded != nil {
		m.succeeded.Add(ctx, 1)
	}
	if !success && m.failed != nil {
		m.failed.Add(ctx, 1)
	}
	if m.busy != nil {
		m.busy.Add(ctx, elapsed.Seconds())
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(outcome))
	}
}

func (m *TaskMetrics) TaskCancelled(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.statusResponse.TasksCancelled++
	m.mu.Unlock()
	if m.cancelled != nil {
		m.cancelled.Add(ctx, 1)
	}
}

func (m *TaskMetrics) TasksPromoted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.statusResponse.TasksPromoted += uint64(n)
	m.mu.Unlock()
	if m.promoted != nil {
		m.promoted.Add(ctx, int64(n))
	}
}

// GetStats returns the current statistics as a response struct
func (m *TaskMetrics) GetStats() StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp := m.statusResponse
	resp.Uptime = time.Since(m.statusResponse.StartTime).Truncate(time.Second).String()
	resp.CurrentTasks = make([]string, 0, len(m.current))
	for id := range m.current {
		resp.CurrentTasks = append(resp.CurrentTasks, id)
	}
	sort.Strings(resp.CurrentTasks)
	return resp
}
