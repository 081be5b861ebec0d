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

// Package orchestrator owns the task registry and drives each task through
// planning, type-specific execution and the version-control commit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
	"taskorchestrator/src/scheduler"
)

type Planner interface {
	AnalyzeAndPlan(ctx context.Context, task model.Task) (*model.Plan, error)
	PerformAnalysis(ctx context.Context, task model.Task) (model.Payload, error)
	ExecuteGeneralTask(ctx context.Context, task model.Task) (model.Payload, error)
}

type Developer interface {
	CreateProject(ctx context.Context, task model.Task) (model.Payload, error)
}

type Deployer interface {
	DeployProject(ctx context.Context, projectPath string, cfg map[string]any) (model.Payload, error)
}

type VersionControl interface {
	CommitTaskChanges(ctx context.Context, taskID string, task model.Task) (model.Payload, error)
}

// Queue is the part of the scheduler the orchestrator feeds.
type Queue interface {
	Add(e scheduler.Entry) string
	Cancel(id string) bool
}

type Options struct {
	Queue          Queue
	Planner        Planner
	Developer      Developer
	Deployer       Deployer // optional; deployments fail when nil
	VersionControl VersionControl
	Metrics        *logging.TaskMetrics
	Now            func() time.Time
}

type CreateRequest struct {
	Description string
	Type        model.TaskType
	Priority    model.Priority
	Metadata    map[string]any
	ScheduledAt *time.Time
}

// record is one registry slot. mu guards task; executing is set for the
// whole duration of an ExecuteTask call.
type record struct {
	mu        sync.Mutex
	task      model.Task
	executing atomic.Bool
}

type Orchestrator struct {
	mu    sync.RWMutex
	tasks map[string]*record
	order []string

	queue     Queue
	planner   Planner
	developer Developer
	deployer  Deployer
	vcs       VersionControl
	metrics   *logging.TaskMetrics
	now       func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	var missing []string
	if opts.Queue == nil {
		missing = append(missing, "queue")
	}
	if opts.Planner == nil {
		missing = append(missing, "planner")
	}
	if opts.Developer == nil {
		missing = append(missing, "developer")
	}
	if opts.VersionControl == nil {
		missing = append(missing, "version control")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing collaborators: %v", missing)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logging.Log("Orchestration layer initialized", slog.LevelInfo)
	return &Orchestrator{
		tasks:     make(map[string]*record),
		queue:     opts.Queue,
		planner:   opts.Planner,
		developer: opts.Developer,
		deployer:  opts.Deployer,
		vcs:       opts.VersionControl,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}, nil
}

// CreateTask registers a new task and hands its scheduling copy to the queue.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	if req.Type == "" {
		req.Type = model.TypeGeneral
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	metadata := model.CloneMap(req.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := o.now()
	task := model.Task{
		ID:          uuid.NewString(),
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      model.TaskCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
		Logs:        []model.LogEntry{},
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		task.ScheduledAt = &at
	}

	o.mu.Lock()
	o.tasks[task.ID] = &record{task: task}
	o.order = append(o.order, task.ID)
	o.mu.Unlock()

	o.queue.Add(scheduler.EntryFromTask(task))
	o.metrics.TaskCreated(ctx, string(task.Type))

	logging.Log(fmt.Sprintf("Created task %s: %s", task.ID, task.Description), slog.LevelInfo)
	return task.ID, nil
}

func (o *Orchestrator) lookup(id string) (*record, error) {
	o.mu.RLock()
	rec, ok := o.tasks[id]
	o.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(id)
	}
	return rec, nil
}

// GetTaskStatus returns a copy of the task.
func (o *Orchestrator) GetTaskStatus(id string) (model.Task, error) {
	rec, err := o.lookup(id)
	if err != nil {
		return model.Task{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone(), nil
}

// ListTasks returns copies of every task in creation order.
func (o *Orchestrator) ListTasks() []model.Task {
	o.mu.RLock()
	recs := make([]*record, 0, len(o.order))
	for _, id := range o.order {
		recs = append(recs, o.tasks[id])
	}
	o.mu.RUnlock()

	out := make([]model.Task, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.task.Clone())
		rec.mu.Unlock()
	}
	return out
}

func (o *Orchestrator) GetTaskLogs(id string) ([]model.LogEntry, error) {
	rec, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]model.LogEntry(nil), rec.task.Logs...), nil
}

// CancelTask moves a task that has not started executing to cancelled and
// withdraws it from the queue.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) error {
	rec, err := o.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.executing.Load() {
		rec.mu.Unlock()
		return fmt.Errorf("cancel task %s: %w", id, model.ErrTaskRunning)
	}
	if rec.task.Status != model.TaskCreated {
		status := rec.task.Status
		rec.mu.Unlock()
		return fmt.Errorf("cancel task %s in status %s: %w", id, status, model.ErrInvalidTransition)
	}
	o.setStatusLocked(rec, model.TaskCancelled)
	o.logLocked(rec, "Task cancelled")
	rec.mu.Unlock()

	if !o.queue.Cancel(id) {
		logging.Log(fmt.Sprintf("Task %s was not waiting in the queue", id), slog.LevelDebug)
	}
	o.metrics.TaskCancelled(ctx)
	return nil
}

// Adopt registers tasks restored from a scheduler snapshot. Ids already in
// the registry are left alone. It returns the number adopted.
func (o *Orchestrator) Adopt(snap scheduler.Snapshot) int {
	var restored []model.Task
	add := func(e scheduler.Entry, status model.TaskStatus) {
		t := model.Task{
			ID:          e.ID,
			Description: e.Description,
			Type:        e.Type,
			Priority:    e.Priority,
			Status:      status,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.CreatedAt,
			Metadata:    model.CloneMap(e.Metadata),
			Logs:        []model.LogEntry{{Time: o.now(), Message: "Restored from snapshot"}},
		}
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		if e.ScheduledAt != nil {
			at := *e.ScheduledAt
			t.ScheduledAt = &at
		}
		if e.FinishedAt != nil {
			t.UpdatedAt = *e.FinishedAt
		}
		switch status {
		case model.TaskCompleted:
			t.Result = e.Result
			t.Progress = 100
		case model.TaskFailed:
			t.Error = e.Error
		}
		restored = append(restored, t)
	}

	for _, e := range snap.Scheduled {
		add(e, model.TaskCreated)
	}
	for _, e := range snap.Queued {
		add(e, model.TaskCreated)
	}
	for _, e := range snap.Active {
		// Execution state is not persisted; the run was lost.
		e.Error = "interrupted before completion"
		add(e, model.TaskFailed)
	}
	for _, e := range snap.Completed {
		add(e, model.TaskCompleted)
	}
	for _, e := range snap.Failed {
		add(e, model.TaskFailed)
	}
	sort.SliceStable(restored, func(i, j int) bool {
		return restored[i].CreatedAt.Before(restored[j].CreatedAt)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range restored {
		if _, ok := o.tasks[t.ID]; ok {
			continue
		}
		o.tasks[t.ID] = &record{task: t}
		o.order = append(o.order, t.ID)
		n++
	}
	return n
}

// Stats is a count of registry tasks per status.
func (o *Orchestrator) Stats() map[model.TaskStatus]int {
	out := make(map[model.TaskStatus]int)
	for _, t := range o.ListTasks() {
		out[t.Status]++
	}
	return out
}

func (o *Orchestrator) setStatusLocked(rec *record, status model.TaskStatus) {
	rec.task.Status = status
	rec.task.UpdatedAt = o.now()
}

func (o *Orchestrator) logLocked(rec *record, msg string) {
	rec.task.Logs = append(rec.task.Logs, model.LogEntry{Time: o.now(), Message: msg})
	logging.LogAttrs(context.Background(), slog.LevelInfo, msg,
		slog.String("task.id", rec.task.ID),
		slog.String("task.status", string(rec.task.Status)))
}

func (o *Orchestrator) setStatus(rec *record, status model.TaskStatus) {
	rec.mu.Lock()
	o.setStatusLocked(rec, status)
	rec.mu.Unlock()
}

func (o *Orchestrator) logTask(rec *record, msg string) {
	rec.mu.Lock()
	o.logLocked(rec, msg)
	rec.mu.Unlock()
}

// setProgress never moves progress backwards within an execution. The
// recorded value is mirrored onto the execution span in ctx.
func (o *Orchestrator) setProgress(ctx context.Context, rec *record, progress int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if progress > 100 {
		progress = 100
	}
	if progress > rec.task.Progress {
		rec.task.Progress = progress
		rec.task.UpdatedAt = o.now()
	}
	logging.UpdateSpanValue(ctx, "task.progress", float64(rec.task.Progress))
}

func (o *Orchestrator) current(rec *record) model.Task {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone()
}

var errDeployerUnavailable = errors.New("deployer not configured")
