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

// Package processor drains the scheduler's ready queue and runs each task
// through the orchestrator.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
	"taskorchestrator/src/scheduler"
)

// Queue is the part of the scheduler the worker consumes.
type Queue interface {
	NextContext(ctx context.Context) (scheduler.Entry, error)
	Complete(id string, result model.Payload) bool
	Fail(id string, errMsg string) bool
}

// Executor is the part of the orchestrator the worker drives.
type Executor interface {
	GetTaskStatus(id string) (model.Task, error)
	ExecuteTask(ctx context.Context, id string) (model.Payload, error)
}

// Stats counts what the worker has done since it started.
type Stats struct {
	Processed uint64 `json:"tasks_processed"`
	Succeeded uint64 `json:"tasks_succeeded"`
	Failed    uint64 `json:"tasks_failed"`
	Settled   uint64 `json:"tasks_settled"`
	Busy      int64  `json:"workers_busy"`
	Workers   int    `json:"workers"`
}

type Worker struct {
	queue    Queue
	exec     Executor
	count    int
	pollWait time.Duration

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	settled   atomic.Uint64
	busy      atomic.Int64

	wg sync.WaitGroup
}

func New(queue Queue, exec Executor, count int) *Worker {
	if count <= 0 {
		count = 1
	}
	return &Worker{queue: queue, exec: exec, count: count, pollWait: 500 * time.Millisecond}
}

// Start launches the worker goroutines. They stop when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	logging.Log(fmt.Sprintf("Worker started with %d goroutines. Waiting for tasks...", w.count), slog.LevelInfo)
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		logging.SafeGo(fmt.Sprintf("processor-%d", i), func() {
			defer w.wg.Done()
			w.loop(ctx)
		})
	}
}

// Wait blocks until every goroutine started by Start has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		entry, err := w.queue.NextContext(ctx)
		if err != nil {
			return
		}
		w.ProcessTask(ctx, entry)
	}
}

// ProcessTask executes the task behind entry and settles the entry in the
// queue with the outcome. Tasks that already left the created state are
// settled with their current outcome and never run twice.
func (w *Worker) ProcessTask(ctx context.Context, entry scheduler.Entry) {
	w.busy.Add(1)
	defer w.busy.Add(-1)

	task, err := w.exec.GetTaskStatus(entry.ID)
	if err != nil {
		logging.Log(fmt.Sprintf("Error fetching task %s: %v", entry.ID, err), slog.LevelError)
		w.queue.Fail(entry.ID, err.Error())
		w.settled.Add(1)
		return
	}
	if task.Status != model.TaskCreated {
		w.settle(ctx, task)
		return
	}

	logging.Log(fmt.Sprintf("Processing task: %s (ID: %s)", task.Description, task.ID), slog.LevelInfo)
	result, err := w.exec.ExecuteTask(ctx, entry.ID)
	switch {
	case errors.Is(err, model.ErrTaskRunning):
		// An explicit execution won the race; report its outcome instead.
		if current, gerr := w.exec.GetTaskStatus(entry.ID); gerr == nil {
			w.settle(ctx, current)
		}
	case err != nil:
		w.processed.Add(1)
		logging.Log(fmt.Sprintf("Task execution failed: %v", err), slog.LevelError)
		w.queue.Fail(entry.ID, err.Error())
		w.failed.Add(1)
	default:
		w.processed.Add(1)
		logging.Log(fmt.Sprintf("Task %s completed successfully", entry.ID), slog.LevelInfo)
		w.queue.Complete(entry.ID, result)
		w.succeeded.Add(1)
	}
}

// settle records the outcome of a task the worker did not run. A task
// still executing elsewhere is polled until it finishes or ctx is done.
func (w *Worker) settle(ctx context.Context, task model.Task) {
	if !task.Status.Terminal() {
		ticker := time.NewTicker(w.pollWait)
		defer ticker.Stop()
		for !task.Status.Terminal() {
			select {
			case <-ctx.Done():
				w.queue.Fail(task.ID, "shutdown before task "+task.ID+" finished")
				w.settled.Add(1)
				return
			case <-ticker.C:
			}
			current, err := w.exec.GetTaskStatus(task.ID)
			if err != nil {
				w.queue.Fail(task.ID, err.Error())
				w.settled.Add(1)
				return
			}
			task = current
		}
	}

	switch task.Status {
	case model.TaskCompleted:
		w.queue.Complete(task.ID, task.Result)
	case model.TaskCancelled:
		w.queue.Fail(task.ID, model.ErrTaskCancelled.Error())
	default:
		w.queue.Fail(task.ID, task.Error)
	}
	logging.Log(fmt.Sprintf("Settled task %s without running it (status %s)", task.ID, task.Status), slog.LevelDebug)
	w.settled.Add(1)
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Settled:   w.settled.Load(),
		Busy:      w.busy.Load(),
		Workers:   w.count,
	}
}
