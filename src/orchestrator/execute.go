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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

// ExecuteTask runs the task through planning, its type handler and the
// version-control commit, returning the handler's result. Any error leaves
// the task failed and is returned unchanged.
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string) (model.Payload, error) {
	rec, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	if !rec.executing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("execute task %s: %w", id, model.ErrTaskRunning)
	}
	defer rec.executing.Store(false)

	rec.mu.Lock()
	if rec.task.Status == model.TaskCancelled {
		rec.mu.Unlock()
		return nil, fmt.Errorf("execute task %s: %w", id, model.ErrTaskCancelled)
	}
	rec.task.Progress = 0
	rec.task.Result = nil
	rec.task.Error = ""
	taskType := rec.task.Type
	rec.mu.Unlock()

	ctx, span := logging.Tracer().Start(ctx, "ExecuteTask", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.type", string(taskType)),
	))
	defer span.End()

	o.metrics.ExecutionStarted(ctx, id)
	start := time.Now()

	result, err := o.run(ctx, rec)
	o.metrics.ExecutionFinished(ctx, id, err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		rec.mu.Lock()
		o.setStatusLocked(rec, model.TaskFailed)
		rec.task.Error = err.Error()
		o.logLocked(rec, "Task failed: "+err.Error())
		rec.mu.Unlock()

		logging.LogAttrs(ctx, slog.LevelError, "Task failed",
			slog.String("task.id", id),
			slog.String("error", err.Error()))
		return nil, err
	}

	rec.mu.Lock()
	rec.task.Result = result
	o.setStatusLocked(rec, model.TaskCompleted)
	rec.mu.Unlock()

	logging.LogAttrs(ctx, slog.LevelInfo, "Task completed successfully",
		slog.String("task.id", id),
		slog.Duration("elapsed", time.Since(start)))
	return model.Payload(model.CloneMap(result)), nil
}

func (o *Orchestrator) run(ctx context.Context, rec *record) (model.Payload, error) {
	o.setStatus(rec, model.TaskPlanning)
	o.logTask(rec, "Starting planning and analysis phase")

	var plan *model.Plan
	err := o.phase(ctx, "planning", func(ctx context.Context) error {
		var err error
		plan, err = o.planner.AnalyzeAndPlan(ctx, o.current(rec))
		if err != nil {
			return &model.CollaboratorError{Collaborator: "planning", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	rec.task.Plan = plan
	o.setStatusLocked(rec, model.TaskInProgress)
	rec.mu.Unlock()

	task := o.current(rec)
	var result model.Payload
	err = o.phase(ctx, "execution", func(ctx context.Context) error {
		var err error
		switch {
		case task.Type.IsDevelopment():
			result, err = o.executeDevelopment(ctx, rec, task)
		case task.Type == model.TypeDataAnalysis:
			result, err = o.executeAnalysis(ctx, rec, task)
		case task.Type == model.TypeDeployment:
			result, err = o.executeDeployment(ctx, rec, task)
		default:
			result, err = o.executeGeneral(ctx, rec, task)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = model.Payload{}
	}

	o.logTask(rec, "Committing changes to version control")
	err = o.phase(ctx, "commit", func(ctx context.Context) error {
		commit, err := o.vcs.CommitTaskChanges(ctx, task.ID, o.current(rec))
		if err != nil {
			return &model.CollaboratorError{Collaborator: "version control", Err: err}
		}
		if commit != nil {
			result["commit"] = commit
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// phase wraps fn in a child span named after the phase.
func (o *Orchestrator) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := logging.Tracer().Start(ctx, "phase."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) executeDevelopment(ctx context.Context, rec *record, task model.Task) (model.Payload, error) {
	o.logTask(rec, "Starting development phase")

	result, err := o.developer.CreateProject(ctx, task)
	if err != nil {
		return nil, &model.CollaboratorError{Collaborator: "development", Err: err}
	}
	if result == nil {
		result = model.Payload{}
	}
	o.setProgress(ctx, rec, 80)

	if task.MetadataBool("deploy") {
		o.logTask(rec, "Deploying project")
		path, _ := result[model.ProjectPathKey].(string)
		if path == "" {
			return nil, &model.MissingParameterError{Param: model.ProjectPathKey, Phase: "development"}
		}
		deployment, err := o.deploy(ctx, path, task)
		if err != nil {
			return nil, err
		}
		result["deployment"] = deployment
	}

	o.setProgress(ctx, rec, 100)
	return result, nil
}

func (o *Orchestrator) executeAnalysis(ctx context.Context, rec *record, task model.Task) (model.Payload, error) {
	o.logTask(rec, "Starting analysis phase")

	result, err := o.planner.PerformAnalysis(ctx, task)
	if err != nil {
		return nil, &model.CollaboratorError{Collaborator: "analysis", Err: err}
	}
	o.setProgress(ctx, rec, 100)
	return result, nil
}

func (o *Orchestrator) executeDeployment(ctx context.Context, rec *record, task model.Task) (model.Payload, error) {
	o.logTask(rec, "Starting deployment phase")

	path, ok := task.MetadataString(model.ProjectPathKey)
	if !ok {
		return nil, &model.MissingParameterError{Param: "Project path", Phase: "deployment"}
	}
	result, err := o.deploy(ctx, path, task)
	if err != nil {
		return nil, err
	}
	o.setProgress(ctx, rec, 100)
	return result, nil
}

func (o *Orchestrator) executeGeneral(ctx context.Context, rec *record, task model.Task) (model.Payload, error) {
	if !task.Type.Known() {
		o.logTask(rec, fmt.Sprintf("Unrecognised task type %q, processing as general task", task.Type))
	}
	o.logTask(rec, "Processing general task")

	result, err := o.planner.ExecuteGeneralTask(ctx, task)
	if err != nil {
		return nil, &model.CollaboratorError{Collaborator: "planning", Err: err}
	}
	o.setProgress(ctx, rec, 100)
	return result, nil
}

func (o *Orchestrator) deploy(ctx context.Context, path string, task model.Task) (model.Payload, error) {
	if o.deployer == nil {
		return nil, &model.CollaboratorError{Collaborator: "deployment", Err: errDeployerUnavailable}
	}
	cfg, _ := task.Metadata["deploy_config"].(map[string]any)
	result, err := o.deployer.DeployProject(ctx, path, cfg)
	if err != nil {
		return nil, &model.CollaboratorError{Collaborator: "deployment", Err: err}
	}
	return result, nil
}
