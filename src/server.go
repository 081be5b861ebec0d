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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"taskorchestrator/src/containerization"
	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
	"taskorchestrator/src/orchestrator"
	"taskorchestrator/src/persistence"
	"taskorchestrator/src/processor"
	"taskorchestrator/src/scheduler"
	"taskorchestrator/src/versioncontrol"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// commitHistory lists the commits made for tasks.
type commitHistory interface {
	History(ctx context.Context, limit int) ([]versioncontrol.Commit, error)
}

// APIServer holds dependencies for the HTTP handlers. worker, deployer,
// store and history are optional.
type APIServer struct {
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	metrics  *logging.TaskMetrics
	worker   *processor.Worker
	deployer *containerization.Deployer
	store    persistence.SnapshotStore
	history  commitHistory

	// baseCtx outlives requests; async executions run under it.
	baseCtx context.Context
	async   sync.WaitGroup
}

type createTaskRequest struct {
	Description *string        `json:"description"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority"`
	Metadata    map[string]any `json:"metadata"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler builds the routed mux wrapped in the OTel middleware.
func (s *APIServer) Handler() http.Handler {
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /api/capabilities", s.capabilitiesHandler)
	mux.HandleFunc("GET /api/stats", s.statsHandler)

	mux.HandleFunc("POST /api/tasks", s.createTaskHandler)
	mux.HandleFunc("GET /api/tasks", s.listTasksHandler)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/execute", s.executeTaskHandler)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.taskLogsHandler)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTaskHandler)

	mux.HandleFunc("POST /api/snapshot", s.snapshotHandler)
	mux.HandleFunc("GET /api/deployments", s.listDeploymentsHandler)
	mux.HandleFunc("DELETE /api/deployments/{id}", s.removeDeploymentHandler)
	mux.HandleFunc("GET /api/history", s.historyHandler)

	return otelhttp.NewHandler(mux, "orchestrator-api-server")
}

// WaitAsync blocks until executions started with ?async=true have finished.
func (s *APIServer) WaitAsync() {
	s.async.Wait()
}

// StartAPIServer serves handler on port until ctx is done, then shuts the
// server down gracefully.
func StartAPIServer(ctx context.Context, port string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log("API Server starting on :"+port, slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps orchestration errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsNotFound(err), errors.Is(err, containerization.ErrDeploymentNotFound):
		return http.StatusNotFound
	case model.IsMissingParameter(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTaskRunning),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrTaskCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("Error handling %s %s: %v", r.Method, r.URL.Path, err), slog.LevelError)
	}
	writeError(w, status, err.Error())
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	agent := "running"
	if s.orch == nil {
		agent = "not_initialized"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"timestamp":    time.Now().Format(time.RFC3339),
		"agent_status": agent,
	})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetStats())
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"tasks":     s.orch.Stats(),
		"scheduler": s.sched.Statistics(),
	}
	if s.worker != nil {
		resp["worker"] = s.worker.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) capabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": capabilities})
}

var capabilities = map[string]any{
	"website_creation": map[string]any{
		"description": "Create responsive websites from templates",
		"frameworks":  []string{"React", "HTML/CSS/JS", "Static Sites"},
	},
	"application_development": map[string]any{
		"description": "Scaffold web applications and APIs",
		"frameworks":  []string{"Flask", "React", "Docker Compose"},
	},
	"data_analysis": map[string]any{
		"description": "Profile CSV data and summarise research requests",
		"tools":       []string{"CSV profiling", "Web research outline"},
	},
	"planning": map[string]any{
		"description": "Project planning and task breakdown",
		"features":    []string{"Task breakdown", "Timeline planning", "Resource allocation"},
	},
	"deployment": map[string]any{
		"description": "Deploy generated projects as local containers",
		"platforms":   []string{"Static hosting", "Python runtime", "Node runtime", "Container platform"},
	},
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Description == nil {
		writeError(w, http.StatusBadRequest, "Task description is required")
		return
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	taskType, known := model.ParseTaskType(req.Type)
	if !known {
		logging.Log(fmt.Sprintf("Unrecognised task type %q accepted; it will run as a general task", taskType), slog.LevelWarn)
	}

	id, err := s.orch.CreateTask(r.Context(), orchestrator.CreateRequest{
		Description: *req.Description,
		Type:        taskType,
		Priority:    priority,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id": id,
		"status":  string(model.TaskCreated),
		"message": "Task created successfully",
	})
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks := s.orch.ListTasks()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.GetTaskStatus(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) executeTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		if _, err := s.orch.GetTaskStatus(id); err != nil {
			s.fail(w, r, err)
			return
		}
		s.async.Add(1)
		logging.SafeGo("execute-"+id, func() {
			defer s.async.Done()
			if _, err := s.orch.ExecuteTask(s.baseCtx, id); err != nil {
				logging.Log(fmt.Sprintf("Error executing task %s: %v", id, err), slog.LevelError)
			}
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "accepted"})
		return
	}

	result, err := s.orch.ExecuteTask(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"status":  "executed",
		"result":  result,
	})
}

func (s *APIServer) taskLogsHandler(w http.ResponseWriter, r *http.Request) {
	logs, err := s.orch.GetTaskLogs(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *APIServer) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.CancelTask(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(model.TaskCancelled)})
}

func (s *APIServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot persistence is disabled")
		return
	}
	snap := s.sched.Export()
	if err := s.store.Save(r.Context(), snap); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "saved",
		"tasks":            snap.Len(),
		"export_timestamp": snap.ExportedAt.Format(time.RFC3339),
	})
}

func (s *APIServer) listDeploymentsHandler(w http.ResponseWriter, r *http.Request) {
	deployments := []containerization.Deployment{}
	if s.deployer != nil {
		deployments = s.deployer.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (s *APIServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := versioncontrol.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	commits := []versioncontrol.Commit{}
	if s.history != nil {
		var err error
		if commits, err = s.history.History(r.Context(), limit); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *APIServer) removeDeploymentHandler(w http.ResponseWriter, r *http.Request) {
	if s.deployer == nil {
		writeError(w, http.StatusServiceUnavailable, "deployments are disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.deployer.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deployment_id": id, "status": "removed"})
}
