package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorchestrator/src/development"
	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
	"taskorchestrator/src/orchestrator"
	"taskorchestrator/src/persistence"
	"taskorchestrator/src/planning"
	"taskorchestrator/src/scheduler"
	"taskorchestrator/src/versioncontrol"
)

type stubVCS struct{}

func (stubVCS) CommitTaskChanges(_ context.Context, id string, _ model.Task) (model.Payload, error) {
	return model.Payload{"status": "success", "commit_hash": "0123abcd", "branch": "task-" + id[:8]}, nil
}

type stubHistory struct {
	commits []versioncontrol.Commit
	limit   int
}

func (h *stubHistory) History(_ context.Context, limit int) ([]versioncontrol.Commit, error) {
	h.limit = limit
	if limit < len(h.commits) {
		return h.commits[:limit], nil
	}
	return h.commits, nil
}

// serveWith starts a second server for api after its optional
// dependencies have been set.
func serveWith(t *testing.T, api *APIServer) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newTestAPI(t *testing.T) (*APIServer, *httptest.Server) {
	t.Helper()
	metrics := logging.NewTaskMetrics("test")
	sched := scheduler.New(scheduler.Options{Metrics: metrics})
	orch, err := orchestrator.New(orchestrator.Options{
		Queue:          sched,
		Planner:        planning.New(t.TempDir()),
		Developer:      development.New(t.TempDir()),
		VersionControl: stubVCS{},
		Metrics:        metrics,
	})
	require.NoError(t, err)

	api := &APIServer{orch: orch, sched: sched, metrics: metrics}
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return api, ts
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createTask(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	var resp map[string]string
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/api/tasks", body, &resp))
	require.NotEmpty(t, resp["task_id"])
	return resp["task_id"]
}

func TestHealth(t *testing.T) {
	_, ts := newTestAPI(t)
	var resp map[string]string
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/health", "", &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "running", resp["agent_status"])
}

func TestCreateTaskValidation(t *testing.T) {
	_, ts := newTestAPI(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing description", `{"type":"general"}`, http.StatusBadRequest},
		{"bad priority", `{"description":"x","priority":"urgent"}`, http.StatusBadRequest},
		{"bad json", `{"description":`, http.StatusBadRequest},
		{"empty description accepted", `{"description":""}`, http.StatusCreated},
		{"unknown type accepted", `{"description":"x","type":"haiku"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]any
			assert.Equal(t, tt.want, call(t, http.MethodPost, ts.URL+"/api/tasks", tt.body, &resp))
		})
	}
}

func TestExecuteSurvivesCancelledRequest(t *testing.T) {
	api, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Plan the quarterly roadmap","type":"planning"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+id+"/execute", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	task, err := api.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Empty(t, task.Error)
}

func TestCreateAndExecuteWebsiteTask(t *testing.T) {
	_, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Build a contact page with a form","type":"website_creation","priority":"high"}`)

	var created model.Task
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/tasks/"+id, "", &created))
	assert.Equal(t, model.TaskCreated, created.Status)
	assert.Equal(t, model.PriorityHigh, created.Priority)

	var exec struct {
		TaskID string        `json:"task_id"`
		Status string        `json:"status"`
		Result model.Payload `json:"result"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/execute", "", &exec))
	assert.Equal(t, "executed", exec.Status)
	assert.Equal(t, "success", exec.Result["status"])
	assert.NotEmpty(t, exec.Result["project_path"])
	assert.Contains(t, exec.Result, "commit")

	var done model.Task
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/tasks/"+id, "", &done))
	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Plan)

	var logs struct {
		Logs []model.LogEntry `json:"logs"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/tasks/"+id+"/logs", "", &logs))
	require.NotEmpty(t, logs.Logs)
	assert.Equal(t, "Starting planning and analysis phase", logs.Logs[0].Message)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	_, ts := newTestAPI(t)
	for _, path := range []string{"/api/tasks/nope", "/api/tasks/nope/logs"} {
		var resp errorResponse
		assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, ts.URL+path, "", &resp), path)
		assert.Contains(t, resp.Error, "not found")
	}
	var resp errorResponse
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/api/tasks/nope/execute", "", &resp))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/api/tasks/nope/execute?async=true", "", &resp))
}

func TestDeploymentWithoutPathIsUnprocessable(t *testing.T) {
	_, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Deploy it","type":"deployment"}`)

	var resp errorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/execute", "", &resp))
	assert.Equal(t, "Project path required for deployment task", resp.Error)

	var task model.Task
	call(t, http.MethodGet, ts.URL+"/api/tasks/"+id, "", &task)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, resp.Error, task.Error)
}

func TestDeploymentWithoutDeployerIsServerError(t *testing.T) {
	_, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Deploy it","type":"deployment","metadata":{"project_path":"/tmp/site"}}`)

	var resp errorResponse
	assert.Equal(t, http.StatusInternalServerError, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/execute", "", &resp))
	assert.Contains(t, resp.Error, "deployment")
}

func TestCancelFlow(t *testing.T) {
	api, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Plan the launch","type":"planning"}`)

	var resp map[string]string
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/cancel", "", &resp))
	assert.Equal(t, "cancelled", resp["status"])
	assert.Zero(t, api.sched.Statistics().Queued, "cancel removes the queue entry")

	var errResp errorResponse
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/execute", "", &errResp))
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/cancel", "", &errResp))
}

func TestListTasksFiltersByStatus(t *testing.T) {
	_, ts := newTestAPI(t)
	first := createTask(t, ts, `{"description":"one"}`)
	second := createTask(t, ts, `{"description":"two"}`)
	call(t, http.MethodPost, ts.URL+"/api/tasks/"+second+"/cancel", "", nil)

	var all struct {
		Tasks []model.Task `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/tasks", "", &all))
	require.Len(t, all.Tasks, 2)
	assert.Equal(t, first, all.Tasks[0].ID)

	var created struct {
		Tasks []model.Task `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/tasks?status=created", "", &created))
	require.Len(t, created.Tasks, 1)
	assert.Equal(t, first, created.Tasks[0].ID)
}

func TestAsyncExecute(t *testing.T) {
	api, ts := newTestAPI(t)
	id := createTask(t, ts, `{"description":"Summarise the quarter","type":"data_analysis"}`)

	var resp map[string]string
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/api/tasks/"+id+"/execute?async=true", "", &resp))
	assert.Equal(t, "accepted", resp["status"])

	api.WaitAsync()
	task, err := api.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
}

func TestStatsAndStatus(t *testing.T) {
	_, ts := newTestAPI(t)
	createTask(t, ts, `{"description":"one"}`)
	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	createTask(t, ts, `{"description":"later","scheduled_at":"`+later+`"}`)

	var stats struct {
		Tasks     map[model.TaskStatus]int `json:"tasks"`
		Scheduler scheduler.Stats          `json:"scheduler"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/stats", "", &stats))
	assert.Equal(t, 2, stats.Tasks[model.TaskCreated])
	assert.Equal(t, 1, stats.Scheduler.Queued)
	assert.Equal(t, 1, stats.Scheduler.Scheduled)

	var status logging.StatusResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/status", "", &status))
	assert.Equal(t, "test", status.ID)
	assert.Equal(t, uint64(2), status.TasksCreated)
}

func TestCapabilitiesAndDeployments(t *testing.T) {
	_, ts := newTestAPI(t)
	var caps struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/capabilities", "", &caps))
	assert.Contains(t, caps.Capabilities, "website_creation")
	assert.Contains(t, caps.Capabilities, "deployment")

	var deps struct {
		Deployments []any `json:"deployments"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/deployments", "", &deps))
	assert.Empty(t, deps.Deployments)

	var errResp errorResponse
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodDelete, ts.URL+"/api/deployments/x", "", &errResp))
}

func TestSnapshotEndpoint(t *testing.T) {
	api, ts := newTestAPI(t)
	var errResp errorResponse
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, ts.URL+"/api/snapshot", "", &errResp))

	store := persistence.NewFileStore(filepath.Join(t.TempDir(), "tasks.json"))
	api.store = store
	createTask(t, ts, `{"description":"keep me"}`)

	var resp map[string]any
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/api/snapshot", "", &resp))
	assert.Equal(t, "saved", resp["status"])
	assert.EqualValues(t, 1, resp["tasks"])

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, "keep me", snap.Queued[0].Description)
}

func TestWrongMethodIsRejected(t *testing.T) {
	_, ts := newTestAPI(t)
	assert.Equal(t, http.StatusMethodNotAllowed, call(t, http.MethodGet, ts.URL+"/api/tasks/x/execute", "", nil))
}

func TestRestoreSettlesInterruptedTasks(t *testing.T) {
	store := persistence.NewFileStore(filepath.Join(t.TempDir(), "tasks.json"))
	now := time.Now()
	snap := scheduler.NewSnapshot()
	snap.Queued = []scheduler.Entry{{ID: "waiting", Description: "queued", Priority: model.PriorityHigh, CreatedAt: now}}
	snap.Active["running"] = scheduler.Entry{ID: "running", Description: "was running", Priority: model.PriorityMedium, CreatedAt: now}
	require.NoError(t, store.Save(context.Background(), snap))

	api, _ := newTestAPI(t)
	require.NoError(t, restore(context.Background(), store, api.sched, api.orch))

	stats := api.sched.Statistics()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Active)

	waiting, err := api.orch.GetTaskStatus("waiting")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCreated, waiting.Status)

	running, err := api.orch.GetTaskStatus("running")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, running.Status)
	assert.Equal(t, interruptedReason, running.Error)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(model.NewNotFoundError("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&model.MissingParameterError{Param: "p", Phase: "deployment"}))
	assert.Equal(t, http.StatusConflict, statusFor(model.ErrTaskRunning))
	assert.Equal(t, http.StatusConflict, statusFor(model.ErrInvalidTransition))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&model.CollaboratorError{Collaborator: "git", Err: assert.AnError}))
}

func TestHistoryEndpoint(t *testing.T) {
	api, ts := newTestAPI(t)

	var resp struct {
		Commits []versioncontrol.Commit `json:"commits"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/history", "", &resp))
	assert.Empty(t, resp.Commits)

	hist := &stubHistory{commits: []versioncontrol.Commit{
		{Hash: "bbbb", Message: "[GENERAL] second..."},
		{Hash: "aaaa", Message: "[GENERAL] first...", FilesChanged: 2},
	}}
	api.history = hist
	ts = serveWith(t, api)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/history", "", &resp))
	assert.Equal(t, versioncontrol.DefaultHistoryLimit, hist.limit)
	require.Len(t, resp.Commits, 2)
	assert.Equal(t, 2, resp.Commits[1].FilesChanged)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/api/history?limit=1", "", &resp))
	require.Len(t, resp.Commits, 1)
	assert.Equal(t, "bbbb", resp.Commits[0].Hash)

	var errResp errorResponse
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/api/history?limit=zero", "", &errResp))
}
