package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskorchestrator/src/model"
	"taskorchestrator/src/scheduler"
)

type fakePlanner struct {
	orch     *Orchestrator
	seen     []model.TaskStatus
	planErr  error
	block    chan struct{}
	analysis model.Payload
}

func (p *fakePlanner) observe(id string) {
	if p.orch == nil {
		return
	}
	if t, err := p.orch.GetTaskStatus(id); err == nil {
		p.seen = append(p.seen, t.Status)
	}
}

func (p *fakePlanner) AnalyzeAndPlan(_ context.Context, task model.Task) (*model.Plan, error) {
	p.observe(task.ID)
	if p.block != nil {
		<-p.block
	}
	if p.planErr != nil {
		return nil, p.planErr
	}
	return &model.Plan{Steps: []model.PlanStep{{Phase: "setup", Step: 1, Title: "Project Setup"}}}, nil
}

func (p *fakePlanner) PerformAnalysis(_ context.Context, task model.Task) (model.Payload, error) {
	p.observe(task.ID)
	if p.analysis != nil {
		return p.analysis, nil
	}
	return model.Payload{"analysis_type": "general"}, nil
}

func (p *fakePlanner) ExecuteGeneralTask(_ context.Context, task model.Task) (model.Payload, error) {
	p.observe(task.ID)
	return model.Payload{"status": "completed", "type": "general"}, nil
}

type fakeDeveloper struct {
	err error
}

func (d *fakeDeveloper) CreateProject(_ context.Context, task model.Task) (model.Payload, error) {
	if d.err != nil {
		return nil, d.err
	}
	return model.Payload{"status": "created", model.ProjectPathKey: "/tmp/" + task.ID}, nil
}

type fakeDeployer struct {
	mu    sync.Mutex
	paths []string
	cfgs  []map[string]any
}

func (d *fakeDeployer) DeployProject(_ context.Context, path string, cfg map[string]any) (model.Payload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
	d.cfgs = append(d.cfgs, cfg)
	return model.Payload{"status": "deployed", "url": "http://localhost:18080"}, nil
}

type fakeVCS struct {
	mu      sync.Mutex
	err     error
	commits int
}

func (v *fakeVCS) CommitTaskChanges(_ context.Context, id string, _ model.Task) (model.Payload, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	v.commits++
	return model.Payload{"status": "committed", "branch": "task-" + id[:8]}, nil
}

type harness struct {
	orch     *Orchestrator
	queue    *scheduler.Scheduler
	planner  *fakePlanner
	dev      *fakeDeveloper
	deployer *fakeDeployer
	vcs      *fakeVCS
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:    scheduler.New(scheduler.Options{}),
		planner:  &fakePlanner{},
		dev:      &fakeDeveloper{},
		deployer: &fakeDeployer{},
		vcs:      &fakeVCS{},
	}
	orch, err := New(Options{
		Queue:          h.queue,
		Planner:        h.planner,
		Developer:      h.dev,
		Deployer:       h.deployer,
		VersionControl: h.vcs,
	})
	require.NoError(t, err)
	h.orch = orch
	h.planner.orch = orch
	return h
}

func logMessages(t *model.Task) []string {
	out := make([]string, 0, len(t.Logs))
	for _, l := range t.Logs {
		out = append(out, l.Message)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner")
}

func TestContactPageEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{
		Description: "Build a contact page",
		Type:        model.TypeWebsiteCreation,
		Priority:    model.PriorityHigh,
	})
	require.NoError(t, err)

	task, err := h.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCreated, task.Status)
	assert.Equal(t, 1, h.queue.Statistics().Queued)

	result, err := h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/"+id, result[model.ProjectPathKey])
	assert.NotNil(t, result["commit"])

	assert.Equal(t, []model.TaskStatus{model.TaskPlanning}, h.planner.seen)

	task, err = h.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.NotNil(t, task.Result)
	assert.Empty(t, task.Error)
	require.NotNil(t, task.Plan)
	assert.Equal(t, 1, task.Plan.TotalSteps())
	assert.False(t, task.UpdatedAt.Before(task.CreatedAt))

	msgs := logMessages(&task)
	assert.Contains(t, msgs, "Starting planning and analysis phase")
	assert.Contains(t, msgs, "Starting development phase")
	assert.Contains(t, msgs, "Committing changes to version control")

	list := h.orch.ListTasks()
	require.Len(t, list, 1)
	assert.Equal(t, model.TaskCompleted, list[0].Status)
	assert.Empty(t, h.deployer.paths, "deploy not requested")
}

func TestExecuteRecordsProgressOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newHarness(t)
	id, err := h.orch.CreateTask(context.Background(), CreateRequest{Description: "Build a contact page", Type: model.TypeWebsiteCreation})
	require.NoError(t, err)
	_, err = h.orch.ExecuteTask(context.Background(), id)
	require.NoError(t, err)

	var progress []float64
	for _, span := range recorder.Ended() {
		if span.Name() != "phase.execution" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == attribute.Key("task.progress") {
				progress = append(progress, kv.Value.AsFloat64())
			}
		}
	}
	assert.Equal(t, []float64{100}, progress)
}

func TestExecuteObservesInProgressDuringHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "crunch numbers", Type: model.TypeDataAnalysis})
	require.NoError(t, err)
	_, err = h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, []model.TaskStatus{model.TaskPlanning, model.TaskInProgress}, h.planner.seen)
}

func TestDevelopmentWithDeploy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{
		Description: "Build a react dashboard",
		Type:        model.TypeAppDevelopment,
		Metadata: map[string]any{
			"deploy":        true,
			"deploy_config": map[string]any{"port": 3000.0},
		},
	})
	require.NoError(t, err)

	result, err := h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)

	require.Equal(t, []string{"/tmp/" + id}, h.deployer.paths)
	assert.Equal(t, 3000.0, h.deployer.cfgs[0]["port"])
	deployment, ok := result["deployment"].(model.Payload)
	require.True(t, ok)
	assert.Equal(t, "deployed", deployment["status"])
}

func TestDeploymentRequiresProjectPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "ship it", Type: model.TypeDeployment})
	require.NoError(t, err)

	_, err = h.orch.ExecuteTask(ctx, id)
	require.Error(t, err)
	assert.True(t, model.IsMissingParameter(err))

	task, err := h.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, "Project path required for deployment task", task.Error)
	assert.Nil(t, task.Result)
	assert.Equal(t, 0, h.vcs.commits, "commit is skipped on failure")

	msgs := logMessages(&task)
	assert.Equal(t, "Task failed: Project path required for deployment task", msgs[len(msgs)-1])
}

func TestDeploymentWithProjectPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{
		Description: "ship it",
		Type:        model.TypeDeployment,
		Metadata:    map[string]any{model.ProjectPathKey: "/srv/site"},
	})
	require.NoError(t, err)

	result, err := h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "deployed", result["status"])
	assert.Equal(t, []string{"/srv/site"}, h.deployer.paths)
}

func TestDeploymentWithoutDeployer(t *testing.T) {
	orch, err := New(Options{
		Queue:          scheduler.New(scheduler.Options{}),
		Planner:        &fakePlanner{},
		Developer:      &fakeDeveloper{},
		VersionControl: &fakeVCS{},
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := orch.CreateTask(ctx, CreateRequest{
		Type:     model.TypeDeployment,
		Metadata: map[string]any{model.ProjectPathKey: "/srv/site"},
	})
	require.NoError(t, err)

	_, err = orch.ExecuteTask(ctx, id)
	require.ErrorIs(t, err, errDeployerUnavailable)
}

func TestCustomTypeFallsBackToGeneral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "train a model", Type: model.TaskType("ml_training")})
	require.NoError(t, err)

	result, err := h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "general", result["type"])

	task, _ := h.orch.GetTaskStatus(id)
	assert.Contains(t, logMessages(&task), "Processing general task")
}

func TestCollaboratorFailureMarksTaskFailed(t *testing.T) {
	h := newHarness(t)
	h.vcs.err = errors.New("repository locked")
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "plan a launch", Type: model.TypePlanning})
	require.NoError(t, err)

	_, err = h.orch.ExecuteTask(ctx, id)
	require.Error(t, err)
	var collab *model.CollaboratorError
	require.ErrorAs(t, err, &collab)
	assert.Equal(t, "version control", collab.Collaborator)

	task, _ := h.orch.GetTaskStatus(id)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, "version control: repository locked", task.Error)
	assert.Nil(t, task.Result)
}

func TestReexecuteResetsOutcome(t *testing.T) {
	h := newHarness(t)
	h.dev.err = errors.New("disk full")
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "site", Type: model.TypeWebsiteCreation})
	require.NoError(t, err)
	_, err = h.orch.ExecuteTask(ctx, id)
	require.Error(t, err)

	h.dev.err = nil
	_, err = h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)

	task, _ := h.orch.GetTaskStatus(id)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Empty(t, task.Error)
	assert.NotNil(t, task.Result)
	assert.Equal(t, 100, task.Progress)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.ExecuteTask(ctx, "nope")
	assert.True(t, model.IsNotFound(err))
	_, err = h.orch.GetTaskStatus("nope")
	assert.True(t, model.IsNotFound(err))
	_, err = h.orch.GetTaskLogs("nope")
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsNotFound(h.orch.CancelTask(ctx, "nope")))
	assert.Empty(t, h.orch.ListTasks())
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "later", ScheduledAt: &later})
	require.NoError(t, err)
	assert.Equal(t, 1, h.queue.Statistics().Scheduled)

	require.NoError(t, h.orch.CancelTask(ctx, id))
	assert.Equal(t, 0, h.queue.Statistics().Scheduled)

	task, _ := h.orch.GetTaskStatus(id)
	assert.Equal(t, model.TaskCancelled, task.Status)

	_, err = h.orch.ExecuteTask(ctx, id)
	assert.ErrorIs(t, err, model.ErrTaskCancelled)
	assert.ErrorIs(t, h.orch.CancelTask(ctx, id), model.ErrInvalidTransition)
}

func TestCancelAfterCompletionIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "quick"})
	require.NoError(t, err)
	_, err = h.orch.ExecuteTask(ctx, id)
	require.NoError(t, err)

	assert.ErrorIs(t, h.orch.CancelTask(ctx, id), model.ErrInvalidTransition)
}

func TestConcurrentExecutionIsSerialised(t *testing.T) {
	h := newHarness(t)
	h.planner.orch = nil
	h.planner.block = make(chan struct{})
	ctx := context.Background()

	id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "slow"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteTask(ctx, id)
		done <- err
	}()

	require.Eventually(t, func() bool {
		task, _ := h.orch.GetTaskStatus(id)
		return task.Status == model.TaskPlanning
	}, time.Second, 5*time.Millisecond)

	_, err = h.orch.ExecuteTask(ctx, id)
	assert.ErrorIs(t, err, model.ErrTaskRunning)
	assert.ErrorIs(t, h.orch.CancelTask(ctx, id), model.ErrTaskRunning)

	close(h.planner.block)
	require.NoError(t, <-done)
}

func TestDifferentTasksExecuteConcurrently(t *testing.T) {
	h := newHarness(t)
	h.planner.orch = nil
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := h.orch.CreateTask(ctx, CreateRequest{Description: "parallel", Type: model.TypeDataAnalysis})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.orch.ExecuteTask(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 8, h.orch.Stats()[model.TaskCompleted])
}

func TestCreateTaskDefaultsAndCopies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	meta := map[string]any{"owner": "ops"}
	id, err := h.orch.CreateTask(ctx, CreateRequest{Metadata: meta})
	require.NoError(t, err)
	meta["owner"] = "changed"

	task, err := h.orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.TypeGeneral, task.Type)
	assert.Equal(t, model.PriorityMedium, task.Priority)
	assert.Equal(t, "ops", task.Metadata["owner"])
	assert.Empty(t, task.Description)

	task.Metadata["owner"] = "mutated"
	again, _ := h.orch.GetTaskStatus(id)
	assert.Equal(t, "ops", again.Metadata["owner"])
}

func TestAdoptRestoresRegistry(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	snap := scheduler.Snapshot{
		Queued: []scheduler.Entry{{ID: "q", Description: "queued", Priority: model.PriorityLow, CreatedAt: now}},
		Completed: map[string]scheduler.Entry{
			"c": {ID: "c", Description: "done", CreatedAt: now.Add(-time.Minute), Result: model.Payload{"ok": true}},
		},
		Failed: map[string]scheduler.Entry{
			"f": {ID: "f", Description: "broken", CreatedAt: now.Add(-2 * time.Minute), Error: "boom"},
		},
		Active: map[string]scheduler.Entry{
			"a": {ID: "a", Description: "running", CreatedAt: now.Add(-3 * time.Minute)},
		},
	}
	assert.Equal(t, 4, h.orch.Adopt(snap))
	assert.Equal(t, 0, h.orch.Adopt(snap), "ids already known are skipped")

	list := h.orch.ListTasks()
	require.Len(t, list, 4)
	assert.Equal(t, []string{"a", "f", "c", "q"}, []string{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

	c, _ := h.orch.GetTaskStatus("c")
	assert.Equal(t, model.TaskCompleted, c.Status)
	assert.Equal(t, 100, c.Progress)
	a, _ := h.orch.GetTaskStatus("a")
	assert.Equal(t, model.TaskFailed, a.Status)
	assert.NotEmpty(t, a.Error)
	q, _ := h.orch.GetTaskStatus("q")
	assert.Equal(t, model.TaskCreated, q.Status)
}
