package planning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorchestrator/src/model"
)

func fixedPlanner() *Planner {
	p := New("")
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return p
}

func TestParseRequirements(t *testing.T) {
	req := ParseRequirements("Build a simple React website with a Flask API and deploy it")

	assert.Equal(t, []string{"web_interface", "backend_api"}, req.Functional)
	assert.Equal(t, []string{"frontend_framework", "python_backend", "deployment"}, req.Technical)
	assert.Equal(t, []string{"minimal_complexity"}, req.Constraints)
	assert.Contains(t, req.Keywords, "react")
	assert.True(t, req.Has("backend_api"))
	assert.False(t, req.Has("data_storage"))
}

func TestAnalyzeComplexity(t *testing.T) {
	tests := []struct {
		desc     string
		want     string
		features int
	}{
		{"a basic landing page", "simple", 0},
		{"a standard blog", "medium", 0},
		{"an advanced trading tool", "complex", 0},
		{"a page", "medium", 0},
		{"a simple site with authentication and database", "medium", 2},
		{"authentication, database, api, admin and payment", "complex", 5},
	}
	for _, tt := range tests {
		got := AnalyzeComplexity(model.Task{Description: tt.desc, Type: model.TypeGeneral})
		assert.Equal(t, tt.want, got.Complexity, tt.desc)
		assert.Equal(t, tt.features, got.EstimatedFeatures, tt.desc)
		assert.Equal(t, model.PriorityMedium, got.Priority)
	}
}

func TestSelectTechnologies(t *testing.T) {
	stack := SelectTechnologies(ParseRequirements("simple website with data storage"), model.TypeWebsiteCreation)
	assert.Equal(t, []string{"HTML", "CSS", "JavaScript"}, stack.Frontend)
	assert.Equal(t, []string{"SQLite"}, stack.Database)
	assert.Empty(t, stack.Backend)

	stack = SelectTechnologies(ParseRequirements("inventory tool"), model.TypeAppDevelopment)
	assert.Equal(t, []string{"Flask"}, stack.Backend)
	assert.Equal(t, []string{"Python"}, stack.Tools)
}

func TestAnalyzeAndPlan(t *testing.T) {
	p := fixedPlanner()
	task := model.Task{
		ID:          "t1",
		Description: "Build a React website with a database backend and deploy to the cloud",
		Type:        model.TypeWebsiteCreation,
		Priority:    model.PriorityHigh,
		Metadata:    map[string]any{"k": "v"},
	}
	before := task.Clone()

	plan, err := p.AnalyzeAndPlan(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, before, task, "task must not be modified")

	var titles []string
	for _, s := range plan.Steps {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{
		"Project Setup", "Backend Development", "Frontend Development",
		"Database Integration", "Testing and Validation", "Deployment",
	}, titles)
	assert.Equal(t, []int{2}, plan.Steps[3].Dependencies)
	assert.Equal(t, []int{1, 2, 3, 4}, plan.Steps[4].Dependencies)
	assert.Equal(t, []int{5}, plan.Steps[5].Dependencies)

	// 15 + 45 + 37 + 22 + 22 + 15
	assert.Equal(t, "2h 36m", plan.EstimatedTotalTime)
	assert.Equal(t, model.PriorityHigh, plan.Analysis.Priority)
	assert.Equal(t, 6, plan.TotalSteps())
	assert.Equal(t, 90, plan.Resources.EstimatedMinutes)
}

func TestAnalyzeAndPlanHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fixedPlanner().AnalyzeAndPlan(ctx, model.Task{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepMinutes(t *testing.T) {
	assert.Equal(t, 15, stepMinutes("15 minutes"))
	assert.Equal(t, 45, stepMinutes("30-60 minutes"))
	assert.Equal(t, 0, stepMinutes("soon"))
	assert.Equal(t, "45m", totalTime([]model.PlanStep{{EstimatedTime: "30-60 minutes"}}))
}

func TestExecuteGeneralTask(t *testing.T) {
	p := fixedPlanner()
	ctx := context.Background()

	res, err := p.ExecuteGeneralTask(ctx, model.Task{Description: "Research competitors"})
	require.NoError(t, err)
	assert.Equal(t, "web_research", res["research_type"])

	res, err = p.ExecuteGeneralTask(ctx, model.Task{ID: "x", Description: "Plan the offsite"})
	require.NoError(t, err)
	assert.Equal(t, "planning", res["document_type"])
	assert.Equal(t, "x", res["task_id"])

	res, err = p.ExecuteGeneralTask(ctx, model.Task{Description: "Say hello"})
	require.NoError(t, err)
	assert.Equal(t, "processed", res["status"])
	assert.Equal(t, "2026-01-02T03:04:05Z", res["timestamp"])
}

func TestPerformAnalysis(t *testing.T) {
	p := fixedPlanner()
	ctx := context.Background()

	res, err := p.PerformAnalysis(ctx, model.Task{Description: "look around"})
	require.NoError(t, err)
	assert.Equal(t, "general", res["analysis_type"])

	res, err = p.PerformAnalysis(ctx, model.Task{
		Description: "golang schedulers",
		Metadata:    map[string]any{"analysis_type": "web_research"},
	})
	require.NoError(t, err)
	assert.Equal(t, "golang schedulers", res["query"])
}

func plannerIn(t *testing.T) (*Planner, string) {
	t.Helper()
	dir := t.TempDir()
	p := fixedPlanner()
	p.dataDir = dir
	return p, dir
}

func TestPerformAnalysisProfilesCSV(t *testing.T) {
	p, dir := plannerIn(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	path := filepath.Join(dir, "data", "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("region,amount\nnorth,10\nsouth,\neast,7\n"), 0o644))

	res, err := p.PerformAnalysis(context.Background(), model.Task{
		Metadata: map[string]any{"analysis_type": "data_processing", "data_source": "data/sales.csv"},
	})
	require.NoError(t, err)

	results := res["results"].(map[string]any)
	assert.Equal(t, 3, results["rows"])
	assert.Equal(t, []string{"region", "amount"}, results["columns"])
	assert.Equal(t, []string{"column amount has 1 empty values"}, results["insights"])
}

func TestPerformAnalysisMissingFile(t *testing.T) {
	p, _ := plannerIn(t)
	_, err := p.PerformAnalysis(context.Background(), model.Task{
		Metadata: map[string]any{"analysis_type": "data_processing", "data_source": "missing.csv"},
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPerformAnalysisConfinesDataSource(t *testing.T) {
	p, dir := plannerIn(t)
	outside := filepath.Join(filepath.Dir(dir), "secret.csv")
	require.NoError(t, os.WriteFile(outside, []byte("token\nabc\n"), 0o600))
	t.Cleanup(func() { os.Remove(outside) })
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.csv")))

	tests := []struct {
		name   string
		source string
	}{
		{"absolute path", "/etc/passwd"},
		{"parent escape", "../secret.csv"},
		{"nested escape", "data/../../secret.csv"},
		{"symlink out of root", "link.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.PerformAnalysis(context.Background(), model.Task{
				Metadata: map[string]any{"analysis_type": "data_processing", "data_source": tt.source},
			})
			require.Error(t, err)
			assert.Nil(t, res)
		})
	}

	_, err := fixedPlanner().PerformAnalysis(context.Background(), model.Task{
		Metadata: map[string]any{"analysis_type": "data_processing", "data_source": "sales.csv"},
	})
	assert.ErrorIs(t, err, ErrDataSourceOutsideRoot)
}
