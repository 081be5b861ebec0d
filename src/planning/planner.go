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

// Package planning turns a task description into an execution plan and
// handles analysis and general tasks. Everything here is keyword driven and
// deterministic for a given clock.
package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

type Planner struct {
	// dataDir bounds the files a data_processing analysis may read.
	dataDir string
	now     func() time.Time
}

// New returns a planner whose CSV analyses read only from dataDir.
func New(dataDir string) *Planner {
	logging.Log("Planning and analysis module initialized", slog.LevelInfo)
	return &Planner{dataDir: dataDir, now: time.Now}
}

// AnalyzeAndPlan builds the plan for task. It never modifies task.
func (p *Planner) AnalyzeAndPlan(ctx context.Context, task model.Task) (*model.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.Log("Analyzing task: "+task.Description, slog.LevelInfo)

	req := ParseRequirements(task.Description)
	analysis := AnalyzeComplexity(task)
	stack := SelectTechnologies(req, task.Type)
	steps := buildSteps(stack)

	plan := &model.Plan{
		Requirements:       req,
		Analysis:           analysis,
		TechStack:          stack,
		Steps:              steps,
		EstimatedTotalTime: totalTime(steps),
		Resources:          estimateResources(analysis.Complexity),
		CreatedAt:          p.now(),
	}
	logging.Log(fmt.Sprintf("Plan created with %d steps", len(steps)), slog.LevelInfo)
	return plan, nil
}

var (
	functionalTags = []struct {
		tag   string
		words []string
	}{
		{"web_interface", []string{"website", "web", "site"}},
		{"backend_api", []string{"api", "backend", "server"}},
		{"data_storage", []string{"database", "data", "storage"}},
		{"responsive_design", []string{"responsive", "mobile"}},
	}
	technicalTags = []struct {
		tag   string
		words []string
	}{
		{"frontend_framework", []string{"react", "vue", "angular"}},
		{"python_backend", []string{"python", "flask", "django"}},
		{"deployment", []string{"deploy", "hosting", "cloud"}},
	}
	constraintTags = []struct {
		tag   string
		words []string
	}{
		{"time_sensitive", []string{"fast", "quick", "urgent"}},
		{"minimal_complexity", []string{"simple", "basic", "minimal"}},
	}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ParseRequirements tags the description with functional, technical and
// constraint requirements by substring match.
func ParseRequirements(description string) model.Requirements {
	lower := strings.ToLower(description)
	req := model.Requirements{
		Functional:  []string{},
		Technical:   []string{},
		Constraints: []string{},
		Keywords:    strings.Fields(lower),
	}
	for _, t := range functionalTags {
		if containsAny(lower, t.words) {
			req.Functional = append(req.Functional, t.tag)
		}
	}
	for _, t := range technicalTags {
		if containsAny(lower, t.words) {
			req.Technical = append(req.Technical, t.tag)
		}
	}
	for _, t := range constraintTags {
		if containsAny(lower, t.words) {
			req.Constraints = append(req.Constraints, t.tag)
		}
	}
	return req
}

var (
	complexityLevels = []struct {
		level      string
		indicators []string
	}{
		{"simple", []string{"basic", "simple", "minimal", "quick"}},
		{"medium", []string{"standard", "typical", "normal"}},
		{"complex", []string{"advanced", "complex", "comprehensive", "full-featured"}},
	}
	featureWords = []string{"authentication", "database", "api", "responsive", "admin", "payment"}
)

// AnalyzeComplexity grades the task. The first matching indicator level
// wins; more than one recognised feature overrides it.
func AnalyzeComplexity(task model.Task) model.TaskAnalysis {
	lower := strings.ToLower(task.Description)

	complexity := "medium"
	for _, c := range complexityLevels {
		if containsAny(lower, c.indicators) {
			complexity = c.level
			break
		}
	}

	features := 0
	for _, f := range featureWords {
		if strings.Contains(lower, f) {
			features++
		}
	}
	switch {
	case features > 3:
		complexity = "complex"
	case features > 1:
		complexity = "medium"
	}

	priority := task.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	return model.TaskAnalysis{
		Complexity:        complexity,
		EstimatedFeatures: features,
		TaskType:          task.Type,
		Priority:          priority,
	}
}

func SelectTechnologies(req model.Requirements, taskType model.TaskType) model.TechStack {
	stack := model.TechStack{
		Frontend:   []string{},
		Backend:    []string{},
		Database:   []string{},
		Deployment: []string{},
		Tools:      []string{},
	}

	if req.Has("web_interface") {
		if req.Has("frontend_framework") {
			stack.Frontend = append(stack.Frontend, "React")
			stack.Tools = append(stack.Tools, "npm", "webpack")
		} else {
			stack.Frontend = append(stack.Frontend, "HTML", "CSS", "JavaScript")
		}
	}
	if req.Has("backend_api") || taskType == model.TypeAppDevelopment {
		stack.Backend = append(stack.Backend, "Flask")
		stack.Tools = append(stack.Tools, "Python")
	}
	if req.Has("data_storage") {
		if req.Has("minimal_complexity") {
			stack.Database = append(stack.Database, "SQLite")
		} else {
			stack.Database = append(stack.Database, "PostgreSQL")
		}
	}
	if req.Has("deployment") {
		stack.Deployment = append(stack.Deployment, "Cloud Platform", "Docker")
	}
	return stack
}

func buildSteps(stack model.TechStack) []model.PlanStep {
	steps := []model.PlanStep{{
		Phase:         "planning",
		Step:          1,
		Title:         "Project Setup",
		Description:   "Initialize project structure and dependencies",
		EstimatedTime: "15 minutes",
		Dependencies:  []int{},
	}}
	next := 2

	if len(stack.Backend) > 0 {
		steps = append(steps, model.PlanStep{
			Phase:         "development",
			Step:          next,
			Title:         "Backend Development",
			Description:   "Implement backend using " + strings.Join(stack.Backend, ", "),
			EstimatedTime: "30-60 minutes",
			Dependencies:  []int{1},
		})
		next++
	}
	if len(stack.Frontend) > 0 {
		steps = append(steps, model.PlanStep{
			Phase:         "development",
			Step:          next,
			Title:         "Frontend Development",
			Description:   "Create frontend using " + strings.Join(stack.Frontend, ", "),
			EstimatedTime: "30-45 minutes",
			Dependencies:  []int{1},
		})
		next++
	}
	if len(stack.Database) > 0 {
		deps := []int{1}
		if len(stack.Backend) > 0 {
			deps = []int{2}
		}
		steps = append(steps, model.PlanStep{
			Phase:         "development",
			Step:          next,
			Title:         "Database Integration",
			Description:   "Set up database using " + strings.Join(stack.Database, ", "),
			EstimatedTime: "15-30 minutes",
			Dependencies:  deps,
		})
		next++
	}

	testDeps := make([]int, 0, next-1)
	for i := 1; i < next; i++ {
		testDeps = append(testDeps, i)
	}
	steps = append(steps, model.PlanStep{
		Phase:         "testing",
		Step:          next,
		Title:         "Testing and Validation",
		Description:   "Test functionality and fix issues",
		EstimatedTime: "15-30 minutes",
		Dependencies:  testDeps,
	})
	next++

	if len(stack.Deployment) > 0 {
		steps = append(steps, model.PlanStep{
			Phase:         "deployment",
			Step:          next,
			Title:         "Deployment",
			Description:   "Deploy using " + strings.Join(stack.Deployment, ", "),
			EstimatedTime: "10-20 minutes",
			Dependencies:  []int{next - 1},
		})
	}
	return steps
}

// stepMinutes reads "15 minutes" as 15 and "30-60 minutes" as the midpoint.
func stepMinutes(estimate string) int {
	fields := strings.Fields(estimate)
	if len(fields) == 0 {
		return 0
	}
	lo, hi, isRange := strings.Cut(fields[0], "-")
	low, err := strconv.Atoi(lo)
	if err != nil {
		return 0
	}
	if !isRange {
		return low
	}
	high, err := strconv.Atoi(hi)
	if err != nil {
		return low
	}
	return (low + high) / 2
}

func totalTime(steps []model.PlanStep) string {
	total := 0
	for _, s := range steps {
		total += stepMinutes(s.EstimatedTime)
	}
	if h := total / 60; h > 0 {
		return fmt.Sprintf("%dh %dm", h, total%60)
	}
	return fmt.Sprintf("%dm", total)
}

func estimateResources(complexity string) model.ResourceEstimate {
	multiplier := 1.5
	switch complexity {
	case "simple":
		multiplier = 1.0
	case "complex":
		multiplier = 2.5
	}
	return model.ResourceEstimate{
		EstimatedMinutes: int(60 * multiplier),
		ComplexityLevel:  complexity,
		RequiredSkills:   []string{"Python", "Web Development", "Git"},
		ToolsNeeded:      []string{"Code Editor", "Browser", "Git", "Python Environment"},
	}
}
