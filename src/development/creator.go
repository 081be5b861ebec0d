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

// Package development generates project skeletons for website and
// application tasks from embedded templates.
package development

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

//go:embed all:templates
var templateFS embed.FS

const (
	KindReactWebsite  = "react_website"
	KindStaticWebsite = "static_website"
	KindFlaskAPI      = "flask_api"
	KindFullStackApp  = "full_stack_app"
)

type Creator struct {
	workspace string
	now       func() time.Time
}

// New returns a Creator that places projects under workspace/tasks/<id>.
func New(workspace string) *Creator {
	logging.Log("Development and creation module initialized", slog.LevelInfo)
	return &Creator{workspace: workspace, now: time.Now}
}

type templateData struct {
	ID          string
	ShortID     string
	Title       string
	Description string
	Kind        string
	Created     string
	Date        string
}

// ProjectKind picks the skeleton for task. Framework mentions win over the
// declared type.
func ProjectKind(task model.Task) string {
	desc := strings.ToLower(task.Description)
	switch {
	case strings.Contains(desc, "react"):
		return KindReactWebsite
	case strings.Contains(desc, "api"), strings.Contains(desc, "backend"):
		return KindFlaskAPI
	case task.Type == model.TypeWebsiteCreation:
		if strings.Contains(desc, "dynamic") || strings.Contains(desc, "interactive") {
			return KindReactWebsite
		}
		return KindStaticWebsite
	case task.Type == model.TypeAppDevelopment:
		if strings.Contains(desc, "full") || strings.Contains(desc, "stack") {
			return KindFullStackApp
		}
		return KindFlaskAPI
	}
	return KindStaticWebsite
}

// CreateProject renders the project for task and describes what was written.
func (c *Creator) CreateProject(ctx context.Context, task model.Task) (model.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.Log("Creating project for task: "+task.ID, slog.LevelInfo)

	projectPath, err := c.projectDir(task.ID)
	if err != nil {
		return nil, err
	}

	kind := ProjectKind(task)
	data := c.data(task, kind)

	var result model.Payload
	switch kind {
	case KindFullStackApp:
		result, err = c.fullStack(projectPath, data)
	default:
		if err = render(kind, projectPath, data); err == nil {
			result = describe(kind)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s project: %w", kind, err)
	}
	if err := render("common", projectPath, data); err != nil {
		return nil, fmt.Errorf("add common files: %w", err)
	}

	files, err := ListFiles(projectPath)
	if err != nil {
		return nil, err
	}
	result["status"] = "success"
	result[model.ProjectPathKey] = projectPath
	result["project_type"] = kind
	result["files"] = files
	result["created_at"] = data.Created

	logging.Log("Project created at: "+projectPath, slog.LevelInfo)
	return result, nil
}

func (c *Creator) projectDir(id string) (string, error) {
	base, err := filepath.Abs(filepath.Join(c.workspace, "tasks", id))
	if err != nil {
		return "", err
	}
	project := filepath.Join(base, "project")
	for _, dir := range []string{project, filepath.Join(base, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create project directory: %w", err)
		}
	}
	return project, nil
}

func (c *Creator) data(task model.Task, kind string) templateData {
	now := c.now()
	title, ok := task.MetadataString("title")
	if !ok {
		title = "Task Orchestrator Project"
	}
	short := task.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return templateData{
		ID:          task.ID,
		ShortID:     short,
		Title:       title,
		Description: task.Description,
		Kind:        kind,
		Created:     now.Format(time.RFC3339),
		Date:        now.Format("2006-01-02"),
	}
}

func (c *Creator) fullStack(projectPath string, data templateData) (model.Payload, error) {
	if err := render(KindFlaskAPI, filepath.Join(projectPath, "backend"), data); err != nil {
		return nil, err
	}
	if err := render(KindReactWebsite, filepath.Join(projectPath, "frontend"), data); err != nil {
		return nil, err
	}
	if err := render(KindFullStackApp, projectPath, data); err != nil {
		return nil, err
	}
	result := describe(KindFullStackApp)
	result["backend"] = describe(KindFlaskAPI)
	result["frontend"] = describe(KindReactWebsite)
	return result, nil
}

func describe(kind string) model.Payload {
	switch kind {
	case KindReactWebsite:
		return model.Payload{
			"framework":     "React",
			"features":      []string{"Responsive Design", "Modern UI", "Component-based"},
			"entry_point":   "src/App.js",
			"build_command": "npm run build",
			"dev_command":   "npm start",
		}
	case KindFlaskAPI:
		return model.Payload{
			"framework":     "Flask",
			"features":      []string{"REST API", "CORS Enabled", "JSON Responses"},
			"entry_point":   "app.py",
			"run_command":   "python app.py",
			"api_endpoints": []string{"/", "/api/health", "/api/data"},
		}
	case KindFullStackApp:
		return model.Payload{
			"framework": "Full Stack (React + Flask)",
			"features":  []string{"React Frontend", "Flask Backend", "API Integration", "Docker Support"},
			"structure": map[string]any{
				"backend":  "backend/",
				"frontend": "frontend/",
				"docker":   "docker-compose.yml",
			},
		}
	default:
		return model.Payload{
			"framework":   "Static HTML/CSS/JS",
			"features":    []string{"Responsive Design", "Cross-browser Compatible"},
			"entry_point": "index.html",
		}
	}
}

// render executes every template under templates/<set> into dst, keeping
// relative paths and dropping the .tmpl suffix.
func render(set, dst string, data templateData) error {
	root := path.Join("templates", set)
	return fs.WalkDir(templateFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		raw, err := templateFS.ReadFile(p)
		if err != nil {
			return err
		}
		tmpl, err := template.New(path.Base(p)).Parse(string(raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}

		rel := strings.TrimSuffix(strings.TrimPrefix(p, root+"/"), ".tmpl")
		out := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := tmpl.Execute(f, data); err != nil {
			f.Close()
			return fmt.Errorf("render %s: %w", rel, err)
		}
		return f.Close()
	})
}

// ListFiles returns every regular file below dir as sorted slash paths.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := doublestar.GlobWalk(os.DirFS(dir), "**", func(p string, d fs.DirEntry) error {
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
