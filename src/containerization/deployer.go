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

// Package containerization deploys generated projects as local docker
// containers and tears them down again.
package containerization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

const (
	ProjectStatic    = "static"
	ProjectReact     = "react"
	ProjectFlask     = "flask"
	ProjectFullStack = "full_stack"
	ProjectGeneric   = "generic"

	// DeploymentInfoFile is written into every deployed project.
	DeploymentInfoFile = ".deployment.json"
)

var ErrDeploymentNotFound = errors.New("deployment not found")

type Options struct {
	Network  string
	BasePort int
	MemoryMB int64
	CPULimit float64
	// Host is used to build deployment URLs.
	Host string
	Now  func() time.Time
}

type Deployment struct {
	ID            string    `json:"deployment_id"`
	ProjectPath   string    `json:"project_path"`
	ProjectType   string    `json:"project_type"`
	Platform      string    `json:"platform"`
	Containers    []string  `json:"containers"`
	URL           string    `json:"url"`
	FilesDeployed int       `json:"files_deployed"`
	DeployedAt    time.Time `json:"deployed_at"`
}

type Deployer struct {
	cli  DockerAPI
	opts Options

	mu          sync.Mutex
	networkID   string
	nextPort    int
	deployments map[string]Deployment
}

func NewDeployer(cli DockerAPI, opts Options) *Deployer {
	if opts.Network == "" {
		opts.Network = "orchestrator_deploy"
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 18080
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.CPULimit <= 0 {
		opts.CPULimit = 0.5
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logging.Log("Deployment module initialized", slog.LevelInfo)
	return &Deployer{
		cli:         cli,
		opts:        opts,
		nextPort:    opts.BasePort,
		deployments: make(map[string]Deployment),
	}
}

// DetectProjectType classifies the project at dir from the files present.
func DetectProjectType(dir string) string {
	fsys := os.DirFS(dir)
	has := func(pattern string) bool {
		matches, err := doublestar.Glob(fsys, pattern)
		return err == nil && len(matches) > 0
	}

	if has("package.json") && has("src") && dependsOnReact(filepath.Join(dir, "package.json")) {
		return ProjectReact
	}
	if has("{app,main}.py") {
		return ProjectFlask
	}
	if has("frontend") && has("backend") {
		return ProjectFullStack
	}
	if has("index.html") {
		return ProjectStatic
	}
	return ProjectGeneric
}

func dependsOnReact(packageJSON string) bool {
	raw, err := os.ReadFile(packageJSON)
	if err != nil {
		return false
	}
	var pkg struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return false
	}
	_, ok := pkg.Dependencies["react"]
	return ok
}

func countFiles(dir string) int {
	n := 0
	_ = doublestar.GlobWalk(os.DirFS(dir), "**", func(string, fs.DirEntry) error {
		n++
		return nil
	}, doublestar.WithFilesOnly())
	return n
}

// service is one container of a deployment before ports are assigned.
type service struct {
	name          string
	image         string
	cmd           []string
	subdir        string
	target        string
	readOnly      bool
	containerPort int
}

func servicesFor(projectType, dir string) (platform string, services []service) {
	static := func(name, subdir string) service {
		return service{name: name, image: "nginx:alpine", subdir: subdir, target: "/usr/share/nginx/html", readOnly: true, containerPort: 80}
	}
	flask := func(name, subdir string) service {
		return service{
			name:          name,
			image:         "python:3.11-slim",
			cmd:           []string{"sh", "-c", "pip install -q -r requirements.txt 2>/dev/null; python app.py"},
			subdir:        subdir,
			target:        "/app",
			readOnly:      true,
			containerPort: 5000,
		}
	}
	react := func(name, subdir string) service {
		return service{
			name:          name,
			image:         "node:20-alpine",
			cmd:           []string{"sh", "-c", "npm install --no-audit --no-fund && npm start"},
			subdir:        subdir,
			target:        "/app",
			containerPort: 3000,
		}
	}

	switch projectType {
	case ProjectStatic:
		return "Static Hosting", []service{static("web", "")}
	case ProjectReact:
		if _, err := os.Stat(filepath.Join(dir, "build", "index.html")); err == nil {
			return "Static Hosting", []service{static("web", "build")}
		}
		return "Node Runtime", []service{react("web", "")}
	case ProjectFlask:
		return "Python Runtime", []service{flask("api", "")}
	case ProjectFullStack:
		return "Container Platform", []service{flask("backend", "backend"), react("frontend", "frontend")}
	default:
		return "Generic Hosting", []service{static("web", "")}
	}
}

// DeployProject starts the project at projectPath in containers and returns
// the deployment descriptor. cfg may override image, port and env.
func (d *Deployer) DeployProject(ctx context.Context, projectPath string, cfg map[string]any) (model.Payload, error) {
	logging.Log("Deploying project from: "+projectPath, slog.LevelInfo)

	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project path does not exist: %s", projectPath)
	}

	projectType := DetectProjectType(abs)
	platform, services := servicesFor(projectType, abs)
	applyOverrides(services, cfg)
	env := envFrom(cfg)

	networkID, err := d.network(ctx)
	if err != nil {
		return nil, &model.CollaboratorError{Collaborator: "docker", Err: err}
	}

	id := ulid.Make().String()
	var started []string
	var url string
	for i, svc := range services {
		pullImage(ctx, d.cli, svc.image)

		hostPort := d.allocatePort()
		containerID, err := startContainer(ctx, d.cli, networkID, d.opts.Network, containerSpec{
			name:          fmt.Sprintf("orchestrator-%s-%s", strings.ToLower(id), svc.name),
			image:         svc.image,
			cmd:           svc.cmd,
			env:           env,
			source:        filepath.Join(abs, svc.subdir),
			target:        svc.target,
			readOnly:      svc.readOnly,
			containerPort: svc.containerPort,
			hostPort:      hostPort,
			deploymentID:  id,
		}, resourceLimits{memoryMB: d.opts.MemoryMB, cpuLimit: d.opts.CPULimit})
		if err != nil {
			_ = removeContainers(context.Background(), d.cli, started)
			return nil, &model.CollaboratorError{Collaborator: "docker", Err: err}
		}
		started = append(started, containerID)
		// The last service is the user-facing one.
		if i == len(services)-1 {
			url = fmt.Sprintf("http://%s:%d", d.opts.Host, hostPort)
		}
	}

	dep := Deployment{
		ID:            id,
		ProjectPath:   abs,
		ProjectType:   projectType,
		Platform:      platform,
		Containers:    started,
		URL:           url,
		FilesDeployed: countFiles(abs),
		DeployedAt:    d.opts.Now(),
	}
	d.mu.Lock()
	d.deployments[id] = dep
	d.mu.Unlock()

	if err := saveDeploymentInfo(abs, dep); err != nil {
		logging.Log(fmt.Sprintf("failed to save deployment info: %v", err), slog.LevelWarn)
	}
	logging.Log("Deployment completed: "+url, slog.LevelInfo)

	return model.Payload{
		"status":         "success",
		"deployment_id":  dep.ID,
		"container_id":   started[0],
		"containers":     append([]string(nil), started...),
		"url":            dep.URL,
		"platform":       dep.Platform,
		"project_type":   dep.ProjectType,
		"files_deployed": dep.FilesDeployed,
		"deployed_at":    dep.DeployedAt.Format(time.RFC3339),
	}, nil
}

func applyOverrides(services []service, cfg map[string]any) {
	if len(services) == 0 || cfg == nil {
		return
	}
	last := &services[len(services)-1]
	if img, ok := cfg["image"].(string); ok && img != "" {
		last.image = img
	}
	switch port := cfg["port"].(type) {
	case float64:
		last.containerPort = int(port)
	case int:
		last.containerPort = port
	}
}

func envFrom(cfg map[string]any) []string {
	vars, _ := cfg["environment_variables"].(map[string]any)
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(env)
	return env
}

func (d *Deployer) network(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.networkID != "" {
		return d.networkID, nil
	}
	id, err := EnsureNetwork(ctx, d.cli, d.opts.Network)
	if err != nil {
		return "", err
	}
	d.networkID = id
	return id, nil
}

func (d *Deployer) allocatePort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.nextPort
	d.nextPort++
	return p
}

func saveDeploymentInfo(projectPath string, dep Deployment) error {
	raw, err := json.MarshalIndent(dep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(projectPath, DeploymentInfoFile), raw, 0o644)
}

// List returns tracked deployments, oldest first.
func (d *Deployer) List() []Deployment {
	d.mu.Lock()
	out := make([]Deployment, 0, len(d.deployments))
	for _, dep := range d.deployments {
		out = append(out, dep)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove stops and deletes the containers of one deployment.
func (d *Deployer) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	dep, ok := d.deployments[id]
	delete(d.deployments, id)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	return removeContainers(ctx, d.cli, dep.Containers)
}

func (d *Deployer) expired(ttl time.Duration) []Deployment {
	cutoff := d.opts.Now().Add(-ttl)
	var out []Deployment
	for _, dep := range d.List() {
		if dep.DeployedAt.Before(cutoff) {
			out = append(out, dep)
		}
	}
	return out
}
