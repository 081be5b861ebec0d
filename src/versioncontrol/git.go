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

// Package versioncontrol records each task's workspace changes as a git
// commit with a per-task branch pointing at it.
package versioncontrol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

// ErrGitUnavailable is returned when no git binary is on PATH.
var ErrGitUnavailable = errors.New("git executable not found")

const (
	authorName  = "Task Orchestrator"
	authorEmail = "orchestrator@localhost"
)

type Repository struct {
	dir string
	git string
	now func() time.Time

	// git holds index.lock for the duration of a commit; one at a time.
	mu sync.Mutex
}

// Open prepares dir as a repository, running git init when needed. Any of
// the excluded paths that live inside dir are kept out of task commits.
func Open(ctx context.Context, dir string, excluded ...string) (*Repository, error) {
	bin, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitUnavailable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	r := &Repository{dir: dir, git: bin, now: time.Now}
	if _, err := r.run(ctx, "rev-parse", "--git-dir"); err != nil {
		if _, err := r.run(ctx, "init"); err != nil {
			return nil, fmt.Errorf("initialize repository at %s: %w", dir, err)
		}
		logging.Log("Initialized new repository at "+dir, slog.LevelInfo)
	} else {
		logging.Log("Connected to existing repository at "+dir, slog.LevelInfo)
	}
	if err := r.exclude(ctx, excluded); err != nil {
		return nil, fmt.Errorf("update exclude file: %w", err)
	}
	return r, nil
}

// exclude appends patterns for paths under the work tree to .git/info/exclude.
// A path also covers its siblings with the same prefix (journals, temp files).
func (r *Repository) exclude(ctx context.Context, paths []string) error {
	var patterns []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		rel, err := filepath.Rel(r.absDir(), absPath(p))
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}
		rel = filepath.ToSlash(rel)
		patterns = append(patterns, "/"+rel+"*")
		if d := path.Dir(rel); d == "." {
			patterns = append(patterns, "/.snapshot-*")
		} else {
			patterns = append(patterns, "/"+d+"/.snapshot-*")
		}
	}
	if len(patterns) == 0 {
		return nil
	}

	gitDir, err := r.run(ctx, "rev-parse", "--git-dir")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(r.dir, gitDir)
	}
	file := filepath.Join(gitDir, "info", "exclude")
	existing, err := os.ReadFile(file)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		b.WriteByte('\n')
	}
	added := 0
	for _, pattern := range patterns {
		if have[pattern] {
			continue
		}
		have[pattern] = true
		b.WriteString(pattern + "\n")
		added++
	}
	if added == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	return os.WriteFile(file, []byte(b.String()), 0o644)
}

func (r *Repository) absDir() string {
	return absPath(r.dir)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (r *Repository) Dir() string {
	return r.dir
}

func (r *Repository) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=" + authorName, "-c", "user.email=" + authorEmail}, args...)
	cmd := exec.CommandContext(ctx, r.git, full...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommitTaskChanges stages everything in the repository, commits it with a
// message describing task and points branch task-<id prefix> at the commit.
func (r *Repository) CommitTaskChanges(ctx context.Context, taskID string, task model.Task) (model.Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	branch := BranchName(taskID)
	message := r.commitMessage(taskID, task)

	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, "commit", "--allow-empty", "--no-verify", "-q", "-m", message); err != nil {
		return nil, err
	}
	hash, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, "branch", "-f", branch, hash); err != nil {
		return nil, err
	}
	changed, err := r.run(ctx, "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", hash)
	if err != nil {
		return nil, err
	}

	logging.Log(fmt.Sprintf("Committed task %s changes: %s", taskID, hash), slog.LevelInfo)
	return model.Payload{
		"status":         "success",
		"commit_hash":    hash,
		"commit_message": message,
		"branch":         branch,
		"timestamp":      r.now().Format(time.RFC3339),
		"files_changed":  countLines(changed),
	}, nil
}

// Head returns the current commit hash.
func (r *Repository) Head(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--verify", "-q", "HEAD")
}

const DefaultHistoryLimit = 10

// Commit is one entry of the repository history.
type Commit struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	Date         time.Time `json:"date"`
	FilesChanged int       `json:"files_changed"`
}

// History lists up to limit commits, newest first. A repository without
// commits has an empty history.
func (r *Repository) History(ctx context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Head(ctx); err != nil {
		return []Commit{}, nil
	}
	out, err := r.run(ctx, "log", "-n", strconv.Itoa(limit), "--name-only",
		"--format=%x1e%H%x1f%an <%ae>%x1f%cI%x1f%B%x1f")
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

// parseLog reads records of the form RS hash US author US date US body US files.
func parseLog(out string) ([]Commit, error) {
	commits := []Commit{}
	for _, record := range strings.Split(out, "\x1e") {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.SplitN(record, "\x1f", 5)
		if len(fields) < 5 {
			return nil, fmt.Errorf("git log: malformed record %q", record)
		}
		date, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("git log: commit date: %w", err)
		}
		commits = append(commits, Commit{
			Hash:         strings.TrimSpace(fields[0]),
			Author:       fields[1],
			Date:         date,
			Message:      strings.TrimSpace(fields[3]),
			FilesChanged: countLines(strings.TrimSpace(fields[4])),
		})
	}
	return commits, nil
}

func BranchName(taskID string) string {
	if len(taskID) > 8 {
		taskID = taskID[:8]
	}
	return "task-" + taskID
}

func (r *Repository) commitMessage(taskID string, task model.Task) string {
	taskType := string(task.Type)
	if taskType == "" {
		taskType = string(model.TypeGeneral)
	}
	summary := []rune(task.Description)
	if len(summary) > 50 {
		summary = summary[:50]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s...\n\n", strings.ToUpper(taskType), string(summary))
	fmt.Fprintf(&b, "Task ID: %s\n", taskID)
	fmt.Fprintf(&b, "Description: %s\n", task.Description)
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	if task.Plan != nil {
		fmt.Fprintf(&b, "Steps: %d\n", task.Plan.TotalSteps())
	}
	fmt.Fprintf(&b, "\nCommitted by task orchestrator at %s", r.now().Format(time.RFC3339))
	return b.String()
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
