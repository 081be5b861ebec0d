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

package model

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is expected from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type TaskType string

const (
	TypeWebsiteCreation TaskType = "website_creation"
	TypeAppDevelopment  TaskType = "app_development"
	TypeDataAnalysis    TaskType = "data_analysis"
	TypePlanning        TaskType = "planning"
	TypeDeployment      TaskType = "deployment"
	TypeGeneral         TaskType = "general"
)

var knownTypes = map[TaskType]bool{
	TypeWebsiteCreation: true,
	TypeAppDevelopment:  true,
	TypeDataAnalysis:    true,
	TypePlanning:        true,
	TypeDeployment:      true,
	TypeGeneral:         true,
}

// ParseTaskType normalises s into a TaskType. Empty input is general.
// Unrecognised values are kept verbatim and reported with ok=false; the
// orchestrator routes them to the general handler.
func ParseTaskType(s string) (t TaskType, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeGeneral, true
	}
	t = TaskType(s)
	return t, knownTypes[t]
}

// Known reports whether t is one of the declared task types.
func (t TaskType) Known() bool {
	return knownTypes[t]
}

// IsDevelopment is true for types handled by the project generator.
func (t TaskType) IsDevelopment() bool {
	return t == TypeWebsiteCreation || t == TypeAppDevelopment
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank maps the priority onto the ready-queue ordering: smaller is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority accepts low, medium or high (case-insensitive). Empty is medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q: want low, medium or high", s)
	}
}

// Payload is a type-dependent result document.
type Payload map[string]any

// ProjectPathKey is the payload/metadata key carrying a generated project's location.
const ProjectPathKey = "project_path"

type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format(time.RFC3339), e.Message)
}

type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        TaskType       `json:"type"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	Logs        []LogEntry     `json:"logs"`
	Progress    int            `json:"progress"`
	Plan        *Plan          `json:"plan,omitempty"`
	Result      Payload        `json:"result"`
	Error       string         `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	c := t
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		c.ScheduledAt = &at
	}
	c.Metadata = CloneMap(t.Metadata)
	c.Logs = append([]LogEntry(nil), t.Logs...)
	if t.Result != nil {
		c.Result = Payload(CloneMap(t.Result))
	}
	return c
}

// MetadataString returns metadata[key] when it is a non-empty string.
func (t Task) MetadataString(key string) (string, bool) {
	s, ok := t.Metadata[key].(string)
	return s, ok && s != ""
}

// MetadataBool treats true, "true", "1" and "yes" as set.
func (t Task) MetadataBool(key string) bool {
	switch v := t.Metadata[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// CloneMap copies m one level deep, recursing into nested maps.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = CloneMap(nested)
		case Payload:
			out[k] = Payload(CloneMap(nested))
		default:
			out[k] = v
		}
	}
	return out
}
