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

package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"taskorchestrator/src/model"
)

// Entry is the scheduler's lightweight copy of a task. It carries only what
// ordering and promotion need, plus the outcome once the task leaves the
// active bucket.
type Entry struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        model.TaskType `json:"type"`
	Priority    model.Priority `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Result      model.Payload  `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// EntryFromTask builds the scheduling copy of t.
func EntryFromTask(t model.Task) Entry {
	e := Entry{
		ID:          t.ID,
		Description: t.Description,
		Type:        t.Type,
		Priority:    t.Priority,
		CreatedAt:   t.CreatedAt,
		Metadata:    model.CloneMap(t.Metadata),
	}
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		e.ScheduledAt = &at
	}
	return e
}

func (e Entry) clone() Entry {
	c := e
	c.Metadata = model.CloneMap(e.Metadata)
	if e.Result != nil {
		c.Result = model.Payload(model.CloneMap(e.Result))
	}
	if e.ScheduledAt != nil {
		at := *e.ScheduledAt
		c.ScheduledAt = &at
	}
	if e.FinishedAt != nil {
		at := *e.FinishedAt
		c.FinishedAt = &at
	}
	return c
}

// Bucket names used in snapshots.
const (
	BucketScheduled = "scheduled"
	BucketQueued    = "queued"
	BucketActive    = "active"
	BucketCompleted = "completed"
	BucketFailed    = "failed"
)

// Snapshot is the export/import format of all scheduler buckets.
// Queued keeps ready-queue order; the other buckets are keyed by id.
type Snapshot struct {
	Scheduled  map[string]Entry `json:"scheduled_tasks"`
	Queued     []Entry          `json:"queued_tasks"`
	Active     map[string]Entry `json:"active_tasks"`
	Completed  map[string]Entry `json:"completed_tasks"`
	Failed     map[string]Entry `json:"failed_tasks"`
	ExportedAt time.Time        `json:"export_timestamp"`
}

// NewSnapshot returns a snapshot with every bucket empty.
func NewSnapshot() Snapshot {
	return Snapshot{
		Scheduled: make(map[string]Entry),
		Queued:    []Entry{},
		Active:    make(map[string]Entry),
		Completed: make(map[string]Entry),
		Failed:    make(map[string]Entry),
	}
}

// Len is the number of entries across every bucket.
func (s Snapshot) Len() int {
	return len(s.Scheduled) + len(s.Queued) + len(s.Active) + len(s.Completed) + len(s.Failed)
}

// WriteJSON encodes s as indented JSON.
func (s Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteJSON.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	snap := NewSnapshot()
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// SettleActive moves every active entry to the failed bucket with reason as
// its error. Used when restoring a snapshot taken while tasks were running,
// since the runs themselves are not recoverable.
func (s Snapshot) SettleActive(reason string, at time.Time) Snapshot {
	if len(s.Active) == 0 {
		return s
	}
	if s.Failed == nil {
		s.Failed = make(map[string]Entry)
	}
	for id, e := range s.Active {
		e.Error = reason
		finished := at
		e.FinishedAt = &finished
		s.Failed[id] = e
	}
	s.Active = make(map[string]Entry)
	return s
}
