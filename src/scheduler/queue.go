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

import "time"

// item is the scheduler's handle on one entry. seq is the insertion order
// and breaks ties between equal priorities.
type item struct {
	entry    Entry
	seq      uint64
	index    int // position in readyQueue, -1 when not queued
	dueIndex int // position in dueQueue, -1 when not scheduled
}

func (it *item) rank() int {
	return it.entry.Priority.Rank()
}

// readyQueue orders by (priority rank, seq). Implements heap.Interface.
type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if ri, rj := q[i].rank(), q[j].rank(); ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// dueQueue orders scheduled items by due time, then seq.
type dueQueue []*item

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	ai, aj := q[i].dueAt(), q[j].dueAt()
	if !ai.Equal(aj) {
		return ai.Before(aj)
	}
	return q[i].seq < q[j].seq
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].dueIndex = i
	q[j].dueIndex = j
}

func (q *dueQueue) Push(x any) {
	it := x.(*item)
	it.dueIndex = len(*q)
	*q = append(*q, it)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.dueIndex = -1
	*q = old[:n-1]
	return it
}

func (q dueQueue) peek() *item {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (it *item) dueAt() time.Time {
	if it.entry.ScheduledAt == nil {
		return time.Time{}
	}
	return *it.entry.ScheduledAt
}
