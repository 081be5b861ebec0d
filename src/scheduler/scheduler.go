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

// Package scheduler holds tasks that have not finished yet and hands them
// out in priority order. Tasks with a future due time wait in a scheduled
// bucket until the promotion loop moves them onto the ready queue.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

const (
	DefaultPromotionInterval = 10 * time.Second
	DefaultErrorBackoff      = 60 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second

	// readyPollInterval bounds how long NextContext sleeps between checks
	// when it misses a ready signal.
	readyPollInterval = time.Second
)

type Options struct {
	// PromotionInterval is the longest the loop sleeps between scans.
	PromotionInterval time.Duration
	// ErrorBackoff is the pause after a scan fails.
	ErrorBackoff time.Duration
	// ShutdownTimeout bounds how long Shutdown waits for the loop.
	ShutdownTimeout time.Duration
	Metrics         *logging.TaskMetrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time count of every bucket. It is advisory only.
type Stats struct {
	Queued    int `json:"queued"`
	Scheduled int `json:"scheduled"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	mu        sync.Mutex
	ready     readyQueue
	due       dueQueue
	queued    map[string]*item
	scheduled map[string]*item
	active    map[string]*item
	completed map[string]*item
	failed    map[string]*item
	seq       uint64

	opts    Options
	wake    chan struct{}
	readyCh chan struct{}
	stop    chan struct{}
	done    chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	// scanHook runs at the start of every scan; tests use it to inject faults.
	scanHook func()
}

func New(opts Options) *Scheduler {
	if opts.PromotionInterval <= 0 {
		opts.PromotionInterval = DefaultPromotionInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		queued:    make(map[string]*item),
		scheduled: make(map[string]*item),
		active:    make(map[string]*item),
		completed: make(map[string]*item),
		failed:    make(map[string]*item),
		opts:      opts,
		wake:      make(chan struct{}, 1),
		readyCh:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Add stores e and returns its id. An entry due in the future goes to the
// scheduled bucket; anything else joins the ready queue. A waiting entry
// with the same id is replaced. Ids that are active or finished are refused
// and Add returns "".
func (s *Scheduler) Add(e Entry) string {
	e = e.clone()
	now := s.opts.Now()

	s.mu.Lock()
	if s.holdsLocked(e.ID) && !s.dropWaitingLocked(e.ID) {
		s.mu.Unlock()
		logging.Log(fmt.Sprintf("Refusing to add task %s: already active or finished", e.ID), slog.LevelWarn)
		return ""
	}
	s.seq++
	it := &item{entry: e, seq: s.seq, index: -1, dueIndex: -1}
	if e.ScheduledAt != nil && e.ScheduledAt.After(now) {
		s.scheduled[e.ID] = it
		heap.Push(&s.due, it)
		s.mu.Unlock()

		logging.Log(fmt.Sprintf("Scheduled task %s for %s", e.ID, e.ScheduledAt.Format(time.RFC3339)), slog.LevelInfo)
		signal(s.wake)
		return e.ID
	}
	it.entry.ScheduledAt = nil
	s.pushReadyLocked(it)
	s.mu.Unlock()

	logging.Log(fmt.Sprintf("Added task %s to queue with priority %s", e.ID, e.Priority), slog.LevelInfo)
	return e.ID
}

// dropWaitingLocked removes id from the scheduled or queued bucket and its
// heap. It reports false when id is not waiting.
func (s *Scheduler) dropWaitingLocked(id string) bool {
	if it, ok := s.scheduled[id]; ok {
		delete(s.scheduled, id)
		heap.Remove(&s.due, it.dueIndex)
		return true
	}
	if it, ok := s.queued[id]; ok {
		delete(s.queued, id)
		heap.Remove(&s.ready, it.index)
		return true
	}
	return false
}

func (s *Scheduler) pushReadyLocked(it *item) {
	s.queued[it.entry.ID] = it
	heap.Push(&s.ready, it)
	signal(s.readyCh)
}

// Next removes the highest-priority ready entry and marks it active.
// It returns false when the ready queue is empty.
func (s *Scheduler) Next() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready.Len() == 0 {
		return Entry{}, false
	}
	it := heap.Pop(&s.ready).(*item)
	delete(s.queued, it.entry.ID)
	s.active[it.entry.ID] = it
	return it.entry.clone(), true
}

// NextContext blocks until an entry is ready or ctx is done.
func (s *Scheduler) NextContext(ctx context.Context) (Entry, error) {
	for {
		if e, ok := s.Next(); ok {
			logging.Log(fmt.Sprintf("Retrieved task %s from queue", e.ID), slog.LevelDebug)
			return e, nil
		}
		timer := time.NewTimer(readyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		case <-s.readyCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Complete moves an active entry to the completed bucket.
// It is a logged no-op for ids that are not active.
func (s *Scheduler) Complete(id string, result model.Payload) bool {
	return s.finish(id, s.completed, func(it *item) {
		if result != nil {
			it.entry.Result = model.Payload(model.CloneMap(result))
		}
	})
}

// Fail moves an active entry to the failed bucket.
// It is a logged no-op for ids that are not active.
func (s *Scheduler) Fail(id string, errMsg string) bool {
	return s.finish(id, s.failed, func(it *item) {
		it.entry.Error = errMsg
	})
}

func (s *Scheduler) finish(id string, dst map[string]*item, apply func(*item)) bool {
	s.mu.Lock()
	it, ok := s.active[id]
	if ok {
		delete(s.active, id)
		finished := s.opts.Now()
		it.entry.FinishedAt = &finished
		apply(it)
		dst[id] = it
	}
	s.mu.Unlock()

	if !ok {
		logging.Log(fmt.Sprintf("Task %s is not active, ignoring", id), slog.LevelWarn)
		return false
	}
	if it.entry.Error != "" {
		logging.Log(fmt.Sprintf("Task %s failed: %s", id, it.entry.Error), slog.LevelError)
	} else {
		logging.Log(fmt.Sprintf("Task %s completed", id), slog.LevelInfo)
	}
	return true
}

// Cancel removes a task that has not started. Scheduled and queued entries
// are removed; active entries are refused; unknown ids return false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropWaitingLocked(id) {
		logging.Log(fmt.Sprintf("Cancelled task %s", id), slog.LevelInfo)
		return true
	}
	if _, ok := s.active[id]; ok {
		logging.Log(fmt.Sprintf("Cannot cancel active task %s", id), slog.LevelWarn)
		return false
	}
	logging.Log(fmt.Sprintf("Task %s not found for cancellation", id), slog.LevelWarn)
	return false
}

func (s *Scheduler) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    s.ready.Len(),
		Scheduled: len(s.scheduled),
		Active:    len(s.active),
		Completed: len(s.completed),
		Failed:    len(s.failed),
	}
}

// Start launches the promotion loop. Calling it more than once is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
	logging.Log("Task scheduler started", slog.LevelInfo)
}

// Shutdown stops the promotion loop and waits for it up to ShutdownTimeout.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if !s.started.Load() {
			return
		}
		select {
		case <-s.done:
			logging.Log("Task scheduler shutdown", slog.LevelInfo)
		case <-time.After(s.opts.ShutdownTimeout):
			logging.Log(fmt.Sprintf("Task scheduler did not stop within %s", s.opts.ShutdownTimeout), slog.LevelWarn)
		}
	})
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		wait, failed := s.scan()

		// Wake-ups are ignored while backing off after a failed scan.
		wake := s.wake
		if failed {
			wake = nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// scan promotes due entries and returns how long to sleep before the next one.
func (s *Scheduler) scan() (wait time.Duration, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Log(fmt.Sprintf("Scheduler error: %v", rec), slog.LevelError)
			wait, failed = s.opts.ErrorBackoff, true
		}
	}()

	if s.scanHook != nil {
		s.scanHook()
	}

	now := s.opts.Now()
	promoted, next := s.promoteDue(now)
	for _, id := range promoted {
		logging.Log(fmt.Sprintf("Moved scheduled task %s to queue", id), slog.LevelInfo)
	}
	s.opts.Metrics.TasksPromoted(context.Background(), len(promoted))

	wait = s.opts.PromotionInterval
	if !next.IsZero() {
		if until := next.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// promoteDue moves every scheduled entry due at or before now onto the ready
// queue and reports the next due time, if any.
func (s *Scheduler) promoteDue(now time.Time) (promoted []string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		it := s.due.peek()
		if it == nil {
			return promoted, time.Time{}
		}
		if it.dueAt().After(now) {
			return promoted, it.dueAt()
		}
		heap.Pop(&s.due)
		delete(s.scheduled, it.entry.ID)
		it.entry.ScheduledAt = nil
		s.pushReadyLocked(it)
		promoted = append(promoted, it.entry.ID)
	}
}

// Export copies every bucket. Queued entries are listed in service order.
func (s *Scheduler) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := NewSnapshot()
	snap.ExportedAt = s.opts.Now()
	for id, it := range s.scheduled {
		snap.Scheduled[id] = it.entry.clone()
	}
	for id, it := range s.active {
		snap.Active[id] = it.entry.clone()
	}
	for id, it := range s.completed {
		snap.Completed[id] = it.entry.clone()
	}
	for id, it := range s.failed {
		snap.Failed[id] = it.entry.clone()
	}

	ordered := make(readyQueue, len(s.ready))
	copy(ordered, s.ready)
	sort.Slice(ordered, func(i, j int) bool {
		if ri, rj := ordered[i].rank(), ordered[j].rank(); ri != rj {
			return ri < rj
		}
		return ordered[i].seq < ordered[j].seq
	})
	for _, it := range ordered {
		snap.Queued = append(snap.Queued, it.entry.clone())
	}
	return snap
}

// Import restores entries into the bucket they were exported from. Ids the
// scheduler already holds are skipped. It returns the number restored.
func (s *Scheduler) Import(snap Snapshot) int {
	s.mu.Lock()
	restored := 0
	skip := func(id string) bool {
		if s.holdsLocked(id) {
			logging.Log(fmt.Sprintf("Skipping import of task %s: already present", id), slog.LevelWarn)
			return true
		}
		return false
	}
	newItem := func(e Entry) *item {
		s.seq++
		return &item{entry: e.clone(), seq: s.seq, index: -1, dueIndex: -1}
	}

	// Sorted so that equal due times keep a stable order across restarts.
	scheduled := make([]Entry, 0, len(snap.Scheduled))
	for _, e := range snap.Scheduled {
		scheduled = append(scheduled, e)
	}
	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i].ID < scheduled[j].ID })
	for _, e := range scheduled {
		if skip(e.ID) {
			continue
		}
		it := newItem(e)
		if it.entry.ScheduledAt == nil {
			s.pushReadyLocked(it)
		} else {
			s.scheduled[e.ID] = it
			heap.Push(&s.due, it)
		}
		restored++
	}
	for _, e := range snap.Queued {
		if skip(e.ID) {
			continue
		}
		s.pushReadyLocked(newItem(e))
		restored++
	}
	for dst, src := range map[*map[string]*item]map[string]Entry{
		&s.active:    snap.Active,
		&s.completed: snap.Completed,
		&s.failed:    snap.Failed,
	} {
		for id, e := range src {
			if skip(id) {
				continue
			}
			(*dst)[id] = newItem(e)
			restored++
		}
	}
	s.mu.Unlock()

	signal(s.wake)
	logging.Log(fmt.Sprintf("Imported %d tasks", restored), slog.LevelInfo)
	return restored
}

func (s *Scheduler) holdsLocked(id string) bool {
	for _, bucket := range []map[string]*item{s.scheduled, s.queued, s.active, s.completed, s.failed} {
		if _, ok := bucket[id]; ok {
			return true
		}
	}
	return false
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
