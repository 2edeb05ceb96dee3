// Package queue is the Task Queue (C4): a bounded "dispatching" pool, an
// unbounded "inflight" pool, and a strict-FIFO waiting queue feeding the
// dispatching pool as slots free up. A dispatch slot is held only for the
// submit round-trip to the local agent gateway (internal/agentbridge); once
// the agent has accepted the task, the slot is released and the task moves
// to inflight, where it can run as long as it needs to without consuming
// queue capacity.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrNotFound is returned when an operation references an unknown task ID.
var ErrNotFound = errors.New("queue: task not found")

// MinConcurrent and MaxConcurrent bound the maxConcurrent clamp (spec §8
// boundary behavior).
const (
	MinConcurrent     = 1
	MaxConcurrent     = 10
	DefaultConcurrent = 3
	completedCap      = 50
)

// Status values for a queued Task.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Executor performs the two agent round trips the queue composes per
// task: Dispatch submits the task and returns as soon as the gateway has
// accepted the run — the dispatch-slot round trip, spec §4.4 step 3 — and
// Wait blocks on that run's completion (step 4) without holding a dispatch
// slot. The Queue calls Dispatch once per task and releases its slot the
// moment Dispatch returns, before Wait is ever called.
type Executor interface {
	Dispatch(ctx context.Context, sessionKey, task string) (runID string, err error)
	Wait(ctx context.Context, runID, sessionKey string) (success bool, output, errMsg string, err error)
}

// Task is one unit of work moving through the queue.
type Task struct {
	ID         string
	PeerID     string
	SessionKey string
	Task       string
	Priority   string // accepted, informational only — see SPEC_FULL.md Queue Fairness note
	Status     string
	Position   int // position in the waiting queue at ack time, 0 once dispatched
	RunID      string
	Result     string
	Error      string
	ReceivedAt time.Time

	cancel context.CancelFunc
}

// ResultHandler is notified once per task as it leaves the queue
// (invariant 3: exactly one result per task that leaves the queue).
type ResultHandler func(t *Task)

// AckHandler is notified when a task's status changes to queued or
// running, mirroring the Hub's task_ack frame.
type AckHandler func(t *Task)

// Queue is the two-pool task scheduler.
type Queue struct {
	executor Executor
	onResult ResultHandler
	onAck    AckHandler

	mu            sync.Mutex
	maxConcurrent int
	sem           *semaphore.Weighted
	waiting       []*Task
	dispatching   map[string]*Task // pool A: submit round trip in flight, bounded by sem
	inflight      map[string]*Task // pool B: dispatched, awaiting agent completion, unbounded
	completed     []*Task
	byID          map[string]*Task
}

// New builds a Queue with maxConcurrent dispatch slots, clamped to
// [MinConcurrent, MaxConcurrent].
func New(maxConcurrent int, executor Executor, onResult ResultHandler, onAck AckHandler) *Queue {
	if maxConcurrent < MinConcurrent {
		maxConcurrent = MinConcurrent
	}
	if maxConcurrent > MaxConcurrent {
		maxConcurrent = MaxConcurrent
	}
	return &Queue{
		executor:      executor,
		onResult:      onResult,
		onAck:         onAck,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		dispatching:   make(map[string]*Task),
		inflight:      make(map[string]*Task),
		byID:          make(map[string]*Task),
	}
}

// Enqueue admits a new task. If a dispatch slot is immediately available it
// is dispatched synchronously-in-a-goroutine; otherwise it joins the
// strict-FIFO waiting queue and an ack with its position is emitted.
func (q *Queue) Enqueue(ctx context.Context, id, peerID, sessionKey, task, priority string) *Task {
	t := &Task{
		ID: id, PeerID: peerID, SessionKey: sessionKey, Task: task,
		Priority: priority, Status: StatusQueued, ReceivedAt: time.Now(),
	}

	q.mu.Lock()
	q.byID[id] = t
	if len(q.waiting) == 0 && q.sem.TryAcquire(1) {
		q.mu.Unlock()
		go q.dispatch(ctx, t)
		return t
	}
	t.Position = len(q.waiting) + 1
	q.waiting = append(q.waiting, t)
	q.mu.Unlock()

	if q.onAck != nil {
		q.onAck(t)
	}

	go q.pump(ctx)
	return t
}

// pump admits waiting tasks onto dispatch slots as they become available.
func (q *Queue) pump(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		if !q.sem.TryAcquire(1) {
			q.mu.Unlock()
			return
		}
		t := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.renumberWaitingLocked()
		q.mu.Unlock()

		go q.dispatch(ctx, t)
	}
}

func (q *Queue) renumberWaitingLocked() {
	for i, t := range q.waiting {
		t.Position = i + 1
	}
}

// dispatch runs a task's lifecycle past the waiting queue. It holds the
// dispatch slot (pool A) only for the submit round trip, releasing it —
// and admitting the next waiting task — the instant that round trip
// returns, per spec §4.4 steps 3/4. The task then moves to the unbounded
// inflight pool (pool B) for however long the agent run takes, which never
// holds a dispatch slot (invariant 2, scenario 2).
func (q *Queue) dispatch(ctx context.Context, t *Task) {
	taskCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	if t.cancelledBeforeDispatch() {
		q.mu.Unlock()
		cancel()
		q.sem.Release(1)
		q.finish(t, false, "", "cancelled")
		return
	}
	t.cancel = cancel
	t.Status = StatusRunning
	t.Position = 0
	q.dispatching[t.ID] = t
	q.mu.Unlock()

	if q.onAck != nil {
		q.onAck(t) // task_ack{running}, sent before the submit round trip per spec step 2
	}

	runID, err := q.executor.Dispatch(taskCtx, t.SessionKey, t.Task)

	q.mu.Lock()
	delete(q.dispatching, t.ID)
	q.mu.Unlock()
	q.sem.Release(1) // slot freed the moment the submit round trip returns
	go q.pump(ctx)   // let a waiting task take the freed slot even though t may still be running

	if err != nil {
		cancel()
		q.finish(t, false, "", err.Error())
		return
	}

	q.mu.Lock()
	t.RunID = runID
	q.inflight[t.ID] = t
	q.mu.Unlock()

	success, output, errMsg, err := q.executor.Wait(taskCtx, runID, t.SessionKey)
	if err != nil {
		if taskCtx.Err() != nil {
			q.finish(t, false, "", "cancelled")
			return
		}
		q.finish(t, false, "", err.Error())
		return
	}
	q.finish(t, success, output, errMsg)
}

// cancelledBeforeDispatch reports whether t was already marked cancelled
// while still waiting (caller holds q.mu).
func (t *Task) cancelledBeforeDispatch() bool {
	return t.Status == StatusCancelled
}

func (q *Queue) finish(t *Task, success bool, output, errMsg string) {
	q.mu.Lock()
	delete(q.dispatching, t.ID)
	delete(q.inflight, t.ID)
	if success {
		t.Status = StatusCompleted
	} else if errMsg == "cancelled" {
		t.Status = StatusCancelled
	} else {
		t.Status = StatusFailed
	}
	t.Result = output
	t.Error = errMsg
	q.completed = append(q.completed, t)
	if len(q.completed) > completedCap {
		q.completed = q.completed[len(q.completed)-completedCap:]
	}
	q.mu.Unlock()

	if q.onResult != nil {
		q.onResult(t)
	}
}

// Cancel cancels a task by ID: if still waiting, it is removed from the
// queue and finished with no task_ack{running} ever emitted (scenario 3);
// if already dispatching or inflight, its context is cancelled so the
// agent round trip in progress unwinds.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	for i, w := range q.waiting {
		if w.ID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.renumberWaitingLocked()
			t.Status = StatusCancelled
			q.mu.Unlock()
			q.finish(t, false, "", "cancelled")
			return true
		}
	}
	cancel := t.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// Status is a point-in-time snapshot of the queue for the "status" RPC verb.
type Status struct {
	MaxConcurrent int
	Waiting       int
	Dispatching   int
	Inflight      int
	Completed     int
}

// GetStatus returns a snapshot of the queue's pools.
func (q *Queue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		MaxConcurrent: q.maxConcurrent,
		Waiting:       len(q.waiting),
		Dispatching:   len(q.dispatching),
		Inflight:      len(q.inflight),
		Completed:     len(q.completed),
	}
}

// Get returns the task with the given id, if the queue still knows it.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	return t, ok
}
