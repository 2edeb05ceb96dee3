package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedExecutor lets a test control exactly when each task's Dispatch
// and Wait calls return, to exercise ordering invariants deterministically.
// Dispatch returns immediately unless the test calls holdDispatch for that
// session first (mirroring a submit round trip a test wants to keep the
// dispatch slot occupied for); Wait always blocks until released, standing
// in for however long the agent run takes.
type scriptedExecutor struct {
	mu            sync.Mutex
	dispatchGates map[string]chan struct{}
	waitGates     map[string]chan struct{}
	started       []string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		dispatchGates: make(map[string]chan struct{}),
		waitGates:     make(map[string]chan struct{}),
	}
}

func gateFor(m map[string]chan struct{}, mu *sync.Mutex, key string) chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	ch, ok := m[key]
	if !ok {
		ch = make(chan struct{})
		m[key] = ch
	}
	return ch
}

// holdDispatch makes the next Dispatch call for sessionKey block until
// releaseDispatch is called, so the dispatch slot stays occupied past the
// submit round trip for tests that need the waiting queue to stay nonempty.
func (e *scriptedExecutor) holdDispatch(sessionKey string) {
	gateFor(e.dispatchGates, &e.mu, sessionKey)
}

func (e *scriptedExecutor) releaseDispatch(sessionKey string) {
	close(gateFor(e.dispatchGates, &e.mu, sessionKey))
}

func (e *scriptedExecutor) releaseWait(sessionKey string) {
	close(gateFor(e.waitGates, &e.mu, sessionKey))
}

func (e *scriptedExecutor) Dispatch(ctx context.Context, sessionKey, task string) (string, error) {
	e.mu.Lock()
	e.started = append(e.started, sessionKey)
	gate, held := e.dispatchGates[sessionKey]
	e.mu.Unlock()

	if held {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "run-" + sessionKey, nil
}

func (e *scriptedExecutor) Wait(ctx context.Context, runID, sessionKey string) (bool, string, string, error) {
	select {
	case <-gateFor(e.waitGates, &e.mu, sessionKey):
		return true, "ok", "", nil
	case <-ctx.Done():
		return false, "", "cancelled", nil
	}
}

func TestEnqueueAndCompleteOrdering(t *testing.T) {
	exec := newScriptedExecutor()
	var mu sync.Mutex
	var results []string
	var acks []string

	q := New(1, exec,
		func(t *Task) { mu.Lock(); results = append(results, t.ID); mu.Unlock() },
		func(t *Task) { mu.Lock(); acks = append(acks, t.ID+":"+t.Status); mu.Unlock() },
	)

	ctx := context.Background()
	exec.holdDispatch("s1")
	q.Enqueue(ctx, "t1", "peer", "s1", "ls", "normal")
	waitUntil(t, func() bool { return containsStarted(exec, "s1") })

	q.Enqueue(ctx, "t2", "peer", "s2", "echo", "normal")
	waitUntil(t, func() bool {
		task, _ := q.Get("t2")
		return task.Status == StatusQueued
	})

	exec.releaseDispatch("s1")
	waitUntil(t, func() bool { return containsStarted(exec, "s2") })

	exec.releaseWait("s1")
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})
	exec.releaseWait("s2")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if results[0] != "t1" || results[1] != "t2" {
		t.Fatalf("expected t1 result before t2, got %v", results)
	}
}

// TestDispatchReleasesSlotBeforeCompletion is spec §8 scenario 2: with
// maxConcurrent=1, t2 must be able to dispatch and start running while t1
// is still executing, because the dispatch slot is released the moment
// t1's submit round trip (Dispatch) returns, not when t1's agent run
// (Wait) finishes. Invariant 2 bounds |dispatching|, never |inflight|.
func TestDispatchReleasesSlotBeforeCompletion(t *testing.T) {
	exec := newScriptedExecutor()
	q := New(1, exec, func(*Task) {}, func(*Task) {})

	ctx := context.Background()
	q.Enqueue(ctx, "t1", "peer", "s1", "ls", "normal")
	waitUntil(t, func() bool { return containsStarted(exec, "s1") })

	q.Enqueue(ctx, "t2", "peer", "s2", "echo", "normal")

	// t1's Dispatch already returned (ungated) and t1 is now parked inside
	// Wait. t2 must still reach Dispatch — and therefore running — without
	// waiting for t1's Wait to finish.
	waitUntil(t, func() bool { return containsStarted(exec, "s2") })

	status := q.GetStatus()
	if status.Waiting != 0 {
		t.Fatalf("expected t2 to have left the waiting queue, got waiting=%d", status.Waiting)
	}
	if status.Inflight != 2 {
		t.Fatalf("expected both t1 and t2 inflight concurrently despite maxConcurrent=1, got inflight=%d", status.Inflight)
	}

	t1, _ := q.Get("t1")
	if t1.Status != StatusRunning {
		t.Fatalf("expected t1 still running, got %s", t1.Status)
	}
	t2, _ := q.Get("t2")
	if t2.Status != StatusRunning {
		t.Fatalf("expected t2 running concurrently with t1, got %s", t2.Status)
	}

	exec.releaseWait("s1")
	exec.releaseWait("s2")
}

func TestCancelWhileQueued(t *testing.T) {
	exec := newScriptedExecutor()
	var mu sync.Mutex
	var acks []string
	var results []*Task

	q := New(1, exec,
		func(t *Task) { mu.Lock(); results = append(results, t); mu.Unlock() },
		func(t *Task) { mu.Lock(); acks = append(acks, t.ID+":"+t.Status); mu.Unlock() },
	)

	ctx := context.Background()
	exec.holdDispatch("s1") // keeps the lone dispatch slot occupied so t2 stays queued
	q.Enqueue(ctx, "t1", "peer", "s1", "ls", "normal")
	waitUntil(t, func() bool { return containsStarted(exec, "s1") })

	q.Enqueue(ctx, "t2", "peer", "s2", "echo", "normal")
	waitUntil(t, func() bool {
		task, _ := q.Get("t2")
		return task.Status == StatusQueued
	})

	if !q.Cancel("t2") {
		t.Fatal("expected Cancel to find t2 while queued")
	}
	exec.releaseDispatch("s1")
	exec.releaseWait("s1")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, ack := range acks {
		if ack == "t2:running" {
			t.Fatal("t2 must never receive a running ack after being cancelled while queued")
		}
	}
	var t2 *Task
	for _, r := range results {
		if r.ID == "t2" {
			t2 = r
		}
	}
	if t2 == nil || t2.Status != StatusCancelled {
		t.Fatalf("expected t2 to finish cancelled, got %+v", t2)
	}
}

func TestMaxConcurrentClamped(t *testing.T) {
	exec := newScriptedExecutor()
	q := New(0, exec, func(*Task) {}, func(*Task) {})
	if q.GetStatus().MaxConcurrent != MinConcurrent {
		t.Fatalf("expected clamp to %d, got %d", MinConcurrent, q.GetStatus().MaxConcurrent)
	}

	q2 := New(100, exec, func(*Task) {}, func(*Task) {})
	if q2.GetStatus().MaxConcurrent != MaxConcurrent {
		t.Fatalf("expected clamp to %d, got %d", MaxConcurrent, q2.GetStatus().MaxConcurrent)
	}
}

func containsStarted(e *scriptedExecutor, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.started {
		if s == key {
			return true
		}
	}
	return false
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
