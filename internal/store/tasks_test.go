package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTaskStoreStatusMonotonicity(t *testing.T) {
	s := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	s.RecordSent(StoredTask{ID: "t1", PeerID: "p1", Task: "ls"})

	now := time.Now()
	if !s.UpdateStatus("t1", StatusQueued, now) {
		t.Fatal("sent -> queued should be accepted")
	}
	if !s.UpdateStatus("t1", StatusRunning, now) {
		t.Fatal("queued -> running should be accepted")
	}
	if s.UpdateStatus("t1", StatusQueued, now) {
		t.Fatal("running -> queued must be rejected as a regression")
	}
	if !s.RecordResult("t1", true, "ok", "", now) {
		t.Fatal("running -> completed should be accepted")
	}
	if s.UpdateStatus("t1", StatusRunning, now) {
		t.Fatal("updates after terminal status must be rejected")
	}

	task, ok := s.Get("t1")
	if !ok || task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", task)
	}
}

func TestTaskStoreCapEvictsOldest(t *testing.T) {
	s := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	for i := 0; i < TaskCap+1; i++ {
		s.RecordSent(StoredTask{ID: idFor(i), PeerID: "p1", Task: "x"})
	}
	tasks := s.List()
	if len(tasks) != TaskCap {
		t.Fatalf("expected %d tasks, got %d", TaskCap, len(tasks))
	}
	if _, ok := s.Get(idFor(0)); ok {
		t.Fatal("oldest task should have been evicted")
	}
	if _, ok := s.Get(idFor(TaskCap)); !ok {
		t.Fatal("newest task should still be present")
	}
}

func TestClearCompletedIdempotent(t *testing.T) {
	s := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	s.RecordSent(StoredTask{ID: "t1", PeerID: "p1", Task: "ls"})
	now := time.Now()
	s.RecordResult("t1", true, "ok", "", now)

	cutoff := now.Add(time.Second)
	if n := s.ClearCompleted(cutoff); n != 1 {
		t.Fatalf("expected to clear 1 task, cleared %d", n)
	}
	if n := s.ClearCompleted(cutoff); n != 0 {
		t.Fatalf("second clear with same cutoff must be a no-op, got %d", n)
	}
}

func idFor(i int) string {
	const letters = "0123456789abcdef"
	b := make([]byte, 8)
	for j := range b {
		b[j] = letters[(i>>(4*j))&0xf]
	}
	return string(b)
}
