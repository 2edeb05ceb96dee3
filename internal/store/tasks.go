// Package store implements the plugin's persisted state: the sent-task log,
// the per-peer chat logs, and the node-event ring, all JSON files under
// <home>/.openclaw/hub-data/. Every store debounces its save so a burst of
// updates collapses into one disk write, and persists via write-temp-then-
// rename so a crash mid-write never corrupts the file on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Task status values, forming the monotonic sequence sent < queued <
// running < terminal ({completed, failed, cancelled, timeout}).
const (
	StatusSent      = "sent"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

var statusRank = map[string]int{
	StatusSent:      0,
	StatusQueued:    1,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
	StatusTimeout:   3,
}

func isTerminal(status string) bool {
	return statusRank[status] == 3
}

// StoredTask is one entry in the sent-task (or received-task) log.
type StoredTask struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peerId"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sentAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// taskFile is the on-disk shape of tasks.json / received-tasks.json.
type taskFile struct {
	Version   int          `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Tasks     []StoredTask `json:"tasks"`
}

// TaskCap is the maximum number of tasks a TaskStore retains; the oldest
// entry is evicted once a new one would exceed it.
const TaskCap = 200

// TaskStore is the sent-task (or received-task) log described in spec §6.4.
// Newest entries are kept at index 0.
type TaskStore struct {
	path  string
	mu    sync.Mutex
	tasks []StoredTask
	byID  map[string]int // taskID -> index into tasks
	saver *debouncer
}

// NewTaskStore opens (or creates on first save) the task log at path.
// A missing or corrupt file yields an empty store rather than an error.
func NewTaskStore(path string) *TaskStore {
	s := &TaskStore{path: path, byID: make(map[string]int)}
	s.saver = newDebouncer(s.flushLocked)
	s.load()
	return s
}

func (s *TaskStore) load() {
	var f taskFile
	if !readJSONBestEffort(s.path, &f) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = f.Tasks
	s.reindexLocked()
}

func (s *TaskStore) reindexLocked() {
	s.byID = make(map[string]int, len(s.tasks))
	for i, t := range s.tasks {
		s.byID[t.ID] = i
	}
}

// RecordSent inserts a new task at the front of the log in StatusSent and
// evicts the oldest entry if the store is now over TaskCap.
func (s *TaskStore) RecordSent(t StoredTask) {
	s.mu.Lock()
	t.Status = StatusSent
	t.SentAt = t.UpdatedAt
	s.tasks = append([]StoredTask{t}, s.tasks...)
	if len(s.tasks) > TaskCap {
		s.tasks = s.tasks[:TaskCap]
	}
	s.reindexLocked()
	s.mu.Unlock()
	s.saver.schedule()
}

// RecordWithStatus inserts a new task at the front of the log in the given
// initial status, for logs whose entries never pass through StatusSent
// (the received-task log: a QueuedTask starts life at StatusQueued, per
// spec §3's ReceivedTask lifecycle).
func (s *TaskStore) RecordWithStatus(t StoredTask, status string) {
	s.mu.Lock()
	t.Status = status
	s.tasks = append([]StoredTask{t}, s.tasks...)
	if len(s.tasks) > TaskCap {
		s.tasks = s.tasks[:TaskCap]
	}
	s.reindexLocked()
	s.mu.Unlock()
	s.saver.schedule()
}

// UpdateStatus advances a task's status, discarding any update that would
// regress the sent→queued→running→terminal sequence (invariant 1).
func (s *TaskStore) UpdateStatus(id, status string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	cur := s.tasks[idx].Status
	if isTerminal(cur) {
		return false
	}
	if statusRank[status] < statusRank[cur] {
		return false
	}
	s.tasks[idx].Status = status
	s.tasks[idx].UpdatedAt = now
	s.saver.schedule()
	return true
}

// RecordResult sets the terminal result/error for a task and marks it
// completed or failed.
func (s *TaskStore) RecordResult(id string, success bool, result, errMsg string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	if isTerminal(s.tasks[idx].Status) {
		return false
	}
	if success {
		s.tasks[idx].Status = StatusCompleted
		s.tasks[idx].Result = result
	} else {
		s.tasks[idx].Status = StatusFailed
		s.tasks[idx].Error = errMsg
	}
	s.tasks[idx].UpdatedAt = now
	s.saver.schedule()
	return true
}

// RecordCancelled marks a task cancelled rather than failed, so a task the
// queue unwound via context cancellation is distinguishable in the log from
// one the agent genuinely failed (see DESIGN.md's cancelled-in-flight
// mapping decision).
func (s *TaskStore) RecordCancelled(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	if isTerminal(s.tasks[idx].Status) {
		return false
	}
	s.tasks[idx].Status = StatusCancelled
	s.tasks[idx].UpdatedAt = now
	s.saver.schedule()
	return true
}

// Get returns a copy of the task with the given id.
func (s *TaskStore) Get(id string) (StoredTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return StoredTask{}, false
	}
	return s.tasks[idx], true
}

// List returns a copy of every stored task, newest first.
func (s *TaskStore) List() []StoredTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredTask, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Summary counts tasks by status.
func (s *TaskStore) Summary() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// ClearCompleted removes every terminal task whose UpdatedAt is before
// cutoff and returns how many were removed. A second call with the same
// cutoff (or any cutoff no later) returns 0, satisfying idempotence.
func (s *TaskStore) ClearCompleted(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tasks[:0:0]
	removed := 0
	for _, t := range s.tasks {
		if isTerminal(t.Status) && t.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
	s.reindexLocked()
	if removed > 0 {
		s.saver.schedule()
	}
	return removed
}

// Flush forces any pending debounced save to disk immediately.
func (s *TaskStore) Flush() error {
	return s.saver.flushNow()
}

func (s *TaskStore) flushLocked() error {
	s.mu.Lock()
	f := taskFile{Version: 1, UpdatedAt: time.Now(), Tasks: append([]StoredTask(nil), s.tasks...)}
	s.mu.Unlock()
	return writeJSONAtomic(s.path, f)
}

// readJSONBestEffort loads and decodes path into v, returning false (and
// leaving v untouched) if the file is missing or cannot be parsed.
func readJSONBestEffort(path string, v interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false
	}
	return true
}

// writeJSONAtomic marshals v and replaces path with it via a sibling temp
// file plus rename, so a process crash mid-write never leaves a truncated
// or partially-written file behind.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}
