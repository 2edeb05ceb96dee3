package store

import (
	"sync"
	"time"
)

// EventCap is the ring size for the node-event log.
const EventCap = 200

// NodeEvent is one entry in the node-event ring (topology changes; Kind is
// one of online, offline, registered, departed).
type NodeEvent struct {
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	NodeID    string    `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`
}

// eventFile is the on-disk shape of node-events.json.
type eventFile struct {
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Events    []NodeEvent `json:"events"`
}

// EventStore is a fixed-capacity ring of the most recent node-topology
// events, persisted to node-events.json.
type EventStore struct {
	path   string
	mu     sync.Mutex
	events []NodeEvent
	saver  *debouncer
}

// NewEventStore opens the node-event ring at path.
func NewEventStore(path string) *EventStore {
	s := &EventStore{path: path}
	s.saver = newDebouncer(s.flushLocked)
	var f eventFile
	if readJSONBestEffort(path, &f) {
		s.events = f.Events
	}
	return s
}

// Append records a new event, evicting the oldest if the ring is now over
// EventCap.
func (s *EventStore) Append(e NodeEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > EventCap {
		s.events = s.events[len(s.events)-EventCap:]
	}
	s.mu.Unlock()
	s.saver.schedule()
}

// Recent returns a copy of the stored events, oldest first.
func (s *EventStore) Recent() []NodeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *EventStore) flushLocked() error {
	s.mu.Lock()
	f := eventFile{Version: 1, UpdatedAt: time.Now(), Events: append([]NodeEvent(nil), s.events...)}
	s.mu.Unlock()
	return writeJSONAtomic(s.path, f)
}

// Flush forces any pending debounced save to disk immediately.
func (s *EventStore) Flush() error {
	return s.saver.flushNow()
}
