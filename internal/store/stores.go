package store

import "path/filepath"

// Stores is the top-level container for the plugin's persisted state, all
// rooted at <home>/.openclaw/hub-data/.
type Stores struct {
	Sent     *TaskStore
	Received *TaskStore
	Chats    *ChatStore
	Events   *EventStore
}

// Open opens every store rooted at dataDir (typically
// "<home>/.openclaw/hub-data").
func Open(dataDir string) *Stores {
	return &Stores{
		Sent:     NewTaskStore(filepath.Join(dataDir, "tasks.json")),
		Received: NewTaskStore(filepath.Join(dataDir, "received-tasks.json")),
		Chats:    NewChatStore(dataDir),
		Events:   NewEventStore(filepath.Join(dataDir, "node-events.json")),
	}
}

// Flush forces every store with a pending debounced save to write now.
func (s *Stores) Flush() error {
	if err := s.Sent.Flush(); err != nil {
		return err
	}
	if err := s.Received.Flush(); err != nil {
		return err
	}
	if err := s.Chats.Flush(); err != nil {
		return err
	}
	return s.Events.Flush()
}
