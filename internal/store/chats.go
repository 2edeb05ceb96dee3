package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChatCap is the maximum number of messages a ChatStore retains per peer;
// the oldest message is evicted once a new append would exceed it.
const ChatCap = 500

// ChatEntry is one turn in a peer's chat log.
type ChatEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// chatFile is the on-disk shape of chats/<nodeId>.json.
type chatFile struct {
	Version   int         `json:"version"`
	NodeID    string      `json:"nodeId"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Messages  []ChatEntry `json:"messages"`
}

type chatLog struct {
	messages []ChatEntry
	saver    *debouncer
}

// ChatStore keeps one chat log per peer node, each independently loaded,
// capped, and debounce-saved to its own file under dir/chats/.
type ChatStore struct {
	dir string
	mu  sync.Mutex
	log map[string]*chatLog
}

// NewChatStore opens the chat-log directory at dir (created lazily on
// first save). Existing per-peer files are loaded lazily on first access,
// so a corrupt file for one peer never prevents access to another's.
func NewChatStore(dir string) *ChatStore {
	return &ChatStore{dir: dir, log: make(map[string]*chatLog)}
}

func (s *ChatStore) pathFor(peerID string) string {
	return filepath.Join(s.dir, "chats", peerID+".json")
}

func (s *ChatStore) logFor(peerID string) *chatLog {
	if l, ok := s.log[peerID]; ok {
		return l
	}
	l := &chatLog{}
	var f chatFile
	if readJSONBestEffort(s.pathFor(peerID), &f) {
		l.messages = f.Messages
	}
	peerID2 := peerID
	l.saver = newDebouncer(func() error { return s.flushPeer(peerID2) })
	s.log[peerID] = l
	return l
}

// AppendMessage adds an entry to peerID's log, evicting the oldest entry
// if the log now exceeds ChatCap.
func (s *ChatStore) AppendMessage(peerID string, entry ChatEntry) {
	s.mu.Lock()
	l := s.logFor(peerID)
	l.messages = append(l.messages, entry)
	if len(l.messages) > ChatCap {
		l.messages = l.messages[len(l.messages)-ChatCap:]
	}
	s.mu.Unlock()
	l.saver.schedule()
}

// GetHistory returns a copy of peerID's message log in order.
func (s *ChatStore) GetHistory(peerID string) []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(peerID)
	out := make([]ChatEntry, len(l.messages))
	copy(out, l.messages)
	return out
}

// ClearHistory discards a peer's in-memory log and deletes its on-disk
// file entirely (spec §4.1: clearHistory "deletes the file").
func (s *ChatStore) ClearHistory(peerID string) error {
	s.mu.Lock()
	delete(s.log, peerID)
	path := s.pathFor(peerID)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chat store: clear %s: %w", peerID, err)
	}
	return nil
}

// GetActiveNodes returns the peer IDs with at least one loaded chat log.
func (s *ChatStore) GetActiveNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.log))
	for id := range s.log {
		out = append(out, id)
	}
	return out
}

func (s *ChatStore) flushPeer(peerID string) error {
	s.mu.Lock()
	l, ok := s.log[peerID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	msgs := append([]ChatEntry(nil), l.messages...)
	s.mu.Unlock()
	f := chatFile{Version: 1, NodeID: peerID, UpdatedAt: time.Now(), Messages: msgs}
	if err := writeJSONAtomic(s.pathFor(peerID), f); err != nil {
		return fmt.Errorf("chat store: flush %s: %w", peerID, err)
	}
	return nil
}

// Flush forces every peer with a pending debounced save to write now.
func (s *ChatStore) Flush() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.log))
	for id := range s.log {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.flushPeer(id); err != nil {
			return err
		}
	}
	return nil
}
