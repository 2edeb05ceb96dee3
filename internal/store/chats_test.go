package store

import (
	"testing"
	"time"
)

func TestChatStoreCapEvictsOldest(t *testing.T) {
	s := NewChatStore(t.TempDir())
	for i := 0; i < ChatCap+1; i++ {
		s.AppendMessage("peer-1", ChatEntry{Role: "user", Content: "msg", Timestamp: time.Now()})
	}
	history := s.GetHistory("peer-1")
	if len(history) != ChatCap {
		t.Fatalf("expected %d messages, got %d", ChatCap, len(history))
	}
}

func TestChatStoreIsolatesPeers(t *testing.T) {
	s := NewChatStore(t.TempDir())
	s.AppendMessage("peer-1", ChatEntry{Role: "user", Content: "hi"})
	s.AppendMessage("peer-2", ChatEntry{Role: "user", Content: "yo"})

	if len(s.GetHistory("peer-1")) != 1 || len(s.GetHistory("peer-2")) != 1 {
		t.Fatal("per-peer logs must not cross-contaminate")
	}
}

func TestChatStoreFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	s := NewChatStore(dir)
	s.AppendMessage("peer-1", ChatEntry{Role: "user", Content: "hi"})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened := NewChatStore(dir)
	history := reopened.GetHistory("peer-1")
	if len(history) != 1 || history[0].Content != "hi" {
		t.Fatalf("expected persisted history to survive reload, got %+v", history)
	}
}
