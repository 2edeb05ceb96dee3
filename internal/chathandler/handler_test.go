package chathandler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/cluster-hub/internal/agentbridge"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

type fakeBridge struct {
	mu        sync.Mutex
	history   []string
	executeAt time.Duration
}

func (b *fakeBridge) ExecuteTask(ctx context.Context, sessionKey, task string) (agentbridge.Result, error) {
	if b.executeAt > 0 {
		select {
		case <-time.After(b.executeAt):
		case <-ctx.Done():
			return agentbridge.Result{}, ctx.Err()
		}
	}
	b.mu.Lock()
	b.history = append(b.history, "reply-1", "reply-2", "reply-3")
	b.mu.Unlock()
	return agentbridge.Result{Success: true, Output: "reply-3"}, nil
}

func (b *fakeBridge) ChatHistory(ctx context.Context, sessionKey string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*wire.Message
}

func (s *fakeSender) Send(msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestHandleChatSendsFinalDoneFrame(t *testing.T) {
	bridge := &fakeBridge{}
	sender := &fakeSender{}
	h := New(bridge, sender)

	err := h.HandleChat(context.Background(), "peer-1", "orig-1", wire.ChatPayload{Role: wire.ChatRoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}

	if sender.count() != 1 {
		t.Fatalf("expected exactly 1 outbound frame, got %d", sender.count())
	}
	sender.mu.Lock()
	final := sender.sent[0]
	sender.mu.Unlock()

	var payload wire.ChatPayload
	if err := decodePayload(final, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Done || payload.ReplyTo != "orig-1" {
		t.Fatalf("expected done frame replying to orig-1, got %+v", payload)
	}
	if len(payload.Messages) != 3 {
		t.Fatalf("expected 3 accumulated messages, got %d", len(payload.Messages))
	}
}

func TestHandleChatRejectsOverlappingRuns(t *testing.T) {
	bridge := &fakeBridge{executeAt: 200 * time.Millisecond}
	sender := &fakeSender{}
	h := New(bridge, sender)

	done := make(chan error, 1)
	go func() {
		done <- h.HandleChat(context.Background(), "peer-1", "orig-1", wire.ChatPayload{Role: wire.ChatRoleUser, Content: "hello"})
	}()

	time.Sleep(20 * time.Millisecond)
	err := h.HandleChat(context.Background(), "peer-1", "orig-2", wire.ChatPayload{Role: wire.ChatRoleUser, Content: "again"})
	if err == nil {
		t.Fatal("expected overlapping run on the same peer to be rejected")
	}

	sender.mu.Lock()
	var overlapFrame *wire.Message
	for _, msg := range sender.sent {
		var payload wire.ChatPayload
		if decodeErr := decodePayload(msg, &payload); decodeErr == nil && payload.ReplyTo == "orig-2" {
			overlapFrame = msg
			break
		}
	}
	sender.mu.Unlock()
	if overlapFrame == nil {
		t.Fatal("expected an overlap-rejection chat frame replying to orig-2 to reach the peer")
	}
	var overlapPayload wire.ChatPayload
	if err := decodePayload(overlapFrame, &overlapPayload); err != nil {
		t.Fatalf("decode overlap frame: %v", err)
	}
	if overlapPayload.Role != wire.ChatRoleAssistant || !overlapPayload.Done {
		t.Fatalf("expected a done assistant frame, got %+v", overlapPayload)
	}
	if overlapPayload.Error != "a reply is already in progress for this conversation" {
		t.Fatalf("unexpected overlap error text: %q", overlapPayload.Error)
	}

	if err := <-done; err != nil {
		t.Fatalf("first run should have succeeded: %v", err)
	}
}

func decodePayload(msg *wire.Message, out *wire.ChatPayload) error {
	return json.Unmarshal(msg.Payload, out)
}
