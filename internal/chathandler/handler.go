// Package chathandler is the Incoming-Chat Handler (C5): it accepts
// inbound "chat" frames addressed to this node, submits them to the local
// agent under a per-peer session key, optionally streams intermediate
// deltas while the run is in progress, and emits the final assistant
// reply frame.
package chathandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cluster-hub/internal/agentbridge"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// SessionKeyFor builds the session key a chat with fromNodeID runs under.
func SessionKeyFor(fromNodeID string) string {
	return fmt.Sprintf("hub-chat:%s", fromNodeID)
}

// Sender delivers an outbound wire frame back to the peer that started the
// chat (normally the Hub client's Send).
type Sender interface {
	Send(msg *wire.Message) error
}

// Bridge is the subset of *agentbridge.Bridge this handler needs, narrowed
// to an interface so tests can substitute a fake local agent gateway.
type Bridge interface {
	ExecuteTask(ctx context.Context, sessionKey, task string) (agentbridge.Result, error)
	ChatHistory(ctx context.Context, sessionKey string) ([]string, error)
}

// Handler runs incoming chats against the local agent.
type Handler struct {
	bridge Bridge
	sender Sender

	mu      sync.Mutex
	running map[string]bool // sessionKey -> a run is currently in flight
}

// New builds a Handler that submits runs through bridge and replies
// through sender.
func New(bridge Bridge, sender Sender) *Handler {
	return &Handler{bridge: bridge, sender: sender, running: make(map[string]bool)}
}

// HandleChat processes one inbound chat{role:"user"} frame from fromNodeID
// (origID is that frame's Message.ID, threaded back on the final reply as
// ReplyTo). Overlapping runs on the same session key are rejected rather
// than queued or interleaved, per SPEC_FULL.md §9's explicit guard
// requirement.
func (h *Handler) HandleChat(ctx context.Context, fromNodeID, origID string, in wire.ChatPayload) error {
	sessionKey := SessionKeyFor(fromNodeID)

	h.mu.Lock()
	if h.running[sessionKey] {
		h.mu.Unlock()
		overlap := wire.ChatPayload{
			Role:      wire.ChatRoleAssistant,
			Error:     "a reply is already in progress for this conversation",
			Done:      true,
			Timestamp: time.Now().UnixMilli(),
		}
		if sendErr := h.sendChat(fromNodeID, overlap, origID); sendErr != nil {
			return fmt.Errorf("chathandler: a run is already in progress for %s (overlap frame also failed to send: %v)", sessionKey, sendErr)
		}
		return fmt.Errorf("chathandler: a run is already in progress for %s", sessionKey)
	}
	h.running[sessionKey] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.running, sessionKey)
		h.mu.Unlock()
	}()

	autoRefresh := 0
	if in.Config != nil && in.Config.AutoRefreshMs != nil {
		autoRefresh = *in.Config.AutoRefreshMs
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastSentCount int // per-run only; never persists across runs
	var pollDone chan struct{}
	if autoRefresh > 0 {
		pollDone = make(chan struct{})
		go h.pollDeltas(runCtx, sessionKey, fromNodeID, time.Duration(autoRefresh)*time.Millisecond, &lastSentCount, pollDone)
	}

	result, err := h.bridge.ExecuteTask(runCtx, sessionKey, in.Content)
	if pollDone != nil {
		cancel()
		<-pollDone
	}
	if err != nil {
		failure := wire.ChatPayload{
			Role:      wire.ChatRoleAssistant,
			Content:   fmt.Sprintf("❌ 处理失败: %s", err),
			Done:      true,
			Timestamp: time.Now().UnixMilli(),
		}
		if sendErr := h.sendChat(fromNodeID, failure, origID); sendErr != nil {
			return fmt.Errorf("chathandler: execute: %w (failure frame also failed to send: %v)", err, sendErr)
		}
		return fmt.Errorf("chathandler: execute: %w", err)
	}

	history, histErr := h.bridge.ChatHistory(ctx, sessionKey)
	if histErr != nil {
		history = []string{result.Output}
	}

	final := wire.ChatPayload{
		Role:      wire.ChatRoleAssistant,
		Done:      true,
		Timestamp: time.Now().UnixMilli(),
		Messages:  formatMessages(history),
	}
	return h.sendChat(fromNodeID, final, origID)
}

// pollDeltas periodically re-fetches chat history and emits any messages
// beyond lastSentCount as a non-final delta frame, until ctx is cancelled
// (the run finished) or the context deadline passes.
func (h *Handler) pollDeltas(ctx context.Context, sessionKey, fromNodeID string, interval time.Duration, lastSentCount *int, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			history, err := h.bridge.ChatHistory(ctx, sessionKey)
			if err != nil || len(history) <= *lastSentCount {
				continue
			}
			fresh := history[*lastSentCount:]
			*lastSentCount = len(history)
			delta := wire.ChatPayload{
				Role:      wire.ChatRoleDelta,
				Done:      false,
				Timestamp: time.Now().UnixMilli(),
				Messages:  formatMessages(fresh),
			}
			if err := h.sendChat(fromNodeID, delta, ""); err != nil {
				return
			}
		}
	}
}

func formatMessages(content []string) []wire.ChatMessage {
	out := make([]wire.ChatMessage, len(content))
	for i, c := range content {
		out[i] = wire.ChatMessage{Role: wire.ChatRoleAssistant, Content: c}
	}
	return out
}

func (h *Handler) sendChat(toNodeID string, payload wire.ChatPayload, replyTo string) error {
	payload.ReplyTo = replyTo
	msg, err := wire.NewMessage(frameID(), wire.TypeChat, payload)
	if err != nil {
		return fmt.Errorf("chathandler: encode chat frame: %w", err)
	}
	msg.To = toNodeID
	msg.Stamp(time.Now())
	return h.sender.Send(msg)
}
