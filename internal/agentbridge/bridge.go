// Package agentbridge is the Agent Bridge (C3): a short-lived WebSocket RPC
// client to the local agent gateway at ws://127.0.0.1:<gatewayPort>. Every
// call opens a fresh connection, does the connect handshake, issues its
// request(s), and closes — the "fire-and-forget" pattern from SPEC_FULL.md
// §9: isolating failures matters more than the cost of re-dialing at this
// scale, so no connection pool is kept.
package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/cluster-hub/pkg/protocol"
)

// Bridge dials the local agent gateway on demand.
type Bridge struct {
	addr  string // host:port of the gateway, e.g. "127.0.0.1:18790"
	token string
}

// New returns a Bridge that dials addr, authenticating each connection with
// token.
func New(addr, token string) *Bridge {
	return &Bridge{addr: addr, token: token}
}

// Result is the terminal outcome of a dispatched agent run.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Dispatched is what DispatchTaskToAgent hands back immediately after the
// submit round trip — the handle WaitAndCollectResult later blocks on.
type Dispatched struct {
	RunID      string
	SessionKey string
}

// Per-call timeouts (spec §4.3): each of the three RPC patterns opens its
// own connection and deadline, independent of the others.
const (
	dispatchTimeout      = 15 * time.Second
	chatHistoryTimeout   = 10 * time.Second
	deleteSessionTimeout = 5 * time.Second
	waitGraceTimeout     = 5 * time.Second
	chatHistoryLimit     = 30

	// DefaultWaitTimeoutMs is the task-level default passed to
	// WaitAndCollectResult when the caller has no tighter deadline of its
	// own (spec §5's "overarching task timeout defaults to 300,000 ms").
	DefaultWaitTimeoutMs = 300_000
)

// DispatchTaskToAgent submits task under sessionKey to the local agent
// gateway over a fresh connection and returns as soon as the gateway has
// accepted the run, without waiting for it to finish (spec §4.3 call
// pattern 1). The dispatch slot a caller holds for this round trip can be
// released the moment this call returns.
func (b *Bridge) DispatchTaskToAgent(ctx context.Context, sessionKey, task string) (Dispatched, error) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		return Dispatched{}, err
	}
	defer conn.Close()

	if err := b.handshake(ctx, conn); err != nil {
		return Dispatched{}, err
	}

	reqID := uuid.NewString()
	params, _ := json.Marshal(map[string]interface{}{
		"message":        task,
		"sessionKey":     sessionKey,
		"idempotencyKey": uuid.NewString(),
		"deliver":        false,
	})
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: reqID, Method: protocol.MethodAgent, Params: params}
	if err := writeJSON(ctx, conn, req); err != nil {
		return Dispatched{}, fmt.Errorf("agentbridge: send agent: %w", err)
	}

	resp, err := readResponse(ctx, conn, reqID)
	if err != nil {
		return Dispatched{}, err
	}
	if !resp.OK {
		return Dispatched{}, responseError(resp)
	}

	runID, ok := stringField(resp.Payload, "runId")
	if !ok || runID == "" {
		return Dispatched{}, fmt.Errorf("agentbridge: agent response missing runId")
	}
	return Dispatched{RunID: runID, SessionKey: sessionKey}, nil
}

// WaitAndCollectResult blocks on a previously dispatched run over a fresh
// connection (spec §4.3 call pattern 2), until the run reaches a terminal
// state or ctx is cancelled. timeoutMs <= 0 uses DefaultWaitTimeoutMs.
func (b *Bridge) WaitAndCollectResult(ctx context.Context, runID, sessionKey string, timeoutMs int) (Result, error) {
	if timeoutMs <= 0 {
		timeoutMs = DefaultWaitTimeoutMs
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond+waitGraceTimeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	if err := b.handshake(ctx, conn); err != nil {
		return Result{}, err
	}

	reqID := uuid.NewString()
	params, _ := json.Marshal(map[string]interface{}{"runId": runID, "timeoutMs": timeoutMs})
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: reqID, Method: protocol.MethodAgentWait, Params: params}
	if err := writeJSON(ctx, conn, req); err != nil {
		return Result{}, fmt.Errorf("agentbridge: send agent.wait: %w", err)
	}

	resp, err := readResponse(ctx, conn, reqID)
	if err != nil {
		return Result{}, err
	}
	if !resp.OK {
		return Result{Success: false, Error: responseError(resp).Error()}, nil
	}
	return parseResultPayload(resp.Payload), nil
}

// ExecuteTask is executeTaskLocally (spec §4.3): the synchronous
// dispatch-then-wait wrapper used by self-task mode, where nothing needs
// the dispatch slot released before the run finishes.
func (b *Bridge) ExecuteTask(ctx context.Context, sessionKey, task string) (Result, error) {
	dispatched, err := b.DispatchTaskToAgent(ctx, sessionKey, task)
	if err != nil {
		return Result{}, err
	}
	return b.WaitAndCollectResult(ctx, dispatched.RunID, dispatched.SessionKey, 0)
}

// ChatHistory fetches the agent's message history for sessionKey over a
// fresh connection and returns the content of each assistant message, one
// string per message, in order. Only messages whose content is a plain
// string are returned; block-structured content is skipped. Returns an
// empty slice if the session has no such assistant messages yet.
func (b *Bridge) ChatHistory(ctx context.Context, sessionKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatHistoryTimeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := b.handshake(ctx, conn); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	params, _ := json.Marshal(map[string]interface{}{"sessionKey": sessionKey, "limit": chatHistoryLimit})
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: reqID, Method: protocol.MethodChatHistory, Params: params}
	if err := writeJSON(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("agentbridge: send chat.history: %w", err)
	}

	resp, err := readResponse(ctx, conn, reqID)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, responseError(resp)
	}

	messages := extractAssistantMessages(resp.Payload)
	if len(messages) == 0 {
		return []string{}, nil
	}
	return messages, nil
}

// DeleteSession tells the gateway to discard sessionKey's state. It is
// fire-and-forget: the response (if any) is not waited for, matching the
// cleanup-on-task-completion use in the coordinator.
func (b *Bridge) DeleteSession(ctx context.Context, sessionKey string) error {
	ctx, cancel := context.WithTimeout(ctx, deleteSessionTimeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := b.handshake(ctx, conn); err != nil {
		return err
	}

	reqID := uuid.NewString()
	params, _ := json.Marshal(map[string]string{"key": sessionKey})
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: reqID, Method: protocol.MethodSessionsDelete, Params: params}
	return writeJSON(ctx, conn, req)
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s/ws", b.addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentbridge: dial %s: %w", url, err)
	}
	return conn, nil
}

func (b *Bridge) handshake(ctx context.Context, conn *websocket.Conn) error {
	params, _ := json.Marshal(map[string]interface{}{
		"minProtocol": protocol.ProtocolVersion,
		"maxProtocol": protocol.ProtocolVersion,
		"client":      "cluster-hub",
		"auth":        map[string]string{"token": b.token},
	})
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "connect-1", Method: protocol.MethodConnect, Params: params}
	if err := writeJSON(ctx, conn, req); err != nil {
		return fmt.Errorf("agentbridge: send connect: %w", err)
	}

	resp, err := readResponse(ctx, conn, "connect-1")
	if err != nil {
		return err
	}
	if !resp.OK {
		return responseError(resp)
	}
	return nil
}

func parseResultPayload(payload interface{}) Result {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return Result{Success: true}
	}
	res := Result{}
	if v, ok := m["success"].(bool); ok {
		res.Success = v
	} else {
		res.Success = true
	}
	if v, ok := m["output"].(string); ok {
		res.Output = v
	} else if v, ok := m["result"].(string); ok {
		res.Output = v
	}
	if v, ok := m["error"].(string); ok {
		res.Error = v
	}
	return res
}

// stringField reads a string-valued key out of a decoded response payload.
func stringField(payload interface{}, key string) (string, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

// extractAssistantMessages pulls the plain-string content of assistant
// messages out of a chat.history response payload, in order.
func extractAssistantMessages(payload interface{}) []string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := m["messages"].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		if role == "assistant" && content != "" {
			out = append(out, content)
		}
	}
	return out
}

// writeJSON writes v to conn, bounding the write by ctx's deadline if it
// has one.
func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	return conn.WriteJSON(v)
}

// readResponse drains frames off conn until it sees the response matching
// wantID, discarding any events sent ahead of it. Reading happens on its
// own goroutine so ctx cancellation unblocks the caller immediately rather
// than waiting for conn's read deadline.
func readResponse(ctx context.Context, conn *websocket.Conn, wantID string) (*protocol.ResponseFrame, error) {
	type result struct {
		resp *protocol.ResponseFrame
		err  error
	}
	done := make(chan result, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- result{nil, fmt.Errorf("agentbridge: read: %w", err)}
				return
			}
			frameType, err := protocol.ParseFrameType(raw)
			if err != nil {
				continue
			}
			if frameType != protocol.FrameTypeResponse {
				continue // drain events; caller isn't interested in them here
			}
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.ID != wantID {
				continue
			}
			done <- result{&resp, nil}
			return
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close() // unblock the read goroutine above
		return nil, ctx.Err()
	case r := <-done:
		return r.resp, r.err
	}
}

func responseError(resp *protocol.ResponseFrame) error {
	if resp.Error != nil {
		return fmt.Errorf("agentbridge: %s", resp.Error.Message)
	}
	return fmt.Errorf("agentbridge: request rejected")
}
