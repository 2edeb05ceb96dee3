package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/cluster-hub/internal/agentbridge"
	"github.com/nextlevelbuilder/cluster-hub/internal/config"
	"github.com/nextlevelbuilder/cluster-hub/internal/hubclient"
	"github.com/nextlevelbuilder/cluster-hub/internal/store"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// fakeGateway mirrors the canned local-agent-gateway double used by
// internal/agentbridge's own tests: accept connect, accept agent, reply
// to agent.wait with a successful result, and return a chat history
// holding a single assistant message.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				Type   string          `json:"type"`
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params,omitempty"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "connect":
				conn.WriteJSON(map[string]interface{}{"type": "res", "id": req.ID, "ok": true})
			case "agent":
				// A small, deliberate delay on the submit round trip so
				// tests exercising the waiting queue (maxConcurrent=1) have
				// a window in which a second task is still genuinely
				// queued, rather than racing a near-instant reply.
				time.Sleep(50 * time.Millisecond)
				conn.WriteJSON(map[string]interface{}{
					"type": "res", "id": req.ID, "ok": true,
					"payload": map[string]interface{}{"runId": "run-" + req.ID},
				})
			case "agent.wait":
				conn.WriteJSON(map[string]interface{}{
					"type": "res", "id": req.ID, "ok": true,
					"payload": map[string]interface{}{"success": true, "output": "done"},
				})
			case "chat.history":
				conn.WriteJSON(map[string]interface{}{
					"type": "res", "id": req.ID, "ok": true,
					"payload": map[string]interface{}{"messages": []interface{}{
						map[string]interface{}{"role": "assistant", "content": "hello there"},
					}},
				})
			case "sessions.delete":
				// fire-and-forget
			}
		}
	}))
}

func gatewayAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

// fakeHub records every frame a Client sends it and never pushes anything
// back unless the test calls push().
type fakeHub struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	frames []wire.Message
	ready  chan struct{}
}

func newFakeHub(t *testing.T) (*httptest.Server, *fakeHub) {
	t.Helper()
	fh := &fakeHub{ready: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fh.mu.Lock()
		fh.conn = conn
		fh.mu.Unlock()
		select {
		case fh.ready <- struct{}{}:
		default:
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			fh.mu.Lock()
			fh.frames = append(fh.frames, msg)
			fh.mu.Unlock()
		}
	}))
	return srv, fh
}

func (f *fakeHub) push(msg *wire.Message) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(msg)
	conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeHub) framesOfType(typ string) []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Message
	for _, m := range f.frames {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, hubURL, gatewayAddr string) *Coordinator {
	t.Helper()
	identityPath := filepath.Join(t.TempDir(), "openclaw.json")
	idStore := config.NewStore(identityPath)
	if err := idStore.Patch(func(id *config.Identity) {
		id.NodeID = "node-self"
		id.NodeName = "laptop"
		id.ClusterID = "cluster-1"
		id.SelfTaskMode = config.SelfTaskModeLocal
	}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	stores := store.Open(t.TempDir())
	httpClient := hubclient.NewHTTPClient(hubURL, "tok", "", nil)
	bridge := agentbridge.New(gatewayAddr, "tok")

	c, err := New(hubURL, "tok", Deps{
		IdentityStore: idStore,
		Stores:        stores,
		HubHTTP:       httpClient,
		Bridge:        bridge,
		MaxConcurrent: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSendTaskLocalModeExecutesAgainstBridgeDirectly(t *testing.T) {
	gw := fakeGateway(t)
	defer gw.Close()
	hubSrv, _ := newFakeHub(t)
	defer hubSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(hubSrv.URL, "http")

	c := newTestCoordinator(t, wsURL, gatewayAddr(gw))

	recorded, err := c.SendTask(context.Background(), "node-self", "ls")
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if recorded.Status != store.StatusSent {
		t.Fatalf("expected immediate status sent, got %s", recorded.Status)
	}

	waitFor(t, func() bool {
		got, ok := c.TaskGet(recorded.ID)
		return ok && got.Status == store.StatusCompleted
	})

	got, _ := c.TaskGet(recorded.ID)
	if got.Result != "done" {
		t.Fatalf("expected agent output persisted, got %+v", got)
	}
}

func TestSendTaskRemoteSendsHubFrame(t *testing.T) {
	gw := fakeGateway(t)
	defer gw.Close()
	hubSrv, fh := newFakeHub(t)
	defer hubSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(hubSrv.URL, "http")

	c := newTestCoordinator(t, wsURL, gatewayAddr(gw))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	<-fh.ready
	recorded, err := c.SendTask(context.Background(), "node-peer", "echo hi")
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}

	waitFor(t, func() bool { return len(fh.framesOfType(wire.TypeTask)) == 1 })
	frame := fh.framesOfType(wire.TypeTask)[0]
	if frame.ID != recorded.ID || frame.To != "node-peer" {
		t.Fatalf("unexpected outbound task frame: %+v", frame)
	}
}

func TestInboundTaskFlowsThroughQueueAndEmitsFrames(t *testing.T) {
	gw := fakeGateway(t)
	defer gw.Close()
	hubSrv, fh := newFakeHub(t)
	defer hubSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(hubSrv.URL, "http")

	c := newTestCoordinator(t, wsURL, gatewayAddr(gw))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	<-fh.ready

	payload, _ := json.Marshal(wire.TaskPayload{Task: "build the project"})
	fh.push(&wire.Message{Type: wire.TypeTask, ID: "remote-task-1", From: "node-peer", Payload: payload})

	waitFor(t, func() bool { return len(fh.framesOfType(wire.TypeTaskAck)) >= 1 })
	waitFor(t, func() bool { return len(fh.framesOfType(wire.TypeResult)) == 1 })

	acks := fh.framesOfType(wire.TypeTaskAck)
	var sawRunning bool
	for _, a := range acks {
		var p wire.TaskAckPayload
		json.Unmarshal(a.Payload, &p)
		if p.Status == wire.AckStatusRunning {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Fatal("expected a running task_ack for the dispatched task")
	}

	result := fh.framesOfType(wire.TypeResult)[0]
	if result.ID != "remote-task-1" || result.To != "node-peer" {
		t.Fatalf("unexpected result frame: %+v", result)
	}
	var rp wire.ResultPayload
	json.Unmarshal(result.Payload, &rp)
	if !rp.Success || rp.Result != "done" {
		t.Fatalf("expected successful result, got %+v", rp)
	}

	received, ok := c.TaskGet("remote-task-1")
	if !ok || received.Status != store.StatusCompleted {
		t.Fatalf("expected received task marked completed, got %+v", received)
	}
}

func TestBroadcastBumpsChangeSeqAndFiresLifecycleHooks(t *testing.T) {
	gw := fakeGateway(t)
	defer gw.Close()
	hubSrv, _ := newFakeHub(t)
	defer hubSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(hubSrv.URL, "http")

	c := newTestCoordinator(t, wsURL, gatewayAddr(gw))

	var mu sync.Mutex
	var onlineCalls, offlineCalls int
	c.OnNodeOnline(func(string) { mu.Lock(); onlineCalls++; mu.Unlock() })
	c.OnNodeOffline(func(string) { mu.Lock(); offlineCalls++; mu.Unlock() })

	onlinePayload, _ := json.Marshal(map[string]string{"action": actionNodeOnline, "nodeId": "peer-a"})
	c.onHubMessage(&wire.Message{Type: wire.TypeBroadcast, Channel: systemChannel, Payload: onlinePayload})

	offlinePayload, _ := json.Marshal(map[string]string{"action": actionNodeOffline, "nodeId": "peer-a"})
	c.onHubMessage(&wire.Message{Type: wire.TypeBroadcast, Channel: systemChannel, Payload: offlinePayload})

	if c.ChangeSeq() != 2 {
		t.Fatalf("expected changeSeq to advance by exactly 2, got %d", c.ChangeSeq())
	}
	mu.Lock()
	defer mu.Unlock()
	if onlineCalls != 1 || offlineCalls != 1 {
		t.Fatalf("expected each hook to fire exactly once, got online=%d offline=%d", onlineCalls, offlineCalls)
	}

	events := c.NodeEvents(0)
	if len(events) != 2 || events[0].Kind != "offline" {
		t.Fatalf("expected most-recent-first events, got %+v", events)
	}
}

func TestTaskCancelWhileQueuedEmitsNoRunningAck(t *testing.T) {
	gw := fakeGateway(t)
	defer gw.Close()
	hubSrv, fh := newFakeHub(t)
	defer hubSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(hubSrv.URL, "http")

	c := newTestCoordinator(t, wsURL, gatewayAddr(gw))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	<-fh.ready

	p1, _ := json.Marshal(wire.TaskPayload{Task: "long running"})
	fh.push(&wire.Message{Type: wire.TypeTask, ID: "task-1", From: "node-peer", Payload: p1})
	waitFor(t, func() bool { return len(fh.framesOfType(wire.TypeTaskAck)) >= 1 })

	p2, _ := json.Marshal(wire.TaskPayload{Task: "second"})
	fh.push(&wire.Message{Type: wire.TypeTask, ID: "task-2", From: "node-peer", Payload: p2})
	waitFor(t, func() bool {
		got, ok := c.TaskGet("task-2")
		return ok && got.Status == store.StatusQueued
	})

	c.handleInboundCancel(&wire.Message{ID: "task-2"})

	waitFor(t, func() bool {
		got, ok := c.TaskGet("task-2")
		return ok && got.Status == store.StatusCancelled
	})

	for _, a := range fh.framesOfType(wire.TypeTaskAck) {
		if a.ID != "task-2" {
			continue
		}
		var p wire.TaskAckPayload
		json.Unmarshal(a.Payload, &p)
		if p.Status == wire.AckStatusRunning {
			t.Fatal("task-2 must never receive a running ack after being cancelled while queued")
		}
	}
}
