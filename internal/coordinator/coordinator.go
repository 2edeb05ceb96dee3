// Package coordinator is the Coordinator / RPC Surface (C6): it wires the
// persistent stores, Hub client, agent bridge, task queue, and chat
// handler together, dispatches inbound Hub frames, and exposes the RPC
// verb set a presentation layer calls into. It is the single place that
// owns the node's identity and the event fan-out handle, replacing the
// module-scope singletons the original system leaned on (SPEC_FULL.md §9).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cluster-hub/internal/agentbridge"
	"github.com/nextlevelbuilder/cluster-hub/internal/bus"
	"github.com/nextlevelbuilder/cluster-hub/internal/chathandler"
	"github.com/nextlevelbuilder/cluster-hub/internal/config"
	"github.com/nextlevelbuilder/cluster-hub/internal/hubclient"
	"github.com/nextlevelbuilder/cluster-hub/internal/queue"
	"github.com/nextlevelbuilder/cluster-hub/internal/store"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// Task sources, mirroring spec §3's StoredTask.source field.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Fan-out event names, mirroring spec §4.6's "Event fan-out" list.
const (
	EventTaskUpdate  = "task.update"
	EventChatMessage = "chat.message"
	EventNodeEvent   = "node.event"
)

// Broadcast channel/action names on the Hub's "system" channel (spec §4.2).
const (
	systemChannel           = "system"
	actionNodeOnline        = "node_online"
	actionNodeOffline       = "node_offline"
	actionChildRegistered   = "child_registered"
	actionChildUnregistered = "child_unregistered"
	actionChildDeparted     = "child_departed"
	actionChildArrived      = "child_arrived"
	actionReparented        = "reparented"
)

// Coordinator is the process-wide state the RPC surface and the Hub
// client's Handler both operate on. Construct one per running node; pass
// it by reference everywhere (SPEC_FULL.md §9: "gather these into a single
// Coordinator value").
type Coordinator struct {
	identityStore *config.Store
	stores        *store.Stores
	hub           *hubclient.Client
	http          *hubclient.HTTPClient
	bridge        *agentbridge.Bridge
	queue         *queue.Queue
	chat          *chathandler.Handler
	events        bus.EventPublisher

	mu        sync.RWMutex
	identity  config.Identity
	changeSeq int64

	saasOnce         sync.Once
	onNodeOnline     func(nodeID string)
	onNodeOffline    func(nodeID string)
	onSharedConfig   func(wire.SharedConfig)
	sharedConfigOnce sync.Once
}

// Deps bundles the already-constructed collaborators a Coordinator wires
// together; New takes ownership of all of them.
type Deps struct {
	IdentityStore *config.Store
	Stores        *store.Stores
	HubHTTP       *hubclient.HTTPClient
	Bridge        *agentbridge.Bridge
	Events        bus.EventPublisher
	MaxConcurrent int
}

// New builds a Coordinator. The Hub WS client and the task queue are
// constructed here because each needs a callback bound to this
// Coordinator (the queue's executor adapter, the Hub client's Handler) —
// a one-way dependency: the coordinator owns callbacks into itself, the
// collaborators never hold a back-pointer (SPEC_FULL.md §9).
func New(hubURL, token string, deps Deps) (*Coordinator, error) {
	identity, err := deps.IdentityStore.Load()
	if err != nil {
		return nil, fmt.Errorf("coordinator: load identity: %w", err)
	}

	c := &Coordinator{
		identityStore: deps.IdentityStore,
		stores:        deps.Stores,
		http:          deps.HubHTTP,
		bridge:        deps.Bridge,
		events:        deps.Events,
		identity:      identity,
	}

	c.queue = queue.New(deps.MaxConcurrent, executorAdapter{c}, c.onQueueResult, c.onQueueAck)
	c.chat = chathandler.New(bridgeAdapter{c}, senderAdapter{c})
	c.hub = hubclient.New(hubURL, token, handlerAdapter{c}, hubclient.WithLoadFunc(c.loadSnapshot))
	return c, nil
}

// executorAdapter satisfies queue.Executor by calling through to the
// agent bridge, so the queue package never imports agentbridge directly.
type executorAdapter struct{ c *Coordinator }

func (e executorAdapter) Dispatch(ctx context.Context, sessionKey, task string) (string, error) {
	dispatched, err := e.c.bridge.DispatchTaskToAgent(ctx, sessionKey, task)
	if err != nil {
		return "", err
	}
	return dispatched.RunID, nil
}

func (e executorAdapter) Wait(ctx context.Context, runID, sessionKey string) (bool, string, string, error) {
	result, err := e.c.bridge.WaitAndCollectResult(ctx, runID, sessionKey, 0)
	if err != nil {
		return false, "", "", err
	}
	return result.Success, result.Output, result.Error, nil
}

// bridgeAdapter satisfies chathandler.Bridge; it exists only so the
// chathandler package depends on a narrow interface instead of the
// concrete *agentbridge.Bridge type.
type bridgeAdapter struct{ c *Coordinator }

func (b bridgeAdapter) ExecuteTask(ctx context.Context, sessionKey, task string) (agentbridge.Result, error) {
	return b.c.bridge.ExecuteTask(ctx, sessionKey, task)
}

func (b bridgeAdapter) ChatHistory(ctx context.Context, sessionKey string) ([]string, error) {
	return b.c.bridge.ChatHistory(ctx, sessionKey)
}

// senderAdapter satisfies chathandler.Sender by forwarding to the Hub
// connection.
type senderAdapter struct{ c *Coordinator }

func (s senderAdapter) Send(msg *wire.Message) error {
	msg.From = s.c.Identity().NodeID
	msg.Stamp(time.Now())
	return s.c.hub.Send(msg)
}

// handlerAdapter satisfies hubclient.Handler, routing inbound frames and
// lifecycle events back into the coordinator.
type handlerAdapter struct{ c *Coordinator }

func (h handlerAdapter) OnMessage(msg *wire.Message) { h.c.onHubMessage(msg) }
func (h handlerAdapter) OnConnected()                { slog.Info("coordinator.hub_connected") }
func (h handlerAdapter) OnDisconnected(err error)    { slog.Warn("coordinator.hub_disconnected", "error", err) }

// loadSnapshot reports this node's current load for outbound heartbeats.
// activeTasks is the sum of the queue's dispatching and inflight pools;
// load itself is a placeholder (spec §4.2 permits this).
func (c *Coordinator) loadSnapshot() (float64, int) {
	status := c.queue.GetStatus()
	return 0, status.Dispatching + status.Inflight
}

// Identity returns a snapshot of the current node identity.
func (c *Coordinator) Identity() config.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Coordinator) setIdentity(id config.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Connect opens the Hub WebSocket connection.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.hub.Connect(ctx)
}

// Disconnect intentionally closes the Hub connection.
func (c *Coordinator) Disconnect() error {
	return c.hub.Close()
}

// Shutdown flushes every persistent store synchronously. Call once, on
// process exit.
func (c *Coordinator) Shutdown() error {
	return c.stores.Flush()
}

// OnNodeOnline / OnNodeOffline register the presentation layer's lifecycle
// observer hooks, invoked once per corresponding broadcast (spec §4.2,
// §8 scenario 5). Both are optional; nil is a no-op.
func (c *Coordinator) OnNodeOnline(fn func(nodeID string))  { c.onNodeOnline = fn }
func (c *Coordinator) OnNodeOffline(fn func(nodeID string)) { c.onNodeOffline = fn }

// OnSharedConfig registers the hook invoked when the Hub pushes a shared
// per-cluster configuration payload (spec §4.2's "Shared-config push").
func (c *Coordinator) OnSharedConfig(fn func(wire.SharedConfig)) { c.onSharedConfig = fn }

// publish fans an event out through the bus, never blocking on a slow
// subscriber (bus.EventPublisher's contract).
func (c *Coordinator) publish(name string, payload interface{}) {
	if c.events == nil {
		return
	}
	c.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// bumpChangeSeq increments the topology change-sequence counter and
// returns the new value (invariant 4: strictly monotonic).
func (c *Coordinator) bumpChangeSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeSeq++
	return c.changeSeq
}

// ChangeSeq returns the current change-sequence value.
func (c *Coordinator) ChangeSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changeSeq
}

// RegisterSaaSTools ensures the external SaaS connector surface (feishu-
// style document/messaging tool registration, out of core scope per spec
// §1) is wired at most once even if shared config is pushed by the Hub
// more than once, per SPEC_FULL.md §9's exactly-once requirement. register
// is supplied by the caller, since the connector set itself is a
// collaborator, not core.
func (c *Coordinator) RegisterSaaSTools(register func()) {
	c.saasOnce.Do(register)
}

// onHubMessage is the Hub Client's inbound frame dispatcher (spec §4.2's
// "Inbound dispatch" table), housed here rather than inside hubclient so
// it can reach every other collaborator without a back-pointer from the
// transport package into the coordinator (SPEC_FULL.md §9).
func (c *Coordinator) onHubMessage(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeTask:
		c.handleInboundTask(msg)
	case wire.TypeResult:
		c.publish(EventTaskUpdate, msg)
	case wire.TypeTaskAck, wire.TypeTaskStatus:
		c.handleTaskStatusFrame(msg)
	case wire.TypeTaskCancel:
		c.handleInboundCancel(msg)
	case wire.TypeChat:
		c.handleInboundChat(msg)
	case wire.TypeDirect:
		c.handleDirect(msg)
	case wire.TypeBroadcast:
		c.handleBroadcast(msg)
	case wire.TypeHeartbeat:
		// inbound heartbeat replies are ignored, per spec §4.2.
	default:
		slog.Debug("coordinator.unknown_frame_type", "type", msg.Type)
	}
}

func (c *Coordinator) handleInboundTask(msg *wire.Message) {
	var payload wire.TaskPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		slog.Debug("coordinator.bad_task_payload", "error", err)
		return
	}

	maxConcurrent := 0
	if payload.Config != nil {
		maxConcurrent = payload.Config.MaxConcurrent
	}
	_ = maxConcurrent // per-frame overrides are accepted but the queue's pool size is fixed at construction.

	c.stores.Received.RecordWithStatus(store.StoredTask{
		ID: msg.ID, PeerID: msg.From, Task: payload.Task, UpdatedAt: time.Now(),
	}, store.StatusQueued)
	c.publish(EventTaskUpdate, c.receivedSnapshot(msg.ID))

	sessionKey := fmt.Sprintf("agent:main:hub-task:%s", msg.ID)
	c.queue.Enqueue(context.Background(), msg.ID, msg.From, sessionKey, payload.Task, payload.Priority)
}

// onQueueAck is the queue's AckHandler: it sends the task_ack frame back to
// the task's originator and mirrors the status into the received-task
// store (invariant: exactly one task_ack{running} per dispatched task,
// emitted strictly before its result — see queue.go).
func (c *Coordinator) onQueueAck(t *queue.Task) {
	status := wire.AckStatusQueued
	if t.Status == queue.StatusRunning {
		status = wire.AckStatusRunning
	}
	c.stores.Received.UpdateStatus(t.ID, t.Status, time.Now())
	c.publish(EventTaskUpdate, c.receivedSnapshot(t.ID))

	payload := wire.TaskAckPayload{Status: status, Position: t.Position}
	msg, err := wire.NewMessage(uuid.NewString(), wire.TypeTaskAck, payload)
	if err != nil {
		return
	}
	msg.ID = t.ID
	msg.To = t.PeerID
	if err := (senderAdapter{c}).Send(msg); err != nil {
		slog.Debug("coordinator.task_ack_send_failed", "error", err)
	}
}

// onQueueResult is the queue's ResultHandler: it sends exactly one result
// frame per task that leaves the queue (invariant 3), records the terminal
// state, best-effort deletes the agent session (invariant 3 of §3), and
// fans the update out.
func (c *Coordinator) onQueueResult(t *queue.Task) {
	switch t.Status {
	case queue.StatusCancelled:
		c.stores.Received.RecordCancelled(t.ID, time.Now())
	case queue.StatusCompleted:
		c.stores.Received.RecordResult(t.ID, true, t.Result, t.Error, time.Now())
	default:
		c.stores.Received.RecordResult(t.ID, false, t.Result, t.Error, time.Now())
	}
	c.publish(EventTaskUpdate, c.receivedSnapshot(t.ID))

	if t.SessionKey != "" {
		go func(sessionKey string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.bridge.DeleteSession(ctx, sessionKey)
		}(t.SessionKey)
	}

	payload := wire.ResultPayload{Success: t.Status == queue.StatusCompleted, Result: t.Result, Error: t.Error}
	msg, err := wire.NewMessage(uuid.NewString(), wire.TypeResult, payload)
	if err != nil {
		return
	}
	msg.ID = t.ID
	msg.To = t.PeerID
	if err := (senderAdapter{c}).Send(msg); err != nil {
		slog.Debug("coordinator.result_send_failed", "error", err)
	}
}

func (c *Coordinator) receivedSnapshot(taskID string) store.StoredTask {
	t, _ := c.stores.Received.Get(taskID)
	return t
}

// handleTaskStatusFrame updates the sent-task store for task_ack/task_status
// frames describing an outbound task's progress at the remote peer. Both
// frame types share this handler per DESIGN.md's Open Question decision:
// the source distinguishes them only by name, not by semantics.
func (c *Coordinator) handleTaskStatusFrame(msg *wire.Message) {
	var payload wire.TaskAckPayload
	if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.Status != "" {
		c.stores.Sent.UpdateStatus(msg.ID, payload.Status, time.Now())
		c.publish(EventTaskUpdate, c.sentSnapshot(msg.ID))
		return
	}
	var statusPayload wire.TaskStatusPayload
	if err := json.Unmarshal(msg.Payload, &statusPayload); err == nil && statusPayload.Status != "" {
		c.stores.Sent.UpdateStatus(msg.ID, statusPayload.Status, time.Now())
		c.publish(EventTaskUpdate, c.sentSnapshot(msg.ID))
	}
}

func (c *Coordinator) sentSnapshot(taskID string) store.StoredTask {
	t, _ := c.stores.Sent.Get(taskID)
	return t
}

// handleInboundCancel cancels a task this node is executing on behalf of
// the sender, mirroring task.cancel's local-queue branch.
func (c *Coordinator) handleInboundCancel(msg *wire.Message) {
	c.queue.Cancel(msg.ID)
}

func (c *Coordinator) handleInboundChat(msg *wire.Message) {
	var payload wire.ChatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		slog.Debug("coordinator.bad_chat_payload", "error", err)
		return
	}
	if payload.Role != wire.ChatRoleUser {
		// A reply to a chat this node originated: persist and fan out
		// (spec §4.5: "Chat frames whose role != user are handled by C6").
		c.recordInboundChatReply(msg.From, payload)
		return
	}
	go func() {
		ctx := context.Background()
		if err := c.chat.HandleChat(ctx, msg.From, msg.ID, payload); err != nil {
			slog.Warn("coordinator.chat_handle_failed", "error", err)
		}
	}()
}

func (c *Coordinator) recordInboundChatReply(fromNodeID string, payload wire.ChatPayload) {
	content := payload.Content
	if content == "" && len(payload.Messages) > 0 {
		content = payload.Messages[len(payload.Messages)-1].Content
	}
	entry := store.ChatEntry{Role: payload.Role, Content: content, Timestamp: time.Now()}
	c.stores.Chats.AppendMessage(fromNodeID, entry)
	c.publish(EventChatMessage, map[string]interface{}{"nodeId": fromNodeID, "message": entry})
}

func (c *Coordinator) handleDirect(msg *wire.Message) {
	var payload wire.DirectPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	if payload.Action != "connected" {
		return
	}
	slog.Info("coordinator.direct_connected", "nodeId", msg.From)

	var withConfig struct {
		SharedConfig wire.SharedConfig `json:"sharedConfig"`
	}
	if err := json.Unmarshal(msg.Payload, &withConfig); err == nil && withConfig.SharedConfig != nil {
		c.handleSharedConfigPush(withConfig.SharedConfig)
	}
}

func (c *Coordinator) handleSharedConfigPush(cfg wire.SharedConfig) {
	if c.onSharedConfig != nil {
		c.onSharedConfig(cfg)
	}
}

func (c *Coordinator) handleBroadcast(msg *wire.Message) {
	if msg.Channel != systemChannel {
		return
	}
	var payload struct {
		Action string `json:"action"`
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}

	switch payload.Action {
	case actionNodeOnline:
		c.http.InvalidateNodeCache()
		c.bumpChangeSeq()
		if c.onNodeOnline != nil {
			c.onNodeOnline(payload.NodeID)
		}
		c.publish(EventNodeEvent, store.NodeEvent{Kind: "online", NodeID: payload.NodeID, Timestamp: time.Now()})
		c.stores.Events.Append(store.NodeEvent{Seq: c.ChangeSeq(), Kind: "online", NodeID: payload.NodeID, Timestamp: time.Now()})
	case actionNodeOffline:
		c.http.InvalidateNodeCache()
		c.bumpChangeSeq()
		if c.onNodeOffline != nil {
			c.onNodeOffline(payload.NodeID)
		}
		c.publish(EventNodeEvent, store.NodeEvent{Kind: "offline", NodeID: payload.NodeID, Timestamp: time.Now()})
		c.stores.Events.Append(store.NodeEvent{Seq: c.ChangeSeq(), Kind: "offline", NodeID: payload.NodeID, Timestamp: time.Now()})
	case actionChildRegistered, actionChildUnregistered, actionChildDeparted, actionChildArrived, actionReparented:
		c.http.InvalidateNodeCache()
		c.bumpChangeSeq()
		kind := "registered"
		if payload.Action == actionChildDeparted || payload.Action == actionChildUnregistered {
			kind = "departed"
		}
		c.stores.Events.Append(store.NodeEvent{Seq: c.ChangeSeq(), Kind: kind, NodeID: payload.NodeID, Timestamp: time.Now()})
		c.publish(EventNodeEvent, store.NodeEvent{Kind: kind, NodeID: payload.NodeID, Timestamp: time.Now()})
	}
}

func newTaskID() string {
	return uuid.NewString()
}
