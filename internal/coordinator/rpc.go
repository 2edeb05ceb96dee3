package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/cluster-hub/internal/config"
	"github.com/nextlevelbuilder/cluster-hub/internal/hubclient"
	"github.com/nextlevelbuilder/cluster-hub/internal/store"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// This file is the RPC Surface half of C6 (spec §4.6): one Go method per
// verb, grouped the way spec groups them. A presentation layer (CLI,
// chatbot binding, console) calls these directly; the verb-name/JSON
// transport binding itself is a consumer concern, out of core scope
// (spec §1).

// ---- Identity / transport -------------------------------------------------

// StatusSnapshot is the payload of the "status" verb.
type StatusSnapshot struct {
	Registered   bool
	Connected    bool
	NodeID       string
	ClusterID    string
	ParentID     string
	PendingTasks int
	CachedNodes  int
}

// Status reports the node's registration, connection, and queue state.
func (c *Coordinator) Status() StatusSnapshot {
	id := c.Identity()
	qs := c.queue.GetStatus()
	return StatusSnapshot{
		Registered:   id.NodeID != "",
		Connected:    c.hub.State() == hubclient.StateConnected,
		NodeID:       id.NodeID,
		ClusterID:    id.ClusterID,
		ParentID:     id.ParentID,
		PendingTasks: qs.Waiting + qs.Inflight,
		CachedNodes:  c.http.CachedNodeCount(),
	}
}

// Ping is a liveness check for the presentation layer, independent of Hub
// connectivity.
func (c *Coordinator) Ping() string { return "pong" }

// ConfigGet returns the non-secret subset of the durable identity (the
// bearer token is withheld — callers that need it have it already via the
// Hub client).
func (c *Coordinator) ConfigGet() map[string]interface{} {
	id := c.Identity()
	return map[string]interface{}{
		"hubUrl":       id.HubURL,
		"nodeId":       id.NodeID,
		"nodeName":     id.NodeName,
		"nodeAlias":    id.NodeAlias,
		"clusterId":    id.ClusterID,
		"parentId":     id.ParentID,
		"capabilities": id.Capabilities,
		"selfTaskMode": id.SelfTaskMode,
	}
}

// ConfigSet patches the mutable identity fields a presentation layer is
// allowed to change directly (name, alias, self-task mode); node/cluster
// identity itself only changes via register/reparent/unregister.
func (c *Coordinator) ConfigSet(nodeName, nodeAlias, selfTaskMode *string) error {
	err := c.identityStore.Patch(func(id *config.Identity) {
		if nodeName != nil {
			id.NodeName = *nodeName
		}
		if nodeAlias != nil {
			id.NodeAlias = *nodeAlias
		}
		if selfTaskMode != nil {
			id.SelfTaskMode = *selfTaskMode
		}
	})
	if err != nil {
		return fmt.Errorf("coordinator: config.set: %w", err)
	}
	id, err := c.identityStore.Load()
	if err != nil {
		return fmt.Errorf("coordinator: config.set reload: %w", err)
	}
	c.setIdentity(id)
	return nil
}

// ---- Cluster query ---------------------------------------------------------

// Nodes lists the cluster directory, forcing a fresh fetch past the 15s
// cache when force is true.
func (c *Coordinator) Nodes(ctx context.Context, force bool) ([]wire.Node, error) {
	if force {
		c.http.InvalidateNodeCache()
	}
	return c.http.FetchNodes(ctx)
}

// Node fetches a single node's directory entry.
func (c *Coordinator) Node(ctx context.Context, nodeID string) (wire.Node, error) {
	return c.http.FetchNode(ctx, nodeID)
}

// UpdateNode patches this node's own name/alias at the Hub and mirrors the
// change into the local identity.
func (c *Coordinator) UpdateNode(ctx context.Context, name, alias *string) error {
	id := c.Identity()
	if id.NodeID == "" {
		return fmt.Errorf("coordinator: node.update: not registered")
	}
	if err := c.http.UpdateNode(ctx, id.NodeID, wire.PatchNodeRequest{Name: name, Alias: alias}); err != nil {
		return err
	}
	if err := c.identityStore.Patch(func(id *config.Identity) {
		if name != nil {
			id.NodeName = *name
		}
		if alias != nil {
			id.NodeAlias = *alias
		}
	}); err != nil {
		return err
	}
	updated, err := c.identityStore.Load()
	if err != nil {
		return err
	}
	c.setIdentity(updated)
	return nil
}

// Tree fetches the full subtree rooted at nodeID.
func (c *Coordinator) Tree(ctx context.Context, nodeID string) ([]wire.Node, error) {
	return c.http.FetchTree(ctx, nodeID)
}

// Children fetches nodeID's direct children.
func (c *Coordinator) Children(ctx context.Context, nodeID string) ([]wire.Node, error) {
	return c.http.FetchChildren(ctx, nodeID)
}

// Clusters lists every cluster this node's token can see.
func (c *Coordinator) Clusters(ctx context.Context) ([]wire.Cluster, error) {
	return c.http.FetchClusters(ctx)
}

// ---- Identity lifecycle -----------------------------------------------------

// Register registers this node with the Hub and persists the resulting
// identity (nodeId, clusterId, parentId, token) to the host config file.
func (c *Coordinator) Register(ctx context.Context, req wire.RegisterRequest) (wire.RegisterData, error) {
	data, err := c.http.Register(ctx, req)
	if err != nil {
		return wire.RegisterData{}, err
	}
	if err := c.identityStore.Patch(func(id *config.Identity) {
		id.NodeID = data.NodeID
		id.ClusterID = data.ClusterID
		id.ParentID = data.ParentID
		id.Token = data.Token
		id.NodeName = req.NodeName
		id.NodeAlias = req.NodeAlias
		id.Capabilities = req.Capabilities
		if id.SelfTaskMode == "" {
			id.SelfTaskMode = config.SelfTaskModeLocal
		}
	}); err != nil {
		return wire.RegisterData{}, fmt.Errorf("coordinator: persist identity: %w", err)
	}
	id, err := c.identityStore.Load()
	if err != nil {
		return wire.RegisterData{}, fmt.Errorf("coordinator: reload identity: %w", err)
	}
	c.setIdentity(id)
	return data, nil
}

// RegisterChild registers a new node as a child of this one, without
// adopting the result as this node's own identity (spec §4.2).
func (c *Coordinator) RegisterChild(ctx context.Context, req wire.RegisterRequest) (wire.RegisterData, error) {
	parentID := c.Identity().NodeID
	return c.http.RegisterChild(ctx, parentID, req)
}

// Unregister removes nodeID from the Hub. If nodeID is this node's own
// identity, the local identity is cleared and the Hub connection closed.
func (c *Coordinator) Unregister(ctx context.Context, nodeID string) error {
	if err := c.http.Unregister(ctx, nodeID); err != nil {
		return err
	}
	if nodeID != c.Identity().NodeID {
		return nil
	}
	if err := c.identityStore.Patch(func(id *config.Identity) {
		*id = config.Identity{}
	}); err != nil {
		return fmt.Errorf("coordinator: clear identity: %w", err)
	}
	c.setIdentity(config.Identity{})
	return c.hub.Close()
}

// Reparent moves nodeID under a new parent (or to root, if newParentID is
// empty). If nodeID is this node, the local identity's parentId is updated.
func (c *Coordinator) Reparent(ctx context.Context, nodeID, newParentID string) error {
	if err := c.http.Reparent(ctx, nodeID, newParentID); err != nil {
		return err
	}
	if nodeID != c.Identity().NodeID {
		return nil
	}
	if err := c.identityStore.Patch(func(id *config.Identity) {
		id.ParentID = newParentID
	}); err != nil {
		return fmt.Errorf("coordinator: persist reparent: %w", err)
	}
	id, err := c.identityStore.Load()
	if err != nil {
		return err
	}
	c.setIdentity(id)
	return nil
}

// InviteCodeGet fetches nodeID's current invite code.
func (c *Coordinator) InviteCodeGet(ctx context.Context, nodeID string) (string, error) {
	return c.http.GetInviteCode(ctx, nodeID)
}

// InviteCodeSet rotates (or explicitly sets) nodeID's invite code.
func (c *Coordinator) InviteCodeSet(ctx context.Context, nodeID, code string) (string, error) {
	return c.http.SetInviteCode(ctx, nodeID, code)
}

// ---- Shared config ----------------------------------------------------------

// SharedConfigGet fetches the per-cluster shared configuration (credentials
// and owner identity used by external SaaS tool collaborators).
func (c *Coordinator) SharedConfigGet(ctx context.Context, clusterID string) (wire.SharedConfig, error) {
	return c.http.GetSharedConfig(ctx, clusterID)
}

// SharedConfigSet replaces the per-cluster shared configuration.
func (c *Coordinator) SharedConfigSet(ctx context.Context, clusterID string, cfg wire.SharedConfig) error {
	return c.http.PutSharedConfig(ctx, clusterID, cfg)
}

// ---- Tasks -------------------------------------------------------------------

// SendTask records and dispatches an outbound task to nodeID. If nodeID is
// this node's own identity and self-task mode is "local", the task is
// looped back to the agent bridge directly instead of round-tripping
// through the Hub (spec §4.6's "Self-task mode").
func (c *Coordinator) SendTask(ctx context.Context, nodeID, instruction string) (store.StoredTask, error) {
	id := c.Identity()
	taskID := newTaskID()
	now := time.Now()

	t := store.StoredTask{ID: taskID, PeerID: nodeID, Task: instruction, UpdatedAt: now}
	c.stores.Sent.RecordSent(t)
	recorded, _ := c.stores.Sent.Get(taskID)
	c.publish(EventTaskUpdate, recorded)

	if nodeID == id.NodeID && id.SelfTaskMode != config.SelfTaskModeHub {
		go c.executeLocalTask(taskID, instruction)
		return recorded, nil
	}

	payload := wire.TaskPayload{Task: instruction}
	msg, err := wire.NewMessage(taskID, wire.TypeTask, payload)
	if err != nil {
		return recorded, fmt.Errorf("coordinator: encode task frame: %w", err)
	}
	msg.To = nodeID
	if err := (senderAdapter{c}).Send(msg); err != nil {
		c.stores.Sent.RecordResult(taskID, false, "", err.Error(), time.Now())
		updated, _ := c.stores.Sent.Get(taskID)
		c.publish(EventTaskUpdate, updated)
		return updated, err
	}
	return recorded, nil
}

// executeLocalTask runs a self-targeted task directly against the agent
// bridge, bypassing the Hub entirely (spec §2's "Self-targeted task" flow).
func (c *Coordinator) executeLocalTask(taskID, instruction string) {
	sessionKey := fmt.Sprintf("agent:main:hub-task:%s", taskID)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
	defer cancel()

	result, err := c.bridge.ExecuteTask(ctx, sessionKey, instruction)
	now := time.Now()
	if err != nil {
		c.stores.Sent.RecordResult(taskID, false, "", err.Error(), now)
	} else {
		c.stores.Sent.RecordResult(taskID, result.Success, result.Output, result.Error, now)
	}
	updated, _ := c.stores.Sent.Get(taskID)
	c.publish(EventTaskUpdate, updated)
}

// TaskListFilter narrows TaskList's result set; zero-value fields are
// unfiltered.
type TaskListFilter struct {
	NodeID string
	Status string
	Limit  int
}

// TaskList returns sent tasks matching filter, newest first.
func (c *Coordinator) TaskList(filter TaskListFilter) []store.StoredTask {
	all := c.stores.Sent.List()
	out := make([]store.StoredTask, 0, len(all))
	for _, t := range all {
		if filter.NodeID != "" && t.PeerID != filter.NodeID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// TaskGet fetches a single sent task, falling back to the received-task
// log (a peer-originated task this node executed).
func (c *Coordinator) TaskGet(taskID string) (store.StoredTask, bool) {
	if t, ok := c.stores.Sent.Get(taskID); ok {
		return t, true
	}
	return c.stores.Received.Get(taskID)
}

// TaskCancel attempts to cancel taskID: first as a task this node is
// currently executing (local queue cancel), then as an outbound task this
// node sent elsewhere (a task_cancel frame to the target plus a local
// status transition).
func (c *Coordinator) TaskCancel(taskID string) bool {
	cancelledLocally := c.queue.Cancel(taskID)

	sent, ok := c.stores.Sent.Get(taskID)
	if !ok || isSentTerminal(sent.Status) {
		return cancelledLocally
	}

	payload := wire.TaskCancelPayload{}
	msg, err := wire.NewMessage(taskID, wire.TypeTaskCancel, payload)
	if err == nil {
		msg.To = sent.PeerID
		_ = senderAdapter{c}.Send(msg)
	}
	c.stores.Sent.UpdateStatus(taskID, store.StatusCancelled, time.Now())
	updated, _ := c.stores.Sent.Get(taskID)
	c.publish(EventTaskUpdate, updated)
	return true
}

func isSentTerminal(status string) bool {
	switch status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled, store.StatusTimeout:
		return true
	default:
		return false
	}
}

// TaskClear removes every terminal sent task whose last update is before
// cutoff (the zero time clears everything terminal), returning how many
// were removed.
func (c *Coordinator) TaskClear(cutoff time.Time) int {
	if cutoff.IsZero() {
		cutoff = time.Now()
	}
	return c.stores.Sent.ClearCompleted(cutoff)
}

// BatchTaskRequest is one entry in a TaskBatch call.
type BatchTaskRequest struct {
	NodeID      string
	Instruction string
}

// TaskBatch sends every request in order, collecting each resulting
// StoredTask (or the error for that one entry).
func (c *Coordinator) TaskBatch(ctx context.Context, reqs []BatchTaskRequest) ([]store.StoredTask, []error) {
	tasks := make([]store.StoredTask, len(reqs))
	errs := make([]error, len(reqs))
	for i, r := range reqs {
		t, err := c.SendTask(ctx, r.NodeID, r.Instruction)
		tasks[i] = t
		errs[i] = err
	}
	return tasks, errs
}

// ---- Chat --------------------------------------------------------------------

// ChatSendOptions configures how a peer's reply should stream back, set on
// the outbound chat frame's ChatConfig.
type ChatSendOptions struct {
	Whole         bool
	AutoRefreshMs *int
}

// ChatSend persists the local user's message and forwards it to nodeID as
// a chat{role:"user"} frame (spec §4.6, §2's "Chat (outbound)" flow). The
// peer's eventual reply is appended to the same log by onHubMessage.
func (c *Coordinator) ChatSend(nodeID, content string, opts ChatSendOptions) error {
	entry := store.ChatEntry{Role: wire.ChatRoleUser, Content: content, Timestamp: time.Now()}
	c.stores.Chats.AppendMessage(nodeID, entry)
	c.publish(EventChatMessage, map[string]interface{}{"nodeId": nodeID, "message": entry})

	payload := wire.ChatPayload{
		Role:      wire.ChatRoleUser,
		Content:   content,
		Config:    &wire.ChatConfig{Whole: opts.Whole, AutoRefreshMs: opts.AutoRefreshMs},
		Timestamp: time.Now().UnixMilli(),
	}
	msg, err := wire.NewMessage(newTaskID(), wire.TypeChat, payload)
	if err != nil {
		return fmt.Errorf("coordinator: encode chat frame: %w", err)
	}
	msg.To = nodeID
	return senderAdapter{c}.Send(msg)
}

// ChatHistory returns nodeID's chat log, trimmed to the most recent limit
// entries if limit > 0.
func (c *Coordinator) ChatHistory(nodeID string, limit int) []store.ChatEntry {
	history := c.stores.Chats.GetHistory(nodeID)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// ChatList returns every peer with an active (loaded) chat log.
func (c *Coordinator) ChatList() []string {
	nodes := c.stores.Chats.GetActiveNodes()
	sort.Strings(nodes)
	return nodes
}

// ChatClear discards nodeID's chat log entirely.
func (c *Coordinator) ChatClear(nodeID string) error {
	return c.stores.Chats.ClearHistory(nodeID)
}

// ---- Events --------------------------------------------------------------------

// NodeEvents returns the most recent node-topology events, most recent
// first, trimmed to limit if limit > 0.
func (c *Coordinator) NodeEvents(limit int) []store.NodeEvent {
	events := c.stores.Events.Recent()
	reversed := make([]store.NodeEvent, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}
	if limit > 0 && len(reversed) > limit {
		reversed = reversed[:limit]
	}
	return reversed
}
