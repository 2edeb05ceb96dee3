package protocol

// RPC method name constants for the local agent gateway's WebSocket protocol.
// The cluster-hub plugin only exercises the subset needed to submit a run,
// wait for it, harvest its chat history, and clean up its session.

const (
	MethodConnect = "connect"

	MethodAgent     = "agent"
	MethodAgentWait = "agent.wait"

	MethodChatHistory = "chat.history"

	MethodSessionsDelete = "sessions.delete"
)
