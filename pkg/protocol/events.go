package protocol

// WebSocket event names pushed from the agent gateway to a connected client.
// Only the subset the cluster-hub agent bridge observes is kept here.
const (
	EventAgent = "agent"
	EventChat  = "chat"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
)
