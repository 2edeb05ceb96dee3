package wire

// This file holds the request/response shapes for the Hub's REST surface
// (spec §6.2), separate from the WebSocket Message envelope above.

// RegisterRequest is the body of POST /api/nodes/register.
type RegisterRequest struct {
	NodeName     string   `json:"nodeName"`
	NodeAlias    string   `json:"nodeAlias,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterData is the "data" field of a successful register response.
type RegisterData struct {
	NodeID    string `json:"nodeId"`
	ClusterID string `json:"clusterId"`
	ParentID  string `json:"parentId,omitempty"`
	Depth     int    `json:"depth"`
	Token     string `json:"token"`
}

// Envelope wraps every Hub HTTP JSON response.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Node describes one entry in the cluster directory, as returned by
// GET /api/nodes, /api/nodes/{id}, /api/nodes/{id}/children and /tree.
type Node struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Alias     string `json:"alias,omitempty"`
	ClusterID string `json:"clusterId"`
	ParentID  string `json:"parentId,omitempty"`
	Depth     int    `json:"depth"`
	Online    bool   `json:"online"`
}

// Cluster describes one entry returned by GET /api/clusters.
type Cluster struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PatchNodeRequest is the body of PATCH /api/nodes/{id}.
type PatchNodeRequest struct {
	Name  *string `json:"name,omitempty"`
	Alias *string `json:"alias,omitempty"`
}

// ReparentRequest is the body of PATCH /api/nodes/{id}/parent.
type ReparentRequest struct {
	NewParentID string `json:"newParentId"`
}

// InviteCodeRequest is the body of POST /api/nodes/{id}/invite-code.
type InviteCodeRequest struct {
	Code string `json:"code,omitempty"`
}

// InviteCodeData is the "data" field of an invite-code response.
type InviteCodeData struct {
	Code string `json:"code"`
}

// SharedConfig is the body of GET/PUT /api/clusters/{id}/shared-config.
// Shape is cluster-defined; kept opaque.
type SharedConfig map[string]interface{}

// HealthResponse is the body of GET /.
type HealthResponse struct {
	Status string `json:"status"`
}
