package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// DefaultHTTPRateLimit is the default outbound request budget to the Hub's
// HTTP API, expressed in requests per second with a small burst allowance.
const (
	DefaultHTTPRateLimit = 10
	DefaultHTTPBurst     = 5
	nodeCacheTTL         = 15 * time.Second
)

// HTTPClient calls the Hub's REST API (spec §6.2): bearer token auth, an
// optional admin key header, a token-bucket throttle on outbound requests,
// and a short-TTL cache on the node directory listing.
type HTTPClient struct {
	baseURL  string
	token    string
	adminKey string
	http     *http.Client
	limiter  *rate.Limiter
	tracer   trace.Tracer

	cacheMu     sync.Mutex
	nodesCache  []wire.Node
	nodesCachedAt time.Time
}

// NewHTTPClient builds an HTTPClient for baseURL (e.g. "https://hub.example.com").
func NewHTTPClient(baseURL, token, adminKey string, tracer trace.Tracer) *HTTPClient {
	if tracer == nil {
		tracer, _, _ = initTracer(context.Background(), TracingConfig{})
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		adminKey: adminKey,
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(DefaultHTTPRateLimit), DefaultHTTPBurst),
		tracer:   tracer,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "hubclient.http."+method+" "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	if err := c.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limit wait cancelled")
		return fmt.Errorf("hubclient: rate limit wait: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hubclient: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("hubclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("hubclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("hubclient: read response body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("http %d", resp.StatusCode))
		return fmt.Errorf("hubclient: %s %s: http %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("hubclient: decode response: %w", err)
	}
	return nil
}

// Register calls POST /api/nodes/register.
func (c *HTTPClient) Register(ctx context.Context, req wire.RegisterRequest) (wire.RegisterData, error) {
	var env wire.Envelope[wire.RegisterData]
	if err := c.do(ctx, http.MethodPost, "/api/nodes/register", req, &env); err != nil {
		return wire.RegisterData{}, err
	}
	if !env.Success {
		return wire.RegisterData{}, fmt.Errorf("hubclient: register failed: %s", env.Error)
	}
	return env.Data, nil
}

// RegisterChild registers a node as a child of an already-registered parent.
func (c *HTTPClient) RegisterChild(ctx context.Context, parentID string, req wire.RegisterRequest) (wire.RegisterData, error) {
	req.ParentID = parentID
	return c.Register(ctx, req)
}

// Unregister calls DELETE /api/nodes/{id}.
func (c *HTTPClient) Unregister(ctx context.Context, nodeID string) error {
	var env wire.Envelope[struct{}]
	if err := c.do(ctx, http.MethodDelete, "/api/nodes/"+nodeID, nil, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("hubclient: unregister failed: %s", env.Error)
	}
	return nil
}

// Reparent calls PATCH /api/nodes/{id}/parent.
func (c *HTTPClient) Reparent(ctx context.Context, nodeID, newParentID string) error {
	var env wire.Envelope[struct{}]
	body := wire.ReparentRequest{NewParentID: newParentID}
	if err := c.do(ctx, http.MethodPatch, "/api/nodes/"+nodeID+"/parent", body, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("hubclient: reparent failed: %s", env.Error)
	}
	return nil
}

// FetchNodes calls GET /api/nodes, serving from a 15s TTL cache when fresh.
func (c *HTTPClient) FetchNodes(ctx context.Context) ([]wire.Node, error) {
	c.cacheMu.Lock()
	if time.Since(c.nodesCachedAt) < nodeCacheTTL && c.nodesCache != nil {
		cached := c.nodesCache
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	var env wire.Envelope[[]wire.Node]
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("hubclient: fetch nodes failed: %s", env.Error)
	}

	c.cacheMu.Lock()
	c.nodesCache = env.Data
	c.nodesCachedAt = time.Now()
	c.cacheMu.Unlock()
	return env.Data, nil
}

// CachedNodeCount reports how many directory entries are currently cached,
// without triggering a fetch (spec §6.2's getStatus "cachedNodes" field).
func (c *HTTPClient) CachedNodeCount() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.nodesCache)
}

// InvalidateNodeCache forces the next FetchNodes call to hit the network,
// used when a lifecycle broadcast signals the topology changed.
func (c *HTTPClient) InvalidateNodeCache() {
	c.cacheMu.Lock()
	c.nodesCache = nil
	c.cacheMu.Unlock()
}

// FetchNode calls GET /api/nodes/{id}.
func (c *HTTPClient) FetchNode(ctx context.Context, id string) (wire.Node, error) {
	var env wire.Envelope[wire.Node]
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+id, nil, &env); err != nil {
		return wire.Node{}, err
	}
	if !env.Success {
		return wire.Node{}, fmt.Errorf("hubclient: fetch node failed: %s", env.Error)
	}
	return env.Data, nil
}

// FetchChildren calls GET /api/nodes/{id}/children.
func (c *HTTPClient) FetchChildren(ctx context.Context, id string) ([]wire.Node, error) {
	var env wire.Envelope[[]wire.Node]
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+id+"/children", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("hubclient: fetch children failed: %s", env.Error)
	}
	return env.Data, nil
}

// FetchTree calls GET /api/nodes/{id}/tree.
func (c *HTTPClient) FetchTree(ctx context.Context, id string) ([]wire.Node, error) {
	var env wire.Envelope[[]wire.Node]
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+id+"/tree", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("hubclient: fetch tree failed: %s", env.Error)
	}
	return env.Data, nil
}

// FetchClusters calls GET /api/clusters.
func (c *HTTPClient) FetchClusters(ctx context.Context) ([]wire.Cluster, error) {
	var env wire.Envelope[[]wire.Cluster]
	if err := c.do(ctx, http.MethodGet, "/api/clusters", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("hubclient: fetch clusters failed: %s", env.Error)
	}
	return env.Data, nil
}

// CheckConnection calls GET / (the Hub's health endpoint).
func (c *HTTPClient) CheckConnection(ctx context.Context) error {
	var health wire.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/", nil, &health); err != nil {
		return err
	}
	if health.Status != "running" {
		return fmt.Errorf("hubclient: unexpected health status %q", health.Status)
	}
	return nil
}

// GetInviteCode calls GET /api/nodes/{id}/invite-code.
func (c *HTTPClient) GetInviteCode(ctx context.Context, nodeID string) (string, error) {
	var env wire.Envelope[wire.InviteCodeData]
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+nodeID+"/invite-code", nil, &env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("hubclient: get invite code failed: %s", env.Error)
	}
	return env.Data.Code, nil
}

// SetInviteCode calls POST /api/nodes/{id}/invite-code.
func (c *HTTPClient) SetInviteCode(ctx context.Context, nodeID, code string) (string, error) {
	var env wire.Envelope[wire.InviteCodeData]
	body := wire.InviteCodeRequest{Code: code}
	if err := c.do(ctx, http.MethodPost, "/api/nodes/"+nodeID+"/invite-code", body, &env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("hubclient: set invite code failed: %s", env.Error)
	}
	return env.Data.Code, nil
}

// UpdateNode calls PATCH /api/nodes/{id}.
func (c *HTTPClient) UpdateNode(ctx context.Context, nodeID string, req wire.PatchNodeRequest) error {
	var env wire.Envelope[struct{}]
	if err := c.do(ctx, http.MethodPatch, "/api/nodes/"+nodeID, req, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("hubclient: update node failed: %s", env.Error)
	}
	return nil
}

// GetSharedConfig calls GET /api/clusters/{id}/shared-config.
func (c *HTTPClient) GetSharedConfig(ctx context.Context, clusterID string) (wire.SharedConfig, error) {
	var env wire.Envelope[wire.SharedConfig]
	if err := c.do(ctx, http.MethodGet, "/api/clusters/"+clusterID+"/shared-config", nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("hubclient: get shared config failed: %s", env.Error)
	}
	return env.Data, nil
}

// PutSharedConfig calls PUT /api/clusters/{id}/shared-config.
func (c *HTTPClient) PutSharedConfig(ctx context.Context, clusterID string, cfg wire.SharedConfig) error {
	var env wire.Envelope[struct{}]
	if err := c.do(ctx, http.MethodPut, "/api/clusters/"+clusterID+"/shared-config", cfg, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("hubclient: put shared config failed: %s", env.Error)
	}
	return nil
}
