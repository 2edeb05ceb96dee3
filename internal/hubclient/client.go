// Package hubclient is the Hub Client (C2): the WebSocket + HTTP connection
// to the cloud Hub. It owns the connection state machine, heartbeats,
// reconnection, and the register/query/lifecycle HTTP verbs, and hands
// every inbound frame to a Handler supplied by the coordinator.
package hubclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// Connection states, per spec §4.2's state machine.
const (
	StateDisconnected  = "disconnected"
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateDisconnecting = "disconnecting"
)

// DefaultReconnectInterval is how long the client waits between dropped-
// connection reconnect attempts.
const DefaultReconnectInterval = 5 * time.Second

// DefaultHeartbeatInterval is how often a "heartbeat" frame is sent while
// connected.
const DefaultHeartbeatInterval = 15 * time.Second

// Handler receives inbound Hub frames and lifecycle notifications.
// OnMessage and OnDisconnected are invoked from the client's single read
// goroutine; OnConnected is invoked from whichever goroutine completed the
// dial (Connect's caller or the reconnect timer). Handlers must not block
// for long.
type Handler interface {
	OnMessage(msg *wire.Message)
	OnConnected()
	OnDisconnected(err error)
}

// Client manages a single WebSocket connection to the Hub.
type Client struct {
	hubURL string
	token  string
	handler Handler

	reconnectInterval time.Duration
	heartbeatInterval time.Duration
	loadFn            func() (load float64, activeTasks int)
	tracer            trace.Tracer

	mu                 sync.Mutex
	state              string
	conn               *websocket.Conn
	intentionallyClosed bool
	reconnectTimer     *time.Timer
	heartbeatTicker    *time.Ticker
	writeMu            sync.Mutex

	dialer *websocket.Dialer
	cancel context.CancelFunc
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithReconnectInterval overrides DefaultReconnectInterval.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) { c.reconnectInterval = d }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithLoadFunc supplies the load/activeTasks values reported in each
// outbound heartbeat. Without it, heartbeats report 0 load and 0 tasks.
func WithLoadFunc(fn func() (float64, int)) Option {
	return func(c *Client) { c.loadFn = fn }
}

// WithTracer overrides the no-op tracer each processed WS frame is spanned
// under, mirroring HTTPClient's tracer parameter.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// New builds a Client that will connect to hubURL (e.g.
// "wss://hub.example.com") using token for the connect handshake.
func New(hubURL, token string, handler Handler, opts ...Option) *Client {
	c := &Client{
		hubURL:            hubURL,
		token:             token,
		handler:           handler,
		reconnectInterval: DefaultReconnectInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		state:             StateDisconnected,
		dialer:            websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer, _, _ = initTracer(context.Background(), TracingConfig{})
	}
	return c
}

// State returns the client's current connection state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the Hub and starts the read/heartbeat loops. It returns
// once the initial dial either succeeds or fails; subsequent drops are
// handled by the internal reconnect loop until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.intentionallyClosed = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.hubURL)
	if err != nil {
		return "", fmt.Errorf("hubclient: parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect(ctx)
		return fmt.Errorf("hubclient: dial %s: %w", c.hubURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.startHeartbeat(ctx)
	go c.readLoop(ctx)

	if c.handler != nil {
		c.handler.OnConnected()
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(ctx, err)
			return
		}

		var msg wire.Message
		if unmarshalErr := unmarshalFrame(data, &msg); unmarshalErr != nil {
			slog.Debug("hubclient.frame_decode_error", "error", unmarshalErr)
			continue
		}
		c.dispatchFrame(ctx, &msg)
	}
}

// dispatchFrame hands msg to the handler inside a span named
// hubclient.frame.<type>, the same span treatment do() gives every HTTP
// call.
func (c *Client) dispatchFrame(ctx context.Context, msg *wire.Message) {
	_, span := c.tracer.Start(ctx, "hubclient.frame."+msg.Type)
	defer span.End()
	span.SetAttributes(
		attribute.String("id", msg.ID),
		attribute.String("type", msg.Type),
		attribute.String("from", msg.From),
		attribute.String("to", msg.To),
	)

	if c.handler != nil {
		c.handler.OnMessage(msg)
	}
}

func (c *Client) handleDisconnect(ctx context.Context, err error) {
	c.mu.Lock()
	wasIntentional := c.intentionallyClosed
	c.state = StateDisconnected
	c.conn = nil
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
	}
	c.mu.Unlock()

	if c.handler != nil {
		c.handler.OnDisconnected(err)
	}
	if !wasIntentional {
		c.scheduleReconnect(ctx)
	}
}

// scheduleReconnect arms a single reconnect timer, de-duplicated: a second
// call while one is already pending is a no-op.
func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentionallyClosed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectInterval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.intentionallyClosed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.dial(ctx); err != nil {
			slog.Warn("hubclient.reconnect_failed", "error", err)
		}
	})
}

func (c *Client) startHeartbeat(ctx context.Context) {
	c.mu.Lock()
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
	}
	c.heartbeatTicker = time.NewTicker(c.heartbeatInterval)
	ticker := c.heartbeatTicker
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticker.C:
				if !ok {
					return
				}
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Client) sendHeartbeat() {
	load, active := 0.0, 0
	if c.loadFn != nil {
		load, active = c.loadFn()
	}
	payload := wire.HeartbeatPayload{Load: load, ActiveTasks: active}
	msg, err := wire.NewMessage(newFrameID(), wire.TypeHeartbeat, payload)
	if err != nil {
		return
	}
	msg.Stamp(time.Now())
	if err := c.Send(msg); err != nil {
		slog.Debug("hubclient.heartbeat_send_error", "error", err)
	}
}

// Send writes msg to the Hub connection. Safe for concurrent use.
func (c *Client) Send(msg *wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("hubclient: not connected")
	}

	data, err := marshalFrame(msg)
	if err != nil {
		return fmt.Errorf("hubclient: encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close intentionally disconnects the client; no reconnect is scheduled
// afterward.
func (c *Client) Close() error {
	c.mu.Lock()
	c.intentionallyClosed = true
	c.state = StateDisconnecting
	conn := c.conn
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}
	err := conn.Close()
	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
	return err
}
