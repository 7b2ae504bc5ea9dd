// Package transport owns the single physical realtime connection: framed
// JSON envelopes over WebSocket, a heartbeat while connected, and automatic
// reconnection with exponential backoff after abnormal closes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lightforgemedia/go-sessionlink/pkg/backoff"
	"github.com/lightforgemedia/go-sessionlink/pkg/router"
	"github.com/lightforgemedia/go-sessionlink/pkg/wire"
)

const (
	// DefaultHeartbeatInterval is how often a ping frame is sent while
	// Connected.
	DefaultHeartbeatInterval = 25 * time.Second

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultRealtimePath = "/realtime"
)

// State is the connection lifecycle position. Owned exclusively by Conn;
// observers read it via State().
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

type config struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	policy            backoff.Policy
	path              string
	onConnect         func()
	onDisconnect      func()
	onError           func(error)
}

// Conn maintains at most one physical connection to the realtime endpoint.
// Send and Subscribe are safe from any goroutine.
type Conn struct {
	config  config
	baseURL *url.URL
	id      string
	router  *router.Router

	mu               sync.Mutex
	state            State
	token            string
	ws               *websocket.Conn
	connCancel       context.CancelFunc
	reconnectAttempt int
	reconnectTimer   *time.Timer
	generation       uint64
}

// Option configures the Conn.
type Option func(*Conn)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Conn) {
		c.config.dialOptions = opts
	}
}

// WithDialTimeout bounds each connection-establishment attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Conn) {
		if timeout > 0 {
			c.config.dialTimeout = timeout
		}
	}
}

// WithHeartbeatInterval sets the ping cadence while Connected.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Conn) {
		if interval > 0 {
			c.config.heartbeatInterval = interval
		}
	}
}

// WithBackoff sets the reconnection policy. Defaults to
// Exponential(1s, MaxReconnectAttempts).
func WithBackoff(p backoff.Policy) Option {
	return func(c *Conn) {
		if p != nil {
			c.config.policy = p
		}
	}
}

// WithRealtimePath overrides the endpoint path under the base URL.
func WithRealtimePath(path string) Option {
	return func(c *Conn) {
		if path != "" {
			c.config.path = path
		}
	}
}

// OnConnect registers a callback fired each time the connection transitions
// to Connected. At most once per transition.
func OnConnect(fn func()) Option {
	return func(c *Conn) {
		c.config.onConnect = fn
	}
}

// OnDisconnect registers a callback fired when the physical connection is
// lost or intentionally closed. At most once per transition.
func OnDisconnect(fn func()) Option {
	return func(c *Conn) {
		c.config.onDisconnect = fn
	}
}

// OnError registers a callback for connection-establishment and read
// failures.
func OnError(fn func(error)) Option {
	return func(c *Conn) {
		c.config.onError = fn
	}
}

// New creates a Conn for the realtime endpoint derived from baseURL. The
// scheme is upgraded to its streaming equivalent at dial time (http -> ws,
// https -> wss).
func New(baseURL string, opts ...Option) (*Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: base url %q must be absolute", baseURL)
	}

	c := &Conn{
		config: config{
			logger:            slog.Default(),
			dialTimeout:       defaultDialTimeout,
			writeTimeout:      defaultWriteTimeout,
			heartbeatInterval: DefaultHeartbeatInterval,
			policy:            backoff.Exponential(backoff.DefaultReconnectBase, backoff.MaxReconnectAttempts),
			path:              defaultRealtimePath,
		},
		baseURL: u,
		id:      uuid.NewString(),
		router:  router.New(),
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.dialOptions == nil {
		c.config.dialOptions = &websocket.DialOptions{}
	}
	return c, nil
}

// endpoint derives the realtime URL with the scheme upgraded and the token
// as query credential.
func (c *Conn) endpoint(token string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = c.config.path
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the connection using token as the query credential.
// Idempotent while Connecting or Connected. A Connect during Reconnecting
// abandons the pending retry and dials immediately with the fresh token.
func (c *Conn) Connect(token string) {
	c.mu.Lock()
	switch c.state {
	case Connecting, Connected:
		c.mu.Unlock()
		c.config.logger.Debug("transport: connect ignored", "state", c.state.String())
		return
	}
	c.stopReconnectTimerLocked()
	c.token = token
	c.reconnectAttempt = 0
	c.startDialLocked(Connecting)
	c.mu.Unlock()
}

// Disconnect closes the connection with a normal-closure code, stops the
// heartbeat and clears reconnection counters. Always safe, including when
// already disconnected. This is the only intentional path to a terminal
// Disconnected state.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	c.generation++
	wasDown := c.state == Disconnected
	c.state = Disconnected
	c.reconnectAttempt = 0
	ws := c.ws
	c.ws = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.mu.Unlock()

	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !wasDown {
		c.config.logger.Info("transport: disconnected", "id", c.id)
		c.emitDisconnect()
	}
}

// Send writes one envelope to the wire. Fire and forget: a Send while not
// Connected, or a write failure, is swallowed with a logged warning. Callers
// needing delivery guarantees must implement application-level acks.
func (c *Conn) Send(env wire.Envelope) {
	c.mu.Lock()
	if c.state != Connected || c.ws == nil {
		c.mu.Unlock()
		c.config.logger.Warn("transport: send dropped, not connected", "type", env.Type, "state", c.State().String())
		return
	}
	ws := c.ws
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, env); err != nil {
		c.config.logger.Warn("transport: send failed", "type", env.Type, "error", err)
	}
}

// Subscribe registers handler for inbound envelopes of the given type and
// returns an unsubscribe func. Reserved types ("connected", "pong") are
// handled internally and never dispatched.
func (c *Conn) Subscribe(eventType string, handler router.Handler) (unsubscribe func()) {
	return c.router.Subscribe(eventType, handler)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns the current reconnection attempt counter. Zero
// unless the connection is recovering from an abnormal close.
func (c *Conn) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempt
}

// ID returns the unique ID of this connection instance.
func (c *Conn) ID() string {
	return c.id
}

// startDialLocked begins one establishment attempt. Caller holds c.mu.
func (c *Conn) startDialLocked(st State) {
	c.generation++
	gen := c.generation
	c.state = st
	token := c.token
	go c.dial(gen, token)
}

func (c *Conn) dial(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.dialTimeout)
	ws, _, err := websocket.Dial(ctx, c.endpoint(token), c.config.dialOptions)
	cancel()

	if err != nil {
		c.config.logger.Warn("transport: dial failed", "id", c.id, "error", err)
		c.emitError(fmt.Errorf("transport: dial: %w", err))

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "stale dial")
		return
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	c.ws = ws
	c.connCancel = connCancel
	c.state = Connected
	c.reconnectAttempt = 0
	c.mu.Unlock()

	c.config.logger.Info("transport: connected", "id", c.id)
	if c.config.onConnect != nil {
		c.config.onConnect()
	}

	go c.readLoop(connCtx, gen, ws)
	go c.heartbeat(connCtx, ws)
}

// readLoop drains inbound frames for one physical connection. Reserved types
// are consumed here; everything else goes to the router.
func (c *Conn) readLoop(ctx context.Context, gen uint64, ws *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			c.handleClose(gen, websocket.CloseStatus(err), err)
			return
		}

		switch env.Type {
		case wire.TypeConnected:
			var p wire.ConnectedPayload
			if decodeErr := env.Decode(&p); decodeErr == nil {
				c.config.logger.Info("transport: session established", "id", c.id, "userId", p.UserID)
			}
		case wire.TypePong:
			c.config.logger.Debug("transport: pong", "id", c.id)
		default:
			c.router.Dispatch(env)
		}
	}
}

// heartbeat sends a ping frame every interval while the connection lives.
// There is no pong-timeout enforcement: a half-open connection is only
// detected through the transport's own abnormal-close surfacing. Accepted
// simplification, not a correctness guarantee.
func (c *Conn) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ping, err := wire.NewEnvelope(wire.TypePing, nil)
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.config.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
			err := wsjson.Write(writeCtx, ws, ping)
			cancel()
			if err != nil {
				c.config.logger.Warn("transport: heartbeat write failed", "id", c.id, "error", err)
				// Force the read loop to observe the close; it owns
				// the reconnect decision.
				ws.Close(websocket.StatusAbnormalClosure, "heartbeat write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleClose reacts to the end of one physical connection. A close with the
// normal code or the auth-rejection code (policy violation) is final; any
// other close enters the reconnection path.
func (c *Conn) handleClose(gen uint64, status websocket.StatusCode, err error) {
	c.mu.Lock()
	if gen != c.generation {
		// Disconnect or a newer dial already superseded this connection.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	if status == websocket.StatusNormalClosure || status == websocket.StatusPolicyViolation {
		c.generation++
		c.state = Disconnected
		c.reconnectAttempt = 0
		c.mu.Unlock()

		c.config.logger.Info("transport: closed by server", "id", c.id, "status", int(status))
		c.emitDisconnect()
		return
	}

	c.config.logger.Warn("transport: connection lost", "id", c.id, "status", int(status), "error", err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emitError(fmt.Errorf("transport: connection lost: %w", err))
	c.emitDisconnect()
}

// scheduleReconnectLocked advances the reconnection counter and arms the
// retry timer, or gives up once the policy's attempt cap is reached. Caller
// holds c.mu.
func (c *Conn) scheduleReconnectLocked() {
	c.reconnectAttempt++
	if c.reconnectAttempt > c.config.policy.MaxAttempts() {
		c.config.logger.Error("transport: reconnect attempts exhausted", "id", c.id, "attempts", c.config.policy.MaxAttempts())
		c.generation++
		c.state = Disconnected
		return
	}

	attempt := c.reconnectAttempt
	delay := c.config.policy.Delay(attempt)
	c.state = Reconnecting
	c.generation++
	gen := c.generation
	c.config.logger.Info("transport: reconnecting", "id", c.id, "attempt", attempt, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if gen != c.generation || c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.startDialLocked(Reconnecting)
		c.mu.Unlock()
	})
}

func (c *Conn) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conn) emitDisconnect() {
	if c.config.onDisconnect != nil {
		c.config.onDisconnect()
	}
}

func (c *Conn) emitError(err error) {
	if c.config.onError != nil {
		c.config.onError(err)
	}
}
