// Package wsclient keeps one logical connection to a relay server alive,
// reconnecting with exponential backoff and dispatching inbound messages
// to handlers registered per message type.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/protocol"
	"github.com/ailinux/relaysync/internal/retry"
)

// Handler processes one inbound message. Returned errors and panics are
// logged; they never stop the receive loop.
type Handler func(msg protocol.Message) error

// Config holds relay client settings.
type Config struct {
	URL               string
	APIKey            string        // sent in an auth message when set
	ReconnectDelay    time.Duration // base of the exponential backoff
	MaxReconnect      int           // consecutive failures before giving up (0 = never)
	HeartbeatInterval time.Duration // ping interval (0 = no pings)
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	Platform          string
	IDPrefix          string
	Header            http.Header
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 2 * time.Second
	}
	if c.Platform == "" {
		c.Platform = "relaysync/" + runtime.GOOS
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "ailinux"
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Stats is a snapshot of connection bookkeeping.
type Stats struct {
	State          State
	ReconnectCount int
	LastActivity   time.Time
	LastHeartbeat  time.Time
}

// Client is a reconnecting relay client. Construct one per process with
// New and share the pointer.
type Client struct {
	cfg     Config
	id      string
	dialer  *websocket.Dialer
	log     *zap.Logger
	backoff retry.Config
	sleep   func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	cancel        context.CancelFunc
	done          chan struct{}
	reconnects    int
	lastActivity  time.Time
	lastHeartbeat time.Time
	err           error

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// New creates a client. It does not connect.
func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg: cfg,
		id:  fmt.Sprintf("%s-%s", cfg.IDPrefix, uuid.NewString()[:8]),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:           logging.Named("relay"),
		backoff:       retry.ReconnectConfig(cfg.ReconnectDelay, cfg.MaxReconnect),
		sleep:         sleepCtx,
		handlers:      make(map[string]Handler),
		lastActivity:  time.Now(),
		lastHeartbeat: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("client_id", c.id))
	return c
}

// ClientID returns the random identifier sent with every message.
func (c *Client) ClientID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a socket is open and the handshake was sent.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns a snapshot of the connection bookkeeping.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:          c.state,
		ReconnectCount: c.reconnects,
		LastActivity:   c.lastActivity,
		LastHeartbeat:  c.lastHeartbeat,
	}
}

// Done is closed when the current worker exits, either after Disconnect or
// after the reconnect budget is exhausted.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Err returns the terminal error after exhaustion, wrapping ErrExhausted.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RegisterHandler sets the handler for msgType, replacing any previous one.
func (c *Client) RegisterHandler(msgType string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[msgType] = h
	c.handlersMu.Unlock()
	c.log.Debug("registered handler", zap.String("type", msgType))
}

func (c *Client) handler(msgType string) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[msgType]
}

// Connect starts the background worker. It is a no-op while a worker is
// already connecting or connected.
func (c *Client) Connect() error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url must use ws or wss, got %q", u.Scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running() {
		c.log.Info("relay already connected or connecting")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.reconnects = 0

	go c.run(ctx, c.done)
	c.log.Info("connecting to relay", zap.String("url", c.cfg.URL))
	return nil
}

func (c *Client) running() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Disconnect stops the worker, closes the socket and waits up to
// ShutdownTimeout for the worker to exit. Safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		err = fmt.Errorf("relay worker did not stop within %s", c.cfg.ShutdownTimeout)
		c.log.Warn("relay worker shutdown timed out", zap.Duration("timeout", c.cfg.ShutdownTimeout))
	}

	// an exhausted worker keeps its terminal state until the next Connect
	if c.State() != StateExhausted {
		c.setState(StateDisconnected)
	}
	c.log.Info("relay disconnected")
	return err
}

// Send wraps data in an envelope and writes it as one text frame. It
// returns ErrNotConnected when no socket is open; nothing is queued.
func (c *Client) Send(msgType string, data any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.log.Warn("cannot send message: not connected", zap.String("type", msgType))
		return ErrNotConnected
	}

	err := c.send(conn, msgType, data)
	switch {
	case err == nil:
		c.log.Debug("sent message", zap.String("type", msgType))
	case IsTransport(err):
		c.log.Warn("send failed, dropping connection", zap.String("type", msgType), zap.Error(err))
		conn.Close()
	default:
		c.log.Error("send failed", zap.String("type", msgType), zap.Error(err))
	}
	return err
}

// run is the worker: one iteration per connection attempt.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		c.setState(StateConnecting)
		c.log.Info("connecting", zap.Int("attempt", failures+1), zap.Int("max", c.cfg.MaxReconnect))

		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.log.Info("relay worker stopped")
			return
		}
		if opened {
			failures = 0
		}
		failures++
		c.logFailure(err, failures)

		c.mu.Lock()
		c.reconnects = failures
		c.mu.Unlock()

		if c.backoff.Exhausted(failures) {
			c.mu.Lock()
			c.err = fmt.Errorf("%w after %d attempts: %v", ErrExhausted, failures, err)
			c.mu.Unlock()
			c.setState(StateExhausted)
			c.log.Error("maximum reconnection attempts reached, giving up", zap.Int("attempts", failures))
			return
		}

		delay := retry.Backoff(c.backoff, failures)
		c.setState(StateDisconnected)
		metrics.RecordReconnectDelay(delay)
		c.log.Info("reconnecting", zap.Duration("delay", delay))

		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateDisconnected)
			c.log.Info("relay worker stopped")
			return
		}
	}
}

// session dials, sends the opening messages and blocks in the receive
// loop. opened reports whether the handshake completed.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	cancel()
	if err != nil {
		metrics.RecordConnectAttempt(false)
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return false, &TransportError{Op: "dial", Err: err}
	}
	metrics.RecordConnectAttempt(true)
	defer conn.Close()

	c.configure(conn)
	if err := c.open(conn); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.reconnects = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("relay connection opened")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ctx, conn, stop)

	return true, c.readLoop(conn)
}

func (c *Client) configure(conn *websocket.Conn) {
	c.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.log.Debug("received pong")
		c.touchHeartbeat()
		c.extendReadDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.log.Debug("received ping")
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (c *Client) extendReadDeadline(conn *websocket.Conn) {
	if c.cfg.HeartbeatInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval + c.cfg.PongTimeout))
	}
}

// open sends the optional auth message followed by the handshake.
func (c *Client) open(conn *websocket.Conn) error {
	if c.cfg.APIKey != "" {
		msg, err := protocol.New(protocol.TypeAuth, c.id, nil)
		if err != nil {
			return &ProtocolError{Type: protocol.TypeAuth, Err: err}
		}
		msg.AuthKey = c.cfg.APIKey
		if err := c.write(conn, msg); err != nil {
			return err
		}
		c.log.Debug("sent authentication message")
	}

	err := c.send(conn, protocol.TypeHandshake, protocol.Handshake{
		Version:  protocol.Version,
		Platform: c.cfg.Platform,
	})
	if err != nil {
		return err
	}
	c.log.Debug("sent handshake")
	return nil
}

// keepalive pings the relay and closes the socket when ctx is cancelled,
// which unblocks the read loop.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		c.touchActivity()
		c.extendReadDeadline(conn)
		c.dispatch(conn, data)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		metrics.RecordMessageDropped("invalid")
		c.log.Error("dropping invalid message",
			zap.Error(&ProtocolError{Err: err}),
			zap.String("payload", truncate(raw, 100)))
		return
	}
	metrics.RecordMessageReceived(msg.Type)
	c.log.Debug("received message", zap.String("type", msg.Type))

	switch msg.Type {
	case protocol.TypeHeartbeat:
		if err := c.send(conn, protocol.TypeHeartbeatResponse, nil); err != nil {
			c.log.Warn("heartbeat response failed", zap.Error(err))
			return
		}
		c.touchHeartbeat()
		return
	case protocol.TypeAuthResponse:
		c.logAuthResponse(msg, raw)
		return
	}

	h := c.handler(msg.Type)
	if h == nil {
		metrics.RecordMessageDropped("unhandled")
		c.log.Debug("no handler registered", zap.String("type", msg.Type))
		return
	}
	c.invoke(h, msg)
}

func (c *Client) invoke(h Handler, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordHandlerError(msg.Type)
			c.log.Error("message handler panicked",
				zap.String("type", msg.Type),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	if err := h(msg); err != nil {
		metrics.RecordHandlerError(msg.Type)
		c.log.Error("message handler failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// logAuthResponse accepts the status either in data or on the envelope.
func (c *Client) logAuthResponse(msg protocol.Message, raw []byte) {
	var resp protocol.AuthResponse
	if err := msg.DecodeData(&resp); err != nil || resp.Status == "" {
		json.Unmarshal(raw, &resp)
	}
	if resp.Status == "" {
		resp.Status = "unknown"
	}
	c.log.Info("authentication response", zap.String("status", resp.Status), zap.String("message", resp.Message))
}

func (c *Client) send(conn *websocket.Conn, msgType string, data any) error {
	msg, err := protocol.New(msgType, c.id, data)
	if err != nil {
		return &ProtocolError{Type: msgType, Err: err}
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return &ProtocolError{Type: msg.Type, Err: err}
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return &TransportError{Op: "write " + msg.Type, Err: err}
	}

	c.touchActivity()
	metrics.RecordMessageSent(msg.Type)
	return nil
}

func (c *Client) logFailure(err error, attempt int) {
	fields := []zap.Field{zap.Error(err), zap.Int("attempt", attempt)}
	switch {
	case err == nil:
		c.log.Info("relay connection closed", fields...)
	case isNormalClose(err):
		c.log.Info("relay closed the connection", fields...)
	case isRefusedOrReset(err):
		c.log.Warn("relay unreachable", fields...)
	case IsTransport(err):
		c.log.Warn("relay connection lost", fields...)
	default:
		c.log.Error("relay session failed", fields...)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		metrics.SetRelayState(int(s))
		c.log.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
