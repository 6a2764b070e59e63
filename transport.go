package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a Connector.
type TransportConfig struct {
	// URL is the socket server base URL. http(s) schemes are mapped to ws(s).
	URL                  string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Subscriptions
// ============================================================================

// EventHandler receives the raw payload of a transport event.
type EventHandler func(payload json.RawMessage)

type subscription struct {
	id uint64
	h  EventHandler
}

type subscriptions struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[string][]subscription
	logger *slog.Logger
}

func (s *subscriptions) add(event string, h EventHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.byType[event] = append(s.byType[event], subscription{id: id, h: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.byType[event]
			for i, sub := range subs {
				if sub.id == id {
					s.byType[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch runs handlers in subscription order on the calling goroutine.
func (s *subscriptions) dispatch(event string, payload json.RawMessage) {
	s.mu.RLock()
	subs := append([]subscription(nil), s.byType[event]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("transport handler panicked", "event", event, "panic", r)
				}
			}()
			sub.h(payload)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns base*2^attempt plus up to 50% jitter, capped at maxDelay.
// The attempt counter restarts after a minute of stable connection.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Connector
// ============================================================================

// Connector owns the single socket of a session. Subscriptions made with On
// survive disconnects and reconnects.
type Connector struct {
	cfg  TransportConfig
	subs *subscriptions

	mu     sync.Mutex
	state  ConnState
	conn   *websocket.Conn
	cancel context.CancelFunc
	gen    uint64
}

// NewConnector creates a disconnected connector.
func NewConnector(cfg TransportConfig) *Connector {
	cfg.defaults()
	return &Connector{
		cfg:   cfg,
		state: StateDisconnected,
		subs: &subscriptions{
			byType: make(map[string][]subscription),
			logger: cfg.Logger,
		},
	}
}

// On subscribes h to event and returns a function that removes the subscription.
func (c *Connector) On(event string, h EventHandler) func() {
	return c.subs.add(event, h)
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is authenticated and open.
func (c *Connector) Connected() bool {
	return c.State() == StateConnected
}

// Connect starts connecting with token in the background, replacing any
// existing connection. Failures are reported through the connect_error
// event, never returned.
func (c *Connector) Connect(token string) {
	c.mu.Lock()
	prev, prevCancel, wasConnected := c.detachLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	c.closeDetached(prev, prevCancel, wasConnected, "replaced")
	go c.run(ctx, gen, token)
}

// Disconnect closes the socket and stops reconnecting. It is safe to call
// in any state.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	prev, prevCancel, wasConnected := c.detachLocked()
	c.gen++
	c.state = StateDisconnected
	c.mu.Unlock()

	c.closeDetached(prev, prevCancel, wasConnected, "client disconnect")
}

func (c *Connector) detachLocked() (*websocket.Conn, context.CancelFunc, bool) {
	conn, cancel := c.conn, c.cancel
	wasConnected := c.state == StateConnected
	c.conn, c.cancel = nil, nil
	return conn, cancel, wasConnected
}

func (c *Connector) closeDetached(conn *websocket.Conn, cancel context.CancelFunc, wasConnected bool, reason string) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
	if wasConnected {
		c.cfg.Metrics.connected(false)
		c.subs.dispatch(EventDisconnect, mustJSON(DisconnectPayload{Reason: reason, Intentional: true}))
	}
}

// Emit sends event with payload. It returns ErrTransportUnavailable without
// side effects when the socket is not connected.
func (c *Connector) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrTransportUnavailable
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransportUnavailable, event, err)
	}
	return nil
}

func (c *Connector) socketURL(token string) string {
	u := strings.TrimRight(c.cfg.URL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u + "?token=" + url.QueryEscape(token)
}

// current reports whether gen is still the live connection generation.
func (c *Connector) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connector) setState(gen uint64, s ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.state = s
	return true
}

func (c *Connector) run(ctx context.Context, gen uint64, token string) {
	recon := newReconnector(&c.cfg)
	log := c.cfg.Logger

	for {
		conn, auth, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil || !c.current(gen) {
				return
			}
			log.Warn("socket connect failed", "error", err)
			c.subs.dispatch(EventConnectError, mustJSON(ConnectErrorPayload{Message: err.Error()}))
		} else {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				conn.Close(websocket.StatusNormalClosure, "replaced")
				return
			}
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()

			recon.markConnected()
			c.cfg.Metrics.connected(true)
			log.Info("socket connected", "user_id", auth.UserID)
			c.subs.dispatch(EventAuthenticated, mustJSON(auth))
			c.subs.dispatch(EventConnect, mustJSON(auth))

			hbCtx, stopHeartbeat := context.WithCancel(ctx)
			go c.heartbeatLoop(hbCtx, conn)
			err = c.readLoop(ctx, conn)
			stopHeartbeat()

			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.state = StateDisconnected
			c.mu.Unlock()

			c.cfg.Metrics.connected(false)
			log.Warn("socket closed", "error", err)
			c.subs.dispatch(EventDisconnect, mustJSON(DisconnectPayload{Reason: errString(err)}))
		}

		if c.cfg.DisableReconnect || !recon.shouldReconnect() {
			c.setState(gen, StateDisconnected)
			return
		}
		delay := recon.nextDelay()
		if !c.setState(gen, StateReconnecting) {
			return
		}
		c.cfg.Metrics.reconnect()
		c.subs.dispatch(EventReconnecting, mustJSON(ReconnectingPayload{Attempt: recon.attempt, Delay: delay}))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !c.setState(gen, StateConnecting) {
			return
		}
	}
}

// dial opens the socket and waits for the authenticated frame.
func (c *Connector) dial(ctx context.Context, token string) (*websocket.Conn, AuthenticatedPayload, error) {
	var auth AuthenticatedPayload

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.socketURL(token), &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		return nil, auth, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, auth, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, auth, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, auth, fmt.Errorf("decode auth payload: %w", err)
	}
	return conn, auth, nil
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.cfg.Metrics.malformed("envelope")
			c.cfg.Logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.subs.dispatch(env.Type, env.Payload)
	}
}

func (c *Connector) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.cfg.Logger.Debug("heartbeat failed", "error", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed %d %s", ce.Code, ce.Reason)
	}
	return err.Error()
}
