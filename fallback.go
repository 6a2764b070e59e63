package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDeliveryTimeout is how long a socket send waits for its echo
// before the REST fallback is used.
const DefaultDeliveryTimeout = 3 * time.Second

// Emitter is the outbound side of the transport.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// MessageSender delivers a message through the REST API.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, content, correlationID string) (Message, error)
}

// DeliveryConfig configures a DeliveryController.
type DeliveryConfig struct {
	Engine  *Engine
	Emitter Emitter
	REST    MessageSender
	Timeout time.Duration
	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *DeliveryConfig) defaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultDeliveryTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DeliveryController races socket delivery against a timeout and falls
// back to REST. Each correlation id is resolved by exactly one path.
type DeliveryController struct {
	cfg DeliveryConfig

	mu      sync.Mutex
	waiters map[string]chan struct{}
	done    chan struct{}
	closed  bool
}

// NewDeliveryController creates a controller.
func NewDeliveryController(cfg DeliveryConfig) *DeliveryController {
	cfg.defaults()
	return &DeliveryController{
		cfg:     cfg,
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Acknowledge signals that the echo for correlationID was observed.
func (d *DeliveryController) Acknowledge(correlationID string) {
	d.mu.Lock()
	ch, ok := d.waiters[correlationID]
	d.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close releases every pending wait. Sends in flight return their current status.
func (d *DeliveryController) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
}

func (d *DeliveryController) register(correlationID string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.waiters[correlationID] = ch
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		if d.waiters[correlationID] == ch {
			delete(d.waiters, correlationID)
		}
		d.mu.Unlock()
	}
}

func (d *DeliveryController) status(correlationID string) DeliveryStatus {
	s, _ := d.cfg.Engine.Status(correlationID)
	return s
}

// SendWithFallback delivers the pending message identified by
// correlationID. The message must already be in the engine in sending
// state. It returns delivered, sent or failed, or the current status when
// ctx is cancelled or the controller is closed first.
func (d *DeliveryController) SendWithFallback(ctx context.Context, conversationID, content, correlationID string) DeliveryStatus {
	log := d.cfg.Logger.With("conversation_id", conversationID, "correlation_id", correlationID)

	ack, unregister := d.register(correlationID)
	defer unregister()

	if s := d.status(correlationID); s != StatusSending {
		return s
	}

	err := d.cfg.Emitter.Emit(ctx, EventSendMessage, SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		Type:           MessageTypeText,
		CorrelationID:  correlationID,
	})
	if err == nil {
		d.cfg.Metrics.send("socket")
		if d.awaitEcho(ctx, ack) {
			s := d.status(correlationID)
			if s != StatusSending {
				d.cfg.Metrics.outcome(s)
			}
			return s
		}
		log.Info("no echo before timeout, falling back to rest", "error", ErrDeliveryTimeout)
	} else {
		log.Info("socket send unavailable, falling back to rest", "error", err)
	}

	if s := d.status(correlationID); s != StatusSending {
		d.cfg.Metrics.outcome(s)
		return s
	}
	select {
	case <-ctx.Done():
		return StatusSending
	case <-d.done:
		return StatusSending
	default:
	}

	d.cfg.Metrics.fallback()
	d.cfg.Metrics.send("rest")
	server, err := d.cfg.REST.SendMessage(ctx, conversationID, content, correlationID)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return d.status(correlationID)
		}
		log.Warn("message delivery failed", "error", &DeliveryFailedError{CorrelationID: correlationID, Err: err})
		if _, ok := d.cfg.Engine.MarkFailed(correlationID); ok {
			d.cfg.Metrics.outcome(StatusFailed)
			return StatusFailed
		}
		return d.status(correlationID)
	}
	if server.ConversationID == "" {
		server.ConversationID = conversationID
	}
	if m, ok := d.cfg.Engine.ResolveSent(correlationID, server); ok {
		d.cfg.Metrics.outcome(m.Status)
		return m.Status
	}
	s := d.status(correlationID)
	d.cfg.Metrics.outcome(s)
	return s
}

// awaitEcho waits for the echo, the timeout, cancellation or close. It
// returns false only when the timeout elapsed.
func (d *DeliveryController) awaitEcho(ctx context.Context, ack <-chan struct{}) bool {
	fired := make(chan struct{})
	timer := d.cfg.Clock.AfterFunc(d.cfg.Timeout, func() { close(fired) })
	defer timer.Stop()

	select {
	case <-ack:
		return true
	case <-fired:
		return false
	case <-ctx.Done():
		return true
	case <-d.done:
		return true
	}
}
