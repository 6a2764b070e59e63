package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []string
	calls  []any
}

func (f *fakeEmitter) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	f.calls = append(f.calls, payload)
	return nil
}

func (f *fakeEmitter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmitter) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeSender struct {
	calls  atomic.Int32
	err    error
	before func() // runs inside SendMessage before it returns
}

func (f *fakeSender) SendMessage(ctx context.Context, conversationID, content, correlationID string) (Message, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return Message{}, f.err
	}
	return Message{
		ID:             "srv-" + correlationID,
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		Sender:         testSelf,
		Content:        content,
	}, nil
}

type deliveryHarness struct {
	clock   *fakeClock
	engine  *Engine
	emitter *fakeEmitter
	sender  *fakeSender
	metrics *Metrics
	ctrl    *DeliveryController
}

func newDeliveryHarness(t *testing.T) *deliveryHarness {
	t.Helper()
	h := &deliveryHarness{
		clock:   newFakeClock(),
		emitter: &fakeEmitter{},
		sender:  &fakeSender{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.engine = NewEngine(EngineConfig{Self: testSelf, Clock: h.clock, Metrics: h.metrics})
	h.ctrl = NewDeliveryController(DeliveryConfig{
		Engine:  h.engine,
		Emitter: h.emitter,
		REST:    h.sender,
		Clock:   h.clock,
		Metrics: h.metrics,
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

// send starts SendWithFallback for a new optimistic message and returns
// the message and a channel with the final status.
func (h *deliveryHarness) send(ctx context.Context, content string) (Message, <-chan DeliveryStatus) {
	m := h.engine.AddOptimistic("c1", content, "corr-"+content)
	out := make(chan DeliveryStatus, 1)
	go func() {
		out <- h.ctrl.SendWithFallback(ctx, m.ConversationID, m.Content, m.CorrelationID)
	}()
	return m, out
}

// echo delivers the server copy of m the way the session does.
func (h *deliveryHarness) echo(m Message) {
	e := echoOf(m, "srv-"+m.CorrelationID, h.clock.Now())
	if res := h.engine.Receive(e); res.Outcome == OutcomeReconciled {
		h.ctrl.Acknowledge(m.CorrelationID)
	}
}

func result(t *testing.T, ch <-chan DeliveryStatus) DeliveryStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("SendWithFallback did not return")
		return ""
	}
}

// ============================================================================
// SendWithFallback
// ============================================================================

func TestSendWithFallbackEcho(t *testing.T) {
	h := newDeliveryHarness(t)
	m, out := h.send(context.Background(), "hello")

	eventually(t, func() bool { return h.clock.Pending() == 1 }, "delivery timer armed")
	h.echo(m)

	if s := result(t, out); s != StatusDelivered {
		t.Fatalf("status = %s, want delivered", s)
	}
	if n := h.sender.calls.Load(); n != 0 {
		t.Errorf("rest calls = %d, want 0", n)
	}
	if ev := h.emitter.Events(); len(ev) != 1 || ev[0] != EventSendMessage {
		t.Errorf("emitted = %v, want [send_message]", ev)
	}
	if h.clock.Pending() != 0 {
		t.Error("delivery timer still armed after echo")
	}
	if got := testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(string(StatusDelivered))); got != 1 {
		t.Errorf("delivered outcomes = %v, want 1", got)
	}
}

func TestSendWithFallbackTimeout(t *testing.T) {
	h := newDeliveryHarness(t)
	m, out := h.send(context.Background(), "hello")

	eventually(t, func() bool { return h.clock.Pending() == 1 }, "delivery timer armed")
	h.clock.Advance(DefaultDeliveryTimeout - time.Millisecond)
	if n := h.sender.calls.Load(); n != 0 {
		t.Fatalf("rest called before timeout (%d calls)", n)
	}
	h.clock.Advance(time.Millisecond)

	if s := result(t, out); s != StatusSent {
		t.Fatalf("status = %s, want sent", s)
	}
	if n := h.sender.calls.Load(); n != 1 {
		t.Errorf("rest calls = %d, want 1", n)
	}

	h.clock.Advance(time.Minute)
	if n := h.sender.calls.Load(); n != 1 {
		t.Errorf("rest calls after more time = %d, want 1", n)
	}

	h.echo(m)
	msgs := h.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != StatusDelivered {
		t.Fatalf("messages after late echo = %+v", msgs)
	}
	if got := testutil.ToFloat64(h.metrics.RESTFallbacks); got != 1 {
		t.Errorf("rest fallbacks = %v, want 1", got)
	}
}

func TestSendWithFallbackDisconnected(t *testing.T) {
	h := newDeliveryHarness(t)
	h.emitter.setErr(ErrTransportUnavailable)

	_, out := h.send(context.Background(), "offline")
	if s := result(t, out); s != StatusSent {
		t.Fatalf("status = %s, want sent", s)
	}
	if n := h.sender.calls.Load(); n != 1 {
		t.Errorf("rest calls = %d, want 1", n)
	}
	if h.clock.Pending() != 0 {
		t.Error("timer armed although the socket send failed")
	}
	if got := testutil.ToFloat64(h.metrics.Sends.WithLabelValues("rest")); got != 1 {
		t.Errorf("rest sends = %v, want 1", got)
	}
}

func TestSendWithFallbackRESTFailure(t *testing.T) {
	h := newDeliveryHarness(t)
	h.emitter.setErr(ErrTransportUnavailable)
	h.sender.err = &APIError{Status: 503, Code: "UNAVAILABLE", Message: "down"}

	m, out := h.send(context.Background(), "doomed")
	if s := result(t, out); s != StatusFailed {
		t.Fatalf("status = %s, want failed", s)
	}
	if st, _ := h.engine.Status(m.CorrelationID); st != StatusFailed {
		t.Errorf("engine status = %s, want failed", st)
	}

	t.Run("retry succeeds", func(t *testing.T) {
		h.sender.err = nil
		if _, err := h.engine.Retry(m.CorrelationID); err != nil {
			t.Fatalf("retry: %v", err)
		}
		s := h.ctrl.SendWithFallback(context.Background(), m.ConversationID, m.Content, m.CorrelationID)
		if s != StatusSent {
			t.Fatalf("status = %s, want sent", s)
		}
		if n := len(h.engine.Messages("c1")); n != 1 {
			t.Errorf("messages = %d, want 1", n)
		}
	})
}

func TestSendWithFallbackEchoDuringREST(t *testing.T) {
	h := newDeliveryHarness(t)
	h.emitter.setErr(ErrTransportUnavailable)

	var m Message
	h.sender.before = func() { h.echo(m) }
	m = h.engine.AddOptimistic("c1", "race", "corr-race")

	s := h.ctrl.SendWithFallback(context.Background(), m.ConversationID, m.Content, m.CorrelationID)
	if s != StatusDelivered {
		t.Fatalf("status = %s, want delivered", s)
	}
	msgs := h.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != StatusDelivered {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendWithFallbackSettledBeforeStart(t *testing.T) {
	h := newDeliveryHarness(t)
	m := h.engine.AddOptimistic("c1", "done", "corr-done")
	h.echo(m)

	s := h.ctrl.SendWithFallback(context.Background(), m.ConversationID, m.Content, m.CorrelationID)
	if s != StatusDelivered {
		t.Fatalf("status = %s, want delivered", s)
	}
	if len(h.emitter.Events()) != 0 || h.sender.calls.Load() != 0 {
		t.Error("settled message was sent again")
	}
}

func TestSendWithFallbackClose(t *testing.T) {
	h := newDeliveryHarness(t)
	_, out := h.send(context.Background(), "pending")

	eventually(t, func() bool { return h.clock.Pending() == 1 }, "delivery timer armed")
	h.ctrl.Close()

	if s := result(t, out); s != StatusSending {
		t.Fatalf("status = %s, want sending", s)
	}
	if n := h.sender.calls.Load(); n != 0 {
		t.Errorf("rest calls = %d, want 0", n)
	}
}

func TestSendWithFallbackCancel(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, out := h.send(ctx, "cancelled")

	eventually(t, func() bool { return h.clock.Pending() == 1 }, "delivery timer armed")
	cancel()

	if s := result(t, out); s != StatusSending {
		t.Fatalf("status = %s, want sending", s)
	}
	if n := h.sender.calls.Load(); n != 0 {
		t.Errorf("rest calls = %d, want 0", n)
	}
}

func TestDeliveryFailedError(t *testing.T) {
	cause := &APIError{Status: 500, Message: "boom"}
	err := error(&DeliveryFailedError{CorrelationID: "c", Err: cause})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("errors.As did not unwrap to the API error: %v", err)
	}
}
