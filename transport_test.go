package chatsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pasargamex/chatsync"
)

func TestConnectorConnect(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	rec := &recorder{}
	c.On(chatsync.EventAuthenticated, func(p json.RawMessage) {
		var a chatsync.AuthenticatedPayload
		_ = json.Unmarshal(p, &a)
		rec.add(chatsync.EventAuthenticated, a)
	})
	c.On(chatsync.EventOnlineUsers, func(p json.RawMessage) { rec.add(chatsync.EventOnlineUsers, string(p)) })

	if c.State() != chatsync.StateDisconnected {
		t.Fatalf("initial state = %s", c.State())
	}
	c.Connect(tokenFor(alice))
	eventually(t, c.Connected, "connected")
	eventually(t, func() bool { return rec.count(chatsync.EventOnlineUsers) == 1 }, "online snapshot")

	auth := rec.all(chatsync.EventAuthenticated)
	if len(auth) != 1 || auth[0].(chatsync.AuthenticatedPayload).UserID != alice.ID {
		t.Fatalf("authenticated events = %+v", auth)
	}
}

func TestConnectorEmitWhileDisconnected(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	err := c.Emit(context.Background(), chatsync.EventJoinChat, chatsync.ConversationPayload{ConversationID: "x"})
	if !errors.Is(err, chatsync.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}

func TestConnectorSendAndEcho(t *testing.T) {
	b := newBackend(t)
	conv := b.direct(t)
	c := b.connector(t)

	rec := &recorder{}
	c.On(chatsync.EventNewMessage, func(p json.RawMessage) { rec.add(chatsync.EventNewMessage, []byte(p)) })
	c.Connect(tokenFor(alice))
	eventually(t, c.Connected, "connected")

	err := c.Emit(context.Background(), chatsync.EventSendMessage, chatsync.SendMessagePayload{
		ConversationID: conv.ID,
		Content:        "over the socket",
		CorrelationID:  "corr-1",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	eventually(t, func() bool { return rec.count(chatsync.EventNewMessage) == 1 }, "echo")

	raw := rec.all(chatsync.EventNewMessage)[0].([]byte)
	m, err := chatsync.ParseInboundMessage(raw, time.Now())
	if err != nil {
		t.Fatalf("parse echo: %v", err)
	}
	if m.CorrelationID != "corr-1" || m.Sender.ID != alice.ID || m.Content != "over the socket" {
		t.Errorf("echo = %+v", m)
	}
}

func TestConnectorReconnect(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	rec := &recorder{}
	c.On(chatsync.EventConnect, func(p json.RawMessage) { rec.add(chatsync.EventConnect, nil) })
	c.On(chatsync.EventDisconnect, func(p json.RawMessage) {
		var d chatsync.DisconnectPayload
		_ = json.Unmarshal(p, &d)
		rec.add(chatsync.EventDisconnect, d)
	})
	c.On(chatsync.EventReconnecting, func(p json.RawMessage) { rec.add(chatsync.EventReconnecting, nil) })
	c.On(chatsync.EventUserOnline, func(p json.RawMessage) { rec.add(chatsync.EventUserOnline, nil) })

	c.Connect(tokenFor(alice))
	eventually(t, func() bool { return rec.count(chatsync.EventConnect) == 1 }, "first connect")

	b.srv.Close()
	eventually(t, func() bool { return rec.count(chatsync.EventConnect) == 2 }, "reconnect")

	if rec.count(chatsync.EventReconnecting) == 0 {
		t.Error("no reconnecting event")
	}
	d := rec.all(chatsync.EventDisconnect)
	if len(d) == 0 || d[0].(chatsync.DisconnectPayload).Intentional {
		t.Errorf("disconnect events = %+v, want an unintentional one", d)
	}

	// Subscriptions made before the drop still receive events.
	other := b.connector(t)
	other.Connect(tokenFor(bob))
	eventually(t, func() bool { return rec.count(chatsync.EventUserOnline) >= 1 }, "presence after reconnect")
}

func TestConnectorDisconnect(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	rec := &recorder{}
	c.On(chatsync.EventDisconnect, func(p json.RawMessage) {
		var d chatsync.DisconnectPayload
		_ = json.Unmarshal(p, &d)
		rec.add(chatsync.EventDisconnect, d)
	})
	c.On(chatsync.EventReconnecting, func(p json.RawMessage) { rec.add(chatsync.EventReconnecting, nil) })

	c.Connect(tokenFor(alice))
	eventually(t, c.Connected, "connected")
	c.Disconnect()

	if c.State() != chatsync.StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	d := rec.all(chatsync.EventDisconnect)
	if len(d) != 1 || !d[0].(chatsync.DisconnectPayload).Intentional {
		t.Fatalf("disconnect events = %+v", d)
	}
	if rec.count(chatsync.EventReconnecting) != 0 {
		t.Error("reconnecting after intentional disconnect")
	}
	c.Disconnect()
}

func TestConnectorUnsubscribe(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	rec := &recorder{}
	off := c.On(chatsync.EventConnect, func(p json.RawMessage) { rec.add(chatsync.EventConnect, nil) })
	off()
	off()
	kept := &recorder{}
	c.On(chatsync.EventConnect, func(p json.RawMessage) { kept.add(chatsync.EventConnect, nil) })

	c.Connect(tokenFor(alice))
	eventually(t, func() bool { return kept.count(chatsync.EventConnect) == 1 }, "connect")
	if rec.count(chatsync.EventConnect) != 0 {
		t.Error("removed handler was called")
	}
}

func TestConnectorBadToken(t *testing.T) {
	b := newBackend(t)
	c := chatsync.NewConnector(chatsync.TransportConfig{URL: b.ts.URL, DisableReconnect: true, Logger: quietLogger()})
	t.Cleanup(c.Disconnect)

	rec := &recorder{}
	c.On(chatsync.EventConnectError, func(p json.RawMessage) { rec.add(chatsync.EventConnectError, nil) })
	c.On(chatsync.EventConnect, func(p json.RawMessage) { rec.add(chatsync.EventConnect, nil) })

	c.Connect("wrong")
	eventually(t, func() bool { return rec.count(chatsync.EventConnectError) == 1 }, "connect_error")
	eventually(t, func() bool { return c.State() == chatsync.StateDisconnected }, "gave up")
	if rec.count(chatsync.EventConnect) != 0 {
		t.Error("connected with a bad token")
	}
}

func TestConnectorHandlerPanicIsContained(t *testing.T) {
	b := newBackend(t)
	c := b.connector(t)

	rec := &recorder{}
	c.On(chatsync.EventConnect, func(p json.RawMessage) { panic("boom") })
	c.On(chatsync.EventConnect, func(p json.RawMessage) { rec.add(chatsync.EventConnect, nil) })

	c.Connect(tokenFor(alice))
	eventually(t, func() bool { return rec.count(chatsync.EventConnect) == 1 }, "second handler ran")
	eventually(t, c.Connected, "still connected")
}
