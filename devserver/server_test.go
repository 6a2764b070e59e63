package devserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pasargamex/chatsync"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.AddUser("alice", "Alice", "alice-token")
	srv.AddUser("bob", "Bob", "bob-token")
	srv.AddUser("carol", "Carol", "carol-token")
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return srv, ts
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorInfo      `json:"error"`
}

func call(t *testing.T, ts *httptest.Server, method, path, token, body string) (int, apiResponse) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func openDirect(t *testing.T, ts *httptest.Server, token, userID string) chatsync.Conversation {
	t.Helper()
	status, resp := call(t, ts, http.MethodPost, "/chats/direct", token, `{"userId":"`+userID+`"}`)
	if status != http.StatusOK {
		t.Fatalf("direct status = %d, error = %+v", status, resp.Error)
	}
	var c chatsync.Conversation
	if err := json.Unmarshal(resp.Data, &c); err != nil {
		t.Fatal(err)
	}
	return c
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// next reads frames until one of type event arrives.
func next(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env chatsync.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Type == event {
			return env.Payload
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := ws.WriteJSON(chatsync.Envelope{Type: event, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// ============================================================================
// REST
// ============================================================================

func TestUnauthorized(t *testing.T) {
	_, ts := newTestServer(t)
	status, resp := call(t, ts, http.MethodGet, "/chats", "nope", "")
	if status != http.StatusUnauthorized || resp.Success || resp.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("status = %d, resp = %+v", status, resp)
	}
}

func TestDirectIsIdempotent(t *testing.T) {
	_, ts := newTestServer(t)

	first := openDirect(t, ts, "alice-token", "bob")
	second := openDirect(t, ts, "bob-token", "alice")
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("ids = %q, %q", first.ID, second.ID)
	}
	if len(first.Participants) != 2 {
		t.Errorf("participants = %+v", first.Participants)
	}

	t.Run("unknown user", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPost, "/chats/direct", "alice-token", `{"userId":"zed"}`)
		if status != http.StatusNotFound {
			t.Errorf("status = %d", status)
		}
	})
	t.Run("self", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPost, "/chats/direct", "alice-token", `{"userId":"alice"}`)
		if status != http.StatusBadRequest {
			t.Errorf("status = %d", status)
		}
	})
}

func TestPostMessage(t *testing.T) {
	srv, ts := newTestServer(t)
	conv := openDirect(t, ts, "alice-token", "bob")
	path := "/chats/" + conv.ID + "/messages"

	status, resp := call(t, ts, http.MethodPost, path, "alice-token", `{"content":"hi","correlationId":"c-1"}`)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, error = %+v", status, resp.Error)
	}
	var m wireMessage
	_ = json.Unmarshal(resp.Data, &m)
	if m.ID == "" || m.CorrelationID != "c-1" || m.Sender.ID != "alice" || m.Type != chatsync.MessageTypeText {
		t.Fatalf("message = %+v", m)
	}

	t.Run("correlation id dedupes", func(t *testing.T) {
		_, resp := call(t, ts, http.MethodPost, path, "alice-token", `{"content":"hi","correlationId":"c-1"}`)
		var again wireMessage
		_ = json.Unmarshal(resp.Data, &again)
		if again.ID != m.ID {
			t.Errorf("id = %q, want %q", again.ID, m.ID)
		}
		if n := srv.MessageCount(conv.ID); n != 1 {
			t.Errorf("stored = %d, want 1", n)
		}
		if n := srv.RESTMessagePosts(); n != 2 {
			t.Errorf("posts = %d, want 2", n)
		}
	})

	t.Run("unread for the other member", func(t *testing.T) {
		_, resp := call(t, ts, http.MethodGet, "/chats", "bob-token", "")
		var chats []chatsync.Conversation
		_ = json.Unmarshal(resp.Data, &chats)
		if len(chats) != 1 || chats[0].UnreadCount != 1 {
			t.Fatalf("bob chats = %+v", chats)
		}
		if chats[0].LastMessage == nil || chats[0].LastMessage.Content != "hi" {
			t.Errorf("last message = %+v", chats[0].LastMessage)
		}

		status, _ := call(t, ts, http.MethodPut, "/chats/"+conv.ID+"/read", "bob-token", "")
		if status != http.StatusOK {
			t.Fatalf("read status = %d", status)
		}
		_, resp = call(t, ts, http.MethodGet, "/chats", "bob-token", "")
		_ = json.Unmarshal(resp.Data, &chats)
		if chats[0].UnreadCount != 0 {
			t.Errorf("unread = %d after read", chats[0].UnreadCount)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPost, path, "alice-token", `{"content":"  "}`)
		if status != http.StatusBadRequest {
			t.Errorf("status = %d", status)
		}
	})

	t.Run("non member", func(t *testing.T) {
		status, _ := call(t, ts, http.MethodPost, path, "carol-token", `{"content":"let me in"}`)
		if status != http.StatusForbidden {
			t.Errorf("status = %d", status)
		}
	})

	t.Run("rest failure switch", func(t *testing.T) {
		srv.FailREST.Store(true)
		defer srv.FailREST.Store(false)
		status, _ := call(t, ts, http.MethodPost, path, "alice-token", `{"content":"x"}`)
		if status != http.StatusServiceUnavailable {
			t.Errorf("status = %d", status)
		}
	})
}

func TestBlockAndDelete(t *testing.T) {
	srv, ts := newTestServer(t)
	conv := openDirect(t, ts, "alice-token", "bob")
	path := "/chats/" + conv.ID

	_, resp := call(t, ts, http.MethodPost, path+"/messages", "alice-token", `{"content":"first"}`)
	var m wireMessage
	_ = json.Unmarshal(resp.Data, &m)

	if status, _ := call(t, ts, http.MethodDelete, path+"/messages/"+m.ID, "bob-token", ""); status != http.StatusForbidden {
		t.Errorf("delete by other status = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, path+"/messages/"+m.ID, "alice-token", ""); status != http.StatusOK {
		t.Errorf("delete status = %d", status)
	}
	if n := srv.MessageCount(conv.ID); n != 0 {
		t.Errorf("stored = %d after delete", n)
	}

	_, resp = call(t, ts, http.MethodPut, path+"/block", "bob-token", "")
	var blocked map[string]bool
	_ = json.Unmarshal(resp.Data, &blocked)
	if !blocked["blocked"] {
		t.Fatalf("block = %v", blocked)
	}
	status, resp := call(t, ts, http.MethodPost, path+"/messages", "alice-token", `{"content":"second"}`)
	if status != http.StatusConflict || resp.Error.Code != "BLOCKED" {
		t.Errorf("post to blocked status = %d, resp = %+v", status, resp)
	}
}

func TestSearch(t *testing.T) {
	_, ts := newTestServer(t)
	openDirect(t, ts, "alice-token", "bob")
	openDirect(t, ts, "alice-token", "carol")

	_, resp := call(t, ts, http.MethodGet, "/chats/search?query=car", "alice-token", "")
	var chats []chatsync.Conversation
	_ = json.Unmarshal(resp.Data, &chats)
	if len(chats) != 1 {
		t.Fatalf("search = %+v", chats)
	}
	if peer, _ := chats[0].Peer("alice"); peer.ID != "carol" {
		t.Errorf("peer = %+v", peer)
	}
}

// ============================================================================
// Socket
// ============================================================================

func TestSocket(t *testing.T) {
	srv, ts := newTestServer(t)
	conv := openDirect(t, ts, "alice-token", "bob")

	alice := dial(t, ts, "alice-token")
	var auth chatsync.AuthenticatedPayload
	_ = json.Unmarshal(next(t, alice, chatsync.EventAuthenticated), &auth)
	if auth.UserID != "alice" {
		t.Fatalf("authenticated = %+v", auth)
	}
	next(t, alice, chatsync.EventOnlineUsers)

	bob := dial(t, ts, "bob-token")
	var online chatsync.OnlineUsersPayload
	_ = json.Unmarshal(next(t, bob, chatsync.EventOnlineUsers), &online)
	if len(online.UserIDs) != 2 {
		t.Errorf("online = %v", online.UserIDs)
	}
	var joined chatsync.UserPayload
	_ = json.Unmarshal(next(t, alice, chatsync.EventUserOnline), &joined)
	if joined.UserID != "bob" {
		t.Errorf("user_online = %+v", joined)
	}

	t.Run("send message reaches both members", func(t *testing.T) {
		send(t, alice, chatsync.EventSendMessage, chatsync.SendMessagePayload{ConversationID: conv.ID, Content: "yo", CorrelationID: "k-1"})
		for _, ws := range []*websocket.Conn{alice, bob} {
			var m wireMessage
			_ = json.Unmarshal(next(t, ws, chatsync.EventNewMessage), &m)
			if m.Content != "yo" || m.CorrelationID != "k-1" {
				t.Errorf("new_message = %+v", m)
			}
		}
	})

	t.Run("typing relayed to the other member", func(t *testing.T) {
		send(t, bob, chatsync.EventTypingStart, chatsync.ConversationPayload{ConversationID: conv.ID})
		var p chatsync.ConversationPayload
		_ = json.Unmarshal(next(t, alice, chatsync.EventTypingStart), &p)
		if p.ConversationID != conv.ID || p.UserID != "bob" {
			t.Errorf("typing = %+v", p)
		}
	})

	t.Run("dropped socket messages", func(t *testing.T) {
		srv.DropSocketMessages.Store(true)
		defer srv.DropSocketMessages.Store(false)
		send(t, alice, chatsync.EventSendMessage, chatsync.SendMessagePayload{ConversationID: conv.ID, Content: "lost"})
		send(t, alice, "bogus", nil)
		next(t, alice, chatsync.EventError)
		if n := srv.MessageCount(conv.ID); n != 1 {
			t.Errorf("stored = %d, want 1", n)
		}
	})

	t.Run("offline broadcast", func(t *testing.T) {
		bob.Close()
		var left chatsync.UserPayload
		_ = json.Unmarshal(next(t, alice, chatsync.EventUserOffline), &left)
		if left.UserID != "bob" {
			t.Errorf("user_offline = %+v", left)
		}
	})
}

func TestSocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}
