package chatsync_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pasargamex/chatsync"
	"github.com/pasargamex/chatsync/devserver"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	alice = chatsync.UserRef{ID: "alice", Name: "Alice"}
	bob   = chatsync.UserRef{ID: "bob", Name: "Bob"}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backend struct {
	srv *devserver.Server
	ts  *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	srv := devserver.New(quietLogger())
	srv.AddUser(alice.ID, alice.Name, "alice-token")
	srv.AddUser(bob.ID, bob.Name, "bob-token")
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &backend{srv: srv, ts: ts}
}

func tokenFor(u chatsync.UserRef) string { return u.ID + "-token" }

func (b *backend) client(u chatsync.UserRef) *chatsync.Client {
	return chatsync.NewClient(tokenFor(u), chatsync.WithBaseURL(b.ts.URL), chatsync.WithLogger(quietLogger()))
}

func (b *backend) connector(t *testing.T) *chatsync.Connector {
	t.Helper()
	c := chatsync.NewConnector(chatsync.TransportConfig{
		URL:                b.ts.URL,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Logger:             quietLogger(),
	})
	t.Cleanup(c.Disconnect)
	return c
}

// direct returns the direct conversation between alice and bob.
func (b *backend) direct(t *testing.T) chatsync.Conversation {
	t.Helper()
	conv, err := b.client(alice).Chats.GetOrCreateDirect(context.Background(), bob.ID)
	if err != nil {
		t.Fatalf("create direct conversation: %v", err)
	}
	return conv
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recorder collects events delivered to handlers.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	name    string
	payload any
}

func (r *recorder) add(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{name, payload})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) all(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}
