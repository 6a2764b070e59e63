//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pasargamex/chatsync"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

func liveBaseURL(t *testing.T) string {
	return requireEnv(t, "CHATSYNC_BASE_URL_TEST")
}

func liveSelf(t *testing.T) chatsync.UserRef {
	return chatsync.UserRef{ID: requireEnv(t, "CHATSYNC_USER_ID_TEST")}
}

func livePeer(t *testing.T) string {
	return requireEnv(t, "CHATSYNC_PEER_ID_TEST")
}

func liveClient(t *testing.T) *chatsync.Client {
	t.Helper()
	return chatsync.NewClient(requireEnv(t, "CHATSYNC_TOKEN_TEST"), chatsync.WithBaseURL(liveBaseURL(t)))
}

func uniqueText(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: REST
// =======================================================================

func TestIntegration_Keepalive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	if err := liveClient(t).Keepalive(ctx); err != nil {
		t.Fatalf("Keepalive returned error: %v", err)
	}
	t.Logf("keepalive latency=%s", time.Since(start))
}

func TestIntegration_REST_DirectAndSend(t *testing.T) {
	client := liveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, err := client.Chats.GetOrCreateDirect(ctx, livePeer(t))
	if err != nil {
		t.Fatalf("GetOrCreateDirect: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected a conversation id")
	}

	again, err := client.Chats.GetOrCreateDirect(ctx, livePeer(t))
	if err != nil {
		t.Fatalf("second GetOrCreateDirect: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("direct conversation not reused: %s vs %s", again.ID, conv.ID)
	}

	text := uniqueText("integration rest")
	corr := fmt.Sprintf("it-%d", time.Now().UnixNano())
	m, err := client.Chats.SendMessage(ctx, conv.ID, text, corr)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected a server message id")
	}

	detail, err := client.Chats.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	found := false
	for _, hm := range detail.Messages {
		if hm.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("message %s missing from history (%d messages)", m.ID, len(detail.Messages))
	}

	if err := client.Chats.MarkRead(ctx, conv.ID); err != nil {
		t.Errorf("MarkRead: %v", err)
	}
}

// =======================================================================
// Group 2: Session over the live socket
// =======================================================================

func TestIntegration_Session_SendAndReconcile(t *testing.T) {
	client := liveClient(t)
	conn := chatsync.NewConnector(chatsync.TransportConfig{URL: liveBaseURL(t)})
	sess, err := chatsync.NewSession(chatsync.SessionConfig{
		Self:             liveSelf(t),
		Token:            requireEnv(t, "CHATSYNC_TOKEN_TEST"),
		Client:           client,
		Connector:        conn,
		DisableKeepalive: true,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conv, err := sess.OpenDirect(ctx, livePeer(t))
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	if err := sess.Select(ctx, conv.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}
	before := len(sess.Messages(conv.ID))

	m, err := sess.SendAndWait(ctx, conv.ID, uniqueText("integration session"))
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if m.Status != chatsync.StatusSent && m.Status != chatsync.StatusDelivered {
		t.Fatalf("status = %s", m.Status)
	}
	t.Logf("send settled status=%s id=%s", m.Status, m.ID)

	// Reloading history must not duplicate the confirmed message.
	if err := sess.Select(ctx, conv.ID); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if got := len(sess.Messages(conv.ID)); got != before+1 {
		t.Errorf("messages = %d, want %d", got, before+1)
	}
}
