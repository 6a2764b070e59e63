// Package devserver is an in-memory chat backend speaking the same REST and
// socket protocol as the production API. It backs the CLI's local mode and
// the end-to-end tests.
package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/pasargamex/chatsync"
)

// wireMessage is the message shape sent over REST and the socket.
type wireMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Sender         chatsync.UserRef `json:"sender"`
	Content        string           `json:"content"`
	Type           string           `json:"type"`
	CreatedAt      time.Time        `json:"createdAt"`
	CorrelationID  string           `json:"correlationId,omitempty"`
}

type chat struct {
	id           string
	participants []chatsync.Participant
	messages     []wireMessage
	unread       map[string]int
	blocked      bool
	updatedAt    time.Time
}

func (c *chat) hasMember(userID string) bool {
	return slices.ContainsFunc(c.participants, func(p chatsync.Participant) bool { return p.User.ID == userID })
}

func (c *chat) memberIDs() []string {
	ids := make([]string, len(c.participants))
	for i, p := range c.participants {
		ids[i] = p.User.ID
	}
	return ids
}

func (c *chat) view(userID string) chatsync.Conversation {
	conv := chatsync.Conversation{
		ID:           c.id,
		Participants: slices.Clone(c.participants),
		UnreadCount:  c.unread[userID],
		UpdatedAt:    c.updatedAt,
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		conv.LastMessage = &chatsync.LastMessage{Content: last.Content, Sender: last.Sender, Timestamp: last.CreatedAt}
	}
	return conv
}

// Server is the in-memory backend.
type Server struct {
	// DropSocketMessages makes the server ignore send_message frames, as if
	// the socket path were broken while still connected.
	DropSocketMessages atomic.Bool
	// FailREST makes message POSTs fail with 503.
	FailREST atomic.Bool

	logger   *slog.Logger
	hub      *hub
	router   *chi.Mux
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	seq      int
	users    map[string]chatsync.UserRef // by token
	byID     map[string]chatsync.UserRef
	chats    map[string]*chat
	direct   map[string]string
	byCorr   map[string]wireMessage
	restPost atomic.Int64
}

// New creates an empty server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:    time.Now,
		users:  make(map[string]chatsync.UserRef),
		byID:   make(map[string]chatsync.UserRef),
		chats:  make(map[string]*chat),
		direct: make(map[string]string),
		byCorr: make(map[string]wireMessage),
	}
	s.router = s.routes()
	return s
}

// AddUser registers a user that authenticates with token.
func (s *Server) AddUser(id, name, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := chatsync.UserRef{ID: id, Name: name}
	s.users[token] = u
	s.byID[id] = u
}

// RESTMessagePosts returns how many message POSTs were received.
func (s *Server) RESTMessagePosts() int64 {
	return s.restPost.Load()
}

// MessageCount returns the number of stored messages in a conversation.
func (s *Server) MessageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[conversationID]; ok {
		return len(c.messages)
	}
	return 0
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drops every socket.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/keepalive", s.handleKeepalive)
	r.Get("/ws", s.serveWs)

	r.Route("/chats", func(r chi.Router) {
		r.Use(s.authenticator)
		r.Get("/", s.handleListChats)
		r.Get("/search", s.handleSearchChats)
		r.Post("/direct", s.handleDirect)
		r.Get("/{chatID}", s.handleGetChat)
		r.Post("/{chatID}/messages", s.handlePostMessage)
		r.Delete("/{chatID}/messages/{messageID}", s.handleDeleteMessage)
		r.Put("/{chatID}/read", s.handleMarkRead)
		r.Put("/{chatID}/block", s.handleToggleBlock)
	})
	return r
}

type ctxKey struct{}

func userFrom(ctx context.Context) chatsync.UserRef {
	u, _ := ctx.Value(ctxKey{}).(chatsync.UserRef)
	return u
}

func (s *Server) userForToken(token string) (chatsync.UserRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	return u, ok
}

func (s *Server) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		u, ok := s.userForToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// getOrCreateDirect is idempotent per user pair.
func (s *Server) getOrCreateDirect(self chatsync.UserRef, otherID string) (*chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	other, ok := s.byID[otherID]
	if !ok {
		return nil, errNotFound
	}
	key := directKey(self.ID, otherID)
	if id, ok := s.direct[key]; ok {
		return s.chats[id], nil
	}
	c := &chat{
		id: s.nextID("chat_"),
		participants: []chatsync.Participant{
			{User: self, Role: "member"},
			{User: other, Role: "member"},
		},
		unread:    make(map[string]int),
		updatedAt: s.now().UTC(),
	}
	s.chats[c.id] = c
	s.direct[key] = c.id
	return c, nil
}

// postMessage stores a message once per correlation id and broadcasts it
// to every participant, the sender included.
func (s *Server) postMessage(sender chatsync.UserRef, chatID, content, msgType, correlationID string) (wireMessage, error) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return wireMessage{}, errNotFound
	}
	if !c.hasMember(sender.ID) {
		s.mu.Unlock()
		return wireMessage{}, errForbidden
	}
	if c.blocked {
		s.mu.Unlock()
		return wireMessage{}, errBlocked
	}
	if correlationID != "" {
		if m, ok := s.byCorr[correlationID]; ok {
			s.mu.Unlock()
			return m, nil
		}
	}
	if msgType == "" {
		msgType = chatsync.MessageTypeText
	}
	m := wireMessage{
		ID:             s.nextID("msg_"),
		ConversationID: chatID,
		Sender:         sender,
		Content:        content,
		Type:           msgType,
		CreatedAt:      s.now().UTC(),
		CorrelationID:  correlationID,
	}
	c.messages = append(c.messages, m)
	c.updatedAt = m.CreatedAt
	for _, id := range c.memberIDs() {
		if id != sender.ID {
			c.unread[id]++
		}
	}
	if correlationID != "" {
		s.byCorr[correlationID] = m
	}
	members := c.memberIDs()
	s.mu.Unlock()

	s.hub.sendTo(members, chatsync.EventNewMessage, m)
	return m, nil
}

func (s *Server) markRead(user chatsync.UserRef, chatID string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return errNotFound
	}
	if !c.hasMember(user.ID) {
		s.mu.Unlock()
		return errForbidden
	}
	c.unread[user.ID] = 0
	s.mu.Unlock()

	s.hub.sendTo([]string{user.ID}, chatsync.EventMessagesRead, chatsync.ConversationPayload{
		ConversationID: chatID,
		UserID:         user.ID,
	})
	return nil
}

func (s *Server) chatsOf(userID string) []chatsync.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chatsync.Conversation
	for _, c := range s.chats {
		if c.hasMember(userID) {
			out = append(out, c.view(userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ListenAndServe runs the server on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
