package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Session events
// ============================================================================

// Events delivered to Session.On handlers.
const (
	SessionMessageLocal        = "message.local"
	SessionMessageNew          = "message.new"
	SessionMessageUpdated      = "message.updated"
	SessionMessageDeleted      = "message.deleted"
	SessionConversationUpdated = "conversation.updated"
	SessionPresenceChanged     = "presence.changed"
	SessionTypingChanged       = "typing.changed"
	SessionNotification        = "notification"
	SessionNotice              = "session.notice"
)

// PresenceEvent is the payload of presence.changed. Snapshot is set for the
// full online list sent on connect.
type PresenceEvent struct {
	UserID   string
	Online   bool
	Snapshot []string
}

// TypingEvent is the payload of typing.changed.
type TypingEvent struct {
	ConversationID string
	Users          []string
}

// Notification is raised for messages from others outside the active conversation.
type Notification struct {
	ConversationID string
	Title          string
	Body           string
	Message        *Message
}

// Notice reports connection-level conditions.
type Notice struct {
	Level   slog.Level
	State   ConnState
	Message string
}

// SessionEventHandler receives session events.
type SessionEventHandler func(event string, payload any)

type sessionEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
	logger    *slog.Logger
}

// On registers handler for event.
func (e *sessionEmitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *sessionEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]SessionEventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("session handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *sessionEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SessionEventHandler)
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	Self      UserRef
	Token     string
	Client    *Client
	Connector *Connector
	// Journal keeps unconfirmed sends across restarts. Defaults to memory.
	Journal Journal
	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics

	DeliveryTimeout  time.Duration
	TypingIdle       time.Duration
	RemoteTypingTTL  time.Duration
	FuzzyWindow      time.Duration
	KeepaliveCron    string
	DisableKeepalive bool
}

func (c *SessionConfig) defaults() {
	if c.Journal == nil {
		c.Journal = NewMemoryJournal()
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one signed-in user's chat state: conversations, message
// lists, presence and typing, kept in sync with the server.
type Session struct {
	sessionEmitter

	cfg       SessionConfig
	log       *slog.Logger
	store     *ConversationStore
	engine    *Engine
	delivery  *DeliveryController
	presence  *Presence
	typing    *TypingTracker
	keepalive *Keepalive

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	offs      []func()
	started   bool
	closed    bool
	connected bool
}

// NewSession wires the session components. Nothing touches the network
// until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("session: self user id is required")
	}
	if cfg.Client == nil || cfg.Connector == nil {
		return nil, fmt.Errorf("session: client and connector are required")
	}
	cfg.defaults()

	log := cfg.Logger.With("user_id", cfg.Self.ID)
	store := NewConversationStore(cfg.Self.ID)
	engine := NewEngine(EngineConfig{
		Self:        cfg.Self,
		Store:       store,
		Clock:       cfg.Clock,
		FuzzyWindow: cfg.FuzzyWindow,
		Logger:      log,
		Metrics:     cfg.Metrics,
	})

	s := &Session{
		sessionEmitter: sessionEmitter{listeners: make(map[string][]SessionEventHandler), logger: log},
		cfg:            cfg,
		log:            log,
		store:          store,
		engine:         engine,
		presence:       NewPresence(),
		delivery: NewDeliveryController(DeliveryConfig{
			Engine:  engine,
			Emitter: cfg.Connector,
			REST:    cfg.Client.Chats,
			Timeout: cfg.DeliveryTimeout,
			Clock:   cfg.Clock,
			Logger:  log,
			Metrics: cfg.Metrics,
		}),
		typing: NewTypingTracker(TypingConfig{
			Emitter:   cfg.Connector,
			Idle:      cfg.TypingIdle,
			RemoteTTL: cfg.RemoteTypingTTL,
			Clock:     cfg.Clock,
			Logger:    log,
		}),
	}
	if !cfg.DisableKeepalive {
		ka, err := NewKeepalive(cfg.KeepaliveCron, cfg.Client, cfg.Clock, log)
		if err != nil {
			return nil, err
		}
		s.keepalive = ka
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Engine returns the session's reconciliation engine.
func (s *Session) Engine() *Engine { return s.engine }

// Store returns the session's conversation store.
func (s *Session) Store() *ConversationStore { return s.store }

// Presence returns the online user set.
func (s *Session) Presence() *Presence { return s.presence }

// Typing returns the typing tracker.
func (s *Session) Typing() *TypingTracker { return s.typing }

// goTracked runs f on a goroutine that Close waits for.
func (s *Session) goTracked(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

// Start loads the conversation list, connects the socket and resumes any
// sends left unconfirmed by a previous run.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.subscribe()

	chats, err := s.cfg.Client.Chats.List(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	// Insert oldest first so the most recent ends up in front.
	for i := len(chats) - 1; i >= 0; i-- {
		s.store.Upsert(chats[i])
	}

	s.cfg.Connector.Connect(s.cfg.Token)

	if s.keepalive != nil {
		s.goTracked(func() { s.keepalive.Run(s.ctx) })
	}
	return s.resumePending()
}

func (s *Session) resumePending() error {
	pending, err := s.cfg.Journal.List()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	for _, p := range pending {
		msg := s.engine.addOptimistic(p.ConversationID, p.Content, p.CorrelationID, p.CreatedAt)
		if p.Failed {
			if m, ok := s.engine.MarkFailed(p.CorrelationID); ok {
				msg = m
			}
			s.emit(SessionMessageLocal, msg)
			continue
		}
		s.emit(SessionMessageLocal, msg)
		s.log.Info("resuming unconfirmed send", "conversation_id", p.ConversationID, "correlation_id", p.CorrelationID)
		s.deliverAsync(msg)
	}
	return nil
}

// Close stops the socket, cancels in-flight sends and waits for them.
// Unconfirmed sends stay in the journal.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	s.cancel()
	s.delivery.Close()
	for _, off := range offs {
		off()
	}
	s.cfg.Connector.Disconnect()
	s.typing.Close()
	s.wg.Wait()
	s.removeAll()
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations yields the conversations matching term, most recent first.
func (s *Session) Conversations(term string) iter.Seq[Conversation] {
	return s.store.List(term)
}

// Search asks the server for conversations matching query and merges them
// into the local list.
func (s *Session) Search(ctx context.Context, query string) ([]Conversation, error) {
	found, err := s.cfg.Client.Chats.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, c := range found {
		s.store.Upsert(c)
	}
	return found, nil
}

// OpenDirect returns the direct conversation with userID, creating it on
// first contact.
func (s *Session) OpenDirect(ctx context.Context, userID string) (Conversation, error) {
	conv, err := s.cfg.Client.Chats.GetOrCreateDirect(ctx, userID)
	if err != nil {
		return Conversation{}, err
	}
	conv = s.store.Upsert(conv)
	s.emit(SessionConversationUpdated, conv)
	return conv, nil
}

// Select makes conversationID the active conversation: its unread counter
// resets, its history is merged, and the server is told it was read.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	if prev := s.store.Active(); prev != "" && prev != conversationID {
		s.leave(prev)
	}
	s.store.SetActive(conversationID)
	if c, ok := s.store.Get(conversationID); ok {
		s.emit(SessionConversationUpdated, c)
	}

	if err := s.loadHistory(ctx, conversationID); err != nil {
		return err
	}
	s.emitBestEffort(ctx, EventJoinChat, conversationID)
	s.emitBestEffort(ctx, EventMarkRead, conversationID)
	if err := s.cfg.Client.Chats.MarkRead(ctx, conversationID); err != nil {
		s.log.Warn("mark read failed", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// Deselect clears the active conversation.
func (s *Session) Deselect() {
	if prev := s.store.Active(); prev != "" {
		s.leave(prev)
	}
	s.store.SetActive("")
}

func (s *Session) leave(conversationID string) {
	s.typing.ClearConversation(conversationID)
	s.emit(SessionTypingChanged, TypingEvent{ConversationID: conversationID})
	s.emitBestEffort(s.ctx, EventLeaveChat, conversationID)
}

func (s *Session) emitBestEffort(ctx context.Context, event, conversationID string) {
	if err := s.cfg.Connector.Emit(ctx, event, ConversationPayload{ConversationID: conversationID}); err != nil {
		s.log.Debug("socket event not sent", "event", event, "conversation_id", conversationID, "error", err)
	}
}

func (s *Session) loadHistory(ctx context.Context, conversationID string) error {
	detail, err := s.cfg.Client.Chats.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if detail.Conversation.ID != "" {
		// The server count predates the read receipt for the open conversation.
		if conversationID == s.store.Active() {
			detail.Conversation.UnreadCount = 0
		}
		s.store.Upsert(detail.Conversation)
	}
	res := s.engine.Load(conversationID, detail.Messages)
	for _, corr := range res.Resolved {
		s.settled(corr)
	}
	return nil
}

// settled finishes bookkeeping for a correlation id confirmed by the server.
func (s *Session) settled(correlationID string) {
	s.delivery.Acknowledge(correlationID)
	if err := s.cfg.Journal.Delete(correlationID); err != nil {
		s.log.Warn("journal delete failed", "correlation_id", correlationID, "error", err)
	}
	if m, ok := s.engine.Lookup(correlationID); ok {
		s.emit(SessionMessageUpdated, m)
	}
}

// Messages returns the message list of a conversation.
func (s *Session) Messages(conversationID string) []Message {
	return s.engine.Messages(conversationID)
}

// ============================================================================
// Sending
// ============================================================================

func (s *Session) prepare(conversationID, content string) (Message, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Message{}, ErrClosed
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := s.engine.AddOptimistic(conversationID, content, uuid.NewString())
	if err := s.cfg.Journal.Put(PendingSend{
		CorrelationID:  msg.CorrelationID,
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      msg.CreatedAt,
	}); err != nil {
		s.log.Warn("journal put failed", "correlation_id", msg.CorrelationID, "error", err)
	}
	s.emit(SessionMessageLocal, msg)
	s.typing.StopTyping(conversationID)
	return msg, nil
}

// Send appends an optimistic message and delivers it in the background.
// Progress is reported through message.updated events.
func (s *Session) Send(conversationID, content string) (Message, error) {
	msg, err := s.prepare(conversationID, content)
	if err != nil {
		return Message{}, err
	}
	s.deliverAsync(msg)
	return msg, nil
}

// SendAndWait is Send that returns once delivery settles or ctx is done.
// Cancelling ctx only stops the wait; delivery carries on in the
// background until it settles or the session closes.
func (s *Session) SendAndWait(ctx context.Context, conversationID, content string) (Message, error) {
	msg, err := s.prepare(conversationID, content)
	if err != nil {
		return Message{}, err
	}

	select {
	case <-s.deliverAsync(msg):
	case <-ctx.Done():
		m, _ := s.engine.Lookup(msg.CorrelationID)
		return m, ctx.Err()
	}
	m, _ := s.engine.Lookup(msg.CorrelationID)
	return m, nil
}

// Retry resends a failed message with its original correlation id.
func (s *Session) Retry(correlationID string) (Message, error) {
	msg, err := s.engine.Retry(correlationID)
	if err != nil {
		return msg, err
	}
	if err := s.cfg.Journal.Put(PendingSend{
		CorrelationID:  msg.CorrelationID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}); err != nil {
		s.log.Warn("journal put failed", "correlation_id", correlationID, "error", err)
	}
	s.emit(SessionMessageUpdated, msg)
	s.deliverAsync(msg)
	return msg, nil
}

// DeleteMessage removes one of the user's messages on the server and locally.
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.cfg.Client.Chats.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return err
	}
	if s.engine.Remove(conversationID, messageID) {
		s.emit(SessionMessageDeleted, messageID)
	}
	return nil
}

// deliverAsync runs delivery under the session context. The returned
// channel closes once delivery settles or the session is closed.
func (s *Session) deliverAsync(msg Message) <-chan struct{} {
	done := make(chan struct{})
	if !s.goTracked(func() {
		defer close(done)
		s.deliver(s.ctx, msg)
	}) {
		close(done)
	}
	return done
}

func (s *Session) deliver(ctx context.Context, msg Message) {
	status := s.delivery.SendWithFallback(ctx, msg.ConversationID, msg.Content, msg.CorrelationID)
	m, _ := s.engine.Lookup(msg.CorrelationID)

	switch status {
	case StatusSent, StatusDelivered:
		if err := s.cfg.Journal.Delete(msg.CorrelationID); err != nil {
			s.log.Warn("journal delete failed", "correlation_id", msg.CorrelationID, "error", err)
		}
		s.emit(SessionMessageUpdated, m)
	case StatusFailed:
		if err := s.cfg.Journal.Put(PendingSend{
			CorrelationID:  m.CorrelationID,
			ConversationID: m.ConversationID,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			Failed:         true,
		}); err != nil {
			s.log.Warn("journal put failed", "correlation_id", msg.CorrelationID, "error", err)
		}
		s.emit(SessionMessageUpdated, m)
	}
}

// ============================================================================
// Typing & presence
// ============================================================================

// Keystroke reports local typing activity in conversationID.
func (s *Session) Keystroke(conversationID string) {
	s.typing.Keystroke(conversationID)
}

// StopTyping ends local typing in conversationID immediately.
func (s *Session) StopTyping(conversationID string) {
	s.typing.StopTyping(conversationID)
}

// TypingUsers returns the other users typing in conversationID.
func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.TypingUsers(conversationID)
}

// IsOnline reports whether userID is online.
func (s *Session) IsOnline(userID string) bool {
	return s.presence.IsOnline(userID)
}

// ============================================================================
// Transport handlers
// ============================================================================

func (s *Session) subscribe() {
	c := s.cfg.Connector
	offs := []func(){
		c.On(EventConnect, s.onConnect),
		c.On(EventDisconnect, s.onDisconnect),
		c.On(EventConnectError, s.onConnectError),
		c.On(EventReconnecting, s.onReconnecting),
		c.On(EventNewMessage, s.onNewMessage),
		c.On(EventTypingStart, func(p json.RawMessage) { s.onTyping(EventTypingStart, p) }),
		c.On(EventTypingStop, func(p json.RawMessage) { s.onTyping(EventTypingStop, p) }),
		c.On(EventUserOnline, func(p json.RawMessage) { s.onPresence(p, true) }),
		c.On(EventUserOffline, func(p json.RawMessage) { s.onPresence(p, false) }),
		c.On(EventOnlineUsers, s.onOnlineUsers),
		c.On(EventMessagesRead, s.onMessagesRead),
		c.On(EventError, s.onServerError),
		c.On(EventNotification, s.onServerNotification),
	}
	s.mu.Lock()
	s.offs = append(s.offs, offs...)
	s.mu.Unlock()
}

func (s *Session) onConnect(json.RawMessage) {
	s.mu.Lock()
	reconnect := s.connected
	s.connected = true
	s.mu.Unlock()

	s.emit(SessionNotice, Notice{Level: slog.LevelInfo, State: StateConnected, Message: "connected"})

	active := s.store.Active()
	if active == "" {
		return
	}
	s.emitBestEffort(s.ctx, EventJoinChat, active)
	if reconnect {
		// Messages broadcast while the socket was down only exist server side.
		s.goTracked(func() {
			if err := s.loadHistory(s.ctx, active); err != nil {
				s.log.Warn("history reload after reconnect failed", "conversation_id", active, "error", err)
			}
		})
	}
}

func (s *Session) onDisconnect(p json.RawMessage) {
	var d DisconnectPayload
	_ = json.Unmarshal(p, &d)
	if d.Intentional {
		return
	}
	s.emit(SessionNotice, Notice{Level: slog.LevelWarn, State: StateDisconnected, Message: d.Reason})
}

func (s *Session) onConnectError(p json.RawMessage) {
	var e ConnectErrorPayload
	_ = json.Unmarshal(p, &e)
	s.emit(SessionNotice, Notice{Level: slog.LevelError, State: s.cfg.Connector.State(), Message: e.Message})
}

func (s *Session) onReconnecting(p json.RawMessage) {
	var r ReconnectingPayload
	_ = json.Unmarshal(p, &r)
	s.emit(SessionNotice, Notice{
		Level:   slog.LevelInfo,
		State:   StateReconnecting,
		Message: fmt.Sprintf("reconnecting in %s (attempt %d)", r.Delay, r.Attempt),
	})
}

func (s *Session) onNewMessage(p json.RawMessage) {
	msg, err := ParseInboundMessage(p, s.cfg.Clock.Now())
	if err != nil {
		s.cfg.Metrics.malformed(EventNewMessage)
		s.log.Warn("dropping inbound message", "error", err)
		return
	}

	res := s.engine.Receive(msg)
	switch res.Outcome {
	case OutcomeDuplicate:
		return
	case OutcomeReconciled:
		if res.Message.CorrelationID != "" {
			s.settled(res.Message.CorrelationID)
		} else {
			s.emit(SessionMessageUpdated, res.Message)
		}
	case OutcomeAppended:
		s.emit(SessionMessageNew, res.Message)
	}
	s.emit(SessionConversationUpdated, res.Conversation)

	if !res.Foreign {
		return
	}
	s.typing.RemoveRemote(msg.ConversationID, msg.Sender.ID)
	if msg.ConversationID != s.store.Active() {
		m := res.Message
		name := m.Sender.Name
		if name == "" {
			name = m.Sender.ID
		}
		s.emit(SessionNotification, Notification{
			ConversationID: m.ConversationID,
			Title:          "New Message",
			Body:           name + ": " + m.Content,
			Message:        &m,
		})
	}
}

func (s *Session) onTyping(event string, p json.RawMessage) {
	var t ConversationPayload
	if err := json.Unmarshal(p, &t); err != nil || t.ConversationID == "" || t.UserID == "" {
		s.cfg.Metrics.malformed(event)
		return
	}
	if t.UserID == s.cfg.Self.ID {
		return
	}
	if event == EventTypingStart {
		s.typing.AddRemote(t.ConversationID, t.UserID)
	} else {
		s.typing.RemoveRemote(t.ConversationID, t.UserID)
	}
	s.emit(SessionTypingChanged, TypingEvent{
		ConversationID: t.ConversationID,
		Users:          s.typing.TypingUsers(t.ConversationID),
	})
}

func (s *Session) onPresence(p json.RawMessage, online bool) {
	var u UserPayload
	if err := json.Unmarshal(p, &u); err != nil || u.UserID == "" {
		s.cfg.Metrics.malformed(EventUserOnline)
		return
	}
	var changed bool
	if online {
		changed = s.presence.MarkOnline(u.UserID)
	} else {
		changed = s.presence.MarkOffline(u.UserID)
	}
	if changed {
		s.emit(SessionPresenceChanged, PresenceEvent{UserID: u.UserID, Online: online})
	}
}

func (s *Session) onOnlineUsers(p json.RawMessage) {
	var o OnlineUsersPayload
	if err := json.Unmarshal(p, &o); err != nil {
		s.cfg.Metrics.malformed(EventOnlineUsers)
		return
	}
	s.presence.SnapshotOnline(o.UserIDs)
	s.emit(SessionPresenceChanged, PresenceEvent{Snapshot: s.presence.Online()})
}

// onMessagesRead applies reads made by this user elsewhere.
func (s *Session) onMessagesRead(p json.RawMessage) {
	var r ConversationPayload
	if err := json.Unmarshal(p, &r); err != nil || r.ConversationID == "" {
		s.cfg.Metrics.malformed(EventMessagesRead)
		return
	}
	if r.UserID != "" && r.UserID != s.cfg.Self.ID {
		return
	}
	if s.store.MarkRead(r.ConversationID) {
		c, _ := s.store.Get(r.ConversationID)
		s.emit(SessionConversationUpdated, c)
	}
}

func (s *Session) onServerError(p json.RawMessage) {
	var e ErrorPayload
	_ = json.Unmarshal(p, &e)
	s.log.Warn("server error event", "message", e.Message)
}

func (s *Session) onServerNotification(p json.RawMessage) {
	var n struct {
		Title   string `json:"title"`
		Message string `json:"message"`
		ChatID  string `json:"chatId"`
	}
	if err := json.Unmarshal(p, &n); err != nil {
		s.cfg.Metrics.malformed(EventNotification)
		return
	}
	s.emit(SessionNotification, Notification{ConversationID: n.ChatID, Title: n.Title, Body: n.Message})
}
