package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pasargamex/chatsync"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("not a participant")
	errBlocked   = errors.New("conversation is blocked")
)

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorInfo `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{
		Success:   false,
		Error:     &errorInfo{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, errBlocked):
		writeError(w, http.StatusConflict, "BLOCKED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// ============================================================================
// REST
// ============================================================================

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chatsOf(userFrom(r.Context()).ID))
}

func (s *Server) handleSearchChats(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("query")))
	out := []chatsync.Conversation{}
	for _, c := range s.chatsOf(userFrom(r.Context()).ID) {
		if query == "" || matches(c, query) {
			out = append(out, c)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func matches(c chatsync.Conversation, query string) bool {
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.User.Name), query) {
			return true
		}
	}
	return c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), query)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "userId is required")
		return
	}
	if body.UserID == user.ID {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "cannot chat with yourself")
		return
	}
	c, err := s.getOrCreateDirect(user, body.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.mu.Lock()
	view := c.view(user.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok || !c.hasMember(user.ID) {
		s.mu.Unlock()
		writeDomainError(w, errNotFound)
		return
	}
	data := struct {
		Chat     chatsync.Conversation `json:"chat"`
		Messages []wireMessage         `json:"messages"`
	}{
		Chat:     c.view(user.ID),
		Messages: append([]wireMessage{}, c.messages...),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	s.restPost.Add(1)
	if s.FailREST.Load() {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "message service unavailable")
		return
	}
	user := userFrom(r.Context())
	var body struct {
		Content       string `json:"content"`
		Type          string `json:"type"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "content is required")
		return
	}
	m, err := s.postMessage(user, chi.URLParam(r, "chatID"), body.Content, body.Type, body.CorrelationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	chatID, messageID := chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID")

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		writeDomainError(w, errNotFound)
		return
	}
	for i, m := range c.messages {
		if m.ID != messageID {
			continue
		}
		if m.Sender.ID != user.ID {
			writeDomainError(w, errForbidden)
			return
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		writeJSON(w, http.StatusOK, map[string]string{"id": messageID})
		return
	}
	writeDomainError(w, errNotFound)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := s.markRead(userFrom(r.Context()), chatID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": chatID})
}

func (s *Server) handleToggleBlock(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	s.mu.Lock()
	c, ok := s.chats[chi.URLParam(r, "chatID")]
	if !ok || !c.hasMember(user.ID) {
		s.mu.Unlock()
		writeDomainError(w, errNotFound)
		return
	}
	c.blocked = !c.blocked
	blocked := c.blocked
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": blocked})
}

// ============================================================================
// Socket
// ============================================================================

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userForToken(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{hub: s.hub, ws: ws, user: user, send: make(chan []byte, sendBuffer)}
	c.queue(frame(chatsync.EventAuthenticated, chatsync.AuthenticatedPayload{UserID: user.ID, Username: user.Name}))
	first := s.hub.register(c)
	c.queue(frame(chatsync.EventOnlineUsers, chatsync.OnlineUsersPayload{UserIDs: s.hub.online()}))
	if first {
		s.hub.broadcastExcept(user.ID, chatsync.EventUserOnline, chatsync.UserPayload{UserID: user.ID})
	}
	s.logger.Info("socket connected", "user_id", user.ID)

	go c.writePump()
	c.readPump(s.handleFrame)

	if s.hub.unregister(c) {
		s.hub.broadcastExcept(user.ID, chatsync.EventUserOffline, chatsync.UserPayload{UserID: user.ID})
	}
	c.close()
	s.logger.Info("socket disconnected", "user_id", user.ID)
}

func (s *Server) handleFrame(c *conn, env chatsync.Envelope) {
	switch env.Type {
	case chatsync.EventSendMessage:
		if s.DropSocketMessages.Load() {
			return
		}
		var p chatsync.SendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Content) == "" {
			c.queue(frame(chatsync.EventError, chatsync.ErrorPayload{Message: "invalid send_message payload"}))
			return
		}
		if _, err := s.postMessage(c.user, p.ConversationID, p.Content, p.Type, p.CorrelationID); err != nil {
			c.queue(frame(chatsync.EventError, chatsync.ErrorPayload{Message: err.Error()}))
		}

	case chatsync.EventTypingStart, chatsync.EventTypingStop:
		var p chatsync.ConversationPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.mu.Lock()
		ch, ok := s.chats[p.ConversationID]
		var others []string
		if ok && ch.hasMember(c.user.ID) {
			for _, id := range ch.memberIDs() {
				if id != c.user.ID {
					others = append(others, id)
				}
			}
		}
		s.mu.Unlock()
		s.hub.sendTo(others, env.Type, chatsync.ConversationPayload{ConversationID: p.ConversationID, UserID: c.user.ID})

	case chatsync.EventMarkRead:
		var p chatsync.ConversationPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			_ = s.markRead(c.user, p.ConversationID)
		}

	case chatsync.EventJoinChat, chatsync.EventLeaveChat:
		s.logger.Debug("room event", "event", env.Type, "user_id", c.user.ID)

	default:
		c.queue(frame(chatsync.EventError, chatsync.ErrorPayload{Message: "unknown event " + env.Type}))
	}
}
