package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Delivery status
// ============================================================================

// DeliveryStatus is the lifecycle state of a message in a conversation list.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	// StatusReceived marks messages authored by other users. Display only.
	StatusReceived DeliveryStatus = "received"
)

// rank orders own-message statuses so that merges never downgrade.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered, StatusReceived:
		return 3
	}
	return -1
}

// ============================================================================
// Domain types
// ============================================================================

// UserRef identifies a user with an optional display name.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Participant is a member of a conversation.
type Participant struct {
	User UserRef `json:"user"`
	Role string  `json:"role,omitempty"`
}

// LastMessage is the conversation preview shown in chat lists.
type LastMessage struct {
	Content   string    `json:"content"`
	Sender    UserRef   `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a chat between participants.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// Peer returns the first participant that is not self.
func (c Conversation) Peer(selfID string) (UserRef, bool) {
	for _, p := range c.Participants {
		if p.User.ID != selfID {
			return p.User, true
		}
	}
	return UserRef{}, false
}

// matches reports whether term appears in a participant name or the
// last message content. term must already be lower-cased.
func (c Conversation) matches(term string) bool {
	if term == "" {
		return true
	}
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.User.Name), term) {
			return true
		}
	}
	return c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), term)
}

// Message is one entry of a conversation's message list.
type Message struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	ConversationID string         `json:"conversationId"`
	Sender         UserRef        `json:"sender"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
	IsOptimistic   bool           `json:"isOptimistic,omitempty"`
}

const (
	// MessageTypeText is the default message type.
	MessageTypeText = "text"

	tempIDPrefix = "temp_"
)

// TempID returns the local identifier of an optimistic message.
func TempID(correlationID string) string {
	return tempIDPrefix + correlationID
}

// IsTempID reports whether id was produced by TempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ============================================================================
// Wire payloads
// ============================================================================

// Envelope is the wire format of every socket frame, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport event names.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventReconnecting = "reconnecting"

	EventAuthenticated = "authenticated"
	EventNewMessage    = "new_message"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventUserOnline    = "user_online"
	EventUserOffline   = "user_offline"
	EventOnlineUsers   = "online_users"
	EventMessagesRead  = "messages_read"
	EventError         = "error"
	EventNotification  = "notification"

	EventSendMessage = "send_message"
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventMarkRead    = "mark_read"
)

// AuthenticatedPayload is the first frame of every socket connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SendMessagePayload is emitted to deliver a message over the socket.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	CorrelationID  string `json:"correlationId"`
}

// ConversationPayload carries a bare conversation id (join, leave, typing, read).
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// UserPayload carries a single user id (presence).
type UserPayload struct {
	UserID string `json:"userId"`
}

// OnlineUsersPayload is the presence snapshot sent on connect.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// ErrorPayload is a server-side error notice.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ConnectErrorPayload describes a failed connection attempt.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// DisconnectPayload describes why the socket closed.
type DisconnectPayload struct {
	Reason      string `json:"reason"`
	Intentional bool   `json:"intentional"`
}

// ReconnectingPayload announces the next reconnect attempt.
type ReconnectingPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}
