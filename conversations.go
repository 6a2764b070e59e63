package chatsync

import (
	"iter"
	"slices"
	"strings"
	"sync"
)

// ConversationStore holds the conversation list of one session, most
// recently active first.
type ConversationStore struct {
	mu     sync.RWMutex
	selfID string
	order  []string
	byID   map[string]*Conversation
	active string
}

// NewConversationStore creates an empty store for the given session owner.
func NewConversationStore(selfID string) *ConversationStore {
	return &ConversationStore{
		selfID: selfID,
		byID:   make(map[string]*Conversation),
	}
}

// Upsert inserts conv at the front when it is unknown, otherwise merges the
// non-zero fields of conv into the stored entry without reordering.
func (s *ConversationStore) Upsert(conv Conversation) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[conv.ID]
	if !ok {
		c := conv
		c.Participants = slices.Clone(conv.Participants)
		s.byID[conv.ID] = &c
		s.order = append([]string{conv.ID}, s.order...)
		return c
	}
	if len(conv.Participants) > 0 {
		cur.Participants = slices.Clone(conv.Participants)
	}
	if conv.LastMessage != nil {
		lm := *conv.LastMessage
		cur.LastMessage = &lm
	}
	if conv.UnreadCount != 0 {
		cur.UnreadCount = conv.UnreadCount
	}
	if !conv.UpdatedAt.IsZero() {
		cur.UpdatedAt = conv.UpdatedAt
	}
	return *cur
}

// RecordIncomingMessage updates the preview of the message's conversation,
// bumps the unread counter when the conversation is not active and the
// message is from someone else, and moves the conversation to the front.
// Unknown conversations are created.
func (s *ConversationStore) RecordIncomingMessage(conversationID string, msg Message) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[conversationID]
	if !ok {
		cur = &Conversation{ID: conversationID}
		if msg.Sender.ID != "" && msg.Sender.ID != s.selfID {
			cur.Participants = []Participant{{User: msg.Sender}}
		}
		s.byID[conversationID] = cur
	} else {
		s.removeFromOrder(conversationID)
	}
	s.order = append([]string{conversationID}, s.order...)

	cur.LastMessage = &LastMessage{
		Content:   msg.Content,
		Sender:    msg.Sender,
		Timestamp: msg.CreatedAt,
	}
	cur.UpdatedAt = msg.CreatedAt
	if conversationID != s.active && msg.Sender.ID != s.selfID {
		cur.UnreadCount++
	}
	return *cur
}

func (s *ConversationStore) removeFromOrder(id string) {
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// MarkRead resets the unread counter of a conversation.
func (s *ConversationStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	c.UnreadCount = 0
	return true
}

// SetActive marks id as the conversation being viewed and resets its
// unread counter. An empty id clears the selection.
func (s *ConversationStore) SetActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	if c, ok := s.byID[id]; ok {
		c.UnreadCount = 0
	}
}

// Active returns the currently viewed conversation id.
func (s *ConversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Get returns a copy of the conversation with the given id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Len returns the number of known conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List yields conversations in display order whose participant names or
// last message contain term, case-insensitively. The sequence is lazy and
// may be ranged over more than once; each pass sees the order at the time
// it starts.
func (s *ConversationStore) List(term string) iter.Seq[Conversation] {
	term = strings.ToLower(strings.TrimSpace(term))
	return func(yield func(Conversation) bool) {
		s.mu.RLock()
		ids := slices.Clone(s.order)
		s.mu.RUnlock()

		for _, id := range ids {
			c, ok := s.Get(id)
			if !ok || !c.matches(term) {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}
