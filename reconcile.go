package chatsync

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultFuzzyWindow bounds the timestamp distance for matching an echo
// without correlation id to a pending local message.
const DefaultFuzzyWindow = 5 * time.Second

// ReceiveOutcome describes what Receive did with an inbound message.
type ReceiveOutcome int

const (
	// OutcomeAppended means the message was new and was inserted.
	OutcomeAppended ReceiveOutcome = iota
	// OutcomeReconciled means the message replaced a local entry.
	OutcomeReconciled
	// OutcomeDuplicate means the message was already present and was ignored.
	OutcomeDuplicate
)

func (o ReceiveOutcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// ReceiveResult reports the effect of Receive.
type ReceiveResult struct {
	Outcome      ReceiveOutcome
	Message      Message
	Conversation Conversation
	// Foreign is true when the message was authored by someone else.
	Foreign bool
}

// LoadResult reports the effect of Load.
type LoadResult struct {
	Added int
	// Resolved lists correlation ids of pending sends confirmed by the history.
	Resolved []string
}

// EngineConfig configures a reconciliation engine.
type EngineConfig struct {
	Self        UserRef
	Store       *ConversationStore
	Clock       Clock
	FuzzyWindow time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

func (c *EngineConfig) defaults() {
	if c.Store == nil {
		c.Store = NewConversationStore(c.Self.ID)
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.FuzzyWindow == 0 {
		c.FuzzyWindow = DefaultFuzzyWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine owns every message list of a session. All mutations of message
// state go through its methods, which serialize on one lock.
type Engine struct {
	cfg EngineConfig

	mu       sync.Mutex
	lists    map[string][]*Message
	byCorr   map[string]*Message
	byServer map[string]*Message
}

// NewEngine creates a reconciliation engine.
func NewEngine(cfg EngineConfig) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		lists:    make(map[string][]*Message),
		byCorr:   make(map[string]*Message),
		byServer: make(map[string]*Message),
	}
}

// Store returns the conversation store updated by the engine.
func (e *Engine) Store() *ConversationStore { return e.cfg.Store }

// AddOptimistic appends a pending local message. Calling it again with the
// same correlation id returns the existing entry.
func (e *Engine) AddOptimistic(conversationID, content, correlationID string) Message {
	return e.addOptimistic(conversationID, content, correlationID, e.cfg.Clock.Now())
}

func (e *Engine) addOptimistic(conversationID, content, correlationID string, at time.Time) Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.byCorr[correlationID]; ok {
		return *m
	}
	m := &Message{
		ID:             TempID(correlationID),
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		Sender:         e.cfg.Self,
		Content:        content,
		Type:           MessageTypeText,
		CreatedAt:      at,
		Status:         StatusSending,
		IsOptimistic:   true,
	}
	e.insert(m)
	e.byCorr[correlationID] = m
	return *m
}

// Receive applies an inbound message. A message carrying the correlation id
// of a local entry replaces it. Otherwise an own message matches the oldest
// pending entry with the same content inside the fuzzy window. Messages
// already present by server id are ignored.
func (e *Engine) Receive(in Message) ReceiveResult {
	e.mu.Lock()
	res, changed := e.receiveLocked(in)
	e.mu.Unlock()

	if res.Outcome == OutcomeDuplicate {
		e.cfg.Metrics.duplicate()
		e.cfg.Logger.Debug("duplicate delivery absorbed",
			"conversation_id", in.ConversationID, "message_id", in.ID, "error", ErrDuplicateDelivery)
		return res
	}
	if changed {
		res.Conversation = e.cfg.Store.RecordIncomingMessage(res.Message.ConversationID, res.Message)
	}
	return res
}

func (e *Engine) receiveLocked(in Message) (ReceiveResult, bool) {
	own := in.Sender.ID == e.cfg.Self.ID
	if in.Type == "" {
		in.Type = MessageTypeText
	}

	if in.CorrelationID != "" {
		if m, ok := e.byCorr[in.CorrelationID]; ok && m.ConversationID == in.ConversationID {
			if m.Status == StatusDelivered && m.ID == in.ID {
				return ReceiveResult{Outcome: OutcomeDuplicate, Message: *m}, false
			}
			e.confirm(m, in, StatusDelivered)
			return ReceiveResult{Outcome: OutcomeReconciled, Message: *m}, true
		}
	}

	if m, ok := e.byServer[in.ID]; ok {
		if m.CorrelationID != "" && m.Status != StatusDelivered {
			m.Status = StatusDelivered
			return ReceiveResult{Outcome: OutcomeReconciled, Message: *m}, true
		}
		return ReceiveResult{Outcome: OutcomeDuplicate, Message: *m}, false
	}

	if own {
		if m := e.fuzzyMatch(in); m != nil {
			e.confirm(m, in, StatusDelivered)
			return ReceiveResult{Outcome: OutcomeReconciled, Message: *m}, true
		}
	}

	m := in
	m.IsOptimistic = false
	if own {
		m.Status = StatusDelivered
	} else {
		m.Status = StatusReceived
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.cfg.Clock.Now()
	}
	e.insert(&m)
	e.byServer[m.ID] = &m
	if m.CorrelationID != "" && own {
		e.byCorr[m.CorrelationID] = &m
	}
	return ReceiveResult{Outcome: OutcomeAppended, Message: m, Foreign: !own}, true
}

// fuzzyMatch finds the oldest pending own entry with the same content whose
// timestamp is within the fuzzy window of in.
func (e *Engine) fuzzyMatch(in Message) *Message {
	for _, m := range e.lists[in.ConversationID] {
		if !m.IsOptimistic || m.Sender.ID != in.Sender.ID || m.Content != in.Content {
			continue
		}
		d := in.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= e.cfg.FuzzyWindow {
			return m
		}
	}
	return nil
}

// confirm replaces the local fields of m with the server copy.
func (e *Engine) confirm(m *Message, server Message, status DeliveryStatus) {
	if server.ID != "" && server.ID != m.ID {
		if other, ok := e.byServer[server.ID]; ok && other != m {
			e.fold(m, other)
		}
		if !IsTempID(m.ID) {
			delete(e.byServer, m.ID)
		}
		m.ID = server.ID
		e.byServer[m.ID] = m
	}
	if server.Content != "" {
		m.Content = server.Content
	}
	if server.Type != "" {
		m.Type = server.Type
	}
	if server.Sender.Name != "" {
		m.Sender.Name = server.Sender.Name
	}
	m.IsOptimistic = false
	if status.rank() > m.Status.rank() {
		m.Status = status
	}
	if !server.CreatedAt.IsZero() && !server.CreatedAt.Equal(m.CreatedAt) {
		m.CreatedAt = server.CreatedAt
		e.reposition(m)
	}
}

// fold absorbs other into m once both are known to be the same server
// message. m keeps its correlation id and the higher ranked status.
func (e *Engine) fold(m, other *Message) {
	list := e.lists[other.ConversationID]
	if i := slices.Index(list, other); i >= 0 {
		e.lists[other.ConversationID] = slices.Delete(list, i, i+1)
	}
	if other.CorrelationID != "" && other.CorrelationID != m.CorrelationID && e.byCorr[other.CorrelationID] == other {
		e.byCorr[other.CorrelationID] = m
	}
	if other.Status.rank() > m.Status.rank() {
		m.Status = other.Status
	}
}

// ResolveSent records a successful REST delivery. It only applies while
// the message is still sending.
func (e *Engine) ResolveSent(correlationID string, server Message) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byCorr[correlationID]
	if !ok || m.Status != StatusSending {
		return Message{}, false
	}
	server.CorrelationID = correlationID
	e.confirm(m, server, StatusSent)
	return *m, true
}

// MarkFailed records a failed delivery. It only applies while the message
// is still sending.
func (e *Engine) MarkFailed(correlationID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byCorr[correlationID]
	if !ok || m.Status != StatusSending {
		return Message{}, false
	}
	m.Status = StatusFailed
	return *m, true
}

// Retry moves a failed message back to sending.
func (e *Engine) Retry(correlationID string) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byCorr[correlationID]
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		return *m, ErrNotRetryable
	}
	m.Status = StatusSending
	return *m, nil
}

// Load merges server history into a conversation. Entries already present
// are kept with their current status, and pending own entries found in the
// history become sent.
func (e *Engine) Load(conversationID string, history []Message) LoadResult {
	var res LoadResult

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range history {
		if h.ID == "" {
			continue
		}
		if h.ConversationID == "" {
			h.ConversationID = conversationID
		}
		if h.Type == "" {
			h.Type = MessageTypeText
		}
		own := h.Sender.ID == e.cfg.Self.ID

		var pending *Message
		if m, ok := e.byCorr[h.CorrelationID]; ok && h.CorrelationID != "" {
			pending = m
		} else if _, ok := e.byServer[h.ID]; ok {
			continue
		} else if own {
			pending = e.fuzzyMatch(h)
		}
		if pending != nil {
			if pending.Status == StatusSending || pending.Status == StatusFailed {
				e.confirm(pending, h, StatusSent)
				res.Resolved = append(res.Resolved, pending.CorrelationID)
			}
			continue
		}

		m := h
		m.IsOptimistic = false
		if own {
			m.Status = StatusDelivered
		} else {
			m.Status = StatusReceived
		}
		e.insert(&m)
		e.byServer[m.ID] = &m
		if own && m.CorrelationID != "" {
			e.byCorr[m.CorrelationID] = &m
		}
		res.Added++
	}
	return res
}

// Remove deletes a message by id from a conversation.
func (e *Engine) Remove(conversationID, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.lists[conversationID]
	i := slices.IndexFunc(list, func(m *Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	m := list[i]
	e.lists[conversationID] = slices.Delete(list, i, i+1)
	delete(e.byServer, m.ID)
	if m.CorrelationID != "" {
		delete(e.byCorr, m.CorrelationID)
	}
	return true
}

// Messages returns a copy of a conversation's message list in display order.
func (e *Engine) Messages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.lists[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// Lookup returns the message with the given correlation id.
func (e *Engine) Lookup(correlationID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byCorr[correlationID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Status returns the delivery status of the message with the given correlation id.
func (e *Engine) Status(correlationID string) (DeliveryStatus, bool) {
	m, ok := e.Lookup(correlationID)
	return m.Status, ok
}

// Pending returns all own messages still sending or failed.
func (e *Engine) Pending() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Message
	for _, m := range e.byCorr {
		if m.Status == StatusSending || m.Status == StatusFailed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// insert places m after every entry with an equal or earlier timestamp.
func (e *Engine) insert(m *Message) {
	list := e.lists[m.ConversationID]
	i := sort.Search(len(list), func(j int) bool { return list[j].CreatedAt.After(m.CreatedAt) })
	e.lists[m.ConversationID] = slices.Insert(list, i, m)
}

// reposition moves m only when its timestamp breaks the ordering.
func (e *Engine) reposition(m *Message) {
	list := e.lists[m.ConversationID]
	i := slices.Index(list, m)
	if i < 0 {
		return
	}
	before := i > 0 && list[i-1].CreatedAt.After(m.CreatedAt)
	after := i < len(list)-1 && m.CreatedAt.After(list[i+1].CreatedAt)
	if !before && !after {
		return
	}
	e.lists[m.ConversationID] = slices.Delete(list, i, i+1)
	e.insert(m)
}
