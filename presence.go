package chatsync

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTypingIdle is the quiet period after the last keystroke before
	// typing_stop is sent.
	DefaultTypingIdle = 1 * time.Second
	// DefaultRemoteTypingTTL expires remote typing entries whose stop event was lost.
	DefaultRemoteTypingTTL = 5 * time.Second
)

// ============================================================================
// Presence
// ============================================================================

// Presence is the set of online users.
type Presence struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresence creates an empty presence set.
func NewPresence() *Presence {
	return &Presence{online: make(map[string]struct{})}
}

// SnapshotOnline replaces the set with ids.
func (p *Presence) SnapshotOnline(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		p.online[id] = struct{}{}
	}
}

// MarkOnline adds id and reports whether it was absent.
func (p *Presence) MarkOnline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; ok {
		return false
	}
	p.online[id] = struct{}{}
	return true
}

// MarkOffline removes id and reports whether it was present.
func (p *Presence) MarkOffline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; !ok {
		return false
	}
	delete(p.online, id)
	return true
}

// IsOnline reports whether id is in the online set.
func (p *Presence) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[id]
	return ok
}

// Online returns the online user ids, sorted.
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Typing
// ============================================================================

// TypingConfig configures a TypingTracker.
type TypingConfig struct {
	Emitter   Emitter
	Idle      time.Duration
	RemoteTTL time.Duration
	Clock     Clock
	Logger    *slog.Logger
}

func (c *TypingConfig) defaults() {
	if c.Idle == 0 {
		c.Idle = DefaultTypingIdle
	}
	if c.RemoteTTL == 0 {
		c.RemoteTTL = DefaultRemoteTypingTTL
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TypingTracker tracks the local user's typing state, debounced, and the
// typing state of remote users per conversation.
type TypingTracker struct {
	cfg TypingConfig

	mu     sync.Mutex
	local  string
	timer  Timer
	gen    uint64
	remote map[string]map[string]time.Time
}

// NewTypingTracker creates a tracker.
func NewTypingTracker(cfg TypingConfig) *TypingTracker {
	cfg.defaults()
	return &TypingTracker{
		cfg:    cfg,
		remote: make(map[string]map[string]time.Time),
	}
}

func (t *TypingTracker) emit(event, conversationID string) {
	if t.cfg.Emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.cfg.Emitter.Emit(ctx, event, ConversationPayload{ConversationID: conversationID}); err != nil {
		t.cfg.Logger.Debug("typing event not sent", "event", event, "conversation_id", conversationID, "error", err)
	}
}

// StartTyping announces typing in conversationID. It is a no-op while
// already typing there.
func (t *TypingTracker) StartTyping(conversationID string) {
	t.mu.Lock()
	if t.local == conversationID {
		t.mu.Unlock()
		return
	}
	prev := t.stopLocked()
	t.local = conversationID
	t.mu.Unlock()

	if prev != "" {
		t.emit(EventTypingStop, prev)
	}
	t.emit(EventTypingStart, conversationID)
}

// StopTyping announces the end of typing in conversationID. It is a no-op
// when not typing there.
func (t *TypingTracker) StopTyping(conversationID string) {
	t.mu.Lock()
	if t.local != conversationID || conversationID == "" {
		t.mu.Unlock()
		return
	}
	prev := t.stopLocked()
	t.mu.Unlock()

	t.emit(EventTypingStop, prev)
}

// stopLocked clears local typing state and returns the conversation that
// was being typed in.
func (t *TypingTracker) stopLocked() string {
	prev := t.local
	t.local = ""
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return prev
}

// Keystroke starts typing if idle and restarts the idle timer.
func (t *TypingTracker) Keystroke(conversationID string) {
	t.StartTyping(conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != conversationID {
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.cfg.Clock.AfterFunc(t.cfg.Idle, func() {
		t.mu.Lock()
		if t.gen != gen || t.local != conversationID {
			t.mu.Unlock()
			return
		}
		t.local = ""
		t.timer = nil
		t.mu.Unlock()
		t.emit(EventTypingStop, conversationID)
	})
}

// Typing returns the conversation the local user is typing in, if any.
func (t *TypingTracker) Typing() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// AddRemote records that userID is typing in conversationID.
func (t *TypingTracker) AddRemote(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.remote[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		t.remote[conversationID] = users
	}
	users[userID] = t.cfg.Clock.Now()
}

// RemoveRemote records that userID stopped typing in conversationID.
func (t *TypingTracker) RemoveRemote(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users, ok := t.remote[conversationID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.remote, conversationID)
		}
	}
}

// TypingUsers returns the users typing in conversationID, sorted. Entries
// older than the remote TTL are dropped.
func (t *TypingTracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.remote[conversationID]
	now := t.cfg.Clock.Now()
	out := make([]string, 0, len(users))
	for id, seen := range users {
		if now.Sub(seen) > t.cfg.RemoteTTL {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	slices.Sort(out)
	return out
}

// ClearConversation drops every typing entry of conversationID and stops
// local typing there.
func (t *TypingTracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	delete(t.remote, conversationID)
	var prev string
	if t.local == conversationID && conversationID != "" {
		prev = t.stopLocked()
	}
	t.mu.Unlock()

	if prev != "" {
		t.emit(EventTypingStop, prev)
	}
}

// Close cancels the idle timer without emitting.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.remote = make(map[string]map[string]time.Time)
}
