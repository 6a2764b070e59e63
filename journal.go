package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PendingSend is an outgoing message that has not been confirmed by the
// server. It is kept so a restarted session can resume delivery with the
// same correlation id.
type PendingSend struct {
	CorrelationID  string    `json:"correlationId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Failed         bool      `json:"failed,omitempty"`
}

// Journal stores pending sends.
type Journal interface {
	Put(p PendingSend) error
	Delete(correlationID string) error
	List() ([]PendingSend, error)
	Close() error
}

// ============================================================================
// Memory journal
// ============================================================================

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	pending map[string]PendingSend
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string]PendingSend)}
}

func (j *MemoryJournal) Put(p PendingSend) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[p.CorrelationID] = p
	return nil
}

func (j *MemoryJournal) Delete(correlationID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, correlationID)
	return nil
}

func (j *MemoryJournal) List() ([]PendingSend, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]PendingSend, 0, len(j.pending))
	for _, p := range j.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }

// ============================================================================
// Pebble journal
// ============================================================================

const pendingPrefix = "pending:"

// PebbleJournal persists pending sends in a Pebble database.
type PebbleJournal struct {
	db *pebble.DB
}

// OpenJournal opens (or creates) a journal at path.
func OpenJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &PebbleJournal{db: db}, nil
}

func pendingKey(correlationID string) []byte {
	return []byte(pendingPrefix + correlationID)
}

func (j *PebbleJournal) Put(p PendingSend) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending send: %w", err)
	}
	return j.db.Set(pendingKey(p.CorrelationID), data, pebble.Sync)
}

func (j *PebbleJournal) Delete(correlationID string) error {
	return j.db.Delete(pendingKey(correlationID), pebble.Sync)
}

func (j *PebbleJournal) List() ([]PendingSend, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pendingPrefix),
		UpperBound: []byte(pendingPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	defer iter.Close()

	var out []PendingSend
	for iter.First(); iter.Valid(); iter.Next() {
		var p PendingSend
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode pending send %q: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *PebbleJournal) Close() error {
	return j.db.Close()
}
