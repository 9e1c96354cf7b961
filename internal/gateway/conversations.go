package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/orion/internal/agent"
)

// defaultConversationTTL drops conversations nobody has used for this long.
const defaultConversationTTL = time.Hour

var errConversationDevice = errors.New("conversation belongs to another device")

type conversationEntry struct {
	turn     sync.Mutex // held for the length of one turn
	conv     *agent.Conversation
	lastUsed time.Time
}

// conversationStore keeps one Conversation per id and serializes turns on it.
type conversationStore struct {
	mu      sync.Mutex
	entries map[string]*conversationEntry
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

func newConversationStore(limit int, ttl time.Duration) *conversationStore {
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &conversationStore{
		entries: make(map[string]*conversationEntry),
		limit:   limit,
		ttl:     ttl,
		now:     time.Now,
	}
}

// acquire returns the conversation for id, creating it when id is empty or
// unknown, and locks it for one turn. The caller must call release.
func (s *conversationStore) acquire(id, deviceID string) (*agent.Conversation, func(), error) {
	s.mu.Lock()
	s.evictLocked()
	entry, ok := s.entries[id]
	if ok && entry.conv.DeviceID != deviceID {
		s.mu.Unlock()
		return nil, nil, errConversationDevice
	}
	if !ok {
		conv := agent.NewConversation(id, deviceID, s.limit)
		entry = &conversationEntry{conv: conv}
		s.entries[conv.ID] = entry
	}
	entry.lastUsed = s.now()
	s.mu.Unlock()

	entry.turn.Lock()
	release := func() {
		s.mu.Lock()
		entry.lastUsed = s.now()
		s.mu.Unlock()
		entry.turn.Unlock()
	}
	return entry.conv, release, nil
}

// len reports the number of live conversations.
func (s *conversationStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked drops idle conversations that are not mid-turn.
func (s *conversationStore) evictLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, entry := range s.entries {
		if !entry.lastUsed.Before(cutoff) {
			continue
		}
		if !entry.turn.TryLock() {
			continue
		}
		delete(s.entries, id)
		entry.turn.Unlock()
	}
}
