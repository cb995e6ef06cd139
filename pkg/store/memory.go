package store

import (
	"sort"
	"sync"

	"github.com/carelink/chatsync/pkg/model"
)

// memoryStore backs the degraded mode: same contract, no durability.
// Nothing survives a restart, which is exactly the advertised trade-off
// when the on-disk database cannot be opened.
type memoryStore struct {
	mu       sync.RWMutex
	messages map[string]model.Message
	pending  map[string]model.PendingMessage
}

// OpenMemory returns a non-durable store for degraded operation.
func OpenMemory() Store {
	return &memoryStore{
		messages: make(map[string]model.Message),
		pending:  make(map[string]model.PendingMessage),
	}
}

func pendingMapKey(conversationID, id string) string {
	return conversationID + "\x00" + id
}

func (s *memoryStore) PutMessage(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *memoryStore) GetMessage(id string) (model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok, nil
}

func (s *memoryStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *memoryStore) ReplaceMessage(oldID string, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, oldID)
	s.messages[m.ID] = m
	return nil
}

func (s *memoryStore) MessagesByConversation(conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) PutPending(p model.PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingMapKey(p.ConversationID, p.ID)] = p
	return nil
}

func (s *memoryStore) DeletePending(conversationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingMapKey(conversationID, id))
	return nil
}

func (s *memoryStore) pendingWhere(match func(model.PendingMessage) bool) []model.PendingMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PendingMessage
	for _, p := range s.pending {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryStore) PendingByConversation(conversationID string) ([]model.PendingMessage, error) {
	return s.pendingWhere(func(p model.PendingMessage) bool { return p.ConversationID == conversationID }), nil
}

func (s *memoryStore) AllPending() ([]model.PendingMessage, error) {
	return s.pendingWhere(func(model.PendingMessage) bool { return true }), nil
}

func (s *memoryStore) InMemory() bool { return true }

func (s *memoryStore) Close() error { return nil }
