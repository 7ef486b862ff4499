package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const defaultRetain = 1000

// MemoryStore keeps the most recent messages in process memory. It is the
// default driver when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	nextID   int64
	retain   int
	now      func() time.Time
}

// NewMemoryStore creates a store that keeps at most retain messages.
func NewMemoryStore(retain int) *MemoryStore {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &MemoryStore{
		messages: make([]Message, 0),
		retain:   retain,
		now:      time.Now,
	}
}

// Append adds a message and trims to the retention bound.
func (s *MemoryStore) Append(_ context.Context, username, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.messages = append(s.messages, Message{
		ID:        strconv.FormatInt(s.nextID, 10),
		Username:  username,
		Text:      text,
		CreatedAt: s.now(),
	})
	if len(s.messages) > s.retain {
		s.messages = s.messages[len(s.messages)-s.retain:]
	}
	return nil
}

// FetchRecent returns the newest limit messages, oldest first.
func (s *MemoryStore) FetchRecent(_ context.Context, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.messages) - limit
	if start < 0 {
		start = 0
	}
	result := make([]Message, len(s.messages)-start)
	copy(result, s.messages[start:])
	return result, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
