package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/internal/conversation"
)

const defaultMemoryCapacity = 100

// Memory keeps the most recent conversations in process and logs every
// save. The oldest conversation is evicted once capacity is reached.
type Memory struct {
	capacity int

	mu    sync.RWMutex
	order []string
	byID  map[string]conversation.Conversation
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store holding up to capacity conversations.
// A non-positive capacity selects 100.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		byID:     make(map[string]conversation.Conversation),
	}
}

// Save implements [Store].
func (m *Memory) Save(ctx context.Context, c conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c = cloneConversation(c)

	m.mu.Lock()
	if _, ok := m.byID[c.ID]; ok {
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == c.ID })
	}
	m.order = append(m.order, c.ID)
	m.byID[c.ID] = c
	for len(m.order) > m.capacity {
		delete(m.byID, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()

	slog.Info("conversation stored",
		"conversation_id", c.ID,
		"entries", len(c.Transcript),
		"speakers", c.Speakers(),
		"duration_minutes", c.DurationMinutes(),
	)
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return cloneConversation(c), nil
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]Summary, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, Summarize(m.byID[m.order[i]]))
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *Memory) Close() error { return nil }

func cloneConversation(c conversation.Conversation) conversation.Conversation {
	c.Transcript = slices.Clone(c.Transcript)
	if c.Interim != nil {
		e := *c.Interim
		c.Interim = &e
	}
	return c
}
