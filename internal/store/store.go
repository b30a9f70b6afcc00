// Package store persists completed conversations.
//
// [Store] is implemented by [Memory] (a bounded in-process ring, used when no
// database is configured and in tests) and by the postgres sub-package.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
)

// ErrNotFound is returned by Get when no conversation has the requested ID.
var ErrNotFound = errors.New("store: conversation not found")

// Summary describes a stored conversation without its transcript.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
	Speakers  []string  `json:"speakers"`
	Minutes   float64   `json:"duration_minutes"`
}

// Summarize builds the [Summary] of c.
func Summarize(c conversation.Conversation) Summary {
	return Summary{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		Entries:   len(c.Transcript),
		Speakers:  c.Speakers(),
		Minutes:   c.DurationMinutes(),
	}
}

// Store is the sink for completed conversations.
//
// Implementations must be safe for concurrent use. Saving a conversation
// whose ID is already stored replaces it.
type Store interface {
	// Save persists c.
	Save(ctx context.Context, c conversation.Conversation) error

	// Get returns the conversation with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (conversation.Conversation, error)

	// Recent returns up to limit summaries, newest first.
	Recent(ctx context.Context, limit int) ([]Summary, error)

	// Close releases the store's resources.
	Close() error
}
