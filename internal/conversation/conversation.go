// Package conversation holds the running transcript of one conversation.
//
// An [Aggregate] is the mutable, coordinator-owned record. It is not safe
// for concurrent use; the pipeline coordinator serialises every call under
// its own mutex. Everything handed outside the coordinator is a
// [Conversation] snapshot, a deep copy that can be read freely.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/transcription"
)

var (
	// ErrFinalized is returned when mutating an aggregate after Finalize.
	ErrFinalized = errors.New("conversation: aggregate is finalized")

	// ErrEmptyText is returned by AppendFinal for a final entry without text.
	ErrEmptyText = errors.New("conversation: final entry has empty text")
)

// Aggregate is the in-progress conversation.
type Aggregate struct {
	id         string
	createdAt  time.Time
	transcript []transcription.Entry
	interim    *transcription.Entry
	finalized  bool
}

// New returns an empty aggregate with a fresh random ID, created at now.
func New(now time.Time) *Aggregate {
	return &Aggregate{id: uuid.NewString(), createdAt: now}
}

// ID returns the aggregate's identifier.
func (a *Aggregate) ID() string { return a.id }

// CreatedAt returns the creation time.
func (a *Aggregate) CreatedAt() time.Time { return a.createdAt }

// Len returns the number of final entries.
func (a *Aggregate) Len() int { return len(a.transcript) }

// Finalized reports whether Finalize has been called.
func (a *Aggregate) Finalized() bool { return a.finalized }

// AppendFinal appends e to the transcript and clears the interim entry.
func (a *Aggregate) AppendFinal(e transcription.Entry) error {
	if a.finalized {
		return ErrFinalized
	}
	if e.Text == "" {
		return ErrEmptyText
	}
	a.transcript = append(a.transcript, e)
	a.interim = nil
	return nil
}

// SetInterim replaces the interim entry wholesale.
func (a *Aggregate) SetInterim(e transcription.Entry) error {
	if a.finalized {
		return ErrFinalized
	}
	a.interim = &e
	return nil
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregate) Snapshot() Conversation {
	c := Conversation{
		ID:        a.id,
		CreatedAt: a.createdAt,
		Transcript: append(make([]transcription.Entry, 0, len(a.transcript)),
			a.transcript...),
	}
	if a.interim != nil {
		e := *a.interim
		c.Interim = &e
	}
	return c
}

// Finalize seals the aggregate and returns its final snapshot. The interim
// entry is discarded. Only the first call succeeds; later calls return
// ErrFinalized so a conversation is handed off exactly once.
func (a *Aggregate) Finalize() (Conversation, error) {
	if a.finalized {
		return Conversation{}, ErrFinalized
	}
	a.finalized = true
	a.interim = nil
	return a.Snapshot(), nil
}

// Conversation is a read-only snapshot of an aggregate.
type Conversation struct {
	ID         string                `json:"id"`
	CreatedAt  time.Time             `json:"created_at"`
	Transcript []transcription.Entry `json:"transcript"`
	Interim    *transcription.Entry  `json:"interim,omitempty"`
}

// Empty reports whether the conversation has no final entries.
func (c Conversation) Empty() bool { return len(c.Transcript) == 0 }

// DurationMinutes returns the span between the first and last transcript
// timestamps in minutes. Zero for fewer than two entries.
func (c Conversation) DurationMinutes() float64 {
	if len(c.Transcript) < 2 {
		return 0
	}
	first := c.Transcript[0].Timestamp
	last := c.Transcript[len(c.Transcript)-1].Timestamp
	if last.Before(first) {
		return 0
	}
	return last.Sub(first).Minutes()
}

// Speakers returns the distinct speaker IDs in order of first appearance.
func (c Conversation) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.Transcript {
		if !seen[e.SpeakerID] {
			seen[e.SpeakerID] = true
			out = append(out, e.SpeakerID)
		}
	}
	return out
}
