package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/store"
	"github.com/MrWong99/earshot/pkg/transcription"
)

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by a [pgxpool.Pool]. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save implements [store.Store]. The conversation row and its entries are
// written in one transaction; re-saving an ID replaces its entries.
func (s *Store) Save(ctx context.Context, c conversation.Conversation) error {
	speakers := c.Speakers()
	if speakers == nil {
		speakers = []string{}
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO conversations (id, created_at, entry_count, speakers, duration_minutes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
			    entry_count      = EXCLUDED.entry_count,
			    speakers         = EXCLUDED.speakers,
			    duration_minutes = EXCLUDED.duration_minutes,
			    completed_at     = now()`
		if _, err := tx.Exec(ctx, upsert, c.ID, c.CreatedAt, len(c.Transcript), speakers, c.DurationMinutes()); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_entries WHERE conversation_id = $1`, c.ID); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"conversation_entries"},
			[]string{"conversation_id", "seq", "speaker_id", "speaker_label", "text", "confidence", "timestamp"},
			pgx.CopyFromSlice(len(c.Transcript), func(i int) ([]any, error) {
				e := c.Transcript[i]
				return []any{c.ID, i, e.SpeakerID, e.SpeakerLabel, e.Text, e.Confidence, e.Timestamp}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save %s: %w", c.ID, err)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	c := conversation.Conversation{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT created_at FROM conversations WHERE id = $1`, id).Scan(&c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, store.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}

	const q = `
		SELECT speaker_id, speaker_label, text, confidence, timestamp
		FROM   conversation_entries
		WHERE  conversation_id = $1
		ORDER  BY seq`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: get %s entries: %w", id, err)
	}
	c.Transcript, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcription.Entry, error) {
		var e transcription.Entry
		err := row.Scan(&e.SpeakerID, &e.SpeakerLabel, &e.Text, &e.Confidence, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("postgres store: scan %s entries: %w", id, err)
	}
	return c, nil
}

// Recent implements [store.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]store.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, created_at, entry_count, speakers, duration_minutes
		FROM   conversations
		ORDER  BY created_at DESC
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Summary, error) {
		var sum store.Summary
		err := row.Scan(&sum.ID, &sum.CreatedAt, &sum.Entries, &sum.Speakers, &sum.Minutes)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
