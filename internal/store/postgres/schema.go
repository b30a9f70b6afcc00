// Package postgres stores completed conversations in PostgreSQL.
//
// Usage:
//
//	s, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.Save(ctx, conv)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id               TEXT         PRIMARY KEY,
    created_at       TIMESTAMPTZ  NOT NULL,
    completed_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    entry_count      INTEGER      NOT NULL,
    speakers         TEXT[]       NOT NULL DEFAULT '{}',
    duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at DESC);
`

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    conversation_id TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    seq             INTEGER      NOT NULL,
    speaker_id      TEXT         NOT NULL,
    speaker_label   TEXT         NOT NULL DEFAULT '',
    text            TEXT         NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp       TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_fts
    ON conversation_entries USING GIN (to_tsvector('simple', text));
`

// Migrate creates the tables if they do not exist. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlConversationEntries} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
