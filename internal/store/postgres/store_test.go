package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/store"
	"github.com/MrWong99/earshot/internal/store/postgres"
	"github.com/MrWong99/earshot/pkg/transcription"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if EARSHOT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS conversation_entries CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	s, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(id string, created time.Time) conversation.Conversation {
	return conversation.Conversation{
		ID:        id,
		CreatedAt: created,
		Transcript: []transcription.Entry{
			{SpeakerID: "speaker_0", Text: "Shall we start?", Timestamp: created.Add(time.Second), Confidence: 0.91},
			{SpeakerID: "speaker_1", SpeakerLabel: "Grace", Text: "Yes.", Timestamp: created.Add(3 * time.Second), Confidence: 0.88},
			{SpeakerID: "speaker_0", Text: "Item one is the budget.", Timestamp: created.Add(2 * time.Minute)},
		},
	}
}

func TestStore_SaveGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Microsecond)

	want := sample("conv-1", created)
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if len(got.Transcript) != 3 {
		t.Fatalf("entries = %d, want 3", len(got.Transcript))
	}
	for i := range want.Transcript {
		w, g := want.Transcript[i], got.Transcript[i]
		if g.Text != w.Text || g.SpeakerID != w.SpeakerID || g.SpeakerLabel != w.SpeakerLabel || !g.Timestamp.Equal(w.Timestamp) {
			t.Errorf("entry %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestStore_ResaveReplacesEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := sample("conv-1", time.Now().UTC())

	if err := s.Save(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Transcript = c.Transcript[:1]
	if err := s.Save(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Transcript) != 1 {
		t.Errorf("entries = %d, want 1", len(got.Transcript))
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Recent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Save(ctx, sample(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "new" || recent[1].ID != "mid" {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].Entries != 3 || len(recent[0].Speakers) != 2 {
		t.Errorf("summary = %+v", recent[0])
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
