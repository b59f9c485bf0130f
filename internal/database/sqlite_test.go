package database

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/archive"
)

func openTestStore(t *testing.T) *archive.Store {
	t.Helper()
	db, err := OpenSQLite(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := archive.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sessionFixture(id string, endedAt time.Time, messageCount int) (archive.SessionRecord, []archive.MessageRecord) {
	record := archive.SessionRecord{
		SessionID:    id,
		CreatedAt:    endedAt.Add(-time.Hour),
		EndedAt:      endedAt,
		HostCallsign: "Actual",
		PlayerCount:  3,
		MessageCount: messageCount,
	}
	messages := make([]archive.MessageRecord, 0, messageCount)
	for i := 0; i < messageCount; i++ {
		messages = append(messages, archive.MessageRecord{
			MessageID:  fmt.Sprintf("%s-msg-%d", id, i),
			SessionID:  id,
			SenderID:   "p1",
			Visibility: "team",
			Type:       "chat",
			Content:    "contact front",
			SentAt:     endedAt,
		})
	}
	return record, messages
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatal("empty path must be refused")
	}
}

func TestRecordSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ended := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	record, messages := sessionFixture("sess-1", ended, 2)
	if err := store.RecordSession(record, messages); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A session that produced no messages still archives cleanly.
	empty, _ := sessionFixture("sess-2", ended, 0)
	if err := store.RecordSession(empty, nil); err != nil {
		t.Fatalf("record empty: %v", err)
	}

	// Re-recording the same session id must fail, not silently overwrite.
	if err := store.RecordSession(record, nil); err == nil {
		t.Fatal("duplicate session record must be refused")
	}
}

func TestPurgeRemovesOnlyStaleSessions(t *testing.T) {
	store := openTestStore(t)
	cutoff := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	stale, staleMessages := sessionFixture("stale", cutoff.Add(-time.Hour), 1)
	fresh, freshMessages := sessionFixture("fresh", cutoff.Add(time.Hour), 1)
	if err := store.RecordSession(stale, staleMessages); err != nil {
		t.Fatalf("record stale: %v", err)
	}
	if err := store.RecordSession(fresh, freshMessages); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	if err := store.Purge(cutoff); err != nil {
		t.Fatalf("purge: %v", err)
	}

	// The stale session is gone and can be re-archived; the fresh one remains.
	if err := store.RecordSession(stale, staleMessages); err != nil {
		t.Fatalf("stale session not purged: %v", err)
	}
	if err := store.RecordSession(fresh, nil); err == nil {
		t.Fatal("fresh session must survive the purge")
	}
}
