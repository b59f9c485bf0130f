package state

import (
	"fmt"
	"testing"
	"time"
)

func TestFilterChangesByScope(t *testing.T) {
	changes := []Change{
		{EntityID: "roster", Scope: Scope{Kind: ScopeAll}},
		{EntityID: "alpha-pos", Scope: Scope{Kind: ScopeTeam, TeamID: "alpha"}},
		{EntityID: "bravo-pos", Scope: Scope{Kind: ScopeTeam, TeamID: "bravo"}},
		{EntityID: "lone-pos", Scope: Scope{Kind: ScopeSelf, PlayerID: "lone"}},
	}

	got := FilterChanges(changes, "alpha", "a1")
	if len(got) != 2 || got[0].EntityID != "roster" || got[1].EntityID != "alpha-pos" {
		t.Fatalf("alpha member sees wrong changes: %+v", got)
	}

	got = FilterChanges(changes, "bravo", "b1")
	if len(got) != 2 || got[1].EntityID != "bravo-pos" {
		t.Fatalf("bravo member sees wrong changes: %+v", got)
	}

	got = FilterChanges(changes, "", "lone")
	if len(got) != 2 || got[1].EntityID != "lone-pos" {
		t.Fatalf("unassigned player sees wrong changes: %+v", got)
	}

	got = FilterChanges(changes, "", "other")
	if len(got) != 1 || got[0].EntityID != "roster" {
		t.Fatalf("stranger must only see session-wide changes: %+v", got)
	}
}

func TestSnapshotHidesEnemyPositions(t *testing.T) {
	store := testStore(t)
	addTestPlayer(t, store, "a1", "alpha")
	addTestPlayer(t, store, "b1", "bravo")
	now := time.Unix(1700000000, 0)
	store.ApplyPosition("a1", Position{Latitude: 1, Longitude: 1, UpdatedAt: 1}, now)
	store.ApplyPosition("b1", Position{Latitude: 2, Longitude: 2, UpdatedAt: 1}, now)

	snapshot := store.Snapshot("alpha", "a1", now)

	if len(snapshot.Players) != 2 {
		t.Fatalf("roster must list every player, got %d", len(snapshot.Players))
	}
	if snapshot.Players["a1"].Position == nil {
		t.Fatal("own position missing from snapshot")
	}
	if snapshot.Players["b1"].Position != nil {
		t.Fatal("enemy position leaked into snapshot")
	}
	if snapshot.Players["b1"].TeamID != "bravo" {
		t.Fatal("enemy roster entry must still carry its team")
	}
}

func TestSnapshotUnassignedSeesOnlySelfPosition(t *testing.T) {
	store := testStore(t)
	addTestPlayer(t, store, "a1", "alpha")
	addTestPlayer(t, store, "lone", "")
	now := time.Unix(1700000000, 0)
	store.ApplyPosition("a1", Position{Latitude: 1, Longitude: 1, UpdatedAt: 1}, now)
	store.ApplyPosition("lone", Position{Latitude: 2, Longitude: 2, UpdatedAt: 1}, now)

	snapshot := store.Snapshot("", "lone", now)
	if snapshot.Players["lone"].Position == nil {
		t.Fatal("unassigned player must see its own position")
	}
	if snapshot.Players["a1"].Position != nil {
		t.Fatal("unassigned player must not see team positions")
	}
}

func TestSnapshotFiltersMarkersAndMessages(t *testing.T) {
	store := testStore(t)
	addTestPlayer(t, store, "a1", "alpha")
	addTestPlayer(t, store, "b1", "bravo")
	now := time.Unix(1700000000, 0)

	store.CreateMarker(&Marker{ID: "team-marker", Type: MarkerPin, CreatedBy: "b1", TeamID: "bravo", Visibility: VisibilityTeam})
	store.CreateMarker(&Marker{ID: "global-marker", Type: MarkerPin, CreatedBy: "b1", TeamID: "bravo", Visibility: VisibilityAll})
	store.AppendMessage(&Message{ID: "team-chat", SenderID: "b1", TeamID: "bravo", Visibility: VisibilityTeam, Type: MessageChat, Content: "flanking", SentAt: now})
	store.AppendMessage(&Message{ID: "global-chat", SenderID: "b1", TeamID: "bravo", Visibility: VisibilityAll, Type: MessageChat, Content: "hello all", SentAt: now})

	snapshot := store.Snapshot("alpha", "a1", now)
	if _, leaked := snapshot.Markers["team-marker"]; leaked {
		t.Fatal("enemy team marker leaked")
	}
	if _, ok := snapshot.Markers["global-marker"]; !ok {
		t.Fatal("session-wide marker missing")
	}
	if len(snapshot.Messages) != 1 || snapshot.Messages[0].MessageID != "global-chat" {
		t.Fatalf("expected only the session-wide message, got %+v", snapshot.Messages)
	}

	// The sender always sees its own entries.
	snapshot = store.Snapshot("bravo", "b1", now)
	if len(snapshot.Markers) != 2 || len(snapshot.Messages) != 2 {
		t.Fatalf("sender view truncated: %d markers, %d messages", len(snapshot.Markers), len(snapshot.Messages))
	}
}

func TestSnapshotCapsMessageHistory(t *testing.T) {
	store := testStore(t)
	addTestPlayer(t, store, "a1", "alpha")
	now := time.Unix(1700000000, 0)

	for i := 0; i < snapshotMessageLimit+10; i++ {
		store.AppendMessage(&Message{
			ID:         fmt.Sprintf("msg-%d", i),
			SenderID:   "a1",
			TeamID:     "alpha",
			Visibility: VisibilityAll,
			Type:       MessageChat,
			Content:    "ping",
			SentAt:     now,
		})
	}

	snapshot := store.Snapshot("alpha", "a1", now)
	if len(snapshot.Messages) != snapshotMessageLimit {
		t.Fatalf("expected %d messages in snapshot, got %d", snapshotMessageLimit, len(snapshot.Messages))
	}
	if store.MessageCount() != snapshotMessageLimit+10 {
		t.Fatalf("full log must stay server-side, got %d", store.MessageCount())
	}
}
