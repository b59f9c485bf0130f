package state

import "time"

// FilterChanges narrows a delta's changes to what one recipient may observe.
// teamID is the recipient's team (empty for unassigned players), playerID the
// recipient itself. Team membership can move between ticks, so callers filter
// fresh every tick rather than caching results.
func FilterChanges(changes []Change, teamID, playerID string) []Change {
	filtered := make([]Change, 0, len(changes))
	for _, change := range changes {
		switch change.Scope.Kind {
		case ScopeAll:
			filtered = append(filtered, change)
		case ScopeTeam:
			if teamID != "" && change.Scope.TeamID == teamID {
				filtered = append(filtered, change)
			}
		case ScopeSelf:
			if change.Scope.PlayerID == playerID {
				filtered = append(filtered, change)
			}
		}
	}
	return filtered
}

// SnapshotPlayer is a roster entry with the position attached only when the
// recipient is allowed to see it.
type SnapshotPlayer struct {
	PlayerRosterData
	Position *Position `json:"position,omitempty"`
}

// SnapshotState is the full filtered session state delivered once at
// connection bootstrap. Sequence and Settings are stamped by the session
// runtime, which owns both.
type SnapshotState struct {
	SessionID string                    `json:"session_id"`
	Sequence  uint64                    `json:"sequence_number"`
	Settings  Settings                  `json:"settings"`
	Teams     map[string]TeamData       `json:"teams"`
	Players   map[string]SnapshotPlayer `json:"players"`
	Markers   map[string]MarkerData     `json:"markers"`
	Messages  []MessageData             `json:"messages"`
}

// Snapshot builds the recipient-filtered state: every team and roster entry is
// public, positions are limited to teammates and the recipient itself, and
// markers and messages honor their visibility tags. The message list carries
// only the most recent entries; older history stays server-side.
func (s *Store) Snapshot(teamID, playerID string, now time.Time) SnapshotState {
	snapshot := SnapshotState{
		SessionID: s.sessionID,
		Teams:     make(map[string]TeamData, len(s.teams)),
		Players:   make(map[string]SnapshotPlayer, len(s.players)),
		Markers:   make(map[string]MarkerData),
		Messages:  make([]MessageData, 0, snapshotMessageLimit),
	}

	for id, team := range s.teams {
		snapshot.Teams[id] = teamData(team)
	}

	for id, player := range s.players {
		entry := SnapshotPlayer{PlayerRosterData: rosterData(player, now)}
		sameTeam := teamID != "" && player.TeamID == teamID
		if (sameTeam || id == playerID) && player.Position != nil {
			position := *player.Position
			entry.Position = &position
		}
		snapshot.Players[id] = entry
	}

	for id, marker := range s.markers {
		if marker.Visibility == VisibilityAll || (teamID != "" && marker.TeamID == teamID) || marker.CreatedBy == playerID {
			snapshot.Markers[id] = markerData(marker)
		}
	}

	start := 0
	if len(s.messages) > snapshotMessageLimit {
		start = len(s.messages) - snapshotMessageLimit
	}
	for _, msg := range s.messages[start:] {
		if msg.Visibility == VisibilityAll || (teamID != "" && msg.TeamID == teamID) || msg.SenderID == playerID {
			snapshot.Messages = append(snapshot.Messages, messageData(msg))
		}
	}

	return snapshot
}
