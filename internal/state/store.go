package state

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrPlayerNotFound indicates a mutation referenced an unknown player.
	ErrPlayerNotFound = errors.New("state: player not found")
	// ErrTeamNotFound indicates a mutation referenced an unknown team.
	ErrTeamNotFound = errors.New("state: team not found")
	// ErrMarkerNotFound indicates a mutation referenced an unknown marker.
	ErrMarkerNotFound = errors.New("state: marker not found")
	// ErrNotMarkerOwner indicates the actor may not modify another player's marker.
	ErrNotMarkerOwner = errors.New("state: marker owned by another player")
	// ErrDuplicateEntity indicates an add collided with an existing id.
	ErrDuplicateEntity = errors.New("state: entity already exists")
)

// Store is the canonical in-memory state of one session. It performs no
// locking of its own: the owning session runtime serializes every call.
type Store struct {
	sessionID string
	players   map[string]*Player
	teams     map[string]*Team
	markers   map[string]*Marker
	messages  []*Message
}

// NewStore returns an empty store for the given session.
func NewStore(sessionID string) *Store {
	return &Store{
		sessionID: sessionID,
		players:   make(map[string]*Player),
		teams:     make(map[string]*Team),
		markers:   make(map[string]*Marker),
	}
}

// SessionID returns the owning session's identifier.
func (s *Store) SessionID() string { return s.sessionID }

// Player returns the player with the given id, if present.
func (s *Store) Player(id string) (*Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

// Team returns the team with the given id, if present.
func (s *Store) Team(id string) (*Team, bool) {
	t, ok := s.teams[id]
	return t, ok
}

// Marker returns the marker with the given id, if present.
func (s *Store) Marker(id string) (*Marker, bool) {
	m, ok := s.markers[id]
	return m, ok
}

// PlayerCount reports how many player entities the session holds.
func (s *Store) PlayerCount() int { return len(s.players) }

// ConnectedCount reports how many players currently hold a live connection.
func (s *Store) ConnectedCount() int {
	connected := 0
	for _, player := range s.players {
		if player.Status == StatusConnected {
			connected++
		}
	}
	return connected
}

// PlayerIDs returns the session's player ids in sorted order.
func (s *Store) PlayerIDs() []string {
	ids := make([]string, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MessageCount reports the length of the message log.
func (s *Store) MessageCount() int { return len(s.messages) }

// Messages returns the full in-memory log in append order.
func (s *Store) Messages() []*Message { return s.messages }

// TeamIDs returns the session's team ids in sorted order.
func (s *Store) TeamIDs() []string {
	ids := make([]string, 0, len(s.teams))
	for id := range s.teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddTeam registers a team. Teams are created at session setup and are not
// part of the delta stream until a player references them.
func (s *Store) AddTeam(team *Team) ([]Change, error) {
	if _, exists := s.teams[team.ID]; exists {
		return nil, fmt.Errorf("%w: team %s", ErrDuplicateEntity, team.ID)
	}
	if team.PlayerIDs == nil {
		team.PlayerIDs = make(map[string]struct{})
	}
	if team.MarkerIDs == nil {
		team.MarkerIDs = make(map[string]struct{})
	}
	s.teams[team.ID] = team
	return []Change{{
		Op:       OpAdd,
		Entity:   EntityTeam,
		EntityID: team.ID,
		Data:     teamData(team),
		Scope:    Scope{Kind: ScopeAll},
	}}, nil
}

// AddPlayer registers a player and, when pre-assigned, joins it to its team
// atomically. Roster additions are visible to every team.
func (s *Store) AddPlayer(player *Player, now time.Time) ([]Change, error) {
	if _, exists := s.players[player.ID]; exists {
		return nil, fmt.Errorf("%w: player %s", ErrDuplicateEntity, player.ID)
	}
	if player.TeamID != "" {
		team, ok := s.teams[player.TeamID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, player.TeamID)
		}
		team.PlayerIDs[player.ID] = struct{}{}
	}
	player.LastActive = now
	s.players[player.ID] = player
	return []Change{{
		Op:       OpAdd,
		Entity:   EntityPlayer,
		EntityID: player.ID,
		Data:     rosterData(player, now),
		Scope:    Scope{Kind: ScopeAll},
	}}, nil
}

// SetConnectionStatus transitions a player's link state. The entity and its
// team membership are retained regardless of the new status.
func (s *Store) SetConnectionStatus(playerID string, status ConnectionStatus, now time.Time) ([]Change, error) {
	player, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	player.Status = status
	player.LastActive = now
	return []Change{{
		Op:       OpUpdate,
		Entity:   EntityPlayer,
		EntityID: playerID,
		Data:     rosterData(player, now),
		Scope:    Scope{Kind: ScopeAll},
	}}, nil
}

// ApplyPosition records a position fix. A fix whose timestamp is not newer
// than the stored one is absorbed as a no-op so at-least-once retries and
// out-of-order delivery never regress state.
func (s *Store) ApplyPosition(playerID string, position Position, now time.Time) ([]Change, error) {
	player, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	if player.Position != nil && position.UpdatedAt <= player.Position.UpdatedAt {
		return nil, nil
	}
	stored := position
	player.Position = &stored
	player.LastActive = now

	scope := Scope{Kind: ScopeSelf, PlayerID: playerID}
	if player.TeamID != "" {
		scope = Scope{Kind: ScopeTeam, TeamID: player.TeamID}
	}
	return []Change{{
		Op:       OpUpdate,
		Entity:   EntityPlayer,
		EntityID: playerID,
		Data:     PlayerPositionData{Position: stored},
		Scope:    scope,
	}}, nil
}

// AssignTeam moves a player between teams. Player.TeamID and both teams'
// PlayerIDs sets change in this one call; there is no intermediate state in
// which they disagree. Roster moves are visible to every team.
func (s *Store) AssignTeam(playerID, teamID string, now time.Time) ([]Change, error) {
	player, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	team, ok := s.teams[teamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	if player.TeamID == teamID {
		return nil, nil
	}
	if player.TeamID != "" {
		if old, ok := s.teams[player.TeamID]; ok {
			delete(old.PlayerIDs, playerID)
		}
	}
	player.TeamID = teamID
	team.PlayerIDs[playerID] = struct{}{}
	player.LastActive = now
	return []Change{{
		Op:       OpUpdate,
		Entity:   EntityPlayer,
		EntityID: playerID,
		Data:     rosterData(player, now),
		Scope:    Scope{Kind: ScopeAll},
	}}, nil
}

// AppendMessage adds an immutable entry to the log.
func (s *Store) AppendMessage(msg *Message) ([]Change, error) {
	s.messages = append(s.messages, msg)
	return []Change{{
		Op:       OpAdd,
		Entity:   EntityMessage,
		EntityID: msg.ID,
		Data:     messageData(msg),
		Scope:    visibilityScope(msg.Visibility, msg.TeamID, msg.SenderID),
	}}, nil
}

// CreateMarker stores a marker and links it to its team, if any.
func (s *Store) CreateMarker(marker *Marker) ([]Change, error) {
	if _, exists := s.markers[marker.ID]; exists {
		return nil, fmt.Errorf("%w: marker %s", ErrDuplicateEntity, marker.ID)
	}
	s.markers[marker.ID] = marker
	if marker.TeamID != "" {
		if team, ok := s.teams[marker.TeamID]; ok {
			team.MarkerIDs[marker.ID] = struct{}{}
		}
	}
	return []Change{{
		Op:       OpAdd,
		Entity:   EntityMarker,
		EntityID: marker.ID,
		Data:     markerData(marker),
		Scope:    visibilityScope(marker.Visibility, marker.TeamID, marker.CreatedBy),
	}}, nil
}

// UpdateMarker replaces a marker's properties. Only its creator or the host
// may modify it.
func (s *Store) UpdateMarker(markerID, actorID string, actorIsHost bool, props MarkerProperties) ([]Change, error) {
	marker, ok := s.markers[markerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarkerNotFound, markerID)
	}
	if marker.CreatedBy != actorID && !actorIsHost {
		return nil, fmt.Errorf("%w: %s", ErrNotMarkerOwner, markerID)
	}
	marker.Properties = props
	return []Change{{
		Op:       OpUpdate,
		Entity:   EntityMarker,
		EntityID: markerID,
		Data:     markerData(marker),
		Scope:    visibilityScope(marker.Visibility, marker.TeamID, marker.CreatedBy),
	}}, nil
}

// DeleteMarker removes a marker. Only its creator or the host may delete it.
func (s *Store) DeleteMarker(markerID, actorID string, actorIsHost bool) ([]Change, error) {
	marker, ok := s.markers[markerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarkerNotFound, markerID)
	}
	if marker.CreatedBy != actorID && !actorIsHost {
		return nil, fmt.Errorf("%w: %s", ErrNotMarkerOwner, markerID)
	}
	s.removeMarker(marker)
	return []Change{{
		Op:       OpRemove,
		Entity:   EntityMarker,
		EntityID: markerID,
		Data:     struct{}{},
		Scope:    visibilityScope(marker.Visibility, marker.TeamID, marker.CreatedBy),
	}}, nil
}

// ExpireMarkers removes every marker whose expiry has passed and returns the
// corresponding remove changes.
func (s *Store) ExpireMarkers(now time.Time) []Change {
	var changes []Change
	for _, marker := range s.markers {
		if marker.ExpiresAt == nil || now.Before(*marker.ExpiresAt) {
			continue
		}
		s.removeMarker(marker)
		changes = append(changes, Change{
			Op:       OpRemove,
			Entity:   EntityMarker,
			EntityID: marker.ID,
			Data:     struct{}{},
			Scope:    visibilityScope(marker.Visibility, marker.TeamID, marker.CreatedBy),
		})
	}
	return changes
}

func (s *Store) removeMarker(marker *Marker) {
	delete(s.markers, marker.ID)
	if marker.TeamID != "" {
		if team, ok := s.teams[marker.TeamID]; ok {
			delete(team.MarkerIDs, marker.ID)
		}
	}
}

func rosterData(player *Player, now time.Time) PlayerRosterData {
	return PlayerRosterData{
		PlayerID: player.ID,
		Callsign: player.Callsign,
		TeamID:   player.TeamID,
		Status:   player.StatusAt(now),
	}
}

func teamData(team *Team) TeamData {
	ids := make([]string, 0, len(team.PlayerIDs))
	for id := range team.PlayerIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return TeamData{TeamID: team.ID, Name: team.Name, Color: team.Color, PlayerIDs: ids}
}

func markerData(marker *Marker) MarkerData {
	data := MarkerData{
		MarkerID:   marker.ID,
		Type:       marker.Type,
		CreatedBy:  marker.CreatedBy,
		TeamID:     marker.TeamID,
		Visibility: marker.Visibility,
		Position:   marker.Position,
		Properties: marker.Properties,
		CreatedAt:  marker.CreatedAt.UnixMilli(),
	}
	if marker.ExpiresAt != nil {
		data.ExpiresAt = marker.ExpiresAt.UnixMilli()
	}
	return data
}

func messageData(msg *Message) MessageData {
	return MessageData{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		TeamID:     msg.TeamID,
		Visibility: msg.Visibility,
		Type:       msg.Type,
		Content:    msg.Content,
		SentAt:     msg.SentAt.UnixMilli(),
		Location:   msg.Location,
	}
}
