package state

// ChangeOp describes how a change applies to client state.
type ChangeOp string

const (
	OpAdd    ChangeOp = "add"
	OpUpdate ChangeOp = "update"
	OpRemove ChangeOp = "remove"
)

// EntityType names the entity a change refers to.
type EntityType string

const (
	EntityPlayer  EntityType = "player"
	EntityTeam    EntityType = "team"
	EntityMarker  EntityType = "marker"
	EntityMessage EntityType = "message"
)

// ScopeKind selects the audience rule for a change.
type ScopeKind int

const (
	// ScopeAll reaches every connection in the session.
	ScopeAll ScopeKind = iota
	// ScopeTeam reaches only members of Scope.TeamID.
	ScopeTeam
	// ScopeSelf reaches only the connection bound to Scope.PlayerID.
	ScopeSelf
)

// Scope is routing metadata attached to a change. It never crosses the wire.
type Scope struct {
	Kind     ScopeKind
	TeamID   string
	PlayerID string
}

// visibilityScope maps an entity's visibility tag to a routing scope. A
// team-visible entity whose owner has no team collapses to the owner alone.
func visibilityScope(visibility Visibility, teamID, ownerID string) Scope {
	if visibility == VisibilityAll {
		return Scope{Kind: ScopeAll}
	}
	if teamID == "" {
		return Scope{Kind: ScopeSelf, PlayerID: ownerID}
	}
	return Scope{Kind: ScopeTeam, TeamID: teamID}
}

// Change is one applied mutation, ready for delta accumulation.
type Change struct {
	Op       ChangeOp   `json:"type"`
	Entity   EntityType `json:"entity_type"`
	EntityID string     `json:"entity_id"`
	Data     any        `json:"data"`
	Path     string     `json:"path,omitempty"`

	Scope Scope `json:"-"`
}

// Delta is one versioned batch of changes for a session.
type Delta struct {
	DeltaID   string   `json:"delta_id"`
	SessionID string   `json:"session_id"`
	Timestamp int64    `json:"timestamp"`
	Sequence  uint64   `json:"sequence_number"`
	Changes   []Change `json:"changes"`
}

// PlayerRosterData is the publicly visible slice of a player entity. Roster
// information is visible across teams; positions never ride on it.
type PlayerRosterData struct {
	PlayerID string           `json:"player_id"`
	Callsign string           `json:"callsign"`
	TeamID   string           `json:"team_id,omitempty"`
	Status   ConnectionStatus `json:"connection_status"`
}

// PlayerPositionData carries a position update, team-scoped.
type PlayerPositionData struct {
	Position Position `json:"position"`
}

// TeamData is the wire form of a team record.
type TeamData struct {
	TeamID    string   `json:"team_id"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	PlayerIDs []string `json:"player_ids"`
}

// MarkerData is the wire form of a marker.
type MarkerData struct {
	MarkerID   string           `json:"marker_id"`
	Type       MarkerType       `json:"type"`
	CreatedBy  string           `json:"created_by"`
	TeamID     string           `json:"team_id,omitempty"`
	Visibility Visibility       `json:"visibility"`
	Position   Position         `json:"position"`
	Properties MarkerProperties `json:"properties"`
	CreatedAt  int64            `json:"created_at"`
	ExpiresAt  int64            `json:"expires_at,omitempty"`
}

// MessageData is the wire form of a log entry.
type MessageData struct {
	MessageID  string      `json:"message_id"`
	SenderID   string      `json:"sender_id"`
	TeamID     string      `json:"team_id,omitempty"`
	Visibility Visibility  `json:"visibility"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	SentAt     int64       `json:"sent_at"`
	Location   *Position   `json:"location,omitempty"`
}
