package state

import (
	"math"
	"time"
)

// InactiveAfter is how long a disconnected player may stay silent before being
// reported as inactive. Derived at serialization time, never stored.
const InactiveAfter = 5 * time.Minute

// snapshotMessageLimit caps how many recent messages a bootstrap snapshot carries.
const snapshotMessageLimit = 50

// ConnectionStatus describes a player's link to the server.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusInactive     ConnectionStatus = "inactive"
)

// Visibility controls which teams may observe an entity.
type Visibility string

const (
	VisibilityTeam Visibility = "team"
	VisibilityAll  Visibility = "all"
)

// MarkerType enumerates supported map marker shapes.
type MarkerType string

const (
	MarkerPin  MarkerType = "pin"
	MarkerArea MarkerType = "area"
	MarkerLine MarkerType = "line"
)

// MessageType enumerates log entry kinds.
type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageAlert  MessageType = "alert"
	MessageSystem MessageType = "system"
)

// AlertType enumerates tactical alert categories.
type AlertType string

const (
	AlertContact AlertType = "contact"
	AlertDanger  AlertType = "danger"
	AlertRally   AlertType = "rally"
	AlertHelp    AlertType = "help"
)

// Position is a geographic fix. UpdatedAt is unix milliseconds and doubles as
// the monotonicity guard for position updates.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading"`
	Accuracy  float64 `json:"accuracy"`
	Elevation float64 `json:"elevation"`
	UpdatedAt int64   `json:"updated_at"`
}

const earthRadiusMeters = 6371000

// DistanceTo returns the great-circle distance to other in meters.
func (p Position) DistanceTo(other Position) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := (other.Latitude - p.Latitude) * math.Pi / 180
	dLon := (other.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Player is a session participant. Disconnection flips Status; the entity and
// its team membership survive until the session is torn down.
type Player struct {
	ID         string
	Callsign   string
	TeamID     string // empty means unassigned
	Status     ConnectionStatus
	LastActive time.Time
	Position   *Position
	DeviceInfo map[string]string
	IsHost     bool
}

// StatusAt reports the display status at the given instant, deriving inactive
// from a stale disconnected player.
func (p *Player) StatusAt(now time.Time) ConnectionStatus {
	if p.Status == StatusDisconnected && now.Sub(p.LastActive) > InactiveAfter {
		return StatusInactive
	}
	return p.Status
}

// Team groups players and their markers. PlayerIDs mirrors Player.TeamID; the
// two are always updated together in a single store mutation.
type Team struct {
	ID        string
	Name      string
	Color     string
	PlayerIDs map[string]struct{}
	MarkerIDs map[string]struct{}
}

// MarkerProperties carries a marker's display attributes.
type MarkerProperties struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Marker is a map annotation owned by its creator.
type Marker struct {
	ID         string
	Type       MarkerType
	CreatedBy  string
	TeamID     string
	Visibility Visibility
	Position   Position
	Properties MarkerProperties
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Message is an immutable log entry (chat, alert or system notice).
type Message struct {
	ID         string
	SenderID   string
	TeamID     string
	Visibility Visibility
	Type       MessageType
	Content    string
	SentAt     time.Time
	Location   *Position
}

// Settings are the host-controlled session parameters.
type Settings struct {
	TickHz     int        `json:"tick_hz"`
	AllowJoin  bool       `json:"allow_join"`
	MaxPlayers int        `json:"max_players"`
	MapBounds  *MapBounds `json:"map_bounds,omitempty"`
}

// MapBounds constrains the play area.
type MapBounds struct {
	MinLatitude  float64 `json:"min_latitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLongitude float64 `json:"max_longitude"`
}
