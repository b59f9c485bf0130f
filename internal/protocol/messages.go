// Package protocol defines the JSON wire messages exchanged over a session's
// persistent connection. Payloads are decoded into typed structs here; once a
// request passes validation only typed values travel further in.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tacmaplabs/tacmap/backend/internal/state"
)

// MessageType tags every frame on the wire.
type MessageType string

const (
	TypeAuth           MessageType = "auth"
	TypeAuthResponse   MessageType = "auth_response"
	TypePositionUpdate MessageType = "position_update"
	TypeChat           MessageType = "chat"
	TypeAlert          MessageType = "alert"
	TypeMarker         MessageType = "marker"
	TypeTeamUpdate     MessageType = "team_update"
	TypeStateDelta     MessageType = "state_delta"
	TypeStateSnapshot  MessageType = "state_snapshot"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
)

var (
	// ErrMalformedFrame indicates a frame that is not valid JSON or lacks a type.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownType indicates a frame whose type the server does not handle.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

type envelope struct {
	Type MessageType `json:"type"`
}

// ParseType extracts the message type from a raw frame.
func ParseType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

// AuthRequest opens a session as host or joins an existing one. A reconnect
// token, when present, resumes a previously issued player identity.
type AuthRequest struct {
	Type           MessageType       `json:"type"`
	Callsign       string            `json:"callsign"`
	SessionID      string            `json:"session_id,omitempty"`
	IsHost         bool              `json:"is_host"`
	DeviceInfo     map[string]string `json:"device_info"`
	ReconnectToken string            `json:"reconnect_token,omitempty"`
}

// AuthResponse answers an AuthRequest. On success SessionState carries the
// recipient-filtered bootstrap state.
type AuthResponse struct {
	Type           MessageType          `json:"type"`
	Success        bool                 `json:"success"`
	PlayerID       string               `json:"player_id,omitempty"`
	TeamID         string               `json:"team_id,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	ReconnectToken string               `json:"reconnect_token,omitempty"`
	SessionState   *state.SnapshotState `json:"session_state,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// PositionUpdate reports a device fix. Timestamp is unix milliseconds from the
// device clock and drives the per-player monotonicity guard. PlayerID is
// accepted for wire compatibility but the server always applies the fix to
// the connection's bound player.
type PositionUpdate struct {
	Type      MessageType `json:"type"`
	PlayerID  string      `json:"player_id,omitempty"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Heading   float64     `json:"heading"`
	Accuracy  float64     `json:"accuracy"`
	Elevation float64     `json:"elevation"`
	Timestamp int64       `json:"timestamp"`
}

// ChatRequest posts a chat message with team or session-wide visibility.
type ChatRequest struct {
	Type       MessageType     `json:"type"`
	Content    string          `json:"content"`
	Visibility string          `json:"visibility,omitempty"`
	Location   *state.Position `json:"location,omitempty"`
}

// AlertRequest raises a tactical alert to the sender's team.
type AlertRequest struct {
	Type      MessageType     `json:"type"`
	AlertType string          `json:"alert_type"`
	Location  *state.Position `json:"location,omitempty"`
}

// MarkerPayload is the client-supplied body for marker create and update.
type MarkerPayload struct {
	Type       string                 `json:"type"`
	Visibility string                 `json:"visibility,omitempty"`
	Position   state.Position         `json:"position"`
	Properties state.MarkerProperties `json:"properties"`
	ExpiresAt  int64                  `json:"expires_at,omitempty"`
}

// MarkerRequest creates, updates or deletes a marker.
type MarkerRequest struct {
	Type       MessageType    `json:"type"`
	Action     string         `json:"action"`
	MarkerID   string         `json:"marker_id,omitempty"`
	MarkerData *MarkerPayload `json:"marker_data,omitempty"`
}

// TeamUpdateRequest is the host-only roster management message.
type TeamUpdateRequest struct {
	Type     MessageType `json:"type"`
	Action   string      `json:"action"`
	PlayerID string      `json:"player_id"`
	TeamID   string      `json:"team_id"`
}

// StateDeltaMessage pushes one versioned batch of changes.
type StateDeltaMessage struct {
	Type  MessageType `json:"type"`
	Delta state.Delta `json:"delta"`
}

// StateSnapshotMessage is the one-time bootstrap payload establishing the
// sequence baseline the next delta extends.
type StateSnapshotMessage struct {
	Type      MessageType         `json:"type"`
	Sequence  uint64              `json:"sequence_number"`
	Timestamp int64               `json:"timestamp"`
	State     state.SnapshotState `json:"state"`
}

// Ping is the liveness heartbeat; either side may initiate.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Pong answers a Ping with the server clock for RTT estimation.
type Pong struct {
	Type       MessageType `json:"type"`
	Timestamp  int64       `json:"timestamp,omitempty"`
	ServerTime int64       `json:"server_time"`
}

// ErrorMessage reports a non-fatal per-request failure; the connection stays
// open.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// NewError builds an error frame.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: message}
}
