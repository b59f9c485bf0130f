// Package validate rejects malformed or out-of-policy input before it reaches
// the entity store. Failures are tagged sentinel errors that the connection
// layer turns into wire error frames; a failed request never mutates state.
package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/state"
)

const (
	maxCallsignLength    = 32
	maxContentLength     = 500
	maxLabelLength       = 64
	maxDescriptionLength = 256
)

var (
	// ErrCallsign indicates a missing or oversize callsign.
	ErrCallsign = errors.New("validate: invalid callsign")
	// ErrCoordinates indicates latitude or longitude outside the valid range.
	ErrCoordinates = errors.New("validate: coordinates out of range")
	// ErrTimestamp indicates a missing or non-positive client timestamp.
	ErrTimestamp = errors.New("validate: invalid timestamp")
	// ErrContent indicates empty or oversize text content.
	ErrContent = errors.New("validate: invalid content")
	// ErrEnum indicates a value outside its enumeration.
	ErrEnum = errors.New("validate: unknown enum value")
	// ErrHostOnly indicates a non-host attempted a host-gated operation.
	ErrHostOnly = errors.New("validate: host privileges required")
	// ErrMarkerRequest indicates a structurally incomplete marker request.
	ErrMarkerRequest = errors.New("validate: invalid marker request")
	// ErrTeamRequest indicates a structurally incomplete team update request.
	ErrTeamRequest = errors.New("validate: invalid team request")
	// ErrRateLimited indicates the per-player token bucket is exhausted.
	ErrRateLimited = errors.New("validate: rate limit exceeded")
)

// Callsign normalizes and bounds-checks a player callsign.
func Callsign(raw string) (string, error) {
	callsign := strings.TrimSpace(raw)
	if callsign == "" {
		return "", fmt.Errorf("%w: empty", ErrCallsign)
	}
	if len(callsign) > maxCallsignLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrCallsign, maxCallsignLength)
	}
	return callsign, nil
}

// Position checks coordinate sanity on a raw fix. The per-player monotonicity
// guard lives in the store; this only rejects values no device can produce.
func Position(req protocol.PositionUpdate) (state.Position, error) {
	if err := coordinates(req.Latitude, req.Longitude); err != nil {
		return state.Position{}, err
	}
	if !finite(req.Heading) || !finite(req.Accuracy) || !finite(req.Elevation) {
		return state.Position{}, fmt.Errorf("%w: non-finite component", ErrCoordinates)
	}
	if req.Timestamp <= 0 {
		return state.Position{}, fmt.Errorf("%w: %d", ErrTimestamp, req.Timestamp)
	}
	return state.Position{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Heading:   req.Heading,
		Accuracy:  req.Accuracy,
		Elevation: req.Elevation,
		UpdatedAt: req.Timestamp,
	}, nil
}

// Location checks an optional attachment position (chat, alert, marker).
func Location(pos *state.Position) error {
	if pos == nil {
		return nil
	}
	return coordinates(pos.Latitude, pos.Longitude)
}

// Chat checks a chat request and resolves its visibility (default team).
func Chat(req protocol.ChatRequest) (state.Visibility, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty", ErrContent)
	}
	if len(req.Content) > maxContentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrContent, maxContentLength)
	}
	visibility, err := VisibilityTag(req.Visibility)
	if err != nil {
		return "", err
	}
	if err := Location(req.Location); err != nil {
		return "", err
	}
	return visibility, nil
}

// Alert checks an alert request and resolves its type.
func Alert(req protocol.AlertRequest) (state.AlertType, error) {
	var alertType state.AlertType
	switch state.AlertType(req.AlertType) {
	case state.AlertContact, state.AlertDanger, state.AlertRally, state.AlertHelp:
		alertType = state.AlertType(req.AlertType)
	default:
		return "", fmt.Errorf("%w: alert_type %q", ErrEnum, req.AlertType)
	}
	if err := Location(req.Location); err != nil {
		return "", err
	}
	return alertType, nil
}

// MarkerAction enumerates the marker request verbs.
type MarkerAction string

const (
	MarkerCreate MarkerAction = "create"
	MarkerUpdate MarkerAction = "update"
	MarkerDelete MarkerAction = "delete"
)

// Marker checks a marker request structurally for its action.
func Marker(req protocol.MarkerRequest) (MarkerAction, error) {
	action := MarkerAction(req.Action)
	switch action {
	case MarkerCreate:
		if req.MarkerData == nil {
			return "", fmt.Errorf("%w: create requires marker_data", ErrMarkerRequest)
		}
		switch state.MarkerType(req.MarkerData.Type) {
		case state.MarkerPin, state.MarkerArea, state.MarkerLine:
		default:
			return "", fmt.Errorf("%w: marker type %q", ErrEnum, req.MarkerData.Type)
		}
		if _, err := VisibilityTag(req.MarkerData.Visibility); err != nil {
			return "", err
		}
		if err := coordinates(req.MarkerData.Position.Latitude, req.MarkerData.Position.Longitude); err != nil {
			return "", err
		}
		if err := markerProperties(req.MarkerData.Properties); err != nil {
			return "", err
		}
	case MarkerUpdate:
		if req.MarkerID == "" || req.MarkerData == nil {
			return "", fmt.Errorf("%w: update requires marker_id and marker_data", ErrMarkerRequest)
		}
		if err := markerProperties(req.MarkerData.Properties); err != nil {
			return "", err
		}
	case MarkerDelete:
		if req.MarkerID == "" {
			return "", fmt.Errorf("%w: delete requires marker_id", ErrMarkerRequest)
		}
	default:
		return "", fmt.Errorf("%w: marker action %q", ErrEnum, req.Action)
	}
	return action, nil
}

// TeamUpdate checks the host-only roster management request.
func TeamUpdate(req protocol.TeamUpdateRequest, actorIsHost bool) error {
	if !actorIsHost {
		return ErrHostOnly
	}
	if req.Action != "assign_player" {
		return fmt.Errorf("%w: team action %q", ErrEnum, req.Action)
	}
	if req.PlayerID == "" || req.TeamID == "" {
		return fmt.Errorf("%w: assign_player requires player_id and team_id", ErrTeamRequest)
	}
	return nil
}

// VisibilityTag resolves a visibility string, defaulting empty to team.
func VisibilityTag(raw string) (state.Visibility, error) {
	switch state.Visibility(raw) {
	case state.VisibilityTeam, state.VisibilityAll:
		return state.Visibility(raw), nil
	case "":
		return state.VisibilityTeam, nil
	default:
		return "", fmt.Errorf("%w: visibility %q", ErrEnum, raw)
	}
}

func markerProperties(props state.MarkerProperties) error {
	if len(props.Label) > maxLabelLength {
		return fmt.Errorf("%w: label exceeds %d characters", ErrContent, maxLabelLength)
	}
	if len(props.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrContent, maxDescriptionLength)
	}
	return nil
}

func coordinates(latitude, longitude float64) error {
	if !finite(latitude) || latitude < -90 || latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrCoordinates, latitude)
	}
	if !finite(longitude) || longitude < -180 || longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrCoordinates, longitude)
	}
	return nil
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
