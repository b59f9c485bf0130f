package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/auth"
	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/session"
	"github.com/tacmaplabs/tacmap/backend/internal/validate"
)

const frameWait = 3 * time.Second

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	connections := NewConnectionManager(ConnectionManagerConfig{
		SendQueueSize:     64,
		HeartbeatInterval: 30 * time.Second,
		Limits:            validate.Limits{PositionPerSecond: 100, ChatPerMinute: 100},
		Logger:            zap.NewNop(),
	})
	sessions, err := session.NewManager(session.Config{
		Logger:      zap.NewNop(),
		Broadcaster: connections,
		Tokens:      auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret")}),
		Defaults:    session.Defaults{TickHz: 20},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	connections.BindSessions(sessions)

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:    sessions,
		Connections: connections,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		sessions.Close()
	})
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, message any) {
	t.Helper()
	if err := ws.WriteJSON(message); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFrame reads frames until one of the wanted type arrives or the deadline
// passes. Unrelated frames, e.g. deltas racing an assertion, are skipped.
func waitFrame(t *testing.T, ws *websocket.Conn, want protocol.MessageType) map[string]any {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(deadline)
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if decoded["type"] == string(want) {
			return decoded
		}
	}
	t.Fatalf("no %s frame within %v", want, frameWait)
	return nil
}

// waitDeltaFor reads delta frames until one carries a change for entityID.
func waitDeltaFor(t *testing.T, ws *websocket.Conn, entityID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		frame := waitFrame(t, ws, protocol.TypeStateDelta)
		delta := frame["delta"].(map[string]any)
		for _, raw := range delta["changes"].([]any) {
			change := raw.(map[string]any)
			if change["entity_id"] == entityID {
				return change
			}
		}
	}
	t.Fatalf("no delta for %s within %v", entityID, frameWait)
	return nil
}

func authAs(t *testing.T, ws *websocket.Conn, callsign, sessionID string, isHost bool) map[string]any {
	t.Helper()
	sendJSON(t, ws, protocol.AuthRequest{
		Type:      protocol.TypeAuth,
		Callsign:  callsign,
		SessionID: sessionID,
		IsHost:    isHost,
	})
	response := waitFrame(t, ws, protocol.TypeAuthResponse)
	if response["success"] != true {
		t.Fatalf("auth failed: %v", response["error"])
	}
	return response
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	server := startTestServer(t)

	hostWS := dial(t, server)
	hostAuth := authAs(t, hostWS, "Actual", "", true)
	sessionID := hostAuth["session_id"].(string)
	hostTeam := hostAuth["team_id"].(string)
	if sessionID == "" || hostTeam == "" || hostAuth["reconnect_token"] == "" {
		t.Fatalf("incomplete host auth response: %v", hostAuth)
	}

	// The snapshot is the bootstrap baseline: both default teams, the host on
	// its team.
	snapshot := waitFrame(t, hostWS, protocol.TypeStateSnapshot)
	snapState := snapshot["state"].(map[string]any)
	if len(snapState["teams"].(map[string]any)) != 2 {
		t.Fatalf("expected two teams in snapshot, got %v", snapState["teams"])
	}

	joinerWS := dial(t, server)
	joinerAuth := authAs(t, joinerWS, "Bravo1", sessionID, false)
	joinerID := joinerAuth["player_id"].(string)
	if teamID, ok := joinerAuth["team_id"]; ok && teamID != "" {
		t.Fatalf("joiner must start unassigned, got %v", teamID)
	}
	waitFrame(t, joinerWS, protocol.TypeStateSnapshot)

	// The host sees the join on the shared roster.
	change := waitDeltaFor(t, hostWS, joinerID)
	if change["type"] != "add" {
		t.Fatalf("expected roster add for joiner, got %v", change)
	}

	// Host assigns the joiner to its own team; both sides observe the move.
	sendJSON(t, hostWS, protocol.TeamUpdateRequest{
		Type:     protocol.TypeTeamUpdate,
		Action:   "assign_player",
		PlayerID: joinerID,
		TeamID:   hostTeam,
	})
	change = waitDeltaFor(t, joinerWS, joinerID)
	data := change["data"].(map[string]any)
	if data["team_id"] != hostTeam {
		t.Fatalf("joiner did not observe its assignment: %v", change)
	}
	waitDeltaFor(t, hostWS, joinerID)

	// Teammate positions flow to the host.
	sendJSON(t, joinerWS, protocol.PositionUpdate{
		Type:      protocol.TypePositionUpdate,
		Latitude:  61.4978,
		Longitude: 23.7610,
		Timestamp: time.Now().UnixMilli(),
	})
	change = waitDeltaFor(t, hostWS, joinerID)
	data = change["data"].(map[string]any)
	position, ok := data["position"].(map[string]any)
	if !ok || position["latitude"].(float64) != 61.4978 {
		t.Fatalf("host did not receive teammate position: %v", change)
	}
}

func TestNonHostCannotManageTeams(t *testing.T) {
	server := startTestServer(t)

	hostWS := dial(t, server)
	hostAuth := authAs(t, hostWS, "Actual", "", true)
	sessionID := hostAuth["session_id"].(string)

	joinerWS := dial(t, server)
	joinerAuth := authAs(t, joinerWS, "Bravo1", sessionID, false)

	sendJSON(t, joinerWS, protocol.TeamUpdateRequest{
		Type:     protocol.TypeTeamUpdate,
		Action:   "assign_player",
		PlayerID: joinerAuth["player_id"].(string),
		TeamID:   hostAuth["team_id"].(string),
	})
	errFrame := waitFrame(t, joinerWS, protocol.TypeError)
	if !strings.Contains(errFrame["error"].(string), "host") {
		t.Fatalf("unexpected error text: %v", errFrame["error"])
	}
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	server := startTestServer(t)
	ws := dial(t, server)

	sendJSON(t, ws, protocol.ChatRequest{Type: protocol.TypeChat, Content: "hello"})
	errFrame := waitFrame(t, ws, protocol.TypeError)
	if !strings.Contains(errFrame["error"].(string), "not authenticated") {
		t.Fatalf("unexpected error text: %v", errFrame["error"])
	}

	// Ping is allowed pre-auth.
	sendJSON(t, ws, protocol.Ping{Type: protocol.TypePing, Timestamp: 42})
	pong := waitFrame(t, ws, protocol.TypePong)
	if pong["timestamp"].(float64) != 42 {
		t.Fatalf("pong must echo the ping timestamp: %v", pong)
	}
}

func TestFailedAuthKeepsConnectionOpen(t *testing.T) {
	server := startTestServer(t)
	ws := dial(t, server)

	sendJSON(t, ws, protocol.AuthRequest{Type: protocol.TypeAuth, Callsign: "Ghost", SessionID: "no-such"})
	response := waitFrame(t, ws, protocol.TypeAuthResponse)
	if response["success"] == true {
		t.Fatal("auth into an unknown session must fail")
	}

	// A second attempt on the same socket may still succeed.
	authAs(t, ws, "Ghost", "", true)
}

func TestReconnectOverWebSocket(t *testing.T) {
	server := startTestServer(t)

	hostWS := dial(t, server)
	hostAuth := authAs(t, hostWS, "Actual", "", true)
	sessionID := hostAuth["session_id"].(string)
	token := hostAuth["reconnect_token"].(string)
	hostWS.Close()

	// Give the server a moment to run disconnect bookkeeping.
	time.Sleep(100 * time.Millisecond)

	resumedWS := dial(t, server)
	sendJSON(t, resumedWS, protocol.AuthRequest{
		Type:           protocol.TypeAuth,
		Callsign:       "Actual",
		SessionID:      sessionID,
		ReconnectToken: token,
	})
	response := waitFrame(t, resumedWS, protocol.TypeAuthResponse)
	if response["success"] != true {
		t.Fatalf("resume failed: %v", response["error"])
	}
	if response["player_id"] != hostAuth["player_id"] {
		t.Fatal("resume must restore the original player identity")
	}
	if response["team_id"] != hostAuth["team_id"] {
		t.Fatal("resume must restore the original team")
	}
}
