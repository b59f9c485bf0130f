package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/session"
	"github.com/tacmaplabs/tacmap/backend/internal/state"
	"github.com/tacmaplabs/tacmap/backend/internal/validate"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1024 * 1024
)

// connection is one socket. It is pending-auth until a successful auth frame
// binds it to a player, authenticated afterwards, closed once either pump
// exits. All outbound frames flow through the bounded send queue so a single
// writer goroutine owns the socket.
type connection struct {
	cm   *ConnectionManager
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	runtime   *session.Runtime
	sessionID string
	playerID  string
	limiter   *validate.PlayerLimiter
	authed    bool
}

func newConnection(cm *ConnectionManager, ws *websocket.Conn) *connection {
	return &connection{
		cm:     cm,
		ws:     ws,
		send:   make(chan []byte, cm.sendQueueSize),
		closed: make(chan struct{}),
	}
}

// run drives both pumps and blocks until the socket is done.
func (c *connection) run() {
	go c.writePump()
	c.readPump()
}

// enqueue offers a frame to the outbound queue without blocking. False means
// the queue is full or the connection is closing.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *connection) writePump() {
	pingPeriod := c.cm.heartbeat
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) readPump() {
	pongWait := c.cm.heartbeat * 2
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer c.teardown()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(frame)
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// teardown runs exactly once when the read pump exits: the player is marked
// disconnected but its entity, position history and team placement survive
// for reconnection.
func (c *connection) teardown() {
	c.close()
	if !c.authed {
		return
	}
	c.cm.unregister(c)
	if err := c.runtime.MarkDisconnected(c.playerID); err != nil {
		c.cm.logger.Warn("disconnect bookkeeping failed",
			zap.String("player_id", c.playerID),
			zap.Error(err))
	}
	c.cm.logger.Info("connection closed",
		zap.String("session_id", c.sessionID),
		zap.String("player_id", c.playerID))
}

func (c *connection) handleFrame(frame []byte) {
	msgType, err := protocol.ParseType(frame)
	if err != nil {
		c.sendError("malformed message")
		return
	}

	switch msgType {
	case protocol.TypePing:
		c.handlePing(frame)
		return
	case protocol.TypeAuth:
		if c.authed {
			c.sendError("already authenticated")
			return
		}
		c.handleAuth(frame)
		return
	}

	if !c.authed {
		c.sendError("not authenticated")
		return
	}

	switch msgType {
	case protocol.TypePositionUpdate:
		c.handlePosition(frame)
	case protocol.TypeChat:
		c.handleChat(frame)
	case protocol.TypeAlert:
		c.handleAlert(frame)
	case protocol.TypeMarker:
		c.handleMarker(frame)
	case protocol.TypeTeamUpdate:
		c.handleTeamUpdate(frame)
	default:
		c.sendError("unknown message type")
	}
}

func (c *connection) handlePing(frame []byte) {
	var ping protocol.Ping
	_ = json.Unmarshal(frame, &ping)
	c.sendFrame(protocol.Pong{
		Type:       protocol.TypePong,
		Timestamp:  ping.Timestamp,
		ServerTime: c.cm.clock().UnixMilli(),
	})
}

func (c *connection) handleAuth(frame []byte) {
	var req protocol.AuthRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}

	result, err := c.cm.manager.Authenticate(req)
	if err != nil {
		c.cm.logger.Info("auth rejected", zap.Error(err))
		c.sendFrame(protocol.AuthResponse{
			Type:  protocol.TypeAuthResponse,
			Error: err.Error(),
		})
		return
	}

	c.runtime = result.Runtime
	c.sessionID = result.Runtime.ID()
	c.playerID = result.PlayerID
	c.limiter = validate.NewPlayerLimiter(c.cm.limits)
	c.authed = true
	c.cm.register(c)

	snapshot := c.runtime.Snapshot(result.TeamID, result.PlayerID)
	c.sendFrame(protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		Success:        true,
		PlayerID:       result.PlayerID,
		TeamID:         result.TeamID,
		SessionID:      c.sessionID,
		ReconnectToken: result.ReconnectToken,
		SessionState:   &snapshot,
	})
	c.sendFrame(protocol.StateSnapshotMessage{
		Type:      protocol.TypeStateSnapshot,
		Sequence:  snapshot.Sequence,
		Timestamp: c.cm.clock().UnixMilli(),
		State:     snapshot,
	})

	c.cm.logger.Info("connection authenticated",
		zap.String("session_id", c.sessionID),
		zap.String("player_id", c.playerID),
		zap.Bool("resumed", result.Resumed))
}

func (c *connection) handlePosition(frame []byte) {
	if err := c.limiter.AllowPosition(c.cm.clock()); err != nil {
		c.sendError(err.Error())
		return
	}
	var req protocol.PositionUpdate
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}
	position, err := validate.Position(req)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.runtime.HandlePosition(c.playerID, position); err != nil {
		c.sendError(err.Error())
	}
}

func (c *connection) handleChat(frame []byte) {
	if err := c.limiter.AllowChat(c.cm.clock()); err != nil {
		c.sendError(err.Error())
		return
	}
	var req protocol.ChatRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}
	visibility, err := validate.Chat(req)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.runtime.HandleChat(c.playerID, req.Content, visibility, req.Location); err != nil {
		c.sendError(err.Error())
	}
}

func (c *connection) handleAlert(frame []byte) {
	if err := c.limiter.AllowChat(c.cm.clock()); err != nil {
		c.sendError(err.Error())
		return
	}
	var req protocol.AlertRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}
	alertType, err := validate.Alert(req)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.runtime.HandleAlert(c.playerID, alertType, req.Location); err != nil {
		c.sendError(err.Error())
	}
}

func (c *connection) handleMarker(frame []byte) {
	var req protocol.MarkerRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}
	action, err := validate.Marker(req)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	switch action {
	case validate.MarkerCreate:
		visibility, _ := validate.VisibilityTag(req.MarkerData.Visibility)
		var expiresAt *time.Time
		if req.MarkerData.ExpiresAt > 0 {
			expiry := time.UnixMilli(req.MarkerData.ExpiresAt)
			expiresAt = &expiry
		}
		_, err = c.runtime.HandleMarkerCreate(
			c.playerID,
			state.MarkerType(req.MarkerData.Type),
			visibility,
			req.MarkerData.Position,
			req.MarkerData.Properties,
			expiresAt,
		)
	case validate.MarkerUpdate:
		err = c.runtime.HandleMarkerUpdate(c.playerID, req.MarkerID, req.MarkerData.Properties)
	case validate.MarkerDelete:
		err = c.runtime.HandleMarkerDelete(c.playerID, req.MarkerID)
	}
	if err != nil {
		c.sendError(err.Error())
	}
}

func (c *connection) handleTeamUpdate(frame []byte) {
	var req protocol.TeamUpdateRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		c.sendError("malformed message")
		return
	}
	if err := validate.TeamUpdate(req, c.runtime.IsHost(c.playerID)); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.runtime.HandleAssignTeam(req.PlayerID, req.TeamID); err != nil {
		c.sendError(err.Error())
	}
}

// sendFrame marshals and enqueues one outbound message; queue overflow closes
// the connection.
func (c *connection) sendFrame(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		c.cm.logger.Error("frame marshal failed", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.close()
	}
}

func (c *connection) sendError(text string) {
	c.sendFrame(protocol.NewError(text))
}
