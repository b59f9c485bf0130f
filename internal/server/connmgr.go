// Package server owns the socket lifecycle: the HTTP surface, the WebSocket
// upgrade, per-connection read/write pumps and the team-filtered delta
// fan-out.
package server

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/session"
	"github.com/tacmaplabs/tacmap/backend/internal/state"
	"github.com/tacmaplabs/tacmap/backend/internal/validate"
)

// ConnectionManagerConfig tunes socket behavior.
type ConnectionManagerConfig struct {
	SendQueueSize     int
	HeartbeatInterval time.Duration
	Limits            validate.Limits
	Logger            *zap.Logger
	Clock             func() time.Time
}

// ConnectionManager tracks live authenticated connections per session and
// implements session.Broadcaster. Delivery never blocks: each connection has
// a bounded outbound queue and a consumer that cannot drain it is forcibly
// disconnected, since a client that fell behind needs a fresh snapshot anyway.
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[string]map[*connection]struct{}

	sendQueueSize int
	heartbeat     time.Duration
	limits        validate.Limits
	logger        *zap.Logger
	clock         func() time.Time

	manager *session.Manager
}

// NewConnectionManager constructs a ConnectionManager.
func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &ConnectionManager{
		sessions:      make(map[string]map[*connection]struct{}),
		sendQueueSize: cfg.SendQueueSize,
		heartbeat:     cfg.HeartbeatInterval,
		limits:        cfg.Limits,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
	}
}

// BindSessions attaches the session manager. Done after construction because
// the session manager itself needs this ConnectionManager as its broadcaster.
func (cm *ConnectionManager) BindSessions(manager *session.Manager) {
	cm.manager = manager
}

// ConnectionCount reports live authenticated connections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	total := 0
	for _, conns := range cm.sessions {
		total += len(conns)
	}
	return total
}

func (cm *ConnectionManager) register(conn *connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conns, ok := cm.sessions[conn.sessionID]
	if !ok {
		conns = make(map[*connection]struct{})
		cm.sessions[conn.sessionID] = conns
	}
	conns[conn] = struct{}{}
}

func (cm *ConnectionManager) unregister(conn *connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conns, ok := cm.sessions[conn.sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.sessions, conn.sessionID)
		}
	}
}

// Deliver routes one finished delta to the session's connections. The payload
// is filtered and marshalled once per team; unassigned players are filtered
// individually since only their own position changes concern them. Empty
// filtered payloads are not sent at all.
func (cm *ConnectionManager) Deliver(sessionID string, delta state.Delta, membership session.Membership) {
	cm.mu.RLock()
	conns := make([]*connection, 0, len(cm.sessions[sessionID]))
	for conn := range cm.sessions[sessionID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	// Team payloads are shareable only while no change is scoped to a single
	// player; a player assigned mid-tick may still have a self-scoped change
	// in flight.
	hasSelfScoped := false
	for _, change := range delta.Changes {
		if change.Scope.Kind == state.ScopeSelf {
			hasSelfScoped = true
			break
		}
	}

	teamPayloads := make(map[string][]byte)
	for _, conn := range conns {
		teamID := membership[conn.playerID]

		var payload []byte
		if teamID != "" && !hasSelfScoped {
			cached, ok := teamPayloads[teamID]
			if !ok {
				cached = cm.encodeDelta(delta, state.FilterChanges(delta.Changes, teamID, ""))
				teamPayloads[teamID] = cached
			}
			payload = cached
		} else {
			payload = cm.encodeDelta(delta, state.FilterChanges(delta.Changes, teamID, conn.playerID))
		}
		if payload == nil {
			continue
		}
		if !conn.enqueue(payload) {
			cm.logger.Warn("outbound queue overflow, disconnecting",
				zap.String("session_id", sessionID),
				zap.String("player_id", conn.playerID))
			conn.close()
		}
	}
}

// encodeDelta marshals a filtered delta frame; nil when nothing survives the
// filter.
func (cm *ConnectionManager) encodeDelta(delta state.Delta, changes []state.Change) []byte {
	if len(changes) == 0 {
		return nil
	}
	filtered := delta
	filtered.Changes = changes
	data, err := json.Marshal(protocol.StateDeltaMessage{Type: protocol.TypeStateDelta, Delta: filtered})
	if err != nil {
		cm.logger.Error("delta marshal failed", zap.Error(err))
		return nil
	}
	return data
}
