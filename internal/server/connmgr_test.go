package server

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/session"
	"github.com/tacmaplabs/tacmap/backend/internal/state"
)

func registeredConn(cm *ConnectionManager, sessionID, playerID string) *connection {
	conn := newConnection(cm, nil)
	conn.sessionID = sessionID
	conn.playerID = playerID
	conn.authed = true
	cm.register(conn)
	return conn
}

func drainDelta(t *testing.T, conn *connection) state.Delta {
	t.Helper()
	select {
	case frame := <-conn.send:
		var msg protocol.StateDeltaMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		return msg.Delta
	default:
		t.Fatal("no frame queued")
	}
	return state.Delta{}
}

func TestDeliverRoutesByTeam(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{Logger: zap.NewNop()})
	alphaConn := registeredConn(cm, "sess", "a1")
	bravoConn := registeredConn(cm, "sess", "b1")
	loneConn := registeredConn(cm, "sess", "lone")

	delta := state.Delta{
		SessionID: "sess",
		Sequence:  7,
		Changes: []state.Change{
			{Op: state.OpUpdate, Entity: state.EntityPlayer, EntityID: "roster", Scope: state.Scope{Kind: state.ScopeAll}},
			{Op: state.OpUpdate, Entity: state.EntityPlayer, EntityID: "a1", Scope: state.Scope{Kind: state.ScopeTeam, TeamID: "alpha"}},
		},
	}
	membership := session.Membership{"a1": "alpha", "b1": "bravo", "lone": ""}
	cm.Deliver("sess", delta, membership)

	got := drainDelta(t, alphaConn)
	if got.Sequence != 7 || len(got.Changes) != 2 {
		t.Fatalf("alpha member got %d changes, want 2", len(got.Changes))
	}
	got = drainDelta(t, bravoConn)
	if len(got.Changes) != 1 || got.Changes[0].EntityID != "roster" {
		t.Fatalf("bravo member must only see the roster change, got %+v", got.Changes)
	}
	got = drainDelta(t, loneConn)
	if len(got.Changes) != 1 || got.Changes[0].EntityID != "roster" {
		t.Fatalf("unassigned player must only see the roster change, got %+v", got.Changes)
	}
}

func TestDeliverSkipsEmptyPayloads(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{Logger: zap.NewNop()})
	bravoConn := registeredConn(cm, "sess", "b1")

	delta := state.Delta{
		SessionID: "sess",
		Sequence:  1,
		Changes: []state.Change{
			{Op: state.OpUpdate, Entity: state.EntityPlayer, EntityID: "a1", Scope: state.Scope{Kind: state.ScopeTeam, TeamID: "alpha"}},
		},
	}
	cm.Deliver("sess", delta, session.Membership{"b1": "bravo"})

	select {
	case frame := <-bravoConn.send:
		t.Fatalf("nothing should reach bravo, got %s", frame)
	default:
	}
}

func TestDeliverSelfScopedReachesOnlyOwner(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{Logger: zap.NewNop()})
	loneConn := registeredConn(cm, "sess", "lone")
	otherConn := registeredConn(cm, "sess", "other")

	delta := state.Delta{
		SessionID: "sess",
		Sequence:  1,
		Changes: []state.Change{
			{Op: state.OpUpdate, Entity: state.EntityPlayer, EntityID: "lone", Scope: state.Scope{Kind: state.ScopeSelf, PlayerID: "lone"}},
		},
	}
	cm.Deliver("sess", delta, session.Membership{"lone": "", "other": ""})

	got := drainDelta(t, loneConn)
	if len(got.Changes) != 1 || got.Changes[0].EntityID != "lone" {
		t.Fatalf("owner must receive its change, got %+v", got.Changes)
	}
	select {
	case frame := <-otherConn.send:
		t.Fatalf("self-scoped change leaked to another player: %s", frame)
	default:
	}
}

func TestDeliverOverflowDisconnects(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{SendQueueSize: 1, Logger: zap.NewNop()})
	conn := registeredConn(cm, "sess", "p1")

	delta := state.Delta{
		SessionID: "sess",
		Changes:   []state.Change{{Op: state.OpUpdate, Entity: state.EntityPlayer, EntityID: "p1", Scope: state.Scope{Kind: state.ScopeAll}}},
	}
	membership := session.Membership{"p1": ""}

	cm.Deliver("sess", delta, membership) // fills the queue
	cm.Deliver("sess", delta, membership) // overflows it

	select {
	case <-conn.closed:
	default:
		t.Fatal("overflowing consumer must be disconnected")
	}
	if conn.enqueue([]byte("late")) {
		t.Fatal("closed connection must refuse frames")
	}
}

func TestConnectionCount(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{Logger: zap.NewNop()})
	if cm.ConnectionCount() != 0 {
		t.Fatalf("fresh manager reports %d connections", cm.ConnectionCount())
	}
	first := registeredConn(cm, "sess-1", "p1")
	registeredConn(cm, "sess-2", "p2")
	if cm.ConnectionCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.ConnectionCount())
	}
	cm.unregister(first)
	if cm.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection after unregister, got %d", cm.ConnectionCount())
	}
}
