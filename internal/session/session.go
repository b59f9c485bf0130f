// Package session owns the per-session runtime: the serialization domain
// around one entity store, the delta accumulator and tick loop, and the
// manager that creates, authenticates into and sweeps sessions.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/state"
)

// Membership is a point-in-time copy of player→team assignments, taken under
// the session lock so delta routing observes a consistent roster.
type Membership map[string]string

// Broadcaster fans a finished delta out to the session's connections. The
// implementation must not block: the runtime calls it outside the session
// lock, but a slow consumer still may not stall the tick goroutine.
type Broadcaster interface {
	Deliver(sessionID string, delta state.Delta, membership Membership)
}

// Runtime is one live session: its store, settings, sequence counter and tick
// loop. All state access is serialized through mu; the tick and every inbound
// mutation run under it, and no network I/O ever happens while it is held.
type Runtime struct {
	id string

	mu         sync.Mutex
	store      *state.Store
	settings   state.Settings
	hostID     string
	sequence   uint64
	acc        *accumulator
	createdAt  time.Time
	lastActive time.Time

	clock       func() time.Time
	ids         IDProvider
	logger      *zap.Logger
	broadcaster Broadcaster

	stopOnce sync.Once
	stop     chan struct{}
}

func newRuntime(id string, settings state.Settings, clock func() time.Time, ids IDProvider, logger *zap.Logger, broadcaster Broadcaster) *Runtime {
	now := clock()
	return &Runtime{
		id:          id,
		store:       state.NewStore(id),
		settings:    settings,
		acc:         newAccumulator(),
		createdAt:   now,
		lastActive:  now,
		clock:       clock,
		ids:         ids,
		logger:      logger.With(zap.String("session_id", id)),
		broadcaster: broadcaster,
		stop:        make(chan struct{}),
	}
}

// ID returns the session identifier.
func (r *Runtime) ID() string { return r.id }

// HostID returns the player id holding host privileges.
func (r *Runtime) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// IsHost reports whether the given player holds host privileges.
func (r *Runtime) IsHost(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return playerID != "" && playerID == r.hostID
}

// Settings returns a copy of the session settings.
func (r *Runtime) Settings() state.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Sequence returns the current delta sequence number.
func (r *Runtime) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// TeamOf returns the current team of a player, empty when unassigned or
// unknown.
func (r *Runtime) TeamOf(playerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if player, ok := r.store.Player(playerID); ok {
		return player.TeamID
	}
	return ""
}

// Snapshot builds the bootstrap payload for one recipient, stamped with the
// current sequence number so the recipient's next delta extends it.
func (r *Runtime) Snapshot(teamID, playerID string) state.SnapshotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.store.Snapshot(teamID, playerID, r.clock())
	snapshot.Sequence = r.sequence
	snapshot.Settings = r.settings
	return snapshot
}

// record folds applied changes into the accumulator and refreshes the
// session's activity clock. Callers hold r.mu.
func (r *Runtime) recordLocked(changes []state.Change, now time.Time) {
	if len(changes) == 0 {
		return
	}
	r.acc.record(changes)
	r.lastActive = now
}

// addDefaultTeam registers one of the session's initial teams and returns its
// id.
func (r *Runtime) addDefaultTeam(name, color string) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changes, err := r.store.AddTeam(&state.Team{ID: id, Name: name, Color: color})
	if err != nil {
		return "", err
	}
	r.recordLocked(changes, r.clock())
	return id, nil
}

// addPlayer registers a new player entity. Joins are capacity-checked; the
// host always fits since it is the session's first player.
func (r *Runtime) addPlayer(player *state.Player, isHost bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isHost && r.store.PlayerCount() >= r.settings.MaxPlayers {
		return ErrSessionFull
	}
	now := r.clock()
	changes, err := r.store.AddPlayer(player, now)
	if err != nil {
		return err
	}
	if isHost {
		r.hostID = player.ID
	}
	r.recordLocked(changes, now)
	return nil
}

// counts reports (total players, connected players).
func (r *Runtime) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.PlayerCount(), r.store.ConnectedCount()
}

// MarkConnected flips a player to connected, e.g. on auth or reconnection.
func (r *Runtime) MarkConnected(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.SetConnectionStatus(playerID, state.StatusConnected, now)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// MarkDisconnected records a dropped socket. The player entity and its team
// membership survive for reconnection.
func (r *Runtime) MarkDisconnected(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.SetConnectionStatus(playerID, state.StatusDisconnected, now)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandlePosition applies a validated position fix. A stale fix is absorbed
// silently; it produces no change and advances nothing.
func (r *Runtime) HandlePosition(playerID string, position state.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.ApplyPosition(playerID, position, now)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandleChat appends a chat message from the given sender.
func (r *Runtime) HandleChat(senderID, content string, visibility state.Visibility, location *state.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.store.Player(senderID)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrPlayerNotFound, senderID)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return err
	}
	now := r.clock()
	changes, err := r.store.AppendMessage(&state.Message{
		ID:         id,
		SenderID:   senderID,
		TeamID:     sender.TeamID,
		Visibility: visibility,
		Type:       state.MessageChat,
		Content:    content,
		SentAt:     now,
		Location:   location,
	})
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandleAlert appends a team-visible tactical alert. With no explicit
// location the sender's last known position is attached.
func (r *Runtime) HandleAlert(senderID string, alertType state.AlertType, location *state.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.store.Player(senderID)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrPlayerNotFound, senderID)
	}
	if location == nil && sender.Position != nil {
		copied := *sender.Position
		location = &copied
	}
	id, err := r.ids.NewID()
	if err != nil {
		return err
	}
	now := r.clock()
	changes, err := r.store.AppendMessage(&state.Message{
		ID:         id,
		SenderID:   senderID,
		TeamID:     sender.TeamID,
		Visibility: state.VisibilityTeam,
		Type:       state.MessageAlert,
		Content:    string(alertType),
		SentAt:     now,
		Location:   location,
	})
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandleMarkerCreate stores a new marker created by the given player. The
// marker id is returned so the server layer can echo it if needed.
func (r *Runtime) HandleMarkerCreate(creatorID string, markerType state.MarkerType, visibility state.Visibility, position state.Position, props state.MarkerProperties, expiresAt *time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	creator, ok := r.store.Player(creatorID)
	if !ok {
		return "", fmt.Errorf("%w: %s", state.ErrPlayerNotFound, creatorID)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return "", err
	}
	now := r.clock()
	changes, err := r.store.CreateMarker(&state.Marker{
		ID:         id,
		Type:       markerType,
		CreatedBy:  creatorID,
		TeamID:     creator.TeamID,
		Visibility: visibility,
		Position:   position,
		Properties: props,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return "", err
	}
	r.recordLocked(changes, now)
	return id, nil
}

// HandleMarkerUpdate replaces a marker's properties on behalf of its creator
// or the host.
func (r *Runtime) HandleMarkerUpdate(actorID, markerID string, props state.MarkerProperties) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.UpdateMarker(markerID, actorID, actorID == r.hostID, props)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandleMarkerDelete removes a marker on behalf of its creator or the host.
func (r *Runtime) HandleMarkerDelete(actorID, markerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.DeleteMarker(markerID, actorID, actorID == r.hostID)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// HandleAssignTeam moves a player onto a team. Host gating happens in the
// validation layer; by the time this runs the actor is authorized.
func (r *Runtime) HandleAssignTeam(playerID, teamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	changes, err := r.store.AssignTeam(playerID, teamID, now)
	if err != nil {
		return err
	}
	r.recordLocked(changes, now)
	return nil
}

// expireMarkers sweeps past-expiry markers into remove changes.
func (r *Runtime) expireMarkers(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(r.store.ExpireMarkers(now), now)
}

// idleSince reports whether the session has had no connected player and no
// accepted mutation since the given cutoff.
func (r *Runtime) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastActive.After(cutoff) {
		return false
	}
	return r.store.ConnectedCount() == 0
}

// Run drives the session's tick loop until the session is closed. Each tick
// drains the accumulator; an empty interval emits nothing, so idle sessions
// cost no bandwidth.
func (r *Runtime) Run() {
	r.mu.Lock()
	hz := r.settings.TickHz
	r.mu.Unlock()

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// Close cancels the tick loop. Pending deltas are dropped with the session.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// tick performs one delta emission cycle. Sequence numbers advance by exactly
// one per emitted delta; ticks with an empty accumulator advance nothing.
func (r *Runtime) tick() {
	r.mu.Lock()
	if r.acc.empty() {
		r.mu.Unlock()
		return
	}
	deltaID, err := r.ids.NewID()
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("delta id generation failed", zap.Error(err))
		return
	}
	r.sequence++
	delta := state.Delta{
		DeltaID:   deltaID,
		SessionID: r.id,
		Timestamp: r.clock().UnixMilli(),
		Sequence:  r.sequence,
		Changes:   r.acc.drain(),
	}
	membership := make(Membership)
	for _, playerID := range r.store.PlayerIDs() {
		if player, ok := r.store.Player(playerID); ok {
			membership[playerID] = player.TeamID
		}
	}
	r.mu.Unlock()

	if r.broadcaster != nil {
		r.broadcaster.Deliver(r.id, delta, membership)
	}
}
