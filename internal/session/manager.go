package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/archive"
	"github.com/tacmaplabs/tacmap/backend/internal/auth"
	"github.com/tacmaplabs/tacmap/backend/internal/protocol"
	"github.com/tacmaplabs/tacmap/backend/internal/state"
	"github.com/tacmaplabs/tacmap/backend/internal/validate"
)

const (
	sweepInterval      = time.Minute
	maxDeviceInfoKeys  = 16
	maxDeviceInfoValue = 128
)

var (
	// ErrSessionNotFound indicates the requested session id does not exist.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrJoinDisabled indicates the host has closed the session to new players.
	ErrJoinDisabled = errors.New("session: join disabled")
	// ErrSessionFull indicates the session reached its player capacity.
	ErrSessionFull = errors.New("session: full")
	// ErrInvalidDeviceInfo indicates oversize or malformed device metadata.
	ErrInvalidDeviceInfo = errors.New("session: invalid device info")
	// ErrInvalidReconnect indicates a reconnect token that does not resume a
	// live identity in the target session.
	ErrInvalidReconnect = errors.New("session: invalid reconnect token")
)

// Defaults seed the settings of newly created sessions.
type Defaults struct {
	TickHz     int
	MaxPlayers int
	Retention  time.Duration
}

// Config wires the manager's collaborators.
type Config struct {
	Clock       func() time.Time
	IDs         IDProvider
	Logger      *zap.Logger
	Broadcaster Broadcaster
	Tokens      *auth.TokenIssuer
	Archive     *archive.Store // nil disables archiving
	Defaults    Defaults
}

// Manager owns every live session. Sessions are fully independent: the
// manager's lock only guards the registry, never any session's state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Runtime

	clock       func() time.Time
	ids         IDProvider
	logger      *zap.Logger
	broadcaster Broadcaster
	tokens      *auth.TokenIssuer
	archive     *archive.Store
	defaults    Defaults
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("session: token issuer dependency required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDs == nil {
		cfg.IDs = NewUUIDProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Defaults.TickHz <= 0 {
		cfg.Defaults.TickHz = 5
	}
	if cfg.Defaults.MaxPlayers <= 0 {
		cfg.Defaults.MaxPlayers = 32
	}
	if cfg.Defaults.Retention <= 0 {
		cfg.Defaults.Retention = 24 * time.Hour
	}
	return &Manager{
		sessions:    make(map[string]*Runtime),
		clock:       cfg.Clock,
		ids:         cfg.IDs,
		logger:      cfg.Logger,
		broadcaster: cfg.Broadcaster,
		tokens:      cfg.Tokens,
		archive:     cfg.Archive,
		defaults:    cfg.Defaults,
	}, nil
}

// AuthResult is the outcome of a successful authentication.
type AuthResult struct {
	Runtime        *Runtime
	PlayerID       string
	TeamID         string
	ReconnectToken string
	Resumed        bool
}

// Authenticate processes an auth request: host requests create a session,
// join requests enter an existing one, and a valid reconnect token resumes a
// previously issued identity with its position and team intact.
func (m *Manager) Authenticate(req protocol.AuthRequest) (AuthResult, error) {
	callsign, err := validate.Callsign(req.Callsign)
	if err != nil {
		return AuthResult{}, err
	}
	deviceInfo, err := checkDeviceInfo(req.DeviceInfo)
	if err != nil {
		return AuthResult{}, err
	}

	if req.IsHost {
		return m.createSession(callsign, deviceInfo)
	}

	runtime := m.Session(req.SessionID)
	if runtime == nil {
		return AuthResult{}, fmt.Errorf("%w: %q", ErrSessionNotFound, req.SessionID)
	}

	if req.ReconnectToken != "" {
		return m.resume(runtime, req.ReconnectToken)
	}
	return m.join(runtime, callsign, deviceInfo)
}

func (m *Manager) createSession(callsign string, deviceInfo map[string]string) (AuthResult, error) {
	sessionID, err := m.ids.NewID()
	if err != nil {
		return AuthResult{}, err
	}
	settings := state.Settings{
		TickHz:     m.defaults.TickHz,
		AllowJoin:  true,
		MaxPlayers: m.defaults.MaxPlayers,
	}
	runtime := newRuntime(sessionID, settings, m.clock, m.ids, m.logger, m.broadcaster)

	alphaID, err := runtime.addDefaultTeam("Alpha", "#00FF00")
	if err != nil {
		return AuthResult{}, err
	}
	if _, err := runtime.addDefaultTeam("Bravo", "#FF0000"); err != nil {
		return AuthResult{}, err
	}

	playerID, err := m.ids.NewID()
	if err != nil {
		return AuthResult{}, err
	}
	if err := runtime.addPlayer(&state.Player{
		ID:         playerID,
		Callsign:   callsign,
		TeamID:     alphaID,
		Status:     state.StatusConnected,
		DeviceInfo: deviceInfo,
		IsHost:     true,
	}, true); err != nil {
		return AuthResult{}, err
	}

	token, err := m.tokens.Issue(playerID, sessionID)
	if err != nil {
		return AuthResult{}, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = runtime
	m.mu.Unlock()
	go runtime.Run()

	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("host_id", playerID))

	return AuthResult{Runtime: runtime, PlayerID: playerID, TeamID: alphaID, ReconnectToken: token}, nil
}

func (m *Manager) join(runtime *Runtime, callsign string, deviceInfo map[string]string) (AuthResult, error) {
	settings := runtime.Settings()
	if !settings.AllowJoin {
		return AuthResult{}, ErrJoinDisabled
	}

	playerID, err := m.ids.NewID()
	if err != nil {
		return AuthResult{}, err
	}
	if err := runtime.addPlayer(&state.Player{
		ID:         playerID,
		Callsign:   callsign,
		Status:     state.StatusConnected,
		DeviceInfo: deviceInfo,
	}, false); err != nil {
		return AuthResult{}, err
	}

	token, err := m.tokens.Issue(playerID, runtime.ID())
	if err != nil {
		return AuthResult{}, err
	}

	m.logger.Info("player joined",
		zap.String("session_id", runtime.ID()),
		zap.String("player_id", playerID),
		zap.String("callsign", callsign))

	return AuthResult{Runtime: runtime, PlayerID: playerID, ReconnectToken: token}, nil
}

func (m *Manager) resume(runtime *Runtime, token string) (AuthResult, error) {
	playerID, err := m.tokens.Validate(token, runtime.ID())
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrInvalidReconnect, err)
	}
	if err := runtime.MarkConnected(playerID); err != nil {
		return AuthResult{}, fmt.Errorf("%w: player no longer present", ErrInvalidReconnect)
	}

	fresh, err := m.tokens.Issue(playerID, runtime.ID())
	if err != nil {
		return AuthResult{}, err
	}

	m.logger.Info("player resumed",
		zap.String("session_id", runtime.ID()),
		zap.String("player_id", playerID))

	return AuthResult{
		Runtime:        runtime,
		PlayerID:       playerID,
		TeamID:         runtime.TeamOf(playerID),
		ReconnectToken: fresh,
		Resumed:        true,
	}, nil
}

// Session returns the runtime for the given id, or nil.
func (m *Manager) Session(id string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Stats summarizes live sessions for the diagnostics endpoint.
type Stats struct {
	Sessions  int `json:"sessions"`
	Players   int `json:"players"`
	Connected int `json:"connected"`
}

// Snapshot of manager-wide counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.sessions))
	for _, runtime := range m.sessions {
		runtimes = append(runtimes, runtime)
	}
	m.mu.RUnlock()

	stats := Stats{Sessions: len(runtimes)}
	for _, runtime := range runtimes {
		players, connected := runtime.counts()
		stats.Players += players
		stats.Connected += connected
	}
	return stats
}

// RunSweeper drives marker expiry and the session retention sweep until the
// stop channel closes.
func (m *Manager) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.sessions))
	for _, runtime := range m.sessions {
		runtimes = append(runtimes, runtime)
	}
	m.mu.RUnlock()

	cutoff := now.Add(-m.defaults.Retention)
	for _, runtime := range runtimes {
		runtime.expireMarkers(now)
		if runtime.idleSince(cutoff) {
			m.teardown(runtime, now)
		}
	}

	if m.archive != nil {
		if err := m.archive.Purge(cutoff); err != nil {
			m.logger.Warn("archive purge failed", zap.Error(err))
		}
	}
}

// Close tears down every session, archiving each. Used at server shutdown.
func (m *Manager) Close() {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.sessions))
	for _, runtime := range m.sessions {
		runtimes = append(runtimes, runtime)
	}
	m.mu.RUnlock()

	now := m.clock()
	for _, runtime := range runtimes {
		m.teardown(runtime, now)
	}
}

func (m *Manager) teardown(runtime *Runtime, now time.Time) {
	runtime.Close()

	m.mu.Lock()
	delete(m.sessions, runtime.ID())
	m.mu.Unlock()

	if m.archive != nil {
		record, messages := runtime.archiveData(now)
		if err := m.archive.RecordSession(record, messages); err != nil {
			m.logger.Warn("session archive failed",
				zap.String("session_id", runtime.ID()),
				zap.Error(err))
		}
	}

	m.logger.Info("session torn down", zap.String("session_id", runtime.ID()))
}

func checkDeviceInfo(info map[string]string) (map[string]string, error) {
	if info == nil {
		return map[string]string{}, nil
	}
	if len(info) > maxDeviceInfoKeys {
		return nil, fmt.Errorf("%w: too many entries", ErrInvalidDeviceInfo)
	}
	for key, value := range info {
		if len(key) == 0 || len(key) > maxDeviceInfoValue || len(value) > maxDeviceInfoValue {
			return nil, fmt.Errorf("%w: oversize entry", ErrInvalidDeviceInfo)
		}
	}
	return info, nil
}
