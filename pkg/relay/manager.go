package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BackendDialer opens one AI backend session per relay session.
type BackendDialer interface {
	DialBackend(ctx context.Context) (Backend, error)
}

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	Dialer      BackendDialer
	Transferrer Transferrer
	MaxSessions int // 0 = unlimited
	Logger      *slog.Logger
}

// Manager accepts telephony websocket connections and runs one relay
// session per connection. Sessions are independent and share no state.
type Manager struct {
	dialer      BackendDialer
	transferrer Transferrer
	maxSessions int
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		dialer:      cfg.Dialer,
		transferrer: cfg.Transferrer,
		maxSessions: cfg.MaxSessions,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			// Twilio's media stream client sends no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// HandleMediaStream upgrades the request to a websocket and relays the
// media stream until the call ends. A backend connection failure is fatal
// for this call only: the telephony connection is closed without a relay.
func (m *Manager) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	if !m.acquireSlot() {
		m.logger.Warn("rejecting media stream, session limit reached", "limit", m.maxSessions)
		http.Error(w, "too many active sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := m.logger.With("sessionID", id)
	logger.Info("telephony connection established")

	backend, err := m.dialer.DialBackend(r.Context())
	if err != nil {
		// Single attempt per session, no retry.
		logger.Error("failed to open AI backend session, dropping call", "error", err)
		conn.Close()
		return
	}

	sess := NewSession(SessionConfig{
		ID:          id,
		Conn:        conn,
		Backend:     backend,
		Transferrer: m.transferrer,
		Logger:      logger,
	})

	if !m.add(id, sess) {
		// Manager shut down while we were connecting.
		sess.Shutdown()
		return
	}
	defer m.remove(id)

	sess.Run(r.Context())
}

// ActiveSessions returns the number of relay sessions currently running.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close shuts down all in-flight sessions. New connections are rejected
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		s.Shutdown()
	}
}

func (m *Manager) acquireSlot() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	return m.maxSessions <= 0 || len(m.sessions) < m.maxSessions
}

func (m *Manager) add(id string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[id] = s
	return true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
