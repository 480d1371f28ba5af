// Package mcpsession implements the MCP session manager (component E):
// it owns (transport, server, accounting) triples, mints SessionIds
// independent of any bearer token, and idle-evicts sessions that have no
// in-flight requests.
package mcpsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbgate/dbgate/protocol"
)

var (
	// ErrNotFound is returned by Get/Begin when the session does not
	// exist or is already closing.
	ErrNotFound = errors.New("mcpsession: session not found or expired")
)

const (
	defaultStaleTimeout     = 30 * time.Minute
	defaultCleanupInterval  = time.Minute
)

// Session is a single MCP session: a transport/server pair plus the
// accounting state the manager needs to serialize lifecycle transitions.
type Session struct {
	ID        string
	PoolKey   string
	CreatedAt time.Time

	mu             sync.Mutex
	server         protocol.Server
	transport      protocol.Transport
	lastAccessedAt time.Time
	activeRequests int
	isClosing      bool
}

// Transport returns the session's transport for dispatching a request.
func (s *Session) Transport() protocol.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// ActiveRequests reports the current in-flight request count, for tests
// and diagnostics.
func (s *Session) ActiveRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequests
}

// Config controls the manager's idle-eviction policy.
type Config struct {
	StaleTimeout     time.Duration
	CleanupInterval  time.Duration
}

// Manager owns the SessionId -> Session map.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager, substituting the documented defaults (30
// minute stale timeout, 1 minute sweep interval) for any zero field.
func New(cfg Config, log *slog.Logger) *Manager {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Create mints a SessionId, uses newTransport to build a transport bound to
// that id, connects server to it, registers a close hook that invokes
// Close(id) at most once, and stores the resulting Session.
func (m *Manager) Create(server protocol.Server, poolKey string, newTransport func(id string) protocol.Transport) (*Session, error) {
	id := uuid.NewString()
	transport := newTransport(id)

	if err := server.Connect(transport); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:             id,
		PoolKey:        poolKey,
		CreatedAt:      now,
		server:         server,
		transport:      transport,
		lastAccessedAt: now,
	}

	var closeOnce sync.Once
	transport.OnClose(func() {
		closeOnce.Do(func() { m.Close(id) })
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get returns the session for id if it exists and is not closing, touching
// its last-accessed timestamp.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.isClosing {
		return nil, ErrNotFound
	}
	sess.lastAccessedAt = m.now()
	return sess, nil
}

// Begin marks the start of an in-flight request against id.
func (m *Manager) Begin(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.isClosing {
		return ErrNotFound
	}
	sess.activeRequests++
	return nil
}

// End marks the end of an in-flight request against id. It is a no-op for
// an unknown id (the session may have been closed mid-request) and never
// lets the counter go negative.
func (m *Manager) End(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.activeRequests > 0 {
		sess.activeRequests--
	}
}

// Close closes the session identified by id: transport then server, with
// errors logged and swallowed, then deletes the entry. It returns false if
// the session was absent or already closing.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	if sess.isClosing {
		sess.mu.Unlock()
		return false
	}
	sess.isClosing = true
	transport := sess.transport
	server := sess.server
	sess.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.log.Warn("mcpsession.transport.close.fail", slog.String("id", id), slog.String("err", err.Error()))
		}
	}
	if server != nil {
		if err := server.Close(); err != nil {
			m.log.Warn("mcpsession.server.close.fail", slog.String("id", id), slog.String("err", err.Error()))
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return true
}

// CloseByPoolKey closes every session bound to key; used when a token dies
// so its per-token pool is not left referenced by any session.
func (m *Manager) CloseByPoolKey(key string) {
	m.mu.Lock()
	var ids []string
	for id, sess := range m.sessions {
		if sess.PoolKey == key {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Stats reports the total session count and how many are past the stale
// threshold (for diagnostics; the sweeper uses its own check that also
// accounts for active requests).
type Stats struct {
	Total int
	Stale int
}

func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Total: len(m.sessions)}
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if now.Sub(sess.lastAccessedAt) > m.cfg.StaleTimeout {
			s.Stale++
		}
		sess.mu.Unlock()
	}
	return s
}

// Run starts the idle-eviction sweeper, which closes sessions with no
// in-flight requests that have been idle past StaleTimeout. It blocks
// until ctx is canceled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop terminates the sweeper started by Run. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	var toClose []string
	for id, sess := range m.sessions {
		sess.mu.Lock()
		idle := !sess.isClosing && sess.activeRequests == 0 && now.Sub(sess.lastAccessedAt) > m.cfg.StaleTimeout
		sess.mu.Unlock()
		if idle {
			toClose = append(toClose, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toClose {
		m.Close(id)
	}
}

// Shutdown cancels the sweeper then closes every remaining session.
func (m *Manager) Shutdown() {
	m.Stop()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}
