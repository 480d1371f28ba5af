// Package token implements the bearer-credential plane (component D):
// minting, validating, revoking and expiring tokens, each bound to a
// DatabaseConfig, with admission control against a global session cap and a
// cleanup callback invoked exactly once per token's lifetime.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbgate/dbgate/dbpool"
)

// Errors returned by Validate and Create. Callers map these to the HTTP/
// JSON-RPC shapes documented in spec §7.
var (
	ErrInvalidFormat = errors.New("invalid token format")
	ErrNotFound      = errors.New("token not found or expired")
	ErrExpired       = errors.New("token expired")
	ErrMaxSessions   = errors.New("maximum concurrent sessions reached")
)

const (
	tokenEntropyBytes  = 32 // 256 bits
	defaultTTL         = time.Hour
	maxTTL             = 24 * time.Hour
	minTTL             = time.Second
	sweepInterval      = time.Minute
)

// Session is a minted token bound to a DatabaseConfig.
type Session struct {
	Token        string
	Config       dbpool.DatabaseConfig
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	McpSessionID string
}

// Stats summarizes the manager's current population.
type Stats struct {
	Total   int
	Active  int
	Expired int
}

// CleanupFunc is invoked exactly once per token, when it dies by expiry,
// revocation, or shutdown. The orchestrator wires this to the pool
// registry's Close method.
type CleanupFunc func(token string)

// Manager owns the token -> Session map.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	defaultTTL  time.Duration
	cleanup     CleanupFunc
	log         *slog.Logger
	now         func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config controls the manager's admission cap and default TTL.
type Config struct {
	MaxSessions int
	DefaultTTL  time.Duration
}

// New constructs a Manager. Call SetCleanupCallback before any token can be
// created if pool teardown must happen on expiry/revocation.
func New(cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: cfg.MaxSessions,
		defaultTTL:  cfg.DefaultTTL,
		log:         log,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// SetCleanupCallback registers fn to run exactly once per token death. It
// is a plain function reference, not a dynamic registration list, so it can
// never be invoked twice for the same unregistration path (§9).
func (m *Manager) SetCleanupCallback(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = fn
}

// CanCreate is the advisory pre-check used by the HTTP layer to prefer a
// 503 response over racing into a 500. It is not authoritative; Create
// re-checks the cap atomically.
func (m *Manager) CanCreate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) < m.maxSessions
}

// Create mints a token bound to cfg. ttl, if non-zero, is clamped to
// [minTTL, maxTTL]; zero means "use the manager's default TTL" (itself
// clamped the same way).
func (m *Manager) Create(cfg dbpool.DatabaseConfig, ttl time.Duration) (*Session, error) {
	tok, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("token: mint: %w", err)
	}

	now := m.now()
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = m.defaultTTL
	}
	if effectiveTTL > maxTTL {
		effectiveTTL = maxTTL
	}
	if effectiveTTL < minTTL {
		effectiveTTL = minTTL
	}

	sess := &Session{
		Token:      tok,
		Config:     cfg,
		CreatedAt:  now,
		ExpiresAt:  now.Add(effectiveTTL),
		LastUsedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxSessions {
		return nil, ErrMaxSessions
	}
	m.sessions[tok] = sess
	return sess, nil
}

// Validate looks up tok, rejecting empty input, missing tokens, and expired
// tokens (deleting the latter and invoking the cleanup callback).
func (m *Manager) Validate(tok string) (*Session, error) {
	if tok == "" {
		return nil, ErrInvalidFormat
	}

	m.mu.Lock()
	sess, ok := m.sessions[tok]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	now := m.now()
	if now.After(sess.ExpiresAt) {
		delete(m.sessions, tok)
		cleanup := m.cleanup
		m.mu.Unlock()
		if cleanup != nil {
			cleanup(tok)
		}
		return nil, ErrExpired
	}

	sess.LastUsedAt = now
	m.mu.Unlock()
	return sess, nil
}

// Revoke deletes tok if present and invokes the cleanup callback. It
// reports whether a session was actually deleted.
func (m *Manager) Revoke(tok string) bool {
	m.mu.Lock()
	_, ok := m.sessions[tok]
	if ok {
		delete(m.sessions, tok)
	}
	cleanup := m.cleanup
	m.mu.Unlock()

	if ok && cleanup != nil {
		cleanup(tok)
	}
	return ok
}

// Attach records the MCP session id created for tok. Last write wins on
// repeat calls (§9 open question, resolved as last-write-wins to match the
// upstream reference behaviour).
func (m *Manager) Attach(tok string, mcpSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[tok]
	if !ok {
		return ErrNotFound
	}
	sess.McpSessionID = mcpSessionID
	return nil
}

// Stats reports the current population split by active/expired.
func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Total: len(m.sessions)}
	for _, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// Run starts the background expiry sweeper, which runs every minute,
// deleting expired tokens and invoking the cleanup callback for each. It
// blocks until ctx is canceled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
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

// Stop terminates the background sweeper started by Run. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for tok, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, tok)
			delete(m.sessions, tok)
		}
	}
	cleanup := m.cleanup
	m.mu.Unlock()

	if cleanup == nil {
		return
	}
	for _, tok := range expired {
		cleanup(tok)
	}
}

// Shutdown cancels the sweeper, invokes the cleanup callback for every
// remaining token, and clears the map.
func (m *Manager) Shutdown() {
	m.Stop()

	m.mu.Lock()
	toks := make([]string, 0, len(m.sessions))
	for tok := range m.sessions {
		toks = append(toks, tok)
	}
	cleanup := m.cleanup
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if cleanup == nil {
		return
	}
	for _, tok := range toks {
		cleanup(tok)
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
