package purchase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/giftswap/internal/metrics"
)

// Manager owns the in-memory sessions of a process. Sessions are not
// persisted; a restart forgets them.
type Manager struct {
	deps     Deps
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
	onChange func(View)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithViewObserver forwards every session's published views to fn.
func WithViewObserver(fn func(View)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

// WithManagerClock overrides the clock used for idle eviction.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(deps Deps, policy Policy, opts ...ManagerOption) *Manager {
	deps = deps.withDefaults()
	m := &Manager{
		deps:     deps,
		policy:   policy.withDefaults(),
		logger:   deps.Logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session.
func (m *Manager) Create() *Session {
	id := uuid.NewString()
	opts := []SessionOption{}
	if m.onChange != nil {
		opts = append(opts, WithObserver(m.onChange))
	}
	s := NewSession(id, m.deps, m.policy, opts...)

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("purchase session created", "session_id", id)
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close stops and forgets a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	metrics.ActiveSessions.Set(float64(n))
	return nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict closes sessions that have sat in Form, Success or Error for
// longer than the session TTL. Sessions with an escrow in flight are
// never evicted.
func (m *Manager) Evict() int {
	cutoff := m.now().Add(-m.policy.SessionTTL)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		v := s.View()
		idle := v.Phase == PhaseForm || v.Phase.Terminal()
		if idle && v.UpdatedAt.Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		m.logger.Info("evicted idle purchase sessions", "count", len(stale))
	}
	return len(stale)
}

// Run evicts idle sessions periodically until ctx ends, then closes every
// remaining session.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	metrics.ActiveSessions.Set(0)
}
