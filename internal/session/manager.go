// Package session owns the table of live call sessions: their status state
// machine, activity timestamps, the silence timeout and the terminal-state
// garbage collection.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Timer defaults. A session that stays in_progress without activity for
// SilenceTimeout is transitioned to timeout; terminal sessions older than
// StaleAfter are removed on the next sweep.
const (
	DefaultSilenceTimeout = 3 * time.Minute
	DefaultStaleAfter     = 10 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// ManagerConfig holds the tunables and dependencies of a [Manager]. Zero
// durations select the defaults above.
type ManagerConfig struct {
	SilenceTimeout time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration

	// OnTimeout is invoked (outside the table lock) for every session the
	// silence timer transitions to timeout, so the caller can tear down the
	// call. May be nil.
	OnTimeout func(sessionID string)

	Logger *slog.Logger
}

// Manager is the session table. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts its sweep goroutine.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create inserts a new session in status pending and returns a snapshot.
func (m *Manager) Create(p Params) Session {
	now := time.Now()
	s := &Session{
		ID:           p.ID,
		CallID:       p.CallID,
		ChatbotID:    p.ChatbotID,
		CompanyID:    p.CompanyID,
		EndUserID:    p.EndUserID,
		Source:       p.Source,
		Provider:     p.Provider,
		Status:       StatusPending,
		StartedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session created",
		"session_id", s.ID, "chatbot_id", s.ChatbotID, "source", s.Source)
	return *s
}

// Get returns a snapshot of the session, if present.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// UpdateStatus sets the session status and touches lastActivity. Terminal
// sessions never transition again; missing sessions are a no-op.
func (m *Manager) UpdateStatus(sessionID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.IsTerminal() {
		return
	}
	s.Status = status
	s.LastActivity = time.Now()
}

// Touch updates lastActivity only. Missing sessions are a no-op.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// End removes the session from the table. Missing sessions are a no-op.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		m.log.Info("session ended", "session_id", sessionID)
	}
}

// ActiveIDs returns the ids of all non-terminal sessions.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of non-terminal sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// CompanySessions returns snapshots of all sessions owned by a company.
func (m *Manager) CompanySessions(companyID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.CompanyID == companyID {
			out = append(out, *s)
		}
	}
	return out
}

// ChatbotSessions returns snapshots of all sessions of a chatbot.
func (m *Manager) ChatbotSessions(chatbotID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.ChatbotID == chatbotID {
			out = append(out, *s)
		}
	}
	return out
}

// Shutdown stops the sweep goroutine and clears the table. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// sweepLoop runs the silence timeout and the stale-session GC on one ticker.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep transitions silent in_progress sessions to timeout and removes
// terminal sessions past the staleness horizon.
func (m *Manager) sweep(now time.Time) {
	var timedOut []string

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusInProgress && now.Sub(s.LastActivity) >= m.cfg.SilenceTimeout:
			s.Status = StatusTimeout
			timedOut = append(timedOut, id)
		case s.Status.IsTerminal() && now.Sub(s.LastActivity) >= m.cfg.StaleAfter:
			delete(m.sessions, id)
		}
	}
	onTimeout := m.cfg.OnTimeout
	m.mu.Unlock()

	for _, id := range timedOut {
		m.log.Warn("session silence timeout", "session_id", id)
		if onTimeout != nil {
			onTimeout(id)
		}
	}
}
