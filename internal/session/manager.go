package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Transport names the bridge a session runs on.
type Transport string

const (
	TransportRelay  Transport = "relay"
	TransportWebRTC Transport = "webrtc"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrEnded is the close cause for sessions ended through the manager.
	ErrEnded = errors.New("session ended by operator")
	// ErrInactive is the close cause for sessions reaped by the janitor.
	ErrInactive = errors.New("session inactive")
)

// Closer is anything the manager can end; *Gate satisfies it.
type Closer interface {
	Close(cause error) bool
}

// Session is a snapshot of a tracked session.
type Session struct {
	ID             string    `json:"session_id"`
	Transport      Transport `json:"transport"`
	CallerID       string    `json:"caller_id,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	Session
	closer Closer
}

// Manager tracks live sessions for listing, operator shutdown and inactivity
// reaping. Bridges register on start and remove themselves on close; nothing in
// a bridge's correctness depends on the manager.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register starts tracking a session under id.
func (m *Manager) Register(id string, transport Transport, callerID string, c Closer) Session {
	now := time.Now().UTC()
	e := &entry{
		Session: Session{
			ID:             id,
			Transport:      transport,
			CallerID:       callerID,
			State:          StateAwaitingConfig.String(),
			StartedAt:      now,
			LastActivityAt: now,
		},
		closer: c,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = e
	return e.Session
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.Session, nil
}

func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) SetState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.State = state.String()
		e.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) SetVoice(id, voice string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.Voice = voice
	}
}

// Remove stops tracking id. Safe to call for unknown ids.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// End closes the session with ErrEnded and stops tracking it.
func (m *Manager) End(id string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	if e.closer != nil {
		e.closer.Close(ErrEnded)
	}
	s := e.Session
	s.State = StateClosed.String()
	return s, nil
}

// List returns snapshots ordered by start time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.Session)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.closer != nil {
			e.closer.Close(ErrInactive)
		}
		if hook != nil {
			s := e.Session
			s.State = StateClosed.String()
			hook(s)
		}
	}
}
