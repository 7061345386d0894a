package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/busrpc/internal/metrics"
)

// sessionRecord tracks one streaming session. The record-level mutex
// serializes concurrent StreamSend calls on the same session so the routing
// key and message count stay consistent.
type sessionRecord struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	messageCount int64
	active       bool
}

// SessionView is the read-only projection handed to callers.
type SessionView struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int64
	Active       bool
}

// SessionManager owns the session table: lifecycle, concurrency cap, idle
// reaping, and custody of the routing key (the session id itself).
type SessionManager struct {
	capacity int
	metrics  *metrics.Registry

	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

// NewSessionManager creates a manager with a hard cap on active sessions.
func NewSessionManager(capacity int, reg *metrics.Registry) *SessionManager {
	return &SessionManager{
		capacity: capacity,
		metrics:  reg,
		sessions: make(map[string]*sessionRecord),
	}
}

// create inserts a fresh active session and returns its id.
func (s *SessionManager) create() (string, error) {
	rec := &sessionRecord{
		id:           uuid.NewString(),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		active:       true,
	}
	s.mu.Lock()
	if s.activeCountLocked() >= s.capacity {
		s.mu.Unlock()
		return "", ErrCapacityExceeded
	}
	s.sessions[rec.id] = rec
	s.mu.Unlock()
	s.metrics.RecordSessionCreated()
	return rec.id, nil
}

// get returns a read-only view of an active session.
func (s *SessionManager) get(id string) (SessionView, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.active {
		return SessionView{}, ErrSessionClosed
	}
	return SessionView{
		ID:           rec.id,
		CreatedAt:    rec.createdAt,
		LastActivity: rec.lastActivity,
		MessageCount: rec.messageCount,
		Active:       rec.active,
	}, nil
}

// recordActivity bumps the message count and activity clock of an active
// session.
func (s *SessionManager) recordActivity(id string) error {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.active {
		return ErrSessionClosed
	}
	rec.messageCount++
	rec.lastActivity = time.Now()
	return nil
}

// deactivate flips active -> closed. Whoever flips first owns teardown; a
// losing racer sees ErrSessionClosed.
func (s *SessionManager) deactivate(id string) error {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	rec.mu.Lock()
	if !rec.active {
		rec.mu.Unlock()
		return ErrSessionClosed
	}
	rec.active = false
	rec.mu.Unlock()
	s.metrics.RecordSessionCompleted()
	return nil
}

// remove drops a closed session record entirely.
func (s *SessionManager) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// routingKey returns the value fed to the broker's queue selector. It is the
// session id itself, stable for the session's lifetime.
func (s *SessionManager) routingKey(id string) (string, error) {
	view, err := s.get(id)
	if err != nil {
		return "", err
	}
	return view.ID, nil
}

// reap deactivates and removes sessions idle for longer than threshold and
// returns their ids so the caller can fail their pending waiters.
func (s *SessionManager) reap(threshold time.Duration) []string {
	now := time.Now()
	s.mu.RLock()
	candidates := make([]*sessionRecord, 0)
	for _, rec := range s.sessions {
		candidates = append(candidates, rec)
	}
	s.mu.RUnlock()

	var reaped []string
	for _, rec := range candidates {
		rec.mu.Lock()
		idle := rec.active && now.Sub(rec.lastActivity) >= threshold
		if idle {
			rec.active = false
		}
		rec.mu.Unlock()
		if idle {
			s.metrics.RecordSessionCompleted()
			s.remove(rec.id)
			reaped = append(reaped, rec.id)
			log.Debug().Str("session_id", rec.id).Dur("threshold", threshold).Msg("session reaped")
		}
	}
	return reaped
}

// deactivateAll closes every active session at shutdown and returns their
// ids.
func (s *SessionManager) deactivateAll() []string {
	s.mu.Lock()
	drained := s.sessions
	s.sessions = make(map[string]*sessionRecord)
	s.mu.Unlock()

	var closed []string
	for id, rec := range drained {
		rec.mu.Lock()
		wasActive := rec.active
		rec.active = false
		rec.mu.Unlock()
		if wasActive {
			s.metrics.RecordSessionCompleted()
			closed = append(closed, id)
		}
	}
	return closed
}

// count returns the number of session records, active or closed.
func (s *SessionManager) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionManager) activeCountLocked() int {
	active := 0
	for _, rec := range s.sessions {
		rec.mu.Lock()
		if rec.active {
			active++
		}
		rec.mu.Unlock()
	}
	return active
}

// newSenderID generates the per-client sender identity.
func newSenderID() string {
	return uuid.NewString()
}
