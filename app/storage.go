package app

import (
	"context"
	"sync"
	"time"
)

// Recognised session keys.
const (
	KeyCodeVerifier = "code_verifier"
	KeyOAuthState   = "oauth_state"
	KeyRefreshToken = "refresh_token"
	KeyIDToken      = "id_token"
)

// SessionStore is the server-side key/value storage behind browser sessions.
// Absent keys and unknown sessions read as "" with a nil error; errors only
// signal a backend failure.
type SessionStore interface {
	Get(ctx context.Context, sessionID, key string) (string, error)
	Put(ctx context.Context, sessionID, key, value string) error
	Delete(ctx context.Context, sessionID, key string) error
	Clear(ctx context.Context, sessionID string) error
	Health(ctx context.Context) error
}

type memorySession struct {
	values   map[string]string
	lastSeen time.Time
}

// InMemoryStore keeps session values in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	idle     time.Duration
	now      func() time.Time
}

var _ SessionStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs the store. Sessions untouched for longer than
// idle are dropped; idle <= 0 disables expiry.
func NewInMemoryStore(idle time.Duration) *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*memorySession),
		idle:     idle,
		now:      time.Now,
	}
}

// Get returns the value stored under key, or "" when absent.
func (s *InMemoryStore) Get(_ context.Context, sessionID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(sessionID)
	if sess == nil {
		return "", nil
	}
	sess.lastSeen = s.now()
	return sess.values[key], nil
}

// Put stores value under key, creating the session on first write.
func (s *InMemoryStore) Put(_ context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(sessionID)
	if sess == nil {
		sess = &memorySession{values: make(map[string]string)}
		s.sessions[sessionID] = sess
	}
	sess.values[key] = value
	sess.lastSeen = s.now()
	return nil
}

// Delete removes a single key.
func (s *InMemoryStore) Delete(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.live(sessionID); sess != nil {
		delete(sess.values, key)
		sess.lastSeen = s.now()
	}
	return nil
}

// Clear drops the whole session.
func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Health always succeeds for the in-memory backend.
func (s *InMemoryStore) Health(context.Context) error {
	return nil
}

// Len reports the number of live sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes idle sessions and returns how many were dropped.
func (s *InMemoryStore) Sweep() int {
	if s.idle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.idle)
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (s *InMemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if s.idle <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// live returns the session if present and not idle-expired. Callers hold mu.
func (s *InMemoryStore) live(sessionID string) *memorySession {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.idle > 0 && s.now().Sub(sess.lastSeen) > s.idle {
		delete(s.sessions, sessionID)
		return nil
	}
	return sess
}
