// Package session keeps client views in sync about which operation kinds
// are active. It is a soft liveness signal layered over the operations
// registry: sessions heartbeat, stale sessions are treated as absent, and
// every attach reconciles against registry status.
package session

import (
	"sync"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
)

const (
	DefaultStaleAfter        = 2 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second

	// OwnerServer marks sessions created by the server itself, either for
	// operations started without a client session or during reconciliation.
	OwnerServer = "server"
)

// Session is one client's claim that an operation of Kind is running.
type Session struct {
	ID            string          `json:"session_id"`
	Kind          operations.Kind `json:"kind"`
	Owner         string          `json:"owner"`
	Descriptor    string          `json:"descriptor,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// Stale reports whether the last heartbeat is older than threshold.
func (s Session) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > threshold
}

// Store holds at most one session per kind.
type Store struct {
	mu         sync.Mutex
	sessions   map[operations.Kind]Session
	staleAfter time.Duration
}

// NewStore creates an empty store. A non-positive staleAfter selects
// DefaultStaleAfter.
func NewStore(staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{sessions: make(map[operations.Kind]Session), staleAfter: staleAfter}
}

// StaleAfter returns the staleness threshold.
func (s *Store) StaleAfter() time.Duration { return s.staleAfter }

// Put stores sess, replacing whatever was stored for its kind.
func (s *Store) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Kind] = sess
}

// Claim stores sess unless a live session with a different ID holds the
// kind. It reports whether sess was stored.
func (s *Store) Claim(sess Session, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.Kind]; ok && cur.ID != sess.ID && !cur.Stale(now, s.staleAfter) {
		return false
	}
	s.sessions[sess.Kind] = sess
	return true
}

// Touch refreshes the heartbeat of the session with the given ID. It
// reports false if kind is held by another session or by none.
func (s *Store) Touch(kind operations.Kind, id string, now time.Time) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[kind]
	if !ok || cur.ID != id {
		return Session{}, false
	}
	cur.LastHeartbeat = now
	s.sessions[kind] = cur
	return cur, true
}

// Remove deletes the session of kind. A non-empty id must match the stored
// session. It returns the removed session.
func (s *Store) Remove(kind operations.Kind, id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[kind]
	if !ok || (id != "" && cur.ID != id) {
		return Session{}, false
	}
	delete(s.sessions, kind)
	return cur, true
}

// Get returns the stored session of kind, stale or not.
func (s *Store) Get(kind operations.Kind) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[kind]
	return cur, ok
}

// Live returns the session of kind unless it is missing or stale.
func (s *Store) Live(kind operations.Kind, now time.Time) (Session, bool) {
	cur, ok := s.Get(kind)
	if !ok || cur.Stale(now, s.staleAfter) {
		return Session{}, false
	}
	return cur, true
}
