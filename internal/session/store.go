// Package session keeps ephemeral per-user conversation state: pending
// retry input, in-progress settings choices and the per-user processing
// lock. Nothing here survives a restart.
package session

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	values  map[string]string
	touched time.Time

	lock    sync.Mutex
	holders int
}

// Store holds one session per user id. Sessions idle for longer than the
// TTL are treated as empty and dropped by Sweep.
type Store struct {
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewStore creates a Store whose sessions expire after ttl of inactivity.
// A ttl of zero disables expiry.
func NewStore(ttl time.Duration) *Store {
	return NewStoreWithClock(realClock{}, ttl)
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(clock Clock, ttl time.Duration) *Store {
	return &Store{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[int64]*entry),
	}
}

// Open returns the session handle for userID. Handles are cheap; every
// call for the same user addresses the same state.
func (s *Store) Open(userID int64) *Session {
	return &Session{store: s, userID: userID}
}

// Lock serialises processing for one user and returns the unlock func.
// Handlers hold it for the whole read-modify-write of that user's history.
func (s *Store) Lock(userID int64) (unlock func()) {
	s.mu.Lock()
	e := s.entryLocked(userID)
	e.holders++
	s.mu.Unlock()

	e.lock.Lock()
	return func() {
		e.lock.Unlock()
		s.mu.Lock()
		e.holders--
		s.mu.Unlock()
	}
}

// Sweep drops expired, unlocked sessions and returns how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, e := range s.entries {
		if e.holders > 0 || now.Before(e.touched.Add(s.ttl)) {
			continue
		}
		delete(s.entries, id)
		removed++
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// entryLocked returns the live entry for userID, resetting expired values.
// Caller holds s.mu.
func (s *Store) entryLocked(userID int64) *entry {
	now := s.clock.Now()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{values: make(map[string]string)}
		s.entries[userID] = e
	} else if s.ttl > 0 && !now.Before(e.touched.Add(s.ttl)) {
		e.values = make(map[string]string)
	}
	e.touched = now
	return e
}

// Session is a handle on one user's state.
type Session struct {
	store  *Store
	userID int64
}

// UserID returns the user this session belongs to.
func (s *Session) UserID() int64 {
	return s.userID
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, bool) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	v, ok := s.store.entryLocked(s.userID).values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.entryLocked(s.userID).values[key] = value
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.entryLocked(s.userID).values, key)
}

// Snapshot returns a copy of every value in the session.
func (s *Session) Snapshot() map[string]string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	values := s.store.entryLocked(s.userID).values
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// Clear removes every value in the session.
func (s *Session) Clear() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.entryLocked(s.userID).values = make(map[string]string)
}
