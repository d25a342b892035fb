package service

import (
	"context"
	"log"
	"sync"
	"time"
)

// PendingStateTTL bounds how long an authorization attempt may sit between
// redirect and callback.
const PendingStateTTL = 10 * time.Minute

// PendingAuth correlates one in-flight authorization attempt. Keyed by the
// unguessable state value handed to the provider.
type PendingAuth struct {
	UserID    string
	Nonce     string
	Verifier  string // PKCE code verifier
	CreatedAt time.Time
}

// PendingAuthStore is single-use, TTL'd, in-memory correlation storage for
// OAuth state. Process-local: in a multi-instance deployment this would
// need to move to a shared keyed cache so callbacks can land on any
// instance.
type PendingAuthStore struct {
	mu      sync.Mutex
	entries map[string]PendingAuth
}

func NewPendingAuthStore() *PendingAuthStore {
	return &PendingAuthStore{
		entries: make(map[string]PendingAuth),
	}
}

// Put stores a pending attempt under its state value
func (s *PendingAuthStore) Put(state string, auth PendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = auth
}

// Consume removes and returns the attempt for state. Single use: a second
// call with the same state misses, as does any call after the TTL.
func (s *PendingAuthStore) Consume(state string) (PendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.entries[state]
	if !ok {
		return PendingAuth{}, false
	}
	delete(s.entries, state)

	if time.Since(auth.CreatedAt) > PendingStateTTL {
		return PendingAuth{}, false
	}

	return auth, true
}

// Sweep drops entries older than the TTL and returns how many were removed
func (s *PendingAuthStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, auth := range s.entries {
		if time.Since(auth.CreatedAt) > PendingStateTTL {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// StartSweeper sweeps stale entries periodically until the context ends
func (s *PendingAuthStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				log.Printf("Swept %d stale pending authorization state(s)", removed)
			}
		}
	}
}
