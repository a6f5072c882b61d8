package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/votechain/core"
)

// MemoryStore is an in-memory challenge and session store.
// Expiry is evaluated lazily against the injected clock.
type MemoryStore struct {
	challenges map[core.Identity]core.Challenge
	sessions   map[string]memorySession
	now        func() time.Time
	mu         sync.Mutex
}

type memorySession struct {
	session   core.VoterSession
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		challenges: make(map[core.Identity]core.Challenge),
		sessions:   make(map[string]memorySession),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveChallenge stores a challenge, replacing any previous one
func (s *MemoryStore) SaveChallenge(ctx context.Context, c *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[c.Identity] = *c
	return nil
}

// GetChallenge returns the live challenge for identity
func (s *MemoryStore) GetChallenge(ctx context.Context, identity core.Identity) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveChallenge(identity)
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	return &c, nil
}

// IncrementAttempts bumps the attempt counter under the store lock
func (s *MemoryStore) IncrementAttempts(ctx context.Context, identity core.Identity, challengeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveChallenge(identity)
	if !ok || c.ID != challengeID {
		return 0, core.ErrChallengeNotFound
	}

	c.Attempts++
	s.challenges[identity] = c
	return c.Attempts, nil
}

// DeleteChallenge removes the challenge if its id still matches
func (s *MemoryStore) DeleteChallenge(ctx context.Context, identity core.Identity, challengeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[identity]
	if !ok || c.ID != challengeID {
		return false, nil
	}
	delete(s.challenges, identity)
	return true, nil
}

// liveChallenge must be called with the lock held
func (s *MemoryStore) liveChallenge(identity core.Identity) (core.Challenge, bool) {
	c, ok := s.challenges[identity]
	if !ok {
		return core.Challenge{}, false
	}
	if c.Expired(s.now()) {
		delete(s.challenges, identity)
		return core.Challenge{}, false
	}
	return c, true
}

// CreateSession stores a new session
func (s *MemoryStore) CreateSession(ctx context.Context, session *core.VoterSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = memorySession{session: *session, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetSession returns a live session
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*core.VoterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveSession(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	session := entry.session
	return &session, nil
}

// TransitionSession swaps the session if the stored state equals from
func (s *MemoryStore) TransitionSession(ctx context.Context, from core.SessionState, next *core.VoterSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveSession(next.ID)
	if !ok {
		return core.ErrNotFound
	}
	if entry.session.State != from {
		return core.ErrSessionConflict
	}

	s.sessions[next.ID] = memorySession{session: *next, expiresAt: s.now().Add(ttl)}
	return nil
}

// DeleteSession removes a session
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// liveSession must be called with the lock held
func (s *MemoryStore) liveSession(id string) (memorySession, bool) {
	entry, ok := s.sessions[id]
	if !ok {
		return memorySession{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.sessions, id)
		return memorySession{}, false
	}
	return entry, true
}

// Clear removes all data from the store
// This is useful for testing to reset the store between tests
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges = make(map[core.Identity]core.Challenge)
	s.sessions = make(map[string]memorySession)
}
