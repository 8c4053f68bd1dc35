package session

import (
	"context"
	"sync"
	"time"

	"conarchive/api/internal/clock"
)

// MemoryStore keeps sessions in process. Used when no Redis URL is configured.
type MemoryStore struct {
	clock    clock.Clock
	mu       sync.Mutex
	sessions map[string]memorySession
	revoked  map[string]time.Time
}

type memorySession struct {
	userID    int64
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    c,
		sessions: make(map[string]memorySession),
		revoked:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memorySession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if !s.clock.Now().Before(sess.expiresAt) {
		delete(s.sessions, tokenHash)
		return 0, ErrSessionNotFound
	}
	return sess.userID, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, id)
		}
	}
	s.revoked[jti] = expiresAt
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.revoked[jti]
	return ok && s.clock.Now().Before(until), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
