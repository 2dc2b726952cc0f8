package store

import (
	"errors"
	"sync"
	"time"

	"librarian/pkg/domain"
)

type memorySession struct {
	userID uint
	expiry time.Time
}

// MemorySessionStore issues opaque tokens kept in memory. It is used by tests
// and single-instance development setups.
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]memorySession
}

// NewMemorySessionStore constructs an in-memory session store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:      ttl,
		sessions: make(map[string]memorySession),
	}
}

func (s *MemorySessionStore) NewSession(userID uint, _ domain.Role) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = memorySession{
		userID: userID,
		expiry: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

func (s *MemorySessionStore) UserIDByToken(token string) (uint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return 0, false, errors.New("invalid token")
	}
	if time.Now().After(sess.expiry) {
		delete(s.sessions, token)
		return 0, false, errors.New("token expired")
	}
	return sess.userID, true, nil
}

func (s *MemorySessionStore) DeleteSession(token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}
