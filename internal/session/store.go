package session

import (
	"context"
	"sync"
	"time"

	"giftmarket.dev/internal/errs"
)

// Store is the central session registry shared by all gateways.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Rotate marks old as rotated and revoked and creates next in one step.
	// It fails with Revoked when old was already rotated or revoked.
	Rotate(ctx context.Context, oldID string, at time.Time, next *Session) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int, error)
	RevokeIdentity(ctx context.Context, identityID string, at time.Time) (int, error)
}

// ErrNotFound is reported for unknown session ids.
var ErrNotFound = errs.New(errs.KindNotFound, "session not found")

var errRotated = errs.New(errs.KindRevoked, "refresh token already used")

// InMemory is a Store for tests and single-process development.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*Session)}
}

func (m *InMemory) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return errs.New(errs.KindConflict, "session id already exists")
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *InMemory) Find(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *InMemory) Rotate(_ context.Context, oldID string, at time.Time, next *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.Revoked || old.RotatedAt != nil {
		return errRotated
	}
	ts := at.UTC()
	old.Revoked = true
	old.RevokedAt = &ts
	old.RotatedAt = &ts
	cp := *next
	m.sessions[next.ID] = &cp
	return nil
}

func (m *InMemory) RevokeFamily(_ context.Context, familyID string, at time.Time) (int, error) {
	return m.revokeWhere(at, func(s *Session) bool { return s.FamilyID == familyID })
}

func (m *InMemory) RevokeIdentity(_ context.Context, identityID string, at time.Time) (int, error) {
	return m.revokeWhere(at, func(s *Session) bool { return s.IdentityID == identityID })
}

func (m *InMemory) revokeWhere(at time.Time, match func(*Session) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := at.UTC()
	n := 0
	for _, s := range m.sessions {
		if !match(s) || s.Revoked {
			continue
		}
		s.Revoked = true
		s.RevokedAt = &ts
		n++
	}
	return n, nil
}
