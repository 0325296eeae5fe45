package identity

import (
	"context"
	"sync"
	"time"
)

// Store persists identities. Emails are unique per role.
type Store interface {
	Create(ctx context.Context, ident *Identity) error
	Find(ctx context.Context, role Role, id string) (*Identity, error)
	FindByEmail(ctx context.Context, role Role, email string) (*Identity, error)
	// MarkVerified is idempotent; an already verified identity keeps its
	// original verification time.
	MarkVerified(ctx context.Context, role Role, id string, at time.Time) error
	UpdatePassword(ctx context.Context, role Role, id, passwordHash string) error
	UpdateProfile(ctx context.Context, role Role, id string, profile Profile) error
}

// InMemory is a Store backed by process memory.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*Identity
	byEmail map[Role]map[string]string
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*Identity),
		byEmail: make(map[Role]map[string]string),
	}
}

func (m *InMemory) Create(_ context.Context, ident *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	emails := m.byEmail[ident.Role]
	if emails == nil {
		emails = make(map[string]string)
		m.byEmail[ident.Role] = emails
	}
	if _, exists := emails[ident.Email]; exists {
		return ErrDuplicateEmail
	}
	cp := *ident
	m.byID[ident.ID] = &cp
	emails[ident.Email] = ident.ID
	return nil
}

func (m *InMemory) Find(_ context.Context, role Role, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.byID[id]
	if !ok || ident.Role != role {
		return nil, NotFound(role, id)
	}
	cp := *ident
	return &cp, nil
}

func (m *InMemory) FindByEmail(_ context.Context, role Role, email string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[role][email]
	if !ok {
		return nil, NotFound(role, email)
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *InMemory) MarkVerified(_ context.Context, role Role, id string, at time.Time) error {
	return m.mutate(role, id, at, func(ident *Identity) {
		if ident.Verified {
			return
		}
		ts := at.UTC()
		ident.Verified = true
		ident.VerifiedAt = &ts
	})
}

func (m *InMemory) UpdatePassword(_ context.Context, role Role, id, passwordHash string) error {
	return m.mutate(role, id, time.Now(), func(ident *Identity) {
		ident.PasswordHash = passwordHash
	})
}

func (m *InMemory) UpdateProfile(_ context.Context, role Role, id string, profile Profile) error {
	return m.mutate(role, id, time.Now(), func(ident *Identity) {
		ident.Profile = profile
	})
}

func (m *InMemory) mutate(role Role, id string, at time.Time, fn func(*Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok || ident.Role != role {
		return NotFound(role, id)
	}
	fn(ident)
	ident.UpdatedAt = at.UTC()
	return nil
}
