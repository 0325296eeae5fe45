// Package corporate owns the B2B inquiry slice served by the corporate gateway.
package corporate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/ids"
)

// Status of an inquiry.
type Status string

const (
	StatusOpen      Status = "open"
	StatusWithdrawn Status = "withdrawn"
)

// Inquiry is a bulk-gifting request from a corporate buyer.
type Inquiry struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Company     string    `json:"company"`
	Subject     string    `json:"subject"`
	Quantity    int       `json:"quantity"`
	BudgetCents int64     `json:"budget_cents"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists inquiries.
type Store interface {
	Create(ctx context.Context, in *Inquiry) error
	Get(ctx context.Context, id string) (*Inquiry, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Inquiry, error)
	// SetStatus moves the inquiry from one status to another atomically.
	SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}

// ErrNotFound is reported for unknown or foreign inquiries.
var ErrNotFound = errs.New(errs.KindNotFound, "inquiry not found")

// Service applies ownership rules on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService builds a Service. A nil clock defaults to time.Now.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	OwnerID     string
	Company     string
	Subject     string
	Quantity    int
	BudgetCents int64
}

// Create opens a new inquiry.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Inquiry, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	switch {
	case req.OwnerID == "":
		return nil, errs.Invalid("owner is required")
	case req.Subject == "":
		return nil, errs.Invalid("subject is required")
	case len(req.Subject) > 200:
		return nil, errs.Invalid("subject must be at most 200 characters")
	case req.Quantity < 1:
		return nil, errs.Invalid("quantity must be at least 1")
	case req.BudgetCents < 0:
		return nil, errs.Invalid("budget must not be negative")
	}
	now := s.now().UTC()
	in := &Inquiry{
		ID:          ids.Prefixed("inq"),
		OwnerID:     req.OwnerID,
		Company:     strings.TrimSpace(req.Company),
		Subject:     req.Subject,
		Quantity:    req.Quantity,
		BudgetCents: req.BudgetCents,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Get returns an inquiry owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Inquiry, error) {
	in, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return in, nil
}

// List returns the owner's inquiries, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Inquiry, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Withdraw closes an open inquiry. Withdrawing twice reports AlreadyInState.
func (s *Service) Withdraw(ctx context.Context, ownerID, id string) (*Inquiry, error) {
	in, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if in.Status == StatusWithdrawn {
		return nil, errs.New(errs.KindAlreadyInState, "inquiry already withdrawn")
	}
	now := s.now().UTC()
	if err := s.store.SetStatus(ctx, id, StatusOpen, StatusWithdrawn, now); err != nil {
		return nil, err
	}
	in.Status = StatusWithdrawn
	in.UpdatedAt = now
	return in, nil
}

// InMemory is a Store backed by process memory.
type InMemory struct {
	mu        sync.RWMutex
	inquiries map[string]*Inquiry
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{inquiries: make(map[string]*Inquiry)}
}

func (m *InMemory) Create(_ context.Context, in *Inquiry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.inquiries[in.ID] = &cp
	return nil
}

func (m *InMemory) Get(_ context.Context, id string) (*Inquiry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inquiries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *InMemory) ListByOwner(_ context.Context, ownerID string) ([]*Inquiry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Inquiry, 0)
	for _, in := range m.inquiries {
		if in.OwnerID == ownerID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *InMemory) SetStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inquiries[id]
	if !ok {
		return ErrNotFound
	}
	if in.Status != from {
		return errs.Newf(errs.KindConflict, "inquiry is %s", in.Status)
	}
	in.Status = to
	in.UpdatedAt = at
	return nil
}
