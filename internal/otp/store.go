package otp

import (
	"context"
	"sync"
	"time"

	"giftmarket.dev/internal/errs"
)

// Store persists OTP records. Every mutation is conditional: Insert on the
// cooldown of the current latest record, Update on the expected version.
type Store interface {
	// Insert makes rec the latest record for its key. It fails with
	// RateLimited while the current latest record is pending, unexpired and
	// younger than cooldown; otherwise a pending predecessor is superseded.
	Insert(ctx context.Context, rec *Record, cooldown time.Duration) error
	Latest(ctx context.Context, key Key) (*Record, error)
	// Update stores rec if the persisted version equals expectedVersion and
	// bumps rec.Version. A stale version yields a Conflict error.
	Update(ctx context.Context, rec *Record, expectedVersion int64) error
}

var errStale = errs.New(errs.KindConflict, "otp record modified concurrently")

// InMemory is a Store guarded by a single mutex.
type InMemory struct {
	mu     sync.Mutex
	byID   map[string]*Record
	latest map[Key]string
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]*Record), latest: make(map[Key]string)}
}

func (m *InMemory) Insert(_ context.Context, rec *Record, cooldown time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Key()
	if prevID, ok := m.latest[key]; ok {
		prev := m.byID[prevID]
		if err := CheckCooldown(prev, rec.CreatedAt, cooldown); err != nil {
			return err
		}
		if prev.Status == StatusPending {
			prev.Status = StatusSuperseded
			prev.Version++
		}
	}
	rec.Version = 1
	cp := *rec
	m.byID[rec.ID] = &cp
	m.latest[key] = rec.ID
	return nil
}

func (m *InMemory) Latest(_ context.Context, key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[key]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no pending code")
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *InMemory) Update(_ context.Context, rec *Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[rec.ID]
	if !ok {
		return errs.New(errs.KindNotFound, "no pending code")
	}
	if cur.Version != expectedVersion {
		return errStale
	}
	rec.Version = expectedVersion + 1
	cp := *rec
	m.byID[rec.ID] = &cp
	return nil
}

// CheckCooldown returns RateLimited when prev still blocks a new issue at now.
func CheckCooldown(prev *Record, now time.Time, cooldown time.Duration) error {
	if prev == nil || prev.Status != StatusPending {
		return nil
	}
	if now.After(prev.ExpiresAt) {
		return nil
	}
	if now.Sub(prev.CreatedAt) < cooldown {
		return errs.New(errs.KindRateLimited, "a code was issued recently; wait before requesting another")
	}
	return nil
}
