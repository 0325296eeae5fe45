package audit

import (
	"context"
	"sync"
	"time"
)

// Store appends immutable entries. Prune is the only deletion path and is
// driven by the configured retention.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// InMemory keeps entries in insertion order.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory { return &InMemory{} }

func (m *InMemory) Append(_ context.Context, entry *Entry) error {
	cp := *entry
	if entry.Metadata != nil {
		cp.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.mu.Lock()
	m.entries = append(m.entries, cp)
	m.mu.Unlock()
	return nil
}

func (m *InMemory) List(_ context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := range m.entries {
		if !filter.matches(&m.entries[i]) {
			continue
		}
		out = append(out, m.entries[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
