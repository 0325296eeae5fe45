package order

import (
	"context"
	"sort"
	"sync"

	"giftmarket.dev/internal/errs"
)

// Store persists orders and return requests.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f Filter) ([]*Order, error)
	// Apply persists o, whose last history entry is the transition being
	// applied, if the stored version still equals expectedVersion. A non-nil
	// ret commits in the same transaction or not at all. On success o.Version
	// is bumped; a stale version yields a Conflict error.
	Apply(ctx context.Context, o *Order, expectedVersion int64, ret *ReturnWrite) error
	// Save persists the order row of o without recording a transition, under
	// the same version check as Apply.
	Save(ctx context.Context, o *Order, expectedVersion int64) error

	GetReturn(ctx context.Context, id string) (*ReturnRequest, error)
	ReturnForOrder(ctx context.Context, orderID string) (*ReturnRequest, error)
	// UpdateReturn stores r if the persisted status equals expected.
	UpdateReturn(ctx context.Context, r *ReturnRequest, expected ReturnStatus) error
}

// ReturnWrite is a return request change committed with an order
// transition. An empty Expected inserts Return; otherwise Return replaces the
// stored request only while its status still equals Expected.
type ReturnWrite struct {
	Return   *ReturnRequest
	Expected ReturnStatus
}

// ErrNotFound is reported for unknown orders.
var ErrNotFound = errs.New(errs.KindNotFound, "order not found")

// ErrReturnNotFound is reported for unknown return requests.
var ErrReturnNotFound = errs.New(errs.KindNotFound, "return request not found")

// ErrReturnExists is reported when an order already has a return request.
var ErrReturnExists = errs.New(errs.KindConflict, "a return was already requested for this order")

// ErrStale is reported when a compare-and-swap loses against a concurrent writer.
var ErrStale = errs.New(errs.KindConflict, "order modified concurrently")

// InMemory is a Store guarded by a single mutex.
type InMemory struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	returns map[string]*ReturnRequest
	byOrder map[string]string
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		orders:  make(map[string]*Order),
		returns: make(map[string]*ReturnRequest),
		byOrder: make(map[string]string),
	}
}

func (m *InMemory) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return errs.New(errs.KindConflict, "order already exists")
	}
	o.Version = 1
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *InMemory) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *InMemory) List(_ context.Context, f Filter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Order, 0)
	for _, o := range m.orders {
		if f.matches(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *InMemory) Apply(_ context.Context, o *Order, expectedVersion int64, ret *ReturnWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(o.ID, expectedVersion); err != nil {
		return err
	}
	if ret != nil {
		if err := m.checkReturn(ret); err != nil {
			return err
		}
		cp := *ret.Return
		m.returns[cp.ID] = &cp
		m.byOrder[cp.OrderID] = cp.ID
	}
	o.Version = expectedVersion + 1
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *InMemory) Save(_ context.Context, o *Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(o.ID, expectedVersion); err != nil {
		return err
	}
	o.Version = expectedVersion + 1
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *InMemory) checkVersion(id string, expected int64) error {
	cur, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrStale
	}
	return nil
}

func (m *InMemory) checkReturn(w *ReturnWrite) error {
	if w.Expected == "" {
		if _, exists := m.byOrder[w.Return.OrderID]; exists {
			return ErrReturnExists
		}
		return nil
	}
	cur, ok := m.returns[w.Return.ID]
	if !ok {
		return ErrReturnNotFound
	}
	if cur.Status != w.Expected {
		return errs.Newf(errs.KindConflict, "return is %s, not %s", cur.Status, w.Expected)
	}
	return nil
}

func (m *InMemory) GetReturn(_ context.Context, id string) (*ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.returns[id]
	if !ok {
		return nil, ErrReturnNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *InMemory) ReturnForOrder(_ context.Context, orderID string) (*ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrReturnNotFound
	}
	cp := *m.returns[id]
	return &cp, nil
}

func (m *InMemory) UpdateReturn(_ context.Context, r *ReturnRequest, expected ReturnStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.returns[r.ID]
	if !ok {
		return ErrReturnNotFound
	}
	if cur.Status != expected {
		return errs.Newf(errs.KindConflict, "return is %s, not %s", cur.Status, expected)
	}
	cp := *r
	m.returns[r.ID] = &cp
	return nil
}
