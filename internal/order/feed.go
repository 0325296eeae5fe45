package order

import (
	"context"
	"sync"
)

// Update is published after a transition is persisted.
type Update struct {
	OrderID    string     `json:"order_id"`
	State      State      `json:"state"`
	Version    int64      `json:"version"`
	Transition Transition `json:"transition"`
}

// Feed fans transitions out to subscribers such as SSE clients.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	orderID string
	ch      chan Update
}

// NewFeed returns a feed without subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]subscriber)}
}

// Subscribe registers for updates of one order, or of every order when
// orderID is empty. The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context, orderID string) <-chan Update {
	ch := make(chan Update, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = subscriber{orderID: orderID, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish delivers u to matching subscribers. Slow subscribers miss updates
// instead of blocking the engine.
func (f *Feed) Publish(u Update) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.orderID != "" && s.orderID != u.OrderID {
			continue
		}
		select {
		case s.ch <- u:
		default:
		}
	}
}
