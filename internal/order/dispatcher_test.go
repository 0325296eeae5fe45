package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"giftmarket.dev/internal/errs"
)

func startDispatcher(t *testing.T, engine Applier, lanes int) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(engine, lanes, nil)
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-d.Started():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not start")
	}
	return d
}

func TestLaneIsStable(t *testing.T) {
	d := NewDispatcher(nil, 8, nil)
	for _, id := range []string{"ord_a", "ord_b", "ord_01J0000000000000000000000"} {
		first := d.Lane(id)
		if first < 0 || first >= 8 {
			t.Fatalf("lane %d out of range", first)
		}
		for i := 0; i < 10; i++ {
			if d.Lane(id) != first {
				t.Fatalf("lane for %s changed", id)
			}
		}
	}
}

func TestDispatcherSerialisesDuplicateEvents(t *testing.T) {
	h := newHarness(t)
	o := h.place(t)
	h.apply(t, o.ID, EventPaymentConfirmed, psp, "pay_1")
	d := startDispatcher(t, h.engine, 4)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		already int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Apply(context.Background(), Command{OrderID: o.ID, Event: EventShipped, Actor: shop, Reference: "TRK123"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else if errors.Is(err, errs.ErrAlreadyInState) {
				already++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied != 1 || already != n-1 {
		t.Fatalf("applied=%d already=%d", applied, already)
	}
}

func TestDispatcherRunsOrdersInParallel(t *testing.T) {
	h := newHarness(t)
	d := startDispatcher(t, h.engine, 4)

	var orders []*Order
	for i := 0; i < 6; i++ {
		orders = append(orders, h.place(t))
	}
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := d.Apply(context.Background(), Command{OrderID: id, Event: EventPaymentConfirmed, Actor: psp, Reference: "pay_" + id}); err != nil {
				t.Errorf("confirm %s: %v", id, err)
			}
		}(o.ID)
	}
	wg.Wait()
	for _, o := range orders {
		got, _ := h.store.Get(context.Background(), o.ID)
		if got.State != StateFulfilling {
			t.Fatalf("order %s in %s", o.ID, got.State)
		}
	}
}

func TestDispatcherStopped(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(h.engine, 2, nil)
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	<-d.Started()
	cancel()
	<-done
	if _, err := d.Apply(context.Background(), Command{OrderID: "ord_x", Event: EventCancelled, Actor: admin}); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestDispatcherAnswersJobQueuedAfterDrain(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(h.engine, 1, nil)
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	<-d.Started()
	cancel()
	<-done

	// A submitter that passed the stopped check just before shutdown.
	j := job{ctx: context.Background(), cmd: Command{OrderID: "ord_late", Event: EventCancelled, Actor: admin}, reply: make(chan result, 1)}
	d.lanes[0] <- j

	errc := make(chan error, 1)
	go func() {
		_, err := d.await(context.Background(), j)
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDispatcherStopped) {
			t.Fatalf("expected ErrDispatcherStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late job was never answered")
	}
}
