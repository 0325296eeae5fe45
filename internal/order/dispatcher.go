package order

import (
	"context"
	"errors"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// ErrDispatcherStopped is returned for commands submitted after shutdown.
var ErrDispatcherStopped = errors.New("order: dispatcher stopped")

// Dispatcher serialises commands per order: each order id hashes to one lane
// and every lane applies its commands one at a time, so different orders
// progress in parallel while one order never sees two writers from this
// process.
type Dispatcher struct {
	engine  Applier
	lanes   []chan job
	log     *zap.Logger
	started chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type job struct {
	ctx   context.Context
	cmd   Command
	reply chan result
}

type result struct {
	order *Order
	err   error
}

// NewDispatcher builds a dispatcher with n lanes in front of engine.
func NewDispatcher(engine Applier, n int, log *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		engine:  engine,
		lanes:   make([]chan job, n),
		log:     log,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan job, 64)
	}
	return d
}

// Lane returns the lane index for an order id.
func (d *Dispatcher) Lane(orderID string) int {
	return int(murmur3.Sum32([]byte(orderID)) % uint32(len(d.lanes)))
}

// Run starts one worker per lane and blocks until ctx ends. Queued commands
// are answered with ErrDispatcherStopped on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, lane := range d.lanes {
		wg.Add(1)
		go func(lane chan job) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-lane:
					o, err := d.engine.Apply(j.ctx, j.cmd)
					j.reply <- result{order: o, err: err}
				}
			}
		}(lane)
	}
	d.once.Do(func() { close(d.started) })
	d.log.Info("order dispatcher started", zap.Int("lanes", len(d.lanes)))
	<-ctx.Done()
	wg.Wait()
	close(d.stopped)
	for _, lane := range d.lanes {
	drain:
		for {
			select {
			case j := <-lane:
				j.reply <- result{err: ErrDispatcherStopped}
			default:
				break drain
			}
		}
	}
	return nil
}

// Apply routes cmd to its lane and waits for the outcome.
func (d *Dispatcher) Apply(ctx context.Context, cmd Command) (*Order, error) {
	select {
	case <-d.stopped:
		return nil, ErrDispatcherStopped
	default:
	}
	j := job{ctx: ctx, cmd: cmd, reply: make(chan result, 1)}
	select {
	case d.lanes[d.Lane(cmd.OrderID)] <- j:
	case <-d.stopped:
		return nil, ErrDispatcherStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.await(ctx, j)
}

func (d *Dispatcher) await(ctx context.Context, j job) (*Order, error) {
	select {
	case r := <-j.reply:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		// Workers have exited, so a reply is either buffered already or never
		// coming for a job that landed after the drain.
		select {
		case r := <-j.reply:
			return r.order, r.err
		default:
			return nil, ErrDispatcherStopped
		}
	}
}

// Started is closed once workers are running.
func (d *Dispatcher) Started() <-chan struct{} { return d.started }
