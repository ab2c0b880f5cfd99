package driver

import (
	"context"
	"sync"

	"github.com/lorenzodimauro97/klipper/internal/can"
)

// queueDepth bounds each endpoint's pending-frame queue; a real controller's
// receive FIFO is far smaller.
const queueDepth = 64

// Bus is an in-memory CAN bus. Every endpoint opened from the same bus sees
// frames sent by the others, subject to its receive filter. It backs the sim
// backend and the transport tests.
type Bus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

// NewBus creates an empty loopback bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Open attaches a new endpoint. Its initial filter passes admin traffic only.
func (b *Bus) Open() *Endpoint {
	ep := &Endpoint{bus: b, avail: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ep.dead = true
		close(ep.done)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close detaches all endpoints.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.endpoints = nil
	b.mu.Unlock()
	for _, ep := range eps {
		_ = ep.Close()
	}
	return nil
}

func (b *Bus) others(self *Endpoint) []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for ep := range b.endpoints {
		if ep != self {
			targets = append(targets, ep)
		}
	}
	return targets
}

// Endpoint is one attachment to a loopback Bus, implementing Driver.
type Endpoint struct {
	bus     *Bus
	mu      sync.Mutex
	queue   []can.Frame
	filter  uint32
	promisc bool
	dead    bool
	avail   chan struct{}
	done    chan struct{}
}

// Promiscuous disables filtering; used by host-side tooling and tests that
// need to observe responses and data frames alike.
func (e *Endpoint) Promiscuous() {
	e.mu.Lock()
	e.promisc = true
	e.mu.Unlock()
}

// Send broadcasts the frame to every other endpoint whose filter accepts it.
func (e *Endpoint) Send(fr can.Frame) error {
	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if dead {
		return ErrClosed
	}
	for _, t := range e.bus.others(e) {
		t.deliver(fr)
	}
	return nil
}

func (e *Endpoint) deliver(fr can.Frame) {
	e.mu.Lock()
	if e.dead || !e.accepts(fr.ID) || len(e.queue) >= queueDepth {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fr)
	e.mu.Unlock()
	select {
	case e.avail <- struct{}{}:
	default:
	}
}

// accepts is called with e.mu held.
func (e *Endpoint) accepts(id uint32) bool {
	if e.promisc || id == can.AdminID {
		return true
	}
	return e.filter != 0 && id == e.filter
}

// Recv pops one pending frame.
func (e *Endpoint) Recv(fr *can.Frame) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false, ErrClosed
	}
	if len(e.queue) == 0 {
		return false, nil
	}
	*fr = e.queue[0]
	e.queue = e.queue[1:]
	return true, nil
}

// SetFilter reconfigures the accepted data identifier (0 = admin only).
func (e *Endpoint) SetFilter(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return ErrClosed
	}
	e.filter = id
	return nil
}

// Reboot drops any pending frames, mimicking a controller reset.
func (e *Endpoint) Reboot() error {
	e.mu.Lock()
	e.queue = nil
	e.filter = 0
	e.mu.Unlock()
	return nil
}

// Pump blocks delivering readiness edges until the context or endpoint ends.
func (e *Endpoint) Pump(ctx context.Context, notify func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-e.avail:
			notify()
		}
	}
}

// Close detaches the endpoint from the bus.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil
	}
	e.dead = true
	close(e.done)
	e.mu.Unlock()
	e.bus.mu.Lock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.bus.mu.Unlock()
	return nil
}
