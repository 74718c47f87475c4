package channel

import (
	"context"
	"sync"

	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"golang.org/x/xerrors"
)

// ErrDisconnected is returned when publishing on a disconnected fabric.
var ErrDisconnected = xerrors.New("fabric disconnected")

// NewBus returns an in-memory broker shared by the fabrics of simulated
// processes.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[*subscription]struct{}),
	}
}

// Bus is an in-memory broker.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

// NewFabric returns a connected fabric for the process tagged origin.
func (b *Bus) NewFabric(origin string) *Fabric {
	return &Fabric{
		bus:       b,
		origin:    origin,
		connected: true,
	}
}

func (b *Bus) publish(e types.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[e.Document] {
		if sub.fabric.origin == e.Origin || !sub.fabric.isConnected() {
			continue
		}
		sub.push(e)
	}
}

func (b *Bus) add(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.docID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[sub.docID] = set
	}
	set[sub] = struct{}{}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[sub.docID], sub)
	if len(b.subs[sub.docID]) == 0 {
		delete(b.subs, sub.docID)
	}
}

// Fabric is the view of one process on a Bus. It can be disconnected and
// reconnected to simulate broker outages.
//
// - implements transport.Fabric
type Fabric struct {
	bus    *Bus
	origin string

	mu        sync.Mutex
	connected bool
	closed    bool
	onRecon   []func()
	subs      []*subscription
}

// Origin implements transport.Fabric
func (f *Fabric) Origin() string {
	return f.origin
}

// Publish implements transport.Fabric
func (f *Fabric) Publish(_ context.Context, docID string, e types.Envelope) error {
	f.mu.Lock()
	closed, connected := f.closed, f.connected
	f.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if !connected {
		return ErrDisconnected
	}

	e.Origin = f.origin
	e.Document = docID
	f.bus.publish(e)
	return nil
}

// Subscribe implements transport.Fabric
func (f *Fabric) Subscribe(_ context.Context, docID string, handler transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, transport.ErrClosed
	}

	sub := &subscription{
		fabric:  f,
		docID:   docID,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	f.subs = append(f.subs, sub)
	f.bus.add(sub)
	go sub.run()

	return sub, nil
}

// OnReconnect implements transport.Fabric
func (f *Fabric) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onRecon = append(f.onRecon, fn)
}

// Disconnect stops delivery to and from this fabric.
func (f *Fabric) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = false
}

// Reconnect resumes delivery and runs the reconnect callbacks.
func (f *Fabric) Reconnect() {
	f.mu.Lock()
	f.connected = true
	callbacks := append([]func(){}, f.onRecon...)
	f.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
}

// Close implements transport.Fabric
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (f *Fabric) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected && !f.closed
}

// subscription delivers envelopes to its handler one at a time, queueing
// without bound so publishers never block.
//
// - implements transport.Subscription
type subscription struct {
	fabric  *Fabric
	docID   string
	handler transport.Handler

	mu     sync.Mutex
	queue  []types.Envelope
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) push(e types.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(e)
		}
	}
}

// Unsubscribe implements transport.Subscription
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.fabric.bus.remove(s)
		close(s.done)
	})
	return nil
}
