package channel

import (
	"context"
	"sync"
)

const defaultQueueSize = 64

// Bus is an in-process broadcast medium. Every endpoint opened on the same
// name sees the messages published by the others. Multiple independent
// coordinators in one process can share a Bus, which is how the tests run
// several contexts side by side.
type Bus struct {
	mu        sync.Mutex
	channels  map[string]map[*Endpoint]struct{}
	queueSize int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		channels:  make(map[string]map[*Endpoint]struct{}),
		queueSize: defaultQueueSize,
	}
}

// Open implements Opener.
func (b *Bus) Open(_ context.Context, name string) (Transport, error) {
	return b.Endpoint(name), nil
}

// Endpoint attaches a new endpoint to the named channel.
func (b *Bus) Endpoint(name string) *Endpoint {
	e := &Endpoint{
		bus:      b,
		name:     name,
		handlers: newHandlerSet(),
		inbox:    make(chan Message, b.queueSize),
		stop:     make(chan struct{}),
	}

	b.mu.Lock()
	peers, ok := b.channels[name]
	if !ok {
		peers = make(map[*Endpoint]struct{})
		b.channels[name] = peers
	}
	peers[e] = struct{}{}
	b.mu.Unlock()

	go e.pump()
	return e
}

// Peers reports how many endpoints are attached to name.
func (b *Bus) Peers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[name])
}

func (b *Bus) broadcast(from *Endpoint, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := range b.channels[from.name] {
		if e == from {
			continue
		}
		select {
		case e.inbox <- msg:
		default:
		}
	}
}

func (b *Bus) detach(e *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := b.channels[e.name]
	delete(peers, e)
	if len(peers) == 0 {
		delete(b.channels, e.name)
	}
}

// Endpoint is a Transport attached to a Bus. Inbound messages are handed to
// subscribers on a single goroutine so each sender's order is preserved.
type Endpoint struct {
	bus      *Bus
	name     string
	handlers *handlerSet
	inbox    chan Message

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	stop      chan struct{}
}

// Name returns the channel name the endpoint is attached to.
func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Subscribe(h Handler) func() {
	return e.handlers.add(h)
}

func (e *Endpoint) Publish(msg Message) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.bus.broadcast(e, msg)
	return nil
}

// Close detaches the endpoint. Messages still queued are discarded. Close
// does not wait for a handler that is already running, so it is safe to call
// from inside a handler.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.bus.detach(e)
		close(e.stop)
	})
	return nil
}

func (e *Endpoint) pump() {
	for {
		select {
		case <-e.stop:
			return
		case msg := <-e.inbox:
			e.handlers.dispatch(msg)
		}
	}
}
