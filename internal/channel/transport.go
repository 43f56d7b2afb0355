package channel

import (
	"context"
	"slices"
	"sync"
)

// Transport is one context's endpoint on a named broadcast channel.
// Messages published on an endpoint reach every other endpoint of the same
// channel, never the publisher itself.
type Transport interface {
	// Subscribe registers h for inbound messages and returns a function
	// that removes it again.
	Subscribe(h Handler) (unsubscribe func())
	// Publish is fire-and-forget. Delivery is best-effort.
	Publish(msg Message) error
	Close() error
}

// Opener opens endpoints scoped by channel name.
type Opener interface {
	Open(ctx context.Context, name string) (Transport, error)
}

// handlerSet is the subscription table shared by the transports in this
// package.
type handlerSet struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[uint64]Handler)}
}

func (s *handlerSet) add(h Handler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

// dispatch calls every handler in subscription order.
func (s *handlerSet) dispatch(msg Message) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		s.mu.RLock()
		h, ok := s.handlers[id]
		s.mu.RUnlock()
		if ok {
			h(msg)
		}
	}
}
