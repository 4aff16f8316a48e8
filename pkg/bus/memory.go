package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process implementation of MessageBus. It supports
// wildcard subjects but does not persist messages.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySubscription)}
}

// Publish implements MessageBus. Handlers run synchronously on the calling
// goroutine; plane handlers are expected to be cheap.
func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	matched := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchSubject(sub.subject, subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(msg)
	}
	return nil
}

// Subscribe implements MessageBus.
func (b *MemoryBus) Subscribe(_ context.Context, subject string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:      b.nextID.Add(1),
		subject: subject,
		handler: handler,
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Close implements MessageBus.
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.subs = make(map[uint64]*memorySubscription)
	b.mu.Unlock()
	return nil
}

type memorySubscription struct {
	id      uint64
	subject string
	handler Handler
	bus     *MemoryBus
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// matchSubject matches a NATS-style pattern against a subject. "*" matches
// one token, ">" matches the remainder.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, pt := range pTokens {
		if pt == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
