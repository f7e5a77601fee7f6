package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus with in-process channels.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
	once    sync.Once
	bus     *MemoryBus
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{config: cfg, subs: make(map[*memorySub]struct{})}
}

// Publish delivers to every matching subscriber without blocking.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !SubjectMatches(sub.pattern, subject) {
			continue
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		select {
		case sub.ch <- &Message{Subject: subject, Data: payload}:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription on pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{pattern: pattern, ch: make(chan *Message, b.config.BufferSize), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySub]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}
