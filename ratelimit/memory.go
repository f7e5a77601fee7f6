package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	capacity int
	window   time.Duration
}

// MemoryLimiter limits resources within one process. Each resource is a
// token bucket refilled at capacity/window with a burst of capacity.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

func every(capacity int, window time.Duration) rate.Limit {
	return rate.Every(window / time.Duration(capacity))
}

// SetCapacity configures the rate limit for a resource. Changing an existing
// limit keeps the tokens already accrued, capped at the new burst.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	if b, ok := m.buckets[resource]; ok {
		now := m.nowFunc()
		b.limiter.SetLimitAt(now, every(capacity, window))
		b.limiter.SetBurstAt(now, capacity)
		b.capacity, b.window = capacity, window
		return
	}
	m.buckets[resource] = &bucket{
		limiter:  rate.NewLimiter(every(capacity, window), capacity),
		capacity: capacity,
		window:   window,
	}
}

func (m *MemoryLimiter) get(resource string) (*bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return nil, ErrResourceUnknown
	}
	return b, nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	b, err := m.get(resource)
	if err != nil {
		return err
	}
	return b.limiter.Wait(ctx)
}

// TryAcquire takes a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	b, err := m.get(resource)
	if err != nil {
		return false
	}
	return b.limiter.AllowN(m.nowFunc(), 1)
}

// AnnounceReduced halves the local limit. Use a SharedLimiter to propagate
// the reduction to other workers.
func (m *MemoryLimiter) AnnounceReduced(resource string, _ string) {
	c := m.GetCapacity(resource)
	if c == nil {
		return
	}
	reduced := c.Total / 2
	if reduced < 1 {
		reduced = 1
	}
	m.SetCapacity(resource, reduced, c.Window)
}

// GetCapacity returns the current limit, or nil if unknown.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	b, err := m.get(resource)
	if err != nil {
		return nil
	}
	return &Capacity{
		Resource:  resource,
		Total:     b.capacity,
		Window:    b.window,
		Available: int(b.limiter.TokensAt(m.nowFunc())),
	}
}

// Close drops all limits; further calls fail with ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buckets = nil
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
