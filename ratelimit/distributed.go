package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/taskforge/bus"
)

// SharedConfig configures a bus-coordinated limiter.
type SharedConfig struct {
	Bus      bus.MessageBus
	WorkerID string

	// ReduceFactor multiplies capacity on a throttle. Default: 0.5
	ReduceFactor float64

	// RecoveryInterval between recovery steps. Default: 30s
	RecoveryInterval time.Duration

	// RecoveryFactor multiplies capacity per recovery step, capped at the
	// configured capacity. Default: 1.1
	RecoveryFactor float64
}

// Validate checks the configuration.
func (c *SharedConfig) Validate() error {
	if c.Bus == nil || c.WorkerID == "" {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 || c.RecoveryFactor < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSharedConfig returns configuration with sensible defaults.
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

type limitConfig struct {
	original int
	window   time.Duration
}

// SharedLimiter is a MemoryLimiter whose reductions are broadcast to, and
// received from, every other worker on the bus.
type SharedLimiter struct {
	config SharedConfig
	local  *MemoryLimiter

	mu            sync.Mutex
	configured    map[string]*limitConfig
	lastReduction map[string]time.Time
	callback      OnCapacityChange

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSharedLimiter creates a limiter coordinated over cfg.Bus.
func NewSharedLimiter(cfg SharedConfig) (*SharedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSharedConfig()
	if cfg.ReduceFactor == 0 {
		cfg.ReduceFactor = def.ReduceFactor
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = def.RecoveryFactor
	}

	sub, err := cfg.Bus.Subscribe(capacitySubject)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SharedLimiter{
		config:        cfg,
		local:         NewMemoryLimiter(),
		configured:    make(map[string]*limitConfig),
		lastReduction: make(map[string]time.Time),
		sub:           sub,
		cancel:        cancel,
	}

	s.wg.Add(2)
	go s.listen(ctx)
	go s.recover(ctx)
	return s, nil
}

func (s *SharedLimiter) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			s.handleUpdate(msg)
		}
	}
}

func (s *SharedLimiter) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return
	}
	if update.WorkerID == s.config.WorkerID {
		return
	}

	s.mu.Lock()
	lc, ok := s.configured[update.Resource]
	current := s.local.GetCapacity(update.Resource)
	if ok && current != nil && update.NewCapacity < current.Total {
		s.local.SetCapacity(update.Resource, update.NewCapacity, lc.window)
		s.lastReduction[update.Resource] = time.Now()
	}
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(&update)
	}
}

func (s *SharedLimiter) recover(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStep(time.Now())
		}
	}
}

// recoverStep raises every reduced limit one step towards its configured
// capacity, once a full interval has passed since the last reduction.
func (s *SharedLimiter) recoverStep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for resource, at := range s.lastReduction {
		if now.Sub(at) < s.config.RecoveryInterval {
			continue
		}
		lc, ok := s.configured[resource]
		current := s.local.GetCapacity(resource)
		if !ok || current == nil {
			delete(s.lastReduction, resource)
			continue
		}
		next := int(float64(current.Total) * s.config.RecoveryFactor)
		if next <= current.Total {
			next = current.Total + 1
		}
		if next >= lc.original {
			next = lc.original
			delete(s.lastReduction, resource)
		}
		s.local.SetCapacity(resource, next, lc.window)
	}
}

// SetCapacity configures the rate limit for a resource.
func (s *SharedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	s.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(s.configured, resource)
		delete(s.lastReduction, resource)
	} else {
		s.configured[resource] = &limitConfig{original: capacity, window: window}
	}
	s.mu.Unlock()
	s.local.SetCapacity(resource, capacity, window)
}

// GetCapacity returns the current limit, or nil if unknown.
func (s *SharedLimiter) GetCapacity(resource string) *Capacity {
	return s.local.GetCapacity(resource)
}

// Acquire blocks until a token is available for the resource.
func (s *SharedLimiter) Acquire(ctx context.Context, resource string) error {
	return s.local.Acquire(ctx, resource)
}

// TryAcquire takes a token without blocking.
func (s *SharedLimiter) TryAcquire(resource string) bool {
	return s.local.TryAcquire(resource)
}

// AnnounceReduced reduces the local limit and broadcasts the new capacity.
func (s *SharedLimiter) AnnounceReduced(resource string, reason string) {
	s.mu.Lock()
	lc, ok := s.configured[resource]
	current := s.local.GetCapacity(resource)
	if !ok || current == nil {
		s.mu.Unlock()
		return
	}
	reduced := int(float64(current.Total) * s.config.ReduceFactor)
	if reduced < 1 {
		reduced = 1
	}
	s.local.SetCapacity(resource, reduced, lc.window)
	s.lastReduction[resource] = time.Now()
	s.mu.Unlock()

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		WorkerID:    s.config.WorkerID,
		NewCapacity: reduced,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return
	}
	_ = s.config.Bus.Publish(capacitySubject, data)
}

// OnCapacityChange sets a callback for reductions received from peers.
func (s *SharedLimiter) OnCapacityChange(cb OnCapacityChange) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Close stops the listener and recovery loops.
func (s *SharedLimiter) Close() error {
	s.cancel()
	_ = s.sub.Unsubscribe()
	s.wg.Wait()
	return s.local.Close()
}

var _ RateLimiter = (*SharedLimiter)(nil)
