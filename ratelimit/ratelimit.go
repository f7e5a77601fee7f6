package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// SubjectPrefix is the message bus subject prefix for rate limit messages.
const SubjectPrefix = "ratelimit."

// capacitySubject carries CapacityUpdate messages.
const capacitySubject = SubjectPrefix + "capacity"

// RateLimiter limits how often each named resource may be used.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first, ErrResourceUnknown if
	// the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity uses per window. A non-positive capacity
	// or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced lowers capacity after an upstream throttle.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current limit, or nil if unknown.
	GetCapacity(resource string) *Capacity

	// Close releases resources.
	Close() error
}

// Capacity describes the limit configured for a resource.
type Capacity struct {
	Resource string

	// Total uses allowed per Window.
	Total  int
	Window time.Duration

	// Available tokens right now, rounded down.
	Available int
}

// CapacityUpdate is broadcast when a worker reduces a shared limit.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	WorkerID    string    `json:"worker_id"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange is a callback for capacity change notifications.
type OnCapacityChange func(update *CapacityUpdate)
