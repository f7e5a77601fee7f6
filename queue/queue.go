// Package queue is the work queue that distributes task ids to workers.
//
// Delivery is at-least-once with consumer-group semantics: every message is
// handed to exactly one puller at a time, and a message that is neither
// acknowledged nor negatively acknowledged before its ack deadline is
// redelivered. Higher priority messages are pulled first.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrEmpty  = errors.New("queue empty")
	ErrNoTask = errors.New("task id required")
	ErrAcked  = errors.New("delivery already settled")
)

// Priority bands. Task priorities 1..10 are folded into these bands.
const (
	BandLow    = "low"
	BandNormal = "normal"
	BandHigh   = "high"
)

// Bands lists the priority bands from highest to lowest.
var Bands = []string{BandHigh, BandNormal, BandLow}

// BandFor maps a task priority (1 lowest .. 10 highest) to a band.
func BandFor(priority int) string {
	switch {
	case priority >= 8:
		return BandHigh
	case priority <= 3:
		return BandLow
	default:
		return BandNormal
	}
}

// Delivery is a message handed to one worker.
type Delivery interface {
	TaskID() string
	Priority() int

	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt() int

	// Ack settles the message; it will not be delivered again.
	Ack(ctx context.Context) error

	// Nak releases the message for redelivery after delay.
	Nak(ctx context.Context, delay time.Duration) error
}

// Queue is the work queue contract the consumer depends on.
type Queue interface {
	// Publish enqueues a task id with a priority.
	Publish(ctx context.Context, taskID string, priority int, opts ...PublishOption) error

	// Pull blocks up to wait for one message. It returns ErrEmpty when
	// nothing arrived in time.
	Pull(ctx context.Context, wait time.Duration) (Delivery, error)

	Close() error
}

// Config holds settings shared by queue backends.
type Config struct {
	// AckWait is how long a pulled message stays invisible before it is
	// redelivered. Default: 5m
	AckWait time.Duration

	// MaxDeliver bounds redeliveries of one message. 0 = unlimited.
	MaxDeliver int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{AckWait: 5 * time.Minute}
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	dedupID string
}

// WithDedupID drops the publish if a message with the same id was already
// accepted. Callers republishing a task for retry must vary the id.
func WithDedupID(id string) PublishOption {
	return func(o *publishOptions) { o.dedupID = id }
}

func applyPublishOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// message is the wire payload.
type message struct {
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority"`
}
