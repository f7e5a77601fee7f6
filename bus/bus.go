// Package bus carries fire-and-forget notifications between workers: worker
// heartbeats and task lifecycle events. Work distribution does not go through
// the bus; see package queue.
package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a notification received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// MessageBus is a publish/subscribe transport.
type MessageBus interface {
	// Publish sends data to every subscriber of subject.
	Publish(subject string, data []byte) error

	// Subscribe receives messages on subject. NATS wildcards are supported:
	// "*" matches one token, a trailing ">" matches the rest.
	Subscribe(subject string) (Subscription, error)

	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the delivery channel, closed on Unsubscribe.
	Messages() <-chan *Message
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Slow subscribers drop messages
	// once the buffer is full. Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// ValidateSubject rejects empty subjects and empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\n") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// SubjectMatches reports whether subject matches a subscription pattern.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// TaskEventPrefix is the subject prefix for task lifecycle events.
const TaskEventPrefix = "tasks.events."

// TaskEvent announces a task status change.
type TaskEvent struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Worker     string    `json:"worker,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishTaskEvent publishes ev on tasks.events.<task id>.
func PublishTaskEvent(b MessageBus, ev TaskEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Publish(TaskEventPrefix+ev.TaskID, data)
}

// ParseTaskEvent decodes a task event message.
func ParseTaskEvent(data []byte) (*TaskEvent, error) {
	var ev TaskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
