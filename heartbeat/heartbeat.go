// Package heartbeat lets workers announce liveness and the tasks they hold,
// and lets the reconciler notice workers that went silent.
package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskforge/bus"
)

var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// Worker statuses.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDraining = "draining"
)

// Heartbeat is one liveness announcement from a worker.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`

	// Tasks are the task ids the worker currently holds in RUNNING.
	Tasks []string `json:"tasks,omitempty"`

	// Degraded is set when the worker runs sandboxed tools unisolated.
	Degraded bool `json:"degraded,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.WorkerID
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	Bus      bus.MessageBus
	WorkerID string

	// Interval between heartbeats. Default: 5s
	Interval time.Duration
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.WorkerID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Timeout after which a silent worker is presumed dead.
	// Should be 2-3x the sender interval. Default: 15s
	Timeout time.Duration

	// CheckInterval for the dead-worker scan. Default: 1s
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.Timeout < 0 || c.CheckInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderInterval and DefaultMonitorConfig mirror each other: the
// monitor timeout is three sender intervals.
const DefaultSenderInterval = 5 * time.Second

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       3 * DefaultSenderInterval,
		CheckInterval: time.Second,
	}
}
