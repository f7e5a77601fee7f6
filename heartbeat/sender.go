package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskforge/bus"
)

// Sender publishes periodic heartbeats for one worker.
type Sender struct {
	bus      bus.MessageBus
	workerID string
	interval time.Duration

	mu       sync.RWMutex
	tasks    map[string]struct{}
	status   string
	degraded bool

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSenderInterval
	}
	return &Sender{
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		interval: cfg.Interval,
		tasks:    make(map[string]struct{}),
		status:   StatusIdle,
	}, nil
}

// Start sends one heartbeat immediately, then one per interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)
	s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat()
		}
	}
}

// Beat publishes a heartbeat now.
func (s *Sender) Beat() error {
	data, err := s.snapshot().Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(SubjectPrefix+s.workerID, data)
}

func (s *Sender) snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hb := &Heartbeat{
		WorkerID:  s.workerID,
		Timestamp: time.Now(),
		Status:    s.status,
		Degraded:  s.degraded,
	}
	for id := range s.tasks {
		hb.Tasks = append(hb.Tasks, id)
	}
	sort.Strings(hb.Tasks)
	return hb
}

// Hold records that the worker now owns taskID.
func (s *Sender) Hold(taskID string) {
	s.mu.Lock()
	s.tasks[taskID] = struct{}{}
	s.status = StatusBusy
	s.mu.Unlock()
}

// Release records that the worker no longer owns taskID.
func (s *Sender) Release(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	if len(s.tasks) == 0 && s.status == StatusBusy {
		s.status = StatusIdle
	}
	s.mu.Unlock()
}

// SetStatus overrides the reported status (e.g. draining on shutdown).
func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetDegraded reports whether sandboxed tools run unisolated.
func (s *Sender) SetDegraded(degraded bool) {
	s.mu.Lock()
	s.degraded = degraded
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// WorkerID returns the sender's worker id.
func (s *Sender) WorkerID() string {
	return s.workerID
}
