package heartbeat

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskforge/bus"
)

// Monitor tracks worker heartbeats and reports workers that go silent.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	reported map[string]bool
	deadCBs  []func(*Heartbeat)

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Monitor{
		bus:           cfg.Bus,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		now:           time.Now,
		lastSeen:      make(map[string]*Heartbeat),
		reported:      make(map[string]bool),
	}, nil
}

// OnDead registers a callback invoked once per silent worker with its last
// heartbeat. The callback runs on the monitor goroutine.
func (m *Monitor) OnDead(cb func(last *Heartbeat)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, cb)
	m.mu.Unlock()
}

// Start subscribes to all worker heartbeats.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.Subscribe(SubjectPrefix + "*")
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.observe(msg)
		case <-ticker.C:
			m.CheckDead()
		}
	}
}

func (m *Monitor) observe(msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		return
	}
	if hb.WorkerID == "" {
		hb.WorkerID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}
	m.Record(hb)
}

// Record stores a heartbeat as the worker's latest.
func (m *Monitor) Record(hb *Heartbeat) {
	m.mu.Lock()
	m.lastSeen[hb.WorkerID] = hb
	delete(m.reported, hb.WorkerID)
	m.mu.Unlock()
}

// CheckDead fires OnDead callbacks for workers silent past the timeout.
func (m *Monitor) CheckDead() {
	now := m.now()
	var dead []*Heartbeat

	m.mu.Lock()
	for id, hb := range m.lastSeen {
		if now.Sub(hb.Timestamp) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, hb)
		}
	}
	callbacks := make([]func(*Heartbeat), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	for _, hb := range dead {
		for _, cb := range callbacks {
			cb(hb)
		}
	}
}

// IsAlive reports whether workerID beat within the monitor timeout.
func (m *Monitor) IsAlive(workerID string) bool {
	m.mu.RLock()
	hb, ok := m.lastSeen[workerID]
	m.mu.RUnlock()
	return ok && m.now().Sub(hb.Timestamp) <= m.timeout
}

// Workers returns the latest heartbeat of every known worker.
func (m *Monitor) Workers() []*Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Heartbeat, 0, len(m.lastSeen))
	for _, hb := range m.lastSeen {
		out = append(out, hb)
	}
	return out
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return nil
}
