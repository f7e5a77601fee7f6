package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with priority ordering and
// ack-deadline redelivery.
type MemoryQueue struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	ready    readyHeap
	inflight map[uint64]*memDelivery
	seen     map[string]struct{}
	seq      uint64
	notify   chan struct{}
	closed   bool
}

type entry struct {
	msg      message
	seq      uint64
	attempts int
	visible  time.Time
}

// readyHeap orders by priority desc, then enqueue order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultConfig().AckWait
	}
	return &MemoryQueue{
		config:   cfg,
		now:      time.Now,
		inflight: make(map[uint64]*memDelivery),
		seen:     make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Publish enqueues taskID.
func (q *MemoryQueue) Publish(_ context.Context, taskID string, priority int, opts ...PublishOption) error {
	if taskID == "" {
		return ErrNoTask
	}
	o := applyPublishOptions(opts)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if o.dedupID != "" {
		if _, dup := q.seen[o.dedupID]; dup {
			q.mu.Unlock()
			return nil
		}
		q.seen[o.dedupID] = struct{}{}
	}
	q.seq++
	heap.Push(&q.ready, &entry{msg: message{TaskID: taskID, Priority: priority}, seq: q.seq})
	q.mu.Unlock()
	q.signal()
	return nil
}

// reclaimLocked moves expired in-flight messages back to ready.
func (q *MemoryQueue) reclaimLocked(now time.Time) {
	for id, d := range q.inflight {
		if now.After(d.deadline) {
			delete(q.inflight, id)
			q.requeueLocked(d.entry, now)
		}
	}
}

func (q *MemoryQueue) requeueLocked(e *entry, visible time.Time) {
	if q.config.MaxDeliver > 0 && e.attempts >= q.config.MaxDeliver {
		return
	}
	e.visible = visible
	heap.Push(&q.ready, e)
}

// popLocked returns the best visible entry, or nil.
func (q *MemoryQueue) popLocked(now time.Time) *entry {
	var deferred []*entry
	var found *entry
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		if e.visible.After(now) {
			deferred = append(deferred, e)
			continue
		}
		found = e
		break
	}
	for _, e := range deferred {
		heap.Push(&q.ready, e)
	}
	return found
}

// Pull waits up to wait for a visible message.
func (q *MemoryQueue) Pull(ctx context.Context, wait time.Duration) (Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		q.reclaimLocked(now)
		if e := q.popLocked(now); e != nil {
			e.attempts++
			d := &memDelivery{q: q, entry: e, deadline: now.Add(q.config.AckWait)}
			q.inflight[e.seq] = d
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-q.notify:
		case <-tick.C:
		}
	}
}

// Len reports ready plus in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.inflight)
}

// Close stops the queue. Pending messages are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	return nil
}

type memDelivery struct {
	q        *MemoryQueue
	entry    *entry
	deadline time.Time
}

func (d *memDelivery) TaskID() string { return d.entry.msg.TaskID }
func (d *memDelivery) Priority() int  { return d.entry.msg.Priority }
func (d *memDelivery) Attempt() int   { return d.entry.attempts }

func (d *memDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	cur, ok := d.q.inflight[d.entry.seq]
	if !ok || cur != d {
		return ErrAcked
	}
	delete(d.q.inflight, d.entry.seq)
	return nil
}

func (d *memDelivery) Nak(_ context.Context, delay time.Duration) error {
	d.q.mu.Lock()
	cur, ok := d.q.inflight[d.entry.seq]
	if !ok || cur != d {
		d.q.mu.Unlock()
		return ErrAcked
	}
	delete(d.q.inflight, d.entry.seq)
	d.q.requeueLocked(d.entry, d.q.now().Add(delay))
	d.q.mu.Unlock()
	d.q.signal()
	return nil
}
