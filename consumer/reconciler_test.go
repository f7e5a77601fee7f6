package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskforge/heartbeat"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/state"
	"github.com/vinayprograms/taskforge/tasks"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type reconcileFixture struct {
	clock  *clock
	tasks  *tasks.Manager
	queue  *queue.MemoryQueue
	client *Client
	rec    *Reconciler
}

func newReconcileFixture(maxRetries int) *reconcileFixture {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := tasks.NewManager(state.NewMemoryStore(), tasks.WithLogger(logging.Discard()), tasks.WithClock(clk.Now))
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	rec := NewReconciler(m, q, ReconcilerConfig{MaxRetries: maxRetries, StaleQueued: time.Minute, Logger: logging.Discard()})
	rec.now = clk.Now
	return &reconcileFixture{clock: clk, tasks: m, queue: q, client: NewClient(m, q, 0), rec: rec}
}

// claimed submits a task, drains its message and claims it for worker.
func (f *reconcileFixture) claimed(t *testing.T, worker string) *tasks.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.client.Submit(ctx, SubmitRequest{Prompt: "work"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.drain(t)
	if _, err := f.tasks.Claim(ctx, task.ID, worker, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return task
}

func (f *reconcileFixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for f.queue.Len() > 0 {
		d, err := f.queue.Pull(context.Background(), 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		if err := d.Ack(context.Background()); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		n++
	}
	return n
}

func TestReconciler_SweepReclaimsExpiredLeases(t *testing.T) {
	f := newReconcileFixture(3)
	ctx := context.Background()
	expired := f.claimed(t, "w1")

	n, err := f.rec.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Sweep before expiry = %d, %v", n, err)
	}

	f.clock.Advance(2 * time.Minute)
	fresh := f.claimed(t, "w2")
	n, err = f.rec.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}

	got, _ := f.tasks.Get(ctx, expired.ID)
	if got.Status != tasks.StatusQueued || got.RetryCount != 1 || got.Worker != "" {
		t.Errorf("expired task = %s retry %d worker %q", got.Status, got.RetryCount, got.Worker)
	}
	if still, _ := f.tasks.Get(ctx, fresh.ID); still.Status != tasks.StatusRunning {
		t.Errorf("fresh task = %s", still.Status)
	}
	if n := f.drain(t); n != 1 {
		t.Errorf("republished %d messages, want 1", n)
	}
}

func TestReconciler_ReclaimHonoursRetryLimit(t *testing.T) {
	f := newReconcileFixture(1)
	ctx := context.Background()
	task := f.claimed(t, "w1")

	f.clock.Advance(2 * time.Minute)
	if _, err := f.rec.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.tasks.Get(ctx, task.ID)
	if got.Status != tasks.StatusFailed || got.RetryCount != 1 {
		t.Errorf("task = %s retry %d", got.Status, got.RetryCount)
	}
	if f.queue.Len() != 0 {
		t.Errorf("failed task was republished")
	}
}

func TestReconciler_WorkerDead(t *testing.T) {
	f := newReconcileFixture(3)
	ctx := context.Background()
	held := f.claimed(t, "w1")
	other := f.claimed(t, "w2")

	f.rec.WorkerDead(ctx, &heartbeat.Heartbeat{WorkerID: "w1", Tasks: []string{held.ID, other.ID, "gone"}})

	got, _ := f.tasks.Get(ctx, held.ID)
	if got.Status != tasks.StatusQueued || got.RetryCount != 1 {
		t.Errorf("held task = %s retry %d", got.Status, got.RetryCount)
	}
	if o, _ := f.tasks.Get(ctx, other.ID); o.Status != tasks.StatusRunning || o.Worker != "w2" {
		t.Errorf("other worker's task = %s %q", o.Status, o.Worker)
	}
	if n := f.drain(t); n != 1 {
		t.Errorf("republished %d messages, want 1", n)
	}

	// A second report for the same worker finds nothing to reclaim.
	f.rec.WorkerDead(ctx, &heartbeat.Heartbeat{WorkerID: "w1", Tasks: []string{held.ID}})
	if again, _ := f.tasks.Get(ctx, held.ID); again.RetryCount != 1 {
		t.Errorf("retry_count = %d after duplicate report", again.RetryCount)
	}
}

func TestReconciler_RepublishesStaleQueued(t *testing.T) {
	f := newReconcileFixture(3)
	ctx := context.Background()
	if _, err := f.client.Submit(ctx, SubmitRequest{Prompt: "lost"}); err != nil {
		t.Fatal(err)
	}
	f.drain(t) // the message is lost

	if _, err := f.rec.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("fresh QUEUED task republished")
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.rec.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.drain(t); n != 1 {
		t.Errorf("republished %d messages, want 1 per sweep window", n)
	}
}

func TestClient_SubmitIsIdempotent(t *testing.T) {
	f := newReconcileFixture(3)
	ctx := context.Background()
	req := SubmitRequest{Prompt: "once", IdempotencyKey: "k1", Owner: tasks.Owner{ID: "alice"}}

	first, err := f.client.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.client.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if first.Priority != 5 || first.Status != tasks.StatusQueued {
		t.Errorf("task = %+v", first)
	}
	if n := f.drain(t); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}

	status, err := f.client.Status(ctx, first.ID)
	if err != nil || status.Prompt != "once" {
		t.Errorf("Status = %+v, %v", status, err)
	}
}

func TestClient_RejectsEmptyPrompt(t *testing.T) {
	f := newReconcileFixture(3)
	if _, err := f.client.Submit(context.Background(), SubmitRequest{Prompt: "  "}); err == nil {
		t.Error("empty prompt accepted")
	}
	if f.queue.Len() != 0 {
		t.Error("rejected task was published")
	}
}
