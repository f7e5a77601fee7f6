package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskforge/bus"
	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/state"
)

func newManager(opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithLogger(logging.Discard())}, opts...)
	return NewManager(state.NewMemoryStore(), opts...)
}

func submit(t *testing.T, m *Manager) *Task {
	t.Helper()
	task, err := m.Submit(context.Background(), Task{Prompt: "read file A then summarize it", Priority: 5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func TestSubmit(t *testing.T) {
	m := newManager()
	task := submit(t, m)
	if task.ID == "" || task.Status != StatusQueued || task.RetryCount != 0 {
		t.Fatalf("task = %+v", task)
	}

	got, err := m.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Prompt != task.Prompt || got.Priority != 5 {
		t.Errorf("stored task = %+v", got)
	}

	if _, err := m.Submit(context.Background(), Task{Prompt: "  "}); err != ErrInvalidTask {
		t.Errorf("empty prompt err = %v", err)
	}
	if _, err := m.Get(context.Background(), "missing"); err != ErrTaskNotFound {
		t.Errorf("missing task err = %v", err)
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	a, err := m.Submit(ctx, Task{Prompt: "p", IdempotencyKey: "order 123 / retry"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := m.Submit(ctx, Task{Prompt: "p", IdempotencyKey: "order 123 / retry"})
	if err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("duplicate submission created %s and %s", a.ID, b.ID)
	}
	all, _ := m.List(ctx, "")
	if len(all) != 1 {
		t.Errorf("tasks = %d, want 1", len(all))
	}
}

func TestClaim(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task := submit(t, m)

	claimed, err := m.Claim(ctx, task.ID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Worker != "w1" || claimed.LeaseExpiresAt == nil {
		t.Errorf("claimed = %+v", claimed)
	}

	if _, err := m.Claim(ctx, task.ID, "w2", time.Minute); err != ErrNotQueued {
		t.Errorf("second claim err = %v, want ErrNotQueued", err)
	}
	if _, err := m.Claim(ctx, task.ID, "", time.Minute); err != ErrInvalidWorkerID {
		t.Errorf("empty worker err = %v", err)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	seed := NewManager(store, WithLogger(logging.Discard()))
	task := submit(t, seed)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewManager(store, WithLogger(logging.Discard()))
			_, err := m.Claim(ctx, task.ID, fmt.Sprintf("w%d", i), time.Minute)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if err != ErrNotQueued && err != ErrClaimConflict {
				t.Errorf("claim err = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestFail_RetryEdgeThenFailed(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task := submit(t, m)
	cause := terrors.ExecutionTimeout("code_runner", time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := m.Claim(ctx, task.ID, "w1", time.Minute); err != nil {
			t.Fatalf("attempt %d claim: %v", attempt, err)
		}
		got, requeued, err := m.Fail(ctx, task.ID, "w1", cause, 3)
		if err != nil {
			t.Fatalf("attempt %d Fail: %v", attempt, err)
		}
		if got.RetryCount != attempt {
			t.Errorf("attempt %d retry_count = %d", attempt, got.RetryCount)
		}
		if attempt < 3 && (!requeued || got.Status != StatusQueued) {
			t.Errorf("attempt %d: status %s requeued %v", attempt, got.Status, requeued)
		}
		if attempt == 3 {
			if requeued || got.Status != StatusFailed {
				t.Fatalf("final status %s requeued %v", got.Status, requeued)
			}
			payload, ok := got.Result.(FailurePayload)
			if !ok || payload.Code != string(terrors.ErrCodeExecutionTimeout) {
				t.Errorf("result = %#v", got.Result)
			}
		}
	}

	if _, err := m.Claim(ctx, task.ID, "w1", time.Minute); err != ErrNotQueued {
		t.Errorf("claim on FAILED task err = %v", err)
	}
	stored, _ := m.Get(ctx, task.ID)
	if stored.Status != StatusFailed || stored.RetryCount != 3 || stored.Error == "" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestWritesRequireHolder(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task := submit(t, m)

	if _, err := m.Complete(ctx, task.ID, "w1", "done"); err != ErrNotRunning {
		t.Errorf("complete QUEUED err = %v", err)
	}
	m.Claim(ctx, task.ID, "w1", time.Minute)
	if _, err := m.Complete(ctx, task.ID, "w2", "done"); err != ErrWrongWorker {
		t.Errorf("complete by w2 err = %v", err)
	}
	done, err := m.Complete(ctx, task.ID, "w1", "done")
	if err != nil || done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("Complete = %+v, %v", done, err)
	}
	if _, _, err := m.Fail(ctx, task.ID, "w1", errors.New("late"), 3); err != ErrNotRunning {
		t.Errorf("fail after complete err = %v", err)
	}
}

func TestSaveStep_ConcurrentSteps(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task := submit(t, m)
	m.Claim(ctx, task.ID, "w1", time.Minute)

	var steps []plan.Step
	for i := 1; i <= 6; i++ {
		steps = append(steps, plan.Step{ID: i, Name: "s", ToolName: "echo"})
	}
	p := plan.New(task.ID, "six independent steps", steps)
	if err := m.SavePlan(ctx, task.ID, "w1", p); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 6; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := *p.Step(id)
			s.Status = plan.StepCompleted
			s.ResultPreview = fmt.Sprintf("r%d", id)
			if err := m.SaveStep(ctx, task.ID, "w1", s); err != nil {
				t.Errorf("SaveStep %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := m.Get(ctx, task.ID)
	if got.Plan.CompletedSteps != 6 || got.Plan.Status != plan.StatusCompleted {
		t.Errorf("plan = %d/%d %s", got.Plan.CompletedSteps, got.Plan.TotalSteps, got.Plan.Status)
	}
	for _, s := range got.Plan.Steps {
		if s.ResultPreview != fmt.Sprintf("r%d", s.ID) {
			t.Errorf("step %d preview = %q", s.ID, s.ResultPreview)
		}
	}

	if err := m.SaveStep(ctx, task.ID, "w1", plan.Step{ID: 99}); !terrors.Is(err, terrors.ErrCodeInvalidInput) {
		t.Errorf("unknown step err = %v", err)
	}
}

func TestLeaseExpiryAndReclaim(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	task := submit(t, m)
	m.Claim(ctx, task.ID, "w1", time.Minute)

	if exp, _ := m.Expired(ctx); len(exp) != 0 {
		t.Fatalf("expired before lease lapsed: %v", exp)
	}
	now = now.Add(2 * time.Minute)
	exp, err := m.Expired(ctx)
	if err != nil || len(exp) != 1 {
		t.Fatalf("Expired = %v, %v", exp, err)
	}

	got, requeued, err := m.Reclaim(ctx, task.ID, "lease expired", 3)
	if err != nil || !requeued || got.Status != StatusQueued || got.RetryCount != 1 || got.Worker != "" {
		t.Fatalf("Reclaim = %+v, %v, %v", got, requeued, err)
	}

	// The previous holder's late write is refused.
	if _, err := m.Complete(ctx, task.ID, "w1", "stale"); err != ErrNotRunning {
		t.Errorf("stale complete err = %v", err)
	}
	if _, _, err := m.Reclaim(ctx, task.ID, "again", 3); err != ErrNotRunning {
		t.Errorf("reclaim QUEUED err = %v", err)
	}
}

func TestRenewLease(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	task := submit(t, m)
	m.Claim(ctx, task.ID, "w1", time.Minute)

	now = now.Add(50 * time.Second)
	if err := m.RenewLease(ctx, task.ID, "w1", time.Minute); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	now = now.Add(30 * time.Second)
	if exp, _ := m.Expired(ctx); len(exp) != 0 {
		t.Errorf("renewed lease reported expired")
	}
}

func TestDelete(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task := submit(t, m)
	if err := m.Delete(ctx, task.ID); err != ErrNotTerminal {
		t.Errorf("delete QUEUED err = %v", err)
	}
	m.Claim(ctx, task.ID, "w1", time.Minute)
	m.Complete(ctx, task.ID, "w1", nil)
	if err := m.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, task.ID); err != ErrTaskNotFound {
		t.Errorf("Get after delete err = %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	sub, _ := b.Subscribe(bus.TaskEventPrefix + ">")
	m := newManager(WithEvents(b))
	ctx := context.Background()

	task := submit(t, m)
	m.Claim(ctx, task.ID, "w1", time.Minute)
	m.Complete(ctx, task.ID, "w1", "ok")

	want := []string{"QUEUED", "RUNNING", "COMPLETED"}
	for _, status := range want {
		select {
		case msg := <-sub.Messages():
			ev, err := bus.ParseTaskEvent(msg.Data)
			if err != nil || ev.Status != status || ev.TaskID != task.ID {
				t.Errorf("event = %+v, %v, want %s", ev, err, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", status)
		}
	}
}

func TestClose(t *testing.T) {
	m := newManager()
	m.Close()
	if _, err := m.Submit(context.Background(), Task{Prompt: "p"}); err != ErrStoreClosed {
		t.Errorf("Submit after Close err = %v", err)
	}
}
