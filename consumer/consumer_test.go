package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/guard"
	"github.com/vinayprograms/taskforge/llm"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/state"
	"github.com/vinayprograms/taskforge/tasks"
	"github.com/vinayprograms/taskforge/tools"
)

// fakeRunner dispatches on tool name and records invocations.
type fakeRunner struct {
	mu      sync.Mutex
	fns     map[string]func(tools.Params) tools.Result
	calls   []string
	running int
	peak    int
	delay   time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fns: map[string]func(tools.Params) tools.Result{}}
}

func (r *fakeRunner) on(name string, fn func(tools.Params) tools.Result) {
	r.fns[name] = fn
}

func (r *fakeRunner) Execute(_ context.Context, name string, params tools.Params, _ tools.Call) tools.Result {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	fn := r.fns[name]
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	res := tools.Result{Tool: name, Success: true, Output: name + " done"}
	if fn != nil {
		res = fn(params)
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return res
}

func (r *fakeRunner) invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeCatalog allows everything except the tools in deny.
type fakeCatalog struct {
	deny map[string]bool
}

func (c *fakeCatalog) List(string, bool) []tools.Tool {
	return []tools.Tool{{Name: "echo", Description: "Echo", Category: tools.CategoryGeneral, Enabled: true}}
}

func (c *fakeCatalog) CheckPermission(name string, _ tools.Caller) bool {
	return !c.deny[name]
}

// fakePlanner hands out copies of a fixed step list.
type fakePlanner struct {
	steps []plan.Step
	err   error
	calls atomic.Int32
}

func (p *fakePlanner) CreateWithRetry(_ context.Context, taskID, _ string, _ []plan.ToolInfo) (*plan.Plan, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	steps := make([]plan.Step, len(p.steps))
	copy(steps, p.steps)
	return plan.New(taskID, "test plan", steps), nil
}

// recordingDelivery counts settlements.
type recordingDelivery struct {
	taskID string
	acks   int
	naks   int
}

func (d *recordingDelivery) TaskID() string { return d.taskID }
func (d *recordingDelivery) Priority() int  { return 5 }
func (d *recordingDelivery) Attempt() int   { return 1 }

func (d *recordingDelivery) Ack(context.Context) error {
	d.acks++
	return nil
}

func (d *recordingDelivery) Nak(context.Context, time.Duration) error {
	d.naks++
	return nil
}

type harness struct {
	tasks    *tasks.Manager
	queue    *queue.MemoryQueue
	client   *Client
	planner  *fakePlanner
	runner   *fakeRunner
	catalog  *fakeCatalog
	consumer *Consumer
}

func newHarness(t *testing.T, steps ...plan.Step) *harness {
	t.Helper()
	h := &harness{
		tasks:   tasks.NewManager(state.NewMemoryStore(), tasks.WithLogger(logging.Discard())),
		queue:   queue.NewMemoryQueue(queue.DefaultConfig()),
		planner: &fakePlanner{steps: steps},
		runner:  newFakeRunner(),
		catalog: &fakeCatalog{deny: map[string]bool{}},
	}
	h.client = NewClient(h.tasks, h.queue, 0)
	c, err := New(Config{WorkerID: "w1", Workers: 1, FanOut: 2, PullTimeout: 50 * time.Millisecond, Logger: logging.Discard()},
		Deps{Tasks: h.tasks, Queue: h.queue, Planner: h.planner, Catalog: h.catalog, Runner: h.runner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.consumer = c
	return h
}

func (h *harness) submit(t *testing.T) *tasks.Task {
	t.Helper()
	task, err := h.client.Submit(context.Background(), SubmitRequest{Prompt: "do the thing", Owner: tasks.Owner{ID: "alice"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

// deliver pulls the next message and handles it.
func (h *harness) deliver(t *testing.T) {
	t.Helper()
	d, err := h.queue.Pull(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	h.consumer.Handle(context.Background(), d)
}

func (h *harness) get(t *testing.T, id string) *tasks.Task {
	t.Helper()
	task, err := h.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return task
}

func echoStep(id int, deps ...int) plan.Step {
	return plan.Step{ID: id, Name: fmt.Sprintf("s%d", id), Description: "d", ToolName: "echo", Dependencies: deps}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	if _, err := New(Config{}, Deps{Tasks: h.tasks}); !errors.Is(err, tasks.ErrInvalidWorkerID) {
		t.Errorf("no worker id: err = %v", err)
	}
	if _, err := New(Config{WorkerID: "w"}, Deps{Tasks: h.tasks}); !terrors.Is(err, terrors.ErrCodeInvalidInput) {
		t.Errorf("missing deps: err = %v", err)
	}
}

func TestHandle_CompletesTask(t *testing.T) {
	h := newHarness(t, echoStep(1), echoStep(2, 1))
	task := h.submit(t)
	h.deliver(t)

	got := h.get(t, task.ID)
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if got.Plan == nil || got.Plan.Status != plan.StatusCompleted || got.Plan.CompletedSteps != 2 {
		t.Errorf("plan = %+v", got.Plan)
	}
	result, ok := got.Result.(map[string]any)
	if !ok || result["output"] != "echo done" {
		t.Errorf("result = %#v", got.Result)
	}
	if got.Worker != "w1" || got.CompletedAt == nil {
		t.Errorf("worker = %q completed_at = %v", got.Worker, got.CompletedAt)
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue len = %d", h.queue.Len())
	}
}

func TestHandle_DuplicateDeliveryIsSkipped(t *testing.T) {
	for _, status := range []tasks.Status{tasks.StatusRunning, tasks.StatusCompleted} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, echoStep(1))
			task := h.submit(t)
			ctx := context.Background()

			if _, err := h.tasks.Claim(ctx, task.ID, "other", time.Minute); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if status == tasks.StatusCompleted {
				if _, err := h.tasks.Complete(ctx, task.ID, "other", "ok"); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			}

			d := &recordingDelivery{taskID: task.ID}
			h.consumer.Handle(ctx, d)
			h.consumer.Handle(ctx, d)

			if d.acks != 2 || d.naks != 0 {
				t.Errorf("acks = %d naks = %d, want one ack per delivery", d.acks, d.naks)
			}
			if n := h.planner.calls.Load(); n != 0 {
				t.Errorf("planner calls = %d", n)
			}
			if calls := h.runner.invocations(); len(calls) != 0 {
				t.Errorf("runner calls = %v", calls)
			}
			got := h.get(t, task.ID)
			if got.Status != status || got.RetryCount != 0 || got.Worker != "other" {
				t.Errorf("task = %s retry %d worker %q", got.Status, got.RetryCount, got.Worker)
			}
		})
	}
}

func TestHandle_RedeliveryExecutesOnce(t *testing.T) {
	h := newHarness(t, echoStep(1))
	task := h.submit(t)
	// A second message for the same task, as after a redelivery.
	if err := h.queue.Publish(context.Background(), task.ID, task.Priority); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	h.deliver(t)
	h.deliver(t)

	if calls := h.runner.invocations(); len(calls) != 1 {
		t.Errorf("runner calls = %v, want one execution", calls)
	}
	if got := h.get(t, task.ID); got.Status != tasks.StatusCompleted || got.RetryCount != 0 {
		t.Errorf("task = %s retry %d", got.Status, got.RetryCount)
	}
}

func TestHandle_UnknownTaskIsAcked(t *testing.T) {
	h := newHarness(t)
	d := &recordingDelivery{taskID: "ghost"}
	h.consumer.Handle(context.Background(), d)
	if d.acks != 1 || d.naks != 0 {
		t.Errorf("acks = %d naks = %d", d.acks, d.naks)
	}
}

func TestHandle_TimeoutRetriesThenFails(t *testing.T) {
	h := newHarness(t, plan.Step{ID: 1, Name: "slow", Description: "d", ToolName: "slow"})
	h.runner.on("slow", func(tools.Params) tools.Result {
		return tools.Failure("slow", string(terrors.ErrCodeExecutionTimeout), "execution exceeded 1s")
	})
	task := h.submit(t)

	for attempt := 1; attempt <= 3; attempt++ {
		h.deliver(t)
		got := h.get(t, task.ID)
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count = %d", attempt, got.RetryCount)
		}
		if attempt < 3 {
			if got.Status != tasks.StatusQueued {
				t.Fatalf("attempt %d: status = %s", attempt, got.Status)
			}
			if h.queue.Len() != 1 {
				t.Fatalf("attempt %d: queue len = %d, want requeued", attempt, h.queue.Len())
			}
			continue
		}
		if got.Status != tasks.StatusFailed {
			t.Fatalf("final status = %s", got.Status)
		}
		payload, ok := got.Result.(map[string]any)
		if !ok || payload["code"] != string(terrors.ErrCodeExecutionTimeout) {
			t.Errorf("failure payload = %#v", got.Result)
		}
	}
	if h.queue.Len() != 0 {
		t.Errorf("failed task was requeued: queue len = %d", h.queue.Len())
	}
	// The plan is built once and reused by every retry.
	if n := h.planner.calls.Load(); n != 1 {
		t.Errorf("planner calls = %d", n)
	}
}

func TestHandle_PlannerErrorConsumesRetry(t *testing.T) {
	h := newHarness(t)
	h.planner.err = terrors.New(terrors.ErrCodeUnavailable, "model down")
	task := h.submit(t)
	h.deliver(t)

	got := h.get(t, task.ID)
	if got.Status != tasks.StatusQueued || got.RetryCount != 1 || !strings.Contains(got.Error, "model down") {
		t.Errorf("task = %s retry %d error %q", got.Status, got.RetryCount, got.Error)
	}
}

func TestHandle_RetryKeepsCompletedSteps(t *testing.T) {
	h := newHarness(t, echoStep(1), plan.Step{ID: 2, Name: "flaky", Description: "d", ToolName: "flaky", Dependencies: []int{1}})
	var flaky atomic.Int32
	h.runner.on("flaky", func(tools.Params) tools.Result {
		if flaky.Add(1) == 1 {
			return tools.Failure("flaky", string(terrors.ErrCodeUnavailable), "try later")
		}
		return tools.Result{Tool: "flaky", Success: true, Output: "fine"}
	})
	task := h.submit(t)
	h.deliver(t)
	if got := h.get(t, task.ID); got.Status != tasks.StatusQueued {
		t.Fatalf("after first attempt: %s", got.Status)
	}
	h.deliver(t)

	got := h.get(t, task.ID)
	if got.Status != tasks.StatusCompleted || got.RetryCount != 1 {
		t.Fatalf("task = %s retry %d (%s)", got.Status, got.RetryCount, got.Error)
	}
	want := []string{"echo", "flaky", "flaky"}
	if calls := h.runner.invocations(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("runner calls = %v, want %v", calls, want)
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t, echoStep(1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	task := h.submit(t)
	deadline := time.Now().Add(5 * time.Second)
	for h.get(t, task.ID).Status != tasks.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("task not completed, status %s", h.get(t, task.ID).Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// The full path: a model plan, the built-in file reader and summarizer
// bound in the registry, and the guard in front of them.
func TestEndToEnd_ReadThenSummarize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.txt")
	if err := os.WriteFile(path, []byte("v1.2: fixed the widget"), 0o644); err != nil {
		t.Fatal(err)
	}
	planJSON := fmt.Sprintf(`{"summary": "Read A then summarize it", "steps": [
  {"step_id": 1, "name": "read", "description": "Read file A", "tool_name": "file_reader", "tool_parameters": {"path": %q}},
  {"step_id": 2, "name": "summarize", "description": "Summarize it", "tool_name": "summarizer",
   "tool_parameters": {"text": "@{{steps.1.result}}"}, "dependencies": [1]}
]}`, path)

	model := llm.NewMockProvider()
	var summarized atomic.Bool
	model.ChatFunc = func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "fixed the widget") {
			summarized.Store(true)
			return &llm.ChatResponse{Content: "A widget fix."}, nil
		}
		return &llm.ChatResponse{Content: planJSON}, nil
	}

	generator, err := plan.NewGenerator(plan.GeneratorConfig{Model: llm.NewGenerator(model, "", 0), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	registry := tools.NewRegistry(tools.RegistryConfig{
		Builtins: tools.Builtins(tools.BuiltinDeps{Summarizer: llm.NewSummarizer(model)}),
		Logger:   logging.Discard(),
	})
	g := guard.New(context.Background(), registry, guard.Config{Logger: logging.Discard()})

	m := tasks.NewManager(state.NewMemoryStore(), tasks.WithLogger(logging.Discard()))
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	c, err := New(Config{WorkerID: "w1", Logger: logging.Discard()},
		Deps{Tasks: m, Queue: q, Planner: generator, Catalog: registry, Runner: g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task, err := NewClient(m, q, 0).Submit(context.Background(), SubmitRequest{
		Prompt: "read file A then summarize it",
		Owner:  tasks.Owner{ID: "alice", Permissions: []string{"file_access"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	d, err := q.Pull(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	c.Handle(context.Background(), d)

	got, err := m.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if !summarized.Load() {
		t.Error("summarizer never saw the file content")
	}
	result, _ := got.Result.(map[string]any)
	if result["output"] != "A widget fix." {
		t.Errorf("output = %#v", result["output"])
	}
	if s := got.Plan.Step(1); s == nil || s.Output != "v1.2: fixed the widget" {
		t.Errorf("step 1 = %+v", s)
	}
}
