// Package consumer drives tasks from the work queue to a terminal state.
//
// A pool of workers pulls task ids from a shared queue. Each delivery is
// checked against the stored task: anything not QUEUED is acknowledged and
// skipped, which makes duplicate deliveries harmless. A claimed task is
// planned (or its earlier plan reused), its plan executed step by step
// through the execution guard, and the task completed or failed through
// the retry path. Every processed delivery is acknowledged; a task that
// goes back to QUEUED is republished.
//
// A Reconciler complements the workers: it reclaims RUNNING tasks whose
// lease lapsed or whose worker stopped sending heartbeats.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/tasks"
	"github.com/vinayprograms/taskforge/telemetry"
	"github.com/vinayprograms/taskforge/tools"
)

// Planner produces validated plans.
type Planner interface {
	CreateWithRetry(ctx context.Context, taskID, description string, tools []plan.ToolInfo) (*plan.Plan, error)
}

// Holder is told which tasks the worker holds, for heartbeats.
type Holder interface {
	Hold(taskID string)
	Release(taskID string)
}

// Config configures a Consumer.
type Config struct {
	WorkerID string

	// Workers is the number of concurrent pullers. Default: 4
	Workers int

	// FanOut bounds concurrently running steps per task. Default: 4
	FanOut int

	// PullTimeout bounds one blocking pull. Default: 1s
	PullTimeout time.Duration

	// Lease is how long a claim holds before the reconciler may reclaim
	// it. It is renewed while the task runs. Default: 2m
	Lease time.Duration

	// MaxRetries is the failure count at which a task becomes FAILED.
	// Default: 3
	MaxRetries int

	// RetryDelay is the Nak delay for deliveries that could not be
	// inspected. Default: 5s
	RetryDelay time.Duration

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
}

// Deps are the collaborators a Consumer drives.
type Deps struct {
	Tasks   *tasks.Manager
	Queue   queue.Queue
	Planner Planner
	Catalog Catalog
	Runner  Runner
	Holder  Holder // optional
}

// Consumer is a worker pool over the task queue.
type Consumer struct {
	cfg      Config
	tasks    *tasks.Manager
	queue    queue.Queue
	planner  Planner
	catalog  Catalog
	holder   Holder
	executor *Executor
	logger   *logging.Logger
	tracer   *telemetry.Tracer

	mu    sync.Mutex
	abort context.CancelFunc
}

// New creates a consumer.
func New(cfg Config, deps Deps) (*Consumer, error) {
	if cfg.WorkerID == "" {
		return nil, tasks.ErrInvalidWorkerID
	}
	if deps.Tasks == nil || deps.Queue == nil || deps.Planner == nil || deps.Catalog == nil || deps.Runner == nil {
		return nil, terrors.InvalidInput("consumer requires tasks, queue, planner, catalog and runner")
	}
	cfg.applyDefaults()
	return &Consumer{
		cfg:      cfg,
		tasks:    deps.Tasks,
		queue:    deps.Queue,
		planner:  deps.Planner,
		catalog:  deps.Catalog,
		holder:   deps.Holder,
		executor: NewExecutor(deps.Runner, deps.Catalog, cfg.FanOut, cfg.Logger, cfg.Tracer),
		logger:   cfg.Logger.WithComponent("consumer").With("worker", cfg.WorkerID),
		tracer:   cfg.Tracer,
	}, nil
}

// Run pulls and processes deliveries until ctx is done, then waits for
// in-flight tasks to finish. In-flight work is not cancelled by ctx; use
// Abort to cut it short.
func (c *Consumer) Run(ctx context.Context) error {
	work, abort := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.abort = abort
	c.mu.Unlock()
	defer abort()

	c.logger.Info("consumer_started", map[string]interface{}{"workers": c.cfg.Workers, "fan_out": c.cfg.FanOut})
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, work)
		}()
	}
	wg.Wait()
	c.logger.Info("consumer_stopped")
	return nil
}

// Abort cancels in-flight work started by Run.
func (c *Consumer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abort != nil {
		c.abort()
	}
}

func (c *Consumer) loop(intake, work context.Context) {
	for intake.Err() == nil {
		d, err := c.queue.Pull(intake, c.cfg.PullTimeout)
		switch {
		case err == nil:
			c.Handle(work, d)
		case errors.Is(err, queue.ErrEmpty), intake.Err() != nil:
		case errors.Is(err, queue.ErrClosed):
			return
		default:
			c.logger.Warn("queue_pull_failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-intake.Done():
			case <-time.After(c.cfg.PullTimeout):
			}
		}
	}
}

// Handle processes one delivery to the point of acknowledgement.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	taskID := d.TaskID()
	log := c.logger.WithTask(taskID)

	t, err := c.tasks.Get(ctx, taskID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		log.Warn("delivery_for_unknown_task")
		c.ack(ctx, d)
		return
	}
	if err != nil {
		log.Warn("task_load_failed", map[string]interface{}{"error": err.Error()})
		c.nak(ctx, d)
		return
	}
	if t.Status != tasks.StatusQueued {
		log.Info("delivery_skipped", map[string]interface{}{"status": t.Status.String(), "attempt": d.Attempt()})
		c.ack(ctx, d)
		return
	}

	claimed, err := c.tasks.Claim(ctx, taskID, c.cfg.WorkerID, c.cfg.Lease)
	switch {
	case errors.Is(err, tasks.ErrNotQueued), errors.Is(err, tasks.ErrClaimConflict):
		log.Info("claim_lost", map[string]interface{}{"error": err.Error()})
		c.ack(ctx, d)
		return
	case err != nil:
		log.Warn("claim_failed", map[string]interface{}{"error": err.Error()})
		c.nak(ctx, d)
		return
	}

	c.execute(ctx, claimed)
	c.ack(ctx, d)
}

// execute runs a claimed task and records its outcome.
func (c *Consumer) execute(ctx context.Context, t *tasks.Task) {
	attempt := t.RetryCount + 1
	log := c.logger.WithTask(t.ID)
	log.TaskClaimed(t.ID, c.cfg.WorkerID, attempt)

	if c.holder != nil {
		c.holder.Hold(t.ID)
		defer c.holder.Release(t.ID)
	}
	stopRenew := c.keepLease(ctx, t.ID)

	ctx, span := c.tracer.StartTaskSpan(ctx, t.ID, attempt)
	result, err := c.process(ctx, t)
	stopRenew()

	if err == nil {
		done, cerr := c.tasks.Complete(ctx, t.ID, c.cfg.WorkerID, result)
		if cerr != nil {
			log.Warn("complete_failed", map[string]interface{}{"error": cerr.Error()})
			c.tracer.EndTaskSpan(span, tasks.StatusRunning.String(), t.RetryCount, cerr)
			return
		}
		c.tracer.EndTaskSpan(span, done.Status.String(), done.RetryCount, nil)
		return
	}

	log.Warn("task_attempt_failed", map[string]interface{}{
		"attempt": attempt,
		"code":    string(terrors.Code(err)),
		"error":   err.Error(),
	})
	failed, requeued, ferr := c.tasks.Fail(ctx, t.ID, c.cfg.WorkerID, err, c.cfg.MaxRetries)
	if ferr != nil {
		// Lost the task to the reconciler; it owns the retry now.
		log.Warn("fail_record_failed", map[string]interface{}{"error": ferr.Error()})
		c.tracer.EndTaskSpan(span, tasks.StatusRunning.String(), t.RetryCount, err)
		return
	}
	c.tracer.EndTaskSpan(span, failed.Status.String(), failed.RetryCount, err)
	if requeued {
		if perr := requeue(ctx, c.queue, failed); perr != nil {
			log.Error("requeue_failed", map[string]interface{}{"error": perr.Error()})
		}
	}
}

// process plans (or reuses the plan of an earlier attempt) and executes.
func (c *Consumer) process(ctx context.Context, t *tasks.Task) (*Result, error) {
	p := t.Plan
	if p == nil || len(p.Steps) == 0 {
		var err error
		p, err = c.planner.CreateWithRetry(ctx, t.ID, t.Prompt, c.toolInfos())
		if err != nil {
			return nil, err
		}
		if err := c.tasks.SavePlan(ctx, t.ID, c.cfg.WorkerID, p); err != nil {
			return nil, err
		}
	} else {
		c.logger.WithTask(t.ID).Info("plan_reused", map[string]interface{}{
			"plan_id":   p.ID,
			"completed": p.CompletedSteps,
			"total":     p.TotalSteps,
		})
	}

	p.Status = plan.StatusExecuting
	caller := tools.Caller{ID: t.Owner.ID, Roles: t.Owner.Roles, Permissions: t.Owner.Permissions}
	persist := func(ctx context.Context, step plan.Step) error {
		return c.tasks.SaveStep(ctx, t.ID, c.cfg.WorkerID, step)
	}

	result, err := c.executor.Run(ctx, t.ID, caller, p, persist)
	if serr := c.tasks.SavePlan(ctx, t.ID, c.cfg.WorkerID, p); serr != nil && err == nil {
		err = serr
	}
	return result, err
}

func (c *Consumer) toolInfos() []plan.ToolInfo {
	list := c.catalog.List("", true)
	out := make([]plan.ToolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, plan.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// keepLease renews the claim at a third of the lease until stopped.
func (c *Consumer) keepLease(ctx context.Context, taskID string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(c.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.tasks.RenewLease(ctx, taskID, c.cfg.WorkerID, c.cfg.Lease); err != nil {
					c.logger.WithTask(taskID).Warn("lease_renew_failed", map[string]interface{}{"error": err.Error()})
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		c.logger.WithTask(d.TaskID()).Warn("ack_failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Consumer) nak(ctx context.Context, d queue.Delivery) {
	if err := d.Nak(ctx, c.cfg.RetryDelay); err != nil {
		c.logger.WithTask(d.TaskID()).Warn("nak_failed", map[string]interface{}{"error": err.Error()})
	}
}

// requeue publishes a task that went back to QUEUED. The dedup id is
// per-retry so a republish of the same retry is dropped.
func requeue(ctx context.Context, q queue.Queue, t *tasks.Task) error {
	return q.Publish(ctx, t.ID, t.Priority, queue.WithDedupID(fmt.Sprintf("%s-%d", t.ID, t.RetryCount)))
}
