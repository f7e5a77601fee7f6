package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/telemetry"
	"github.com/vinayprograms/taskforge/tools"
)

// Runner executes one tool invocation. The execution guard implements it.
type Runner interface {
	Execute(ctx context.Context, name string, params tools.Params, call tools.Call) tools.Result
}

// Catalog is the part of the tool registry the consumer needs.
type Catalog interface {
	List(category string, enabledOnly bool) []tools.Tool
	CheckPermission(name string, caller tools.Caller) bool
}

// PersistFunc saves one step as soon as it settles.
type PersistFunc func(ctx context.Context, step plan.Step) error

// StepResult is a step's entry in the aggregated task result.
type StepResult struct {
	StepID   int      `json:"step_id"`
	Name     string   `json:"name"`
	Tool     string   `json:"tool_name"`
	Success  bool     `json:"success"`
	Output   any      `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	Code     string   `json:"code,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Result is stored on a COMPLETED task.
type Result struct {
	PlanID  string       `json:"plan_id"`
	Version string       `json:"version"`
	Summary string       `json:"summary"`
	Output  any          `json:"output"` // output of the last completed step
	Steps   []StepResult `json:"steps"`
}

// Executor runs a plan's dependency graph.
type Executor struct {
	runner  Runner
	catalog Catalog
	fanOut  int
	logger  *logging.Logger
	tracer  *telemetry.Tracer
}

// NewExecutor creates an executor. fanOut bounds concurrently running
// steps of one task.
func NewExecutor(runner Runner, catalog Catalog, fanOut int, logger *logging.Logger, tracer *telemetry.Tracer) *Executor {
	if fanOut <= 0 {
		fanOut = 1
	}
	if logger == nil {
		logger = logging.New()
	}
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	return &Executor{runner: runner, catalog: catalog, fanOut: fanOut, logger: logger.WithComponent("executor"), tracer: tracer}
}

// run tracks one plan execution.
type run struct {
	mu      sync.Mutex
	plan    *plan.Plan
	results map[int]any
	codes   map[int]string
}

func (r *run) snapshot() map[int]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]any, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

func (r *run) settle(step plan.Step, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.plan.Step(step.ID) = step
	if step.Status == plan.StepCompleted {
		r.results[step.ID] = step.Output
	} else {
		r.codes[step.ID] = code
	}
}

// Run executes every runnable step of p in dependency order, at most
// fanOut at a time, and persists each step when it settles. Steps already
// COMPLETED (from an earlier attempt) are kept with their outputs. Steps
// that depend on a failed step are marked failed without running.
//
// The returned error is non-nil when the plan as a whole failed: a
// persistence error, a failed step that others depend on, a failure that
// may succeed on retry, or no step completing at all.
func (e *Executor) Run(ctx context.Context, taskID string, caller tools.Caller, p *plan.Plan, persist PersistFunc) (*Result, error) {
	r := &run{plan: p, results: map[int]any{}, codes: map[int]string{}}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == plan.StepCompleted {
			r.results[s.ID] = s.Output
			continue
		}
		s.Status = plan.StepQueued
		s.Error = ""
	}

	for {
		ready, blocked := e.frontier(r)
		for _, b := range blocked {
			if err := persist(ctx, b.step); err != nil {
				return nil, err
			}
			r.settle(b.step, b.code)
		}
		if len(ready) == 0 {
			if len(blocked) == 0 {
				break
			}
			continue
		}

		batch := make([]plan.Step, 0, len(ready))
		r.mu.Lock()
		for _, id := range ready {
			batch = append(batch, *p.Step(id))
		}
		r.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.fanOut)
		for _, step := range batch {
			g.Go(func() error {
				settled, code := e.runStep(gctx, taskID, caller, step, r.snapshot())
				if err := persist(gctx, settled); err != nil {
					return fmt.Errorf("persist step %d: %w", settled.ID, err)
				}
				r.settle(settled, code)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return e.assess(taskID, r)
}

type blockedStep struct {
	step plan.Step
	code string
}

// frontier returns queued steps whose dependencies all completed, and
// queued steps that can never run because a dependency failed.
func (e *Executor) frontier(r *run) (ready []int, blocked []blockedStep) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := make(map[int]plan.StepStatus, len(r.plan.Steps))
	for _, s := range r.plan.Steps {
		status[s.ID] = s.Status
	}

	for _, s := range r.plan.Steps {
		if s.Status != plan.StepQueued {
			continue
		}
		runnable := true
		failedDep := 0
		for _, dep := range s.Dependencies {
			switch status[dep] {
			case plan.StepCompleted:
			case plan.StepFailed:
				failedDep = dep
			default:
				runnable = false
			}
		}
		switch {
		case failedDep != 0:
			now := time.Now().UTC()
			s.Status = plan.StepFailed
			s.Error = fmt.Sprintf("dependency step %d failed", failedDep)
			s.CompletedAt = &now
			blocked = append(blocked, blockedStep{step: s, code: string(terrors.ErrCodeStepFailed)})
		case runnable:
			ready = append(ready, s.ID)
		}
	}
	return ready, blocked
}

// runStep resolves, authorizes and executes one step. It never fails: the
// outcome is recorded on the returned step.
func (e *Executor) runStep(ctx context.Context, taskID string, caller tools.Caller, step plan.Step, results map[int]any) (plan.Step, string) {
	ctx, span := e.tracer.StartStepSpan(ctx, step.ID, step.ToolName)
	log := e.logger.WithTask(taskID)
	log.StepStarted(taskID, step.ID, step.ToolName)

	start := time.Now().UTC()
	step.Status = plan.StepRunning
	step.StartedAt = &start

	var (
		res  tools.Result
		opts telemetry.StepSpanOptions
	)
	params, err := plan.ResolveParameters(step.ToolParameters, results)
	opts.Params = params
	switch {
	case err != nil:
		res = tools.Failure(step.ToolName, string(terrors.ErrCodeInvalidInput), "%v", err)
	case !e.catalog.CheckPermission(step.ToolName, caller):
		denied := terrors.PermissionDenied(step.ToolName, caller.ID, terrors.WithTaskID(taskID), terrors.WithStepID(step.ID))
		res = tools.Failure(step.ToolName, string(terrors.ErrCodePermissionDenied), "%v", denied)
	default:
		res = e.runner.Execute(ctx, step.ToolName, tools.Params(params), tools.Call{TaskID: taskID, StepID: step.ID, Caller: caller})
	}

	done := time.Now().UTC()
	step.CompletedAt = &done
	step.Warnings = res.Warnings
	var stepErr error
	if res.Success {
		step.Status = plan.StepCompleted
		step.Output = res.Output
		step.ResultPreview = plan.Preview(res.Output)
		step.Error = ""
	} else {
		step.Status = plan.StepFailed
		step.Error = res.Error
		step.ResultPreview = plan.Preview(res.Output)
		stepErr = terrors.New(codeOf(res), res.Error, terrors.WithStepID(step.ID), terrors.WithTool(step.ToolName))
	}

	opts.Output = res.OutputString()
	opts.Sandboxed = res.Sandboxed
	e.tracer.EndStepSpan(span, opts, stepErr)
	log.StepFinished(taskID, step.ID, step.ToolName, done.Sub(start), stepErr)
	return step, string(codeOf(res))
}

func codeOf(res tools.Result) terrors.ErrorCode {
	if res.Success {
		return ""
	}
	if res.Code == "" {
		return terrors.ErrCodeStepFailed
	}
	return terrors.ErrorCode(res.Code)
}

// assess decides whether the plan succeeded and builds the result.
func (e *Executor) assess(taskID string, r *run) (*Result, error) {
	p := r.plan
	p.Recount()

	dependents := map[int]bool{}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = true
		}
	}

	res := &Result{PlanID: p.ID, Version: p.Version, Summary: p.Summary}
	var fatal *plan.Step
	completed := 0
	ids := make([]int, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	sort.Ints(ids)

	for _, id := range ids {
		s := p.Step(id)
		sr := StepResult{StepID: s.ID, Name: s.Name, Tool: s.ToolName, Success: s.Status == plan.StepCompleted}
		sr.Warnings = s.Warnings
		if sr.Success {
			completed++
			sr.Output = s.Output
			res.Output = s.Output
		} else {
			sr.Error = s.Error
			sr.Code = r.codes[s.ID]
			// A permanent failure of a step nothing depends on is reported
			// but does not fail the plan.
			code := terrors.ErrorCode(sr.Code)
			if fatal == nil && (dependents[s.ID] || code.DefaultRetryable()) {
				fatal = s
			}
		}
		res.Steps = append(res.Steps, sr)
	}

	if fatal == nil && completed == 0 && len(p.Steps) > 0 {
		fatal = p.Step(ids[0])
	}
	if fatal != nil {
		p.Status = plan.StatusFailed
		code := terrors.ErrorCode(r.codes[fatal.ID])
		if code == "" {
			code = terrors.ErrCodeStepFailed
		}
		return res, terrors.New(code, fmt.Sprintf("step %d (%s) failed: %s", fatal.ID, fatal.ToolName, fatal.Error),
			terrors.WithTaskID(taskID), terrors.WithStepID(fatal.ID), terrors.WithTool(fatal.ToolName))
	}
	p.Status = plan.StatusCompleted
	return res, nil
}
