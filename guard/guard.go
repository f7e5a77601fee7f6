// Package guard gates tool invocations. Every invocation passes a
// deterministic policy pre-check; code-execution and system tools then run
// inside a disposable sandbox, everything else through the registry's
// direct bindings. When no sandbox backend is available at startup the
// guard keeps serving in degraded mode and runs isolated tools directly.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/telemetry"
	"github.com/vinayprograms/taskforge/tools"
)

// Tool names with a fixed sandbox command.
const (
	PythonExecutor = "python_executor"
	ShellExecutor  = "shell_executor"
)

const (
	probeTimeout    = 10 * time.Second
	teardownTimeout = 30 * time.Second
)

// Registry is the part of the tool registry the guard needs.
type Registry interface {
	Get(name string) (tools.Tool, bool)
	Execute(ctx context.Context, name string, params tools.Params, call tools.Call) tools.Result
}

// Config configures a Guard.
type Config struct {
	// Substrate runs sandboxes. Nil starts the guard degraded.
	Substrate Substrate

	// Disabled turns sandboxing off by configuration. The guard runs
	// degraded.
	Disabled bool

	Policy *Policy

	PythonImage string
	ShellImage  string
	Memory      string
	CPUs        float64
	Network     bool
	Timeout     time.Duration

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Guard executes tools under policy.
type Guard struct {
	registry  Registry
	substrate Substrate
	policy    *Policy
	config    Config
	logger    *logging.Logger
	tracer    *telemetry.Tracer

	degraded atomic.Bool
}

// New creates a guard and probes the substrate. A failed probe is not an
// error: the guard comes up degraded.
func New(ctx context.Context, registry Registry, cfg Config) *Guard {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.PythonImage == "" {
		cfg.PythonImage = "python:3.11-slim"
	}
	if cfg.ShellImage == "" {
		cfg.ShellImage = "ubuntu:22.04"
	}
	if cfg.Memory == "" {
		cfg.Memory = "512m"
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 0.5
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	g := &Guard{
		registry:  registry,
		substrate: cfg.Substrate,
		policy:    cfg.Policy,
		config:    cfg,
		logger:    cfg.Logger.WithComponent("guard"),
		tracer:    cfg.Tracer,
	}

	switch {
	case cfg.Disabled:
		g.degrade("sandbox disabled by configuration")
	case cfg.Substrate == nil:
		g.degrade("no sandbox backend configured")
	default:
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := cfg.Substrate.Available(pctx)
		cancel()
		if err != nil {
			g.degrade(terrors.SandboxUnavailable(err).Error())
		}
	}
	return g
}

func (g *Guard) degrade(reason string) {
	g.degraded.Store(true)
	g.logger.Degraded("sandbox", reason)
}

// Degraded reports whether isolated tools run without a sandbox.
func (g *Guard) Degraded() bool {
	return g.degraded.Load()
}

// Policy returns the active policy.
func (g *Guard) Policy() *Policy {
	return g.policy
}

// Check runs the policy pre-check on the code and command parameters.
// Advisory matches are logged and allowed.
func (g *Guard) Check(t tools.Tool, params tools.Params, call tools.Call) error {
	shellCode := t.Name == ShellExecutor || isShell(params.StringOr("language", ""))
	inputs := []struct {
		key   string
		shell bool
	}{
		{"command", true},
		{"code", shellCode},
	}

	for _, in := range inputs {
		text, ok := params[in.key].(string)
		if !ok || text == "" {
			continue
		}
		v := g.policy.Check(text, in.shell)
		if !v.Allowed {
			g.logger.SecurityDecision(t.Name, "deny", v.Reason)
			return terrors.PolicyViolation(t.Name, v.Reason, terrors.WithTaskID(call.TaskID), terrors.WithStepID(call.StepID))
		}
		for _, pattern := range v.Advisory {
			g.logger.SecurityWarning("dangerous code pattern", map[string]interface{}{
				"tool":    t.Name,
				"pattern": pattern,
				"task_id": call.TaskID,
				"step_id": call.StepID,
			})
		}
		if f, ok := DetectEncoding(text); ok {
			g.logger.SecurityWarning("encoded payload in input", map[string]interface{}{
				"tool":     t.Name,
				"encoding": f.Name,
				"task_id":  call.TaskID,
				"step_id":  call.StepID,
			})
		}
	}
	return nil
}

// screen flags web tool output that tries to steer the model reading it.
func (g *Guard) screen(t tools.Tool, res *tools.Result, call tools.Call) {
	if t.Category != tools.CategoryWeb || !res.Success {
		return
	}
	for _, f := range Screen(res.OutputString()) {
		res.Warnings = append(res.Warnings, f.String())
		g.logger.SecurityWarning("untrusted tool output", map[string]interface{}{
			"tool":    t.Name,
			"finding": f.String(),
			"task_id": call.TaskID,
			"step_id": call.StepID,
		})
	}
}

func isShell(language string) bool {
	switch strings.ToLower(language) {
	case "bash", "sh", "shell":
		return true
	}
	return false
}

// Execute pre-checks and runs one tool invocation. Permission is the
// caller's concern and is not re-checked here. Failures come back as
// unsuccessful Results.
func (g *Guard) Execute(ctx context.Context, name string, params tools.Params, call tools.Call) tools.Result {
	t, ok := g.registry.Get(name)
	if !ok {
		return tools.Failure(name, string(terrors.ErrCodeToolNotFound), "tool not found: %s", name)
	}

	if err := g.Check(t, params, call); err != nil {
		return tools.Failure(name, string(terrors.ErrCodePolicyViolation), "security policy violation: %v", err)
	}

	if !t.Isolated() {
		res := g.registry.Execute(ctx, name, params, call)
		g.screen(t, &res, call)
		return res
	}
	if g.Degraded() {
		res := g.registry.Execute(ctx, name, params, call)
		res.Degraded = true
		return res
	}
	return g.runSandboxed(ctx, t, params, call)
}

// sandboxCommand maps a tool invocation to an image and argv.
func (g *Guard) sandboxCommand(t tools.Tool, params tools.Params) (image string, argv []string, err error) {
	language := strings.ToLower(params.StringOr("language", ""))

	if code, ok := params["code"].(string); ok && code != "" && t.Name != ShellExecutor {
		switch {
		case isShell(language):
			return g.config.ShellImage, []string{"sh", "-c", code}, nil
		case language == "" || language == "python" || language == "python3":
			return g.config.PythonImage, []string{"python", "-c", code}, nil
		default:
			return "", nil, terrors.InvalidInput(fmt.Sprintf("unsupported language %q", language))
		}
	}
	if command, err := params.FirstString("command", "code"); err == nil && command != "" {
		return g.config.ShellImage, []string{"sh", "-c", command}, nil
	}
	return "", nil, terrors.InvalidInput(fmt.Sprintf("%s needs a code or command parameter", t.Name))
}

// limit is the tightest of the tool, sandbox and policy budgets.
func (g *Guard) limit(t tools.Tool) time.Duration {
	d := t.TimeoutDuration()
	for _, bound := range []time.Duration{g.config.Timeout, g.policy.MaxExecutionTime} {
		if bound > 0 && bound < d {
			d = bound
		}
	}
	return d
}

func (g *Guard) runSandboxed(ctx context.Context, t tools.Tool, params tools.Params, call tools.Call) (res tools.Result) {
	image, argv, err := g.sandboxCommand(t, params)
	if err != nil {
		return tools.Failure(t.Name, string(terrors.Code(err)), "%v", err)
	}

	memory := g.config.Memory
	if memory == "" {
		memory = g.policy.MaxMemory
	}
	spec := SandboxSpec{
		Image:   image,
		Memory:  memory,
		CPUs:    g.config.CPUs,
		Network: g.config.Network,
		Labels:  map[string]string{LabelTaskID: call.TaskID, LabelManaged: "true"},
	}
	limit := g.limit(t)

	ctx, span := g.tracer.StartSandboxSpan(ctx, t.Name)
	opts := telemetry.SandboxSpanOptions{Image: image, ExitCode: -1, Command: strings.Join(argv, " ")}
	start := time.Now()
	var (
		id     string
		runErr error
	)
	defer func() {
		if p := recover(); p != nil {
			perr := terrors.RecoverPanic(p)
			runErr = perr
			res = tools.Failure(t.Name, string(terrors.ErrCodePanic), "%v", perr)
		}
		if id != "" {
			g.teardown(id)
		}
		res.Tool = t.Name
		res.Sandboxed = true
		res.Duration = time.Since(start)
		opts.ContainerID = id
		g.tracer.EndSandboxSpan(span, opts, runErr)
	}()

	id, err = g.substrate.Create(ctx, spec)
	if id != "" {
		g.logger.SandboxCreated(id, call.TaskID, image)
	}
	if err != nil {
		runErr = terrors.SandboxUnavailable(err, terrors.WithTool(t.Name))
		return tools.Failure(t.Name, string(terrors.ErrCodeSandboxUnavailable), "%v", runErr)
	}

	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	out, err := g.substrate.Run(runCtx, id, argv)
	opts.ExitCode = out.ExitCode
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		runErr = terrors.ExecutionTimeout(t.Name, limit, terrors.WithTaskID(call.TaskID))
		res = tools.Failure(t.Name, string(terrors.ErrCodeExecutionTimeout), "%v", runErr)
		res.Output = out.Output
		return res
	case err != nil:
		runErr = err
		return tools.Failure(t.Name, string(terrors.ErrCodeSandboxUnavailable), "sandbox run failed: %v", err)
	case out.ExitCode != 0:
		runErr = fmt.Errorf("exit status %d", out.ExitCode)
		res = tools.Failure(t.Name, string(terrors.ErrCodeStepFailed), "exit status %d", out.ExitCode)
		res.Output = out.Output
		return res
	}
	return tools.Result{Tool: t.Name, Success: true, Output: out.Output}
}

// teardown stops and removes a sandbox on a fresh context so an expired
// caller context cannot skip cleanup. Errors are logged only.
func (g *Guard) teardown(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	stopErr := safely(func() error { return g.substrate.Stop(ctx, id) })
	removeErr := safely(func() error { return g.substrate.Remove(ctx, id) })
	g.logger.SandboxTeardown(id, errors.Join(stopErr, removeErr))
}

func safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = terrors.RecoverPanic(p)
		}
	}()
	return fn()
}
