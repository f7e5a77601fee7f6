// Package telemetry wraps OpenTelemetry tracing with spans for the task
// lifecycle: task processing, planning, step execution, sandbox runs and
// model calls.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with orchestration helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include prompts, outputs and commands in attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether content attributes are recorded.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task spans ---

// StartTaskSpan starts the span covering one delivery of a task.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.process", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("task.delivery_attempt", attempt),
	)
	return ctx, span
}

// EndTaskSpan ends a task span with the status the task was left in.
func (t *Tracer) EndTaskSpan(span trace.Span, status string, retryCount int, err error) {
	span.SetAttributes(
		attribute.String("task.status", status),
		attribute.Int("task.retry_count", retryCount),
	)
	finish(span, err)
}

// --- Plan spans ---

// PlanSpanOptions describes a finished planning call.
type PlanSpanOptions struct {
	PlanID  string
	Version string
	Outcome string // parsed, partial, fallback
	Steps   int
	Attempt int
}

// StartPlanSpan starts a span for plan generation.
func (t *Tracer) StartPlanSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "plan.create", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// EndPlanSpan ends a plan span.
func (t *Tracer) EndPlanSpan(span trace.Span, opts PlanSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("plan.steps", opts.Steps),
		attribute.Int("plan.attempt", opts.Attempt),
	}
	if opts.PlanID != "" {
		attrs = append(attrs, attribute.String("plan.id", opts.PlanID))
	}
	if opts.Version != "" {
		attrs = append(attrs, attribute.String("plan.version", opts.Version))
	}
	if opts.Outcome != "" {
		attrs = append(attrs, attribute.String("plan.outcome", opts.Outcome))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- Step spans ---

// StepSpanOptions describes a finished plan step.
type StepSpanOptions struct {
	Params    map[string]any // always recorded, model controlled
	Output    string         // debug only
	Sandboxed bool
}

// StartStepSpan starts a span for one plan step.
func (t *Tracer) StartStepSpan(ctx context.Context, stepID int, tool string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "step.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.Int("step.id", stepID),
		attribute.String("tool.name", tool),
	)
	return ctx, span
}

// EndStepSpan ends a step span.
func (t *Tracer) EndStepSpan(span trace.Span, opts StepSpanOptions, err error) {
	for k, v := range opts.Params {
		span.SetAttributes(attribute.String("tool.param."+k, truncateAny(v, 500)))
	}
	span.SetAttributes(attribute.Bool("step.sandboxed", opts.Sandboxed))
	if t.debug && opts.Output != "" {
		span.SetAttributes(attribute.String("step.output", truncate(opts.Output, 4000)))
	}
	finish(span, err)
}

// --- Sandbox spans ---

// SandboxSpanOptions describes a finished sandbox run.
type SandboxSpanOptions struct {
	ContainerID string
	Image       string
	ExitCode    int
	Degraded    bool
	Command     string // debug only
}

// StartSandboxSpan starts a span for one isolated invocation.
func (t *Tracer) StartSandboxSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "sandbox.run", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("tool.name", tool))
	return ctx, span
}

// EndSandboxSpan ends a sandbox span.
func (t *Tracer) EndSandboxSpan(span trace.Span, opts SandboxSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("sandbox.exit_code", opts.ExitCode),
		attribute.Bool("sandbox.degraded", opts.Degraded),
	}
	if opts.ContainerID != "" {
		attrs = append(attrs, attribute.String("sandbox.container_id", opts.ContainerID))
	}
	if opts.Image != "" {
		attrs = append(attrs, attribute.String("sandbox.image", opts.Image))
	}
	if t.debug && opts.Command != "" {
		attrs = append(attrs, attribute.String("sandbox.command", truncate(opts.Command, 1000)))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- LLM spans ---

// LLMSpanOptions contains options for LLM call spans.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	TokensIn  int
	TokensOut int
	Prompt    string // debug only
	Response  string // debug only
}

// StartLLMSpan starts a span for a model call.
func (t *Tracer) StartLLMSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan ends an LLM span with attributes.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	}
	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context propagation ---

// InjectContext writes trace context into a carrier, e.g. queue headers.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext reads trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string { return c[key] }

func (c MapCarrier) Set(key, value string) { c[key] = value }

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case fmt.Stringer:
		return truncate(val.String(), maxLen)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return truncate(fmt.Sprint(v), maxLen)
		}
		return truncate(string(data), maxLen)
	}
}
