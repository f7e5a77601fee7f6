package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/telemetry"
)

// Model is the language model the generator prompts.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContextSource enriches prompts with remembered knowledge. Failures are
// tolerated: an error is logged and the prompt proceeds without context.
type ContextSource interface {
	GetContext(ctx context.Context, query, taskID string) (string, error)
	Remember(ctx context.Context, taskID, message string) error
}

// ToolInfo is the simplified catalog entry embedded in planning prompts.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Parameters  map[string]any `json:"parameters"`
}

// DefaultMaxAttempts bounds CreateWithRetry.
const DefaultMaxAttempts = 3

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Model     Model
	Knowledge ContextSource // optional
	Logger    *logging.Logger
	Tracer    *telemetry.Tracer

	// MaxAttempts for CreateWithRetry. Default: 3
	MaxAttempts int
}

// Generator builds plans by prompting a model and validating its output.
type Generator struct {
	model       Model
	knowledge   ContextSource
	logger      *logging.Logger
	tracer      *telemetry.Tracer
	maxAttempts int
}

// NewGenerator creates a plan generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Model == nil {
		return nil, terrors.InvalidInput("plan generator requires a model")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Generator{
		model:       cfg.Model,
		knowledge:   cfg.Knowledge,
		logger:      cfg.Logger.WithComponent("planner"),
		tracer:      cfg.Tracer,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Create prompts the model for a plan for taskID and validates it. Malformed
// output never fails: it degrades per Parse. A plan whose dependency graph
// is invalid is rejected with a PLAN_INVALID error; a model failure is
// returned as a retryable UNAVAILABLE error.
func (g *Generator) Create(ctx context.Context, taskID, description string, tools []ToolInfo) (p *Plan, err error) {
	ctx, span := g.tracer.StartPlanSpan(ctx, taskID)
	var outcome Outcome
	defer func() {
		opts := telemetry.PlanSpanOptions{Outcome: outcome.String(), Attempt: 1}
		if p != nil {
			opts.PlanID, opts.Version, opts.Steps = p.ID, p.Version, len(p.Steps)
		}
		g.tracer.EndPlanSpan(span, opts, err)
	}()

	log := g.logger.WithTask(taskID)
	prompt, err := g.Prompt(description, g.lookupContext(ctx, taskID, description), tools)
	if err != nil {
		return nil, err
	}

	response, err := g.model.Generate(ctx, prompt)
	if err != nil {
		return nil, terrors.WrapWithCode(err, terrors.ErrCodeUnavailable, "planner model call failed", terrors.WithTaskID(taskID))
	}

	res := Parse(response, taskID, description)
	outcome = res.Outcome
	if res.Err != nil {
		log.Warn("plan_degraded", map[string]interface{}{
			"outcome": res.Outcome.String(),
			"reason":  res.Err.Error(),
			"preview": truncate(response, 200),
		})
	}

	if err := Validate(res.Plan); err != nil {
		log.Warn("plan_rejected", map[string]interface{}{"plan_id": res.Plan.ID, "error": err.Error()})
		return nil, err
	}

	log.Info("plan_created", map[string]interface{}{
		"plan_id": res.Plan.ID,
		"steps":   len(res.Plan.Steps),
		"outcome": res.Outcome.String(),
	})
	return res.Plan, nil
}

// Regenerate re-runs Create and stamps the result with currentVersion+1.
// The task id is preserved.
func (g *Generator) Regenerate(ctx context.Context, taskID, description string, tools []ToolInfo, currentVersion string) (*Plan, error) {
	next, err := NextVersion(currentVersion)
	if err != nil {
		return nil, terrors.InvalidInput(err.Error(), terrors.WithTaskID(taskID))
	}
	p, err := g.Create(ctx, taskID, description, tools)
	if err != nil {
		return nil, err
	}
	p.Version = next
	return p, nil
}

// CreateWithRetry calls Create, and on a rejected plan regenerates up to
// MaxAttempts times in total. Each regeneration bumps the version. The
// description and resulting plan summary are remembered when a knowledge
// source is configured.
func (g *Generator) CreateWithRetry(ctx context.Context, taskID, description string, tools []ToolInfo) (*Plan, error) {
	g.remember(ctx, taskID, "user: "+description)

	version := ""
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		var p *Plan
		var err error
		if attempt == 1 {
			p, err = g.Create(ctx, taskID, description, tools)
		} else {
			p, err = g.Regenerate(ctx, taskID, description, tools, version)
		}
		if err == nil {
			g.remember(ctx, taskID, fmt.Sprintf("planner: %d-step plan %s (v%s): %s", len(p.Steps), p.ID, p.Version, p.Summary))
			return p, nil
		}

		lastErr = err
		if !terrors.Is(err, terrors.ErrCodePlanInvalid) {
			return nil, err
		}
		if version == "" {
			version = FirstVersion
		} else {
			version, _ = NextVersion(version)
		}
		g.logger.WithTask(taskID).Warn("plan_attempt_failed", map[string]interface{}{
			"attempt": attempt,
			"max":     g.maxAttempts,
			"error":   err.Error(),
		})
	}
	return nil, lastErr
}

func (g *Generator) lookupContext(ctx context.Context, taskID, query string) string {
	if g.knowledge == nil {
		return ""
	}
	text, err := g.knowledge.GetContext(ctx, query, taskID)
	if err != nil {
		g.logger.WithTask(taskID).Warn("knowledge_context_unavailable", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return text
}

func (g *Generator) remember(ctx context.Context, taskID, message string) {
	if g.knowledge == nil {
		return
	}
	if err := g.knowledge.Remember(ctx, taskID, message); err != nil {
		g.logger.WithTask(taskID).Warn("knowledge_remember_failed", map[string]interface{}{"error": err.Error()})
	}
}

const promptTemplate = `You are a task planner. Break the user's task into a JSON execution plan
that uses only the tools listed below.

## Task
%s
%s
## Available tools
%s

## Rules
- Number steps from 1 upwards; step_id increases by one per step.
- A step may only depend on steps with a smaller step_id.
- List a step's prerequisites in "dependencies".
- To pass the result of step N into a parameter, use the value "@{{steps.N.result}}".
- Parameters must match the tool's parameter schema.

## Output schema
Reply with a single JSON object matching this schema and nothing else:
%s
`

// Prompt renders the planning prompt.
func (g *Generator) Prompt(description, knowledge string, tools []ToolInfo) (string, error) {
	if tools == nil {
		tools = []ToolInfo{}
	}
	catalog, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding tool catalog: %w", err)
	}
	schema, err := OutputSchema()
	if err != nil {
		return "", err
	}
	var extra string
	if strings.TrimSpace(knowledge) != "" {
		extra = "\n## Relevant context\n" + knowledge + "\n"
	}
	return fmt.Sprintf(promptTemplate, description, extra, catalog, schema), nil
}

var (
	schemaOnce sync.Once
	schemaText string
	schemaErr  error
)

// OutputSchema returns the JSON schema of the plan document the model must
// produce.
func OutputSchema() (string, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		data, err := json.MarshalIndent(r.Reflect(&document{}), "", "  ")
		if err != nil {
			schemaErr = fmt.Errorf("encoding plan schema: %w", err)
			return
		}
		schemaText = string(data)
	})
	return schemaText, schemaErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
