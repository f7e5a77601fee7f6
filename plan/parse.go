package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	terrors "github.com/vinayprograms/taskforge/errors"
)

// Outcome tags how a model response was turned into a plan.
type Outcome int

const (
	// Parsed means the response was a schema-valid plan document.
	Parsed Outcome = iota
	// PartiallyExtracted means tool names were salvaged from malformed output.
	PartiallyExtracted
	// Fallback means nothing usable was found; the plan is a single
	// general-execution step carrying the raw description.
	Fallback
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case PartiallyExtracted:
		return "partial"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// GeneralTool is the tool bound to the fallback step.
const GeneralTool = "general_executor"

// ParseResult is the tagged result of Parse. Plan is never nil. Err holds
// the PLAN_PARSE error that forced degradation and is nil for Parsed.
type ParseResult struct {
	Outcome Outcome
	Plan    *Plan
	Err     error
}

// document is the shape the model is asked to produce.
type document struct {
	Summary string         `json:"summary,omitempty" jsonschema:"description=One sentence describing the plan"`
	Steps   []documentStep `json:"steps" validate:"required,min=1,dive" jsonschema:"minItems=1"`
}

type documentStep struct {
	StepID         int            `json:"step_id" validate:"gt=0" jsonschema:"minimum=1,description=Starts at 1 and increases by one per step"`
	Name           string         `json:"name" validate:"required"`
	Description    string         `json:"description" validate:"required"`
	ToolName       string         `json:"tool_name" validate:"required" jsonschema:"description=Name of one of the available tools"`
	ToolParameters map[string]any `json:"tool_parameters,omitempty" jsonschema:"description=Tool arguments; use @{{steps.N.result}} to pass the result of step N"`
	Dependencies   []int          `json:"dependencies,omitempty" jsonschema:"description=Ids of earlier steps this step needs"`
}

var validate = validator.New()

var (
	fencePattern      = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	toolNamePattern   = regexp.MustCompile(`"tool_name"\s*:\s*"([^"]+)"`)
	stepNamePattern   = regexp.MustCompile(`"name"\s*:\s*"([^"]*)"`)
	parametersPattern = regexp.MustCompile(`"tool_parameters"\s*:\s*(\{[^{}]*\})`)
)

// Parse converts a raw model response into a plan for taskID. It never
// fails: malformed output degrades to partial extraction and then to a
// single-step fallback that carries description.
func Parse(response, taskID, description string) ParseResult {
	cleaned := StripFences(response)

	p, err := parseStrict(cleaned, taskID)
	if err == nil {
		return ParseResult{Outcome: Parsed, Plan: p}
	}
	parseErr := terrors.PlanParse(err.Error(), terrors.WithTaskID(taskID))

	if p := extractPartial(cleaned, taskID); p != nil {
		return ParseResult{Outcome: PartiallyExtracted, Plan: p, Err: parseErr}
	}
	return ParseResult{Outcome: Fallback, Plan: FallbackPlan(taskID, description), Err: parseErr}
}

// StripFences removes surrounding markdown code fences and any prose outside
// the outermost JSON object.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func parseStrict(s, taskID string) (*Plan, error) {
	var doc document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("response is not a plan document: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("plan document failed schema checks: %w", err)
	}

	steps := make([]Step, len(doc.Steps))
	for i, ds := range doc.Steps {
		steps[i] = Step{
			ID:             ds.StepID,
			Name:           ds.Name,
			Description:    ds.Description,
			ToolName:       ds.ToolName,
			ToolParameters: ds.ToolParameters,
			Dependencies:   ds.Dependencies,
		}
	}
	summary := doc.Summary
	if summary == "" {
		summary = fmt.Sprintf("%d-step plan", len(steps))
	}
	p := New(taskID, summary, steps)
	p.Origin = Parsed.String()
	return p, nil
}

// extractPartial salvages tool names, and where they line up step names and
// flat parameter objects, from output that is not valid JSON. Salvaged steps
// run in the order they appeared, each depending on the previous one.
func extractPartial(s, taskID string) *Plan {
	tools := toolNamePattern.FindAllStringSubmatch(s, -1)
	if len(tools) == 0 {
		return nil
	}
	names := stepNamePattern.FindAllStringSubmatch(s, -1)
	params := parametersPattern.FindAllStringSubmatch(s, -1)

	steps := make([]Step, len(tools))
	for i, m := range tools {
		st := Step{
			ID:          i + 1,
			Name:        m[1],
			Description: "recovered from malformed planner output",
			ToolName:    m[1],
		}
		if len(names) == len(tools) && names[i][1] != "" {
			st.Name = names[i][1]
		}
		if len(params) == len(tools) {
			var pm map[string]any
			if json.Unmarshal([]byte(params[i][1]), &pm) == nil {
				st.ToolParameters = pm
			}
		}
		if i > 0 {
			st.Dependencies = []int{i}
		}
		steps[i] = st
	}

	p := New(taskID, fmt.Sprintf("%d-step plan recovered from malformed output", len(steps)), steps)
	p.Origin = PartiallyExtracted.String()
	return p
}

// FallbackPlan returns the single-step plan used when no structure could be
// recovered from the model.
func FallbackPlan(taskID, description string) *Plan {
	p := New(taskID, "general execution of the task description", []Step{{
		ID:             1,
		Name:           "general execution",
		Description:    "Carry out the task as described",
		ToolName:       GeneralTool,
		ToolParameters: map[string]any{"prompt": description},
	}})
	p.Origin = Fallback.String()
	return p
}
