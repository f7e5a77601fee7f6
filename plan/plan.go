// Package plan turns a task description into a validated, dependency-ordered
// step graph and carries that graph through execution.
//
// A Plan is produced by a Generator from untrusted model output. Parsing never
// fails outright: it degrades from a strict structured parse, to partial field
// extraction, to a single-step fallback (see ParseResult). Validation, in
// contrast, is strict: any missing, forward, or cyclic dependency rejects the
// whole plan.
//
// The persisted JSON shape of a Plan always carries steps[] with step_id,
// name, description, tool_name, tool_parameters and dependencies.
package plan

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the step-local lifecycle state.
type StepStatus string

const (
	StepQueued    StepStatus = "QUEUED"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// Status is the plan-level lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// FirstVersion is the version stamped on a freshly created plan.
const FirstVersion = "1"

// PreviewLimit caps Step.ResultPreview.
const PreviewLimit = 500

// Step is one node of the plan's dependency graph, bound to one tool call.
type Step struct {
	ID             int            `json:"step_id" validate:"gt=0"`
	Name           string         `json:"name" validate:"required"`
	Description    string         `json:"description"`
	ToolName       string         `json:"tool_name" validate:"required"`
	ToolParameters map[string]any `json:"tool_parameters"`
	Dependencies   []int          `json:"dependencies"`

	Status        StepStatus `json:"status,omitempty"`
	ResultPreview string     `json:"result_preview,omitempty"`
	Output        any        `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Plan is the structured set of tool invocations derived from a description.
type Plan struct {
	ID             string    `json:"plan_id"`
	TaskID         string    `json:"task_id"`
	Version        string    `json:"version"`
	Summary        string    `json:"summary"`
	Steps          []Step    `json:"steps" validate:"required,min=1,dive"`
	Status         Status    `json:"status"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	Origin         string    `json:"origin,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// New assembles a plan for taskID, normalizing step fields so that the
// persisted shape is stable.
func New(taskID, summary string, steps []Step) *Plan {
	p := &Plan{
		ID:        NewID(),
		TaskID:    taskID,
		Version:   FirstVersion,
		Summary:   summary,
		Steps:     steps,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ToolParameters == nil {
			s.ToolParameters = map[string]any{}
		}
		if s.Dependencies == nil {
			s.Dependencies = []int{}
		}
		if s.Status == "" {
			s.Status = StepQueued
		}
	}
	p.TotalSteps = len(p.Steps)
	return p
}

// NewID returns a plan id of the form plan-<8 hex>.
func NewID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		u := uuid.New()
		copy(b[:], u[:4])
	}
	return "plan-" + hex.EncodeToString(b[:])
}

// NextVersion returns current+1. An empty current counts as version 0.
func NextVersion(current string) (string, error) {
	if current == "" {
		return FirstVersion, nil
	}
	n, err := strconv.Atoi(current)
	if err != nil || n < 0 {
		return "", fmt.Errorf("plan version %q is not a non-negative integer", current)
	}
	return strconv.Itoa(n + 1), nil
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id int) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy via the persisted JSON shape.
func (p *Plan) Clone() *Plan {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Recount refreshes TotalSteps, CompletedSteps and the plan status from the
// step states.
func (p *Plan) Recount() {
	p.TotalSteps = len(p.Steps)
	p.CompletedSteps = 0
	failed := false
	running := false
	for _, s := range p.Steps {
		switch s.Status {
		case StepCompleted:
			p.CompletedSteps++
		case StepFailed:
			failed = true
		case StepRunning:
			running = true
		}
	}
	switch {
	case p.TotalSteps > 0 && p.CompletedSteps == p.TotalSteps:
		p.Status = StatusCompleted
	case failed && !running:
		p.Status = StatusFailed
	case running || p.CompletedSteps > 0 || failed:
		p.Status = StatusExecuting
	}
}

// Preview renders a value as a truncated string for Step.ResultPreview.
func Preview(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			s = fmt.Sprint(x)
		} else {
			s = string(data)
		}
	}
	if len(s) > PreviewLimit {
		return s[:PreviewLimit] + "..."
	}
	return s
}
