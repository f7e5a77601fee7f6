package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (m *scriptedModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	r := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return r, nil
}

type fakeKnowledge struct {
	context    string
	err        error
	remembered []string
}

func (k *fakeKnowledge) GetContext(context.Context, string, string) (string, error) {
	return k.context, k.err
}

func (k *fakeKnowledge) Remember(_ context.Context, _ string, msg string) error {
	k.remembered = append(k.remembered, msg)
	return nil
}

var catalog = []ToolInfo{
	{Name: "file_reader", Description: "Read a file", Category: "file_system", Parameters: map[string]any{"path": map[string]any{"type": "string"}}},
	{Name: "summarizer", Description: "Summarize text", Category: "text_processing"},
}

const invalidPlan = `{"steps": [
  {"step_id": 1, "name": "a", "description": "d", "tool_name": "echo", "dependencies": [2]},
  {"step_id": 2, "name": "b", "description": "d", "tool_name": "echo"}
]}`

func newGenerator(t *testing.T, m Model, k ContextSource) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{Model: m, Knowledge: k, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerator_Create(t *testing.T) {
	m := &scriptedModel{responses: []string{wellFormed}}
	k := &fakeKnowledge{context: "file A is a changelog"}
	g := newGenerator(t, m, k)

	p, err := g.Create(context.Background(), "t1", "read file A then summarize it", catalog)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(p.Steps) != 2 || p.Steps[1].Dependencies[0] != 1 {
		t.Fatalf("plan = %+v", p.Steps)
	}

	prompt := m.prompts[0]
	for _, want := range []string{"read file A then summarize it", `"file_reader"`, `"text_processing"`, "file A is a changelog", `"step_id"`, "@{{steps.N.result}}"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt lacks %q", want)
		}
	}
}

func TestGenerator_CreateRejectsInvalidPlan(t *testing.T) {
	g := newGenerator(t, &scriptedModel{responses: []string{invalidPlan}}, nil)
	_, err := g.Create(context.Background(), "t1", "x", catalog)
	te, ok := terrors.As(err)
	if !ok || te.Code() != terrors.ErrCodePlanInvalid || te.StepID() != 1 {
		t.Fatalf("err = %v, want PLAN_INVALID on step 1", err)
	}
}

func TestGenerator_GarbageFallsBack(t *testing.T) {
	g := newGenerator(t, &scriptedModel{responses: []string{"sorry"}}, nil)
	p, err := g.Create(context.Background(), "t1", "do it", catalog)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Origin != "fallback" || p.Steps[0].ToolName != GeneralTool {
		t.Errorf("plan = %+v", p)
	}
}

func TestGenerator_ModelFailureIsRetryable(t *testing.T) {
	g := newGenerator(t, &scriptedModel{err: errors.New("connection refused")}, nil)
	_, err := g.Create(context.Background(), "t1", "x", catalog)
	if !terrors.Is(err, terrors.ErrCodeUnavailable) || !terrors.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable UNAVAILABLE", err)
	}
}

func TestGenerator_KnowledgeFailureDegrades(t *testing.T) {
	k := &fakeKnowledge{err: errors.New("index offline")}
	g := newGenerator(t, &scriptedModel{responses: []string{wellFormed}}, k)
	if _, err := g.Create(context.Background(), "t1", "x", catalog); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestGenerator_Regenerate(t *testing.T) {
	g := newGenerator(t, &scriptedModel{responses: []string{wellFormed}}, nil)
	p, err := g.Regenerate(context.Background(), "t1", "x", catalog, "4")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if p.Version != "5" || p.TaskID != "t1" {
		t.Errorf("version = %s task = %s", p.Version, p.TaskID)
	}
}

func TestGenerator_CreateWithRetry(t *testing.T) {
	m := &scriptedModel{responses: []string{invalidPlan, invalidPlan, wellFormed}}
	k := &fakeKnowledge{}
	g := newGenerator(t, m, k)

	p, err := g.CreateWithRetry(context.Background(), "t1", "x", catalog)
	if err != nil {
		t.Fatalf("CreateWithRetry: %v", err)
	}
	if len(m.prompts) != 3 {
		t.Errorf("model called %d times, want 3", len(m.prompts))
	}
	if p.Version != "3" {
		t.Errorf("version = %s, want 3", p.Version)
	}
	if len(k.remembered) != 2 || !strings.HasPrefix(k.remembered[0], "user: ") {
		t.Errorf("remembered = %v", k.remembered)
	}
}

func TestGenerator_CreateWithRetryGivesUp(t *testing.T) {
	m := &scriptedModel{responses: []string{invalidPlan}}
	g := newGenerator(t, m, nil)
	_, err := g.CreateWithRetry(context.Background(), "t1", "x", catalog)
	if !terrors.Is(err, terrors.ErrCodePlanInvalid) {
		t.Fatalf("err = %v", err)
	}
	if len(m.prompts) != DefaultMaxAttempts {
		t.Errorf("attempts = %d", len(m.prompts))
	}
}

func TestNewGenerator_RequiresModel(t *testing.T) {
	if _, err := NewGenerator(GeneratorConfig{}); err == nil {
		t.Error("NewGenerator without model succeeded")
	}
}
