// Package conversation stages a short multi-persona exchange about a task
// and returns its transcript. It backs the general_executor tool, which
// handles requests the planner could not break into concrete tool steps.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/taskforge/llm"
	"github.com/vinayprograms/taskforge/logging"
)

// Termination reasons.
const (
	ReasonApproved  = "approved"
	ReasonMaxTurns  = "max_turns"
	ReasonTerminate = "terminate"
)

// ApproveMarker, when written by the reviewing persona, ends the exchange.
const ApproveMarker = "APPROVED"

// TerminateMarker ends the exchange from any persona.
const TerminateMarker = "TERMINATE"

// Task is what the conversation is about.
type Task struct {
	ID     string
	Prompt string
	Tools  []string // "name: description" lines shown to personas
}

// Persona is one participant.
type Persona struct {
	Name   string
	System string

	// Reviewer marks the persona whose approval ends the exchange.
	Reviewer bool
}

// Turn is one message in a transcript.
type Turn struct {
	Persona string    `json:"persona"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Transcript is the outcome of Submit.
type Transcript struct {
	TaskID      string         `json:"task_id"`
	Turns       []Turn         `json:"turns"`
	Summary     string         `json:"summary"`
	Completed   bool           `json:"completed"`
	Termination string         `json:"termination"`
	Stats       map[string]int `json:"stats"`
}

// Engine runs conversations.
type Engine interface {
	Submit(ctx context.Context, task Task, knowledge string) (*Transcript, error)
}

// DefaultPersonas plan, execute and review in turn.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			Name: "Planner",
			System: "You are the planner. Analyse the request, break it into concrete steps, " +
				"name the tools each step needs and flag risks. Do not execute anything yourself.",
		},
		{
			Name: "Executor",
			System: "You are the executor. Carry out the planner's current step and report " +
				"exactly what was produced, including errors.",
		},
		{
			Name: "Reviewer",
			System: "You are the reviewer. Check the executor's result against the request. " +
				"If it is complete and correct, reply with " + ApproveMarker + " followed by the final answer. " +
				"Otherwise say what is missing.",
			Reviewer: true,
		},
	}
}

// Config configures an LLMEngine.
type Config struct {
	Provider llm.Provider
	Personas []Persona // default DefaultPersonas()
	MaxTurns int       // default 20
	Logger   *logging.Logger
}

// LLMEngine gives each persona a model turn in round-robin order.
type LLMEngine struct {
	provider llm.Provider
	personas []Persona
	maxTurns int
	logger   *logging.Logger
	now      func() time.Time
}

// NewLLMEngine creates an engine.
func NewLLMEngine(cfg Config) (*LLMEngine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("conversation: provider required")
	}
	if len(cfg.Personas) == 0 {
		cfg.Personas = DefaultPersonas()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &LLMEngine{
		provider: cfg.Provider,
		personas: cfg.Personas,
		maxTurns: cfg.MaxTurns,
		logger:   cfg.Logger.WithComponent("conversation"),
		now:      time.Now,
	}, nil
}

// Submit runs the exchange until the reviewer approves, someone terminates,
// or MaxTurns is reached. A model error aborts with the partial transcript.
func (e *LLMEngine) Submit(ctx context.Context, task Task, knowledge string) (*Transcript, error) {
	t := &Transcript{TaskID: task.ID, Termination: ReasonMaxTurns, Stats: map[string]int{}}
	brief := briefing(task, knowledge)

	for i := 0; i < e.maxTurns; i++ {
		p := e.personas[i%len(e.personas)]
		resp, err := e.provider.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: renderTurnPrompt(brief, t.Turns, p.Name)},
		}})
		if err != nil {
			t.Summary = summarize(t.Turns, e.personas)
			return t, fmt.Errorf("conversation turn %d (%s): %w", i+1, p.Name, err)
		}

		content := strings.TrimSpace(resp.Content)
		t.Turns = append(t.Turns, Turn{Persona: p.Name, Content: content, At: e.now()})
		t.Stats[p.Name]++

		if p.Reviewer && strings.Contains(content, ApproveMarker) {
			t.Termination = ReasonApproved
			t.Completed = true
			break
		}
		if strings.Contains(content, TerminateMarker) {
			t.Termination = ReasonTerminate
			break
		}
	}

	t.Summary = summarize(t.Turns, e.personas)
	e.logger.Debug("conversation_done", map[string]interface{}{
		"task_id":     task.ID,
		"turns":       len(t.Turns),
		"termination": t.Termination,
	})
	return t, nil
}

func briefing(task Task, knowledge string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s\nRequest: %s\n", task.ID, task.Prompt)
	if len(task.Tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, line := range task.Tools {
			b.WriteString("- " + line + "\n")
		}
	}
	if knowledge != "" {
		b.WriteString("\nRelevant context:\n" + knowledge + "\n")
	}
	return b.String()
}

func renderTurnPrompt(brief string, turns []Turn, speaker string) string {
	var b strings.Builder
	b.WriteString(brief)
	if len(turns) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "[%s] %s\n", t.Persona, t.Content)
		}
	}
	fmt.Fprintf(&b, "\nYou are %s. Write your next message.", speaker)
	return b.String()
}

// summarize picks the reviewer's approval text, else the last executor-ish
// (non-reviewer, non-first) message, else the last message.
func summarize(turns []Turn, personas []Persona) string {
	if len(turns) == 0 {
		return ""
	}
	reviewer := ""
	for _, p := range personas {
		if p.Reviewer {
			reviewer = p.Name
		}
	}
	last := turns[len(turns)-1]
	if last.Persona == reviewer && strings.Contains(last.Content, ApproveMarker) {
		return strings.TrimSpace(strings.Replace(last.Content, ApproveMarker, "", 1))
	}
	if len(personas) > 1 {
		worker := personas[1].Name
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Persona == worker {
				return turns[i].Content
			}
		}
	}
	return last.Content
}
