package plan

import (
	"fmt"
	"sort"

	terrors "github.com/vinayprograms/taskforge/errors"
)

// Validate checks the dependency graph. Every dependency must name an
// existing step with a smaller id; a depth-first cycle scan runs afterwards
// for graphs that reach it with non-monotonic ids. The returned error is a
// PLAN_INVALID error naming the offending step.
func Validate(p *Plan) error {
	if p == nil || len(p.Steps) == 0 {
		return terrors.New(terrors.ErrCodePlanInvalid, "plan has no steps")
	}

	ids := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID <= 0 {
			return terrors.PlanInvalid(s.ID, "step id must be positive")
		}
		if ids[s.ID] {
			return terrors.PlanInvalid(s.ID, "duplicate step id")
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return terrors.PlanInvalid(s.ID, fmt.Sprintf("depends on missing step %d", dep))
			}
		}
	}
	if err := checkOrder(p.Steps); err != nil {
		return err
	}
	return checkCycles(p.Steps)
}

func checkOrder(steps []Step) error {
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep >= s.ID {
				return terrors.PlanInvalid(s.ID, fmt.Sprintf("depends on future step %d", dep))
			}
		}
	}
	return nil
}

// checkCycles runs a DFS over the graph in ascending id order and reports the
// first step found on a cycle.
func checkCycles(steps []Step) error {
	graph := make(map[int][]int, len(steps))
	order := make([]int, 0, len(steps))
	for _, s := range steps {
		graph[s.ID] = s.Dependencies
		order = append(order, s.ID)
	}
	sort.Ints(order)

	const (
		white = iota
		grey
		black
	)
	color := make(map[int]int, len(steps))

	var visit func(id int) (int, bool)
	visit = func(id int) (int, bool) {
		color[id] = grey
		for _, next := range graph[id] {
			switch color[next] {
			case grey:
				return next, true
			case white:
				if at, found := visit(next); found {
					return at, true
				}
			}
		}
		color[id] = black
		return 0, false
	}

	for _, id := range order {
		if color[id] != white {
			continue
		}
		if at, found := visit(id); found {
			return terrors.PlanInvalid(at, "dependency cycle")
		}
	}
	return nil
}

// Ready returns the queued steps whose dependencies have all completed.
func Ready(p *Plan) []*Step {
	done := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			done[s.ID] = true
		}
	}
	var out []*Step
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StepQueued && s.Status != "" {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}
