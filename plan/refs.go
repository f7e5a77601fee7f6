package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	terrors "github.com/vinayprograms/taskforge/errors"
)

// refPattern matches a back-reference such as @{{steps.2.result}}.
var refPattern = regexp.MustCompile(`@\{\{\s*steps\.(\d+)\.result\s*\}\}`)

// Ref formats a back-reference to the result of step id.
func Ref(id int) string {
	return fmt.Sprintf("@{{steps.%d.result}}", id)
}

// References lists the step ids referenced anywhere in params, ascending.
func References(params map[string]any) []int {
	seen := map[int]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(x, -1) {
				if n, err := strconv.Atoi(m[1]); err == nil {
					seen[n] = true
				}
			}
		case map[string]any:
			for _, e := range x {
				walk(e)
			}
		case []any:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(params)

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ResolveParameters returns a copy of params with every back-reference
// replaced by the stored result of the referenced step. A string that is
// exactly one reference takes the result value itself; a reference embedded
// in a longer string takes the result's string form. A reference to a step
// with no stored result is an error.
func ResolveParameters(params map[string]any, results map[int]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		r, err := resolveValue(v, results)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func resolveValue(v any, results map[int]any) (any, error) {
	switch x := v.(type) {
	case string:
		return resolveString(x, results)
	case map[string]any:
		return ResolveParameters(x, results)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			r, err := resolveValue(e, results)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, results map[int]any) (any, error) {
	if m := refPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		id, _ := strconv.Atoi(s[m[2]:m[3]])
		val, ok := results[id]
		if !ok {
			return nil, unresolved(id)
		}
		return val, nil
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		sub := refPattern.FindStringSubmatch(ref)
		id, _ := strconv.Atoi(sub[1])
		val, ok := results[id]
		if !ok {
			if firstErr == nil {
				firstErr = unresolved(id)
			}
			return ref
		}
		return stringify(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func unresolved(id int) error {
	return terrors.InvalidInput(fmt.Sprintf("unresolved reference to step %d: no result stored", id))
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}
