// Package tools is the catalog of invocable tools: declarative metadata
// loaded from tools.d, implementation bindings, caller permission checks
// with a shared decision cache, and per-tool rate limits.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tool categories. Code execution and system tools run in a sandbox.
const (
	CategoryGeneral        = "general"
	CategoryFileSystem     = "file_system"
	CategoryCodeExecution  = "code_execution"
	CategorySystem         = "system"
	CategoryTextProcessing = "text_processing"
	CategoryWeb            = "web"
)

// Catalog defaults for fields a declaration leaves out.
const (
	DefaultTimeout         = 300 // seconds
	DefaultRateLimitPerMin = 60
	DefaultVersion         = "1.0.0"
	DefaultAuthor          = "unknown"
)

// Tool is a tool's declaration. It carries no behavior; implementations
// are bound separately so declarations can be reloaded without code.
type Tool struct {
	Name                string                 `json:"name" yaml:"name"`
	Description         string                 `json:"description" yaml:"description"`
	Category            string                 `json:"category" yaml:"category"`
	Version             string                 `json:"version" yaml:"version"`
	Author              string                 `json:"author" yaml:"author"`
	Parameters          map[string]interface{} `json:"parameters" yaml:"parameters"`
	RequiredPermissions []string               `json:"required_permissions" yaml:"required_permissions"`
	Timeout             int                    `json:"timeout" yaml:"timeout"` // seconds
	RateLimitPerMin     int                    `json:"rate_limit_per_min" yaml:"rate_limit_per_min"`
	Enabled             bool                   `json:"enabled" yaml:"enabled"`
}

// Isolated reports whether the tool must run inside a sandbox.
func (t Tool) Isolated() bool {
	return t.Category == CategoryCodeExecution || t.Category == CategorySystem
}

// TimeoutDuration returns the tool's wall-clock budget.
func (t Tool) TimeoutDuration() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeout * time.Second
	}
	return time.Duration(t.Timeout) * time.Second
}

func (t *Tool) applyDefaults() {
	if t.Category == "" {
		t.Category = CategoryGeneral
	}
	if t.Version == "" {
		t.Version = DefaultVersion
	}
	if t.Author == "" {
		t.Author = DefaultAuthor
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.RateLimitPerMin <= 0 {
		t.RateLimitPerMin = DefaultRateLimitPerMin
	}
	if t.Parameters == nil {
		t.Parameters = map[string]interface{}{"type": "object"}
	}
}

// Caller identifies who a tool runs for.
type Caller struct {
	ID          string
	Roles       []string
	Permissions []string
}

// grantKey identifies the caller together with its grants. Roles and
// permissions travel with each task, so the id alone is not enough.
func (c Caller) grantKey() string {
	roles := append([]string(nil), c.Roles...)
	perms := append([]string(nil), c.Permissions...)
	sort.Strings(roles)
	sort.Strings(perms)
	return strconv.Quote(c.ID) + "|" + strconv.Quote(strings.Join(roles, "\x00")) + "|" + strconv.Quote(strings.Join(perms, "\x00"))
}

// HasRole reports whether the caller holds role.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Call is the context of one invocation.
type Call struct {
	TaskID string
	StepID int
	Caller Caller
}

// Implementation executes a tool.
type Implementation interface {
	Execute(ctx context.Context, params Params, call Call) (interface{}, error)
}

// Func adapts a function to Implementation.
type Func func(ctx context.Context, params Params, call Call) (interface{}, error)

// Execute implements Implementation.
func (f Func) Execute(ctx context.Context, params Params, call Call) (interface{}, error) {
	return f(ctx, params, call)
}

// Result is the uniform outcome of an invocation. Failures are values, not
// errors, so callers branch on Success.
type Result struct {
	Tool      string        `json:"tool"`
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
	Duration  time.Duration `json:"duration"`
	Sandboxed bool          `json:"sandboxed,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Failure builds a failed Result.
func Failure(tool, code, format string, args ...interface{}) Result {
	return Result{Tool: tool, Code: code, Error: fmt.Sprintf(format, args...)}
}

// OutputString renders Output as text: strings as-is, everything else as
// JSON.
func (r Result) OutputString() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
