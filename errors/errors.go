package errors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskError is the interface satisfied by every structured error in taskforge.
type TaskError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete TaskError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means derive from category
	timestamp time.Time
	taskID    string
	stepID    int
	tool      string
}

var (
	_ TaskError        = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the error category.
func (e *Error) Category() ErrorCategory { return e.category }

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

// Retryable reports whether the failure should consume a task retry.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Timestamp returns when the error was created.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// TaskID returns the related task, if set.
func (e *Error) TaskID() string { return e.taskID }

// StepID returns the related plan step, or 0.
func (e *Error) StepID() int { return e.stepID }

// Tool returns the related tool name, if set.
func (e *Error) Tool() string { return e.tool }

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	StepID    int               `json:"step_id,omitempty"`
	Tool      string            `json:"tool,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
		StepID:    e.stepID,
		Tool:      e.tool,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.taskID = j.TaskID
	e.stepID = j.StepID
	e.tool = j.Tool
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option configures an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTaskID sets the related task.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithStepID sets the related plan step.
func WithStepID(id int) Option {
	return func(e *Error) { e.stepID = id }
}

// WithTool sets the related tool name.
func WithTool(name string) Option {
	return func(e *Error) { e.tool = name }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the code's default description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// PlanParse reports model output that could not be turned into a plan.
func PlanParse(message string, opts ...Option) *Error {
	return New(ErrCodePlanParse, message, opts...)
}

// PlanInvalid reports a plan rejected by dependency validation.
func PlanInvalid(stepID int, reason string, opts ...Option) *Error {
	opts = append([]Option{WithStepID(stepID)}, opts...)
	return New(ErrCodePlanInvalid, fmt.Sprintf("step %d: %s", stepID, reason), opts...)
}

// PermissionDenied reports a caller lacking the permissions a tool requires.
func PermissionDenied(tool, caller string, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool), WithMetadata("caller", caller)}, opts...)
	return New(ErrCodePermissionDenied, fmt.Sprintf("caller %q may not use tool %q", caller, tool), opts...)
}

// ToolNotFound reports an unknown tool name.
func ToolNotFound(tool string, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool)}, opts...)
	return New(ErrCodeToolNotFound, fmt.Sprintf("tool %q not found", tool), opts...)
}

// SandboxUnavailable reports that the isolation substrate cannot be reached.
func SandboxUnavailable(cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause)}, opts...)
	return New(ErrCodeSandboxUnavailable, "sandbox substrate unavailable", opts...)
}

// ExecutionTimeout reports a tool that exceeded its wall-clock budget.
func ExecutionTimeout(tool string, limit time.Duration, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool), WithMetadata("limit", limit.String())}, opts...)
	return New(ErrCodeExecutionTimeout, fmt.Sprintf("tool %q timed out after %s", tool, limit), opts...)
}

// PolicyViolation reports a command rejected by the execution guard.
func PolicyViolation(tool, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool)}, opts...)
	return New(ErrCodePolicyViolation, fmt.Sprintf("tool %q blocked: %s", tool, reason), opts...)
}

// StepFailed reports a plan step that did not complete.
func StepFailed(stepID int, reason string, opts ...Option) *Error {
	opts = append([]Option{WithStepID(stepID)}, opts...)
	return New(ErrCodeStepFailed, "step "+strconv.Itoa(stepID)+" failed: "+reason, opts...)
}

// TaskFailed creates a task failed error.
func TaskFailed(taskID, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeTaskFailed, fmt.Sprintf("task %s failed: %s", taskID, reason), opts...)
}
