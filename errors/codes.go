package errors

// ErrorCategory classifies errors by how the task state machine should react.
type ErrorCategory string

const (
	// CategoryTransient failures may succeed when the task is retried.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent failures will not improve on retry.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource failures come from exhausted limits or quotas.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal failures indicate bugs or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrCodeExecutionTimeout   ErrorCode = "EXECUTION_TIMEOUT"   // tool exceeded its wall-clock budget
	ErrCodeSandboxUnavailable ErrorCode = "SANDBOX_UNAVAILABLE" // isolation substrate missing

	// Permanent
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeCanceled         ErrorCode = "CANCELED"
	ErrCodePlanParse        ErrorCode = "PLAN_PARSE"        // model output could not be parsed
	ErrCodePlanInvalid      ErrorCode = "PLAN_INVALID"      // dependency graph rejected
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED" // caller lacks tool permissions
	ErrCodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrCodePolicyViolation  ErrorCode = "POLICY_VIOLATION" // denylisted command or pattern

	// Resource
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"

	// Task lifecycle
	ErrCodeTaskFailed ErrorCode = "TASK_FAILED"
	ErrCodeStepFailed ErrorCode = "STEP_FAILED"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeExecutionTimeout,
		ErrCodeSandboxUnavailable, ErrCodeStepFailed:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeForbidden, ErrCodeConflict,
		ErrCodeCanceled, ErrCodePlanParse, ErrCodePlanInvalid, ErrCodePermissionDenied,
		ErrCodeToolNotFound, ErrCodePolicyViolation, ErrCodeTaskFailed:
		return CategoryPermanent

	case ErrCodeRateLimit:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:            "operation timed out",
	ErrCodeUnavailable:        "service temporarily unavailable",
	ErrCodeExecutionTimeout:   "tool execution timed out",
	ErrCodeSandboxUnavailable: "sandbox substrate unavailable",
	ErrCodeNotFound:           "resource not found",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeForbidden:          "access denied",
	ErrCodeConflict:           "conflicting update",
	ErrCodeCanceled:           "operation canceled",
	ErrCodePlanParse:          "plan could not be parsed",
	ErrCodePlanInvalid:        "plan failed validation",
	ErrCodePermissionDenied:   "permission denied",
	ErrCodeToolNotFound:       "tool not found",
	ErrCodePolicyViolation:    "blocked by execution policy",
	ErrCodeRateLimit:          "rate limit exceeded",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
	ErrCodeTaskFailed:         "task execution failed",
	ErrCodeStepFailed:         "plan step failed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
