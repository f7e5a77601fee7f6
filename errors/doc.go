// Package errors is the structured error taxonomy used across taskforge.
//
// Every error carries a code and a category. The category decides whether the
// task state machine should spend a retry on it:
//
//   - transient: timeouts, unavailable substrates, failed steps
//   - permanent: invalid plans, denied permissions, unknown tools
//   - resource: rate limits
//   - internal: bugs and recovered panics
//
// Create, wrap and inspect errors:
//
//	err := errors.ExecutionTimeout("code_runner", 30*time.Second)
//	wrapped := errors.Wrap(err, "step 2")
//	if errors.Is(wrapped, errors.ErrCodeExecutionTimeout) { ... }
//
// Errors serialize to JSON so they can be stored in a task's result payload.
package errors
