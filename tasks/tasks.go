package tasks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskforge/plan"
)

var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotQueued indicates a claim on a task that is not QUEUED.
	ErrNotQueued = errors.New("task not queued")

	// ErrNotRunning indicates a running-only write on a task in another state.
	ErrNotRunning = errors.New("task not running")

	// ErrClaimConflict indicates another worker won the race for the task.
	ErrClaimConflict = errors.New("task claimed concurrently")

	// ErrWrongWorker indicates a write from a worker that does not hold the task.
	ErrWrongWorker = errors.New("task held by a different worker")

	// ErrNotTerminal indicates deletion of a task that has not finished.
	ErrNotTerminal = errors.New("task not in a terminal state")

	// ErrInvalidTask indicates missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidWorkerID indicates an empty worker id.
	ErrInvalidWorkerID = errors.New("invalid worker ID")

	// ErrStoreClosed indicates the manager has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for COMPLETED and FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Owner identifies who submitted a task; permission checks run against it.
type Owner struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Task is the persisted record of one unit of work.
type Task struct {
	ID             string         `json:"task_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Status         Status         `json:"status"`
	Prompt         string         `json:"prompt"`
	Plan           *plan.Plan     `json:"plan,omitempty"`
	Result         any            `json:"result,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Priority       int            `json:"priority"`
	Config         map[string]any `json:"config,omitempty"`
	Owner          Owner          `json:"owner"`

	// Error is the last failure message; kept across retries for inspection.
	Error string `json:"error,omitempty"`

	Worker         string     `json:"worker,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var out Task
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// LeaseExpired reports whether a RUNNING task's lease lapsed before now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status == StatusRunning && t.LeaseExpiresAt != nil && now.After(*t.LeaseExpiresAt)
}

// FailurePayload is stored in Task.Result when a task reaches FAILED.
type FailurePayload struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryCount int    `json:"retry_count"`
}
