package consumer

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/tasks"
)

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Prompt         string
	Priority       int // 0 means the client default
	IdempotencyKey string
	Owner          tasks.Owner
	Config         map[string]any
}

// Client submits tasks and reads their state.
type Client struct {
	tasks           *tasks.Manager
	queue           queue.Queue
	defaultPriority int
}

// NewClient creates a submission client.
func NewClient(m *tasks.Manager, q queue.Queue, defaultPriority int) *Client {
	if defaultPriority <= 0 {
		defaultPriority = 5
	}
	return &Client{tasks: m, queue: q, defaultPriority: defaultPriority}
}

// Submit stores a QUEUED task and publishes it. Resubmitting with the same
// idempotency key returns the existing task without publishing again.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*tasks.Task, error) {
	priority := req.Priority
	if priority <= 0 {
		priority = c.defaultPriority
	}
	t, err := c.tasks.Submit(ctx, tasks.Task{
		IdempotencyKey: req.IdempotencyKey,
		Prompt:         req.Prompt,
		Priority:       priority,
		Owner:          req.Owner,
		Config:         req.Config,
	})
	if err != nil {
		return nil, err
	}
	if t.Status != tasks.StatusQueued || t.RetryCount > 0 {
		return t, nil
	}
	if err := requeue(ctx, c.queue, t); err != nil {
		return t, fmt.Errorf("task %s stored but not queued: %w", t.ID, err)
	}
	return t, nil
}

// Status returns the stored task.
func (c *Client) Status(ctx context.Context, taskID string) (*tasks.Task, error) {
	return c.tasks.Get(ctx, taskID)
}
