// Package knowledge is the context store consulted when planning: it keeps
// task prompts and plan summaries and returns related snippets for new
// prompts.
//
// Lookups are advisory. Wrap any Store with Degrading so a broken index
// yields empty context instead of failing the task.
package knowledge

import (
	"context"
	"time"

	"github.com/vinayprograms/taskforge/logging"
)

// Store remembers messages per task and answers context queries.
type Store interface {
	// GetContext returns text related to query, most relevant first.
	// Entries from taskID rank ahead of other tasks' entries.
	GetContext(ctx context.Context, query, taskID string) (string, error)

	// Remember records a message under taskID.
	Remember(ctx context.Context, taskID, message string) error

	Close() error
}

// Entry is one remembered message.
type Entry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Noop is a Store that remembers nothing.
type Noop struct{}

func (Noop) GetContext(context.Context, string, string) (string, error) { return "", nil }

func (Noop) Remember(context.Context, string, string) error { return nil }

func (Noop) Close() error { return nil }

// Degrading wraps a Store so failures are logged and swallowed.
type Degrading struct {
	store  Store
	logger *logging.Logger
}

// NewDegrading wraps store.
func NewDegrading(store Store, logger *logging.Logger) *Degrading {
	if logger == nil {
		logger = logging.New()
	}
	return &Degrading{store: store, logger: logger.WithComponent("knowledge")}
}

// GetContext returns "" when the underlying store fails.
func (d *Degrading) GetContext(ctx context.Context, query, taskID string) (string, error) {
	text, err := d.store.GetContext(ctx, query, taskID)
	if err != nil {
		d.logger.Warn("context_lookup_failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return "", nil
	}
	return text, nil
}

// Remember drops the message when the underlying store fails.
func (d *Degrading) Remember(ctx context.Context, taskID, message string) error {
	if err := d.store.Remember(ctx, taskID, message); err != nil {
		d.logger.Warn("remember_failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
	return nil
}

// Close closes the underlying store.
func (d *Degrading) Close() error {
	return d.store.Close()
}
