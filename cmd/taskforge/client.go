package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/taskforge/config"
	"github.com/vinayprograms/taskforge/consumer"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/tasks"
)

// errNoSharedBackend is returned by commands that only make sense against
// a queue other processes can see.
var errNoSharedBackend = errors.New("nats.url is not set: the in-memory backend is private to one process")

// waitPoll is the status polling interval for submit --wait.
const waitPoll = 500 * time.Millisecond

func openClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*consumer.Client, *tasks.Manager, *backend, error) {
	if cfg.NATS.URL == "" {
		return nil, nil, nil, errNoSharedBackend
	}
	be, err := openBackend(ctx, cfg, "client")
	if err != nil {
		return nil, nil, nil, err
	}
	m := newManager(be, logger)
	return consumer.NewClient(m, be.queue, cfg.Tasks.DefaultPriority), m, be, nil
}

// Run submits the task and prints it.
func (c *SubmitCmd) Run(g *Globals, out io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Priority < 0 || c.Priority > 10 {
		return fmt.Errorf("priority %d out of range 1-10", c.Priority)
	}

	ctx := context.Background()
	client, _, be, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	t, err := client.Submit(ctx, consumer.SubmitRequest{
		Prompt:         c.Prompt,
		Priority:       c.Priority,
		IdempotencyKey: c.Key,
		Owner:          tasks.Owner{ID: c.Owner, Roles: c.Roles, Permissions: c.Permissions},
	})
	if err != nil {
		return err
	}
	logger.Info("task_submitted", map[string]interface{}{"task_id": t.ID, "priority": t.Priority})
	if !c.Wait {
		return printJSON(out, t)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	final, err := waitTerminal(ctx, client, t.ID)
	if err != nil {
		return err
	}
	return printJSON(out, final)
}

func waitTerminal(ctx context.Context, client *consumer.Client, id string) (*tasks.Task, error) {
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		t, err := client.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, fmt.Errorf("task %s still %s: %w", id, t.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run prints one task or the task list.
func (c *StatusCmd) Run(g *Globals, out io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	client, manager, be, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	if c.TaskID != "" {
		t, err := client.Status(ctx, c.TaskID)
		if err != nil {
			return err
		}
		return printJSON(out, t)
	}

	list, err := manager.List(ctx, tasks.Status(strings.ToUpper(c.Filter)))
	if err != nil {
		return err
	}
	for _, t := range list {
		if _, err := fmt.Fprintf(out, "%s\t%s\tretries=%d\t%s\n", t.ID, t.Status, t.RetryCount, truncate(t.Prompt, 60)); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
