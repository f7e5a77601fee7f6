package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskforge/heartbeat"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/tasks"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Interval between sweeps. Default: 30s
	Interval time.Duration

	// MaxRetries must match the consumers'. Default: 3
	MaxRetries int

	// StaleQueued republishes QUEUED tasks untouched for this long, in
	// case their message was lost. 0 disables it.
	StaleQueued time.Duration

	Logger *logging.Logger
}

// Reconciler returns abandoned RUNNING tasks to the retry path.
type Reconciler struct {
	tasks  *tasks.Manager
	queue  queue.Queue
	cfg    ReconcilerConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(m *tasks.Manager, q queue.Queue, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Reconciler{tasks: m, queue: q, cfg: cfg, logger: cfg.Logger.WithComponent("reconciler"), now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("sweep_failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Sweep reclaims every RUNNING task whose lease lapsed and republishes
// stale QUEUED tasks. It returns the number of tasks reclaimed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	expired, err := r.tasks.Expired(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range expired {
		if r.reclaim(ctx, t.ID, "lease expired") {
			n++
		}
	}

	if r.cfg.StaleQueued > 0 {
		queued, err := r.tasks.List(ctx, tasks.StatusQueued)
		if err != nil {
			return n, err
		}
		now := r.now()
		cutoff := now.Add(-r.cfg.StaleQueued)
		window := now.UnixNano() / int64(r.cfg.StaleQueued)
		for _, t := range queued {
			if t.UpdatedAt.Before(cutoff) {
				// The retry's own dedup id was already used by the lost
				// publish; key this one to the sweep window instead.
				dedup := fmt.Sprintf("%s-%d-stale-%d", t.ID, t.RetryCount, window)
				if err := r.queue.Publish(ctx, t.ID, t.Priority, queue.WithDedupID(dedup)); err != nil {
					r.logger.WithTask(t.ID).Warn("republish_failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}
	return n, nil
}

// WorkerDead reclaims the RUNNING tasks a silent worker still held. Hook
// it to heartbeat.Monitor.OnDead.
func (r *Reconciler) WorkerDead(ctx context.Context, last *heartbeat.Heartbeat) {
	r.logger.Warn("worker_dead", map[string]interface{}{"worker": last.WorkerID, "tasks": len(last.Tasks)})
	for _, id := range last.Tasks {
		t, err := r.tasks.Get(ctx, id)
		if err != nil || t.Status != tasks.StatusRunning || t.Worker != last.WorkerID {
			continue
		}
		r.reclaim(ctx, id, "worker "+last.WorkerID+" stopped heartbeating")
	}
}

func (r *Reconciler) reclaim(ctx context.Context, taskID, reason string) bool {
	t, requeued, err := r.tasks.Reclaim(ctx, taskID, reason, r.cfg.MaxRetries)
	if errors.Is(err, tasks.ErrNotRunning) {
		return false
	}
	if err != nil {
		r.logger.WithTask(taskID).Warn("reclaim_failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	if requeued {
		if err := requeue(ctx, r.queue, t); err != nil {
			r.logger.WithTask(taskID).Error("requeue_failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return true
}
