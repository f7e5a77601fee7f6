package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskforge/bus"
	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/state"
)

const (
	taskPrefix        = "tasks.task."
	idempotencyPrefix = "tasks.idem."

	// casAttempts bounds the read-modify-write loop for writes that may
	// race with a sibling step of the same task.
	casAttempts = 32
)

// Manager stores tasks in a state.Store and enforces the transition rules.
type Manager struct {
	store  state.Store
	events bus.MessageBus
	logger *logging.Logger
	closed atomic.Bool
	idGen  func() string
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.idGen = gen }
}

// WithEvents publishes a TaskEvent on every status transition.
func WithEvents(b bus.MessageBus) ManagerOption {
	return func(m *Manager) { m.events = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, for lease tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a task manager backed by the given state store.
func NewManager(store state.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		idGen:  uuid.NewString,
		now:    time.Now,
		logger: logging.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("tasks")
	return m
}

// Submit stores a new QUEUED task. If the task carries an IdempotencyKey
// already seen, the existing task is returned instead.
func (m *Manager) Submit(ctx context.Context, t Task) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return nil, ErrInvalidTask
	}

	if t.IdempotencyKey != "" {
		if existing, err := m.GetByIdempotencyKey(ctx, t.IdempotencyKey); err == nil {
			return existing, nil
		}
	}

	if t.ID == "" {
		t.ID = m.idGen()
	}
	now := m.now().UTC()
	t.Status = StatusQueued
	t.RetryCount = 0
	t.Result = nil
	t.Error = ""
	t.Worker = ""
	t.LeaseExpiresAt = nil
	t.ClaimedAt = nil
	t.CompletedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	data, err := json.Marshal(&t)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Create(ctx, taskPrefix+t.ID, data); err != nil {
		if errors.Is(err, state.ErrExists) {
			return nil, terrors.Conflict(fmt.Sprintf("task %s already exists", t.ID), terrors.WithTaskID(t.ID))
		}
		return nil, err
	}

	if t.IdempotencyKey != "" {
		if _, err := m.store.Create(ctx, idempotencyPrefix+idemKey(t.IdempotencyKey), []byte(t.ID)); err != nil {
			// Lost the race to an identical submission: drop ours.
			_ = m.store.Delete(ctx, taskPrefix+t.ID)
			if errors.Is(err, state.ErrExists) {
				return m.GetByIdempotencyKey(ctx, t.IdempotencyKey)
			}
			return nil, err
		}
	}

	m.publish(&t)
	return &t, nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	t, _, err := m.load(ctx, taskID)
	return t, err
}

// GetByIdempotencyKey retrieves a task by its idempotency key.
func (m *Manager) GetByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if key == "" {
		return nil, ErrTaskNotFound
	}
	e, err := m.store.Get(ctx, idempotencyPrefix+idemKey(key))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return m.Get(ctx, string(e.Value))
}

// Claim moves a QUEUED task to RUNNING for workerID, holding it for lease.
// The status is re-read and written with a revision check: a task that is
// not QUEUED yields ErrNotQueued, a lost race yields ErrClaimConflict.
func (m *Manager) Claim(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if workerID == "" {
		return nil, ErrInvalidWorkerID
	}

	t, rev, err := m.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusQueued {
		return t, ErrNotQueued
	}

	from := t.Status
	now := m.now().UTC()
	expires := now.Add(lease)
	t.Status = StatusRunning
	t.Worker = workerID
	t.ClaimedAt = &now
	t.LeaseExpiresAt = &expires
	t.UpdatedAt = now

	if err := m.save(ctx, t, rev); err != nil {
		if errors.Is(err, state.ErrRevisionMismatch) {
			return nil, ErrClaimConflict
		}
		return nil, err
	}
	m.logger.TaskTransition(taskID, from.String(), t.Status.String())
	m.publish(t)
	return t, nil
}

// RenewLease extends the lease of a task held by workerID.
func (m *Manager) RenewLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	_, err := m.mutateRunning(ctx, taskID, workerID, func(t *Task) error {
		expires := m.now().UTC().Add(lease)
		t.LeaseExpiresAt = &expires
		return nil
	})
	return err
}

// SavePlan attaches a plan to a running task.
func (m *Manager) SavePlan(ctx context.Context, taskID, workerID string, p *plan.Plan) error {
	_, err := m.mutateRunning(ctx, taskID, workerID, func(t *Task) error {
		t.Plan = p
		return nil
	})
	return err
}

// SaveStep persists one step's state into the task's plan, independent of
// the other steps, so partial progress survives a crash.
func (m *Manager) SaveStep(ctx context.Context, taskID, workerID string, step plan.Step) error {
	_, err := m.mutateRunning(ctx, taskID, workerID, func(t *Task) error {
		if t.Plan == nil {
			return terrors.InvalidInput("task has no plan", terrors.WithTaskID(taskID))
		}
		s := t.Plan.Step(step.ID)
		if s == nil {
			return terrors.InvalidInput(fmt.Sprintf("plan has no step %d", step.ID), terrors.WithTaskID(taskID))
		}
		*s = step
		t.Plan.Recount()
		return nil
	})
	return err
}

// Complete marks a running task COMPLETED with result.
func (m *Manager) Complete(ctx context.Context, taskID, workerID string, result any) (*Task, error) {
	t, err := m.mutateRunning(ctx, taskID, workerID, func(t *Task) error {
		now := m.now().UTC()
		t.Status = StatusCompleted
		t.Result = result
		t.Error = ""
		t.CompletedAt = &now
		t.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.TaskTransition(taskID, StatusRunning.String(), t.Status.String())
	m.publish(t)
	return t, nil
}

// Fail records cause against a running task and increments its retry
// count. Below maxRetries the task returns to QUEUED; otherwise it becomes
// FAILED with the error payload as its result. requeued reports which.
func (m *Manager) Fail(ctx context.Context, taskID, workerID string, cause error, maxRetries int) (t *Task, requeued bool, err error) {
	t, err = m.mutateRunning(ctx, taskID, workerID, func(t *Task) error {
		m.applyFailure(t, cause, maxRetries)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m.logger.TaskTransition(taskID, StatusRunning.String(), t.Status.String())
	m.publish(t)
	return t, t.Status == StatusQueued, nil
}

// Reclaim takes a RUNNING task away from its worker, whatever the worker,
// and treats the lost attempt as a failure: the retry count increments and
// the task is requeued or failed exactly as Fail would.
func (m *Manager) Reclaim(ctx context.Context, taskID, reason string, maxRetries int) (*Task, bool, error) {
	var out *Task
	err := m.mutate(ctx, taskID, func(t *Task) error {
		if t.Status != StatusRunning {
			return ErrNotRunning
		}
		m.logger.WithTask(taskID).Warn("task_reclaimed", map[string]interface{}{
			"worker": t.Worker,
			"reason": reason,
		})
		m.applyFailure(t, errors.New("reclaimed: "+reason), maxRetries)
		out = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m.logger.TaskTransition(taskID, StatusRunning.String(), out.Status.String())
	m.publish(out)
	return out, out.Status == StatusQueued, nil
}

func (m *Manager) applyFailure(t *Task, cause error, maxRetries int) {
	now := m.now().UTC()
	t.RetryCount++
	t.Worker = ""
	t.LeaseExpiresAt = nil
	if cause != nil {
		t.Error = cause.Error()
	}
	if t.RetryCount < maxRetries {
		t.Status = StatusQueued
		return
	}
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Result = FailurePayload{
		Error:      t.Error,
		Code:       string(terrors.Code(cause)),
		RetryCount: t.RetryCount,
	}
}

// List returns all tasks matching the status filter; empty means all.
func (m *Manager) List(ctx context.Context, status Status) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	keys, err := m.store.Keys(ctx, taskPrefix+"*")
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, key := range keys {
		t, _, err := m.load(ctx, strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			continue
		}
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// Expired returns RUNNING tasks whose lease lapsed.
func (m *Manager) Expired(ctx context.Context) ([]*Task, error) {
	running, err := m.List(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var out []*Task
	for _, t := range running {
		if t.LeaseExpired(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Delete removes a terminal task.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	t, _, err := m.load(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return ErrNotTerminal
	}
	if t.IdempotencyKey != "" {
		_ = m.store.Delete(ctx, idempotencyPrefix+idemKey(t.IdempotencyKey))
	}
	return m.store.Delete(ctx, taskPrefix+taskID)
}

// Close marks the manager closed. The store is owned by the caller.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

// mutateRunning applies fn to a task that must be RUNNING and held by
// workerID.
func (m *Manager) mutateRunning(ctx context.Context, taskID, workerID string, fn func(*Task) error) (*Task, error) {
	var out *Task
	err := m.mutate(ctx, taskID, func(t *Task) error {
		if t.Status != StatusRunning {
			return ErrNotRunning
		}
		if t.Worker != workerID {
			return ErrWrongWorker
		}
		if err := fn(t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// mutate is a compare-and-set loop: load, apply fn, write at the loaded
// revision, and retry from a fresh read if another writer got there first.
func (m *Manager) mutate(ctx context.Context, taskID string, fn func(*Task) error) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	for i := 0; i < casAttempts; i++ {
		t, rev, err := m.load(ctx, taskID)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = m.now().UTC()
		err = m.save(ctx, t, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return terrors.Conflict("task write contended", terrors.WithTaskID(taskID))
}

func (m *Manager) load(ctx context.Context, taskID string) (*Task, uint64, error) {
	e, err := m.store.Get(ctx, taskPrefix+taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, 0, ErrTaskNotFound
		}
		return nil, 0, err
	}
	var t Task
	if err := json.Unmarshal(e.Value, &t); err != nil {
		return nil, 0, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &t, e.Revision, nil
}

func (m *Manager) save(ctx context.Context, t *Task, rev uint64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = m.store.Update(ctx, taskPrefix+t.ID, data, rev)
	return err
}

func (m *Manager) publish(t *Task) {
	if m.events == nil {
		return
	}
	ev := bus.TaskEvent{
		TaskID:     t.ID,
		Status:     t.Status.String(),
		Worker:     t.Worker,
		RetryCount: t.RetryCount,
		Error:      t.Error,
		Timestamp:  t.UpdatedAt,
	}
	if err := bus.PublishTaskEvent(m.events, ev); err != nil {
		m.logger.WithTask(t.ID).Debug("task_event_dropped", map[string]interface{}{"error": err.Error()})
	}
}

// idemKey maps an arbitrary idempotency key onto a valid store key.
func idemKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
