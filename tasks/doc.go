// Package tasks persists task records and guards their state transitions.
//
// A task moves through
//
//	QUEUED → RUNNING → COMPLETED
//	            ↓  ↑
//	          FAILED  (retry edge RUNNING → QUEUED while retry_count < max)
//
// Every write is a compare-and-set against the state store revision, so two
// workers that race to claim the same QUEUED task cannot both win. Once
// RUNNING, only the claiming worker may write the record; a worker whose
// lease was reclaimed gets ErrWrongWorker on its next write.
//
// # Basic Usage
//
//	mgr := tasks.NewManager(state.NewMemoryStore())
//	t, _ := mgr.Submit(ctx, tasks.Task{Prompt: "read file A then summarize it"})
//
//	t, err := mgr.Claim(ctx, t.ID, "worker-1", 2*time.Minute)
//	// ... plan and run steps, persisting each with SaveStep ...
//	err = mgr.Complete(ctx, t.ID, "worker-1", result)
//
// # Idempotency
//
// Submissions carrying the same IdempotencyKey return the existing task
// instead of creating a duplicate.
package tasks
