// Package state is the durable record store for tasks and plans.
//
// Records are opaque byte values under dotted keys. Every write produces a new
// revision; Update is a compare-and-swap against the revision the caller last
// read, which is how a single worker wins a task claim.
//
// Backends:
//
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{Conn: nc, Bucket: "taskforge"})
//	store := state.NewMemoryStore() // tests and single-process runs
package state
