package state

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rev, err := s.Create(ctx, "tasks.task.a", []byte("one"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "tasks.task.a", []byte("two")); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create err = %v, want ErrExists", err)
	}

	e, err := s.Get(ctx, "tasks.task.a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Value) != "one" || e.Revision != rev {
		t.Errorf("got %q rev %d, want one rev %d", e.Value, e.Revision, rev)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdateRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rev, _ := s.Put(ctx, "k", []byte("v1"))

	newRev, err := s.Update(ctx, "k", []byte("v2"), rev)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newRev <= rev {
		t.Errorf("revision did not advance: %d -> %d", rev, newRev)
	}
	if _, err := s.Update(ctx, "k", []byte("v3"), rev); !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("stale Update err = %v, want ErrRevisionMismatch", err)
	}
	if _, err := s.Update(ctx, "missing", []byte("x"), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing Update err = %v, want ErrNotFound", err)
	}
}

// Exactly one of many concurrent CAS writers against the same revision wins.
func TestMemoryStore_UpdateSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rev, _ := s.Put(ctx, "k", []byte("queued"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "k", []byte("running"), rev); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	s.Put(ctx, "k", buf)
	buf[0] = 'x'

	e, _ := s.Get(ctx, "k")
	if string(e.Value) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", e.Value)
	}
	e.Value[0] = 'y'
	e2, _ := s.Get(ctx, "k")
	if string(e2.Value) != "abc" {
		t.Errorf("returned value aliased store: %q", e2.Value)
	}
}

func TestMemoryStore_KeysAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(ctx, "tasks.task.b", nil)
	s.Put(ctx, "tasks.task.a", nil)
	s.Put(ctx, "plans.a", nil)

	keys, err := s.Keys(ctx, "tasks.task.*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "tasks.task.a" || keys[1] != "tasks.task.b" {
		t.Errorf("Keys = %v", keys)
	}

	if err := s.Delete(ctx, "tasks.task.a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "tasks.task.a"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
	keys, _ = s.Keys(ctx, "*")
	if len(keys) != 2 {
		t.Errorf("Keys(*) = %v", keys)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Put(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close err = %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("double Close err = %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"tasks.task.123", true},
		{"", false},
		{"has space", false},
		{".leading", false},
		{"trailing.", false},
		{"wild.*", false},
		{"wild.>", false},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateKey(%q) = %v, want valid=%v", tt.key, err, tt.valid)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"tasks.*", "tasks.task.1", true},
		{"tasks.*", "plans.1", false},
		{"exact", "exact", true},
		{"exact", "exact.not", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v", tt.pattern, tt.key, got)
		}
	}
}
