package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*Entry
	revision uint64
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Entry)}
}

func copyEntry(e *Entry) *Entry {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	return &Entry{Key: e.Key, Value: v, Revision: e.Revision, Modified: e.Modified}
}

// Get returns a copy of the stored entry.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

// writeLocked stores value under key. Caller holds s.mu.
func (s *MemoryStore) writeLocked(key string, value []byte) uint64 {
	s.revision++
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = &Entry{Key: key, Value: v, Revision: s.revision, Modified: time.Now()}
	return s.revision
}

// Create writes key if absent.
func (s *MemoryStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if _, ok := s.data[key]; ok {
		return 0, ErrExists
	}
	return s.writeLocked(key, value), nil
}

// Put writes key unconditionally.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.writeLocked(key, value), nil
}

// Update writes key if its revision still matches.
func (s *MemoryStore) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.Revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.writeLocked(key, value), nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Keys returns matching keys in sorted order.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.data {
		if MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.data = nil
	return nil
}
