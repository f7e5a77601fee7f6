package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
)

// Entry is a stored value with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Modified time.Time
}

// Store is a revisioned key-value store.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create writes key only if it does not exist yet, else ErrExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Put writes key unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes key only if its current revision equals revision,
	// else ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns keys matching pattern ("tasks.*" style trailing wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// ValidateKey checks that a key is usable by every backend.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

// MatchPattern reports whether key matches pattern.
// A trailing * matches any suffix; "*" alone matches everything.
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
