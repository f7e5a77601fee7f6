package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream key-value bucket.
type NATSStore struct {
	kv        jetstream.KeyValue
	config    NATSStoreConfig
	closed    atomic.Bool
	opTimeout time.Duration
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions kept per key. Default: 5
	History int

	// MaxValueSize is the maximum record size in bytes. Default: 1MB
	MaxValueSize int32

	// Replicas is the bucket replication factor. Default: 1
	Replicas int

	// OpTimeout bounds each call when ctx carries no deadline. Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskforge",
		History:      5,
		MaxValueSize: 1024 * 1024,
		Replicas:     1,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore binds (creating if needed) the configured bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "taskforge task and plan records",
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
		Replicas:     cfg.Replicas,
		Storage:      jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg, opTimeout: cfg.OpTimeout}, nil
}

func (s *NATSStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get returns the latest entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return &Entry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Modified: entry.Created(), // JetStream stamps each revision with Created
	}, nil
}

// Create writes key if absent.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Put writes key unconditionally.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put: %w", err)
	}
	return rev, nil
}

// Update writes key only if its last revision equals revision.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongSequence(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

// Delete removes key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys lists matching keys in sorted order.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close detaches from the bucket. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}
