package state

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()
	if cfg.Bucket != "taskforge" {
		t.Errorf("Bucket = %q", cfg.Bucket)
	}
	if cfg.History != 5 {
		t.Errorf("History = %d", cfg.History)
	}
	if cfg.MaxValueSize != 1024*1024 {
		t.Errorf("MaxValueSize = %d", cfg.MaxValueSize)
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	if _, err := NewNATSStore(NATSStoreConfig{Bucket: "x"}); err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestIsWrongSequence(t *testing.T) {
	wrong := &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Code: 400}
	if !isWrongSequence(wrong) {
		t.Error("wrong-last-sequence API error should map to a revision mismatch")
	}
	if isWrongSequence(errors.New("timeout")) {
		t.Error("plain errors are not revision mismatches")
	}
}
