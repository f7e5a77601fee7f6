package bus

import (
	"testing"
	"time"
)

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"heartbeat.w1", "heartbeat.w1", true},
		{"heartbeat.*", "heartbeat.w1", true},
		{"heartbeat.*", "heartbeat.w1.extra", false},
		{"tasks.events.>", "tasks.events.abc", true},
		{"tasks.events.>", "tasks.events", false},
		{"tasks.*.abc", "tasks.events.abc", true},
		{"a.b", "a", false},
	}
	for _, tt := range tests {
		if got := SubjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("SubjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestValidateSubject(t *testing.T) {
	for _, bad := range []string{"", "a..b", ".a", "a.", "has space"} {
		if ValidateSubject(bad) == nil {
			t.Errorf("ValidateSubject(%q) should fail", bad)
		}
	}
	if err := ValidateSubject("tasks.events.1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestMemoryBus_WildcardDelivery(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	all, _ := b.Subscribe("heartbeat.*")
	one, _ := b.Subscribe("heartbeat.w2")

	b.Publish("heartbeat.w1", []byte("a"))
	b.Publish("heartbeat.w2", []byte("b"))

	if m := receive(t, all); m.Subject != "heartbeat.w1" {
		t.Errorf("first wildcard message = %s", m.Subject)
	}
	if m := receive(t, all); m.Subject != "heartbeat.w2" {
		t.Errorf("second wildcard message = %s", m.Subject)
	}
	if m := receive(t, one); string(m.Data) != "b" {
		t.Errorf("exact subscription got %q", m.Data)
	}
	select {
	case m := <-one.Messages():
		t.Errorf("unexpected message on exact subscription: %s", m.Subject)
	default:
	}
}

func TestMemoryBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe("x")
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed")
	}
	if err := b.Publish("x", nil); err != nil {
		t.Errorf("publish after unsubscribe: %v", err)
	}
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 1})
	sub, _ := b.Subscribe("x")
	b.Publish("x", []byte("1"))
	b.Publish("x", []byte("2"))

	if m := receive(t, sub); string(m.Data) != "1" {
		t.Errorf("got %q", m.Data)
	}
	select {
	case <-sub.Messages():
		t.Error("second message should have been dropped")
	default:
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe("x")
	b.Close()

	if err := b.Publish("x", nil); err != ErrClosed {
		t.Errorf("Publish err = %v", err)
	}
	if _, err := b.Subscribe("x"); err != ErrClosed {
		t.Errorf("Subscribe err = %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("Close should end subscriptions")
	}
}

func TestTaskEvent(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe(TaskEventPrefix + ">")

	if err := PublishTaskEvent(b, TaskEvent{TaskID: "t1", Status: "RUNNING", Worker: "w1"}); err != nil {
		t.Fatalf("PublishTaskEvent: %v", err)
	}
	m := receive(t, sub)
	if m.Subject != "tasks.events.t1" {
		t.Errorf("subject = %s", m.Subject)
	}
	ev, err := ParseTaskEvent(m.Data)
	if err != nil {
		t.Fatalf("ParseTaskEvent: %v", err)
	}
	if ev.Status != "RUNNING" || ev.Worker != "w1" || ev.Timestamp.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}
