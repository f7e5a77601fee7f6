package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newBuffered() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	return l, &buf
}

func TestLogger_Levels(t *testing.T) {
	logger, buf := newBuffered()
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected INFO prefix, got: %s", output)
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":  LevelDebug,
		" WARN ": LevelWarn,
		"error":  LevelError,
		"bogus":  LevelInfo,
		"":       LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLogger_ComponentSharesSink(t *testing.T) {
	root, buf := newBuffered()
	consumer := root.WithComponent("consumer")

	root.SetLevel(LevelWarn)
	consumer.Info("hidden")
	consumer.Warn("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("level change on root should apply to derived loggers")
	}
	if !strings.Contains(output, "[consumer] visible") {
		t.Errorf("expected component tag, got: %s", output)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	logger, buf := newBuffered()
	logger.With("worker", "w1").Info("msg", map[string]interface{}{
		"zeta":  1,
		"alpha": "a",
	})

	output := strings.TrimSpace(buf.String())
	if !strings.HasSuffix(output, "msg alpha=a worker=w1 zeta=1") {
		t.Errorf("unexpected field rendering: %s", output)
	}
}

func TestLogger_WithTask(t *testing.T) {
	logger, buf := newBuffered()
	logger.WithTask("t-42").Info("planning")
	if !strings.Contains(buf.String(), "task=t-42") {
		t.Errorf("expected task field, got: %s", buf.String())
	}
}

func TestLogger_Format(t *testing.T) {
	logger, buf := newBuffered()
	logger.WithComponent("guard").Error("boom")

	parts := strings.SplitN(strings.TrimSpace(buf.String()), " ", 4)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d: %q", len(parts), buf.String())
	}
	if parts[0] != "ERROR" {
		t.Errorf("level = %q", parts[0])
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", parts[1]); err != nil {
		t.Errorf("timestamp %q: %v", parts[1], err)
	}
	if parts[2] != "[guard]" {
		t.Errorf("component = %q", parts[2])
	}
}

func TestLogger_StepFinished(t *testing.T) {
	logger, buf := newBuffered()

	logger.StepFinished("t-1", 2, "file_reader", 150*time.Millisecond, nil)
	if !strings.Contains(buf.String(), "step_complete") {
		t.Errorf("expected step_complete, got: %s", buf.String())
	}

	buf.Reset()
	logger.StepFinished("t-1", 3, "code_runner", time.Second, errors.New("exit 1"))
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "error=exit 1") {
		t.Errorf("expected warning with error, got: %s", out)
	}
}

func TestLogger_SandboxTeardown(t *testing.T) {
	logger, buf := newBuffered()
	logger.SetLevel(LevelDebug)

	logger.SandboxTeardown("sbx-1", nil)
	if !strings.Contains(buf.String(), "sandbox_removed") {
		t.Errorf("got: %s", buf.String())
	}

	buf.Reset()
	logger.SandboxTeardown("sbx-1", errors.New("no such container"))
	if !strings.Contains(buf.String(), "sandbox_teardown_failed") {
		t.Errorf("got: %s", buf.String())
	}
}

func TestLogger_SecurityWarning(t *testing.T) {
	logger, buf := newBuffered()
	logger.SecurityWarning("advisory_pattern", map[string]interface{}{"pattern": "subprocess"})

	out := buf.String()
	if !strings.Contains(out, "security=true") || !strings.Contains(out, "pattern=subprocess") {
		t.Errorf("got: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing happens")
	l.WithComponent("x").Info("still nothing")
}
