package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	c := New()
	if c.Tasks.MaxRetryCount != 3 || c.Tasks.DefaultPriority != 5 {
		t.Errorf("tasks = %+v", c.Tasks)
	}
	if c.Worker.Lease != 2*time.Minute || c.Worker.PullTimeout != time.Second {
		t.Errorf("worker = %+v", c.Worker)
	}
	if c.Sandbox.PythonImage != "python:3.11-slim" || c.Sandbox.ShellImage != "ubuntu:22.04" {
		t.Errorf("sandbox = %+v", c.Sandbox)
	}
	if c.Tools.Dir != "tools.d" || c.Tools.AdminRole != "admin" {
		t.Errorf("tools = %+v", c.Tools)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskforge.toml")
	content := `
[worker]
workers = 8
lease = "90s"

[tasks]
max_retry_count = 5

[llm]
provider = "openai"
model = "gpt-4o"

[guard]
blocked = ["mkfs", "dd if="]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Worker.Workers != 8 || c.Worker.Lease != 90*time.Second {
		t.Errorf("worker = %+v", c.Worker)
	}
	if c.Worker.FanOut != 4 {
		t.Errorf("unset fan_out lost its default: %d", c.Worker.FanOut)
	}
	if c.Tasks.MaxRetryCount != 5 {
		t.Errorf("max_retry_count = %d", c.Tasks.MaxRetryCount)
	}
	if c.LLM.Provider != "openai" || c.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", c.LLM)
	}
	if len(c.Guard.Blocked) != 2 {
		t.Errorf("blocked = %v", c.Guard.Blocked)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("[worker]\nworkerz = 2\n"), 0644)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "workerz") {
		t.Errorf("err = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TASKFORGE_NATS_URL":        "nats://queue:4222",
		"TASKFORGE_WORKERS":         "12",
		"TASKFORGE_SANDBOX_ENABLED": "false",
		"TASKFORGE_LLM_PROVIDER":    "mock",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	c := New()
	if err := c.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.NATS.URL != "nats://queue:4222" || c.Worker.Workers != 12 || c.Sandbox.Enabled || c.LLM.Provider != "mock" {
		t.Errorf("overrides not applied: %+v", c)
	}

	env["TASKFORGE_WORKERS"] = "many"
	if err := New().ApplyEnv(lookup); err == nil {
		t.Error("non-numeric TASKFORGE_WORKERS accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Worker.Workers = 0 }, "worker.workers"},
		{"retries", func(c *Config) { c.Tasks.MaxRetryCount = 0 }, "max_retry_count"},
		{"heartbeat", func(c *Config) { c.Worker.HeartbeatTimeout = c.Worker.HeartbeatInterval }, "heartbeat_timeout"},
		{"provider", func(c *Config) { c.LLM.Provider = "parrot" }, "parrot"},
		{"sandbox timeout", func(c *Config) { c.Sandbox.Timeout = time.Hour }, "sandbox.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("TASKFORGE_TEST_DOTENV=from-file\n"), 0644)
	t.Setenv("TASKFORGE_TEST_DOTENV", "")
	os.Unsetenv("TASKFORGE_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TASKFORGE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("value = %q", got)
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	c := New()
	if c.APIKey() != "sk-test" {
		t.Errorf("APIKey = %q", c.APIKey())
	}
	c.LLM.Provider = "mock"
	if c.APIKey() != "" {
		t.Errorf("mock provider has key %q", c.APIKey())
	}
	if DefaultAPIKeyEnv("google") != "GOOGLE_API_KEY" {
		t.Error("google key env")
	}
}

type fixedSecrets struct{ key, token string }

func (f fixedSecrets) APIKey(string) string { return f.key }
func (f fixedSecrets) NATSToken() string { return f.token }

func TestUseSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("NATS_TOKEN", "env-token")
	c := New()
	c.NATS.TokenEnv = "NATS_TOKEN"

	c.UseSecrets(fixedSecrets{key: "from-file", token: "file-token"})
	if c.APIKey() != "from-file" || c.NATSToken() != "file-token" {
		t.Errorf("APIKey = %q, NATSToken = %q", c.APIKey(), c.NATSToken())
	}

	c.UseSecrets(fixedSecrets{})
	if c.APIKey() != "from-env" || c.NATSToken() != "env-token" {
		t.Errorf("empty secrets should fall back to env: %q, %q", c.APIKey(), c.NATSToken())
	}
}
