// Package config loads taskforge settings from a TOML file, a .env file and
// TASKFORGE_* environment variables, in that order of precedence (lowest
// first). The resulting Config is built once at startup and handed to each
// component's constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultFile is read by Load when no path is given and it exists.
const DefaultFile = "taskforge.toml"

// Config is the complete process configuration.
type Config struct {
	Worker    WorkerConfig    `toml:"worker"`
	Tasks     TasksConfig     `toml:"tasks"`
	NATS      NATSConfig      `toml:"nats"`
	LLM       LLMConfig       `toml:"llm"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Tools     ToolsConfig     `toml:"tools"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Guard     GuardConfig     `toml:"guard"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`

	secrets Secrets
}

// Secrets supplies credentials kept outside the config file.
type Secrets interface {
	APIKey(provider string) string
	NATSToken() string
}

// WorkerConfig controls the consumer pool.
type WorkerConfig struct {
	ID                string        `toml:"id"`
	Workers           int           `toml:"workers"`
	FanOut            int           `toml:"fan_out"`
	PullTimeout       time.Duration `toml:"pull_timeout"`
	Lease             time.Duration `toml:"lease"`
	SweepInterval     time.Duration `toml:"sweep_interval"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
}

// TasksConfig holds task lifecycle settings.
type TasksConfig struct {
	MaxRetryCount   int `toml:"max_retry_count"`
	DefaultPriority int `toml:"default_priority"`
	PlanAttempts    int `toml:"plan_attempts"`
}

// NATSConfig selects the backend. An empty URL runs everything in memory,
// which is only useful for a single process.
type NATSConfig struct {
	URL      string        `toml:"url"`
	TokenEnv string        `toml:"token_env"`
	Bucket   string        `toml:"bucket"`
	Stream   string        `toml:"stream"`
	Durable  string        `toml:"durable"`
	AckWait  time.Duration `toml:"ack_wait"`
}

// LLMConfig selects the language model provider.
type LLMConfig struct {
	Provider     string        `toml:"provider"` // anthropic|openai|google|ollama|mock
	Model        string        `toml:"model"`
	APIKeyEnv    string        `toml:"api_key_env"`
	BaseURL      string        `toml:"base_url"`
	MaxTokens    int           `toml:"max_tokens"`
	MaxRetries   int           `toml:"max_retries"`
	RetryBackoff time.Duration `toml:"retry_backoff"`
	Timeout      time.Duration `toml:"timeout"`
}

// KnowledgeConfig configures the context store. An empty Path keeps the
// index in memory.
type KnowledgeConfig struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	MaxResults int    `toml:"max_results"`
}

// ToolsConfig configures the tool catalog.
type ToolsConfig struct {
	Dir       string `toml:"dir"`
	Watch     bool   `toml:"watch"`
	AdminRole string `toml:"admin_role"`
}

// SandboxConfig configures container isolation.
type SandboxConfig struct {
	Enabled     bool          `toml:"enabled"`
	Runtime     string        `toml:"runtime"` // docker binary
	PythonImage string        `toml:"python_image"`
	ShellImage  string        `toml:"shell_image"`
	Memory      string        `toml:"memory"`
	CPUs        float64       `toml:"cpus"`
	Timeout     time.Duration `toml:"timeout"`
	Network     bool          `toml:"network"`
}

// GuardConfig holds execution policy limits. PolicyFile, when set, points at
// a TOML policy that extends the built-in denylist.
type GuardConfig struct {
	PolicyFile       string        `toml:"policy_file"`
	MaxExecutionTime time.Duration `toml:"max_execution_time"`
	MaxMemory        string        `toml:"max_memory"`
	Blocked          []string      `toml:"blocked"`
}

// TelemetryConfig configures span export.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	Debug       bool              `toml:"debug"`
	SampleRatio float64           `toml:"sample_ratio"`
	Headers     map[string]string `toml:"headers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Worker: WorkerConfig{
			Workers:           4,
			FanOut:            4,
			PullTimeout:       time.Second,
			Lease:             2 * time.Minute,
			SweepInterval:     30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  15 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Tasks: TasksConfig{
			MaxRetryCount:   3,
			DefaultPriority: 5,
			PlanAttempts:    3,
		},
		NATS: NATSConfig{
			Bucket:  "taskforge",
			Stream:  "TASKFORGE_WORK",
			Durable: "workers",
			AckWait: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			MaxTokens:    4096,
			MaxRetries:   5,
			RetryBackoff: 60 * time.Second,
			Timeout:      2 * time.Minute,
		},
		Knowledge: KnowledgeConfig{
			Enabled:    true,
			MaxResults: 5,
		},
		Tools: ToolsConfig{
			Dir:       "tools.d",
			AdminRole: "admin",
		},
		Sandbox: SandboxConfig{
			Enabled:     true,
			Runtime:     "docker",
			PythonImage: "python:3.11-slim",
			ShellImage:  "ubuntu:22.04",
			Memory:      "512m",
			CPUs:        0.5,
			Timeout:     300 * time.Second,
		},
		Guard: GuardConfig{
			MaxExecutionTime: 600 * time.Second,
			MaxMemory:        "1g",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile decodes a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// Load reads path (or DefaultFile if path is empty and the file exists),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from TASKFORGE_* variables. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("TASKFORGE_WORKER_ID", &c.Worker.ID)
	str("TASKFORGE_NATS_URL", &c.NATS.URL)
	str("TASKFORGE_LLM_PROVIDER", &c.LLM.Provider)
	str("TASKFORGE_LLM_MODEL", &c.LLM.Model)
	str("TASKFORGE_LLM_BASE_URL", &c.LLM.BaseURL)
	str("TASKFORGE_TOOLS_DIR", &c.Tools.Dir)
	str("TASKFORGE_KNOWLEDGE_PATH", &c.Knowledge.Path)
	str("TASKFORGE_LOG_LEVEL", &c.Log.Level)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	for key, dst := range map[string]*int{
		"TASKFORGE_WORKERS":         &c.Worker.Workers,
		"TASKFORGE_FAN_OUT":         &c.Worker.FanOut,
		"TASKFORGE_MAX_RETRY_COUNT": &c.Tasks.MaxRetryCount,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"TASKFORGE_SANDBOX_ENABLED":   &c.Sandbox.Enabled,
		"TASKFORGE_TELEMETRY_ENABLED": &c.Telemetry.Enabled,
		"TASKFORGE_TOOLS_WATCH":       &c.Tools.Watch,
	} {
		if err := flag(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Worker.Workers < 1 {
		problems = append(problems, "worker.workers must be at least 1")
	}
	if c.Worker.FanOut < 1 {
		problems = append(problems, "worker.fan_out must be at least 1")
	}
	if c.Worker.Lease <= 0 {
		problems = append(problems, "worker.lease must be positive")
	}
	if c.Worker.HeartbeatTimeout <= c.Worker.HeartbeatInterval {
		problems = append(problems, "worker.heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Tasks.MaxRetryCount < 1 {
		problems = append(problems, "tasks.max_retry_count must be at least 1")
	}
	if c.Tasks.PlanAttempts < 1 {
		problems = append(problems, "tasks.plan_attempts must be at least 1")
	}
	if c.Sandbox.Timeout > c.Guard.MaxExecutionTime && c.Guard.MaxExecutionTime > 0 {
		problems = append(problems, "sandbox.timeout exceeds guard.max_execution_time")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "google", "ollama", "mock":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UseSecrets attaches a credentials source. Its values take precedence
// over environment variables.
func (c *Config) UseSecrets(s Secrets) {
	c.secrets = s
}

// APIKey returns the LLM API key from the attached secrets, the configured
// variable, or the provider's conventional one, in that order.
func (c *Config) APIKey() string {
	if c.secrets != nil {
		if key := c.secrets.APIKey(c.LLM.Provider); key != "" {
			return key
		}
	}
	env := c.LLM.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// NATSToken returns the NATS auth token, if one is configured.
func (c *Config) NATSToken() string {
	if c.secrets != nil {
		if token := c.secrets.NATSToken(); token != "" {
			return token
		}
	}
	if c.NATS.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.NATS.TokenEnv)
}

// DefaultAPIKeyEnv returns the conventional API key variable for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "ollama":
		return "OLLAMA_API_KEY"
	default:
		return ""
	}
}
