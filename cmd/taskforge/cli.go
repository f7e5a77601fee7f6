// Package main defines the CLI structure using kong.
package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config      string `short:"c" help:"Config file path (default: ./taskforge.toml if present)" type:"path"`
	EnvFile     string `name:"env-file" default:".env" help:"Dotenv file loaded before the config"`
	Credentials string `help:"credentials.toml path (default: standard locations)" type:"path"`
	LogLevel    string `name:"log-level" help:"Override log.level (debug, info, warn, error)"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Run a worker: consume tasks, plan and execute them"`
	Submit  SubmitCmd  `cmd:"" help:"Submit a task to the queue"`
	Status  StatusCmd  `cmd:"" help:"Show a task, or list tasks"`
	Plan    PlanCmd    `cmd:"" help:"Generate a plan for a prompt without executing it"`
	Tools   ToolsCmd   `cmd:"" help:"List the tool catalog"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd runs the worker process.
type ServeCmd struct {
	WorkerID  string `name:"worker-id" help:"Worker identity (overrides worker.id)"`
	Workers   int    `help:"Concurrent task pullers (overrides worker.workers)"`
	NoSandbox bool   `name:"no-sandbox" help:"Run isolated tools unsandboxed (degraded mode)"`
}

// SubmitCmd creates a task.
type SubmitCmd struct {
	Prompt      string        `arg:"" help:"Task description"`
	Priority    int           `short:"p" help:"Priority 1-10 (default: tasks.default_priority)"`
	Key         string        `short:"k" help:"Idempotency key; resubmitting with it returns the existing task"`
	Owner       string        `default:"cli" help:"Submitting user id"`
	Roles       []string      `help:"Owner roles (repeatable)"`
	Permissions []string      `help:"Owner permissions (repeatable)"`
	Wait        bool          `short:"w" help:"Wait for the task to finish"`
	Timeout     time.Duration `default:"10m" help:"Upper bound for --wait"`
}

// StatusCmd reads tasks.
type StatusCmd struct {
	TaskID string `arg:"" optional:"" help:"Task id; omit to list tasks"`
	Filter string `help:"Status filter when listing (QUEUED, RUNNING, COMPLETED, FAILED)"`
}

// PlanCmd is a planning dry run.
type PlanCmd struct {
	Prompt string `arg:"" help:"Task description"`
}

// ToolsCmd lists the catalog.
type ToolsCmd struct {
	Category string `help:"Only tools in this category"`
	All      bool   `help:"Include disabled tools"`
	JSON     bool   `help:"Print JSON instead of a table"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
