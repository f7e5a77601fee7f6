// Package main is the entry point for the taskforge worker and client CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/taskforge/config"
	"github.com/vinayprograms/taskforge/credentials"
	"github.com/vinayprograms/taskforge/logging"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("taskforge"),
		kong.Description("Plan and execute tasks with capability-gated, sandboxed tools."),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads .env, the config file, environment overrides and
// credentials.toml, and builds the root logger. Logs go to stderr so
// command output stays parseable.
func (g *Globals) load() (*config.Config, *logging.Logger, error) {
	if err := config.LoadDotEnv(g.EnvFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}

	var paths []string
	if g.Credentials != "" {
		paths = []string{g.Credentials}
	}
	creds, err := credentials.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	if creds != nil {
		cfg.UseSecrets(creds)
	}

	logger := logging.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	return cfg, logger, nil
}

// Run prints version information.
func (c *VersionCmd) Run(out io.Writer) error {
	_, err := fmt.Fprintf(out, "taskforge version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
