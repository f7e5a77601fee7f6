package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskforge/knowledge"
	"github.com/vinayprograms/taskforge/telemetry"
)

// Run generates and prints a plan. Nothing is queued or executed.
func (c *PlanCmd) Run(g *Globals, out io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	provider, err := openProvider(cfg)
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg, provider, nil, logger)
	if err != nil {
		return err
	}
	planner, err := newPlanner(cfg, provider, knowledge.Noop{}, logger, telemetry.GetTracer())
	if err != nil {
		return err
	}

	p, err := planner.CreateWithRetry(context.Background(), "dry-run-"+uuid.NewString()[:8], c.Prompt, toolInfos(registry))
	if err != nil {
		return err
	}
	return printJSON(out, p)
}

// Run prints the catalog.
func (c *ToolsCmd) Run(g *Globals, out io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	provider, err := openProvider(cfg)
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg, provider, nil, logger)
	if err != nil {
		return err
	}

	list := registry.List(c.Category, !c.All)
	if c.JSON {
		return printJSON(out, map[string]any{"tools": list, "summary": registry.Summary()})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tENABLED\tTIMEOUT\tPERMISSIONS\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%ds\t%v\t%s\n", t.Name, t.Category, t.Enabled, t.Timeout, t.RequiredPermissions, truncate(t.Description, 50))
	}
	return tw.Flush()
}
