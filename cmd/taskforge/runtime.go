package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskforge/bus"
	"github.com/vinayprograms/taskforge/config"
	"github.com/vinayprograms/taskforge/conversation"
	"github.com/vinayprograms/taskforge/guard"
	"github.com/vinayprograms/taskforge/knowledge"
	"github.com/vinayprograms/taskforge/llm"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/plan"
	"github.com/vinayprograms/taskforge/queue"
	"github.com/vinayprograms/taskforge/ratelimit"
	"github.com/vinayprograms/taskforge/state"
	"github.com/vinayprograms/taskforge/tasks"
	"github.com/vinayprograms/taskforge/telemetry"
	"github.com/vinayprograms/taskforge/tools"
)

// backend is the shared infrastructure: NATS when configured, otherwise
// process-local memory implementations.
type backend struct {
	conn  *nats.Conn
	bus   bus.MessageBus
	store state.Store
	queue queue.Queue
}

func openBackend(ctx context.Context, cfg *config.Config, workerID string) (*backend, error) {
	if cfg.NATS.URL == "" {
		q := queue.DefaultConfig()
		q.AckWait = cfg.NATS.AckWait
		return &backend{
			bus:   bus.NewMemoryBus(bus.DefaultConfig()),
			store: state.NewMemoryStore(),
			queue: queue.NewMemoryQueue(q),
		}, nil
	}

	nc := bus.DefaultNATSConfig()
	nc.URL = cfg.NATS.URL
	nc.Name = "taskforge-" + workerID
	nc.Token = cfg.NATSToken()
	conn, err := bus.Connect(nc)
	if err != nil {
		return nil, err
	}

	sc := state.DefaultNATSStoreConfig()
	sc.Conn = conn
	sc.Bucket = cfg.NATS.Bucket
	store, err := state.NewNATSStore(sc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	qc := queue.DefaultJetStreamConfig()
	qc.Conn = conn
	qc.Stream = cfg.NATS.Stream
	qc.Durable = cfg.NATS.Durable
	qc.AckWait = cfg.NATS.AckWait
	q, err := queue.NewJetStreamQueue(ctx, qc)
	if err != nil {
		_ = store.Close()
		conn.Close()
		return nil, err
	}

	return &backend{
		conn:  conn,
		bus:   bus.NewNATSBus(conn, nc.Config),
		store: store,
		queue: q,
	}, nil
}

func (b *backend) shared() bool {
	return b.conn != nil
}

func (b *backend) Close() error {
	errs := []error{b.queue.Close(), b.store.Close(), b.bus.Close()}
	if b.conn != nil {
		errs = append(errs, b.conn.Drain())
	}
	return errors.Join(errs...)
}

// limiter shares tool rate limit reductions across workers on a shared
// backend.
func (b *backend) limiter(workerID string) (ratelimit.RateLimiter, error) {
	if !b.shared() {
		return ratelimit.NewMemoryLimiter(), nil
	}
	sc := ratelimit.DefaultSharedConfig()
	sc.Bus = b.bus
	sc.WorkerID = workerID
	return ratelimit.NewSharedLimiter(sc)
}

func newManager(b *backend, logger *logging.Logger) *tasks.Manager {
	return tasks.NewManager(b.store, tasks.WithEvents(b.bus), tasks.WithLogger(logger))
}

// openProvider builds the model client named in the config.
func openProvider(cfg *config.Config) (llm.Provider, error) {
	return llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.APIKey(),
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Retry: llm.RetryConfig{
			MaxRetries: cfg.LLM.MaxRetries,
			MaxBackoff: cfg.LLM.RetryBackoff,
		},
	})
}

// openKnowledge returns the context store. A store that cannot be opened
// degrades to one that remembers nothing.
func openKnowledge(cfg *config.Config, logger *logging.Logger) knowledge.Store {
	if !cfg.Knowledge.Enabled {
		return knowledge.Noop{}
	}
	store, err := knowledge.NewBleveStore(knowledge.BleveConfig{
		Path:       cfg.Knowledge.Path,
		MaxResults: cfg.Knowledge.MaxResults,
	})
	if err != nil {
		logger.Degraded("knowledge", err.Error())
		return knowledge.Noop{}
	}
	return knowledge.NewDegrading(store, logger)
}

func newPlanner(cfg *config.Config, provider llm.Provider, ks knowledge.Store, logger *logging.Logger, tracer *telemetry.Tracer) (*plan.Generator, error) {
	return plan.NewGenerator(plan.GeneratorConfig{
		Model:       llm.NewGenerator(provider, "", cfg.LLM.MaxTokens),
		Knowledge:   ks,
		Logger:      logger,
		Tracer:      tracer,
		MaxAttempts: cfg.Tasks.PlanAttempts,
	})
}

// newRegistry loads the catalog with the built-in tools bound. A nil
// limiter keeps rate limits local to this process.
func newRegistry(cfg *config.Config, provider llm.Provider, limiter ratelimit.RateLimiter, logger *logging.Logger) (*tools.Registry, error) {
	engine, err := conversation.NewLLMEngine(conversation.Config{Provider: provider, Logger: logger})
	if err != nil {
		return nil, err
	}
	r := tools.NewRegistry(tools.RegistryConfig{
		Dir:       cfg.Tools.Dir,
		AdminRole: cfg.Tools.AdminRole,
		Builtins: tools.Builtins(tools.BuiltinDeps{
			Summarizer:   llm.NewSummarizer(provider),
			Conversation: engine,
		}),
		Limiter: limiter,
		Logger:  logger,
	})
	return r, nil
}

// newGuard builds the execution guard. noSandbox forces degraded mode.
func newGuard(ctx context.Context, cfg *config.Config, r *tools.Registry, noSandbox bool, logger *logging.Logger, tracer *telemetry.Tracer) (*guard.Guard, error) {
	policy := guard.DefaultPolicy()
	if cfg.Guard.PolicyFile != "" {
		loaded, err := guard.LoadPolicy(cfg.Guard.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}
	policy.Extend(cfg.Guard.Blocked, nil, nil)
	if cfg.Guard.MaxExecutionTime > 0 {
		policy.MaxExecutionTime = cfg.Guard.MaxExecutionTime
	}
	if cfg.Guard.MaxMemory != "" {
		policy.MaxMemory = cfg.Guard.MaxMemory
	}

	enabled := cfg.Sandbox.Enabled && !noSandbox
	var substrate guard.Substrate
	if enabled {
		substrate = guard.NewDockerSubstrate(cfg.Sandbox.Runtime)
	}
	return guard.New(ctx, r, guard.Config{
		Substrate:   substrate,
		Disabled:    !enabled,
		Policy:      policy,
		PythonImage: cfg.Sandbox.PythonImage,
		ShellImage:  cfg.Sandbox.ShellImage,
		Memory:      cfg.Sandbox.Memory,
		CPUs:        cfg.Sandbox.CPUs,
		Network:     cfg.Sandbox.Network,
		Timeout:     cfg.Sandbox.Timeout,
		Logger:      logger,
		Tracer:      tracer,
	}), nil
}

func toolInfos(r *tools.Registry) []plan.ToolInfo {
	list := r.List("", true)
	out := make([]plan.ToolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, plan.ToolInfo{Name: t.Name, Description: t.Description, Category: t.Category, Parameters: t.Parameters})
	}
	return out
}

// defaultWorkerID is <hostname>-<8 hex>.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	host = strings.ReplaceAll(host, ".", "-")
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
