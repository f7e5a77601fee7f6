package main

import (
	"context"
	"io"
	"time"

	"github.com/vinayprograms/taskforge/config"
	"github.com/vinayprograms/taskforge/consumer"
	"github.com/vinayprograms/taskforge/heartbeat"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/shutdown"
	"github.com/vinayprograms/taskforge/telemetry"
	"github.com/vinayprograms/taskforge/tools"
)

// abortGrace bounds the wait for workers after in-flight work is aborted.
const abortGrace = 5 * time.Second

// Run starts the worker and blocks until a signal completes shutdown.
func (c *ServeCmd) Run(g *Globals, _ io.Writer) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.WorkerID != "" {
		cfg.Worker.ID = c.WorkerID
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}
	if c.Workers > 0 {
		cfg.Worker.Workers = c.Workers
	}
	logger = logger.With("worker", cfg.Worker.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return serve(ctx, cfg, c.NoSandbox, logger)
}

func serve(ctx context.Context, cfg *config.Config, noSandbox bool, logger *logging.Logger) error {
	otel, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceVersion: version,
		WorkerID:       cfg.Worker.ID,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		Debug:          cfg.Telemetry.Debug,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		return err
	}
	tracer := otel.Tracer()

	be, err := openBackend(ctx, cfg, cfg.Worker.ID)
	if err != nil {
		return err
	}
	if !be.shared() {
		logger.Warn("memory_backend", map[string]interface{}{"note": "nats.url is empty; tasks are visible to this process only"})
	}
	manager := newManager(be, logger)

	provider, err := openProvider(cfg)
	if err != nil {
		return err
	}
	ks := openKnowledge(cfg, logger)
	planner, err := newPlanner(cfg, provider, ks, logger, tracer)
	if err != nil {
		return err
	}
	limiter, err := be.limiter(cfg.Worker.ID)
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg, provider, limiter, logger)
	if err != nil {
		return err
	}
	g, err := newGuard(ctx, cfg, registry, noSandbox, logger, tracer)
	if err != nil {
		return err
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{Bus: be.bus, WorkerID: cfg.Worker.ID, Interval: cfg.Worker.HeartbeatInterval})
	if err != nil {
		return err
	}
	sender.SetDegraded(g.Degraded())
	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{Bus: be.bus, Timeout: cfg.Worker.HeartbeatTimeout})
	if err != nil {
		return err
	}

	reconciler := consumer.NewReconciler(manager, be.queue, consumer.ReconcilerConfig{
		Interval:    cfg.Worker.SweepInterval,
		MaxRetries:  cfg.Tasks.MaxRetryCount,
		StaleQueued: cfg.NATS.AckWait,
		Logger:      logger,
	})
	monitor.OnDead(func(last *heartbeat.Heartbeat) {
		reconciler.WorkerDead(ctx, last)
	})

	pool, err := consumer.New(consumer.Config{
		WorkerID:    cfg.Worker.ID,
		Workers:     cfg.Worker.Workers,
		FanOut:      cfg.Worker.FanOut,
		PullTimeout: cfg.Worker.PullTimeout,
		Lease:       cfg.Worker.Lease,
		MaxRetries:  cfg.Tasks.MaxRetryCount,
		Logger:      logger,
		Tracer:      tracer,
	}, consumer.Deps{
		Tasks:   manager,
		Queue:   be.queue,
		Planner: planner,
		Catalog: registry,
		Runner:  g,
		Holder:  sender,
	})
	if err != nil {
		return err
	}

	intake, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_ = pool.Run(intake)
	}()
	go reconciler.Run(intake)
	if cfg.Tools.Watch && cfg.Tools.Dir != "" {
		w, err := tools.NewWatcher(registry, tools.DefaultDebounce)
		if err != nil {
			logger.Warn("catalog_watch_unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			go w.Run(intake)
		}
	}
	if err := sender.Start(ctx); err != nil {
		return err
	}
	if err := monitor.Start(); err != nil {
		return err
	}

	sc := shutdown.DefaultConfig()
	sc.Timeout = cfg.Worker.ShutdownTimeout
	sc.Logger = logger
	coord := shutdown.NewCoordinator(sc)
	coord.RegisterFuncWithPhase("intake", func(context.Context) error {
		stopIntake()
		return nil
	}, shutdown.PhaseStopIntake)
	coord.RegisterFuncWithPhase("workers", func(ctx context.Context) error {
		select {
		case <-drained:
			return nil
		case <-ctx.Done():
			pool.Abort()
			select {
			case <-drained:
			case <-time.After(abortGrace):
			}
			return ctx.Err()
		}
	}, shutdown.PhaseDrain)
	coord.RegisterFuncWithPhase("heartbeat", func(context.Context) error {
		_ = monitor.Stop()
		return sender.Stop()
	}, shutdown.PhaseClose)
	coord.RegisterFuncWithPhase("ratelimit", func(context.Context) error {
		return limiter.Close()
	}, shutdown.PhaseClose)
	coord.RegisterFuncWithPhase("knowledge", func(context.Context) error {
		return ks.Close()
	}, shutdown.PhaseClose)
	coord.RegisterFuncWithPhase("backend", func(context.Context) error {
		return be.Close()
	}, shutdown.PhaseClose+5)
	coord.RegisterFuncWithPhase("telemetry", otel.Shutdown, shutdown.PhaseFlush)

	stop := coord.HandleSignals()
	defer stop()

	summary := registry.Summary()
	logger.Info("worker_ready", map[string]interface{}{
		"workers":  cfg.Worker.Workers,
		"tools":    summary.Enabled,
		"degraded": g.Degraded(),
		"shared":   be.shared(),
	})

	select {
	case <-coord.Done():
	case <-ctx.Done():
		_ = coord.ShutdownWithTimeout()
		<-coord.Done()
	}
	return coord.Result().Err
}
