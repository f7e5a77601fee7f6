package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskforge/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	started  chan struct{}
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	return &Coordinator{
		config:  config,
		logger:  config.Logger.WithComponent("shutdown"),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to a phase. Lower phases run first.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFuncWithPhase registers a function handler.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Started is closed as soon as shutdown begins; workers select on it to
// stop taking new work.
func (c *Coordinator) Started() <-chan struct{} {
	return c.started
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// Shutdown runs every phase. A second call returns ErrAlreadyShutdown
// without waiting.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		close(c.started)
		c.result = c.run(ctx)
		close(c.done)
	})
	if !first {
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGINT or SIGTERM. The returned function
// stops listening.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout()
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	res := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = ErrTimeout
			break
		}
		failed := false
		for _, hr := range c.runPhase(ctx, group) {
			res.Results = append(res.Results, hr)
			if hr.Err != nil {
				failed = true
			}
		}
		if failed {
			res.Err = ErrHandlerFailed
			if !c.config.ContinueOnError {
				break
			}
		}
	}
	res.TotalDuration = time.Since(start)
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{
				"handler":  r.name,
				"phase":    r.phase,
				"duration": results[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown_handler_failed", fields)
			} else {
				c.logger.Debug("shutdown_handler_done", fields)
			}
		}(i, r)
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
