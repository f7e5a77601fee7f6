// Package shutdown runs a worker's graceful shutdown in ordered phases.
//
// A worker stops pulling from the queue first, then lets in-flight tasks
// finish (or reach a persisted failure), then closes its connections, and
// flushes telemetry last so spans from the drain are exported:
//
//	c := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	c.RegisterFuncWithPhase("pull", pool.StopPulling, shutdown.PhaseStopIntake)
//	c.RegisterFuncWithPhase("workers", pool.Drain, shutdown.PhaseDrain)
//	c.RegisterFuncWithPhase("nats", closeNATS, shutdown.PhaseClose)
//	c.RegisterFuncWithPhase("otel", provider.Shutdown, shutdown.PhaseFlush)
//	stop := c.HandleSignals()
//	defer stop()
//	<-c.Done()
//
// Handlers in the same phase run concurrently; phases run in ascending
// order. A task interrupted mid-drain is left RUNNING and is recovered by
// the lease sweep of a surviving worker.
package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/taskforge/logging"
)

var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Shutdown phases used by the worker process.
const (
	PhaseStopIntake = 10 // stop pulling new deliveries
	PhaseDrain      = 20 // wait for in-flight tasks
	PhaseClose      = 30 // close queue, store, bus
	PhaseFlush      = 40 // flush telemetry
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30s
	Timeout time.Duration

	// DefaultPhase for handlers registered without one. Default: PhaseClose
	DefaultPhase int

	// ContinueOnError keeps running later phases after a handler fails.
	ContinueOnError bool

	// Logger receives one line per finished handler. Default: logging.New()
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseClose,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
