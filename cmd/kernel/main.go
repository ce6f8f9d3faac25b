// Kernel server binary.
//
// Runs the agent kernel with its IPC endpoint so out-of-process hosts
// can create envelopes, execute pipelines, and talk to the message bus
// over length-prefixed JSON frames.
//
// Usage:
//
//	go run ./cmd/kernel                          # Default tcp :7600
//	go run ./cmd/kernel -addr /tmp/kernel.sock -network unix
//	go run ./cmd/kernel -config pipelines.yaml -pipeline chat
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentkernel-io/agentkernel/commbus"
	"github.com/agentkernel-io/agentkernel/coreengine/agents"
	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/ipc"
	"github.com/agentkernel-io/agentkernel/coreengine/kernel"
	"github.com/agentkernel-io/agentkernel/coreengine/observability"
	"github.com/agentkernel-io/agentkernel/coreengine/runtime"
	"github.com/agentkernel-io/agentkernel/coreengine/tools"
)

const serviceName = "agentkernel"

// slogLogger adapts log/slog to the logging interfaces used across the
// kernel, bus, runtime, and IPC packages.
type slogLogger struct {
	l *slog.Logger
}

func newSlogLogger(debug bool) *slogLogger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &slogLogger{l: slog.New(handler)}
}

func (s *slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *slogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

func (s *slogLogger) Bind(fields ...any) agents.Logger {
	return &slogLogger{l: s.l.With(fields...)}
}

// busEventContext forwards agent lifecycle events from the pipeline
// runner onto the message bus.
type busEventContext struct {
	bus commbus.CommBus
}

func (e *busEventContext) EmitAgentStarted(agentName string) error {
	return e.bus.Publish(context.Background(), &commbus.AgentStarted{AgentName: agentName})
}

func (e *busEventContext) EmitAgentCompleted(agentName string, status string, durationMS int, err error) error {
	event := &commbus.AgentCompleted{
		AgentName:  agentName,
		Status:     status,
		DurationMS: durationMS,
	}
	if err != nil {
		msg := err.Error()
		event.Error = &msg
	}
	return e.bus.Publish(context.Background(), event)
}

func main() {
	addr := flag.String("addr", ":7600", "IPC listen address")
	network := flag.String("network", "tcp", "listen network (tcp or unix)")
	configPath := flag.String("config", "", "pipeline configuration YAML (optional)")
	pipelineName := flag.String("pipeline", "", "pipeline to serve (default: first in config)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP trace collector endpoint (optional)")
	queryTimeout := flag.Duration("query-timeout", 30*time.Second, "bus query timeout")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	mockAgents := flag.Bool("mock", true, "run pipeline agents in mock mode (no inference backend attached)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := newSlogLogger(*debug)
	logger.Info("kernel_starting", "version", "1.0.0", "addr", *addr, "network", *network)

	if *otlpEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(serviceName, *otlpEndpoint)
		if err != nil {
			logger.Error("tracer_init_failed", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
		logger.Info("tracing_enabled", "endpoint", *otlpEndpoint)
	}

	bus := commbus.NewInMemoryCommBus(*queryTimeout, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, 30*time.Second, nil, logger))

	k := kernel.NewKernel(logger, nil)

	stopCleanup := k.StartCleanupLoop(kernel.DefaultCleanupConfig())
	defer stopCleanup()

	stopSweep := k.Interrupts().StartSweepLoop(5*time.Second, func(expired []*kernel.KernelInterrupt) {
		for _, interrupt := range expired {
			event := &commbus.InterruptResolved{
				InterruptID: interrupt.ID,
				RequestID:   interrupt.RequestID,
				SessionID:   interrupt.SessionID,
				Kind:        string(interrupt.Kind),
				Status:      string(interrupt.Status),
			}
			if interrupt.Response != nil {
				event.Approved = interrupt.Response.Approved
			}
			if err := bus.Publish(context.Background(), event); err != nil {
				logger.Warn("interrupt_expiry_publish_failed", "interrupt_id", interrupt.ID, "error", err.Error())
			}
		}
	})
	defer stopSweep()

	runner, err := buildRunner(*configPath, *pipelineName, *mockAgents, logger, bus)
	if err != nil {
		logger.Error("pipeline_config_failed", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	server := ipc.NewServer(logger)
	ipc.RegisterDefaultHandlers(server, ipc.Dependencies{
		Kernel: k,
		Runner: runner,
		Bus:    bus,
	})

	lis, err := net.Listen(*network, *addr)
	if err != nil {
		logger.Error("listen_failed", "addr", *addr, "error", err.Error())
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	logger.Info("kernel_ready", "addr", lis.Addr().String(), "kinds", server.Kinds())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve_failed", "error", err.Error())
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("ipc_shutdown_incomplete", "error", err.Error())
	}
	stopSweep()
	stopCleanup()
	if err := k.Shutdown(ctx); err != nil {
		logger.Warn("kernel_shutdown_incomplete", "error", err.Error())
	}
	logger.Info("kernel_stopped")
}

// buildRunner loads the pipeline configuration and constructs the
// runner. Returns a nil runner when no config path is given; the IPC
// server then serves envelope, kernel, and bus operations only.
func buildRunner(path, name string, mock bool, logger *slogLogger, bus commbus.CommBus) (*runtime.PipelineRunner, error) {
	if path == "" {
		return nil, nil
	}

	fc, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := fc.Pipelines[0]
	if name != "" {
		if cfg = fc.Pipeline(name); cfg == nil {
			return nil, fmt.Errorf("pipeline not found in config: %s", name)
		}
	}

	runner, err := runtime.NewPipelineRunner(cfg, nil, tools.NewBuiltinExecutor(), logger)
	if err != nil {
		return nil, err
	}
	runner.SetMockMode(mock)
	runner.SetEventContext(&busEventContext{bus: bus})

	logger.Info("pipeline_loaded", "pipeline", cfg.Name, "agents", len(cfg.Agents), "mock", mock)
	return runner, nil
}
