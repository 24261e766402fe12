// Command gridagent runs one compute-plane worker process: it pulls
// leased tasks off the queue, executes them with the configured
// Executor, and reports results back through the shared state table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opengrid/gridcore/internal/agent"
	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/config"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/taskqueue"
	"github.com/opengrid/gridcore/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	executorKind := flag.String("executor", "inprocess", "task executor: inprocess, docker, or wasm")
	dockerImage := flag.String("docker-image", "", "container image for the docker executor")
	wasmPath := flag.String("wasm-file", "", "compiled .wasm module for the wasm executor")
	quiet := flag.Bool("quiet", false, "suppress stdout logging, write only to the jsonl log file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridagent: load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, "gridagent", cfg.LogLevel, *quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridagent: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *executorKind, *dockerImage, *wasmPath); err != nil {
		logger.Error("gridagent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, executorKind, dockerImage, wasmPath string) error {
	otelProvider, err := gridotel.Init(ctx, gridotel.Config{Enabled: cfg.OTLPEndpoint != "", Endpoint: cfg.OTLPEndpoint, ServiceName: "gridagent"})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := statetable.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state table: %w", err)
	}
	defer store.Close()

	queue, err := taskqueue.OpenDB(store.DB())
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}

	blobs, err := blobstore.NewFSStore(cfg.BlobStoreRoot)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	exec, closeExec, err := buildExecutor(ctx, executorKind, dockerImage, wasmPath)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	if closeExec != nil {
		defer closeExec()
	}

	metrics, err := gridotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ops := statetable.NewOps(store, statetable.NewNoopThrottler()).WithMetrics(metrics)

	numPriorities := cfg.Priorities
	if cfg.TaskQueueService == config.TaskQueueSingle {
		numPriorities = 1
	}

	a := agent.New(agent.Config{
		Store:                  ops,
		Queue:                  queue,
		Blobs:                  blobs,
		Executor:               exec,
		Logger:                 logger,
		Tracer:                 otelProvider.Tracer,
		NumPriorities:          numPriorities,
		AgentVisibility:        cfg.HeartbeatInterval() * 6,
		TTLOffset:              cfg.LeaseOffset(),
		RefreshInterval:        cfg.HeartbeatInterval(),
		EmptyQueueBackoff:      cfg.HeartbeatInterval(),
		NumPartitions:          cfg.StatePartitions,
		PayloadInExternalStore: cfg.PayloadInExternalStore,
	})

	logger.Info("gridagent: starting", "agent_id", a.ID(), "executor", executorKind)
	a.Run(ctx)
	logger.Info("gridagent: stopped", "agent_id", a.ID())
	return nil
}

func buildExecutor(ctx context.Context, kind, dockerImage, wasmPath string) (agent.Executor, func(), error) {
	switch kind {
	case "", "inprocess":
		return agent.NewInProcessExecutor(func(_ context.Context, input []byte) ([]byte, error) {
			return input, nil
		}), nil, nil
	case "docker":
		exec, err := agent.NewDockerExecutor(dockerImage, 0, "")
		if err != nil {
			return nil, nil, err
		}
		return exec, func() { _ = exec.Close() }, nil
	case "wasm":
		if wasmPath == "" {
			return nil, nil, fmt.Errorf("gridagent: -wasm-file is required for the wasm executor")
		}
		wasmBytes, err := os.ReadFile(wasmPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read wasm module: %w", err)
		}
		exec, err := agent.NewWASMExecutor(ctx, wasmBytes, agent.WASMConfig{})
		if err != nil {
			return nil, nil, err
		}
		return exec, func() { _ = exec.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("gridagent: unknown executor %q", kind)
	}
}
