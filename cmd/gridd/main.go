// Command gridd runs gridcore's control plane: the submit/result/cancel
// gateway, the reclaimer sweep, and (when configured) the Telegram ops
// notifier. It owns the shared SQLite database that both the state table
// and the task queue live in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opengrid/gridcore/internal/audit"
	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/bus"
	"github.com/opengrid/gridcore/internal/config"
	"github.com/opengrid/gridcore/internal/gateway"
	"github.com/opengrid/gridcore/internal/notify"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/queryapi"
	"github.com/opengrid/gridcore/internal/reclaimer"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/submitter"
	"github.com/opengrid/gridcore/internal/taskqueue"
	"github.com/opengrid/gridcore/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	quiet := flag.Bool("quiet", false, "suppress stdout logging, write only to the jsonl log file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridd: load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, "gridd", cfg.LogLevel, *quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridd: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gridd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("gridd: starting", "config_fingerprint", cfg.Fingerprint(), "bind_addr", cfg.BindAddr)

	otelProvider, err := gridotel.Init(ctx, gridotel.Config{Enabled: cfg.OTLPEndpoint != "", Endpoint: cfg.OTLPEndpoint, ServiceName: "gridd"})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer audit.Close()

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

	metrics, err := gridotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)
	throttleWindow := reclaimer.NewThrottleWindow(time.Minute, cfg.ThrottleBackoffSkipThreshold)
	ops := statetable.NewOps(store, statetable.NewNoopThrottler()).
		WithBus(eventBus).WithMetrics(metrics).WithThrottleObserver(throttleWindow.Observe)

	numPriorities := cfg.Priorities
	if cfg.TaskQueueService == config.TaskQueueSingle {
		numPriorities = 1
	}

	sub, err := submitter.New(ops, queue, blobs, submitter.Config{
		PayloadInExternalStore: cfg.PayloadInExternalStore,
		StatePartitions:        cfg.StatePartitions,
		SessionShardThreshold:  cfg.SessionShardThreshold,
	})
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}
	sub = sub.WithBus(eventBus).WithMetrics(metrics).WithTracer(otelProvider.Tracer)

	qry := queryapi.New(ops, blobs)

	rc := reclaimer.New(reclaimer.Config{
		Store:         ops,
		Queue:         queue,
		Bus:           eventBus,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
		Logger:        logger,
		Interval:      time.Duration(cfg.ReclaimerIntervalSec) * time.Second,
		PageLimit:     cfg.ReclaimerPageLimit,
		NumPartitions: cfg.StatePartitions,
		MaxRetries:    cfg.MaxRetries,
		Throttle:      throttleWindow,
	})
	rc.Start(ctx)
	defer rc.Stop()

	var telegramNotifier *notify.TelegramNotifier
	var telegramMu sync.Mutex
	startTelegram := func(cfg config.Config) {
		telegramMu.Lock()
		defer telegramMu.Unlock()
		if telegramNotifier != nil {
			telegramNotifier.Stop()
			telegramNotifier = nil
		}
		if !cfg.Telegram.Enabled {
			return
		}
		n, notifyErr := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatIDs, eventBus, logger)
		if notifyErr != nil {
			logger.Warn("gridd: telegram notifier disabled", "error", notifyErr)
			return
		}
		n.Start()
		telegramNotifier = n
	}
	startTelegram(cfg)
	defer func() {
		telegramMu.Lock()
		if telegramNotifier != nil {
			telegramNotifier.Stop()
		}
		telegramMu.Unlock()
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, loadErr := config.Load()
			if loadErr != nil {
				logger.Error("gridd: config.yaml reload failed", "path", ev.Path, "error", loadErr)
				continue
			}
			logger.Info("gridd: config.yaml reloaded", "path", ev.Path)
			startTelegram(newCfg)
		}
	}()

	srv := gateway.New(gateway.Config{
		Submitter:     sub,
		Query:         qry,
		Queue:         queue,
		Bus:           eventBus,
		Metrics:       metrics,
		AllowOrigins:  cfg.AllowOrigins,
		NumPriorities: numPriorities,
	})

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gridd: listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("gridd: shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
