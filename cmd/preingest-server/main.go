// Preingest Server — оркестратор шагов и HTTP API.
//
// Server:
//   - Принимает create/run/retry/cancel через HTTP API
//   - Передаёт готовые tasks воркерам через RabbitMQ (tasks.ready)
//   - Применяет отчёты воркеров из очереди tasks.reports
//   - Продвигает активные деревья и повторяет недоставленные tasks
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Preingest/internal/api"
	"github.com/shaiso/Preingest/internal/config"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/mq"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/pipeline"
	"github.com/shaiso/Preingest/internal/repo"
	"github.com/shaiso/Preingest/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting preingest-server", "store", cfg.Store)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRate:  cfg.TraceSample,
		ServiceName: "preingest-server",
	})
	if err != nil {
		logger.Error("failed to setup tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("preingest-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("preingest-server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Хранилище
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// RabbitMQ
	conn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}
	logger.Debug("topology declared", "topology", mq.TopologyInfo())

	publisher := mq.NewPublisher(conn, logger)
	pool := mq.NewTaskPool(publisher, mq.TaskPoolConfig{
		PublishTimeout: cfg.PublishTimeout,
		RatePerSecond:  cfg.SubmitRate,
		Burst:          cfg.SubmitBurst,
	}, logger)

	// Orchestrator
	registry := cfg.Registry()
	orch, err := orchestrator.New(orchestrator.Config{
		Store:         store,
		Pool:          pool,
		Registry:      registry,
		RetryPolicy:   cfg.Retry,
		MaxDepth:      cfg.MaxDepth,
		DispatchLimit: cfg.DispatchLimit,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	catalog, err := loadCatalog(cfg, registry)
	if err != nil {
		return err
	}
	logger.Info("pipelines loaded", "pipelines", catalog.Names())

	// Отчёты воркеров
	reports := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:    mq.QueueTasksReports,
		Handler:  mq.ReportHandler(orch, logger),
		Prefetch: 16,
	})

	// HTTP API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !conn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "rabbitmq disconnected, breaker %s", pool.BreakerState())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s, breaker %s", time.Since(startTime).Round(time.Second), pool.BreakerState())
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{
		Orchestrator: orch,
		Catalog:      catalog,
		Logger:       logger,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := reports.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Graceful shutdown с таймаутом 10 секунд
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore открывает хранилище по конфигурации.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (orchestrator.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		return repo.NewMemoryStore(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.DBURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database connected")

	return repo.NewStepRepo(pool), pool.Close, nil
}

// loadCatalog читает pipelines из файла или берёт встроенные.
func loadCatalog(cfg *config.Config, registry *engine.Registry) (*pipeline.Catalog, error) {
	if cfg.PipelinesFile == "" {
		return pipeline.Default(registry)
	}
	return pipeline.Load(cfg.PipelinesFile, registry)
}
