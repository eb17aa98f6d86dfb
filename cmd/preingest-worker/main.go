// Preingest Worker — выполняет отдельные tasks.
//
// Worker:
//   - Получает tasks из RabbitMQ (tasks.ready)
//   - Выполняет в зависимости от handler'а (http, delay, transform, checksum)
//   - Отправляет отчёты STARTED/SUCCESS/FAILURE/RETRY в tasks.reports
//   - Прерывает tasks по сообщениям task.abort
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Preingest/internal/config"
	"github.com/shaiso/Preingest/internal/mq"
	"github.com/shaiso/Preingest/internal/telemetry"
	"github.com/shaiso/Preingest/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting preingest-worker", "concurrency", cfg.WorkerConcurrency)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ
	conn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	registry := worker.NewRegistry()
	w := worker.New(worker.Config{
		Conn:        conn,
		Reporter:    mq.NewPublisher(conn, logger),
		Registry:    registry,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("handlers registered", "handlers", registry.Names())

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !conn.IsConnected() || w.IsStopped() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte("unavailable"))
			return
		}
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintf(rw, "ok, running %d", w.Running())
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.WorkerAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Останавливаем worker
	w.Stop()
	logger.Info("preingest-worker stopped")
}
