package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shaiso/Preingest/internal/mq"
	"github.com/shaiso/Preingest/internal/orchestrator"
)

// Default configuration values.
const (
	defaultConcurrency    = 4
	defaultPrefetch       = 1
	defaultReportTimeout  = 10 * time.Second
	defaultAbortCacheSize = 4096
)

// Reporter отправляет отчёты о tasks оркестратору.
// Реализация: *mq.Publisher.
type Reporter interface {
	PublishReport(ctx context.Context, r orchestrator.Report) error
}

// Worker выполняет отдельные tasks.
//
// Worker — stateless компонент системы, который:
//   - Получает tasks из очереди tasks.ready
//   - Отправляет STARTED, затем SUCCESS, FAILURE или RETRY
//   - Слушает рассылку abort и отменяет context выполняемого task
//
// Повторные доставки RETRY планирует оркестратор, воркер сам не повторяет.
// Workers масштабируются горизонтально: несколько экземпляров
// потребляют из одной очереди.
type Worker struct {
	conn     *mq.Connection
	reporter Reporter
	registry *Registry

	// Consumers
	consumers []*mq.Consumer

	// Configuration
	concurrency   int
	prefetch      int
	reportTimeout time.Duration

	// Выполняемые сейчас tasks и недавно прерванные
	runningMu sync.Mutex
	running   map[uuid.UUID]context.CancelFunc
	aborted   *lru.Cache[uuid.UUID, struct{}]

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// MQ
	Conn     *mq.Connection
	Reporter Reporter

	// Executor registry (опционально; если nil — используется NewRegistry())
	Registry *Registry

	Concurrency    int           // параллельных consumers (default: 4)
	Prefetch       int           // prefetch на consumer (default: 1)
	ReportTimeout  time.Duration // таймаут публикации отчёта (default: 10s)
	AbortCacheSize int           // сколько прерванных task помнить (default: 4096)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	reportTimeout := cfg.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = defaultReportTimeout
	}

	cacheSize := cfg.AbortCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultAbortCacheSize
	}
	// Ошибка возможна только при size <= 0
	aborted, _ := lru.New[uuid.UUID, struct{}](cacheSize)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Worker{
		conn:          cfg.Conn,
		reporter:      cfg.Reporter,
		registry:      registry,
		concurrency:   concurrency,
		prefetch:      prefetch,
		reportTimeout: reportTimeout,
		running:       make(map[uuid.UUID]context.CancelFunc),
		aborted:       aborted,
		logger:        logger,
	}
}

// Start запускает Worker.
//
// Запускает:
//   - Concurrency consumers для tasks.ready
//   - Consumer рассылки abort (эксклюзивная очередь воркера)
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}
	if w.conn == nil || w.reporter == nil {
		return fmt.Errorf("worker requires mq connection and reporter")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"prefetch", w.prefetch,
		"handlers", w.registry.Names(),
	)

	for i := 0; i < w.concurrency; i++ {
		w.startConsumer(ctx, mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueTasksReady,
			Handler:  w.handleTask,
			Prefetch: w.prefetch,
		}))
	}

	w.startConsumer(ctx, mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Declare: mq.DeclareControlQueue,
		Handler: mq.AbortHandler(w.Abort),
	}))

	w.logger.Info("worker started")
	return nil
}

func (w *Worker) startConsumer(ctx context.Context, consumer *mq.Consumer) {
	w.consumers = append(w.consumers, consumer)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("consumer error", "error", err)
		}
	}()
}

// Stop останавливает Worker. Выполняемые tasks прерываются
// и возвращаются в очередь.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	for _, c := range w.consumers {
		c.Stop()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// Abort прерывает task, если он выполняется на этом воркере,
// и запоминает его, чтобы не начинать при более поздней доставке.
func (w *Worker) Abort(taskID uuid.UUID) {
	w.aborted.Add(taskID, struct{}{})

	w.runningMu.Lock()
	cancel, ok := w.running[taskID]
	w.runningMu.Unlock()

	if ok {
		w.logger.Info("aborting task", "task_id", taskID)
		cancel()
	}
}

func (w *Worker) isAborted(taskID uuid.UUID) bool {
	return w.aborted.Contains(taskID)
}

func (w *Worker) track(taskID uuid.UUID, cancel context.CancelFunc) {
	w.runningMu.Lock()
	w.running[taskID] = cancel
	w.runningMu.Unlock()
}

func (w *Worker) untrack(taskID uuid.UUID) {
	w.runningMu.Lock()
	delete(w.running, taskID)
	w.runningMu.Unlock()
}

// Running возвращает количество выполняемых сейчас tasks.
func (w *Worker) Running() int {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	return len(w.running)
}
