package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval  = 10 * time.Second
	defaultBatchSize     = 100
	defaultDispatchLimit = 16
	defaultRootCacheSize = 4096
)

// Orchestrator управляет деревьями шагов.
//
// Orchestrator — центральный компонент системы, который:
//   - Создаёт шаги, попытки и tasks
//   - Передаёт готовые tasks в WorkerPool
//   - Применяет отчёты воркеров к статусам (compare-and-set)
//   - Продвигает активные деревья после финальных отчётов
//   - Периодически повторяет доставку RETRY tasks и продвигает
//     активные деревья (polling fallback)
type Orchestrator struct {
	store    Store
	pool     WorkerPool
	registry *engine.Registry

	retryPolicy   domain.RetryPolicy
	maxDepth      int
	dispatchLimit int

	// Блокировки корней: решения по одному дереву принимаются по очереди.
	locks   map[uuid.UUID]*sync.Mutex
	locksMu sync.Mutex

	// stepID → rootID
	roots *lru.Cache[uuid.UUID, uuid.UUID]

	// Отложенные повторные доставки (taskID → timer).
	timers   map[uuid.UUID]*time.Timer
	timersMu sync.Mutex

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store    Store
	Pool     WorkerPool
	Registry *engine.Registry // default: engine.DefaultRegistry()

	// RetryPolicy — повторная доставка после отчёта RETRY.
	RetryPolicy domain.RetryPolicy

	// MaxDepth — максимальная глубина вложенности шагов (default: 16).
	MaxDepth int

	// DispatchLimit — одновременные Submit в parallel шаге (default: 16).
	DispatchLimit int

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество записей за один poll (default: 100)

	// RootCacheSize — размер LRU кэша stepID → rootID (default: 4096).
	RootCacheSize int

	// Logger
	Logger *slog.Logger

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// New создаёт новый Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("orchestrator: worker pool is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	dispatchLimit := cfg.DispatchLimit
	if dispatchLimit <= 0 {
		dispatchLimit = defaultDispatchLimit
	}

	cacheSize := cfg.RootCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultRootCacheSize
	}

	registry := cfg.Registry
	if registry == nil {
		registry = engine.DefaultRegistry()
	}

	policy := cfg.RetryPolicy
	if policy.MaxDeliveries == 0 {
		policy = domain.DefaultRetryPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	roots, err := lru.New[uuid.UUID, uuid.UUID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create root cache: %w", err)
	}

	return &Orchestrator{
		store:         cfg.Store,
		pool:          cfg.Pool,
		registry:      registry,
		retryPolicy:   policy,
		maxDepth:      cfg.MaxDepth,
		dispatchLimit: dispatchLimit,
		locks:         make(map[uuid.UUID]*sync.Mutex),
		roots:         roots,
		timers:        make(map[uuid.UUID]*time.Timer),
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		logger:        logger,
		now:           now,
	}, nil
}

// Start запускает polling горутину.
//
// Отчёты воркеров поступают через Report (из consumer'а очереди
// или HTTP callback'а).
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"max_deliveries", o.retryPolicy.MaxDeliveries,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	o.timersMu.Lock()
	pending := len(o.timers)
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.timersMu.Unlock()

	o.wg.Wait()

	o.logger.Info("orchestrator stopped", "pending_redeliveries", pending)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// Registry возвращает реестр handler'ов.
func (o *Orchestrator) Registry() *engine.Registry {
	return o.registry
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем деревья, брошенные до рестарта)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	o.redeliverDue(ctx)

	roots, err := o.store.ListActiveRoots(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list active roots", "error", err)
		return
	}

	for _, rootID := range roots {
		if ctx.Err() != nil {
			return
		}
		if err := o.advance(ctx, rootID); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			o.logger.Error("failed to advance root from poll",
				"root_id", rootID,
				"error", err,
			)
		}
	}
}

// lockRoot блокирует дерево и возвращает функцию разблокировки.
func (o *Orchestrator) lockRoot(rootID uuid.UUID) func() {
	o.locksMu.Lock()
	mu, ok := o.locks[rootID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[rootID] = mu
	}
	o.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// forgetRoot удаляет блокировку удалённого дерева.
func (o *Orchestrator) forgetRoot(rootID uuid.UUID) {
	o.locksMu.Lock()
	delete(o.locks, rootID)
	o.locksMu.Unlock()
}

// resolveRoot возвращает корень дерева, которому принадлежит шаг.
func (o *Orchestrator) resolveRoot(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	if rootID, ok := o.roots.Get(stepID); ok {
		return rootID, nil
	}

	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		return uuid.Nil, fmt.Errorf("get step: %w", err)
	}

	o.roots.Add(stepID, step.RootID)
	return step.RootID, nil
}

// loadTree загружает и строит дерево корня.
func (o *Orchestrator) loadTree(ctx context.Context, rootID uuid.UUID) (*engine.Tree, error) {
	snap, err := o.store.LoadTree(ctx, rootID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, rootID)
		}
		return nil, fmt.Errorf("load tree: %w", err)
	}

	tree, err := engine.BuildTree(snap.Steps, snap.Attempts, snap.Tasks)
	if err != nil {
		return nil, fmt.Errorf("build tree %s: %w", rootID, err)
	}

	return tree, nil
}

// locate загружает дерево корня и возвращает его вместе с индексом шага.
// Вызывающий должен держать блокировку корня.
func (o *Orchestrator) locate(ctx context.Context, rootID, stepID uuid.UUID) (*engine.Tree, int, error) {
	tree, err := o.loadTree(ctx, rootID)
	if err != nil {
		return nil, 0, err
	}

	i, ok := tree.Index(stepID)
	if !ok {
		// Кэш устарел: шаг удалён вместе с деревом.
		o.roots.Remove(stepID)
		return nil, 0, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	return tree, i, nil
}

// transition применяет CAS-переход и обновляет метрики.
func (o *Orchestrator) transition(ctx context.Context, tr domain.TaskTransition) (bool, error) {
	if tr.At.IsZero() {
		tr.At = o.now()
	}

	applied, err := o.store.TransitionTask(ctx, tr)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrTaskNotFound, tr.TaskID)
		}
		return false, fmt.Errorf("transition task %s %s→%s: %w", tr.TaskID, tr.From, tr.To, err)
	}

	if applied {
		observeTransition(tr.From, tr.To)
	}
	return applied, nil
}
