package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// Executor — интерфейс для выполнения конкретного handler'а.
//
// Реализации: HTTPExecutor, DelayExecutor, TransformExecutor, ChecksumExecutor.
//
// task.Params содержит уже отрендеренные параметры task.
type Executor interface {
	Execute(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error)
}

// Undoer — executor, который умеет откатывать своё действие.
//
// task.Params содержит исходные параметры и результат исходного task
// под ключом domain.UndoResultParam. Executor без Undoer откатывается
// без действий.
type Undoer interface {
	Undo(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error)
}

// run выполняет task или его откат.
func run(ctx context.Context, executor Executor, task *orchestrator.Delivery) (*ExecutionResult, error) {
	if !task.Undo {
		return executor.Execute(ctx, task)
	}
	if u, ok := executor.(Undoer); ok {
		return u.Undo(ctx, task)
	}
	return &ExecutionResult{}, nil
}

// ExecutionResult — результат выполнения task.
type ExecutionResult struct {
	// Outputs — выходные данные выполнения.
	Outputs map[string]any

	// Error — сообщение об ошибке (логическая ошибка выполнения).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string

	// Retryable — логическая ошибка временная (например, HTTP 503):
	// воркер отправит RETRY вместо FAILURE.
	Retryable bool
}

// Registry — реестр executor'ов по имени handler'а.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр с зарегистрированными executor'ами по умолчанию.
//
// Регистрирует: http, delay, transform, checksum.
// Вложенные шаги обрабатываются оркестратором, воркер получает только tasks.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	r.Register("checksum", &ChecksumExecutor{})
	return r
}

// Register добавляет executor для handler'а.
func (r *Registry) Register(name string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
}

// Get возвращает executor для handler'а.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	executor, ok := r.executors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return executor, nil
}

// Names возвращает отсортированные имена handler'ов.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
