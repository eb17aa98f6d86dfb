package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/repo"
)

// Store — хранилище шагов, попыток и tasks.
//
// Реализации: repo.StepRepo (PostgreSQL) и repo.MemoryStore.
// Все изменения статуса идут через TransitionTask (compare-and-set).
type Store interface {
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	CreateAttempts(ctx context.Context, batches []domain.AttemptBatch) error

	GetStep(ctx context.Context, id uuid.UUID) (*domain.Step, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListRoots(ctx context.Context, filter repo.StepFilter) ([]domain.Step, error)
	LoadTree(ctx context.Context, rootID uuid.UUID) (*domain.Snapshot, error)

	// TransitionTask применяет переход, только если текущий статус равен From.
	// Возвращает false, если статус уже другой.
	TransitionTask(ctx context.Context, tr domain.TaskTransition) (bool, error)

	SetActive(ctx context.Context, rootID uuid.UUID, active bool) error
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	ListActiveRoots(ctx context.Context, limit int) ([]uuid.UUID, error)

	PurgeAttempt(ctx context.Context, attemptID uuid.UUID) error
	DeleteTree(ctx context.Context, rootID uuid.UUID) error
}

var (
	_ Store = (*repo.StepRepo)(nil)
	_ Store = (*repo.MemoryStore)(nil)
)

// WorkerPool — внешний пул воркеров с доставкой at-least-once.
type WorkerPool interface {
	// Submit передаёт task пулу. nil означает, что пул принял task.
	Submit(ctx context.Context, d Delivery) error

	// Abort просит пул прервать выполнение task (best effort).
	Abort(ctx context.Context, taskID uuid.UUID) error
}

// Delivery — то, что передаётся воркеру: handler, параметры,
// попытка и позиция.
type Delivery struct {
	TaskID    uuid.UUID      `json:"task_id"`
	StepID    uuid.UUID      `json:"step_id"`
	RootID    uuid.UUID      `json:"root_id"`
	AttemptID uuid.UUID      `json:"attempt_id"`
	Position  int            `json:"position"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`

	// Undo — выполнить компенсацию handler'а вместо прямого действия.
	Undo bool `json:"undo,omitempty"`
}

// NewDelivery собирает Delivery для task.
func NewDelivery(task *domain.Task, rootID uuid.UUID) Delivery {
	return Delivery{
		TaskID:    task.ID,
		StepID:    task.StepID,
		RootID:    rootID,
		AttemptID: task.AttemptID,
		Position:  task.Position,
		Name:      task.Name,
		Params:    task.Params,
		Undo:      task.Undo,
	}
}

// Report — отчёт воркера о task.
//
// Допустимые статусы: STARTED, RETRY, SUCCESS, FAILURE.
// Один и тот же отчёт может прийти несколько раз и в любом порядке.
type Report struct {
	TaskID uuid.UUID         `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
	Result map[string]any    `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Validate проверяет отчёт.
func (r Report) Validate() error {
	if r.TaskID == uuid.Nil {
		return ErrInvalidReport
	}
	switch r.Status {
	case domain.StatusStarted, domain.StatusRetry, domain.StatusSuccess, domain.StatusFailure:
		return nil
	default:
		return ErrInvalidReport
	}
}
