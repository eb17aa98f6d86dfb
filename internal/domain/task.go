package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — task unit: одна единица работы внутри шага.
//
// Task создаётся при создании шага (create_step), при повторном
// выполнении (retry_step) или при откате (undo_step). Task выполняется
// воркером, orchestrator только отслеживает статус.
//
// Инварианты:
//   - AttemptID не меняется после создания;
//   - Position уникальна в рамках (StepID, AttemptID);
//   - task в финальном статусе больше не изменяется, retry создаёт новый task.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// StepID — шаг, которому принадлежит task.
	StepID uuid.UUID `json:"step_id"`

	// AttemptID — попытка, в рамках которой создан task.
	AttemptID uuid.UUID `json:"attempt_id"`

	// Name — имя handler'а (capability), который выполнит task.
	Name string `json:"name"`

	// Params — параметры, передаются воркеру без изменений.
	Params map[string]any `json:"params,omitempty"`

	// Position — позиция в шаге (0, 1, 2, ...).
	Position int `json:"position"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// Result — результат, возвращённый воркером при SUCCESS.
	Result map[string]any `json:"result,omitempty"`

	// Error — текст ошибки при FAILURE (или последней RETRY).
	// Воркер может передать здесь traceback целиком.
	Error string `json:"error,omitempty"`

	// Undo — task откатывает результат предыдущего task на той же позиции.
	Undo bool `json:"undo,omitempty"`

	// Deliveries — сколько раз task передавался воркерам в рамках попытки.
	Deliveries int `json:"deliveries"`

	// StartedAt — время первого STARTED.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения статуса.
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration возвращает продолжительность выполнения.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// CloneForAttempt создаёт новый PREPARED task с тем же handler'ом,
// параметрами и позицией, но в новой попытке. Копия task отката
// остаётся откатом.
func (t *Task) CloneForAttempt(attemptID uuid.UUID, now time.Time) Task {
	return Task{
		ID:        uuid.New(),
		StepID:    t.StepID,
		AttemptID: attemptID,
		Name:      t.Name,
		Params:    cloneParams(t.Params),
		Position:  t.Position,
		Status:    StatusPrepared,
		Undo:      t.Undo,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CloneForRedo создаёт PREPARED task, который снова выполняет handler
// в прямом направлении. Для task отката убирается UndoResultParam.
func (t *Task) CloneForRedo(attemptID uuid.UUID, now time.Time) Task {
	redo := t.CloneForAttempt(attemptID, now)
	if redo.Undo {
		redo.Undo = false
		delete(redo.Params, UndoResultParam)
	}
	return redo
}

// CloneForUndo создаёт PREPARED task отката: тот же handler, параметры
// и позиция, помеченный Undo. Result исходного task передаётся в
// параметрах под ключом UndoResultParam.
func (t *Task) CloneForUndo(attemptID uuid.UUID, now time.Time) Task {
	undo := t.CloneForRedo(attemptID, now)
	undo.Undo = true
	if t.Result != nil {
		if undo.Params == nil {
			undo.Params = make(map[string]any, 1)
		}
		undo.Params[UndoResultParam] = t.Result
	}
	return undo
}

// UndoResultParam — параметр task отката с результатом исходного task.
const UndoResultParam = "_result"

// IsUndone возвращает true для успешно выполненного отката.
func (t *Task) IsUndone() bool {
	return t.Undo && t.Status == StatusSuccess
}

// TaskTransition — запрос на compare-and-set изменение статуса task.
//
// Переход применяется только если текущий статус равен From.
type TaskTransition struct {
	TaskID uuid.UUID
	From   TaskStatus
	To     TaskStatus

	// Result — результат (для SUCCESS).
	Result map[string]any

	// Error — текст ошибки (для FAILURE/RETRY/CANCELLED).
	Error string

	// At — время перехода.
	At time.Time
}

// Apply применяет переход к копии task (без проверки CAS).
// Используется хранилищами для единообразного обновления полей.
func (tr TaskTransition) Apply(t *Task) {
	t.Status = tr.To
	t.UpdatedAt = tr.At

	switch tr.To {
	case StatusPending:
		t.Deliveries++
	case StatusStarted:
		if t.StartedAt == nil {
			at := tr.At
			t.StartedAt = &at
		}
	}

	if tr.Result != nil {
		t.Result = tr.Result
	}
	if tr.Error != "" {
		t.Error = tr.Error
	}

	if tr.To.IsTerminal() {
		at := tr.At
		t.FinishedAt = &at
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
