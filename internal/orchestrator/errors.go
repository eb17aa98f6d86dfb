package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrStepNotFound — шаг не найден.
	ErrStepNotFound = errors.New("step not found")

	// ErrTaskNotFound — task не найден.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskSuperseded — task вытеснен более новой попыткой.
	ErrTaskSuperseded = errors.New("task superseded by a newer attempt")

	// ErrStepBusy — в поддереве есть tasks у воркеров.
	ErrStepBusy = errors.New("step has tasks in flight")

	// ErrNotRoot — операция разрешена только для корневого шага.
	ErrNotRoot = errors.New("step is not a root")

	// ErrDeliveryFailed — worker pool недоступен, task остался PREPARED.
	ErrDeliveryFailed = errors.New("delivery to worker pool failed")

	// ErrInvalidReport — отчёт воркера с недопустимым статусом.
	ErrInvalidReport = errors.New("invalid worker report")

	// ErrAttemptInUse — попытка ещё не вытеснена и не может быть удалена.
	ErrAttemptInUse = errors.New("attempt still in use")

	// ErrAttemptNotFound — попытка не найдена у шага.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
