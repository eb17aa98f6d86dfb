package domain

import "fmt"

// TaskStatus — статус task unit.
//
// Жизненный цикл:
//
//	PREPARED → PENDING → STARTED → SUCCESS
//	    │         │         ├────→ FAILURE
//	    │         │         └────→ RETRY → PENDING (повторная доставка)
//	    │         │                  └──→ FAILURE (доставки исчерпаны)
//	    └─────────┴─────────┴──────→ CANCELLED (из любого нефинального)
//
// PREPARED → FAILURE допустим только для ошибок определения
// (неизвестный handler, некорректные params), обнаруженных при dispatch.
//
// Статус шага (Step) вычисляется агрегацией статусов детей и использует
// тот же словарь.
type TaskStatus string

const (
	// StatusPrepared — task создан, но ещё не передан воркерам.
	StatusPrepared TaskStatus = "PREPARED"

	// StatusPending — task принят пулом воркеров, ждёт исполнения.
	StatusPending TaskStatus = "PENDING"

	// StatusStarted — воркер начал выполнение.
	StatusStarted TaskStatus = "STARTED"

	// StatusRetry — временная ошибка, task будет доставлен повторно
	// в рамках той же попытки.
	StatusRetry TaskStatus = "RETRY"

	// StatusSuccess — task успешно завершён.
	StatusSuccess TaskStatus = "SUCCESS"

	// StatusFailure — task завершился с ошибкой.
	StatusFailure TaskStatus = "FAILURE"

	// StatusCancelled — task отменён.
	StatusCancelled TaskStatus = "CANCELLED"
)

// AllStatuses — все статусы в порядке жизненного цикла.
var AllStatuses = []TaskStatus{
	StatusPrepared,
	StatusPending,
	StatusStarted,
	StatusRetry,
	StatusSuccess,
	StatusFailure,
	StatusCancelled,
}

// transitions — таблица допустимых переходов.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPrepared: {StatusPending, StatusFailure, StatusCancelled},
	StatusPending:  {StatusStarted, StatusRetry, StatusSuccess, StatusFailure, StatusCancelled},
	StatusStarted:  {StatusRetry, StatusSuccess, StatusFailure, StatusCancelled},
	StatusRetry:    {StatusPending, StatusFailure, StatusCancelled},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid возвращает true, если статус известен.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPrepared, StatusPending, StatusStarted, StatusRetry,
		StatusSuccess, StatusFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true, если статус финальный.
// Из финального статуса task никогда не выходит.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsInFlight возвращает true, если task находится у воркеров
// (принят, выполняется или ждёт повторной доставки).
func (s TaskStatus) IsInFlight() bool {
	switch s {
	case StatusPending, StatusStarted, StatusRetry:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление статуса.
func (s TaskStatus) String() string {
	return string(s)
}

// ParseTaskStatus парсит строку в TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return status, nil
}
