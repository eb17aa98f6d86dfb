package engine

import "github.com/shaiso/Preingest/internal/domain"

// Aggregate вычисляет статус шага из статусов его детей.
//
// children передаются в порядке позиций. Правила:
//   - нет детей → SUCCESS (пустому контейнеру нечего выполнять);
//   - все SUCCESS → SUCCESS;
//   - хотя бы один ребёнок в работе (PENDING/STARTED/RETRY) → STARTED;
//   - sequential: решает первый неуспешный ребёнок. FAILURE → FAILURE,
//     CANCELLED → CANCELLED, PREPARED → STARTED если перед ним есть
//     успешные, иначе PREPARED;
//   - parallel: FAILURE у любого → FAILURE, затем CANCELLED → CANCELLED,
//     все PREPARED → PREPARED, иначе STARTED.
//
// Функция чистая: одинаковые входы дают одинаковый результат.
func Aggregate(parallel bool, children []domain.TaskStatus) domain.TaskStatus {
	if len(children) == 0 {
		return domain.StatusSuccess
	}

	var succeeded, prepared, failed, cancelled int
	for _, s := range children {
		switch s {
		case domain.StatusPending, domain.StatusStarted, domain.StatusRetry:
			return domain.StatusStarted
		case domain.StatusSuccess:
			succeeded++
		case domain.StatusPrepared:
			prepared++
		case domain.StatusFailure:
			failed++
		case domain.StatusCancelled:
			cancelled++
		}
	}

	if succeeded == len(children) {
		return domain.StatusSuccess
	}

	if parallel {
		switch {
		case failed > 0:
			return domain.StatusFailure
		case cancelled > 0:
			return domain.StatusCancelled
		case prepared == len(children):
			return domain.StatusPrepared
		default:
			return domain.StatusStarted
		}
	}

	for _, s := range children {
		switch s {
		case domain.StatusSuccess:
			continue
		case domain.StatusFailure:
			return domain.StatusFailure
		case domain.StatusCancelled:
			return domain.StatusCancelled
		default:
			if succeeded > 0 {
				return domain.StatusStarted
			}
			return domain.StatusPrepared
		}
	}

	return domain.StatusSuccess
}
