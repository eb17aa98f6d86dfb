// Package worker выполняет отдельные tasks.
//
// # Обзор
//
// Worker — stateless компонент системы Preingest, который выполняет
// tasks, переданные оркестратором через очередь tasks.ready.
// Worker отвечает за:
//
//   - Получение tasks из очереди RabbitMQ
//   - Выполнение task по имени handler'а (http, delay, transform, checksum)
//   - Отчёты STARTED, SUCCESS, FAILURE, RETRY в очередь tasks.reports
//   - Прерывание task по рассылке abort
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Conn:     mqConn,
//	    Reporter: publisher,
//	    Logger:   logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error)
//	}
//
// Реализации:
//   - HTTPExecutor — HTTP-запросы (method, headers, body, timeout, retry_on)
//   - DelayExecutor — задержка на указанное количество секунд
//   - TransformExecutor — возвращает отрендеренные params как outputs
//   - ChecksumExecutor — контрольная сумма файла пакета
//
// Task отката (Delivery.Undo) выполняется через Undoer. HTTPExecutor
// отправляет запрос на undo_url; остальные executor'ы откатываются
// без действий.
//
// # Отчёты
//
//   - ошибка параметров (ErrInvalidParams) → FAILURE
//   - инфраструктурная ошибка (error от Execute) → RETRY
//   - логическая ошибка (ExecutionResult.Error) → FAILURE или RETRY,
//     если ExecutionResult.Retryable
//   - неизвестный handler → FAILURE
//
// Повторную доставку после RETRY планирует оркестратор по RetryPolicy.
//
// Доставка at-least-once: если воркер упал до отчёта, сообщение вернётся
// в очередь и task выполнится ещё раз. Оркестратор отбрасывает дубликаты.
package worker
