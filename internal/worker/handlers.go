package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/mq"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/telemetry"
)

// handleTask обрабатывает сообщение из очереди tasks.ready.
func (w *Worker) handleTask(ctx context.Context, delivery *mq.Delivery) error {
	if delivery.Message.Type != mq.MessageTypeTaskSubmit {
		return mq.Permanent(fmt.Errorf("unexpected message type %q", delivery.Message.Type))
	}

	task, err := mq.ParsePayload[orchestrator.Delivery](&delivery.Message)
	if err != nil {
		return mq.Permanent(err)
	}
	if task.TaskID == uuid.Nil {
		return mq.Permanent(fmt.Errorf("task.submit without task_id"))
	}

	return w.process(ctx, &task)
}

// process выполняет task и отправляет отчёты.
//
// nil означает, что сообщение можно подтвердить. Ошибка возвращает
// сообщение в очередь: при остановке воркера или если отчёт не отправлен.
func (w *Worker) process(ctx context.Context, task *orchestrator.Delivery) error {
	logger := telemetry.WithTaskID(w.logger, task.TaskID.String()).With(
		"step_id", task.StepID,
		"attempt_id", task.AttemptID,
		"handler", task.Name,
	)

	if w.isAborted(task.TaskID) {
		logger.Info("task was aborted, skipping")
		return nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.track(task.TaskID, cancel)
	defer w.untrack(task.TaskID)

	if err := w.report(ctx, orchestrator.Report{TaskID: task.TaskID, Status: domain.StatusStarted}); err != nil {
		return err
	}

	logger.Info("task started", "position", task.Position, "undo", task.Undo)

	executor, err := w.registry.Get(task.Name)
	if err != nil {
		telemetry.WorkerExecutions.WithLabelValues(task.Name, domain.StatusFailure.String()).Inc()
		logger.Warn("no executor for handler", "error", err)
		return w.report(ctx, orchestrator.Report{
			TaskID: task.TaskID,
			Status: domain.StatusFailure,
			Error:  err.Error(),
		})
	}

	start := time.Now()
	result, execErr := run(taskCtx, executor, task)
	elapsed := time.Since(start)
	telemetry.WorkerDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())

	// Прерванный task уже CANCELLED: отчитываться не о чем
	if w.isAborted(task.TaskID) {
		logger.Info("task aborted", "duration", elapsed)
		return nil
	}

	// Воркер останавливается: сообщение вернётся в очередь
	if err := ctx.Err(); err != nil {
		logger.Warn("task interrupted by shutdown", "duration", elapsed)
		return err
	}

	report := buildReport(task.TaskID, result, execErr)
	telemetry.WorkerExecutions.WithLabelValues(task.Name, report.Status.String()).Inc()

	if report.Status == domain.StatusSuccess {
		logger.Info("task succeeded", "duration", elapsed)
	} else {
		logger.Warn("task failed",
			"status", report.Status,
			"duration", elapsed,
			"error", report.Error,
		)
	}

	return w.report(ctx, report)
}

// report публикует отчёт с таймаутом.
func (w *Worker) report(ctx context.Context, r orchestrator.Report) error {
	ctx, cancel := context.WithTimeout(ctx, w.reportTimeout)
	defer cancel()

	if err := w.reporter.PublishReport(ctx, r); err != nil {
		return fmt.Errorf("publish %s report for task %s: %w", r.Status, r.TaskID, err)
	}
	return nil
}

// buildReport переводит результат executor'а в отчёт.
//
//   - ошибка параметров → FAILURE (повтор не поможет)
//   - прочая ошибка Execute (сеть, таймаут) → RETRY
//   - логическая ошибка → FAILURE, или RETRY если она временная
//   - иначе SUCCESS с outputs
func buildReport(taskID uuid.UUID, result *ExecutionResult, execErr error) orchestrator.Report {
	report := orchestrator.Report{TaskID: taskID}

	switch {
	case execErr != nil:
		report.Error = execErr.Error()
		if errors.Is(execErr, ErrInvalidParams) {
			report.Status = domain.StatusFailure
		} else {
			report.Status = domain.StatusRetry
		}

	case result == nil:
		report.Status = domain.StatusSuccess

	case result.Error != "":
		report.Error = result.Error
		report.Result = result.Outputs
		if result.Retryable {
			report.Status = domain.StatusRetry
		} else {
			report.Status = domain.StatusFailure
		}

	default:
		report.Status = domain.StatusSuccess
		report.Result = result.Outputs
	}

	return report
}
