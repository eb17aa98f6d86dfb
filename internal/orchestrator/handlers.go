package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/repo"
	"github.com/shaiso/Preingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxCASAttempts — сколько раз отчёт перечитывает task при конфликте.
const maxCASAttempts = 3

// errExhausted — текст ошибки при исчерпании повторных доставок.
const errExhausted = "retry attempts exhausted"

// Report применяет отчёт воркера.
//
// Обработка безопасна при доставке at-least-once:
//   - отчёт для task в финальном статусе отбрасывается;
//   - повтор уже применённого статуса отбрасывается;
//   - отчёт для PREPARED task считается подтверждением доставки
//     (неявный переход PREPARED→PENDING), если task готов к передаче
//     воркерам. Иначе отчёт отбрасывается;
//   - конфликт CAS приводит к перечитыванию task (не более maxCASAttempts раз).
//
// RETRY планирует повторную доставку той же попытки по RetryPolicy,
// после исчерпания доставок task переходит в FAILURE. После финального
// отчёта активное дерево продвигается.
func (o *Orchestrator) Report(ctx context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: task %s status %q", err, r.TaskID, r.Status)
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Report",
		attribute.String(telemetry.AttrTaskID, r.TaskID.String()),
		attribute.String(telemetry.AttrStatus, r.Status.String()),
	)
	defer span.End()

	task, err := o.store.GetTask(ctx, r.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			telemetry.ReportsDiscarded.WithLabelValues("unknown_task").Inc()
			return fmt.Errorf("%w: %s", ErrTaskNotFound, r.TaskID)
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("get task: %w", err)
	}

	rootID, err := o.resolveRoot(ctx, task.StepID)
	if err != nil {
		return err
	}

	unlock := o.lockRoot(rootID)
	finished, err := o.applyReport(ctx, rootID, task, r)
	unlock()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if finished {
		if err := o.advance(ctx, rootID); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			return fmt.Errorf("advance root %s: %w", rootID, err)
		}
	}

	return nil
}

// applyReport переводит task в статус отчёта.
// Возвращает true, если task перешёл в финальный статус.
func (o *Orchestrator) applyReport(ctx context.Context, rootID uuid.UUID, task *domain.Task, r Report) (bool, error) {
	logger := telemetry.WithTaskID(o.logger, task.ID.String())

	for range maxCASAttempts {
		current := task.Status

		if current.IsTerminal() {
			reason := "stale"
			if current == r.Status {
				reason = "duplicate"
			}
			o.discard(logger, r, current, reason)
			return false, nil
		}

		if current == r.Status {
			o.discard(logger, r, current, "duplicate")
			return false, nil
		}

		// Отчёт пришёл раньше, чем dispatcher зафиксировал доставку.
		if current == domain.StatusPrepared {
			ready, err := o.dispatchable(ctx, rootID, task.ID)
			if err != nil {
				return false, err
			}
			if !ready {
				o.discard(logger, r, current, "not_dispatched")
				return false, nil
			}

			applied, err := o.transition(ctx, domain.TaskTransition{
				TaskID: task.ID,
				From:   domain.StatusPrepared,
				To:     domain.StatusPending,
			})
			if err != nil {
				return false, err
			}
			if !applied {
				if task, err = o.reload(ctx, task.ID); err != nil {
					return false, err
				}
				continue
			}
			task.Status = domain.StatusPending
			task.Deliveries++
			current = domain.StatusPending
		}

		target := r.Status
		errMsg := r.Error
		if target == domain.StatusRetry && o.retryPolicy.Exhausted(task.Deliveries) {
			target = domain.StatusFailure
			errMsg = errExhausted
			if r.Error != "" {
				errMsg += ": " + r.Error
			}
		}

		if !domain.CanTransition(current, target) {
			o.discard(logger, r, current, "out_of_order")
			return false, nil
		}

		applied, err := o.transition(ctx, domain.TaskTransition{
			TaskID: task.ID,
			From:   current,
			To:     target,
			Result: r.Result,
			Error:  errMsg,
		})
		if err != nil {
			return false, err
		}
		if !applied {
			if task, err = o.reload(ctx, task.ID); err != nil {
				return false, err
			}
			continue
		}

		logger.Debug("task status changed",
			"step_id", task.StepID,
			"from", current,
			"to", target,
		)

		switch target {
		case domain.StatusRetry:
			o.scheduleRedelivery(task.ID, o.retryPolicy.Delay(task.Deliveries))
		case domain.StatusFailure:
			logger.Warn("task failed",
				"step_id", task.StepID,
				"handler", task.Name,
				"error", errMsg,
			)
		}

		return target.IsTerminal(), nil
	}

	return false, fmt.Errorf("report for task %s: status changed concurrently %d times", task.ID, maxCASAttempts)
}

// dispatchable проверяет, что task сейчас можно передать воркерам.
func (o *Orchestrator) dispatchable(ctx context.Context, rootID, taskID uuid.UUID) (bool, error) {
	tree, err := o.loadTree(ctx, rootID)
	if err != nil {
		return false, err
	}
	for _, task := range tree.Dispatchable(0) {
		if task.ID == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) reload(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (o *Orchestrator) discard(logger *slog.Logger, r Report, current domain.TaskStatus, reason string) {
	telemetry.ReportsDiscarded.WithLabelValues(reason).Inc()
	logger.Debug("report discarded",
		"reported", r.Status,
		"current", current,
		"reason", reason,
	)
}

// --- Redelivery ---

// scheduleRedelivery запускает таймер повторной доставки RETRY task.
func (o *Orchestrator) scheduleRedelivery(taskID uuid.UUID, delay time.Duration) {
	if o.IsStopped() {
		return
	}

	o.timersMu.Lock()
	defer o.timersMu.Unlock()

	if t, ok := o.timers[taskID]; ok {
		t.Stop()
	}
	o.timers[taskID] = time.AfterFunc(delay, func() {
		o.timersMu.Lock()
		delete(o.timers, taskID)
		o.timersMu.Unlock()

		if err := o.redeliver(context.Background(), taskID); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			o.logger.Error("redelivery failed", "task_id", taskID, "error", err)
		}
	})
}

// cancelRedelivery останавливает таймер повторной доставки.
func (o *Orchestrator) cancelRedelivery(taskID uuid.UUID) {
	o.timersMu.Lock()
	defer o.timersMu.Unlock()

	if t, ok := o.timers[taskID]; ok {
		t.Stop()
		delete(o.timers, taskID)
	}
}

func (o *Orchestrator) hasRedelivery(taskID uuid.UUID) bool {
	o.timersMu.Lock()
	defer o.timersMu.Unlock()
	_, ok := o.timers[taskID]
	return ok
}

// redeliver повторно передаёт RETRY task воркерам в рамках той же попытки.
func (o *Orchestrator) redeliver(ctx context.Context, taskID uuid.UUID) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	task, err := o.reload(ctx, taskID)
	if err != nil {
		return err
	}

	rootID, err := o.resolveRoot(ctx, task.StepID)
	if err != nil {
		return err
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	// Статус мог измениться, пока ждали блокировку.
	if task, err = o.reload(ctx, taskID); err != nil {
		return err
	}
	if task.Status != domain.StatusRetry {
		return nil
	}

	if err := o.pool.Submit(ctx, NewDelivery(task, rootID)); err != nil {
		telemetry.Dispatches.WithLabelValues("delivery_failed").Inc()
		return fmt.Errorf("%w: task %s: %v", ErrDeliveryFailed, taskID, err)
	}

	applied, err := o.transition(ctx, domain.TaskTransition{
		TaskID: taskID,
		From:   domain.StatusRetry,
		To:     domain.StatusPending,
	})
	if err != nil {
		return err
	}
	if !applied {
		current, err := o.reload(ctx, taskID)
		if err != nil {
			return err
		}
		if current.Status == domain.StatusCancelled {
			o.abort(ctx, taskID)
			telemetry.Dispatches.WithLabelValues("aborted").Inc()
		}
		return nil
	}

	telemetry.Dispatches.WithLabelValues("submitted").Inc()
	o.logger.Debug("task redelivered",
		"task_id", taskID,
		"deliveries", task.Deliveries+1,
	)
	return nil
}

// redeliverDue повторно доставляет RETRY tasks без таймера, у которых
// истекла задержка (например, после рестарта процесса).
func (o *Orchestrator) redeliverDue(ctx context.Context) {
	tasks, err := o.store.ListTasksByStatus(ctx, domain.StatusRetry, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list retry tasks", "error", err)
		return
	}

	now := o.now()
	for i := range tasks {
		task := &tasks[i]
		if o.hasRedelivery(task.ID) {
			continue
		}
		if task.UpdatedAt.Add(o.retryPolicy.Delay(task.Deliveries)).After(now) {
			continue
		}
		if err := o.redeliver(ctx, task.ID); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			o.logger.Error("failed to redeliver task from poll", "task_id", task.ID, "error", err)
		}
	}
}

func observeTransition(from, to domain.TaskStatus) {
	telemetry.TaskTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
