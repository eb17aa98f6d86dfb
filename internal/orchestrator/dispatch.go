package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DispatchResult — итог передачи tasks воркерам.
type DispatchResult struct {
	// Submitted — tasks, принятые пулом и переведённые в PENDING.
	Submitted []uuid.UUID `json:"submitted"`

	// Failed — tasks с ошибкой определения (неизвестный handler,
	// неверные параметры), переведённые в FAILURE.
	Failed []uuid.UUID `json:"failed,omitempty"`

	// Undelivered — tasks, которые пул не принял. Остаются PREPARED.
	Undelivered []uuid.UUID `json:"undelivered,omitempty"`

	// Aborted — tasks, отменённые во время передачи.
	Aborted []uuid.UUID `json:"aborted,omitempty"`
}

// dispatchOutcome — результат передачи одного task.
type dispatchOutcome int

const (
	outcomeSubmitted dispatchOutcome = iota
	outcomeFailed
	outcomeUndelivered
	outcomeAborted
	outcomeSkipped
)

// dispatch передаёт воркерам все готовые tasks поддерева узла i.
// Готовность определяется по всему дереву: вложенный шаг ждёт своей
// очереди в sequential предках. Вызывающий должен держать блокировку
// корня.
//
// Ошибка доставки не прерывает передачу остальных tasks: они
// возвращаются в Undelivered, а итоговая ошибка оборачивает
// ErrDeliveryFailed.
func (o *Orchestrator) dispatch(ctx context.Context, tree *engine.Tree, i int) (*DispatchResult, error) {
	ready := tree.DispatchableIn(i)
	result := &DispatchResult{}
	if len(ready) == 0 {
		return result, nil
	}

	rootID := tree.Root().Step.ID

	var (
		mu          sync.Mutex
		deliveryErr error
		storeErr    error
		undelivered int
	)

	g := &errgroup.Group{}
	g.SetLimit(o.dispatchLimit)

	for _, task := range ready {
		g.Go(func() error {
			outcome, err := o.dispatchTask(ctx, rootID, task)

			mu.Lock()
			defer mu.Unlock()

			switch outcome {
			case outcomeSubmitted:
				result.Submitted = append(result.Submitted, task.ID)
			case outcomeFailed:
				result.Failed = append(result.Failed, task.ID)
			case outcomeUndelivered:
				result.Undelivered = append(result.Undelivered, task.ID)
				undelivered++
				if deliveryErr == nil {
					deliveryErr = err
				}
				return nil
			case outcomeAborted:
				result.Aborted = append(result.Aborted, task.ID)
			}

			if err != nil && storeErr == nil {
				storeErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if storeErr != nil {
		return result, storeErr
	}
	if deliveryErr != nil {
		return result, fmt.Errorf("%w: %d of %d tasks: %v", ErrDeliveryFailed, undelivered, len(ready), deliveryErr)
	}
	return result, nil
}

// dispatchTask передаёт один PREPARED task.
//
// Порядок: проверка определения, Submit в пул, затем CAS
// PREPARED→PENDING. Статус не меняется, пока пул не принял task.
// Если CAS проиграл отмене, пул получает Abort.
func (o *Orchestrator) dispatchTask(ctx context.Context, rootID uuid.UUID, task *domain.Task) (dispatchOutcome, error) {
	logger := telemetry.WithTaskID(o.logger, task.ID.String())

	if err := o.registry.Check(task.Name, task.Params); err != nil {
		applied, terr := o.transition(ctx, domain.TaskTransition{
			TaskID: task.ID,
			From:   domain.StatusPrepared,
			To:     domain.StatusFailure,
			Error:  err.Error(),
		})
		if terr != nil {
			return outcomeSkipped, terr
		}
		if !applied {
			return outcomeSkipped, nil
		}

		telemetry.Dispatches.WithLabelValues("definition_error").Inc()
		logger.Warn("task definition rejected",
			"step_id", task.StepID,
			"handler", task.Name,
			"error", err,
		)
		return outcomeFailed, nil
	}

	if err := o.pool.Submit(ctx, NewDelivery(task, rootID)); err != nil {
		telemetry.Dispatches.WithLabelValues("delivery_failed").Inc()
		logger.Warn("task delivery failed",
			"step_id", task.StepID,
			"handler", task.Name,
			"error", err,
		)
		return outcomeUndelivered, err
	}

	applied, err := o.transition(ctx, domain.TaskTransition{
		TaskID: task.ID,
		From:   domain.StatusPrepared,
		To:     domain.StatusPending,
	})
	if err != nil {
		return outcomeSkipped, err
	}

	if !applied {
		current, err := o.store.GetTask(ctx, task.ID)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("get task: %w", err)
		}

		// Отчёт воркера успел подтвердить доставку раньше нас.
		if current.Status != domain.StatusCancelled {
			telemetry.Dispatches.WithLabelValues("submitted").Inc()
			return outcomeSubmitted, nil
		}

		o.abort(ctx, task.ID)
		telemetry.Dispatches.WithLabelValues("aborted").Inc()
		return outcomeAborted, nil
	}

	telemetry.Dispatches.WithLabelValues("submitted").Inc()
	logger.Debug("task dispatched",
		"step_id", task.StepID,
		"attempt_id", task.AttemptID,
		"position", task.Position,
		"handler", task.Name,
	)

	return outcomeSubmitted, nil
}

// abort просит пул прервать task. Ошибка только логируется.
func (o *Orchestrator) abort(ctx context.Context, taskID uuid.UUID) {
	o.cancelRedelivery(taskID)

	if err := o.pool.Abort(ctx, taskID); err != nil {
		o.logger.Warn("failed to abort task", "task_id", taskID, "error", err)
	}
}

// advance продвигает активное дерево: передаёт готовые tasks или,
// если дерево завершено, снимает пометку Active.
func (o *Orchestrator) advance(ctx context.Context, rootID uuid.UUID) error {
	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, err := o.loadTree(ctx, rootID)
	if err != nil {
		if errors.Is(err, ErrStepNotFound) {
			return nil
		}
		return err
	}

	if !tree.Root().Step.Active {
		return nil
	}

	if tree.Status(0).IsTerminal() {
		return o.finish(ctx, tree)
	}

	result, err := o.dispatch(ctx, tree, 0)
	if err != nil {
		return err
	}

	if len(result.Failed) > 0 {
		tree, err = o.loadTree(ctx, rootID)
		if err != nil {
			return err
		}
		if tree.Status(0).IsTerminal() {
			return o.finish(ctx, tree)
		}
	}

	return nil
}

// finish снимает пометку Active с завершённого дерева.
func (o *Orchestrator) finish(ctx context.Context, tree *engine.Tree) error {
	root := tree.Root().Step
	if err := o.store.SetActive(ctx, root.ID, false); err != nil {
		return fmt.Errorf("deactivate root: %w", err)
	}

	status := tree.Status(0)
	logger := telemetry.WithStepID(o.logger, root.ID.String())
	if failed := tree.FirstFailure(0); status == domain.StatusFailure && failed != nil {
		logger.Warn("step failed",
			"name", root.Name,
			"task_id", failed.ID,
			"handler", failed.Name,
			"error", failed.Error,
		)
		return nil
	}

	logger.Info("step finished", "name", root.Name, "status", status)
	return nil
}
