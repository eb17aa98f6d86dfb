package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/repo"
	"github.com/shaiso/Preingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PlanResult — итог retry_step или undo_step.
type PlanResult struct {
	// Attempt — новая попытка шага. Если Created=false — последняя
	// существующая попытка (делать было нечего).
	Attempt domain.Attempt `json:"attempt"`

	// Created — была ли создана новая попытка.
	Created bool `json:"created"`

	// Tasks — количество новых tasks во всём поддереве.
	Tasks int `json:"tasks"`
}

// StepSummary — корневой шаг со статусом (для списков).
type StepSummary struct {
	Step   domain.Step       `json:"step"`
	Status domain.TaskStatus `json:"status"`
	Tasks  int               `json:"tasks"`
}

// CreateStep создаёт шаг из упорядоченного списка tasks.
// Tasks получают позиции 0..n-1 и общую попытку. Ничего не передаётся
// воркерам до RunStep.
func (o *Orchestrator) CreateStep(ctx context.Context, name string, tasks []domain.TaskSpec, parallel bool) (uuid.UUID, error) {
	return o.CreateStepFromSpec(ctx, domain.StepSpec{
		Name:     name,
		Parallel: parallel,
		Tasks:    tasks,
	})
}

// CreateStepFromSpec создаёт дерево шагов (с вложенными шагами) атомарно.
func (o *Orchestrator) CreateStepFromSpec(ctx context.Context, spec domain.StepSpec) (uuid.UUID, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.CreateStep",
		attribute.String("preingest.step_name", spec.Name),
	)
	defer span.End()

	plan, err := engine.Materialize(spec, engine.Options{
		MaxDepth: o.maxDepth,
		Registry: o.registry,
	}, o.now())
	if err != nil {
		return uuid.Nil, fail(span, err)
	}

	if err := o.store.CreatePlan(ctx, plan); err != nil {
		return uuid.Nil, fail(span, fmt.Errorf("create plan: %w", err))
	}

	rootID := plan.RootID()
	for _, step := range plan.Steps {
		o.roots.Add(step.ID, rootID)
	}

	telemetry.StepsCreated.Inc()
	telemetry.AttemptsCreated.WithLabelValues(string(domain.AttemptReasonCreate)).Add(float64(len(plan.Batches)))
	span.SetAttributes(attribute.String(telemetry.AttrRootID, rootID.String()))

	telemetry.WithStepID(o.logger, rootID.String()).Info("step created",
		"name", spec.Name,
		"parallel", spec.Parallel,
		"steps", len(plan.Steps),
		"tasks", plan.TaskCount(),
	)

	return rootID, nil
}

// RunStep передаёт воркерам готовые tasks шага и помечает дерево
// активным: дальше оно продвигается по отчётам воркеров.
//
// Ошибки доставки оставляют tasks в PREPARED и возвращаются как
// ErrDeliveryFailed (вызов можно повторить). Ошибки определения
// переводят task в FAILURE и ошибкой не считаются.
func (o *Orchestrator) RunStep(ctx context.Context, stepID uuid.UUID) (*DispatchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.RunStep",
		attribute.String(telemetry.AttrStepID, stepID.String()),
	)
	defer span.End()

	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, fail(span, err)
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, fail(span, err)
	}

	if tree.Status(0).IsTerminal() {
		return &DispatchResult{}, nil
	}

	if !tree.Root().Step.Active {
		if err := o.store.SetActive(ctx, rootID, true); err != nil {
			return nil, fail(span, fmt.Errorf("activate root: %w", err))
		}
	}

	result, err := o.dispatch(ctx, tree, i)
	if err != nil {
		return result, fail(span, err)
	}

	telemetry.WithStepID(o.logger, stepID.String()).Info("step started",
		"root_id", rootID,
		"submitted", len(result.Submitted),
		"failed", len(result.Failed),
	)

	return result, nil
}

// RetryStep создаёт новую попытку для неуспешных (или явно выбранных)
// детей шага.
//
// Существующие tasks не изменяются. Если по выбору по умолчанию
// повторять нечего (все дети SUCCESS), вызов ничего не делает и
// возвращает последнюю попытку с Created=false. Пока в поддереве есть
// tasks у воркеров, возвращается ErrStepBusy.
//
// Новые tasks создаются в PREPARED. Для неактивного дерева их нужно
// запустить через RunStep, активное дерево подхватит их само.
func (o *Orchestrator) RetryStep(ctx context.Context, stepID uuid.UUID, sel domain.Selection) (*PlanResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.RetryStep",
		attribute.String(telemetry.AttrStepID, stepID.String()),
		attribute.IntSlice("preingest.positions", sel.Positions),
	)
	defer span.End()

	result, err := o.plan(ctx, stepID, func(tree *engine.Tree, i int) (*engine.AttemptPlan, error) {
		return tree.PlanRetry(i, sel, o.now())
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrAttemptID, result.Attempt.ID.String()))
	return result, nil
}

// UndoStep создаёт попытку отката для успешных (или явно выбранных)
// детей шага. Tasks отката выполняют те же handler'ы в режиме
// компенсации, от последней позиции к первой.
//
// Как и RetryStep: существующие tasks не изменяются, новые создаются
// в PREPARED, при tasks у воркеров возвращается ErrStepBusy. Если
// откатывать нечего, возвращается последняя попытка с Created=false.
func (o *Orchestrator) UndoStep(ctx context.Context, stepID uuid.UUID, sel domain.Selection) (*PlanResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.UndoStep",
		attribute.String(telemetry.AttrStepID, stepID.String()),
		attribute.IntSlice("preingest.positions", sel.Positions),
	)
	defer span.End()

	result, err := o.plan(ctx, stepID, func(tree *engine.Tree, i int) (*engine.AttemptPlan, error) {
		return tree.PlanUndo(i, sel, o.now())
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrAttemptID, result.Attempt.ID.String()))
	return result, nil
}

// planFunc строит новые попытки для узла i дерева.
type planFunc func(tree *engine.Tree, i int) (*engine.AttemptPlan, error)

// plan строит и сохраняет новые попытки поддерева шага под
// блокировкой корня.
func (o *Orchestrator) plan(ctx context.Context, stepID uuid.UUID, build planFunc) (*PlanResult, error) {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, err
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, err
	}

	if tree.InFlight(i) {
		return nil, fmt.Errorf("%w: %s", ErrStepBusy, stepID)
	}

	plan, err := build(tree, i)
	if err != nil {
		if errors.Is(err, engine.ErrNothingToRetry) || errors.Is(err, engine.ErrNothingToUndo) {
			return &PlanResult{Attempt: tree.Node(i).LatestAttempt()}, nil
		}
		return nil, err
	}

	if err := o.store.CreateAttempts(ctx, plan.Batches); err != nil {
		return nil, fmt.Errorf("create attempts: %w", err)
	}

	for _, b := range plan.Batches {
		telemetry.AttemptsCreated.WithLabelValues(string(b.Attempt.Reason)).Inc()
	}

	telemetry.WithStepID(o.logger, stepID.String()).Info("attempt created",
		"root_id", rootID,
		"reason", plan.Attempt.Reason,
		"attempt_id", plan.Attempt.ID,
		"seq", plan.Attempt.Seq,
		"tasks", plan.TaskCount(),
	)

	return &PlanResult{
		Attempt: plan.Attempt,
		Created: true,
		Tasks:   plan.TaskCount(),
	}, nil
}

// CancelStep отменяет все незавершённые tasks поддерева.
//
// Tasks у воркеров тоже переводятся в CANCELLED, пул получает Abort
// (best effort). Успешные tasks не откатываются. Отмена корня снимает
// пометку Active.
func (o *Orchestrator) CancelStep(ctx context.Context, stepID uuid.UUID) (*StatusReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.CancelStep",
		attribute.String(telemetry.AttrStepID, stepID.String()),
	)
	defer span.End()

	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, fail(span, err)
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, fail(span, err)
	}

	cancelled := 0
	for _, task := range tree.HistoryTasks(i) {
		ok, err := o.cancelTask(ctx, task)
		if err != nil {
			return nil, fail(span, err)
		}
		if ok {
			cancelled++
		}
	}

	if i == 0 && tree.Root().Step.Active {
		if err := o.store.SetActive(ctx, rootID, false); err != nil {
			return nil, fail(span, fmt.Errorf("deactivate root: %w", err))
		}
	}

	telemetry.WithStepID(o.logger, stepID.String()).Info("step cancelled",
		"root_id", rootID,
		"tasks", cancelled,
	)

	tree, i, err = o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, fail(span, err)
	}
	return buildReport(tree, i), nil
}

// cancelTask переводит незавершённый task в CANCELLED.
func (o *Orchestrator) cancelTask(ctx context.Context, task *domain.Task) (bool, error) {
	current := task.Status

	for range maxCASAttempts {
		if current.IsTerminal() {
			return false, nil
		}

		applied, err := o.transition(ctx, domain.TaskTransition{
			TaskID: task.ID,
			From:   current,
			To:     domain.StatusCancelled,
			Error:  "cancelled",
		})
		if err != nil {
			return false, err
		}

		if applied {
			if current.IsInFlight() {
				o.abort(ctx, task.ID)
			}
			return true, nil
		}

		fresh, err := o.reload(ctx, task.ID)
		if err != nil {
			return false, err
		}
		current = fresh.Status
	}

	return false, fmt.Errorf("cancel task %s: status changed concurrently %d times", task.ID, maxCASAttempts)
}

// GetStatus возвращает агрегированный статус шага с деталями по детям
// и первым упавшим task.
func (o *Orchestrator) GetStatus(ctx context.Context, stepID uuid.UUID) (*StatusReport, error) {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, err
	}

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, err
	}

	return buildReport(tree, i), nil
}

// ListSteps возвращает корневые шаги с их статусами.
func (o *Orchestrator) ListSteps(ctx context.Context, filter repo.StepFilter) ([]StepSummary, error) {
	roots, err := o.store.ListRoots(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}

	out := make([]StepSummary, 0, len(roots))
	for _, root := range roots {
		tree, err := o.loadTree(ctx, root.ID)
		if err != nil {
			// Дерево удалили между запросами.
			if errors.Is(err, ErrStepNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, StepSummary{
			Step:   tree.Root().Step,
			Status: tree.Status(0),
			Tasks:  len(tree.EffectiveTasks(0)),
		})
	}

	return out, nil
}

// ListTasks возвращает историю tasks шага по всем попыткам или по одной.
// Порядок: по номеру попытки, затем по позиции.
func (o *Orchestrator) ListTasks(ctx context.Context, stepID uuid.UUID, attemptID *uuid.UUID) ([]domain.Task, error) {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, err
	}

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, err
	}
	node := tree.Node(i)

	seq := make(map[uuid.UUID]int, len(node.Attempts))
	for _, a := range node.Attempts {
		seq[a.ID] = a.Seq
	}
	if attemptID != nil {
		if _, ok := seq[*attemptID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, *attemptID)
		}
	}

	tasks := make([]domain.Task, 0, len(node.History))
	for _, task := range node.History {
		if attemptID != nil && task.AttemptID != *attemptID {
			continue
		}
		tasks = append(tasks, *task)
	}

	sort.Slice(tasks, func(a, b int) bool {
		if sa, sb := seq[tasks[a].AttemptID], seq[tasks[b].AttemptID]; sa != sb {
			return sa < sb
		}
		return tasks[a].Position < tasks[b].Position
	})

	return tasks, nil
}

// ListAttempts возвращает попытки шага по возрастанию Seq.
func (o *Orchestrator) ListAttempts(ctx context.Context, stepID uuid.UUID) ([]domain.Attempt, error) {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return nil, err
	}

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.Attempt, len(tree.Node(i).Attempts))
	copy(attempts, tree.Node(i).Attempts)
	return attempts, nil
}

// PurgeAttempt удаляет полностью вытесненную попытку шага вместе с её
// tasks. Попытку создания, последнюю попытку и попытку, чьи tasks ещё
// актуальны, удалить нельзя (ErrAttemptInUse).
func (o *Orchestrator) PurgeAttempt(ctx context.Context, stepID, attemptID uuid.UUID) error {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return err
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, i, err := o.locate(ctx, rootID, stepID)
	if err != nil {
		return err
	}

	superseded, err := tree.Superseded(i, attemptID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if !superseded {
		return fmt.Errorf("%w: %s", ErrAttemptInUse, attemptID)
	}

	for _, task := range tree.Node(i).History {
		if task.AttemptID == attemptID && task.Status.IsInFlight() {
			return fmt.Errorf("%w: task %s is %s", ErrAttemptInUse, task.ID, task.Status)
		}
	}

	if err := o.store.PurgeAttempt(ctx, attemptID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
		}
		return fmt.Errorf("purge attempt: %w", err)
	}

	telemetry.WithStepID(o.logger, stepID.String()).Info("attempt purged", "attempt_id", attemptID)
	return nil
}

// DeleteStep удаляет корневой шаг со всем деревом.
// Пока в дереве есть tasks у воркеров, возвращается ErrStepBusy.
func (o *Orchestrator) DeleteStep(ctx context.Context, stepID uuid.UUID) error {
	rootID, err := o.resolveRoot(ctx, stepID)
	if err != nil {
		return err
	}
	if rootID != stepID {
		return fmt.Errorf("%w: %s", ErrNotRoot, stepID)
	}

	unlock := o.lockRoot(rootID)
	defer unlock()

	tree, err := o.loadTree(ctx, rootID)
	if err != nil {
		return err
	}
	if tree.InFlight(0) {
		return fmt.Errorf("%w: %s", ErrStepBusy, stepID)
	}

	if err := o.store.DeleteTree(ctx, rootID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		return fmt.Errorf("delete tree: %w", err)
	}

	for _, n := range tree.Nodes {
		o.roots.Remove(n.Step.ID)
		for _, task := range n.History {
			o.cancelRedelivery(task.ID)
		}
	}
	o.forgetRoot(rootID)

	telemetry.WithStepID(o.logger, stepID.String()).Info("step deleted", "steps", len(tree.Nodes))
	return nil
}

// fail отмечает span ошибкой и возвращает её.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
