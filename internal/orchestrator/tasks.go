package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// TaskDetail — task с контекстом: шаг, корень, попытка и актуальность.
// Error task содержит полный текст ошибки (traceback воркера).
type TaskDetail struct {
	Task     domain.Task    `json:"task"`
	RootID   uuid.UUID      `json:"root_id"`
	StepName string         `json:"step_name"`
	Attempt  domain.Attempt `json:"attempt"`

	// Effective — task актуален на своей позиции (не вытеснен).
	Effective bool `json:"effective"`

	// Undone — task отката завершён успешно.
	Undone bool `json:"undone,omitempty"`
}

// GetTask возвращает task с контекстом.
func (o *Orchestrator) GetTask(ctx context.Context, taskID uuid.UUID) (*TaskDetail, error) {
	task, err := o.reload(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rootID, err := o.resolveRoot(ctx, task.StepID)
	if err != nil {
		return nil, err
	}

	tree, i, err := o.locate(ctx, rootID, task.StepID)
	if err != nil {
		return nil, err
	}
	n := tree.Node(i)

	detail := &TaskDetail{
		Task:      *task,
		RootID:    rootID,
		StepName:  n.Step.Name,
		Effective: effectiveAt(tree, i, task) != nil,
		Undone:    task.IsUndone(),
	}
	for _, a := range n.Attempts {
		if a.ID == task.AttemptID {
			detail.Attempt = a
			break
		}
	}
	return detail, nil
}

// RetryTask создаёт новую попытку шага для одного task (в том числе
// успешного или откаченного). Вытесненный task повторить нельзя
// (ErrTaskSuperseded).
func (o *Orchestrator) RetryTask(ctx context.Context, taskID uuid.UUID) (*PlanResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.RetryTask",
		attribute.String(telemetry.AttrTaskID, taskID.String()),
	)
	defer span.End()

	result, err := o.planTask(ctx, taskID, func(tree *engine.Tree, i int, pos int) (*engine.AttemptPlan, error) {
		return tree.PlanRetry(i, domain.Selection{Positions: []int{pos}}, o.now())
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return result, nil
}

// UndoTask создаёт попытку отката для одного успешного task.
func (o *Orchestrator) UndoTask(ctx context.Context, taskID uuid.UUID) (*PlanResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.UndoTask",
		attribute.String(telemetry.AttrTaskID, taskID.String()),
	)
	defer span.End()

	result, err := o.planTask(ctx, taskID, func(tree *engine.Tree, i int, pos int) (*engine.AttemptPlan, error) {
		return tree.PlanUndo(i, domain.Selection{Positions: []int{pos}}, o.now())
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return result, nil
}

// planTask — plan для позиции task в его шаге.
func (o *Orchestrator) planTask(ctx context.Context, taskID uuid.UUID, build func(tree *engine.Tree, i, pos int) (*engine.AttemptPlan, error)) (*PlanResult, error) {
	task, err := o.reload(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return o.plan(ctx, task.StepID, func(tree *engine.Tree, i int) (*engine.AttemptPlan, error) {
		if effectiveAt(tree, i, task) == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskSuperseded, taskID)
		}
		return build(tree, i, task.Position)
	})
}

// effectiveAt возвращает актуальную версию task на его позиции или
// nil, если task вытеснен.
func effectiveAt(tree *engine.Tree, i int, task *domain.Task) *domain.Task {
	for _, c := range tree.Node(i).Children {
		if !c.IsStep() && c.Position == task.Position && c.Task.ID == task.ID {
			return c.Task
		}
	}
	return nil
}
