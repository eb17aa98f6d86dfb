package engine

import (
	"fmt"
	"time"

	"github.com/shaiso/Preingest/internal/domain"
)

// PlanUndo планирует откат успешных tasks поддерева узла i.
//
// Для каждого затронутого шага создаётся попытка с причиной undo.
// Каждый успешный актуальный task получает task отката на той же
// позиции (CloneForUndo). Вложенные шаги откатываются целиком.
// Шаг с такой попыткой выполняет tasks отката от последней позиции
// к первой.
//
// Выбор по умолчанию берёт всех детей, которым есть что откатывать.
// Явно выбранная позиция без успешных tasks — ErrInvalidSelection.
// ErrNothingToUndo означает, что откатывать нечего.
func (t *Tree) PlanUndo(i int, sel domain.Selection, now time.Time) (*AttemptPlan, error) {
	if i < 0 || i >= len(t.Nodes) {
		return nil, ErrNodeNotFound
	}

	if err := t.checkSelection(i, sel); err != nil {
		return nil, err
	}

	n := &t.Nodes[i]
	for _, pos := range sel.Positions {
		if !t.undoable(n.Children[pos]) {
			return nil, fmt.Errorf("%w: position %d has nothing to undo", ErrInvalidSelection, pos)
		}
	}

	plan := &AttemptPlan{}
	if !t.undoNode(plan, i, sel, now) {
		return nil, fmt.Errorf("%w: step %s", ErrNothingToUndo, n.Step.ID)
	}

	plan.Attempt = plan.Batches[0].Attempt
	return plan, nil
}

// undoable проверяет, есть ли у ребёнка успешные tasks, которые
// ещё не откачены.
func (t *Tree) undoable(c Child) bool {
	if !c.IsStep() {
		return c.Task.Status == domain.StatusSuccess && !c.Task.Undo
	}
	for _, gc := range t.Nodes[c.Node].Children {
		if t.undoable(gc) {
			return true
		}
	}
	return false
}

func (t *Tree) undoNode(plan *AttemptPlan, i int, sel domain.Selection, now time.Time) bool {
	batchIdx := t.openBatch(plan, i, domain.AttemptReasonUndo, now)
	attemptID := plan.Batches[batchIdx].Attempt.ID

	touched := false
	for _, c := range t.Nodes[i].Children {
		if sel.IsDefault() && !t.undoable(c) || !sel.IsDefault() && !sel.Contains(c.Position) {
			continue
		}

		if c.IsStep() {
			if t.undoNode(plan, c.Node, domain.Selection{}, now) {
				touched = true
			}
			continue
		}

		plan.Batches[batchIdx].Tasks = append(plan.Batches[batchIdx].Tasks, c.Task.CloneForUndo(attemptID, now))
		touched = true
	}

	if !touched {
		plan.Batches = plan.Batches[:batchIdx]
		return false
	}
	return true
}
