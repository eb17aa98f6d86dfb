package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
)

// AttemptPlan — набор новых попыток для retry_step или undo_step.
type AttemptPlan struct {
	// Attempt — новая попытка шага, для которого вызвана операция.
	Attempt domain.Attempt

	// Batches — новые попытки всех затронутых шагов поддерева
	// (первой идёт попытка самого шага).
	Batches []domain.AttemptBatch
}

// TaskCount возвращает количество новых tasks.
func (p *AttemptPlan) TaskCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Tasks)
	}
	return n
}

// PlanRetry планирует повторное выполнение поддерева узла i.
//
// Выбор по умолчанию берёт всех неуспешных и откаченных детей. Явный
// выбор берёт указанные позиции, в том числе успешные. Для каждого
// затронутого шага создаётся новая попытка с новым ID; tasks выбранных
// позиций копируются в неё как PREPARED с исходными name, params и
// position. Вложенные шаги обрабатываются рекурсивно: неуспешный — по
// выбору по умолчанию, явно выбранный успешный — целиком.
//
// Если шаг откатывается и откат не завершён, выбор по умолчанию
// повторяет только неуспешные tasks отката. Откаченные tasks
// выполняются заново в прямом направлении.
//
// Существующие tasks не изменяются. ErrNothingToRetry означает, что
// по выбору по умолчанию повторять нечего.
func (t *Tree) PlanRetry(i int, sel domain.Selection, now time.Time) (*AttemptPlan, error) {
	if i < 0 || i >= len(t.Nodes) {
		return nil, ErrNodeNotFound
	}

	if err := t.checkSelection(i, sel); err != nil {
		return nil, err
	}

	plan := &AttemptPlan{}
	if !t.planNode(plan, i, sel, false, now) {
		return nil, fmt.Errorf("%w: step %s", ErrNothingToRetry, t.Nodes[i].Step.ID)
	}

	plan.Attempt = plan.Batches[0].Attempt
	return plan, nil
}

// checkSelection проверяет, что выбранные позиции существуют и не повторяются.
func (t *Tree) checkSelection(i int, sel domain.Selection) error {
	n := &t.Nodes[i]
	seen := make(map[int]bool, len(sel.Positions))

	for _, pos := range sel.Positions {
		if pos < 0 || pos >= len(n.Children) {
			return fmt.Errorf("%w: position %d out of range 0..%d", ErrInvalidSelection, pos, len(n.Children)-1)
		}
		if seen[pos] {
			return fmt.Errorf("%w: position %d selected twice", ErrInvalidSelection, pos)
		}
		seen[pos] = true
	}

	return nil
}

// openBatch добавляет в план пустую попытку узла и возвращает её индекс.
func (t *Tree) openBatch(plan *AttemptPlan, i int, reason domain.AttemptReason, now time.Time) int {
	n := &t.Nodes[i]
	plan.Batches = append(plan.Batches, domain.AttemptBatch{
		Attempt: domain.Attempt{
			ID:        uuid.New(),
			StepID:    n.Step.ID,
			Seq:       n.LatestAttempt().Seq + 1,
			Reason:    reason,
			CreatedAt: now,
		},
	})
	return len(plan.Batches) - 1
}

// planNode добавляет попытку узла в план. all=true — повторить всех детей.
// Возвращает false, если в узле нечего повторять.
func (t *Tree) planNode(plan *AttemptPlan, i int, sel domain.Selection, all bool, now time.Time) bool {
	if !all && sel.IsDefault() && t.Nodes[i].Undoing() && t.Status(i) != domain.StatusSuccess {
		return t.planUndoRetry(plan, i, now)
	}

	n := &t.Nodes[i]
	batchIdx := t.openBatch(plan, i, domain.AttemptReasonRetry, now)
	attemptID := plan.Batches[batchIdx].Attempt.ID

	touched := false
	for _, c := range n.Children {
		status := t.ChildStatus(c)
		undone := t.ChildUndone(c)

		explicit := !sel.IsDefault() && sel.Contains(c.Position)
		selected := all || explicit || (sel.IsDefault() && (status != domain.StatusSuccess || undone))
		if !selected {
			continue
		}

		if c.IsStep() {
			// Успешный вложенный шаг повторяется целиком.
			childAll := all || (status == domain.StatusSuccess && !undone)
			if t.planNode(plan, c.Node, domain.Selection{}, childAll, now) {
				touched = true
			}
			continue
		}

		plan.Batches[batchIdx].Tasks = append(plan.Batches[batchIdx].Tasks, c.Task.CloneForRedo(attemptID, now))
		touched = true
	}

	if !touched {
		plan.Batches = plan.Batches[:batchIdx]
		return false
	}

	return true
}

// planUndoRetry повторяет неуспешные tasks незавершённого отката.
// Новая попытка остаётся откатом.
func (t *Tree) planUndoRetry(plan *AttemptPlan, i int, now time.Time) bool {
	batchIdx := t.openBatch(plan, i, domain.AttemptReasonUndo, now)
	attemptID := plan.Batches[batchIdx].Attempt.ID

	touched := false
	for _, c := range t.active(i) {
		if t.ChildStatus(c) == domain.StatusSuccess {
			continue
		}
		if c.IsStep() {
			if t.planNode(plan, c.Node, domain.Selection{}, false, now) {
				touched = true
			}
			continue
		}
		plan.Batches[batchIdx].Tasks = append(plan.Batches[batchIdx].Tasks, c.Task.CloneForAttempt(attemptID, now))
		touched = true
	}

	if !touched {
		plan.Batches = plan.Batches[:batchIdx]
		return false
	}
	return true
}
