package engine

import (
	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
)

// Dispatchable возвращает актуальные PREPARED tasks поддерева,
// которые можно передать воркерам прямо сейчас.
//
// Sequential шаг: дети обходятся по позициям, успешные пропускаются,
// решает первый неуспешный. PREPARED task отдаётся, вложенный шаг
// обходится рекурсивно, всё остальное (в работе, FAILURE, CANCELLED)
// останавливает шаг.
//
// Parallel шаг: отдаются все PREPARED tasks и рекурсивно все
// незавершённые вложенные шаги.
//
// Шаг в режиме отката обходит только детей отката, от последней
// позиции к первой.
func (t *Tree) Dispatchable(i int) []*domain.Task {
	children := t.active(i)

	if t.Nodes[i].Step.Parallel {
		var out []*domain.Task
		for _, c := range children {
			if c.IsStep() {
				if !t.Status(c.Node).IsTerminal() {
					out = append(out, t.Dispatchable(c.Node)...)
				}
				continue
			}
			if c.Task.Status == domain.StatusPrepared {
				out = append(out, c.Task)
			}
		}
		return out
	}

	for _, c := range children {
		status := t.ChildStatus(c)
		if status == domain.StatusSuccess {
			continue
		}

		if c.IsStep() {
			if status.IsTerminal() {
				return nil
			}
			return t.Dispatchable(c.Node)
		}

		if status == domain.StatusPrepared {
			return []*domain.Task{c.Task}
		}
		return nil
	}

	return nil
}

// DispatchableIn возвращает готовые tasks дерева, лежащие в поддереве
// узла i. Вложенный шаг не запускается раньше, чем до него дойдёт
// очередь в sequential предках.
func (t *Tree) DispatchableIn(i int) []*domain.Task {
	ready := t.Dispatchable(0)
	if i == 0 {
		return ready
	}

	within := make(map[uuid.UUID]bool)
	for _, n := range t.Subtree(i) {
		within[t.Nodes[n].Step.ID] = true
	}

	var out []*domain.Task
	for _, task := range ready {
		if within[task.StepID] {
			out = append(out, task)
		}
	}
	return out
}
