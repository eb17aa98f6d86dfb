package orchestrator

import (
	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
)

// StatusReport — отчёт get_status: агрегированный статус шага,
// состояние каждого ребёнка и первый упавший task.
type StatusReport struct {
	StepID   uuid.UUID         `json:"step_id"`
	RootID   uuid.UUID         `json:"root_id"`
	ParentID *uuid.UUID        `json:"parent_id,omitempty"`
	Name     string            `json:"name"`
	Parallel bool              `json:"parallel"`
	Active   bool              `json:"active"`
	Status   domain.TaskStatus `json:"status"`

	// Undone — откат шага завершён успешно.
	Undone bool `json:"undone,omitempty"`

	// Attempt — последняя попытка шага.
	Attempt  domain.Attempt `json:"attempt"`
	Attempts int            `json:"attempts"`

	Progress Progress      `json:"progress"`
	Children []ChildReport `json:"children"`

	// FirstFailure — первый по позициям упавший task поддерева.
	FirstFailure *FailureReport `json:"first_failure,omitempty"`
}

// ChildReport — ребёнок шага: task или вложенный шаг.
type ChildReport struct {
	Position int               `json:"position"`
	Kind     string            `json:"kind"`
	Status   domain.TaskStatus `json:"status"`
	Undone   bool              `json:"undone,omitempty"`
	Task     *domain.Task      `json:"task,omitempty"`
	Step     *StatusReport     `json:"step,omitempty"`
}

// Виды детей.
const (
	ChildKindTask = "task"
	ChildKindStep = "step"
)

// FailureReport — что упало: handler, параметры и ошибка.
type FailureReport struct {
	TaskID    uuid.UUID      `json:"task_id"`
	StepID    uuid.UUID      `json:"step_id"`
	AttemptID uuid.UUID      `json:"attempt_id"`
	Position  int            `json:"position"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	Error     string         `json:"error"`
}

// Progress — счётчики актуальных tasks поддерева.
type Progress struct {
	Total     int `json:"total"`
	Prepared  int `json:"prepared"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// Percent — доля успешных tasks, 0..100.
	Percent int `json:"percent"`
}

// buildReport строит отчёт для узла i.
func buildReport(tree *engine.Tree, i int) *StatusReport {
	n := tree.Node(i)
	root := tree.Root()

	report := &StatusReport{
		StepID:   n.Step.ID,
		RootID:   n.Step.RootID,
		ParentID: n.Step.ParentID,
		Name:     n.Step.Name,
		Parallel: n.Step.Parallel,
		Active:   root.Step.Active,
		Status:   tree.Status(i),
		Undone:   tree.Undone(i),
		Attempt:  n.LatestAttempt(),
		Attempts: len(n.Attempts),
		Children: make([]ChildReport, 0, len(n.Children)),
	}

	for _, c := range n.Children {
		child := ChildReport{
			Position: c.Position,
			Status:   tree.ChildStatus(c),
			Undone:   tree.ChildUndone(c),
		}
		if c.IsStep() {
			child.Kind = ChildKindStep
			child.Step = buildReport(tree, c.Node)
		} else {
			child.Kind = ChildKindTask
			task := *c.Task
			child.Task = &task
		}
		report.Children = append(report.Children, child)
	}

	for _, task := range tree.EffectiveTasks(i) {
		report.Progress.add(task.Status)
	}
	report.Progress.Percent = report.Progress.percent(report.Status)

	if report.Status == domain.StatusFailure || report.Progress.Failed > 0 {
		if task := firstFailed(tree, i); task != nil {
			report.FirstFailure = &FailureReport{
				TaskID:    task.ID,
				StepID:    task.StepID,
				AttemptID: task.AttemptID,
				Position:  task.Position,
				Name:      task.Name,
				Params:    task.Params,
				Error:     task.Error,
			}
		}
	}

	return report
}

// firstFailed возвращает первый упавший task: сначала по правилам
// статуса шага, иначе первый FAILURE среди актуальных tasks
// (parallel шаг, у которого ещё есть tasks в работе).
func firstFailed(tree *engine.Tree, i int) *domain.Task {
	if task := tree.FirstFailure(i); task != nil {
		return task
	}
	for _, task := range tree.EffectiveTasks(i) {
		if task.Status == domain.StatusFailure {
			return task
		}
	}
	return nil
}

func (p *Progress) add(status domain.TaskStatus) {
	p.Total++
	switch {
	case status == domain.StatusPrepared:
		p.Prepared++
	case status.IsInFlight():
		p.InFlight++
	case status == domain.StatusSuccess:
		p.Succeeded++
	case status == domain.StatusFailure:
		p.Failed++
	case status == domain.StatusCancelled:
		p.Cancelled++
	}
}

// percent считает долю успешных tasks. Шаг без tasks выполнен
// полностью, если его статус SUCCESS.
func (p *Progress) percent(status domain.TaskStatus) int {
	if p.Total == 0 {
		if status == domain.StatusSuccess {
			return 100
		}
		return 0
	}
	return p.Succeeded * 100 / p.Total
}
