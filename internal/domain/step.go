package domain

import (
	"time"

	"github.com/google/uuid"
)

// Step — именованная группа упорядоченных детей.
//
// Детьми шага являются tasks и вложенные шаги, они делят одно
// пространство позиций. Sequential шаг выполняет детей по порядку
// позиций, parallel шаг — все одновременно.
//
// Статус шага не хранится: он вычисляется из статусов детей.
type Step struct {
	// ID — уникальный идентификатор шага.
	ID uuid.UUID `json:"id"`

	// RootID — корневой шаг дерева (равен ID для корня).
	RootID uuid.UUID `json:"root_id"`

	// ParentID — родительский шаг (nil для корня).
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// Position — позиция в родительском шаге (0 для корня).
	Position int `json:"position"`

	// Name — имя шага.
	Name string `json:"name"`

	// Parallel — дети выполняются одновременно.
	Parallel bool `json:"parallel"`

	// Container — явно пустой шаг-контейнер.
	Container bool `json:"container,omitempty"`

	// Active — дерево запущено через run_step и продвигается
	// dispatcher'ом. Хранится только у корня.
	Active bool `json:"active"`

	// CreatedAt — время создания шага.
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot возвращает true для корневого шага.
func (s *Step) IsRoot() bool {
	return s.ParentID == nil
}

// AttemptReason — причина создания попытки.
type AttemptReason string

const (
	// AttemptReasonCreate — попытка создания шага.
	AttemptReasonCreate AttemptReason = "create"

	// AttemptReasonRetry — попытка повторного выполнения.
	AttemptReasonRetry AttemptReason = "retry"

	// AttemptReasonUndo — попытка отката успешных tasks.
	AttemptReasonUndo AttemptReason = "undo"
)

// Attempt — запись Attempt Tracker'а.
//
// Каждая попытка шага получает новый идентификатор, который никогда не
// переиспользуется. Seq монотонно растёт в рамках шага: 1 для попытки
// создания, +1 для каждого retry или undo. Актуальный task на позиции —
// из попытки с наибольшим Seq, содержащей эту позицию.
type Attempt struct {
	// ID — идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// StepID — шаг, к которому относится попытка.
	StepID uuid.UUID `json:"step_id"`

	// Seq — порядковый номер попытки в шаге (начиная с 1).
	Seq int `json:"seq"`

	// Reason — create, retry или undo.
	Reason AttemptReason `json:"reason"`

	// CreatedAt — время создания попытки.
	CreatedAt time.Time `json:"created_at"`
}

// AttemptBatch — новая попытка шага вместе с её tasks.
// Создаётся атомарно: либо вся пачка, либо ничего.
type AttemptBatch struct {
	Attempt Attempt
	Tasks   []Task
}

// Plan — результат материализации StepSpec: шаги, попытки и tasks
// нового дерева (или поддерева).
type Plan struct {
	Steps   []Step
	Batches []AttemptBatch
}

// RootID возвращает ID корневого шага плана.
func (p *Plan) RootID() uuid.UUID {
	if len(p.Steps) == 0 {
		return uuid.Nil
	}
	return p.Steps[0].ID
}

// TaskCount возвращает общее количество tasks в плане.
func (p *Plan) TaskCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Tasks)
	}
	return n
}

// Snapshot — все строки одного дерева шагов, загруженные из хранилища.
type Snapshot struct {
	Steps    []Step
	Attempts []Attempt
	Tasks    []Task
}
