package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
)

// DefaultMaxDepth — максимальная глубина вложенности шагов по умолчанию.
const DefaultMaxDepth = 16

// Options — настройки валидации и материализации.
type Options struct {
	// MaxDepth — максимальная глубина вложенности (default: 16).
	MaxDepth int

	// Registry — реестр handler'ов. Проверяется только в strict режиме.
	Registry *Registry
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Validate выполняет полную валидацию StepSpec.
//
// Проверяет:
//   - наличие имени у шага и у каждого task;
//   - наличие детей (кроме явных контейнеров);
//   - глубину вложенности;
//   - известность handler'ов (только strict реестр).
func Validate(spec *domain.StepSpec, opts Options) error {
	if spec == nil {
		return NewValidationError("", "step", "step spec is nil", ErrEmptyStep)
	}
	return validateStep(spec, spec.Name, 1, opts)
}

// validateStep валидирует один шаг и рекурсивно его детей.
func validateStep(spec *domain.StepSpec, path string, depth int, opts Options) error {
	if spec.Name == "" {
		return NewValidationError(path, "name", "step has empty name", ErrEmptyName)
	}

	if depth > opts.maxDepth() {
		return NewValidationError(path, "step",
			fmt.Sprintf("nesting depth exceeds %d", opts.maxDepth()), ErrTooDeep)
	}

	if len(spec.Tasks) == 0 && !spec.Container {
		return NewValidationError(path, "tasks", "step has no tasks", ErrEmptyStep)
	}

	for pos, child := range spec.Tasks {
		childPath := path + "/" + strconv.Itoa(pos)

		if child.IsStep() {
			if err := validateStep(child.Step, childPath+"/"+child.Step.Name, depth+1, opts); err != nil {
				return err
			}
			continue
		}

		if child.Name == "" {
			return NewValidationError(childPath, "name", "task has empty name", ErrEmptyName)
		}

		if opts.Registry != nil && opts.Registry.Strict() {
			if err := opts.Registry.Check(child.Name, child.Params); err != nil {
				return NewValidationError(childPath+"/"+child.Name, "name", err.Error(), err)
			}
		}
	}

	return nil
}

// Materialize валидирует StepSpec и создаёт план нового дерева:
// шаги, по одной попытке создания на каждый шаг и PREPARED tasks.
//
// Позиции присваиваются по порядку детей: 0, 1, 2, ...
// Первый шаг плана — корень.
func Materialize(spec domain.StepSpec, opts Options, now time.Time) (*domain.Plan, error) {
	if err := Validate(&spec, opts); err != nil {
		return nil, err
	}

	plan := &domain.Plan{}
	materializeStep(plan, &spec, nil, uuid.Nil, 0, now)
	return plan, nil
}

// materializeStep добавляет шаг и его детей в план. Возвращает ID шага.
func materializeStep(plan *domain.Plan, spec *domain.StepSpec, parentID *uuid.UUID, rootID uuid.UUID, position int, now time.Time) uuid.UUID {
	stepID := uuid.New()
	if rootID == uuid.Nil {
		rootID = stepID
	}

	plan.Steps = append(plan.Steps, domain.Step{
		ID:        stepID,
		RootID:    rootID,
		ParentID:  parentID,
		Position:  position,
		Name:      spec.Name,
		Parallel:  spec.Parallel,
		Container: spec.Container,
		CreatedAt: now,
	})

	batch := domain.AttemptBatch{
		Attempt: domain.Attempt{
			ID:        uuid.New(),
			StepID:    stepID,
			Seq:       1,
			Reason:    domain.AttemptReasonCreate,
			CreatedAt: now,
		},
	}

	// Резервируем место под batch, чтобы попытки шли в том же порядке, что и шаги.
	batchIdx := len(plan.Batches)
	plan.Batches = append(plan.Batches, batch)

	for pos, child := range spec.Tasks {
		if child.IsStep() {
			parent := stepID
			materializeStep(plan, child.Step, &parent, rootID, pos, now)
			continue
		}

		plan.Batches[batchIdx].Tasks = append(plan.Batches[batchIdx].Tasks, domain.Task{
			ID:        uuid.New(),
			StepID:    stepID,
			AttemptID: batch.Attempt.ID,
			Name:      child.Name,
			Params:    child.Params,
			Position:  pos,
			Status:    domain.StatusPrepared,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	return stepID
}
