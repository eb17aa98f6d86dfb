package api

import (
	"github.com/google/uuid"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/pipeline"
)

// Step DTOs

// CreateStepRequest — запрос на создание шага.
type CreateStepRequest struct {
	Name      string            `json:"name"`
	Parallel  bool              `json:"parallel,omitempty"`
	Container bool              `json:"container,omitempty"`
	Tasks     []domain.TaskSpec `json:"tasks"`

	// Run — сразу запустить шаг.
	Run bool `json:"run,omitempty"`
}

// Spec конвертирует запрос в domain.StepSpec.
func (r CreateStepRequest) Spec() domain.StepSpec {
	return domain.StepSpec{
		Name:      r.Name,
		Parallel:  r.Parallel,
		Container: r.Container,
		Tasks:     r.Tasks,
	}
}

// CreateStepResponse — ответ на создание шага.
type CreateStepResponse struct {
	StepID uuid.UUID        `json:"step_id"`
	Run    *RunStepResponse `json:"run,omitempty"`
}

// RunStepResponse — итог запуска: что передано воркерам.
type RunStepResponse struct {
	Submitted   []uuid.UUID `json:"submitted"`
	Failed      []uuid.UUID `json:"failed,omitempty"`
	Undelivered []uuid.UUID `json:"undelivered,omitempty"`
	Aborted     []uuid.UUID `json:"aborted,omitempty"`

	// Error — ошибка доставки; tasks остались PREPARED.
	Error string `json:"error,omitempty"`
}

// RunFromDispatch конвертирует результат dispatch в ответ.
func RunFromDispatch(res *orchestrator.DispatchResult, err error) *RunStepResponse {
	resp := &RunStepResponse{Submitted: []uuid.UUID{}}
	if res != nil {
		if res.Submitted != nil {
			resp.Submitted = res.Submitted
		}
		resp.Failed = res.Failed
		resp.Undelivered = res.Undelivered
		resp.Aborted = res.Aborted
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// PlanStepRequest — запрос retry или undo шага.
// Пустой Positions — выбор по умолчанию: для retry неуспешные и
// откаченные дети, для undo все успешные.
type PlanStepRequest struct {
	Positions []int `json:"positions,omitempty"`

	// Run — сразу запустить шаг, если попытка создана.
	Run bool `json:"run,omitempty"`
}

// RetryStepResponse — ответ на повтор шага или task.
type RetryStepResponse struct {
	Retry *orchestrator.PlanResult `json:"retry"`
	Run   *RunStepResponse         `json:"run,omitempty"`
}

// UndoStepResponse — ответ на откат шага или task.
type UndoStepResponse struct {
	Undo *orchestrator.PlanResult `json:"undo"`
	Run  *RunStepResponse         `json:"run,omitempty"`
}

// Task DTOs

// TaskActionRequest — запрос retry или undo одного task.
type TaskActionRequest struct {
	Run bool `json:"run,omitempty"`
}

// Pipeline DTOs

// PipelineResponse — ответ с pipeline из каталога.
type PipelineResponse struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Inputs      []pipeline.Input `json:"inputs,omitempty"`
}

// PipelineFromDefinition конвертирует pipeline.Definition в PipelineResponse.
func PipelineFromDefinition(d pipeline.Definition) PipelineResponse {
	return PipelineResponse{
		Name:        d.Name,
		Description: d.Description,
		Inputs:      d.Inputs,
	}
}

// StartPipelineRequest — запрос на создание шага из pipeline.
type StartPipelineRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
	Run    bool           `json:"run,omitempty"`
}
