package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// GetTask возвращает task с шагом, попыткой и полным текстом ошибки.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid task id")
	if !ok {
		return
	}

	detail, err := h.orchestrator.GetTask(r.Context(), id)
	if handleError(r.Context(), w, err) {
		return
	}

	Success(w, detail)
}

// RetryTask повторяет один task в новой попытке его шага.
// Успешный или откаченный task выполняется заново.
// POST /api/v1/tasks/{id}/retry
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.orchestrator.RetryTask, func(plan *orchestrator.PlanResult, run *RunStepResponse) any {
		return RetryStepResponse{Retry: plan, Run: run}
	})
}

// UndoTask откатывает один успешный task.
// POST /api/v1/tasks/{id}/undo
func (h *Handler) UndoTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.orchestrator.UndoTask, func(plan *orchestrator.PlanResult, run *RunStepResponse) any {
		return UndoStepResponse{Undo: plan, Run: run}
	})
}

// taskAction — общий путь retry/undo одного task.
func (h *Handler) taskAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, taskID uuid.UUID) (*orchestrator.PlanResult, error),
	respond func(*orchestrator.PlanResult, *RunStepResponse) any,
) {
	id, ok := pathUUID(w, r, "id", "invalid task id")
	if !ok {
		return
	}

	var req TaskActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	plan, err := action(r.Context(), id)
	if handleError(r.Context(), w, err) {
		return
	}

	run, ok := h.runPlanned(w, r, plan, req.Run)
	if !ok {
		return
	}
	respondPlanned(w, plan, run, respond(plan, run))
}
