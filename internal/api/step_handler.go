package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/repo"
)

// ListSteps возвращает корневые шаги со статусами.
// GET /api/v1/steps?active=...&limit=...&offset=...
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	filter := repo.StepFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	if activeStr := r.URL.Query().Get("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			BadRequest(w, "invalid active")
			return
		}
		filter.Active = &active
	}

	steps, err := h.orchestrator.ListSteps(r.Context(), filter)
	if handleError(r.Context(), w, err) {
		return
	}

	List(w, steps, len(steps))
}

// CreateStep создаёт шаг и, если попросили, сразу запускает его.
// POST /api/v1/steps
func (h *Handler) CreateStep(w http.ResponseWriter, r *http.Request) {
	var req CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	h.createStep(r.Context(), w, req.Spec(), req.Run)
}

// createStep общий для /steps и /pipelines/{name}/steps.
func (h *Handler) createStep(ctx context.Context, w http.ResponseWriter, spec domain.StepSpec, run bool) {
	stepID, err := h.orchestrator.CreateStepFromSpec(ctx, spec)
	if handleError(ctx, w, err) {
		return
	}

	resp := CreateStepResponse{StepID: stepID}
	if !run {
		Created(w, resp)
		return
	}

	result, err := h.orchestrator.RunStep(ctx, stepID)
	if err != nil && !errors.Is(err, orchestrator.ErrDeliveryFailed) {
		handleError(ctx, w, err)
		return
	}

	resp.Run = RunFromDispatch(result, err)
	if err != nil {
		Accepted(w, resp)
		return
	}
	Created(w, resp)
}

// GetStep возвращает отчёт о статусе шага.
// GET /api/v1/steps/{id}
func (h *Handler) GetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	report, err := h.orchestrator.GetStatus(r.Context(), id)
	if handleError(r.Context(), w, err) {
		return
	}

	Success(w, report)
}

// DeleteStep удаляет корневой шаг со всем деревом.
// DELETE /api/v1/steps/{id}
func (h *Handler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	if handleError(r.Context(), w, h.orchestrator.DeleteStep(r.Context(), id)) {
		return
	}

	NoContent(w)
}

// RunStep передаёт готовые tasks шага воркерам.
// POST /api/v1/steps/{id}/run
//
// Если брокер недоступен, отвечает 202: tasks остались PREPARED
// и будут доставлены повторно.
func (h *Handler) RunStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	result, err := h.orchestrator.RunStep(r.Context(), id)
	if err != nil && !errors.Is(err, orchestrator.ErrDeliveryFailed) {
		handleError(r.Context(), w, err)
		return
	}

	if err != nil {
		Accepted(w, RunFromDispatch(result, err))
		return
	}
	Success(w, RunFromDispatch(result, nil))
}

// RetryStep создаёт новую попытку шага.
// POST /api/v1/steps/{id}/retry
func (h *Handler) RetryStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	req, ok := decodePlanRequest(w, r)
	if !ok {
		return
	}

	retry, err := h.orchestrator.RetryStep(r.Context(), id, domain.Selection{Positions: req.Positions})
	if handleError(r.Context(), w, err) {
		return
	}

	run, ok := h.runPlanned(w, r, retry, req.Run)
	if !ok {
		return
	}
	respondPlanned(w, retry, run, RetryStepResponse{Retry: retry, Run: run})
}

// UndoStep создаёт попытку отката успешных tasks шага.
// Откат выполняется от последней позиции к первой.
// POST /api/v1/steps/{id}/undo
func (h *Handler) UndoStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	req, ok := decodePlanRequest(w, r)
	if !ok {
		return
	}

	undo, err := h.orchestrator.UndoStep(r.Context(), id, domain.Selection{Positions: req.Positions})
	if handleError(r.Context(), w, err) {
		return
	}

	run, ok := h.runPlanned(w, r, undo, req.Run)
	if !ok {
		return
	}
	respondPlanned(w, undo, run, UndoStepResponse{Undo: undo, Run: run})
}

// decodePlanRequest читает необязательное тело retry/undo.
func decodePlanRequest(w http.ResponseWriter, r *http.Request) (PlanStepRequest, bool) {
	var req PlanStepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return req, false
		}
	}
	return req, true
}

// runPlanned запускает шаг созданной попытки, если запрошен run.
// false — ответ с ошибкой уже отправлен.
func (h *Handler) runPlanned(w http.ResponseWriter, r *http.Request, plan *orchestrator.PlanResult, run bool) (*RunStepResponse, bool) {
	if !run || !plan.Created {
		return nil, true
	}

	result, err := h.orchestrator.RunStep(r.Context(), plan.Attempt.StepID)
	if err != nil && !errors.Is(err, orchestrator.ErrDeliveryFailed) {
		handleError(r.Context(), w, err)
		return nil, false
	}
	return RunFromDispatch(result, err), true
}

// respondPlanned: 202 при сбое доставки, 201 для новой попытки,
// иначе 200.
func respondPlanned(w http.ResponseWriter, plan *orchestrator.PlanResult, run *RunStepResponse, resp any) {
	switch {
	case run != nil && run.Error != "":
		Accepted(w, resp)
	case plan.Created:
		Created(w, resp)
	default:
		Success(w, resp)
	}
}

// CancelStep отменяет незавершённые tasks шага.
// POST /api/v1/steps/{id}/cancel
func (h *Handler) CancelStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	report, err := h.orchestrator.CancelStep(r.Context(), id)
	if handleError(r.Context(), w, err) {
		return
	}

	Success(w, report)
}

// ListStepTasks возвращает tasks шага.
// GET /api/v1/steps/{id}/tasks?attempt=...
func (h *Handler) ListStepTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	var attemptID *uuid.UUID
	if attemptStr := r.URL.Query().Get("attempt"); attemptStr != "" {
		parsed, err := uuid.Parse(attemptStr)
		if err != nil {
			BadRequest(w, "invalid attempt id")
			return
		}
		attemptID = &parsed
	}

	tasks, err := h.orchestrator.ListTasks(r.Context(), id, attemptID)
	if handleError(r.Context(), w, err) {
		return
	}

	List(w, tasks, len(tasks))
}

// ListStepAttempts возвращает попытки шага от старой к новой.
// GET /api/v1/steps/{id}/attempts
func (h *Handler) ListStepAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}

	attempts, err := h.orchestrator.ListAttempts(r.Context(), id)
	if handleError(r.Context(), w, err) {
		return
	}

	List(w, attempts, len(attempts))
}

// PurgeAttempt удаляет вытесненную попытку и её tasks.
// DELETE /api/v1/steps/{id}/attempts/{attempt}
func (h *Handler) PurgeAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid step id")
	if !ok {
		return
	}
	attemptID, ok := pathUUID(w, r, "attempt", "invalid attempt id")
	if !ok {
		return
	}

	if handleError(r.Context(), w, h.orchestrator.PurgeAttempt(r.Context(), id, attemptID)) {
		return
	}

	NoContent(w)
}

// pathUUID парсит UUID из пути. При ошибке сам отвечает 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, message)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt парсит неотрицательное целое из query.
func queryInt(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
