package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/pipeline"
	"github.com/shaiso/Preingest/internal/repo"
	"github.com/shaiso/Preingest/internal/telemetry"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ 202: запрос принят, но выполнен не полностью.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку оркестратора, каталога или
// репозитория в HTTP ответ. Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	var validationErr *engine.ValidationError

	switch {
	case errors.Is(err, orchestrator.ErrStepNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrAttemptNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, repo.ErrNotFound):
		NotFound(w, err.Error())

	case errors.Is(err, orchestrator.ErrStepBusy),
		errors.Is(err, orchestrator.ErrAttemptInUse),
		errors.Is(err, orchestrator.ErrTaskSuperseded),
		errors.Is(err, repo.ErrAlreadyExists):
		Conflict(w, err.Error())

	case errors.Is(err, orchestrator.ErrNotRoot):
		InvalidState(w, err.Error())

	case errors.As(err, &validationErr),
		errors.Is(err, engine.ErrInvalidSelection),
		errors.Is(err, orchestrator.ErrInvalidReport),
		errors.Is(err, pipeline.ErrMissingInput),
		errors.Is(err, pipeline.ErrInvalidDefinition),
		errors.Is(err, engine.ErrTemplateRender),
		errors.Is(err, engine.ErrTemplateParse):
		BadRequest(w, err.Error())

	case errors.Is(err, orchestrator.ErrOrchestratorStopped):
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())

	default:
		InternalError(w, logger, err)
	}

	return true
}

// handleError — HandleError с логгером запроса (см. Logging).
func handleError(ctx context.Context, w http.ResponseWriter, err error) bool {
	return HandleError(w, telemetry.FromContext(ctx), err)
}
