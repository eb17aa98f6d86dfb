package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Steps
	mux.Handle("GET /api/v1/steps", chain(http.HandlerFunc(h.ListSteps)))
	mux.Handle("POST /api/v1/steps", chain(http.HandlerFunc(h.CreateStep)))
	mux.Handle("GET /api/v1/steps/{id}", chain(http.HandlerFunc(h.GetStep)))
	mux.Handle("DELETE /api/v1/steps/{id}", chain(http.HandlerFunc(h.DeleteStep)))
	mux.Handle("POST /api/v1/steps/{id}/run", chain(http.HandlerFunc(h.RunStep)))
	mux.Handle("POST /api/v1/steps/{id}/retry", chain(http.HandlerFunc(h.RetryStep)))
	mux.Handle("POST /api/v1/steps/{id}/undo", chain(http.HandlerFunc(h.UndoStep)))
	mux.Handle("POST /api/v1/steps/{id}/cancel", chain(http.HandlerFunc(h.CancelStep)))
	mux.Handle("GET /api/v1/steps/{id}/tasks", chain(http.HandlerFunc(h.ListStepTasks)))

	// Tasks
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("POST /api/v1/tasks/{id}/retry", chain(http.HandlerFunc(h.RetryTask)))
	mux.Handle("POST /api/v1/tasks/{id}/undo", chain(http.HandlerFunc(h.UndoTask)))

	// Attempts
	mux.Handle("GET /api/v1/steps/{id}/attempts", chain(http.HandlerFunc(h.ListStepAttempts)))
	mux.Handle("DELETE /api/v1/steps/{id}/attempts/{attempt}", chain(http.HandlerFunc(h.PurgeAttempt)))

	// Pipelines
	mux.Handle("GET /api/v1/pipelines", chain(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("POST /api/v1/pipelines/{name}/steps", chain(http.HandlerFunc(h.StartPipeline)))

	// Reports
	mux.Handle("POST /api/v1/reports", chain(http.HandlerFunc(h.SubmitReport)))
}
