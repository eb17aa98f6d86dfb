package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// SubmitReport принимает отчёт воркера по HTTP.
// POST /api/v1/reports
//
// Путь для воркеров без доступа к брокеру; семантика та же,
// что у очереди tasks.reports.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var report orchestrator.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if handleError(r.Context(), w, h.orchestrator.Report(r.Context(), report)) {
		return
	}

	NoContent(w)
}
