package api

import (
	"encoding/json"
	"net/http"
)

// ListPipelines возвращает pipelines из каталога.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.List()

	result := make([]PipelineResponse, len(defs))
	for i, d := range defs {
		result[i] = PipelineFromDefinition(d)
	}

	List(w, result, len(result))
}

// StartPipeline создаёт шаг из pipeline с заданными входами.
// POST /api/v1/pipelines/{name}/steps
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Get(r.PathValue("name"))
	if handleError(r.Context(), w, err) {
		return
	}

	var req StartPipelineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	spec, err := def.Instantiate(req.Inputs)
	if handleError(r.Context(), w, err) {
		return
	}

	h.createStep(r.Context(), w, spec, req.Run)
}
