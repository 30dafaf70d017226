package httpapi

import "net/http"

func (h *Handler) listResources(w http.ResponseWriter, _ *http.Request) {
	resources, err := h.catalog.ListResources()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "resources_unavailable", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, ResourcesResponse{Resources: resources})
}
