package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
)

func (h *Handler) AssignHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	var req struct {
		IncidentID  string `json:"incidentId"`
		ResponderID int    `json:"responderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.Validation, "invalid assignment body", err))
		return
	}

	a, err := h.cfg.Dispatch.Assign(r.Context(), user, req.IncidentID, req.ResponderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// UpdateStatusHandler is also the target of queued status replays, so
// resending the current status succeeds without side effects.
func (h *Handler) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	var req struct {
		Status models.DispatchStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.Validation, "invalid status body", err))
		return
	}

	a, err := h.cfg.Dispatch.UpdateStatus(r.Context(), user, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
