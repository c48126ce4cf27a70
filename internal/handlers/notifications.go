package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
)

func (h *Handler) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	unread := r.URL.Query().Get("unread") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.cfg.Notify.List(r.Context(), user.ID, unread, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) UnreadCountHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	count, err := h.cfg.Notify.UnreadCount(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	if err := h.cfg.Notify.MarkAsRead(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkAllReadHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	n, err := h.cfg.Notify.MarkAllAsRead(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) GetPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	prefs, found, err := h.cfg.Preferences.GetPreferences(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		prefs = models.DefaultPreferences(user.ID)
	}
	writeJSON(w, http.StatusOK, prefs)
}

func validFrequency(f models.Frequency) bool {
	switch f {
	case models.FrequencyInstant, models.FrequencyHourly, models.FrequencyDaily:
		return true
	}
	return false
}

func validType(t models.NotificationType) bool {
	for _, known := range models.AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (h *Handler) SavePreferencesHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	var prefs models.NotificationPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.Validation, "invalid preferences body", err))
		return
	}
	prefs.UserID = user.ID
	if prefs.Frequency == "" {
		prefs.Frequency = models.FrequencyInstant
	}
	if !validFrequency(prefs.Frequency) {
		h.writeError(w, r, apperr.New(apperr.Validation, "unknown frequency"))
		return
	}
	for _, t := range prefs.EnabledTypes {
		if !validType(t) {
			h.writeError(w, r, apperr.New(apperr.Validation, "unknown notification type "+string(t)))
			return
		}
	}

	if err := h.cfg.Preferences.SavePreferences(r.Context(), prefs); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.Storage, "save preferences", err))
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
