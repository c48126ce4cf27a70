package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"incident-dispatch-go/internal/models"
)

// GetVAPIDKeyHandler returns the public VAPID key
func (h *Handler) GetVAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": h.cfg.VAPIDPublicKey,
	})
}

// SubscribePushHandler saves a push subscription
func (h *Handler) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}
	sub := models.PushSubscription{UserID: user.ID, Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth}
	if !sub.Complete() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint and keys are required"})
		return
	}

	if err := h.cfg.Push.SavePushSubscription(r.Context(), sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth); err != nil {
		h.log.Error("failed to save subscription", zap.Int("user_id", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save subscription"})
		return
	}
	w.WriteHeader(http.StatusCreated)
}
