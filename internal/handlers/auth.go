package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/models"
)

const sessionName = "dispatch-session"

type ctxKey struct{}

// NewSessionStore returns the cookie store holding logged-in user ids.
func NewSessionStore(secret string) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// LoginHandler checks credentials and starts a session.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	user, err := h.cfg.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !user.CheckPassword(req.Password) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		return
	}

	session, _ := h.cfg.Sessions.Get(r, sessionName)
	session.Values["user_id"] = user.ID
	if err := session.Save(r, w); err != nil {
		h.log.Error("failed to save session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start session"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	session, _ := h.cfg.Sessions.Get(r, sessionName)
	delete(session.Values, "user_id")
	session.Options.MaxAge = -1
	session.Save(r, w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionUserID(r *http.Request) int {
	session, err := h.cfg.Sessions.Get(r, sessionName)
	if err != nil {
		return 0
	}
	id, _ := session.Values["user_id"].(int)
	return id
}

// AuthMiddleware loads the session user into the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := h.sessionUserID(r)
		if id == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		user, err := h.cfg.Users.GetUser(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// CurrentUser returns the user set by AuthMiddleware.
func CurrentUser(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(models.User)
	return u, ok
}

// Identity keys rate-limit buckets by the session user, if any.
func (h *Handler) Identity(r *http.Request) string {
	if u, ok := CurrentUser(r.Context()); ok {
		return strconv.Itoa(u.ID)
	}
	if id := h.sessionUserID(r); id != 0 {
		return strconv.Itoa(id)
	}
	return ""
}

func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	writeJSON(w, http.StatusOK, user)
}
