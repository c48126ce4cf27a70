package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/dispatch"
	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/metrics"
	"incident-dispatch-go/internal/models"
	"incident-dispatch-go/internal/notify"
	"incident-dispatch-go/internal/ratelimit"
)

type UserStore interface {
	GetUser(ctx context.Context, id int) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID int) (models.NotificationPreferences, bool, error)
	SavePreferences(ctx context.Context, p models.NotificationPreferences) error
}

type PushStore interface {
	SavePushSubscription(ctx context.Context, userID int, endpoint, p256dh, auth string) error
}

// EventStream delivers realtime payloads published on channels.
type EventStream interface {
	Stream(ctx context.Context, channels ...string) (<-chan []byte, error)
}

type Config struct {
	Users       UserStore
	Preferences PreferenceStore
	Push        PushStore
	Events      EventStream

	Notify   *notify.Service
	Dispatch *dispatch.Service
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Sessions sessions.Store

	VAPIDPublicKey string
	UploadDir      string
	Log            *zap.Logger
}

type Handler struct {
	cfg Config
	log *zap.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionStore("secret-key-change-in-production")
	}
	return &Handler{cfg: cfg, log: logging.OrNop(cfg.Log)}
}

// Router registers every route. Each surface carries its own rate limit.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Healthz)
	if h.cfg.Metrics != nil {
		r.Handle("/metrics", h.cfg.Metrics.Handler())
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(h.limit(ratelimit.SurfaceAuth))
		r.Post("/login", h.LoginHandler)
		r.Post("/logout", h.LogoutHandler)
	})

	r.Route("/api/public", func(r chi.Router) {
		r.Use(h.limit(ratelimit.SurfacePublicAPI))
		r.Get("/vapid-key", h.GetVAPIDKeyHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(h.limit(ratelimit.SurfaceAPI))

		r.Get("/events", h.SSEHandler)
		r.Get("/api/me", h.MeHandler)

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotificationsHandler)
			r.Get("/unread-count", h.UnreadCountHandler)
			r.Patch("/read-all", h.MarkAllReadHandler)
			r.Patch("/{id}/read", h.MarkReadHandler)
			r.Get("/preferences", h.GetPreferencesHandler)
			r.Put("/preferences", h.SavePreferencesHandler)
		})

		r.Post("/api/push/subscribe", h.SubscribePushHandler)

		r.Route("/api/dispatches", func(r chi.Router) {
			r.Post("/", h.AssignHandler)
			r.Patch("/{id}/status", h.UpdateStatusHandler)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(h.limit(ratelimit.SurfaceUpload))
		r.Post("/api/uploads", h.UploadHandler)
	})

	return r
}

func (h *Handler) limit(surface ratelimit.Surface) func(http.Handler) http.Handler {
	if h.cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.cfg.Limiter.Middleware(surface, h.Identity)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SSEHandler streams the caller's user channel, and their agency channel
// when they belong to one.
func (h *Handler) SSEHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok || h.cfg.Events == nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	channels := []string{notify.UserChannel(user.ID)}
	if user.AgencyID != 0 {
		channels = append(channels, notify.AgencyChannel(user.AgencyID))
	}

	events, err := h.cfg.Events.Stream(r.Context(), channels...)
	if err != nil {
		h.log.Error("failed to subscribe to events", zap.Int("user_id", user.ID), zap.Error(err))
		http.Error(w, "Failed to subscribe", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: %s\n\n", "connected")
	flusher.Flush()

	for {
		select {
		case payload, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.PermissionDenied, apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidTransition:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Gateway, apperr.TransientNetwork:
		return http.StatusBadGateway
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and a JSON body. Internal details of
// unclassified errors are logged, not returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}

	status := statusFor(ae.Code)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ae.RetryAfter.Seconds())))
	}
	writeJSON(w, status, map[string]string{"error": ae.Message, "code": string(ae.Code)})
}
