package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// IdentityFunc returns the authenticated user id for r, or "".
type IdentityFunc func(r *http.Request) string

// ClientKey derives the bucket key for a request: the user id when present,
// then the first X-Forwarded-For address, then the peer address.
func ClientKey(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the originating address of r, or "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

func (l *Limiter) keyFor(r *http.Request, rule Rule, identity IdentityFunc) string {
	switch rule.KeyBy {
	case KeyByGlobal:
		return "global"
	case KeyByUser:
		var userID string
		if identity != nil {
			userID = identity(r)
		}
		return ClientKey(r, userID)
	default:
		return ClientKey(r, "")
	}
}

// Middleware enforces the surface budget on every request. Store failures let
// the request through so a cache outage does not take the API down.
func (l *Limiter) Middleware(surface Surface, identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := l.rules[surface]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Check(r.Context(), surface, l.keyFor(r, rule, identity))
			if err != nil {
				l.log.Warn("rate limit store unavailable, allowing request",
					zap.String("surface", string(surface)),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			SetHeaders(w.Header(), res)
			if !res.Allowed {
				WriteRejection(w, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the standard rate-limit headers for res.
func SetHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
}

// WriteRejection writes the 429 body for a rejected request.
func WriteRejection(w http.ResponseWriter, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      "Too Many Requests",
		"message":    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", res.RetryAfter),
		"retryAfter": res.RetryAfter,
	})
}
