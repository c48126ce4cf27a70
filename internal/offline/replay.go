package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
)

// Replayer sends queued entries using the same HTTP contract as the live UI.
type Replayer interface {
	ReplayOperation(ctx context.Context, op models.QueuedOperation) error
	ReplayStatus(ctx context.Context, u models.QueuedStatusUpdate) error
}

// HTTPReplayer replays against a base URL with JSON bodies.
type HTTPReplayer struct {
	client  *http.Client
	baseURL string

	// Decorate, when set, is applied to each request before it is sent
	// (auth headers, device ids).
	Decorate func(*http.Request)
}

func NewHTTPReplayer(baseURL string, client *http.Client) *HTTPReplayer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPReplayer{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *HTTPReplayer) ReplayOperation(ctx context.Context, op models.QueuedOperation) error {
	method := op.Method
	if method == "" {
		method = http.MethodPost
	}
	return r.send(ctx, method, op.Endpoint, op.Payload)
}

func (r *HTTPReplayer) ReplayStatus(ctx context.Context, u models.QueuedStatusUpdate) error {
	body, err := json.Marshal(map[string]string{"status": string(u.Status)})
	if err != nil {
		return apperr.Wrap(apperr.Validation, "encode status update", err)
	}
	endpoint := "/api/dispatches/" + url.PathEscape(u.DispatchID) + "/status"
	return r.send(ctx, http.MethodPatch, endpoint, body)
}

func (r *HTTPReplayer) send(ctx context.Context, method, endpoint string, body []byte) error {
	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		target = r.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Validation, "build replay request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Decorate != nil {
		r.Decorate(req)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.Timeout, "replay timed out", err)
		}
		return apperr.Wrap(apperr.TransientNetwork, "replay request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps a response status to nil, a retryable error, or a
// terminal validation error.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return apperr.New(apperr.TransientNetwork, fmt.Sprintf("server responded %d", code))
	case code == http.StatusUnauthorized:
		// The entry is fine; the session needs renewing.
		return apperr.New(apperr.PermissionDenied, "session expired")
	default:
		return apperr.New(apperr.Validation, fmt.Sprintf("server rejected request with %d", code))
	}
}

// Retryable reports whether a replay failure should consume retry budget
// rather than drop the entry at once. Unclassified errors are retried.
func Retryable(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.Validation, apperr.Forbidden, apperr.NotFound, apperr.InvalidTransition:
		return false
	default:
		return true
	}
}
