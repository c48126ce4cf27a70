package offline

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Connectivity is a source of online/offline transitions.
type Connectivity interface {
	// Watch emits the current state first and then every transition until
	// ctx ends, then closes the channel.
	Watch(ctx context.Context) <-chan bool
}

// RunOnReconnect syncs when the first reported state is online and again on
// every offline to online transition. It returns when the watch ends.
func (q *Queue) RunOnReconnect(ctx context.Context, conn Connectivity) {
	online, first := false, true
	for state := range conn.Watch(ctx) {
		if state && !online {
			trigger := "reconnect"
			if first {
				trigger = "startup"
			}
			q.syncLogged(ctx, trigger)
		}
		online, first = state, false
	}
}

func (q *Queue) syncLogged(ctx context.Context, trigger string) {
	report, err := q.Sync(ctx)
	if err != nil {
		q.log.Error("offline sync failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	q.log.Info("offline sync finished",
		zap.String("trigger", trigger),
		zap.Int("synced", report.Synced),
		zap.Int("retrying", report.Retrying),
		zap.Int("dropped", report.Dropped),
	)
}

// HTTPProbe decides connectivity by polling a health URL.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
}

func NewHTTPProbe(url string, interval time.Duration, client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HTTPProbe{url: url, interval: interval, client: client}
}

// Online reports whether the health URL answers below 500.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Watch polls every interval. The initial reading is emitted first, then
// only changes.
func (p *HTTPProbe) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last := p.Online(ctx)
		select {
		case ch <- last:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			state := p.Online(ctx)
			if state == last {
				continue
			}
			last = state
			select {
			case ch <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
