// Package ratelimit bounds request volume per key within a window that resets
// wholesale on expiry.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/metrics"
)

// Result describes one check against a surface budget.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Count      int
	ResetAt    time.Time
	RetryAfter int // seconds, set only when rejected
}

type Limiter struct {
	store   BucketStore
	rules   map[Surface]Rule
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) { l.log = logging.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store BucketStore, rules map[Surface]Rule, opts ...Option) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &Limiter{
		store: store,
		rules: rules,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the budget configured for surface.
func (l *Limiter) Rule(surface Surface) (Rule, bool) {
	r, ok := l.rules[surface]
	return r, ok
}

// Check records a hit for key on surface and reports whether it fits the budget.
func (l *Limiter) Check(ctx context.Context, surface Surface, key string) (Result, error) {
	rule, ok := l.rules[surface]
	if !ok {
		return Result{}, fmt.Errorf("rate limit: unknown surface %q", surface)
	}

	now := l.now()
	b, err := l.store.Hit(ctx, string(surface)+":"+key, rule.Window, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Limit:   rule.Max,
		Count:   b.Count,
		ResetAt: b.ResetAt,
	}
	if b.Count > rule.Max {
		res.RetryAfter = int(math.Ceil(b.ResetAt.Sub(now).Seconds()))
		l.metrics.RateLimitRejected(string(surface))
		l.log.Debug("rate limit exceeded",
			zap.String("surface", string(surface)),
			zap.String("key", key),
			zap.Int("count", b.Count),
			zap.Int("retry_after", res.RetryAfter),
		)
		return res, nil
	}

	res.Allowed = true
	res.Remaining = rule.Max - b.Count
	return res, nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
