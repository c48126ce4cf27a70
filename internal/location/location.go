// Package location produces a best-effort device position by cascading
// through strategies of decreasing precision.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/logging"
)

type Source string

const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourceCached  Source = "cached"
	SourceIP      Source = "ip"
)

// Fix is one acquired location. Accuracy is in meters.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is a raw reading from the device positioning service.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// PositionEvent is one item of a continuous position stream.
type PositionEvent struct {
	Position Position
	Err      error
}

// Positioner is the device positioning service. Errors should carry
// apperr.PermissionDenied, apperr.Timeout or apperr.Unavailable.
type Positioner interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error)
	// WatchPosition streams readings until ctx ends, then closes the channel.
	WatchPosition(ctx context.Context, opts PositionOptions) <-chan PositionEvent
}

// Config holds the cascade timings.
type Config struct {
	HighAccuracyAttempts int
	HighAccuracyDelay    time.Duration
	HighAccuracyTimeout  time.Duration
	NetworkTimeout       time.Duration
	RelaxedTimeout       time.Duration
	RelaxedMaxAge        time.Duration
	IPTimeout            time.Duration
	IPAccuracy           float64
	FallbackDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		HighAccuracyAttempts: 3,
		HighAccuracyDelay:    time.Second,
		HighAccuracyTimeout:  20 * time.Second,
		NetworkTimeout:       10 * time.Second,
		RelaxedTimeout:       30 * time.Second,
		RelaxedMaxAge:        10 * time.Minute,
		IPTimeout:            5 * time.Second,
		IPAccuracy:           10000,
		FallbackDelay:        2 * time.Second,
	}
}

// Tier is a cascade level, from most to least precise.
type Tier int

const (
	TierHighAccuracy Tier = iota + 1
	TierNetwork
	TierRelaxed
	TierIP
)

func (t Tier) String() string {
	switch t {
	case TierHighAccuracy:
		return "high_accuracy"
	case TierNetwork:
		return "network"
	case TierRelaxed:
		return "network_relaxed"
	case TierIP:
		return "ip"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Options narrows a single GetLocation call.
type Options struct {
	// MaxTier stops the cascade after this tier. Zero runs every tier.
	MaxTier Tier
}

type Locator struct {
	pos Positioner
	ip  []IPProvider
	cfg Config
	now func() time.Time
	log *zap.Logger
}

type Option func(*Locator)

func WithConfig(cfg Config) Option {
	return func(l *Locator) { l.cfg = cfg }
}

func WithIPProviders(providers ...IPProvider) Option {
	return func(l *Locator) { l.ip = providers }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Locator) { l.log = logging.OrNop(log) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Locator) { l.now = now }
}

func NewLocator(pos Positioner, opts ...Option) *Locator {
	l := &Locator{
		pos: pos,
		ip:  DefaultIPProviders(nil),
		cfg: DefaultConfig(),
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetLocation runs the cascade until one tier yields a fix. When every tier
// fails the error carries apperr.Unavailable and each tier's cause.
func (l *Locator) GetLocation(ctx context.Context, opts Options) (Fix, error) {
	maxTier := opts.MaxTier
	if maxTier == 0 {
		maxTier = TierIP
	}

	var errs []error
	for tier := TierHighAccuracy; tier <= maxTier; tier++ {
		if err := ctx.Err(); err != nil {
			return Fix{}, err
		}
		fix, err := l.runTier(ctx, tier)
		if err == nil {
			l.log.Debug("location acquired",
				zap.Stringer("tier", tier),
				zap.String("source", string(fix.Source)),
				zap.Float64("accuracy", fix.Accuracy),
			)
			return fix, nil
		}
		l.log.Info("location strategy failed", zap.Stringer("tier", tier), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", tier, err))
	}
	return Fix{}, apperr.Wrap(apperr.Unavailable, "location unavailable", errors.Join(errs...))
}

func (l *Locator) runTier(ctx context.Context, tier Tier) (Fix, error) {
	switch tier {
	case TierHighAccuracy:
		return l.highAccuracy(ctx)
	case TierNetwork:
		return l.position(ctx, tier, PositionOptions{Timeout: l.cfg.NetworkTimeout})
	case TierRelaxed:
		return l.position(ctx, tier, PositionOptions{Timeout: l.cfg.RelaxedTimeout, MaximumAge: l.cfg.RelaxedMaxAge})
	case TierIP:
		return l.lookupIP(ctx)
	}
	return Fix{}, fmt.Errorf("unknown tier %d", tier)
}

func (l *Locator) highAccuracy(ctx context.Context) (Fix, error) {
	opts := PositionOptions{HighAccuracy: true, Timeout: l.cfg.HighAccuracyTimeout}
	attempts := max(l.cfg.HighAccuracyAttempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Fix{}, ctx.Err()
			case <-time.After(l.cfg.HighAccuracyDelay):
			}
		}
		var fix Fix
		fix, err = l.position(ctx, TierHighAccuracy, opts)
		if err == nil {
			return fix, nil
		}
		if apperr.Is(err, apperr.PermissionDenied) {
			return Fix{}, err
		}
	}
	return Fix{}, err
}

func (l *Locator) position(ctx context.Context, tier Tier, opts PositionOptions) (Fix, error) {
	start := l.now()
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	pos, err := l.pos.CurrentPosition(attemptCtx, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Fix{}, apperr.Wrap(apperr.Timeout, "position timed out", err)
		}
		return Fix{}, err
	}
	return l.fixFrom(tier, pos, start), nil
}

// fixFrom tags pos with the source of the tier that produced it. Only the
// relaxed tier may hand back a reading taken before the request started, and
// that reading is reported as cached.
func (l *Locator) fixFrom(tier Tier, pos Position, requested time.Time) Fix {
	src := SourceNetwork
	switch tier {
	case TierHighAccuracy:
		src = SourceGPS
	case TierRelaxed:
		if !pos.Timestamp.IsZero() && pos.Timestamp.Before(requested) {
			src = SourceCached
		}
	}
	ts := pos.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	return Fix{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Accuracy:  pos.Accuracy,
		Source:    src,
		Timestamp: ts,
	}
}

func (l *Locator) lookupIP(ctx context.Context) (Fix, error) {
	if len(l.ip) == 0 {
		return Fix{}, apperr.New(apperr.Unavailable, "no ip lookup providers configured")
	}

	var errs []error
	for _, p := range l.ip {
		lookupCtx, cancel := context.WithTimeout(ctx, l.cfg.IPTimeout)
		lat, lon, err := p.Lookup(lookupCtx)
		cancel()
		if err == nil {
			return Fix{
				Latitude:  lat,
				Longitude: lon,
				Accuracy:  l.cfg.IPAccuracy,
				Source:    SourceIP,
				Timestamp: l.now(),
			}, nil
		}
		if ctx.Err() != nil {
			return Fix{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Fix{}, errors.Join(errs...)
}

type Hint string

const (
	HintPermission  Hint = "permission"
	HintTimeout     Hint = "timeout"
	HintUnavailable Hint = "unavailable"
)

// HintFor picks the failure class the user should be told about so the
// caller can offer manual map selection with a useful message.
func HintFor(err error) Hint {
	switch {
	case apperr.Is(err, apperr.PermissionDenied):
		return HintPermission
	case apperr.Is(err, apperr.Timeout):
		return HintTimeout
	default:
		return HintUnavailable
	}
}

// Message is the user-facing text for h.
func (h Hint) Message() string {
	switch h {
	case HintPermission:
		return "Location access is blocked. Allow location access or pick the incident location on the map."
	case HintTimeout:
		return "Finding your location is taking too long. Pick the incident location on the map."
	default:
		return "Your location could not be determined. Pick the incident location on the map."
	}
}
