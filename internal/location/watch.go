package location

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type watchState int

const (
	stateWatching watchState = iota
	stateFallingBack
)

type fallbackResult struct {
	fix Fix
	err error
}

// Watch streams high-accuracy fixes to onUpdate until ctx ends or the
// underlying stream closes. After an error it arms one fallback timer; if no
// fresh fix arrives before it fires, the full cascade runs once. A fresh fix
// cancels a pending timer, and a fix that arrives while the cascade is
// running supersedes the cascade's result.
//
// Callbacks run on the Watch goroutine.
func (l *Locator) Watch(ctx context.Context, onUpdate func(Fix), onError func(error)) error {
	events := l.pos.WatchPosition(ctx, PositionOptions{
		HighAccuracy: true,
		Timeout:      l.cfg.HighAccuracyTimeout,
	})

	var (
		state      = stateWatching
		timer      *time.Timer
		timerC     <-chan time.Time
		superseded bool
		results    = make(chan fallbackResult, 1)
	)

	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	finish := func() {
		disarm()
		if state == stateFallingBack {
			<-results
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				finish()
				return nil
			}
			if ev.Err != nil {
				onError(ev.Err)
				if state == stateWatching && timer == nil {
					timer = time.NewTimer(l.cfg.FallbackDelay)
					timerC = timer.C
				}
				continue
			}
			disarm()
			if state == stateFallingBack {
				superseded = true
			}
			onUpdate(l.fixFrom(TierHighAccuracy, ev.Position, time.Time{}))

		case <-timerC:
			timer, timerC = nil, nil
			state = stateFallingBack
			superseded = false
			l.log.Info("position watch failing back to cascade")
			go func() {
				fix, err := l.GetLocation(ctx, Options{})
				results <- fallbackResult{fix: fix, err: err}
			}()

		case res := <-results:
			state = stateWatching
			switch {
			case superseded:
				l.log.Debug("fallback fix superseded by live fix")
			case res.err != nil:
				if ctx.Err() == nil {
					onError(res.err)
				}
			default:
				onUpdate(res.fix)
			}
		}
	}
}

// WatchLogged is Watch with logging callbacks, for command-line use.
func (l *Locator) WatchLogged(ctx context.Context, onUpdate func(Fix)) error {
	return l.Watch(ctx, onUpdate, func(err error) {
		l.log.Warn("position watch error", zap.Error(err))
	})
}
