package location

import (
	"context"

	"incident-dispatch-go/internal/apperr"
)

// StaticPositioner reports a fixed reading, such as one typed in by an
// operator or read from an external receiver. A nil Reading behaves like a
// device without positioning hardware.
type StaticPositioner struct {
	Reading *Position
}

func (s StaticPositioner) CurrentPosition(ctx context.Context, _ PositionOptions) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	if s.Reading == nil {
		return Position{}, apperr.New(apperr.Unavailable, "no positioning device")
	}
	return *s.Reading, nil
}

func (s StaticPositioner) WatchPosition(ctx context.Context, opts PositionOptions) <-chan PositionEvent {
	ch := make(chan PositionEvent, 1)
	pos, err := s.CurrentPosition(ctx, opts)
	ch <- PositionEvent{Position: pos, Err: err}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
