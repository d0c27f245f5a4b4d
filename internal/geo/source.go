package geo

import (
	"context"
	"errors"
	"time"

	"geoattend/internal/apperr"
)

// DefaultAcquireTimeout bounds how long a location sample may take.
const DefaultAcquireTimeout = 10 * time.Second

// ErrPermissionDenied is returned by sources when the user refused location access.
var ErrPermissionDenied = errors.New("location permission denied")

// Source supplies position samples on demand.
type Source interface {
	Current(ctx context.Context) (Position, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Position, error)

func (f SourceFunc) Current(ctx context.Context) (Position, error) { return f(ctx) }

// Static is a Source that always returns the same sample, as posted by a client.
type Static Position

func (s Static) Current(context.Context) (Position, error) { return Position(s), nil }

// Acquire reads the latest sample from src, giving up after timeout. Every failure is
// reported as LocationUnavailable.
func Acquire(ctx context.Context, src Source, timeout time.Duration) (Position, error) {
	if src == nil {
		return Position{}, apperr.New(apperr.LocationUnavailable, "no location source")
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type sample struct {
		pos Position
		err error
	}
	ch := make(chan sample, 1)
	go func() {
		pos, err := src.Current(ctx)
		ch <- sample{pos, err}
	}()

	select {
	case <-ctx.Done():
		return Position{}, apperr.Wrap(apperr.LocationUnavailable, "timed out acquiring location", ctx.Err())
	case s := <-ch:
		if s.err != nil {
			if errors.Is(s.err, ErrPermissionDenied) {
				return Position{}, apperr.Wrap(apperr.LocationUnavailable, "location permission denied", s.err)
			}
			return Position{}, apperr.Wrap(apperr.LocationUnavailable, "location source failed", s.err)
		}
		if !s.pos.Valid() {
			return Position{}, apperr.New(apperr.LocationUnavailable, "location sample is missing or out of range")
		}
		return s.pos, nil
	}
}
