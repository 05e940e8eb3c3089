package ble

import (
	"context"
	"fmt"

	"github.com/insightiot/bleserverd/internal/groutine"
)

// call runs fn on a named goroutine (for pprof-labeled diagnostics, following
// internal/groutine's convention) and returns its error, or an error wrapping
// both ErrIOFailed and ErrTimeout if ctx is done first. The go-ble client calls this wraps are themselves
// unbounded -- this is the boundary spec.md §9 asks for ("Blocking I/O on the
// scheduler -> explicit timeouts").
//
// A timed-out fn is not canceled (go-ble has no per-call cancellation); its
// goroutine is abandoned and will complete in the background, writing to a
// buffered channel no one reads from again. This mirrors accepting a stuck
// peer as a lost cause rather than a leak the caller must clean up.
func call(ctx context.Context, name string, fn func() error) error {
	result := make(chan error, 1)
	groutine.Go(ctx, name, func(ctx context.Context) {
		result <- fn()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w: %s", ErrIOFailed, ErrTimeout, name)
	}
}

// callData is call's counterpart for operations that return a byte slice.
func callData(ctx context.Context, name string, fn func() ([]byte, error)) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	result := make(chan outcome, 1)
	groutine.Go(ctx, name, func(ctx context.Context) {
		data, err := fn()
		result <- outcome{data, err}
	})

	select {
	case o := <-result:
		return o.data, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w: %s", ErrIOFailed, ErrTimeout, name)
	}
}
