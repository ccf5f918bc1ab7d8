package resilience

import (
	"context"
	"time"
)

// WithTimeout runs fn, cancelling its context once d elapses. Grounded on
// the teacher's consistent context.WithTimeout-before-blocking-call idiom
// (e.g. clients/callback_client.go). fn must itself respect ctx cancellation
// for this to actually bound wall-clock time, matching the rest of the pack's
// cooperative-cancellation style rather than forcibly killing a goroutine.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}
