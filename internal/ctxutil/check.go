// Package ctxutil provides context helpers shared by the run pipeline.
package ctxutil

import "context"

// Canceled returns nil while ctx is live. Once ctx is done it returns the
// cancellation cause, so a run canceled because a newer run superseded it
// reports that rather than a bare context.Canceled.
func Canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return Cause(ctx)
}

// Cause returns why ctx ended, preferring the cause given to the cancel
// function over ctx.Err(). It returns nil for a live context.
func Cause(ctx context.Context) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}
