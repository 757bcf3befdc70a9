// Package signal turns SIGINT and SIGTERM into cancellation for long-running
// commands.
//
// The first signal cancels the command context with ErrInterrupted as the
// cause. In-flight jobs are then aborted and the run still aggregates its
// artifacts. A second signal closes Forced so the caller can give up on the
// cleanup and exit.
//
// Import rules:
//   - CAN import: std lib only
//   - MUST NOT import: internal packages (to avoid circular dependencies)
package signal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrInterrupted is the cancellation cause after a signal arrives.
var ErrInterrupted = errors.New("interrupted")

// Handler cancels its context on the first signal and reports a second one
// through Forced.
type Handler struct {
	ctx         context.Context //nolint:containedctx // handler owns the context lifecycle
	cancel      context.CancelCauseFunc
	interrupted chan struct{}
	forced      chan struct{}
	done        chan struct{}
	received    atomic.Int32
	stopOnce    sync.Once
	sigChan     chan os.Signal
}

// NewHandler starts listening for SIGINT and SIGTERM. Call Stop when the
// command returns.
//
//	h := signal.NewHandler(ctx)
//	defer h.Stop()
//	ctx = h.Context()
func NewHandler(parent context.Context) *Handler {
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handler{
		ctx:         ctx,
		cancel:      cancel,
		interrupted: make(chan struct{}),
		forced:      make(chan struct{}),
		done:        make(chan struct{}),
		// signal.Notify drops signals when the channel is full.
		sigChan: make(chan os.Signal, 1),
	}

	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM)
	go h.listen()

	return h
}

// Context returns the context canceled by the first signal.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted closes when the first signal arrives.
func (h *Handler) Interrupted() <-chan struct{} {
	return h.interrupted
}

// Forced closes when a second signal arrives.
func (h *Handler) Forced() <-chan struct{} {
	return h.forced
}

// Stopped closes when Stop is called.
func (h *Handler) Stopped() <-chan struct{} {
	return h.done
}

// Stop stops signal delivery and cancels the context. It is safe to call
// more than once.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done)
		h.cancel(context.Canceled)
	})
}

// handleSignal counts sig. Only the first and second signals have an effect.
func (h *Handler) handleSignal(sig os.Signal) {
	switch h.received.Add(1) {
	case 1:
		h.cancel(fmt.Errorf("%w by %s", ErrInterrupted, describe(sig)))
		close(h.interrupted)
	case 2:
		close(h.forced)
	}
}

// listen keeps draining signals after the context is canceled so the second
// one can be observed.
func (h *Handler) listen() {
	for {
		select {
		case <-h.done:
			return
		case sig := <-h.sigChan:
			h.handleSignal(sig)
		}
	}
}

func describe(sig os.Signal) string {
	if sig == nil {
		return "signal"
	}
	return sig.String()
}
