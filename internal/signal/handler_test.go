package signal

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestHandler_InitialState(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	require.NoError(t, h.Context().Err())
	assert.False(t, closed(h.Interrupted()))
	assert.False(t, closed(h.Forced()))
	assert.False(t, closed(h.Stopped()))
}

func TestHandler_FirstSignalCancelsWithCause(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	h.handleSignal(syscall.SIGINT)

	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	cause := context.Cause(h.Context())
	require.ErrorIs(t, cause, ErrInterrupted)
	assert.Contains(t, cause.Error(), "interrupt")
	assert.True(t, closed(h.Interrupted()))
	assert.False(t, closed(h.Forced()))
}

func TestHandler_SecondSignalForces(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	h.handleSignal(syscall.SIGTERM)
	h.handleSignal(syscall.SIGTERM)
	h.handleSignal(syscall.SIGTERM)

	assert.True(t, closed(h.Interrupted()))
	assert.True(t, closed(h.Forced()))
	assert.ErrorIs(t, context.Cause(h.Context()), ErrInterrupted)
}

func TestHandler_ListenDeliversRepeatedSignals(t *testing.T) {
	h := NewHandler(context.Background())
	defer h.Stop()

	h.sigChan <- syscall.SIGINT
	h.sigChan <- syscall.SIGINT

	select {
	case <-h.Forced():
	case <-time.After(5 * time.Second):
		t.Fatal("second signal was not delivered")
	}
	assert.True(t, closed(h.Interrupted()))
}

func TestHandler_Stop(t *testing.T) {
	h := NewHandler(context.Background())

	h.Stop()
	h.Stop()

	assert.True(t, closed(h.Stopped()))
	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(h.Context()), ErrInterrupted)
	assert.False(t, closed(h.Interrupted()))
}

func TestHandler_ParentCanceled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := NewHandler(parent)
	defer h.Stop()

	cancel()

	require.Error(t, h.Context().Err())
	assert.False(t, closed(h.Interrupted()))
}
