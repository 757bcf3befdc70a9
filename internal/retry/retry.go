// Package retry implements bounded exponential backoff for calls that can fail
// transiently, such as requests to the execution backend or the artifact store.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/constants"
)

// Config configures retry behavior for operations.
type Config struct {
	// MaxAttempts is the maximum number of attempts (default: 4).
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// InitialDelay is the initial delay between retries (default: 1s).
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	// MaxDelay is the maximum delay cap (default: 30s).
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// Multiplier is the delay multiplier per attempt (default: 2.0).
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultConfig returns the default retry configuration for backend calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  constants.MaxRetryAttempts,
		InitialDelay: constants.InitialBackoff,
		MaxDelay:     constants.MaxBackoff,
		Multiplier:   constants.BackoffMultiplier,
	}
}

// Operation defines the interface for operations that can be retried.
type Operation[R any] interface {
	// Attempt performs a single attempt and returns the result.
	// success indicates if the attempt succeeded.
	Attempt(ctx context.Context, attempt int) (result R, success bool, err error)

	// ShouldRetry returns true if the operation should be retried given the error.
	ShouldRetry(err error) bool

	// OnRetryWait is called before waiting for the next retry.
	OnRetryWait(attempt int, delay time.Duration)
}

// Execute runs an operation with retry logic based on the provided config.
// Returns the result, total attempts made, and any final error.
func Execute[R any](
	ctx context.Context,
	config Config,
	op Operation[R],
	logger zerolog.Logger,
) (result R, attempts int, finalErr error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		attempts = attempt

		res, success, err := op.Attempt(ctx, attempt)
		if success {
			return res, attempts, nil
		}

		result = res
		finalErr = err

		if !op.ShouldRetry(err) {
			break
		}

		if attempt < config.MaxAttempts {
			op.OnRetryWait(attempt, delay)
			logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying after transient failure")

			select {
			case <-ctx.Done():
				return result, attempts, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	return result, attempts, finalErr
}

// SimpleOperation provides a function-based Operation for common cases.
type SimpleOperation[R any] struct {
	AttemptFunc     func(ctx context.Context, attempt int) (R, bool, error)
	ShouldRetryFunc func(err error) bool
	OnRetryWaitFunc func(attempt int, delay time.Duration)
}

// Attempt implements Operation.
func (s *SimpleOperation[R]) Attempt(ctx context.Context, attempt int) (R, bool, error) {
	return s.AttemptFunc(ctx, attempt)
}

// ShouldRetry implements Operation.
func (s *SimpleOperation[R]) ShouldRetry(err error) bool {
	if s.ShouldRetryFunc == nil {
		return false
	}
	return s.ShouldRetryFunc(err)
}

// OnRetryWait implements Operation.
func (s *SimpleOperation[R]) OnRetryWait(attempt int, delay time.Duration) {
	if s.OnRetryWaitFunc != nil {
		s.OnRetryWaitFunc(attempt, delay)
	}
}

// Compile-time interface check.
var _ Operation[any] = (*SimpleOperation[any])(nil)

// Do calls fn until it succeeds, shouldRetry rejects the error, or attempts run out.
func Do[R any](
	ctx context.Context,
	config Config,
	logger zerolog.Logger,
	shouldRetry func(error) bool,
	fn func(ctx context.Context) (R, error),
) (R, int, error) {
	op := &SimpleOperation[R]{
		AttemptFunc: func(ctx context.Context, _ int) (R, bool, error) {
			res, err := fn(ctx)
			return res, err == nil, err
		},
		ShouldRetryFunc: shouldRetry,
	}
	return Execute[R](ctx, config, op, logger)
}
