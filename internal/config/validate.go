package config

import (
	"net"
	"time"

	"github.com/mrz1836/buildfarm/internal/errors"
)

// Validate checks cfg and returns the first problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.ErrConfigNil
	}
	if err := validateBackend(&cfg.Backend); err != nil {
		return err
	}
	if err := cfg.Resources.Validate(); err != nil {
		return errors.Wrapf(errors.ErrConfigInvalidResources, "%v", err)
	}
	if cfg.Resources.Timeout <= 0 {
		return errors.Wrapf(errors.ErrConfigInvalidResources,
			"resources.timeout must be positive, got %s", cfg.Resources.Timeout)
	}
	if err := validateDispatch(&cfg.Dispatch); err != nil {
		return err
	}
	if err := validateArtifacts(&cfg.Artifacts); err != nil {
		return err
	}
	if cfg.Farm.BuildHistory < 1 {
		return errors.Wrapf(errors.ErrConfigInvalidHistory,
			"farm.build_history must be at least 1, got %d", cfg.Farm.BuildHistory)
	}
	if cfg.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			return errors.Wrapf(errors.ErrConfigInvalidBackend,
				"server.listen %q: %v", cfg.Server.Listen, err)
		}
	}
	return nil
}

func validateBackend(cfg *BackendConfig) error {
	switch cfg.Kind {
	case BackendKubernetes:
		if cfg.Namespace == "" {
			return errors.Wrap(errors.ErrConfigInvalidBackend, "backend.namespace must not be empty")
		}
	case BackendLocal:
	default:
		return errors.Wrapf(errors.ErrConfigInvalidBackend,
			"backend.kind must be %q or %q, got %q", BackendKubernetes, BackendLocal, cfg.Kind)
	}
	if cfg.TTLAfterFinished < 0 {
		return errors.Wrapf(errors.ErrConfigInvalidBackend,
			"backend.ttl_after_finished cannot be negative, got %s", cfg.TTLAfterFinished)
	}
	return nil
}

func validateDispatch(cfg *DispatchConfig) error {
	if cfg.Workers < 1 || cfg.Workers > 1024 {
		return errors.Wrapf(errors.ErrConfigInvalidDispatch,
			"dispatch.workers must be between 1 and 1024, got %d", cfg.Workers)
	}

	minPollInterval := 100 * time.Millisecond
	maxPollInterval := 10 * time.Minute
	if cfg.PollInterval < minPollInterval || cfg.PollInterval > maxPollInterval {
		return errors.Wrapf(errors.ErrConfigInvalidDispatch,
			"dispatch.poll_interval must be between %s and %s, got %s",
			minPollInterval, maxPollInterval, cfg.PollInterval)
	}
	if cfg.MaxAttempts < 1 {
		return errors.Wrapf(errors.ErrConfigInvalidDispatch,
			"dispatch.max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		return errors.Wrapf(errors.ErrConfigInvalidDispatch,
			"dispatch backoff must satisfy 0 < initial_backoff <= max_backoff, got %s and %s",
			cfg.InitialBackoff, cfg.MaxBackoff)
	}
	return nil
}

func validateArtifacts(cfg *ArtifactsConfig) error {
	if cfg.OutputDir == "" {
		return errors.Wrap(errors.ErrConfigInvalidArtifacts, "artifacts.output_dir must not be empty")
	}
	if cfg.LockTimeout <= 0 {
		return errors.Wrapf(errors.ErrConfigInvalidArtifacts,
			"artifacts.lock_timeout must be positive, got %s", cfg.LockTimeout)
	}
	if cfg.Publish && !cfg.Store.Enabled() {
		return errors.Wrap(errors.ErrConfigInvalidArtifacts,
			"artifacts.publish requires artifacts.store.endpoint")
	}
	if cfg.Store.Enabled() && cfg.Store.Bucket == "" {
		return errors.Wrap(errors.ErrConfigInvalidArtifacts, "artifacts.store.bucket must not be empty")
	}
	return nil
}
