package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrz1836/buildfarm/internal/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty backend kind", func(c *Config) { c.Backend.Kind = "" }, errors.ErrConfigInvalidBackend},
		{"kube without namespace", func(c *Config) {
			c.Backend.Kind = BackendKubernetes
			c.Backend.Namespace = ""
		}, errors.ErrConfigInvalidBackend},
		{"negative ttl", func(c *Config) { c.Backend.TTLAfterFinished = -time.Second }, errors.ErrConfigInvalidBackend},
		{"bad cpu", func(c *Config) { c.Resources.CPU = "lots" }, errors.ErrConfigInvalidResources},
		{"zero timeout", func(c *Config) { c.Resources.Timeout = 0 }, errors.ErrConfigInvalidResources},
		{"no workers", func(c *Config) { c.Dispatch.Workers = 0 }, errors.ErrConfigInvalidDispatch},
		{"poll too fast", func(c *Config) { c.Dispatch.PollInterval = time.Millisecond }, errors.ErrConfigInvalidDispatch},
		{"no attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }, errors.ErrConfigInvalidDispatch},
		{"inverted backoff", func(c *Config) { c.Dispatch.MaxBackoff = time.Millisecond }, errors.ErrConfigInvalidDispatch},
		{"no output dir", func(c *Config) { c.Artifacts.OutputDir = "" }, errors.ErrConfigInvalidArtifacts},
		{"publish without store", func(c *Config) { c.Artifacts.Publish = true }, errors.ErrConfigInvalidArtifacts},
		{"store without bucket", func(c *Config) { c.Artifacts.Store.Endpoint = "minio:9000" }, errors.ErrConfigInvalidArtifacts},
		{"no history", func(c *Config) { c.Farm.BuildHistory = 0 }, errors.ErrConfigInvalidHistory},
		{"bad listen", func(c *Config) { c.Server.Listen = "8080" }, errors.ErrConfigInvalidBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorIs(t, Validate(cfg), tt.wantErr)
		})
	}

	require.ErrorIs(t, Validate(nil), errors.ErrConfigNil)
}
