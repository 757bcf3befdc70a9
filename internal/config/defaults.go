package config

import (
	"time"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/job"
)

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:      BackendLocal,
			Namespace: "buildfarm",
		},
		Farm: FarmConfig{
			BuildHistory: constants.DefaultBuildHistory,
		},
		Resources: job.DefaultResources(),
		Dispatch: DispatchConfig{
			Workers:        constants.DefaultWorkers,
			PollInterval:   constants.DefaultPollInterval,
			MaxAttempts:    constants.MaxRetryAttempts,
			InitialBackoff: constants.InitialBackoff,
			MaxBackoff:     constants.MaxBackoff,
		},
		Artifacts: ArtifactsConfig{
			OutputDir:   constants.ArtifactsDir,
			LockTimeout: constants.DefaultLockTimeout,
			Store: StoreConfig{
				UseSSL:       true,
				AccessKeyEnv: "BUILDFARM_STORE_ACCESS_KEY",
				SecretKeyEnv: "BUILDFARM_STORE_SECRET_KEY",
			},
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}
