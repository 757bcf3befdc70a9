package config

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/errors"
)

// newViperInstance creates a Viper instance with defaults and the BUILDFARM_
// environment binding.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var configNotFoundErr viper.ConfigFileNotFoundError
	return stderrors.As(err, &configNotFoundErr)
}

func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Load reads configuration from every available source. Missing config
// files are not errors.
func Load(ctx context.Context) (*Config, error) {
	v := newViperInstance()

	if err := loadGlobalConfig(v); err != nil {
		return nil, err
	}
	if err := loadProjectConfig(v); err != nil {
		return nil, err
	}

	cfg, err := unmarshalAndValidate(v)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("component", "config").
		Str("backend.kind", cfg.Backend.Kind).
		Int("dispatch.workers", cfg.Dispatch.Workers).
		Dur("dispatch.poll_interval", cfg.Dispatch.PollInterval).
		Str("artifacts.output_dir", cfg.Artifacts.OutputDir).
		Msg("configuration loaded")

	return cfg, nil
}

func loadGlobalConfig(v *viper.Viper) error {
	path, err := GlobalConfigPath()
	if err != nil || !fileExists(path) {
		return nil //nolint:nilerr // no home directory means no global config
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read global config file")
	}
	return nil
}

func loadProjectConfig(v *viper.Viper) error {
	path := ProjectConfigPath()
	if !fileExists(path) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read project config file")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadWithOverrides loads configuration and applies CLI flag overrides. Only
// non-zero override values are applied.
func LoadWithOverrides(ctx context.Context, overrides *Config) (*Config, error) {
	cfg, err := Load(ctx)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		applyOverrides(cfg, overrides)
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration after overrides")
	}
	return cfg, nil
}

// LoadFromPaths loads configuration from specific files. Either path may be
// empty to skip that level.
func LoadFromPaths(_ context.Context, projectConfigPath, globalConfigPath string) (*Config, error) {
	v := newViperInstance()

	if globalConfigPath != "" {
		v.SetConfigFile(globalConfigPath)
		if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read global config: %s", globalConfigPath)
		}
	}
	if projectConfigPath != "" {
		v.SetConfigFile(projectConfigPath)
		if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read project config: %s", projectConfigPath)
		}
	}
	return unmarshalAndValidate(v)
}

// setDefaults mirrors DefaultConfig. Keys must match the mapstructure tags.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("backend.kind", d.Backend.Kind)
	v.SetDefault("backend.namespace", d.Backend.Namespace)
	v.SetDefault("backend.kubeconfig", "")
	v.SetDefault("backend.builder_image", "")
	v.SetDefault("backend.artifact_prefix", "")
	v.SetDefault("backend.console_url", "")
	v.SetDefault("backend.ttl_after_finished", "0s")
	v.SetDefault("backend.work_dir", "")

	v.SetDefault("farm.cloud", "")
	v.SetDefault("farm.pool", "")
	v.SetDefault("farm.credentials_id", "")
	v.SetDefault("farm.build_history", d.Farm.BuildHistory)

	v.SetDefault("resources.cpu", d.Resources.CPU)
	v.SetDefault("resources.memory", d.Resources.Memory)
	v.SetDefault("resources.ephemeral_storage", d.Resources.EphemeralStorage)
	v.SetDefault("resources.timeout", d.Resources.Timeout.String())

	v.SetDefault("dispatch.workers", d.Dispatch.Workers)
	v.SetDefault("dispatch.poll_interval", d.Dispatch.PollInterval.String())
	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.initial_backoff", d.Dispatch.InitialBackoff.String())
	v.SetDefault("dispatch.max_backoff", d.Dispatch.MaxBackoff.String())

	v.SetDefault("artifacts.output_dir", d.Artifacts.OutputDir)
	v.SetDefault("artifacts.lock_timeout", d.Artifacts.LockTimeout.String())
	v.SetDefault("artifacts.publish", false)
	v.SetDefault("artifacts.publish_prefix", "")
	v.SetDefault("artifacts.store.endpoint", "")
	v.SetDefault("artifacts.store.bucket", "")
	v.SetDefault("artifacts.store.region", "")
	v.SetDefault("artifacts.store.use_ssl", d.Artifacts.Store.UseSSL)
	v.SetDefault("artifacts.store.access_key_env", d.Artifacts.Store.AccessKeyEnv)
	v.SetDefault("artifacts.store.secret_key_env", d.Artifacts.Store.SecretKeyEnv)

	v.SetDefault("policy.skip_tests_on_merge", false)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", "")

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
}

// applyOverrides merges non-zero override values into cfg. Booleans cannot be
// overridden to false here; the CLI sets them directly when a flag changed.
func applyOverrides(cfg, overrides *Config) {
	if overrides.Backend.Kind != "" {
		cfg.Backend.Kind = overrides.Backend.Kind
	}
	if overrides.Backend.Namespace != "" {
		cfg.Backend.Namespace = overrides.Backend.Namespace
	}
	if overrides.Backend.Kubeconfig != "" {
		cfg.Backend.Kubeconfig = overrides.Backend.Kubeconfig
	}
	if overrides.Backend.WorkDir != "" {
		cfg.Backend.WorkDir = overrides.Backend.WorkDir
	}
	if overrides.Dispatch.Workers != 0 {
		cfg.Dispatch.Workers = overrides.Dispatch.Workers
	}
	if overrides.Dispatch.PollInterval != 0 {
		cfg.Dispatch.PollInterval = overrides.Dispatch.PollInterval
	}
	if overrides.Artifacts.OutputDir != "" {
		cfg.Artifacts.OutputDir = overrides.Artifacts.OutputDir
	}
	if overrides.Server.Listen != "" {
		cfg.Server.Listen = overrides.Server.Listen
	}
	if overrides.Resources.Timeout != 0 {
		cfg.Resources.Timeout = overrides.Resources.Timeout
	}
	if overrides.Policy.SkipTestsOnMerge {
		cfg.Policy.SkipTestsOnMerge = true
	}
}

// viperDecoderOption decodes duration strings such as "10s".
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)
}
