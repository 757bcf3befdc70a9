// Package config provides configuration management for buildfarm.
//
// Configuration is layered; later sources override earlier ones:
//  1. Built-in defaults
//  2. Global config (~/.buildfarm/config.yaml)
//  3. Project config (.buildfarm/config.yaml)
//  4. Environment variables (BUILDFARM_* prefix)
//  5. CLI flags
package config

import (
	"time"

	"github.com/mrz1836/buildfarm/internal/job"
)

// Backend kinds.
const (
	BackendKubernetes = "kubernetes"
	BackendLocal      = "local"
)

// Config is the complete buildfarm configuration.
type Config struct {
	// Backend selects and configures the execution backend.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Farm holds settings passed through to every job unchanged.
	Farm FarmConfig `yaml:"farm" mapstructure:"farm"`

	// Resources are the limits applied to jobs that do not set their own.
	Resources job.Resources `yaml:"resources" mapstructure:"resources"`

	// Dispatch controls concurrency, polling and retries.
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`

	// Artifacts controls aggregation and the object store.
	Artifacts ArtifactsConfig `yaml:"artifacts" mapstructure:"artifacts"`

	// Policy holds pipeline policy switches.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// History controls the run history database.
	History HistoryConfig `yaml:"history" mapstructure:"history"`

	// Server configures the trigger API.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// BackendConfig configures the execution backend.
type BackendConfig struct {
	// Kind is "kubernetes" or "local".
	Kind string `yaml:"kind" mapstructure:"kind"`

	// Namespace receives Kubernetes Jobs.
	Namespace string `yaml:"namespace" mapstructure:"namespace"`

	// Kubeconfig is the kubeconfig path. Empty uses KUBECONFIG, then the
	// in-cluster configuration.
	Kubeconfig string `yaml:"kubeconfig" mapstructure:"kubeconfig"`

	// BuilderImage runs image-build jobs.
	BuilderImage string `yaml:"builder_image" mapstructure:"builder_image"`

	// ArtifactPrefix is where Kubernetes jobs upload their outputs,
	// e.g. "s3://ci-artifacts/runs".
	ArtifactPrefix string `yaml:"artifact_prefix" mapstructure:"artifact_prefix"`

	// ConsoleURL builds job links.
	ConsoleURL string `yaml:"console_url" mapstructure:"console_url"`

	// TTLAfterFinished lets the cluster delete finished Jobs.
	TTLAfterFinished time.Duration `yaml:"ttl_after_finished" mapstructure:"ttl_after_finished"`

	// WorkDir is where the local backend runs jobs.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
}

// FarmConfig holds opaque build farm settings.
type FarmConfig struct {
	Cloud         string `yaml:"cloud" mapstructure:"cloud"`
	Pool          string `yaml:"pool" mapstructure:"pool"`
	CredentialsID string `yaml:"credentials_id" mapstructure:"credentials_id"`

	// BuildHistory is how many runs to retain per pipeline key.
	BuildHistory int `yaml:"build_history" mapstructure:"build_history"`
}

// DispatchConfig controls the dispatcher.
type DispatchConfig struct {
	// Workers bounds the number of jobs tracked at once.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// PollInterval is how often job status is polled.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// MaxAttempts bounds backend calls, including the first.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`

	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// ArtifactsConfig controls aggregation.
type ArtifactsConfig struct {
	// OutputDir receives one directory per run.
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`

	// LockTimeout bounds the wait for the output directory lock.
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`

	// Publish uploads merged reports to the object store.
	Publish bool `yaml:"publish" mapstructure:"publish"`

	// PublishPrefix is the key prefix merged reports are published under.
	PublishPrefix string `yaml:"publish_prefix" mapstructure:"publish_prefix"`

	// Store configures the S3-compatible object store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`
}

// StoreConfig configures the object store. Credentials are read from the
// named environment variables so they never live in config files.
type StoreConfig struct {
	Endpoint     string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket       string `yaml:"bucket" mapstructure:"bucket"`
	Region       string `yaml:"region" mapstructure:"region"`
	UseSSL       bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	AccessKeyEnv string `yaml:"access_key_env" mapstructure:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env" mapstructure:"secret_key_env"`
}

// Enabled reports whether an object store is configured.
func (s StoreConfig) Enabled() bool {
	return s.Endpoint != ""
}

// PolicyConfig holds pipeline policy.
type PolicyConfig struct {
	// SkipTestsOnMerge skips test groups for merge-commit runs, trusting
	// the checks already run on the pull request.
	SkipTestsOnMerge bool `yaml:"skip_tests_on_merge" mapstructure:"skip_tests_on_merge"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the sqlite database file. Empty uses ~/.buildfarm/history.db.
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the trigger API.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}
